/*
Package report turns stock projections into the shapes served to users:
per-stock summaries, paged line lists and XLSX workbooks.

CONCURRENCY:
  Projections are independent and the calculator holds no state, so
  several stocks are replayed in parallel with a bounded errgroup.

SEE ALSO:
  - stock/calculator.go: the projections summarized here
  - api/handlers.go: HTTP endpoints built on this package
*/
package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/vaccine-stock/stock"
)

// MaxConcurrentProjections bounds the replays running at once.
const MaxConcurrentProjections = 4

// Projector is the calculator surface used by reports.
type Projector interface {
	Project(ctx context.Context, stockID string, end *time.Time) (*stock.Projection, error)
}

// Summary holds the totals of one stock as of one date.
type Summary struct {
	Identity       stock.Identity
	End            *time.Time
	Usable         stock.Quantity
	Unusable       stock.Quantity
	Earmarked      stock.Quantity
	VialsReceived  int
	VialsUsed      int
	VialsDestroyed int

	// UsageRate is vials used over vials received, rounded to 4 places.
	// Zero when nothing was received.
	UsageRate decimal.Decimal
}

// Summarize builds one Summary from a projection.
func Summarize(p *stock.Projection) Summary {
	s := Summary{
		Identity:       p.Identity,
		End:            p.End,
		Usable:         p.TotalUsable(),
		Unusable:       p.TotalUnusable(),
		Earmarked:      p.TotalEarmarked(),
		VialsReceived:  p.VialsReceived(),
		VialsUsed:      p.VialsUsed(),
		VialsDestroyed: p.VialsDestroyed(),
		UsageRate:      decimal.Zero,
	}
	if s.VialsReceived > 0 {
		s.UsageRate = decimal.NewFromInt(int64(s.VialsUsed)).
			DivRound(decimal.NewFromInt(int64(s.VialsReceived)), 4)
	}
	return s
}

// SummarizeAll projects every stock concurrently. Results keep the order of
// stockIDs; the first failure cancels the rest.
func SummarizeAll(ctx context.Context, calc Projector, stockIDs []string, end *time.Time) ([]Summary, error) {
	out := make([]Summary, len(stockIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentProjections)

	for i, id := range stockIDs {
		g.Go(func() error {
			p, err := calc.Project(ctx, id, end)
			if err != nil {
				return err
			}
			out[i] = Summarize(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Lines returns the expanded lines of one ledger across stocks, merged by
// date. Ties keep the order of stockIDs.
func Lines(ctx context.Context, calc Projector, stockIDs []string, name stock.LedgerName, end *time.Time) ([]stock.Line, error) {
	perStock := make([][]stock.Line, len(stockIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentProjections)

	for i, id := range stockIDs {
		g.Go(func() error {
			p, err := calc.Project(ctx, id, end)
			if err != nil {
				return err
			}
			lines, err := p.Lines(name, true)
			if err != nil {
				return err
			}
			perStock[i] = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []stock.Line
	for _, lines := range perStock {
		all = append(all, lines...)
	}
	stock.SortByDate(all)
	return all, nil
}
