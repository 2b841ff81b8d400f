/*
history.go - Round opening/closing snapshots

PURPOSE:
  When a round ends, the stock's usable and unusable balances around it
  are frozen in a History row:

    opening = totals as of the day before the round started
    closing = totals as of the day the round ended

  A round without a start date opens at zero. The row is written once per
  (stock, round); closing the same round again returns ErrHistoryExists.

  Snapshots are an audit layer. The calculator never reads them: balances
  are always replayed from the movement sources.

SEE ALSO:
  - calculator.go: produces the totals
  - api/scheduler.go: closes due rounds periodically
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HistoryManager writes round snapshots.
type HistoryManager struct {
	Store      Store
	Calculator *Calculator
	Logger     *zap.Logger
	Now        func() time.Time
}

func NewHistoryManager(store Store, calc *Calculator, logger *zap.Logger) *HistoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryManager{Store: store, Calculator: calc, Logger: logger, Now: time.Now}
}

// CloseRound snapshots the stock's balances around the round. The round
// must have ended and its vaccine scope must include the stock's vaccine.
func (hm *HistoryManager) CloseRound(ctx context.Context, stockID, roundID string) (*History, error) {
	stk, err := hm.Store.Stock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	camp, round, err := hm.findRound(ctx, stk.CountryID, roundID)
	if err != nil {
		return nil, err
	}
	if round.EndedAt == nil {
		return nil, invalid("round_id", "round %s has not ended", roundID)
	}
	if !camp.RoundCovers(round, stk.Vaccine) {
		return nil, invalid("round_id", "round %s does not cover %s", roundID, stk.Vaccine)
	}

	existing, err := hm.Store.Histories(ctx, stockID)
	if err != nil {
		return nil, fmt.Errorf("load histories: %w", err)
	}
	for _, h := range existing {
		if h.RoundID == roundID {
			return nil, ErrHistoryExists
		}
	}

	h := History{
		ID:        uuid.NewString(),
		StockID:   stockID,
		RoundID:   roundID,
		CreatedAt: hm.Now().UTC(),
	}
	if round.StartedAt != nil {
		before := Day(*round.StartedAt).AddDate(0, 0, -1)
		opening, err := hm.Calculator.Project(ctx, stockID, &before)
		if err != nil {
			return nil, err
		}
		h.OpeningUsable = opening.TotalUsable()
		h.OpeningUnusable = opening.TotalUnusable()
	}
	closing, err := hm.Calculator.Project(ctx, stockID, round.EndedAt)
	if err != nil {
		return nil, err
	}
	h.ClosingUsable = closing.TotalUsable()
	h.ClosingUnusable = closing.TotalUnusable()

	if err := hm.Store.AppendHistory(ctx, h); err != nil {
		return nil, err
	}
	hm.Logger.Info("round closed",
		zap.String("stock_id", stockID),
		zap.String("round_id", roundID),
		zap.Int("closing_usable_vials", h.ClosingUsable.Vials))
	return &h, nil
}

// CloseDueRounds closes every ended round not yet snapshotted, for every
// stock whose vaccine the round covers. A failing stock does not stop the
// others; the failures are joined into the returned error.
func (hm *HistoryManager) CloseDueRounds(ctx context.Context) ([]History, error) {
	now := hm.Now()
	stocks, err := hm.Store.Stocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stocks: %w", err)
	}

	var (
		closed []History
		errs   []error
	)
	for _, stk := range stocks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		due, err := hm.dueRounds(ctx, stk, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, roundID := range due {
			h, err := hm.CloseRound(ctx, stk.ID, roundID)
			if err != nil {
				hm.Logger.Warn("close round failed",
					zap.String("stock_id", stk.ID),
					zap.String("round_id", roundID),
					zap.Error(err))
				errs = append(errs, err)
				continue
			}
			closed = append(closed, *h)
		}
	}
	return closed, errors.Join(errs...)
}

func (hm *HistoryManager) dueRounds(ctx context.Context, stk VaccineStock, now time.Time) ([]string, error) {
	campaigns, err := hm.Store.Campaigns(ctx, stk.CountryID)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	histories, err := hm.Store.Histories(ctx, stk.ID)
	if err != nil {
		return nil, fmt.Errorf("load histories: %w", err)
	}
	done := make(map[string]bool, len(histories))
	for _, h := range histories {
		done[h.RoundID] = true
	}

	var due []string
	for _, camp := range campaigns {
		for _, r := range camp.Rounds {
			if r.EndedAt == nil || done[r.ID] || !OnOrBefore(*r.EndedAt, &now) {
				continue
			}
			if camp.RoundCovers(r, stk.Vaccine) {
				due = append(due, r.ID)
			}
		}
	}
	return due, nil
}

func (hm *HistoryManager) findRound(ctx context.Context, countryID, roundID string) (Campaign, Round, error) {
	campaigns, err := hm.Store.Campaigns(ctx, countryID)
	if err != nil {
		return Campaign{}, Round{}, fmt.Errorf("load campaigns: %w", err)
	}
	for _, camp := range campaigns {
		if r, ok := camp.Round(roundID); ok {
			return camp, r, nil
		}
	}
	return Campaign{}, Round{}, NotFound("round", roundID)
}
