// Package store provides an in-memory stock.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/vaccine-stock/stock"
	"github.com/warp/vaccine-stock/vaccine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps and slices behind one RWMutex.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

// Reset drops every record.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d = newData()
	return nil
}

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (m *Memory) Country(ctx context.Context, id string) (*stock.Country, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Country(ctx, id)
}

func (m *Memory) Countries(ctx context.Context) ([]stock.Country, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Countries(ctx)
}

func (m *Memory) Stock(ctx context.Context, id string) (*stock.VaccineStock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Stock(ctx, id)
}

func (m *Memory) StockFor(ctx context.Context, countryID string, v vaccine.Type) (*stock.VaccineStock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.StockFor(ctx, countryID, v)
}

func (m *Memory) Stocks(ctx context.Context) ([]stock.VaccineStock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Stocks(ctx)
}

func (m *Memory) Campaign(ctx context.Context, id string) (*stock.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Campaign(ctx, id)
}

func (m *Memory) Campaigns(ctx context.Context, countryID string) ([]stock.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Campaigns(ctx, countryID)
}

func (m *Memory) RequestForm(ctx context.Context, id string) (*stock.RequestForm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.RequestForm(ctx, id)
}

func (m *Memory) RequestForms(ctx context.Context, q stock.RequestFormQuery) ([]stock.RequestForm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.RequestForms(ctx, q)
}

func (m *Memory) PreAlerts(ctx context.Context, formIDs []string) ([]stock.PreAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.PreAlerts(ctx, formIDs)
}

func (m *Memory) ArrivalReports(ctx context.Context, formIDs []string, until *time.Time) ([]stock.ArrivalReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ArrivalReports(ctx, formIDs, until)
}

func (m *Memory) OutgoingMovement(ctx context.Context, id string) (*stock.OutgoingMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.OutgoingMovement(ctx, id)
}

func (m *Memory) OutgoingMovements(ctx context.Context, stockID string, until *time.Time) ([]stock.OutgoingMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.OutgoingMovements(ctx, stockID, until)
}

func (m *Memory) DestructionReports(ctx context.Context, stockID string, until *time.Time) ([]stock.DestructionReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.DestructionReports(ctx, stockID, until)
}

func (m *Memory) IncidentReports(ctx context.Context, stockID string, until *time.Time) ([]stock.IncidentReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.IncidentReports(ctx, stockID, until)
}

func (m *Memory) Earmarks(ctx context.Context, stockID string, until *time.Time) ([]stock.Earmark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Earmarks(ctx, stockID, until)
}

func (m *Memory) Histories(ctx context.Context, stockID string) ([]stock.History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Histories(ctx, stockID)
}

// Writes outside WithTx run in their own implicit transaction.

func (m *Memory) write(fn func(*data) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.d)
}

func (m *Memory) SaveCountry(ctx context.Context, c stock.Country) error {
	return m.write(func(d *data) error { return d.SaveCountry(ctx, c) })
}

func (m *Memory) SaveStock(ctx context.Context, s stock.VaccineStock) error {
	return m.write(func(d *data) error { return d.SaveStock(ctx, s) })
}

func (m *Memory) SaveCampaign(ctx context.Context, c stock.Campaign) error {
	return m.write(func(d *data) error { return d.SaveCampaign(ctx, c) })
}

func (m *Memory) SaveRequestForm(ctx context.Context, f stock.RequestForm) error {
	return m.write(func(d *data) error { return d.SaveRequestForm(ctx, f) })
}

func (m *Memory) AppendPreAlert(ctx context.Context, p stock.PreAlert) error {
	return m.write(func(d *data) error { return d.AppendPreAlert(ctx, p) })
}

func (m *Memory) AppendArrivalReport(ctx context.Context, a stock.ArrivalReport) error {
	return m.write(func(d *data) error { return d.AppendArrivalReport(ctx, a) })
}

func (m *Memory) AppendOutgoingMovement(ctx context.Context, mv stock.OutgoingMovement) error {
	return m.write(func(d *data) error { return d.AppendOutgoingMovement(ctx, mv) })
}

func (m *Memory) AppendDestructionReport(ctx context.Context, r stock.DestructionReport) error {
	return m.write(func(d *data) error { return d.AppendDestructionReport(ctx, r) })
}

func (m *Memory) AppendIncidentReport(ctx context.Context, r stock.IncidentReport) error {
	return m.write(func(d *data) error { return d.AppendIncidentReport(ctx, r) })
}

func (m *Memory) AppendEarmark(ctx context.Context, e stock.Earmark) error {
	return m.write(func(d *data) error { return d.AppendEarmark(ctx, e) })
}

func (m *Memory) AppendHistory(ctx context.Context, h stock.History) error {
	return m.write(func(d *data) error { return d.AppendHistory(ctx, h) })
}

// =============================================================================
// DATA - the tables; implements stock.Store without locking
// =============================================================================

type data struct {
	countries    map[string]stock.Country
	stocks       map[string]stock.VaccineStock
	campaigns    map[string]stock.Campaign
	forms        map[string]stock.RequestForm
	preAlerts    []stock.PreAlert
	arrivals     []stock.ArrivalReport
	outgoing     []stock.OutgoingMovement
	destructions []stock.DestructionReport
	incidents    []stock.IncidentReport
	earmarks     []stock.Earmark
	histories    []stock.History
}

func newData() *data {
	return &data{
		countries: make(map[string]stock.Country),
		stocks:    make(map[string]stock.VaccineStock),
		campaigns: make(map[string]stock.Campaign),
		forms:     make(map[string]stock.RequestForm),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.countries {
		c.countries[k] = v
	}
	for k, v := range d.stocks {
		c.stocks[k] = v
	}
	for k, v := range d.campaigns {
		c.campaigns[k] = v
	}
	for k, v := range d.forms {
		c.forms[k] = v
	}
	c.preAlerts = append(c.preAlerts, d.preAlerts...)
	c.arrivals = append(c.arrivals, d.arrivals...)
	c.outgoing = append(c.outgoing, d.outgoing...)
	c.destructions = append(c.destructions, d.destructions...)
	c.incidents = append(c.incidents, d.incidents...)
	c.earmarks = append(c.earmarks, d.earmarks...)
	c.histories = append(c.histories, d.histories...)
	return c
}

func (d *data) Country(_ context.Context, id string) (*stock.Country, error) {
	c, ok := d.countries[id]
	if !ok {
		return nil, stock.NotFound("country", id)
	}
	return &c, nil
}

func (d *data) Countries(_ context.Context) ([]stock.Country, error) {
	out := make([]stock.Country, 0, len(d.countries))
	for _, c := range d.countries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *data) Stock(_ context.Context, id string) (*stock.VaccineStock, error) {
	s, ok := d.stocks[id]
	if !ok {
		return nil, stock.NotFound("stock", id)
	}
	return &s, nil
}

func (d *data) StockFor(_ context.Context, countryID string, v vaccine.Type) (*stock.VaccineStock, error) {
	for _, s := range d.stocks {
		if s.CountryID == countryID && s.Vaccine == v {
			return &s, nil
		}
	}
	return nil, stock.NotFound("stock", countryID+"/"+string(v))
}

func (d *data) Stocks(_ context.Context) ([]stock.VaccineStock, error) {
	out := make([]stock.VaccineStock, 0, len(d.stocks))
	for _, s := range d.stocks {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CountryID != out[j].CountryID {
			return out[i].CountryID < out[j].CountryID
		}
		return out[i].Vaccine < out[j].Vaccine
	})
	return out, nil
}

func (d *data) Campaign(_ context.Context, id string) (*stock.Campaign, error) {
	c, ok := d.campaigns[id]
	if !ok {
		return nil, stock.NotFound("campaign", id)
	}
	c = cloneCampaign(c)
	return &c, nil
}

func (d *data) Campaigns(_ context.Context, countryID string) ([]stock.Campaign, error) {
	var out []stock.Campaign
	for _, c := range d.campaigns {
		if countryID == "" || c.CountryID == countryID {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *data) RequestForm(_ context.Context, id string) (*stock.RequestForm, error) {
	f, ok := d.forms[id]
	if !ok {
		return nil, stock.NotFound("request form", id)
	}
	f.RoundIDs = append([]string(nil), f.RoundIDs...)
	return &f, nil
}

// RequestForms resolves each form's campaign to apply the country filter
// and, with RoundsEndedBy, the ended-round eligibility rule.
func (d *data) RequestForms(_ context.Context, q stock.RequestFormQuery) ([]stock.RequestForm, error) {
	var out []stock.RequestForm
	for _, f := range d.forms {
		if f.Vaccine != q.Vaccine {
			continue
		}
		camp, ok := d.campaigns[f.CampaignID]
		if !ok || camp.CountryID != q.CountryID {
			continue
		}
		if q.RoundsEndedBy != nil && !camp.HasRoundEndedBy(f.RoundIDs, q.Vaccine, *q.RoundsEndedBy) {
			continue
		}
		f.RoundIDs = append([]string(nil), f.RoundIDs...)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *data) PreAlerts(_ context.Context, formIDs []string) ([]stock.PreAlert, error) {
	in := set(formIDs)
	var out []stock.PreAlert
	for _, p := range d.preAlerts {
		if in[p.RequestFormID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *data) ArrivalReports(_ context.Context, formIDs []string, until *time.Time) ([]stock.ArrivalReport, error) {
	in := set(formIDs)
	var out []stock.ArrivalReport
	for _, a := range d.arrivals {
		if in[a.RequestFormID] && stock.OnOrBefore(a.ArrivalReportDate, until) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArrivalReportDate.Before(out[j].ArrivalReportDate) })
	return out, nil
}

func (d *data) OutgoingMovement(_ context.Context, id string) (*stock.OutgoingMovement, error) {
	for _, m := range d.outgoing {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, stock.NotFound("outgoing movement", id)
}

func (d *data) OutgoingMovements(_ context.Context, stockID string, until *time.Time) ([]stock.OutgoingMovement, error) {
	var out []stock.OutgoingMovement
	for _, m := range d.outgoing {
		if m.StockID == stockID && stock.OnOrBefore(m.ReportDate, until) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReportDate.Before(out[j].ReportDate) })
	return out, nil
}

func (d *data) DestructionReports(_ context.Context, stockID string, until *time.Time) ([]stock.DestructionReport, error) {
	var out []stock.DestructionReport
	for _, r := range d.destructions {
		if r.StockID == stockID && stock.OnOrBefore(r.DestructionReportDate, until) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DestructionReportDate.Before(out[j].DestructionReportDate)
	})
	return out, nil
}

func (d *data) IncidentReports(_ context.Context, stockID string, until *time.Time) ([]stock.IncidentReport, error) {
	var out []stock.IncidentReport
	for _, r := range d.incidents {
		if r.StockID == stockID && stock.OnOrBefore(r.DateOfIncidentReport, until) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DateOfIncidentReport.Before(out[j].DateOfIncidentReport)
	})
	return out, nil
}

func (d *data) Earmarks(_ context.Context, stockID string, until *time.Time) ([]stock.Earmark, error) {
	var out []stock.Earmark
	for _, e := range d.earmarks {
		if e.StockID == stockID && stock.OnOrBefore(e.Date, until) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (d *data) Histories(_ context.Context, stockID string) ([]stock.History, error) {
	var out []stock.History
	for _, h := range d.histories {
		if h.StockID == stockID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (d *data) SaveCountry(_ context.Context, c stock.Country) error {
	d.countries[c.ID] = c
	return nil
}

func (d *data) SaveStock(_ context.Context, s stock.VaccineStock) error {
	for _, existing := range d.stocks {
		if existing.ID != s.ID && existing.CountryID == s.CountryID && existing.Vaccine == s.Vaccine {
			return stock.ErrDuplicate
		}
	}
	d.stocks[s.ID] = s
	return nil
}

func (d *data) SaveCampaign(_ context.Context, c stock.Campaign) error {
	d.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (d *data) SaveRequestForm(_ context.Context, f stock.RequestForm) error {
	f.RoundIDs = append([]string(nil), f.RoundIDs...)
	d.forms[f.ID] = f
	return nil
}

func (d *data) AppendPreAlert(_ context.Context, p stock.PreAlert) error {
	d.preAlerts = append(d.preAlerts, p)
	return nil
}

func (d *data) AppendArrivalReport(_ context.Context, a stock.ArrivalReport) error {
	d.arrivals = append(d.arrivals, a)
	return nil
}

func (d *data) AppendOutgoingMovement(_ context.Context, m stock.OutgoingMovement) error {
	d.outgoing = append(d.outgoing, m)
	return nil
}

func (d *data) AppendDestructionReport(_ context.Context, r stock.DestructionReport) error {
	d.destructions = append(d.destructions, r)
	return nil
}

func (d *data) AppendIncidentReport(_ context.Context, r stock.IncidentReport) error {
	d.incidents = append(d.incidents, r)
	return nil
}

func (d *data) AppendEarmark(_ context.Context, e stock.Earmark) error {
	if e.MovementID != nil {
		id := *e.MovementID
		e.MovementID = &id
	}
	d.earmarks = append(d.earmarks, e)
	return nil
}

func (d *data) AppendHistory(_ context.Context, h stock.History) error {
	for _, existing := range d.histories {
		if existing.StockID == h.StockID && existing.RoundID == h.RoundID {
			return stock.ErrHistoryExists
		}
	}
	d.histories = append(d.histories, h)
	return nil
}

func cloneCampaign(c stock.Campaign) stock.Campaign {
	c.Vaccines = append([]vaccine.Type(nil), c.Vaccines...)
	rounds := make([]stock.Round, len(c.Rounds))
	for i, r := range c.Rounds {
		r.Vaccines = append([]vaccine.Type(nil), r.Vaccines...)
		rounds[i] = r
	}
	c.Rounds = rounds
	return c
}

func set(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
