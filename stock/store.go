/*
store.go - Persistence interface for stocks and movement sources

PURPOSE:
  Defines the boundary between the ledger logic and the database. The
  calculator only needs a Reader; the Recorder writes through a TxStore so
  that a Form A and the earmarks that cover it land in one transaction.

APPEND-ONLY CONTRACT:
  Movement sources (arrivals, Form A, destruction, incidents, earmarks)
  expose Append* methods only. There is no Update or Delete: a wrong row is
  corrected with an incident report, never edited.

  Reference data (countries, campaigns, request forms) uses Save*, which
  replaces the record by ID.

AS-OF FILTERS:
  Movement queries take an optional `until` date, inclusive by calendar
  day. A nil `until` returns every row.

IMPLEMENTATIONS:
  - stock/store/memory.go: in-memory, for tests and -db=memory
  - store/sqlstore/sqlstore.go: SQLite (default) or PostgreSQL via sqlx

SEE ALSO:
  - calculator.go: read-side consumer
  - recorder.go: write-side consumer
*/
package stock

import (
	"context"
	"time"

	"github.com/warp/vaccine-stock/vaccine"
)

// RequestFormQuery selects the request forms feeding a stock's arrivals.
type RequestFormQuery struct {
	CountryID string
	Vaccine   vaccine.Type

	// RoundsEndedBy keeps only forms with at least one of their own rounds
	// covering Vaccine and ended on or before this date. Nil keeps all.
	RoundsEndedBy *time.Time
}

// =============================================================================
// READER
// =============================================================================

// Reader is the read side used by the calculator. Single-record lookups
// return a *NotFoundError when the record does not exist.
type Reader interface {
	Country(ctx context.Context, id string) (*Country, error)
	Countries(ctx context.Context) ([]Country, error)

	Stock(ctx context.Context, id string) (*VaccineStock, error)
	StockFor(ctx context.Context, countryID string, v vaccine.Type) (*VaccineStock, error)
	Stocks(ctx context.Context) ([]VaccineStock, error)

	Campaign(ctx context.Context, id string) (*Campaign, error)
	// Campaigns returns the campaigns of a country; "" returns all.
	Campaigns(ctx context.Context, countryID string) ([]Campaign, error)

	RequestForm(ctx context.Context, id string) (*RequestForm, error)
	RequestForms(ctx context.Context, q RequestFormQuery) ([]RequestForm, error)
	PreAlerts(ctx context.Context, formIDs []string) ([]PreAlert, error)
	ArrivalReports(ctx context.Context, formIDs []string, until *time.Time) ([]ArrivalReport, error)

	OutgoingMovement(ctx context.Context, id string) (*OutgoingMovement, error)
	OutgoingMovements(ctx context.Context, stockID string, until *time.Time) ([]OutgoingMovement, error)
	DestructionReports(ctx context.Context, stockID string, until *time.Time) ([]DestructionReport, error)
	IncidentReports(ctx context.Context, stockID string, until *time.Time) ([]IncidentReport, error)
	Earmarks(ctx context.Context, stockID string, until *time.Time) ([]Earmark, error)

	Histories(ctx context.Context, stockID string) ([]History, error)
}

// =============================================================================
// WRITER - append-only for movements
// =============================================================================

// Writer persists records. SaveStock returns ErrDuplicate when the
// (country, vaccine) pair already has a stock; AppendHistory returns
// ErrHistoryExists when the (stock, round) pair is already closed.
type Writer interface {
	SaveCountry(ctx context.Context, c Country) error
	SaveStock(ctx context.Context, s VaccineStock) error
	SaveCampaign(ctx context.Context, c Campaign) error
	SaveRequestForm(ctx context.Context, f RequestForm) error

	AppendPreAlert(ctx context.Context, p PreAlert) error
	AppendArrivalReport(ctx context.Context, a ArrivalReport) error
	AppendOutgoingMovement(ctx context.Context, m OutgoingMovement) error
	AppendDestructionReport(ctx context.Context, d DestructionReport) error
	AppendIncidentReport(ctx context.Context, i IncidentReport) error
	AppendEarmark(ctx context.Context, e Earmark) error
	AppendHistory(ctx context.Context, h History) error
}

// Store is the full persistence interface.
type Store interface {
	Reader
	Writer
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
