/*
Package sqlstore provides a SQL-backed stock.TxStore.

PURPOSE:
  Persists stocks, reference data and the five movement sources with sqlx.
  The same schema and queries run on SQLite (default, go-sqlite3) and
  PostgreSQL (lib/pq): placeholders are written as "?" and rebound for the
  driver, dates are stored as YYYY-MM-DD text so that range filters compare
  lexically, and flags are INTEGER columns.

APPEND-ONLY ENFORCEMENT:
  Movement tables only receive INSERTs. The only UPDATE/DELETE statements
  touch reference data (countries, campaigns, rounds, request form round
  links) and Reset.

KEY TABLES:
  vaccine_stocks:       one row per (country_id, vaccine), UNIQUE
  request_form_rounds:  VRF -> rounds it is tied to
  earmarks:             optional outgoing_movement_id link
  stock_histories:      UNIQUE (stock_id, round_id), write once

AS-OF ARRIVALS:
  RequestForms with RoundsEndedBy adds an EXISTS sub-query over the form's
  own rounds: the round must have ended by the date and its effective
  vaccine scope (round's own list when the campaign has separate scopes,
  the campaign's otherwise) must contain the vaccine.

CONCURRENCY:
  SQLite is opened with a single connection; PostgreSQL relies on its own
  transactional isolation.

USAGE:
  st, err := sqlstore.Open("sqlite3", "./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

SEE ALSO:
  - stock/store.go: interface definitions
  - stock/store/memory.go: in-memory implementation
*/
package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/warp/vaccine-stock/stock"
)

// Store implements stock.TxStore over a *sqlx.DB.
type Store struct {
	*conn
	db *sqlx.DB
}

// Open connects to driver ("sqlite3" or "postgres") and migrates the schema.
// Use ":memory:" as SQLite DSN for an in-memory database.
func Open(driver, dsn string) (*Store, error) {
	if driver == "sqlite3" && !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	st := New(db)
	if err := st.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return st, nil
}

// New wraps an open database without migrating it.
func New(db *sqlx.DB) *Store {
	return &Store{conn: &conn{q: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS countries (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vaccine_stocks (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL DEFAULT '',
	country_id TEXT NOT NULL,
	vaccine TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (country_id, vaccine)
);

CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	obr_name TEXT NOT NULL,
	account_id TEXT NOT NULL DEFAULT '',
	country_id TEXT NOT NULL,
	vaccines TEXT NOT NULL DEFAULT '',
	separate_scopes_per_round INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS rounds (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	started_at TEXT,
	ended_at TEXT,
	vaccines TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_rounds_campaign ON rounds(campaign_id);

CREATE TABLE IF NOT EXISTS request_forms (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	vaccine TEXT NOT NULL,
	vrf_type TEXT NOT NULL,
	date_vrf_signature TEXT,
	doses_requested INTEGER,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS request_form_rounds (
	request_form_id TEXT NOT NULL,
	round_id TEXT NOT NULL,
	PRIMARY KEY (request_form_id, round_id)
);

CREATE TABLE IF NOT EXISTS pre_alerts (
	id TEXT PRIMARY KEY,
	request_form_id TEXT NOT NULL,
	po_number TEXT NOT NULL DEFAULT '',
	estimated_arrival_date TEXT,
	doses_shipped INTEGER,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS arrival_reports (
	id TEXT PRIMARY KEY,
	request_form_id TEXT NOT NULL,
	po_number TEXT NOT NULL DEFAULT '',
	arrival_report_date TEXT NOT NULL,
	doses_received INTEGER,
	doses_shipped INTEGER,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_arrival_reports_form ON arrival_reports(request_form_id, arrival_report_date);

CREATE TABLE IF NOT EXISTS outgoing_movements (
	id TEXT PRIMARY KEY,
	stock_id TEXT NOT NULL,
	campaign_id TEXT NOT NULL DEFAULT '',
	round_id TEXT NOT NULL DEFAULT '',
	report_date TEXT NOT NULL,
	form_a_reception_date TEXT,
	usable_vials_used INTEGER NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outgoing_movements_stock ON outgoing_movements(stock_id, report_date);

CREATE TABLE IF NOT EXISTS destruction_reports (
	id TEXT PRIMARY KEY,
	stock_id TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	rrt_reception_date TEXT,
	destruction_report_date TEXT NOT NULL,
	unusable_vials_destroyed INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_destruction_reports_stock ON destruction_reports(stock_id, destruction_report_date);

CREATE TABLE IF NOT EXISTS incident_reports (
	id TEXT PRIMARY KEY,
	stock_id TEXT NOT NULL,
	stock_correction TEXT NOT NULL,
	date_of_incident_report TEXT NOT NULL,
	received_by_rrt TEXT,
	usable_vials INTEGER,
	unusable_vials INTEGER,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incident_reports_stock ON incident_reports(stock_id, date_of_incident_report);

CREATE TABLE IF NOT EXISTS earmarks (
	id TEXT PRIMARY KEY,
	stock_id TEXT NOT NULL,
	earmarked_stock_type TEXT NOT NULL,
	vials_earmarked INTEGER NOT NULL,
	doses_earmarked INTEGER NOT NULL,
	campaign_id TEXT NOT NULL DEFAULT '',
	round_id TEXT NOT NULL DEFAULT '',
	temporary_campaign_name TEXT NOT NULL DEFAULT '',
	outgoing_movement_id TEXT,
	comment TEXT NOT NULL DEFAULT '',
	date TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_earmarks_stock ON earmarks(stock_id, date);

CREATE TABLE IF NOT EXISTS stock_histories (
	id TEXT PRIMARY KEY,
	stock_id TEXT NOT NULL,
	round_id TEXT NOT NULL,
	opening_usable_vials INTEGER NOT NULL,
	opening_usable_doses INTEGER NOT NULL,
	closing_usable_vials INTEGER NOT NULL,
	closing_usable_doses INTEGER NOT NULL,
	opening_unusable_vials INTEGER NOT NULL,
	opening_unusable_doses INTEGER NOT NULL,
	closing_unusable_vials INTEGER NOT NULL,
	closing_unusable_doses INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (stock_id, round_id)
)
`

var tables = []string{
	"stock_histories", "earmarks", "incident_reports", "destruction_reports",
	"outgoing_movements", "arrival_reports", "pre_alerts", "request_form_rounds",
	"request_forms", "rounds", "campaigns", "vaccine_stocks", "countries",
}

// Reset deletes all data (for demo/testing).
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			tx.Rollback()
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
// If fn returns error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&conn{q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SaveCampaign replaces the campaign and its rounds atomically.
func (s *Store) SaveCampaign(ctx context.Context, c stock.Campaign) error {
	return s.WithTx(ctx, func(st stock.Store) error { return st.SaveCampaign(ctx, c) })
}

// SaveRequestForm replaces the form and its round links atomically.
func (s *Store) SaveRequestForm(ctx context.Context, f stock.RequestForm) error {
	return s.WithTx(ctx, func(st stock.Store) error { return st.SaveRequestForm(ctx, f) })
}
