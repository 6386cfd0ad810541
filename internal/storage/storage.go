package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bazarstat-hq/market-ingest/internal/domain"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Package storage persists canonical records behind idempotent upserts keyed
// by (source, external id) and keeps the append-only price ledger.

// Result classifies what an upsert did.
type Result int

const (
	Unchanged Result = iota
	Inserted
	Updated
)

func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Outcome reports an upsert's effect so callers can emit change events
// without re-reading the row.
type Outcome struct {
	Result         Result
	PriceChanged   bool
	OldPrice       *int64
	NewPrice       *int64
	BecameTerminal bool
	// ReopenAttempt flags an active-status record arriving for a deal that is
	// already completed. The write is ignored; callers log the anomaly.
	ReopenAttempt bool
}

// Counts is the per-table row census used by the status surface.
type Counts struct {
	Sellers   int64
	Products  int64
	Listings  int64
	Deals     int64
	PriceRows int64
}

// Store is the persistence boundary of the pipeline.
type Store interface {
	UpsertSeller(ctx context.Context, s domain.Seller) (Outcome, error)
	UpsertProduct(ctx context.Context, p domain.Product) (Outcome, error)
	UpsertListing(ctx context.Context, l domain.Listing) (Outcome, error)
	UpsertDeal(ctx context.Context, d domain.Deal) (Outcome, error)
	PriceHistory(ctx context.Context, source, externalID string, limit int) ([]domain.PricePoint, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// Open creates the configured storage backend and applies the schema.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	driver = strings.TrimSpace(strings.ToLower(driver))
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage requires a DSN")
	}

	var dialect dialect
	switch driver {
	case "postgres":
		dialect = dialectPostgres
	case "sqlite":
		dialect = dialectSQLite
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}

	st := &sqlStore{db: db, dialect: dialect}
	if err := st.applySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}
