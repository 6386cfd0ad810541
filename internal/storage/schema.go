package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Timestamps are stored as unix nanoseconds in BIGINT columns so the same
// schema runs on both engines and ledger ordering has no tie-breaks. Money
// columns hold minor units.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS catalog_sellers (
		source        TEXT NOT NULL,
		external_id   TEXT NOT NULL,
		name          TEXT NOT NULL,
		rating        DOUBLE PRECISION,
		reviews       BIGINT,
		orders_count  BIGINT,
		contact       TEXT,
		official      BOOLEAN NOT NULL DEFAULT FALSE,
		first_seen_at BIGINT NOT NULL,
		updated_at    BIGINT NOT NULL,
		PRIMARY KEY (source, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_products (
		source        TEXT NOT NULL,
		external_id   TEXT NOT NULL,
		title         TEXT NOT NULL,
		category_path TEXT,
		seller_id     TEXT,
		price         BIGINT,
		currency      TEXT NOT NULL,
		status        TEXT NOT NULL,
		available     BIGINT,
		attributes    TEXT,
		skus          TEXT,
		first_seen_at BIGINT NOT NULL,
		updated_at    BIGINT NOT NULL,
		PRIMARY KEY (source, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS classifieds_listings (
		source        TEXT NOT NULL,
		external_id   TEXT NOT NULL,
		title         TEXT NOT NULL,
		description   TEXT,
		price         BIGINT,
		currency      TEXT NOT NULL,
		status        TEXT NOT NULL,
		city          TEXT,
		seller_id     TEXT,
		posted_at     BIGINT,
		attributes    TEXT,
		first_seen_at BIGINT NOT NULL,
		updated_at    BIGINT NOT NULL,
		PRIMARY KEY (source, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS procurement_deals (
		source        TEXT NOT NULL,
		lot_id        TEXT NOT NULL,
		lot_type      TEXT NOT NULL,
		status        TEXT NOT NULL,
		start_cost    BIGINT,
		deal_cost     BIGINT,
		currency      TEXT NOT NULL,
		customer      TEXT,
		customer_tin  TEXT,
		provider      TEXT,
		provider_tin  TEXT,
		category      TEXT,
		deal_date     BIGINT,
		first_seen_at BIGINT NOT NULL,
		updated_at    BIGINT NOT NULL,
		PRIMARY KEY (source, lot_id)
	)`,
	`CREATE TABLE IF NOT EXISTS procurement_line_items (
		source   TEXT NOT NULL,
		lot_id   TEXT NOT NULL,
		row_num  BIGINT NOT NULL,
		name     TEXT NOT NULL,
		quantity DOUBLE PRECISION,
		unit     TEXT,
		price    BIGINT,
		cost     BIGINT,
		country  TEXT,
		PRIMARY KEY (source, lot_id, row_num)
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		source      TEXT NOT NULL,
		external_id TEXT NOT NULL,
		price       BIGINT,
		available   BIGINT,
		status      TEXT NOT NULL,
		recorded_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_entity
		ON price_history (source, external_id, recorded_at)`,
}

func (s *sqlStore) applySchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to the engine's native form. Queries are
// written once in ? style; postgres gets $1..$n.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
