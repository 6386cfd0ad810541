package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/bazarstat-hq/market-ingest/internal/domain"
)

type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *sqlStore) UpsertSeller(ctx context.Context, rec domain.Seller) (Outcome, error) {
	var out Outcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			name     string
			rating   sql.NullFloat64
			reviews  sql.NullInt64
			orders   sql.NullInt64
			contact  sql.NullString
			official bool
		)
		row := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT name, rating, reviews, orders_count, contact, official
			 FROM catalog_sellers WHERE source = ? AND external_id = ?`),
			rec.Source, rec.ExternalID)
		err := row.Scan(&name, &rating, &reviews, &orders, &contact, &official)

		now := time.Now().UTC().UnixNano()
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, s.dialect.rebind(
				`INSERT INTO catalog_sellers
				 (source, external_id, name, rating, reviews, orders_count, contact, official, first_seen_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				rec.Source, rec.ExternalID, rec.Name,
				nullFloat(rec.Rating), nullInt(rec.Reviews), nullInt(rec.Orders),
				nullStr(rec.Contact), rec.Official, now, now)
			if err != nil {
				return fmt.Errorf("insert seller %s/%s: %w", rec.Source, rec.ExternalID, err)
			}
			out = Outcome{Result: Inserted}
			return nil
		case err != nil:
			return fmt.Errorf("load seller %s/%s: %w", rec.Source, rec.ExternalID, err)
		}

		existing := domain.Seller{
			Source:     rec.Source,
			ExternalID: rec.ExternalID,
			Name:       name,
			Rating:     floatFromNull(rating),
			Reviews:    intFromNull(reviews),
			Orders:     intFromNull(orders),
			Contact:    strFromNull(contact),
			Official:   official,
		}
		if reflect.DeepEqual(existing, rec) {
			out = Outcome{Result: Unchanged}
			return nil
		}

		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE catalog_sellers
			 SET name = ?, rating = ?, reviews = ?, orders_count = ?, contact = ?, official = ?, updated_at = ?
			 WHERE source = ? AND external_id = ?`),
			rec.Name, nullFloat(rec.Rating), nullInt(rec.Reviews), nullInt(rec.Orders),
			nullStr(rec.Contact), rec.Official, now, rec.Source, rec.ExternalID)
		if err != nil {
			return fmt.Errorf("update seller %s/%s: %w", rec.Source, rec.ExternalID, err)
		}
		out = Outcome{Result: Updated}
		return nil
	})
	return out, err
}

func (s *sqlStore) UpsertProduct(ctx context.Context, rec domain.Product) (Outcome, error) {
	catPath, err := jsonText(rec.CategoryPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode category path: %w", err)
	}
	attrs, err := jsonText(rec.Attributes)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode attributes: %w", err)
	}
	skus, err := jsonText(rec.SKUs)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode skus: %w", err)
	}

	var out Outcome
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			title, currency, status       string
			oldCatPath, oldAttrs, oldSKUs sql.NullString
			sellerID                      sql.NullString
			price, available              sql.NullInt64
		)
		row := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT title, category_path, seller_id, price, currency, status, available, attributes, skus
			 FROM catalog_products WHERE source = ? AND external_id = ?`),
			rec.Source, rec.ExternalID)
		err := row.Scan(&title, &oldCatPath, &sellerID, &price, &currency, &status, &available, &oldAttrs, &oldSKUs)

		now := time.Now().UTC()
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, s.dialect.rebind(
				`INSERT INTO catalog_products
				 (source, external_id, title, category_path, seller_id, price, currency, status, available, attributes, skus, first_seen_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				rec.Source, rec.ExternalID, rec.Title, catPath, emptyToNull(rec.SellerID),
				nullInt(rec.Price), rec.Currency, string(rec.Status), nullInt(rec.Available),
				attrs, skus, now.UnixNano(), now.UnixNano())
			if err != nil {
				return fmt.Errorf("insert product %s/%s: %w", rec.Source, rec.ExternalID, err)
			}
			if err := appendPricePoint(ctx, tx, s.dialect, rec.Source, rec.ExternalID, rec.Price, rec.Available, string(rec.Status), now); err != nil {
				return err
			}
			out = Outcome{Result: Inserted, NewPrice: rec.Price}
			return nil
		case err != nil:
			return fmt.Errorf("load product %s/%s: %w", rec.Source, rec.ExternalID, err)
		}

		oldPrice := intFromNull(price)
		same := title == rec.Title &&
			textEq(oldCatPath, catPath) &&
			textEq(sellerID, emptyToNull(rec.SellerID)) &&
			ptrEq(oldPrice, rec.Price) &&
			currency == rec.Currency &&
			status == string(rec.Status) &&
			ptrEq(intFromNull(available), rec.Available) &&
			textEq(oldAttrs, attrs) &&
			textEq(oldSKUs, skus)
		if same {
			out = Outcome{Result: Unchanged}
			return nil
		}

		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE catalog_products
			 SET title = ?, category_path = ?, seller_id = ?, price = ?, currency = ?, status = ?, available = ?, attributes = ?, skus = ?, updated_at = ?
			 WHERE source = ? AND external_id = ?`),
			rec.Title, catPath, emptyToNull(rec.SellerID), nullInt(rec.Price), rec.Currency,
			string(rec.Status), nullInt(rec.Available), attrs, skus, now.UnixNano(),
			rec.Source, rec.ExternalID)
		if err != nil {
			return fmt.Errorf("update product %s/%s: %w", rec.Source, rec.ExternalID, err)
		}

		// The ledger only grows when the observable market state moved.
		if !ptrEq(oldPrice, rec.Price) || !ptrEq(intFromNull(available), rec.Available) || status != string(rec.Status) {
			if err := appendPricePoint(ctx, tx, s.dialect, rec.Source, rec.ExternalID, rec.Price, rec.Available, string(rec.Status), now); err != nil {
				return err
			}
		}
		out = Outcome{
			Result:       Updated,
			PriceChanged: !ptrEq(oldPrice, rec.Price),
			OldPrice:     oldPrice,
			NewPrice:     rec.Price,
		}
		return nil
	})
	return out, err
}

func (s *sqlStore) UpsertListing(ctx context.Context, rec domain.Listing) (Outcome, error) {
	attrs, err := jsonText(rec.Attributes)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode attributes: %w", err)
	}

	var out Outcome
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			title, currency, status string
			description             sql.NullString
			city, sellerID          sql.NullString
			oldAttrs                sql.NullString
			price, postedAt         sql.NullInt64
		)
		row := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT title, description, price, currency, status, city, seller_id, posted_at, attributes
			 FROM classifieds_listings WHERE source = ? AND external_id = ?`),
			rec.Source, rec.ExternalID)
		err := row.Scan(&title, &description, &price, &currency, &status, &city, &sellerID, &postedAt, &oldAttrs)

		now := time.Now().UTC()
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, s.dialect.rebind(
				`INSERT INTO classifieds_listings
				 (source, external_id, title, description, price, currency, status, city, seller_id, posted_at, attributes, first_seen_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				rec.Source, rec.ExternalID, rec.Title, emptyToNull(rec.Description),
				nullInt(rec.Price), rec.Currency, string(rec.Status), nullStr(rec.City),
				emptyToNull(rec.SellerID), nullTime(rec.PostedAt), attrs, now.UnixNano(), now.UnixNano())
			if err != nil {
				return fmt.Errorf("insert listing %s/%s: %w", rec.Source, rec.ExternalID, err)
			}
			if err := appendPricePoint(ctx, tx, s.dialect, rec.Source, rec.ExternalID, rec.Price, nil, string(rec.Status), now); err != nil {
				return err
			}
			out = Outcome{Result: Inserted, NewPrice: rec.Price}
			return nil
		case err != nil:
			return fmt.Errorf("load listing %s/%s: %w", rec.Source, rec.ExternalID, err)
		}

		oldPrice := intFromNull(price)
		same := title == rec.Title &&
			textEq(description, emptyToNull(rec.Description)) &&
			ptrEq(oldPrice, rec.Price) &&
			currency == rec.Currency &&
			status == string(rec.Status) &&
			textEq(city, nullStr(rec.City)) &&
			textEq(sellerID, emptyToNull(rec.SellerID)) &&
			ptrEq(intFromNull(postedAt), nullTimeValue(rec.PostedAt)) &&
			textEq(oldAttrs, attrs)
		if same {
			out = Outcome{Result: Unchanged}
			return nil
		}

		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE classifieds_listings
			 SET title = ?, description = ?, price = ?, currency = ?, status = ?, city = ?, seller_id = ?, posted_at = ?, attributes = ?, updated_at = ?
			 WHERE source = ? AND external_id = ?`),
			rec.Title, emptyToNull(rec.Description), nullInt(rec.Price), rec.Currency,
			string(rec.Status), nullStr(rec.City), emptyToNull(rec.SellerID),
			nullTime(rec.PostedAt), attrs, now.UnixNano(), rec.Source, rec.ExternalID)
		if err != nil {
			return fmt.Errorf("update listing %s/%s: %w", rec.Source, rec.ExternalID, err)
		}

		if !ptrEq(oldPrice, rec.Price) || status != string(rec.Status) {
			if err := appendPricePoint(ctx, tx, s.dialect, rec.Source, rec.ExternalID, rec.Price, nil, string(rec.Status), now); err != nil {
				return err
			}
		}
		out = Outcome{
			Result:       Updated,
			PriceChanged: !ptrEq(oldPrice, rec.Price),
			OldPrice:     oldPrice,
			NewPrice:     rec.Price,
		}
		return nil
	})
	return out, err
}

func (s *sqlStore) UpsertDeal(ctx context.Context, rec domain.Deal) (Outcome, error) {
	var out Outcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			lotType, status, currency       string
			startCost, dealCost, dealDate   sql.NullInt64
			customer, customerTIN           sql.NullString
			provider, providerTIN, category sql.NullString
		)
		row := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT lot_type, status, start_cost, deal_cost, currency, customer, customer_tin, provider, provider_tin, category, deal_date
			 FROM procurement_deals WHERE source = ? AND lot_id = ?`),
			rec.Source, rec.LotID)
		err := row.Scan(&lotType, &status, &startCost, &dealCost, &currency,
			&customer, &customerTIN, &provider, &providerTIN, &category, &dealDate)

		now := time.Now().UTC().UnixNano()
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, s.dialect.rebind(
				`INSERT INTO procurement_deals
				 (source, lot_id, lot_type, status, start_cost, deal_cost, currency, customer, customer_tin, provider, provider_tin, category, deal_date, first_seen_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				rec.Source, rec.LotID, rec.LotType, string(rec.Status),
				nullInt(rec.StartCost), nullInt(rec.DealCost), rec.Currency,
				emptyToNull(rec.Customer), nullStr(rec.CustomerTIN),
				nullStr(rec.Provider), nullStr(rec.ProviderTIN),
				nullStr(rec.Category), nullTime(rec.DealDate), now, now)
			if err != nil {
				return fmt.Errorf("insert deal %s/%s: %w", rec.Source, rec.LotID, err)
			}
			if err := replaceLineItems(ctx, tx, s.dialect, rec.Source, rec.LotID, rec.Items, false); err != nil {
				return err
			}
			out = Outcome{Result: Inserted, BecameTerminal: rec.Status == domain.DealCompleted}
			return nil
		case err != nil:
			return fmt.Errorf("load deal %s/%s: %w", rec.Source, rec.LotID, err)
		}

		// A completed deal is terminal. Replays and reopen attempts are no-ops.
		if status == string(domain.DealCompleted) {
			out = Outcome{Result: Unchanged, ReopenAttempt: rec.Status == domain.DealActive}
			return nil
		}

		existingItems, err := loadLineItems(ctx, tx, s.dialect, rec.Source, rec.LotID)
		if err != nil {
			return err
		}
		same := lotType == rec.LotType &&
			status == string(rec.Status) &&
			ptrEq(intFromNull(startCost), rec.StartCost) &&
			ptrEq(intFromNull(dealCost), rec.DealCost) &&
			currency == rec.Currency &&
			textEq(customer, emptyToNull(rec.Customer)) &&
			textEq(customerTIN, nullStr(rec.CustomerTIN)) &&
			textEq(provider, nullStr(rec.Provider)) &&
			textEq(providerTIN, nullStr(rec.ProviderTIN)) &&
			textEq(category, nullStr(rec.Category)) &&
			ptrEq(intFromNull(dealDate), nullTimeValue(rec.DealDate)) &&
			reflect.DeepEqual(existingItems, rec.Items)
		if same {
			out = Outcome{Result: Unchanged}
			return nil
		}

		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE procurement_deals
			 SET lot_type = ?, status = ?, start_cost = ?, deal_cost = ?, currency = ?, customer = ?, customer_tin = ?, provider = ?, provider_tin = ?, category = ?, deal_date = ?, updated_at = ?
			 WHERE source = ? AND lot_id = ?`),
			rec.LotType, string(rec.Status), nullInt(rec.StartCost), nullInt(rec.DealCost),
			rec.Currency, emptyToNull(rec.Customer), nullStr(rec.CustomerTIN),
			nullStr(rec.Provider), nullStr(rec.ProviderTIN), nullStr(rec.Category),
			nullTime(rec.DealDate), now, rec.Source, rec.LotID)
		if err != nil {
			return fmt.Errorf("update deal %s/%s: %w", rec.Source, rec.LotID, err)
		}
		if err := replaceLineItems(ctx, tx, s.dialect, rec.Source, rec.LotID, rec.Items, true); err != nil {
			return err
		}
		out = Outcome{
			Result:         Updated,
			BecameTerminal: rec.Status == domain.DealCompleted,
		}
		return nil
	})
	return out, err
}

func loadLineItems(ctx context.Context, tx *sql.Tx, d dialect, source, lotID string) ([]domain.LineItem, error) {
	rows, err := tx.QueryContext(ctx, d.rebind(
		`SELECT row_num, name, quantity, unit, price, cost, country
		 FROM procurement_line_items WHERE source = ? AND lot_id = ? ORDER BY row_num`),
		source, lotID)
	if err != nil {
		return nil, fmt.Errorf("load line items %s/%s: %w", source, lotID, err)
	}
	defer rows.Close()

	var items []domain.LineItem
	for rows.Next() {
		var (
			item     domain.LineItem
			quantity sql.NullFloat64
			unit     sql.NullString
			price    sql.NullInt64
			cost     sql.NullInt64
			country  sql.NullString
		)
		if err := rows.Scan(&item.RowNum, &item.Name, &quantity, &unit, &price, &cost, &country); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		item.Quantity = floatFromNull(quantity)
		item.Unit = strFromNull(unit)
		item.Price = intFromNull(price)
		item.Cost = intFromNull(cost)
		item.Country = strFromNull(country)
		items = append(items, item)
	}
	return items, rows.Err()
}

func replaceLineItems(ctx context.Context, tx *sql.Tx, d dialect, source, lotID string, items []domain.LineItem, wipe bool) error {
	if wipe {
		if _, err := tx.ExecContext(ctx, d.rebind(
			`DELETE FROM procurement_line_items WHERE source = ? AND lot_id = ?`), source, lotID); err != nil {
			return fmt.Errorf("clear line items %s/%s: %w", source, lotID, err)
		}
	}
	for _, item := range items {
		_, err := tx.ExecContext(ctx, d.rebind(
			`INSERT INTO procurement_line_items
			 (source, lot_id, row_num, name, quantity, unit, price, cost, country)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			source, lotID, item.RowNum, item.Name, nullFloat(item.Quantity),
			nullStr(item.Unit), nullInt(item.Price), nullInt(item.Cost), nullStr(item.Country))
		if err != nil {
			return fmt.Errorf("insert line item %s/%s/%d: %w", source, lotID, item.RowNum, err)
		}
	}
	return nil
}

func appendPricePoint(ctx context.Context, tx *sql.Tx, d dialect, source, externalID string, price, available *int64, status string, at time.Time) error {
	_, err := tx.ExecContext(ctx, d.rebind(
		`INSERT INTO price_history (source, external_id, price, available, status, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		source, externalID, nullInt(price), nullInt(available), status, at.UnixNano())
	if err != nil {
		return fmt.Errorf("append price point %s/%s: %w", source, externalID, err)
	}
	return nil
}

func (s *sqlStore) PriceHistory(ctx context.Context, source, externalID string, limit int) ([]domain.PricePoint, error) {
	query := `SELECT price, available, status, recorded_at
		 FROM price_history WHERE source = ? AND external_id = ? ORDER BY recorded_at`
	args := []any{source, externalID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("load price history %s/%s: %w", source, externalID, err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var (
			price, available sql.NullInt64
			status           string
			recordedAt       int64
		)
		if err := rows.Scan(&price, &available, &status, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan price point: %w", err)
		}
		points = append(points, domain.PricePoint{
			Source:     source,
			ExternalID: externalID,
			Price:      intFromNull(price),
			Available:  intFromNull(available),
			Status:     status,
			RecordedAt: time.Unix(0, recordedAt).UTC(),
		})
	}
	return points, rows.Err()
}

func (s *sqlStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{"catalog_sellers", &c.Sellers},
		{"catalog_products", &c.Products},
		{"classifieds_listings", &c.Listings},
		{"procurement_deals", &c.Deals},
		{"price_history", &c.PriceRows},
	} {
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+q.table)
		if err := row.Scan(q.dst); err != nil {
			return Counts{}, fmt.Errorf("count %s: %w", q.table, err)
		}
	}
	return c, nil
}

// Null conversion helpers. Optional record fields map to SQL NULL and back
// without ever inventing zero values.

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullTimeValue(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strFromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intFromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func floatFromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func ptrEq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// textEq compares a scanned nullable column against a bind value produced by
// the null helpers (nil or string).
func textEq(col sql.NullString, bind any) bool {
	if bind == nil {
		return !col.Valid
	}
	s, ok := bind.(string)
	return ok && col.Valid && col.String == s
}

// jsonText encodes a slice or map column as JSON text, NULL when empty.
func jsonText(v any) (any, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Len() == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
