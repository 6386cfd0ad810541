package ingest

import (
	"context"
	"fmt"

	"github.com/bazarstat-hq/market-ingest/internal/domain"
	"github.com/bazarstat-hq/market-ingest/internal/logger"
	"github.com/bazarstat-hq/market-ingest/internal/storage"
	"github.com/bazarstat-hq/market-ingest/pkg/publishers"
)

// Committer writes one normalized page into storage and emits change events
// for the writes that observably moved the market. Upserts are idempotent, so
// replaying a page after a crash produces no duplicate rows and no duplicate
// events.
type Committer struct {
	store  storage.Store
	fanout *publishers.Fanout
}

// Stats summarizes one committed page.
type Stats struct {
	Inserted  int
	Updated   int
	Unchanged int
	Skipped   int
	Events    int
}

// NewCommitter builds a Committer. A nil fanout disables event emission.
func NewCommitter(store storage.Store, fanout *publishers.Fanout) *Committer {
	if fanout == nil {
		fanout = publishers.NewFanout(nil)
	}
	return &Committer{store: store, fanout: fanout}
}

// Commit persists the record set. Sellers go first so listings and products
// never reference a party the store has not seen. A storage error aborts the
// page; the caller retries without advancing the cursor.
func (c *Committer) Commit(ctx context.Context, rs *domain.RecordSet) (Stats, error) {
	stats := Stats{Skipped: rs.Skipped}

	for _, seller := range rs.Sellers {
		out, err := c.store.UpsertSeller(ctx, seller)
		if err != nil {
			return stats, fmt.Errorf("commit seller: %w", err)
		}
		stats.count(out.Result)
	}

	for _, product := range rs.Products {
		out, err := c.store.UpsertProduct(ctx, product)
		if err != nil {
			return stats, fmt.Errorf("commit product: %w", err)
		}
		stats.count(out.Result)
		c.emitEntityEvents(ctx, &stats, product.Source, product.ExternalID, out)
	}

	for _, listing := range rs.Listings {
		out, err := c.store.UpsertListing(ctx, listing)
		if err != nil {
			return stats, fmt.Errorf("commit listing: %w", err)
		}
		stats.count(out.Result)
		c.emitEntityEvents(ctx, &stats, listing.Source, listing.ExternalID, out)
	}

	for _, deal := range rs.Deals {
		out, err := c.store.UpsertDeal(ctx, deal)
		if err != nil {
			return stats, fmt.Errorf("commit deal: %w", err)
		}
		stats.count(out.Result)
		if out.ReopenAttempt {
			logger.WarnObj("ignored reopen of completed deal", "deal_reopen_anomaly", map[string]any{
				"source": deal.Source,
				"lot_id": deal.LotID,
			})
		}
		if out.Result != storage.Unchanged && out.BecameTerminal {
			c.emit(ctx, &stats, publishers.NewEvent(deal.Source, publishers.KindDealCompleted, deal.LotID))
		}
	}

	return stats, nil
}

func (c *Committer) emitEntityEvents(ctx context.Context, stats *Stats, source, externalID string, out storage.Outcome) {
	switch {
	case out.Result == storage.Inserted:
		c.emit(ctx, stats, publishers.NewEvent(source, publishers.KindListingCreated, externalID))
	case out.PriceChanged:
		c.emit(ctx, stats, publishers.NewPriceChange(source, externalID, out.OldPrice, out.NewPrice))
	}
}

// emit is best effort: the row is already committed, so a sink outage must
// not fail the page.
func (c *Committer) emit(ctx context.Context, stats *Stats, evt publishers.Event) {
	if c.fanout.Size() == 0 {
		return
	}
	if _, err := c.fanout.Publish(ctx, evt); err != nil {
		logger.WarnObj("change event delivery incomplete", "publish_error", map[string]any{
			"source": evt.Source,
			"kind":   evt.Kind,
			"error":  err.Error(),
		})
		return
	}
	stats.Events++
}

func (s *Stats) count(r storage.Result) {
	switch r {
	case storage.Inserted:
		s.Inserted++
	case storage.Updated:
		s.Updated++
	default:
		s.Unchanged++
	}
}

// Add merges two stat sets; the scheduler aggregates per-page stats with it.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Inserted:  s.Inserted + o.Inserted,
		Updated:   s.Updated + o.Updated,
		Unchanged: s.Unchanged + o.Unchanged,
		Skipped:   s.Skipped + o.Skipped,
		Events:    s.Events + o.Events,
	}
}
