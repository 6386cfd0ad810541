package ingest

import (
	"context"
	"testing"

	"github.com/bazarstat-hq/market-ingest/internal/domain"
	"github.com/bazarstat-hq/market-ingest/internal/storage"
	"github.com/bazarstat-hq/market-ingest/pkg/publishers"
)

type fakeStore struct {
	sellerOut  storage.Outcome
	productOut storage.Outcome
	listingOut storage.Outcome
	dealOut    storage.Outcome
	err        error
}

func (f *fakeStore) UpsertSeller(context.Context, domain.Seller) (storage.Outcome, error) {
	return f.sellerOut, f.err
}
func (f *fakeStore) UpsertProduct(context.Context, domain.Product) (storage.Outcome, error) {
	return f.productOut, f.err
}
func (f *fakeStore) UpsertListing(context.Context, domain.Listing) (storage.Outcome, error) {
	return f.listingOut, f.err
}
func (f *fakeStore) UpsertDeal(context.Context, domain.Deal) (storage.Outcome, error) {
	return f.dealOut, f.err
}
func (f *fakeStore) PriceHistory(context.Context, string, string, int) ([]domain.PricePoint, error) {
	return nil, nil
}
func (f *fakeStore) Counts(context.Context) (storage.Counts, error) { return storage.Counts{}, nil }
func (f *fakeStore) Close() error                                   { return nil }

type capturePublisher struct {
	events []publishers.Event
}

func (c *capturePublisher) ID() string   { return "capture" }
func (c *capturePublisher) Type() string { return "capture" }
func (c *capturePublisher) Publish(_ context.Context, evt publishers.Event) error {
	c.events = append(c.events, evt)
	return nil
}

func int64p(n int64) *int64 { return &n }

func TestCommitEmitsCreationEvent(t *testing.T) {
	sink := &capturePublisher{}
	c := NewCommitter(
		&fakeStore{productOut: storage.Outcome{Result: storage.Inserted}},
		publishers.NewFanout([]publishers.Publisher{sink}),
	)

	rs := &domain.RecordSet{Products: []domain.Product{{Source: "bazar", ExternalID: "42137"}}}
	stats, err := c.Commit(context.Background(), rs)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if stats.Inserted != 1 || stats.Events != 1 {
		t.Fatalf("stats = %+v, want 1 inserted, 1 event", stats)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != publishers.KindListingCreated {
		t.Fatalf("events = %+v, want listing_created", sink.events)
	}
}

func TestCommitEmitsPriceChange(t *testing.T) {
	sink := &capturePublisher{}
	c := NewCommitter(
		&fakeStore{listingOut: storage.Outcome{
			Result:       storage.Updated,
			PriceChanged: true,
			OldPrice:     int64p(120000),
			NewPrice:     int64p(99000),
		}},
		publishers.NewFanout([]publishers.Publisher{sink}),
	)

	rs := &domain.RecordSet{Listings: []domain.Listing{{Source: "elon", ExternalID: "ID9001"}}}
	if _, err := c.Commit(context.Background(), rs); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("events = %+v, want exactly one", sink.events)
	}
	evt := sink.events[0]
	if evt.Kind != publishers.KindPriceChanged || *evt.OldPrice != 120000 || *evt.NewPrice != 99000 {
		t.Fatalf("event = %+v, want price transition 120000 -> 99000", evt)
	}
}

func TestCommitEmitsDealCompletion(t *testing.T) {
	sink := &capturePublisher{}
	c := NewCommitter(
		&fakeStore{dealOut: storage.Outcome{Result: storage.Updated, BecameTerminal: true}},
		publishers.NewFanout([]publishers.Publisher{sink}),
	)

	rs := &domain.RecordSet{Deals: []domain.Deal{{Source: "birja", LotID: "77001", Status: domain.DealCompleted}}}
	if _, err := c.Commit(context.Background(), rs); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != publishers.KindDealCompleted {
		t.Fatalf("events = %+v, want deal_completed", sink.events)
	}
}

func TestCommitUnchangedEmitsNothing(t *testing.T) {
	sink := &capturePublisher{}
	c := NewCommitter(
		&fakeStore{
			productOut: storage.Outcome{Result: storage.Unchanged},
			dealOut:    storage.Outcome{Result: storage.Unchanged, ReopenAttempt: true},
		},
		publishers.NewFanout([]publishers.Publisher{sink}),
	)

	rs := &domain.RecordSet{
		Products: []domain.Product{{Source: "bazar", ExternalID: "42137"}},
		Deals:    []domain.Deal{{Source: "birja", LotID: "77001"}},
		Skipped:  2,
	}
	stats, err := c.Commit(context.Background(), rs)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if stats.Unchanged != 2 || stats.Skipped != 2 || stats.Events != 0 {
		t.Fatalf("stats = %+v, want 2 unchanged, 2 skipped, no events", stats)
	}
	if len(sink.events) != 0 {
		t.Fatalf("events = %+v, want none for replayed page", sink.events)
	}
}
