package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bazarstat-hq/market-ingest/internal/cursor"
	"github.com/bazarstat-hq/market-ingest/internal/domain"
	"github.com/bazarstat-hq/market-ingest/internal/fetch"
	"github.com/bazarstat-hq/market-ingest/internal/ingest"
	"github.com/bazarstat-hq/market-ingest/internal/ratelimit"
	"github.com/bazarstat-hq/market-ingest/internal/storage"
	"github.com/bazarstat-hq/market-ingest/pkg/sources"
)

// memStore is an in-memory Store standing in for the SQL backends.
type memStore struct {
	mu       sync.Mutex
	products map[string]domain.Product
	listings map[string]domain.Listing
	deals    map[string]domain.Deal
}

func newMemStore() *memStore {
	return &memStore{
		products: make(map[string]domain.Product),
		listings: make(map[string]domain.Listing),
		deals:    make(map[string]domain.Deal),
	}
}

func (m *memStore) UpsertSeller(context.Context, domain.Seller) (storage.Outcome, error) {
	return storage.Outcome{Result: storage.Inserted}, nil
}

func (m *memStore) UpsertProduct(_ context.Context, p domain.Product) (storage.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.Source + "/" + p.ExternalID
	if _, ok := m.products[key]; ok {
		return storage.Outcome{Result: storage.Unchanged}, nil
	}
	m.products[key] = p
	return storage.Outcome{Result: storage.Inserted}, nil
}

func (m *memStore) UpsertListing(_ context.Context, l domain.Listing) (storage.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := l.Source + "/" + l.ExternalID
	if _, ok := m.listings[key]; ok {
		return storage.Outcome{Result: storage.Unchanged}, nil
	}
	m.listings[key] = l
	return storage.Outcome{Result: storage.Inserted}, nil
}

func (m *memStore) UpsertDeal(_ context.Context, d domain.Deal) (storage.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := d.Source + "/" + d.LotID
	if _, ok := m.deals[key]; ok {
		return storage.Outcome{Result: storage.Unchanged}, nil
	}
	m.deals[key] = d
	return storage.Outcome{Result: storage.Inserted}, nil
}

func (m *memStore) PriceHistory(context.Context, string, string, int) ([]domain.PricePoint, error) {
	return nil, nil
}
func (m *memStore) Counts(context.Context) (storage.Counts, error) { return storage.Counts{}, nil }
func (m *memStore) Close() error                                   { return nil }

// scriptedFetcher fakes the network: a function decides the payload per call.
type scriptedFetcher struct {
	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	delay    time.Duration
	respond  func(spec fetch.RequestSpec, call int64) ([]byte, error)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, spec fetch.RequestSpec) ([]byte, error) {
	call := f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if cur <= seen || f.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.respond(spec, call)
}

func testRegistry(t *testing.T, src sources.Source) *sources.Registry {
	t.Helper()
	src.RatePerMinute = 60000
	src.Burst = 100
	raw := fmt.Sprintf(`{"sources":[%s]}`, mustJSON(t, src))
	reg, err := sources.ParseRegistry([]byte(raw), ".json")
	if err != nil {
		t.Fatalf("ParseRegistry: %v", err)
	}
	return reg
}

func mustJSON(t *testing.T, src sources.Source) string {
	t.Helper()
	lotTypes := ""
	for i, lt := range src.LotTypes {
		if i > 0 {
			lotTypes += ","
		}
		lotTypes += fmt.Sprintf("%q", lt)
	}
	return fmt.Sprintf(`{"id":%q,"name":%q,"type":%q,"base_url":%q,"currency":"UZS",
		"rate_per_minute":%f,"burst":%d,"max_concurrent":%d,
		"page_size":%d,"max_pages":%d,"max_id":%d,"wrap":%t,"lot_types":[%s]}`,
		src.ID, src.Name, src.Type, src.BaseURL,
		src.RatePerMinute, src.Burst, src.MaxConcurrent,
		src.PageSize, src.MaxPages, src.MaxID, src.Wrap, lotTypes)
}

func newTestScheduler(t *testing.T, cfg Config, reg *sources.Registry, fetcher PageFetcher) (*Scheduler, *cursor.Manager) {
	t.Helper()
	cursors, err := cursor.Open(filepath.Join(t.TempDir(), "cursors.db"))
	if err != nil {
		t.Fatalf("cursor.Open: %v", err)
	}
	t.Cleanup(func() { cursors.Close() })

	committer := ingest.NewCommitter(newMemStore(), nil)
	sched, err := New(cfg, reg, sources.DefaultAdapterRegistry(), fetcher, ratelimit.New(), cursors, committer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sched, cursors
}

func TestBoundedStreamCompletes(t *testing.T) {
	reg := testRegistry(t, sources.Source{
		ID: "elon", Name: "Elon", Type: sources.TypeClassifieds,
		BaseURL: "https://elon.example", PageSize: 10, MaxPages: 5,
	})

	fetcher := &scriptedFetcher{
		respond: func(_ fetch.RequestSpec, call int64) ([]byte, error) {
			return []byte(fmt.Sprintf(`{"data":[{"id":"L%d","title":"Listing %d"}]}`, call, call)), nil
		},
	}

	sched, cursors := newTestScheduler(t, Config{FailureThreshold: 3, IdleInterval: time.Millisecond}, reg, fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fetcher.calls.Load(); got != 5 {
		t.Errorf("fetch calls = %d, want exactly 5 (no page beyond the bound)", got)
	}

	snap := sched.Snapshot()
	if len(snap) != 1 || snap[0].State != StateCompleted {
		t.Fatalf("snapshot = %+v, want one completed stream", snap)
	}
	if snap[0].Pages != 5 || snap[0].Records != 5 {
		t.Errorf("stream counters = %+v, want 5 pages, 5 records", snap[0])
	}

	cur, err := cursors.Load("elon/offers")
	if err != nil {
		t.Fatalf("Load cursor: %v", err)
	}
	if !cur.Completed || cur.Page != 5 {
		t.Errorf("cursor = %+v, want completed at page 5", cur)
	}
}

func TestPerSourceConcurrencyCap(t *testing.T) {
	reg := testRegistry(t, sources.Source{
		ID: "birja", Name: "Birja", Type: sources.TypeDeals,
		BaseURL: "https://birja.example", PageSize: 100,
		MaxConcurrent: 4, LotTypes: []string{"auction", "shop", "national"},
	})

	// Every stream drains on its first page; the delay keeps fetches
	// overlapping long enough to observe the cap.
	fetcher := &scriptedFetcher{
		delay: 50 * time.Millisecond,
		respond: func(fetch.RequestSpec, int64) ([]byte, error) {
			return []byte(`[]`), nil
		},
	}

	sched, _ := newTestScheduler(t, Config{GlobalMaxInFlight: 32, FailureThreshold: 3, IdleInterval: time.Millisecond}, reg, fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fetcher.calls.Load(); got != 6 {
		t.Errorf("fetch calls = %d, want 6 (3 lot types x 2 statuses)", got)
	}
	if max := fetcher.maxSeen.Load(); max > 4 {
		t.Errorf("max in-flight = %d, exceeded per-source cap 4", max)
	}

	for _, st := range sched.Snapshot() {
		if st.State != StateCompleted {
			t.Errorf("stream %s state = %s, want completed", st.Stream, st.State)
		}
	}
}

func TestFailureThresholdStopsStream(t *testing.T) {
	reg := testRegistry(t, sources.Source{
		ID: "elon", Name: "Elon", Type: sources.TypeClassifieds,
		BaseURL: "https://elon.example", PageSize: 10, MaxPages: 50,
	})

	fetcher := &scriptedFetcher{
		respond: func(fetch.RequestSpec, int64) ([]byte, error) {
			return nil, &fetch.Error{Class: fetch.ClassTransient, Err: fmt.Errorf("connection reset")}
		},
	}

	sched, _ := newTestScheduler(t, Config{FailureThreshold: 3, IdleInterval: time.Millisecond}, reg, fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fetcher.calls.Load(); got != 3 {
		t.Errorf("fetch calls = %d, want 3 (stop at threshold)", got)
	}
	snap := sched.Snapshot()
	if snap[0].State != StateFailed || snap[0].Failures != 3 {
		t.Fatalf("snapshot = %+v, want failed after 3 failures", snap[0])
	}
}

func TestPermanentErrorSkipsPage(t *testing.T) {
	reg := testRegistry(t, sources.Source{
		ID: "bazar", Name: "Bazar", Type: sources.TypeCatalog,
		BaseURL: "https://api.bazar.example", MaxID: 3,
	})

	// Product 2 is deleted upstream; the stream must step over the gap.
	fetcher := &scriptedFetcher{
		respond: func(spec fetch.RequestSpec, _ int64) ([]byte, error) {
			if spec.URL == "https://api.bazar.example/api/v2/product/2" {
				return nil, &fetch.Error{Class: fetch.ClassPermanent, Status: 404, Err: fmt.Errorf("not found")}
			}
			id := spec.URL[len(spec.URL)-1:]
			return []byte(fmt.Sprintf(`{"payload":{"data":{"id":%s,"title":"Product %s"}}}`, id, id)), nil
		},
	}

	sched, _ := newTestScheduler(t, Config{FailureThreshold: 3, IdleInterval: time.Millisecond}, reg, fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := sched.Snapshot()
	if snap[0].State != StateCompleted {
		t.Fatalf("snapshot = %+v, want completed", snap[0])
	}
	if snap[0].Pages != 2 || snap[0].Failures != 0 {
		t.Errorf("counters = %+v, want 2 committed pages and no failures", snap[0])
	}
	if got := fetcher.calls.Load(); got != 3 {
		t.Errorf("fetch calls = %d, want 3 (pages 1..3)", got)
	}
}

func TestTotalsAggregateAcrossStreams(t *testing.T) {
	reg := testRegistry(t, sources.Source{
		ID: "elon", Name: "Elon", Type: sources.TypeClassifieds,
		BaseURL: "https://elon.example", PageSize: 10, MaxPages: 2,
	})

	fetcher := &scriptedFetcher{
		respond: func(_ fetch.RequestSpec, call int64) ([]byte, error) {
			// Second entry lacks a title and is skipped by the normalizer.
			return []byte(fmt.Sprintf(`{"data":[{"id":"L%d","title":"Listing"},{"id":"broken"}]}`, call)), nil
		},
	}

	sched, _ := newTestScheduler(t, Config{FailureThreshold: 3, IdleInterval: time.Millisecond}, reg, fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	totals := sched.Totals()
	if totals.Inserted != 2 || totals.Skipped != 2 {
		t.Errorf("totals = %+v, want 2 inserted, 2 skipped", totals)
	}
}
