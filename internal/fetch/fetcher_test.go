package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bazarstat-hq/market-ingest/internal/ratelimit"
	"github.com/bazarstat-hq/market-ingest/pkg/httpclient"
)

func newTestLimiter(source string) *ratelimit.Limiter {
	l := ratelimit.New()
	l.Register(source, ratelimit.SourceConfig{
		RequestsPerMinute: 60000,
		Burst:             100,
		BackoffFloor:      time.Millisecond,
		BackoffCeiling:    5 * time.Millisecond,
		FailureLimit:      100,
	})
	return l
}

func TestFetchRetriesAfter429ThenSucceedsOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := New(httpclient.NewRestyClient(2*time.Second), newTestLimiter("bazar"), nil, 3)
	body, err := f.Fetch(context.Background(), RequestSpec{Source: "bazar", URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", body)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 HTTP calls, got %d", got)
	}

	success, _, rateLimited, _ := f.Stats().Snapshot("bazar")
	if success != 1 || rateLimited != 1 {
		t.Fatalf("stats success=%d rateLimited=%d, want 1/1", success, rateLimited)
	}
}

func TestFetchPermanentErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(httpclient.NewRestyClient(2*time.Second), newTestLimiter("bazar"), nil, 3)
	_, err := f.Fetch(context.Background(), RequestSpec{Source: "bazar", URL: srv.URL})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("permanent error must not be retried, got %d calls", got)
	}
}

func TestFetchTransient5xxExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(httpclient.NewRestyClient(2*time.Second), newTestLimiter("bazar"), nil, 3)
	_, err := f.Fetch(context.Background(), RequestSpec{Source: "bazar", URL: srv.URL})
	if err == nil {
		t.Fatalf("expected error after exhausted attempts")
	}
	if !IsTransient(err) {
		t.Fatalf("exhausted error should unwrap to transient, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetchDegradedSourceSurfacesSentinel(t *testing.T) {
	l := ratelimit.New()
	l.Register("birja", ratelimit.SourceConfig{
		RequestsPerMinute: 60000,
		BackoffFloor:      time.Millisecond,
		BackoffCeiling:    time.Millisecond,
		FailureLimit:      1,
	})
	l.Report("birja", ratelimit.OutcomeError) // trips the limit

	f := New(httpclient.NewRestyClient(time.Second), l, nil, 3)
	_, err := f.Fetch(context.Background(), RequestSpec{Source: "birja", URL: "http://127.0.0.1:1/x"})
	if err == nil {
		t.Fatalf("expected degraded error")
	}
}

func TestFetchPostJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content type = %q", ct)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f := New(httpclient.NewRestyClient(2*time.Second), newTestLimiter("birja"), nil, 1)
	body, err := f.Fetch(context.Background(), RequestSpec{
		Source: "birja",
		Method: http.MethodPost,
		URL:    srv.URL,
		Body:   map[string]int64{"from_idx": 1, "to_idx": 100},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != `[]` {
		t.Fatalf("unexpected body %q", body)
	}
}
