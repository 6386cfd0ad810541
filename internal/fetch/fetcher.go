package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bazarstat-hq/market-ingest/internal/ratelimit"
	"github.com/bazarstat-hq/market-ingest/pkg/httpclient"
)

// RequestSpec describes one logical request (list page or detail call).
type RequestSpec struct {
	Source  string
	Method  string
	URL     string
	Headers map[string]string
	Body    any
}

// Stats counts request outcomes per source. Counters only ever grow; the
// scheduler snapshots them for the health surface.
type Stats struct {
	mu          sync.Mutex
	success     map[string]int64
	transient   map[string]int64
	rateLimited map[string]int64
	permanent   map[string]int64
}

// NewStats returns an empty outcome counter set.
func NewStats() *Stats {
	return &Stats{
		success:     make(map[string]int64),
		transient:   make(map[string]int64),
		rateLimited: make(map[string]int64),
		permanent:   make(map[string]int64),
	}
}

func (s *Stats) record(source string, m map[string]int64) {
	s.mu.Lock()
	m[source]++
	s.mu.Unlock()
}

// Snapshot returns the outcome counts for one source.
func (s *Stats) Snapshot(source string) (success, transient, rateLimited, permanent int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.success[source], s.transient[source], s.rateLimited[source], s.permanent[source]
}

// Fetcher performs single logical requests gated by the rate limiter, with a
// bounded retry budget for transient and throttled failures. Every call
// terminates in a payload or a classified error.
type Fetcher struct {
	client      httpclient.Client
	limiter     *ratelimit.Limiter
	stats       *Stats
	maxAttempts int
}

// New builds a Fetcher. maxAttempts bounds retries per logical request.
func New(client httpclient.Client, limiter *ratelimit.Limiter, stats *Stats, maxAttempts int) *Fetcher {
	if stats == nil {
		stats = NewStats()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Fetcher{client: client, limiter: limiter, stats: stats, maxAttempts: maxAttempts}
}

// Stats exposes the outcome counters.
func (f *Fetcher) Stats() *Stats { return f.stats }

// Fetch executes the request, retrying transient and rate-limited failures up
// to the attempt budget. Permanent failures return immediately.
func (f *Fetcher) Fetch(ctx context.Context, spec RequestSpec) ([]byte, error) {
	if strings.TrimSpace(spec.URL) == "" {
		return nil, &Error{Class: ClassPermanent, Err: fmt.Errorf("request has no URL")}
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if err := f.limiter.Acquire(ctx, spec.Source); err != nil {
			return nil, err
		}

		body, err := f.doOnce(ctx, spec)
		if err == nil {
			f.limiter.Report(spec.Source, ratelimit.OutcomeSuccess)
			f.stats.record(spec.Source, f.stats.success)
			return body, nil
		}

		lastErr = err
		switch {
		case IsRateLimited(err):
			f.limiter.Report(spec.Source, ratelimit.OutcomeThrottled)
			f.stats.record(spec.Source, f.stats.rateLimited)
		case IsTransient(err):
			f.limiter.Report(spec.Source, ratelimit.OutcomeError)
			f.stats.record(spec.Source, f.stats.transient)
		default:
			// Permanent: the source is healthy, the request is not.
			f.limiter.Report(spec.Source, ratelimit.OutcomeSuccess)
			f.stats.record(spec.Source, f.stats.permanent)
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("fetch %s: %d attempts exhausted: %w", spec.Source, f.maxAttempts, lastErr)
}

func (f *Fetcher) doOnce(ctx context.Context, spec RequestSpec) ([]byte, error) {
	var (
		resp httpclient.Response
		err  error
	)
	switch strings.ToUpper(spec.Method) {
	case "", http.MethodGet:
		resp, err = f.client.Get(ctx, spec.URL, spec.Headers)
	case http.MethodPost:
		resp, err = f.client.PostJSON(ctx, spec.URL, spec.Headers, spec.Body)
	default:
		return nil, &Error{Class: ClassPermanent, Err: fmt.Errorf("unsupported method %q", spec.Method)}
	}
	if err != nil {
		// Timeouts, connection resets and DNS hiccups all surface here.
		return nil, &Error{Class: ClassTransient, Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests:
		return nil, &Error{Class: ClassRateLimited, Status: status, Err: fmt.Errorf("throttled by %s", spec.Source)}
	case status >= 500:
		return nil, &Error{Class: ClassTransient, Status: status, Err: fmt.Errorf("server error from %s", spec.Source)}
	case status >= 400:
		return nil, &Error{Class: ClassPermanent, Status: status, Err: fmt.Errorf("rejected by %s: %s", spec.Source, bodySnippet(resp.Body()))}
	case status != http.StatusOK:
		return nil, &Error{Class: ClassPermanent, Status: status, Err: fmt.Errorf("unexpected status from %s", spec.Source)}
	}
	return resp.Body(), nil
}

func bodySnippet(body []byte) string {
	const maxLen = 512
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	if s == "" {
		return "<empty>"
	}
	return s
}
