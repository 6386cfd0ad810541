package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bazarstat-hq/market-ingest/internal/cursor"
	"github.com/bazarstat-hq/market-ingest/internal/fetch"
	"github.com/bazarstat-hq/market-ingest/internal/ingest"
	"github.com/bazarstat-hq/market-ingest/internal/logger"
	"github.com/bazarstat-hq/market-ingest/internal/ratelimit"
	"github.com/bazarstat-hq/market-ingest/pkg/sources"
)

// PageFetcher is the fetch surface the scheduler drives. *fetch.Fetcher
// satisfies it; tests substitute fakes.
type PageFetcher interface {
	Fetch(ctx context.Context, spec fetch.RequestSpec) ([]byte, error)
}

// State is the lifecycle state of one stream.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateBackoff   State = "backoff"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// StreamStatus is one row of the health snapshot.
type StreamStatus struct {
	Stream    string
	Source    string
	State     State
	Pages     int64
	Records   int64
	Skipped   int64
	Failures  int
	LastError string
}

// Config carries the scheduling knobs.
type Config struct {
	GlobalMaxInFlight int
	FailureThreshold  int
	FailedCooldown    time.Duration
	IdleInterval      time.Duration
	StatusInterval    time.Duration
}

// Scheduler drives every configured stream concurrently: request a page,
// normalize, commit, advance the cursor. Cursors only move after the commit
// lands, so a crash replays the in-flight page instead of losing it.
type Scheduler struct {
	cfg       Config
	adapters  sources.AdapterRegistry
	fetcher   PageFetcher
	limiter   *ratelimit.Limiter
	cursors   *cursor.Manager
	committer *ingest.Committer

	streams []sources.StreamSpec
	global  chan struct{}
	perSrc  map[string]chan struct{}

	mu       sync.Mutex
	statuses map[string]*StreamStatus
	totals   ingest.Stats
}

// New builds a Scheduler over all streams of the registered sources and
// registers each source's rate budget.
func New(cfg Config, reg *sources.Registry, adapters sources.AdapterRegistry, fetcher PageFetcher, limiter *ratelimit.Limiter, cursors *cursor.Manager, committer *ingest.Committer) (*Scheduler, error) {
	if cfg.GlobalMaxInFlight <= 0 {
		cfg.GlobalMaxInFlight = 16
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	if cfg.FailedCooldown <= 0 {
		cfg.FailedCooldown = 5 * time.Minute
	}

	s := &Scheduler{
		cfg:       cfg,
		adapters:  adapters,
		fetcher:   fetcher,
		limiter:   limiter,
		cursors:   cursors,
		committer: committer,
		global:    make(chan struct{}, cfg.GlobalMaxInFlight),
		perSrc:    make(map[string]chan struct{}),
		statuses:  make(map[string]*StreamStatus),
	}

	for _, src := range reg.All() {
		adapter, err := adapters.AdapterFor(src)
		if err != nil {
			return nil, err
		}
		limiter.Register(src.ID, src.RateConfig())

		slots := src.MaxConcurrent
		if slots <= 0 {
			slots = 1
		}
		s.perSrc[src.ID] = make(chan struct{}, slots)

		for _, st := range adapter.Streams(src) {
			s.streams = append(s.streams, st)
			s.statuses[st.ID] = &StreamStatus{Stream: st.ID, Source: src.ID, State: StateIdle}
		}
	}
	if len(s.streams) == 0 {
		return nil, errors.New("no streams configured")
	}
	return s, nil
}

// Run drives all streams until the context is canceled or every stream
// completes. Per-stream failures never abort sibling streams.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.StatusInterval > 0 {
		g.Go(func() error {
			s.statusLoop(ctx)
			return nil
		})
	}

	for _, st := range s.streams {
		st := st
		g.Go(func() error {
			return s.runStream(ctx, st)
		})
	}
	return g.Wait()
}

func (s *Scheduler) runStream(ctx context.Context, st sources.StreamSpec) error {
	adapter, err := s.adapters.AdapterFor(st.Source)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		cur, err := s.cursors.Load(st.ID)
		if err != nil {
			return fmt.Errorf("stream %s: %w", st.ID, err)
		}
		if cur.Completed {
			s.setState(st.ID, StateCompleted, "")
			return nil
		}

		req, err := adapter.PageRequest(st, cur)
		if err != nil {
			s.setState(st.ID, StateFailed, err.Error())
			logger.ErrorObj("stream misconfigured", "stream_error", map[string]any{
				"stream": st.ID, "error": err.Error(),
			})
			return nil
		}

		s.setState(st.ID, StateRunning, "")
		payload, err := s.fetchPage(ctx, st.Source.ID, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if done := s.handleFetchError(ctx, adapter, st, cur, err); done {
				return nil
			}
			continue
		}

		rs, err := adapter.Normalize(st, payload)
		if err != nil {
			// Malformed page: skip it so one poisoned payload cannot wedge
			// the stream, but count it toward the failure budget.
			logger.WarnObj("page normalization failed", "normalize_error", map[string]any{
				"stream": st.ID, "error": err.Error(),
			})
			if s.recordFailure(st.ID, err) {
				return nil
			}
			if err := s.advance(st.ID, adapter.Advance(st, cur)); err != nil {
				return err
			}
			continue
		}

		if rs.Empty() && rs.Skipped == 0 {
			if done, err := s.handleDrained(ctx, st, cur); done || err != nil {
				return err
			}
			continue
		}

		stats, err := s.committer.Commit(ctx, rs)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// No cursor advance: the page is redelivered on the next pass.
			logger.ErrorObj("page commit failed", "commit_error", map[string]any{
				"stream": st.ID, "error": err.Error(),
			})
			if s.recordFailure(st.ID, err) {
				return nil
			}
			if !sleepCtx(ctx, s.cfg.IdleInterval) {
				return nil
			}
			continue
		}

		next := adapter.Advance(st, cur)
		if err := s.advance(st.ID, next); err != nil {
			return err
		}
		s.recordPage(st.ID, int64(rs.Size()), int64(rs.Skipped), stats)

		if next.Completed {
			s.setState(st.ID, StateCompleted, "")
			logger.InfoObj("stream completed", "stream", st.ID)
			return nil
		}
		if next.Cycles > cur.Cycles {
			// Full pass over the source finished; rest before re-walking it.
			s.setState(st.ID, StateIdle, "")
			logger.InfoObj("stream cycle finished", "stream", st.ID)
			if !sleepCtx(ctx, s.cfg.IdleInterval) {
				return nil
			}
		}
	}
}

// handleFetchError reacts to a classified fetch failure. It reports true when
// the stream should stop.
func (s *Scheduler) handleFetchError(ctx context.Context, adapter sources.Adapter, st sources.StreamSpec, cur cursor.State, err error) bool {
	switch {
	case errors.Is(err, ratelimit.ErrSourceDegraded):
		s.setState(st.ID, StateBackoff, err.Error())
		logger.WarnObj("source degraded, cooling down", "stream_backoff", map[string]any{
			"stream": st.ID, "cooldown": s.cfg.FailedCooldown.String(),
		})
		if !sleepCtx(ctx, s.cfg.FailedCooldown) {
			return true
		}
		s.limiter.Reset(st.Source.ID)
		return false

	case fetch.IsPermanent(err):
		// Rejected pages are routine (deleted products leave id gaps).
		// Skip past them without touching the failure budget.
		logger.DebugObj("page rejected, skipping", "stream_skip", map[string]any{
			"stream": st.ID, "error": err.Error(),
		})
		if aerr := s.advance(st.ID, adapter.Advance(st, cur)); aerr != nil {
			return true
		}
		return false

	case fetch.IsRateLimited(err):
		// The limiter already widened the delay; try again.
		s.setState(st.ID, StateBackoff, err.Error())
		return false

	default:
		logger.WarnObj("page fetch failed", "fetch_error", map[string]any{
			"stream": st.ID, "error": err.Error(),
		})
		if s.recordFailure(st.ID, err) {
			return true
		}
		return !sleepCtx(ctx, s.cfg.IdleInterval)
	}
}

// handleDrained handles a page with no records: the stream walked off the end
// of the source's data set.
func (s *Scheduler) handleDrained(ctx context.Context, st sources.StreamSpec, cur cursor.State) (bool, error) {
	if st.Source.Wrap {
		next := cursor.State{Cycles: cur.Cycles + 1}
		if err := s.advance(st.ID, next); err != nil {
			return true, err
		}
		s.setState(st.ID, StateIdle, "")
		logger.InfoObj("stream drained, wrapping", "stream", st.ID)
		if !sleepCtx(ctx, s.cfg.IdleInterval) {
			return true, nil
		}
		return false, nil
	}

	cur.Completed = true
	if err := s.advance(st.ID, cur); err != nil {
		return true, err
	}
	s.setState(st.ID, StateCompleted, "")
	logger.InfoObj("stream drained, completed", "stream", st.ID)
	return true, nil
}

// fetchPage runs one fetch inside the global and per-source concurrency caps.
// The caps are held only for the duration of the network call.
func (s *Scheduler) fetchPage(ctx context.Context, sourceID string, req fetch.RequestSpec) ([]byte, error) {
	select {
	case s.global <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.global }()

	sem := s.perSrc[sourceID]
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-sem }()

	return s.fetcher.Fetch(ctx, req)
}

func (s *Scheduler) advance(streamID string, next cursor.State) error {
	if err := s.cursors.Advance(streamID, next); err != nil {
		logger.ErrorObj("cursor advance failed", "cursor_error", map[string]any{
			"stream": streamID, "error": err.Error(),
		})
		return fmt.Errorf("stream %s: %w", streamID, err)
	}
	return nil
}

// recordFailure bumps the stream's failure count and reports true once the
// threshold is crossed, marking the stream failed.
func (s *Scheduler) recordFailure(streamID string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses[streamID]
	st.Failures++
	st.LastError = err.Error()
	if st.Failures >= s.cfg.FailureThreshold {
		st.State = StateFailed
		logger.ErrorObj("stream failed", "stream_failed", map[string]any{
			"stream": streamID, "failures": st.Failures, "error": err.Error(),
		})
		return true
	}
	return false
}

func (s *Scheduler) recordPage(streamID string, records, skipped int64, stats ingest.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses[streamID]
	st.Pages++
	st.Records += records
	st.Skipped += skipped
	st.Failures = 0
	st.LastError = ""
	s.totals = s.totals.Add(stats)
}

func (s *Scheduler) setState(streamID string, state State, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses[streamID]
	if st.State == StateFailed {
		return
	}
	st.State = state
	if lastError != "" {
		st.LastError = lastError
	}
}

// Snapshot returns the current status of every stream, ordered by stream id.
func (s *Scheduler) Snapshot() []StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StreamStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// Totals returns the aggregated commit statistics.
func (s *Scheduler) Totals() ingest.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

func (s *Scheduler) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.InfoObj("scheduler status", "streams", s.Snapshot())
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
