package app

import (
	"context"
	"fmt"

	"github.com/bazarstat-hq/market-ingest/internal/config"
	"github.com/bazarstat-hq/market-ingest/internal/cursor"
	"github.com/bazarstat-hq/market-ingest/internal/fetch"
	"github.com/bazarstat-hq/market-ingest/internal/ingest"
	"github.com/bazarstat-hq/market-ingest/internal/logger"
	"github.com/bazarstat-hq/market-ingest/internal/ratelimit"
	"github.com/bazarstat-hq/market-ingest/internal/scheduler"
	"github.com/bazarstat-hq/market-ingest/internal/storage"
	"github.com/bazarstat-hq/market-ingest/pkg/httpclient"
	"github.com/bazarstat-hq/market-ingest/pkg/publishers"
	"github.com/bazarstat-hq/market-ingest/pkg/sources"
)

// Ingestd is the ingestion daemon runtime. It wires the source registry,
// fetcher, storage, cursors and publishers into the stream scheduler and runs
// it until shutdown.
type Ingestd struct {
	cfg     *config.Config
	store   storage.Store
	cursors *cursor.Manager
	fanout  *publishers.Fanout
	sched   *scheduler.Scheduler
}

// pubLogger bridges the package logger into the publishers logging surface.
type pubLogger struct{}

func (pubLogger) InfoObj(msg, key string, obj interface{})  { logger.InfoObj(msg, key, obj) }
func (pubLogger) DebugObj(msg, key string, obj interface{}) { logger.DebugObj(msg, key, obj) }
func (pubLogger) WarnObj(msg, key string, obj interface{})  { logger.WarnObj(msg, key, obj) }
func (pubLogger) ErrorObj(msg, key string, obj interface{}) { logger.ErrorObj(msg, key, obj) }

// NewIngestd builds the daemon runtime from config files.
func NewIngestd(ctx context.Context, cfg *config.Config) (*Ingestd, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	sourceReg, err := sources.LoadRegistry(cfg.SourcesFile)
	if err != nil {
		return nil, fmt.Errorf("load sources registry: %w", err)
	}
	sourceList := sourceReg.All()
	sourceIDs := make([]string, 0, len(sourceList))
	for _, src := range sourceList {
		sourceIDs = append(sourceIDs, src.ID)
	}
	logger.InfoObj("sources registry loaded", "sources_meta", map[string]any{
		"count": len(sourceIDs),
		"ids":   sourceIDs,
	})

	fanout, err := buildFanout(ctx, cfg.PublishersFile)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.StorageDriver, cfg.StorageDSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	logger.InfoObj("storage initialized", "storage_config", map[string]any{
		"driver": cfg.StorageDriver,
		"dsn":    cfg.StorageDSN,
	})

	cursors, err := cursor.Open(cfg.CursorPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init cursor store: %w", err)
	}

	limiter := ratelimit.New()
	client := httpclient.NewRestyClient(cfg.FetchTimeout)
	fetcher := fetch.New(client, limiter, fetch.NewStats(), cfg.FetchMaxAttempts)
	committer := ingest.NewCommitter(store, fanout)

	sched, err := scheduler.New(scheduler.Config{
		GlobalMaxInFlight: cfg.GlobalMaxInFlight,
		FailureThreshold:  cfg.FailureThreshold,
		FailedCooldown:    cfg.FailedCooldown,
		IdleInterval:      cfg.IdleInterval,
		StatusInterval:    cfg.StatusInterval,
	}, sourceReg, sources.DefaultAdapterRegistry(), fetcher, limiter, cursors, committer)
	if err != nil {
		cursors.Close()
		store.Close()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	return &Ingestd{
		cfg:     cfg,
		store:   store,
		cursors: cursors,
		fanout:  fanout,
		sched:   sched,
	}, nil
}

func buildFanout(ctx context.Context, publishersFile string) (*publishers.Fanout, error) {
	publisherReg, err := publishers.LoadRegistry(publishersFile)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}

	enabled := publisherReg.Enabled()
	if len(enabled) == 0 {
		logger.WarnObj("no publishers enabled; change events will not be emitted", "publishers_file", publishersFile)
		return publishers.NewFanout(nil), nil
	}

	pubClients, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, pubLogger{})
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}
	summaries := make([]map[string]string, 0, len(enabled))
	for _, pubCfg := range enabled {
		summaries = append(summaries, map[string]string{
			"id":   pubCfg.ID,
			"type": pubCfg.Type,
		})
	}
	logger.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})
	return publishers.NewFanout(pubClients), nil
}

// Run drives the scheduler until the context is cancelled or every stream
// reaches a terminal state.
func (d *Ingestd) Run(ctx context.Context) error {
	if d == nil || d.sched == nil {
		return fmt.Errorf("ingestd is not initialized")
	}
	defer d.close()

	logger.InfoObj("ingest loop starting", "ingestd_state", map[string]any{
		"publishers_count":     d.fanout.Size(),
		"global_max_in_flight": d.cfg.GlobalMaxInFlight,
	})

	err := d.sched.Run(ctx)

	totals := d.sched.Totals()
	logger.InfoObj("ingest loop exited", "ingest_totals", map[string]any{
		"inserted":  totals.Inserted,
		"updated":   totals.Updated,
		"unchanged": totals.Unchanged,
		"skipped":   totals.Skipped,
		"events":    totals.Events,
	})
	return err
}

func (d *Ingestd) close() {
	if d.cursors != nil {
		if err := d.cursors.Close(); err != nil {
			logger.ErrorObj("cursor store close failed", "error", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.ErrorObj("storage close failed", "error", err)
		}
	}
}
