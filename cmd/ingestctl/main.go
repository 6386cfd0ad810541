package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/bazarstat-hq/market-ingest/internal/config"
	"github.com/bazarstat-hq/market-ingest/internal/cursor"
	"github.com/bazarstat-hq/market-ingest/internal/storage"
)

const usage = `ingestctl inspects the local ingest state.

Usage:
  ingestctl counts                     row counts per table
  ingestctl cursors                    persisted stream cursors
  ingestctl history -source S -id ID   price ledger for one entity
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ingestctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	switch args[0] {
	case "counts":
		return showCounts(ctx, cfg)
	case "cursors":
		return showCursors(cfg)
	case "history":
		return showHistory(ctx, cfg, args[1:])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func showCounts(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(ctx, cfg.StorageDriver, cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	c, err := store.Counts(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "sellers\t%d\n", c.Sellers)
	fmt.Fprintf(w, "products\t%d\n", c.Products)
	fmt.Fprintf(w, "listings\t%d\n", c.Listings)
	fmt.Fprintf(w, "deals\t%d\n", c.Deals)
	fmt.Fprintf(w, "price rows\t%d\n", c.PriceRows)
	return w.Flush()
}

func showCursors(cfg *config.Config) error {
	cursors, err := cursor.Open(cfg.CursorPath)
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer cursors.Close()

	all, err := cursors.All()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("no cursors recorded")
		return nil
	}

	streams := make([]string, 0, len(all))
	for id := range all {
		streams = append(streams, id)
	}
	sort.Strings(streams)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tPAGE\tLAST_ID\tCYCLES\tCOMPLETED\tUPDATED")
	for _, id := range streams {
		st := all[id]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%t\t%s\n",
			id, st.Page, st.LastID, st.Cycles, st.Completed,
			st.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func showHistory(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	source := fs.String("source", "", "source id")
	id := fs.String("id", "", "external entity id")
	limit := fs.Int("limit", 50, "max ledger rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" || *id == "" {
		return fmt.Errorf("history requires -source and -id")
	}

	store, err := storage.Open(ctx, cfg.StorageDriver, cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	points, err := store.PriceHistory(ctx, *source, *id, *limit)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		fmt.Printf("no ledger rows for %s/%s\n", *source, *id)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECORDED\tPRICE\tAVAILABLE\tSTATUS")
	for _, p := range points {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.RecordedAt.Format(time.RFC3339),
			fmtOpt(p.Price), fmtOpt(p.Available), p.Status)
	}
	return w.Flush()
}

func fmtOpt(n *int64) string {
	if n == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *n)
}
