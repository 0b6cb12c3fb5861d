// Command quota-fetch pulls events or user profiles from the analytics API
// into a local SQLite table while staying inside the account's rate limits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/quota-fetch/internal/config"
	"github.com/Sternrassler/quota-fetch/pkg/fetch"
	"github.com/Sternrassler/quota-fetch/pkg/logging"
	"github.com/Sternrassler/quota-fetch/pkg/metrics"
	"github.com/Sternrassler/quota-fetch/pkg/quota"
	"github.com/Sternrassler/quota-fetch/pkg/record"
	"github.com/Sternrassler/quota-fetch/pkg/remote"
	"github.com/Sternrassler/quota-fetch/pkg/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LoggingConfig())

	code := run(ctx, os.Args[1:], cfg, os.Stdout, logger)
	stop()
	os.Exit(code)
}

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ", ") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type options struct {
	kind       string
	table      string
	from       string
	to         string
	where      string
	events     string
	partitions listFlag
	parallel   bool
	workers    int
	replace    bool
	list       bool
	db         string
}

func parseFlags(args []string, cfg config.Config, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("quota-fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.kind, "kind", string(record.KindEvents), "entity kind: events or profiles")
	fs.StringVar(&opts.table, "table", "", "destination table")
	fs.StringVar(&opts.from, "from", "", "first day (YYYY-MM-DD, events only)")
	fs.StringVar(&opts.to, "to", "", "last day (YYYY-MM-DD, events only)")
	fs.StringVar(&opts.where, "where", "", "filter expression")
	fs.StringVar(&opts.events, "events", "", "comma-separated event names (events only)")
	fs.Var(&opts.partitions, "partitions", "profile sub-filter, repeatable (profiles only)")
	fs.BoolVar(&opts.parallel, "parallel", true, "split the request into concurrent chunks")
	fs.IntVar(&opts.workers, "workers", 0, "worker count (0: quota class maximum)")
	fs.BoolVar(&opts.replace, "replace", false, "drop an existing destination table first")
	fs.BoolVar(&opts.list, "list", false, "list fetched tables and exit")
	fs.StringVar(&opts.db, "db", cfg.Store.Path, "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func (o options) request() (fetch.Request, error) {
	kind, err := record.ParseKind(o.kind)
	if err != nil {
		return fetch.Request{}, err
	}
	req := fetch.Request{
		Kind:        kind,
		Table:       o.table,
		Where:       o.where,
		Partitions:  o.partitions,
		Parallel:    o.parallel,
		Concurrency: o.workers,
	}
	if kind == record.KindEvents {
		if req.From, err = time.Parse(remote.DateLayout, o.from); err != nil {
			return fetch.Request{}, fmt.Errorf("invalid -from: %w", err)
		}
		if req.To, err = time.Parse(remote.DateLayout, o.to); err != nil {
			return fetch.Request{}, fmt.Errorf("invalid -to: %w", err)
		}
		for _, name := range strings.Split(o.events, ",") {
			if name = strings.TrimSpace(name); name != "" {
				req.Events = append(req.Events, name)
			}
		}
	}
	return req, nil
}

// run executes one CLI invocation and returns the process exit code.
func run(ctx context.Context, args []string, cfg config.Config, stdout io.Writer, logger zerolog.Logger) int {
	opts, err := parseFlags(args, cfg, stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// The store outlives ctx so a cancelled fetch can still promote.
	life := context.WithoutCancel(ctx)

	if dir := filepath.Dir(opts.db); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error().Err(err).Str("path", opts.db).Msg("Failed to create database directory")
			return 1
		}
	}
	st, err := store.Open(opts.db, logger.With().Str("component", "store").Logger())
	if err != nil {
		logger.Error().Err(err).Str("path", opts.db).Msg("Failed to open store")
		return 1
	}
	defer st.Close()

	if opts.list {
		if err := printTables(life, st, stdout); err != nil {
			logger.Error().Err(err).Msg("Failed to list tables")
			return 1
		}
		return 0
	}

	req, err := opts.request()
	if err != nil {
		logger.Error().Err(err).Msg("Invalid request")
		return 1
	}

	if n, err := st.PruneStaging(life); err != nil {
		logger.Error().Err(err).Msg("Failed to prune staging tables")
		return 1
	} else if n > 0 {
		logger.Warn().Int("tables", n).Msg("Pruned orphaned staging tables")
	}

	if opts.replace {
		if err := st.DropTable(life, req.Table); err != nil && !errors.Is(err, store.ErrTableNotFound) {
			logger.Error().Err(err).Str("table", req.Table).Msg("Failed to drop existing table")
			return 1
		}
	}

	ledger, closeLedger, err := newLedger(life, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		return 1
	}
	defer closeLedger()

	tracker, err := quota.NewTracker(quota.Config{
		Limits:  cfg.QuotaLimits(),
		MaxWait: cfg.Quota.MaxWait,
		Ledger:  ledger,
	}, logger.With().Str("component", "quota").Logger())
	if err != nil {
		logger.Error().Err(err).Msg("Invalid quota configuration")
		return 1
	}

	client, err := remote.NewHTTPClient(cfg.RemoteClientConfig(), logger.With().Str("component", "remote").Logger())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create remote client")
		return 1
	}

	if cfg.MetricsAddr != "" {
		srv, err := metrics.Listen(cfg.MetricsAddr, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start metrics server")
			return 1
		}
		metricsCtx, stopMetrics := context.WithCancel(life)
		defer stopMetrics()
		go func() {
			if err := srv.Serve(metricsCtx); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	orch := fetch.NewOrchestrator(st, client, tracker, cfg.FetchConfig(), logger.With().Str("component", "orchestrator").Logger())

	lastPct := -1.0
	res, err := orch.Run(ctx, req, func(p fetch.Progress) {
		if pct := p.Percent(); pct != lastPct {
			lastPct = pct
			logger.Info().
				Int("completed", p.CompletedChunks).
				Int("total", p.TotalChunks).
				Int64("rows", p.Rows).
				Msgf("Progress %.0f%%", pct)
		}
	})
	if err != nil {
		logger.Error().Err(err).Str("table", req.Table).Msg("Fetch failed")
		return 1
	}

	printSummary(stdout, res)
	return 0
}

// newLedger returns the shared Redis ledger when configured, otherwise an
// in-memory one.
func newLedger(ctx context.Context, cfg config.Config, logger zerolog.Logger) (quota.Ledger, func(), error) {
	if cfg.Redis.Addr == "" {
		return quota.NewMemoryLedger(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Using shared Redis quota ledger")
	return quota.NewRedisLedger(client, cfg.Redis.Prefix), func() { client.Close() }, nil
}

func printSummary(w io.Writer, res *fetch.Result) {
	fmt.Fprintf(w, "table:      %s\n", res.Table)
	fmt.Fprintf(w, "status:     %s\n", res.Status)
	fmt.Fprintf(w, "rows:       %d\n", res.Rows)
	fmt.Fprintf(w, "duplicates: %d\n", res.DuplicatesSuppressed)
	fmt.Fprintf(w, "chunks:     %d\n", len(res.Chunks))
	fmt.Fprintf(w, "duration:   %s\n", res.Duration.Round(time.Millisecond))

	failed := res.Failed()
	if len(failed) == 0 {
		return
	}
	fmt.Fprintf(w, "failed chunks:\n")
	for _, c := range failed {
		fmt.Fprintf(w, "  %s (attempts %d): %v\n", c.ChunkID, c.Attempts, c.Err)
	}
}

func printTables(ctx context.Context, st *store.Store, w io.Writer) error {
	metas, err := st.ListMetadata(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tKIND\tROWS\tPARTIAL\tFETCHED")
	for _, m := range metas {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\n", m.Table, m.Kind, m.RowCount, m.Partial, m.FetchedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
