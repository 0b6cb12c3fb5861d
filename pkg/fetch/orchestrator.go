package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/quota-fetch/pkg/clock"
	"github.com/Sternrassler/quota-fetch/pkg/quota"
	"github.com/Sternrassler/quota-fetch/pkg/record"
	"github.com/Sternrassler/quota-fetch/pkg/remote"
	"github.com/Sternrassler/quota-fetch/pkg/store"
)

var (
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qfetch_chunks_total",
		Help: "Total chunks by terminal state",
	}, []string{"state"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qfetch_runs_total",
		Help: "Total fetch runs by final status",
	}, []string{"status"})
)

// Run states.
const (
	StatePlanning          = "planning"
	StateRunning           = "running"
	StateFinalizingSuccess = "finalizing_success"
	StateFinalizingPartial = "finalizing_partial"
	StateDone              = "done"
)

// Config holds orchestrator configuration.
type Config struct {
	Retry RetryPolicy
	Sink  SinkConfig

	// ChannelDepth is the capacity of the channel feeding the sink.
	ChannelDepth int

	// BatchSize caps the records per RecordBatch.
	BatchSize int

	// Planner splits requests. Defaults to NewPlanner().
	Planner *Planner

	// Clock drives retry backoffs and sink flush intervals.
	Clock clock.Clock
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Retry:        DefaultRetryPolicy(),
		Sink:         DefaultSinkConfig(),
		ChannelDepth: 16,
		BatchSize:    DefaultBatchSize,
		Planner:      NewPlanner(),
		Clock:        clock.Real{},
	}
}

// Orchestrator runs fetches. One orchestrator may run several fetches
// concurrently; they share its quota tracker.
type Orchestrator struct {
	store   Store
	tracker *quota.Tracker
	fetcher *Fetcher
	cfg     Config
	logger  zerolog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(st Store, client remote.Client, tracker *quota.Tracker, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.ChannelDepth <= 0 {
		cfg.ChannelDepth = 16
	}
	if cfg.Planner == nil {
		cfg.Planner = NewPlanner()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Orchestrator{
		store:   st,
		tracker: tracker,
		fetcher: NewFetcher(client, tracker, cfg.Retry, cfg.Clock, cfg.BatchSize, logger.With().Str("component", "fetcher").Logger()),
		cfg:     cfg,
		logger:  logger,
	}
}

func newRunFSM() *fsm.FSM {
	return fsm.NewFSM(
		StatePlanning,
		fsm.Events{
			{Name: "start", Src: []string{StatePlanning}, Dst: StateRunning},
			{Name: "finalize_success", Src: []string{StateRunning}, Dst: StateFinalizingSuccess},
			{Name: "finalize_partial", Src: []string{StateRunning}, Dst: StateFinalizingPartial},
			{Name: "finish", Src: []string{StateFinalizingSuccess, StateFinalizingPartial}, Dst: StateDone},
			{Name: "abort", Src: []string{StatePlanning, StateRunning, StateFinalizingSuccess, StateFinalizingPartial}, Dst: StateDone},
		},
		fsm.Callbacks{},
	)
}

// Run executes req and returns its result.
//
// Cancelling ctx is the cooperative stop signal: no new chunks start,
// in-flight chunks stop after their current page, and what was fetched is
// promoted as a partial table. Run returns an error, and leaves no table,
// only for invalid requests, an existing destination, auth errors and
// store write errors.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	start := time.Now()
	fetchID := uuid.NewString()
	logger := o.logger.With().Str("fetch_id", fetchID).Str("table", req.Table).Logger()
	run := newRunFSM()

	// The run outlives ctx so a cancelled fetch can still drain and promote.
	life := context.WithoutCancel(ctx)
	cancel := ctx.Done()

	fail := func(err error) (*Result, error) {
		_ = run.Event(life, "abort")
		runsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := req.Validate(); err != nil {
		return fail(err)
	}
	exists, err := o.store.TableExists(life, req.Table)
	if err != nil {
		return fail(&StoreWriteError{Op: "check destination", Err: err})
	}
	if exists {
		return fail(fmt.Errorf("%w: %s", ErrTableExists, req.Table))
	}

	chunks, err := o.cfg.Planner.Plan(req)
	if err != nil {
		return fail(err)
	}

	class := QuotaClass(req.Kind)
	workers := o.poolSize(req, class, len(chunks))

	sink := NewSink(o.store, req.Table, req.Kind, store.Metadata{
		From:    zeroIfProfiles(req, req.From),
		To:      zeroIfProfiles(req, req.To),
		Filter:  req.Where,
		Events:  req.Events,
		FetchID: fetchID,
	}, o.cfg.Sink, o.cfg.Clock, logger.With().Str("component", "sink").Logger())
	if err := sink.Open(life); err != nil {
		return fail(err)
	}

	if err := run.Event(life, "start"); err != nil {
		_ = sink.Abort(life)
		return fail(err)
	}
	logger.Info().
		Str("kind", string(req.Kind)).
		Int("chunks", len(chunks)).
		Int("workers", workers).
		Msg("Fetch started")

	abortCtx, abort := context.WithCancelCause(life)
	defer abort(nil)

	batches := make(chan RecordBatch, o.cfg.ChannelDepth)
	done := make(chan *Chunk, len(chunks))

	var committed atomic.Int64
	flushed := make(chan struct{}, 1)
	sink.OnFlush(func(rows int64) {
		committed.Store(rows)
		select {
		case flushed <- struct{}{}:
		default:
		}
	})

	type ingestResult struct {
		outcome IngestOutcome
		err     error
	}
	ingested := make(chan ingestResult, 1)
	go func() {
		outcome, err := sink.Ingest(life, batches)
		if err != nil {
			abort(err)
		}
		ingested <- ingestResult{outcome, err}
	}()

	emit := func(b RecordBatch) error {
		select {
		case batches <- b:
			return nil
		case <-abortCtx.Done():
			return context.Cause(abortCtx)
		}
	}

	queue := make(chan *Chunk, len(chunks))
	for _, c := range chunks {
		queue <- c
	}
	close(queue)

	g, gctx := errgroup.WithContext(abortCtx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return o.worker(gctx, cancel, queue, done, emit, logger)
		})
	}

	workersDone := make(chan error, 1)
	go func() {
		err := g.Wait()
		close(batches)
		workersDone <- err
	}()

	completed := 0
	report := func() {
		if progress != nil {
			progress(Progress{CompletedChunks: completed, TotalChunks: len(chunks), Rows: committed.Load()})
		}
	}

	var workerErr error
loop:
	for {
		select {
		case <-done:
			completed++
			report()
		case <-flushed:
			report()
		case workerErr = <-workersDone:
			break loop
		}
	}
	for len(done) > 0 {
		<-done
		completed++
		report()
	}

	ing := <-ingested
	abortErr := ing.err
	if abortErr == nil {
		abortErr = workerErr
	}

	result := &Result{
		FetchID:              fetchID,
		Table:                req.Table,
		Kind:                 req.Kind,
		DuplicatesSuppressed: ing.outcome.Duplicates,
		Chunks:               outcomes(chunks),
	}
	for _, c := range chunks {
		chunksTotal.WithLabelValues(string(c.State)).Inc()
	}

	if abortErr != nil {
		if err := sink.Abort(life); err != nil {
			logger.Error().Err(err).Msg("Failed to drop staging table")
		}
		_ = run.Event(life, "abort")
		runsTotal.WithLabelValues("aborted").Inc()
		logger.Error().
			Err(abortErr).
			Str("state", run.Current()).
			Int("completed_chunks", completed).
			Msg("Fetch aborted")
		return nil, fmt.Errorf("fetch %s aborted: %w", req.Table, abortErr)
	}

	result.Status = aggregate(chunks)
	event := "finalize_success"
	if result.Status != StatusComplete {
		event = "finalize_partial"
	}
	if err := run.Event(life, event); err != nil {
		_ = sink.Abort(life)
		return fail(err)
	}

	meta, err := sink.Finalize(life, result.Status != StatusComplete)
	if err != nil {
		_ = run.Event(life, "abort")
		runsTotal.WithLabelValues("aborted").Inc()
		return nil, fmt.Errorf("fetch %s aborted: %w", req.Table, err)
	}
	_ = run.Event(life, "finish")

	result.Metadata = meta
	result.Rows = meta.RowCount
	result.Duration = time.Since(start)
	runsTotal.WithLabelValues(string(result.Status)).Inc()

	ev := logger.Info()
	if result.Status != StatusComplete {
		ev = logger.Warn()
	}
	ev.Str("status", string(result.Status)).
		Int64("rows", result.Rows).
		Int64("duplicates", result.DuplicatesSuppressed).
		Int("failed_chunks", len(result.Failed())).
		Dur("duration", result.Duration).
		Msg("Fetch complete")

	return result, nil
}

// worker pulls chunks until the queue is empty. It returns an error only
// for abort-worthy failures, which cancels its siblings.
func (o *Orchestrator) worker(ctx context.Context, cancel <-chan struct{}, queue <-chan *Chunk, done chan<- *Chunk, emit EmitFunc, logger zerolog.Logger) error {
	for c := range queue {
		if signalled(cancel) || ctx.Err() != nil {
			_ = c.transition(ChunkCancelled)
			done <- c
			continue
		}

		if err := c.transition(ChunkInFlight); err != nil {
			return err
		}
		stats, err := o.fetcher.Fetch(ctx, cancel, c, emit)

		switch {
		case err != nil:
			c.Err = err
			_ = c.transition(ChunkFailed)
		case stats.Cancelled:
			_ = c.transition(ChunkCancelled)
		default:
			_ = c.transition(ChunkSucceeded)
		}

		logger.Info().
			Str("chunk_id", c.ID).
			Str("state", string(c.State)).
			Int("attempts", c.Attempts).
			Int("records", c.Records).
			Err(err).
			Msg("Chunk finished")
		done <- c

		if err != nil && IsAbort(err) {
			return err
		}
	}
	return nil
}

// poolSize is min(hint, class cap, chunks), at least 1. A zero hint
// means no preference.
func (o *Orchestrator) poolSize(req Request, class quota.Class, chunks int) int {
	if !req.Parallel {
		return 1
	}
	limit := o.tracker.MaxConcurrent(class)
	n := req.Concurrency
	if n <= 0 || (limit > 0 && n > limit) {
		n = limit
	}
	if n > chunks {
		n = chunks
	}
	return max(n, 1)
}

// aggregate derives the run status. Cancellation wins over failures.
func aggregate(chunks []*Chunk) Status {
	cancelled, failed := false, false
	for _, c := range chunks {
		switch c.State {
		case ChunkCancelled, ChunkPending, ChunkInFlight:
			cancelled = true
		case ChunkFailed:
			failed = true
		}
	}
	switch {
	case cancelled:
		return StatusPartial
	case failed:
		return StatusPartialFailure
	default:
		return StatusComplete
	}
}

func outcomes(chunks []*Chunk) []ChunkOutcome {
	out := make([]ChunkOutcome, 0, len(chunks))
	for _, c := range chunks {
		oc := ChunkOutcome{
			ChunkID:  c.ID,
			From:     c.Params.From,
			To:       c.Params.To,
			Where:    c.Params.Where,
			State:    c.State,
			Attempts: c.Attempts,
			Pages:    c.Pages,
			Records:  c.Records,
			Err:      c.Err,
		}
		var fe *FetchError
		if errors.As(c.Err, &fe) {
			oc.Fatal = fe.Fatal
		}
		out = append(out, oc)
	}
	return out
}

func zeroIfProfiles(req Request, t time.Time) time.Time {
	if req.Kind != record.KindEvents {
		return time.Time{}
	}
	return day(t)
}
