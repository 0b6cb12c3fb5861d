package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/quota-fetch/pkg/clock"
	"github.com/Sternrassler/quota-fetch/pkg/record"
	"github.com/Sternrassler/quota-fetch/pkg/store"
)

var (
	sinkRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qfetch_sink_rows_total",
		Help: "Total rows committed to staging tables",
	})

	sinkDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qfetch_sink_duplicates_total",
		Help: "Total records dropped as duplicates of an already ingested identity key",
	})

	sinkFlushSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qfetch_sink_flush_seconds",
		Help:    "Duration of sink flushes to the local store",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// Store is the part of the local store the pipeline writes through.
type Store interface {
	TableExists(ctx context.Context, name string) (bool, error)
	CreateStaging(ctx context.Context, kind record.Kind) (*store.Staging, error)
	AppendBatch(ctx context.Context, h *store.Staging, records []record.Record) (int, error)
	Promote(ctx context.Context, h *store.Staging, name string, meta store.Metadata) (store.Metadata, error)
	Abort(ctx context.Context, h *store.Staging) error
}

// SinkConfig bounds how much the sink buffers between store writes.
type SinkConfig struct {
	// FlushRows flushes once this many new records are buffered.
	FlushRows int

	// FlushInterval flushes a non-empty buffer after this long. Zero
	// disables time-based flushing.
	FlushInterval time.Duration
}

// DefaultSinkConfig returns the default flush bounds.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		FlushRows:     2000,
		FlushInterval: 2 * time.Second,
	}
}

// IngestOutcome summarizes an Ingest call.
type IngestOutcome struct {
	Batches    int
	Flushes    int
	Rows       int64
	Duplicates int64
}

// Sink is the single writer of one fetch. It deduplicates records by
// identity key and commits them to a staging table in bounded flushes.
type Sink struct {
	store  Store
	table  string
	kind   record.Kind
	meta   store.Metadata
	cfg    SinkConfig
	clock  clock.Clock
	logger zerolog.Logger

	onFlush func(rows int64)

	staging *store.Staging
	seen    map[string]struct{}
	pending []record.Record
	outcome IngestOutcome
}

// NewSink creates a sink that will promote into table. meta carries the
// request description recorded at promotion.
func NewSink(st Store, table string, kind record.Kind, meta store.Metadata, cfg SinkConfig, clk clock.Clock, logger zerolog.Logger) *Sink {
	if cfg.FlushRows <= 0 {
		cfg.FlushRows = DefaultSinkConfig().FlushRows
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Sink{
		store:  st,
		table:  table,
		kind:   kind,
		meta:   meta,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("table", table).Logger(),
		seen:   make(map[string]struct{}),
	}
}

// OnFlush registers fn to be called with the committed row total after
// every flush. fn runs on the Ingest goroutine and must not block.
func (s *Sink) OnFlush(fn func(rows int64)) {
	s.onFlush = fn
}

// Open creates the staging table.
func (s *Sink) Open(ctx context.Context) error {
	h, err := s.store.CreateStaging(ctx, s.kind)
	if err != nil {
		return &StoreWriteError{Op: "create staging", Err: err}
	}
	s.staging = h
	s.logger.Debug().Str("staging", h.Name).Msg("Sink opened")
	return nil
}

// Ingest consumes batches until the channel is closed, then flushes what
// is left. It returns early only on a store error, in which case the
// caller must stop producers and Abort.
func (s *Sink) Ingest(ctx context.Context, batches <-chan RecordBatch) (IngestOutcome, error) {
	if s.staging == nil {
		return s.outcome, &StoreWriteError{Op: "ingest", Err: errors.New("sink not opened")}
	}

	var tick <-chan time.Time
	for {
		if tick == nil && len(s.pending) > 0 && s.cfg.FlushInterval > 0 {
			tick = s.clock.After(s.cfg.FlushInterval)
		}

		select {
		case b, ok := <-batches:
			if !ok {
				if err := s.flush(ctx); err != nil {
					return s.outcome, err
				}
				return s.outcome, nil
			}
			s.add(b)
			if len(s.pending) >= s.cfg.FlushRows {
				if err := s.flush(ctx); err != nil {
					return s.outcome, err
				}
				tick = nil
			}

		case <-tick:
			tick = nil
			if err := s.flush(ctx); err != nil {
				return s.outcome, err
			}
		}
	}
}

func (s *Sink) add(b RecordBatch) {
	s.outcome.Batches++
	for _, r := range b.Records {
		if _, dup := s.seen[r.Key]; dup {
			s.outcome.Duplicates++
			sinkDuplicatesTotal.Inc()
			continue
		}
		s.seen[r.Key] = struct{}{}
		s.pending = append(s.pending, r)
	}
}

func (s *Sink) flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	start := time.Now()
	inserted, err := s.store.AppendBatch(ctx, s.staging, s.pending)
	if err != nil {
		s.logger.Error().Err(err).Int("rows", len(s.pending)).Msg("Sink flush failed")
		return &StoreWriteError{Op: "append", Err: err}
	}
	sinkFlushSeconds.Observe(time.Since(start).Seconds())

	// The store ignores keys it already holds, which the seen set should
	// have caught already.
	if dropped := len(s.pending) - inserted; dropped > 0 {
		s.outcome.Duplicates += int64(dropped)
		sinkDuplicatesTotal.Add(float64(dropped))
	}
	s.outcome.Rows += int64(inserted)
	s.outcome.Flushes++
	sinkRowsTotal.Add(float64(inserted))

	s.logger.Debug().
		Int("rows", inserted).
		Int64("total", s.outcome.Rows).
		Int64("duplicates", s.outcome.Duplicates).
		Dur("duration", time.Since(start)).
		Msg("Sink flushed")

	s.pending = s.pending[:0]
	if s.onFlush != nil {
		s.onFlush(s.outcome.Rows)
	}
	return nil
}

// Finalize promotes the staging table and records its metadata. partial
// marks the table as incomplete. On error the staging table is dropped.
func (s *Sink) Finalize(ctx context.Context, partial bool) (store.Metadata, error) {
	meta := s.meta
	meta.Partial = partial
	meta.FetchedAt = s.clock.Now().UTC()

	promoted, err := s.store.Promote(ctx, s.staging, s.table, meta)
	if err != nil {
		s.logger.Error().Err(err).Bool("partial", partial).Msg("Promotion failed")
		if aerr := s.Abort(ctx); aerr != nil {
			s.logger.Error().Err(aerr).Msg("Failed to drop staging table")
		}
		return store.Metadata{}, &StoreWriteError{Op: "promote", Err: err}
	}

	s.logger.Info().
		Int64("rows", promoted.RowCount).
		Int64("duplicates", s.outcome.Duplicates).
		Bool("partial", partial).
		Msg("Sink finalized")
	return promoted, nil
}

// Abort drops the staging table without promoting it.
func (s *Sink) Abort(ctx context.Context) error {
	if s.staging == nil {
		return nil
	}
	if err := s.store.Abort(ctx, s.staging); err != nil {
		return &StoreWriteError{Op: "abort", Err: err}
	}
	s.logger.Warn().Int64("rows", s.outcome.Rows).Msg("Sink aborted - staging dropped")
	return nil
}
