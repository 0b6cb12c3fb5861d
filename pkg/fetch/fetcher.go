package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/quota-fetch/pkg/clock"
	"github.com/Sternrassler/quota-fetch/pkg/quota"
	"github.com/Sternrassler/quota-fetch/pkg/record"
	"github.com/Sternrassler/quota-fetch/pkg/remote"
)

// DefaultBatchSize is the maximum number of records per RecordBatch.
const DefaultBatchSize = 500

// EmitFunc forwards a batch to the sink. It blocks while the sink is
// behind and fails only if the run is aborting.
type EmitFunc func(RecordBatch) error

// FetchStats summarizes one Fetch call.
type FetchStats struct {
	Attempts  int
	Pages     int
	Records   int
	Cancelled bool
}

// Fetcher executes chunks against the remote client.
type Fetcher struct {
	client    remote.Client
	tracker   *quota.Tracker
	policy    RetryPolicy
	clock     clock.Clock
	batchSize int
	logger    zerolog.Logger
}

// NewFetcher creates a chunk fetcher.
func NewFetcher(client remote.Client, tracker *quota.Tracker, policy RetryPolicy, clk clock.Clock, batchSize int, logger zerolog.Logger) *Fetcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if policy.Transient.MaxAttempts <= 0 {
		policy.Transient.MaxAttempts = 1
	}
	if policy.RateLimited.MaxAttempts <= 0 {
		policy.RateLimited.MaxAttempts = 1
	}
	return &Fetcher{
		client:    client,
		tracker:   tracker,
		policy:    policy,
		clock:     clk,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Fetch runs chunk page by page, emitting each page's records in order.
//
// ctx bounds remote calls and emits; its cancellation is an abort and is
// returned as an error. cancel is the cooperative stop signal: it is
// checked before every call, interrupts quota and backoff waits, and makes
// Fetch return the stats so far with Cancelled set and a nil error.
func (f *Fetcher) Fetch(ctx context.Context, cancel <-chan struct{}, chunk *Chunk, emit EmitFunc) (FetchStats, error) {
	var stats FetchStats
	class := QuotaClass(chunk.Params.Kind)
	logger := f.logger.With().Str("chunk_id", chunk.ID).Str("class", string(class)).Logger()

	token := ""
	transient, rateLimited := 0, 0

	for {
		if signalled(cancel) {
			stats.Cancelled = true
			return stats, nil
		}

		waitCtx, stop := withSignal(ctx, cancel)
		permit, err := f.tracker.Acquire(waitCtx, class)
		stop()
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			if signalled(cancel) {
				stats.Cancelled = true
				return stats, nil
			}
			// Quota timeouts fail this chunk only.
			return stats, &FetchError{ChunkID: chunk.ID, Attempts: stats.Attempts, Err: err}
		}

		stats.Attempts++
		chunk.Attempts++
		page, err := f.client.FetchPage(ctx, chunk.Params, token)
		permit.Release()

		if err == nil {
			f.tracker.ReportSuccess(class)
			transient, rateLimited = 0, 0
			stats.Pages++
			chunk.Pages++
			if err := f.emit(chunk, page.Records, emit); err != nil {
				return stats, err
			}
			stats.Records += len(page.Records)
			chunk.Records += len(page.Records)

			logger.Debug().
				Int("page", stats.Pages).
				Int("records", len(page.Records)).
				Bool("more", page.NextToken != "").
				Msg("Page fetched")

			if page.NextToken == "" {
				return stats, nil
			}
			token = page.NextToken
			continue
		}

		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		errClass := remote.Classify(err)
		switch errClass {
		case remote.ErrorClassAuth, remote.ErrorClassClient:
			logger.Warn().Err(err).Str("error_class", string(errClass)).Msg("Chunk failed with non-retryable error")
			return stats, &FetchError{ChunkID: chunk.ID, Attempts: stats.Attempts, Fatal: true, Err: err}

		case remote.ErrorClassRateLimit:
			// The cool-down is shared with every worker on this class, so it
			// is recorded even when this chunk gives up.
			var rl *remote.RateLimitedError
			errors.As(err, &rl)
			until, rerr := f.tracker.ReportRateLimited(ctx, class, rl.RetryAfter)
			if rerr != nil {
				return stats, &FetchError{ChunkID: chunk.ID, Attempts: stats.Attempts, Err: rerr}
			}
			rateLimited++
			if rateLimited >= f.policy.RateLimited.MaxAttempts {
				return stats, f.exhausted(logger, chunk, errClass, stats.Attempts, err)
			}
			observeRetry(errClass, until.Sub(f.clock.Now()))
			logger.Warn().
				Int("attempt", stats.Attempts).
				Dur("retry_after", rl.RetryAfter).
				Time("cooldown_until", until).
				Msg("Rate limited - retrying after cool-down")

		default:
			transient++
			if transient >= f.policy.Transient.MaxAttempts {
				return stats, f.exhausted(logger, chunk, errClass, stats.Attempts, err)
			}
			backoff := f.policy.backoff(transient)
			observeRetry(errClass, backoff)
			logger.Warn().
				Err(err).
				Str("error_class", string(errClass)).
				Int("attempt", stats.Attempts).
				Dur("backoff", backoff).
				Msg("Retrying chunk after backoff")

			waitCtx, stop := withSignal(ctx, cancel)
			ok := clock.Sleep(f.clock, backoff, waitCtx.Done())
			stop()
			if !ok {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				logger.Debug().Int("attempt", stats.Attempts).Msg("Cancelled during retry backoff")
				stats.Cancelled = true
				return stats, nil
			}
		}
	}
}

func (f *Fetcher) exhausted(logger zerolog.Logger, chunk *Chunk, class remote.ErrorClass, attempts int, err error) error {
	observeExhausted(class)
	logger.Warn().
		Err(err).
		Str("error_class", string(class)).
		Int("attempts", attempts).
		Msg("Retry attempts exhausted")
	return &FetchError{
		ChunkID:  chunk.ID,
		Attempts: attempts,
		Err:      fmt.Errorf("%w: %w", ErrRetryExhausted, err),
	}
}

// emit splits records into batches of at most batchSize.
func (f *Fetcher) emit(chunk *Chunk, records []record.Record, emit EmitFunc) error {
	for len(records) > 0 {
		n := min(len(records), f.batchSize)
		if err := emit(RecordBatch{ChunkID: chunk.ID, Records: records[:n:n]}); err != nil {
			return err
		}
		records = records[n:]
	}
	return nil
}

func signalled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// withSignal returns a context that is also done once signal closes.
func withSignal(parent context.Context, signal <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if signal == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-signal:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
