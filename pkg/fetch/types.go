package fetch

import (
	"fmt"
	"time"

	"github.com/Sternrassler/quota-fetch/pkg/quota"
	"github.com/Sternrassler/quota-fetch/pkg/record"
	"github.com/Sternrassler/quota-fetch/pkg/remote"
	"github.com/Sternrassler/quota-fetch/pkg/store"
)

// Request describes one fetch. It is never mutated once passed to Run.
type Request struct {
	// Kind selects events or profiles.
	Kind record.Kind

	// Table is the destination table name.
	Table string

	// From and To bound an event fetch, inclusive. Only the date part is used.
	From time.Time
	To   time.Time

	// Where is an opaque filter expression passed to the remote API.
	Where string

	// Events restricts an event fetch to these event names.
	Events []string

	// Partitions split a profile fetch into independent sub-filters, each
	// AND-ed with Where. Ignored for events.
	Partitions []string

	// Parallel allows more than one chunk.
	Parallel bool

	// Concurrency is the requested number of workers.
	Concurrency int
}

// Validate checks the request before any work starts.
func (r Request) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	if err := store.ValidateTableName(r.Table); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Kind == record.KindEvents {
		if r.From.IsZero() || r.To.IsZero() {
			return fmt.Errorf("%w: events need a from and to date", ErrInvalidRequest)
		}
		if day(r.To).Before(day(r.From)) {
			return fmt.Errorf("%w: to date %s is before from date %s", ErrInvalidRequest,
				r.To.Format(remote.DateLayout), r.From.Format(remote.DateLayout))
		}
	}
	if r.Concurrency < 0 {
		return fmt.Errorf("%w: negative concurrency", ErrInvalidRequest)
	}
	return nil
}

// QuotaClass returns the quota class the request's remote calls draw from.
func QuotaClass(kind record.Kind) quota.Class {
	if kind == record.KindEvents {
		return quota.ClassExport
	}
	return quota.ClassQuery
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ChunkState is the lifecycle state of a chunk.
type ChunkState string

const (
	ChunkPending   ChunkState = "pending"
	ChunkInFlight  ChunkState = "in_flight"
	ChunkSucceeded ChunkState = "succeeded"
	ChunkFailed    ChunkState = "failed"
	ChunkCancelled ChunkState = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s ChunkState) Terminal() bool {
	return s == ChunkSucceeded || s == ChunkFailed || s == ChunkCancelled
}

var chunkTransitions = map[ChunkState][]ChunkState{
	ChunkPending:  {ChunkInFlight, ChunkCancelled},
	ChunkInFlight: {ChunkSucceeded, ChunkFailed, ChunkCancelled},
}

// Chunk is one independently fetchable piece of a Request. Its mutable
// fields belong to the worker executing it.
type Chunk struct {
	ID     string
	Index  int
	Params remote.Params

	State    ChunkState
	Attempts int
	Pages    int
	Records  int
	Err      error
}

// transition moves the chunk forward. States never move backwards.
func (c *Chunk) transition(to ChunkState) error {
	for _, next := range chunkTransitions[c.State] {
		if next == to {
			c.State = to
			return nil
		}
	}
	return fmt.Errorf("chunk %s: invalid transition %s -> %s", c.ID, c.State, to)
}

// RecordBatch is a bounded run of records from one chunk, in page order.
type RecordBatch struct {
	ChunkID string
	Records []record.Record
}

// Status is the overall outcome of a run.
type Status string

const (
	// StatusComplete means every chunk succeeded.
	StatusComplete Status = "complete"

	// StatusPartial means the run was cancelled.
	StatusPartial Status = "partial"

	// StatusPartialFailure means some chunks failed and the rest succeeded.
	StatusPartialFailure Status = "partial_failure"
)

// ChunkOutcome is the per-chunk diagnostic attached to a Result.
type ChunkOutcome struct {
	ChunkID  string
	From     time.Time
	To       time.Time
	Where    string
	State    ChunkState
	Attempts int
	Pages    int
	Records  int
	Fatal    bool
	Err      error
}

// Result is returned by Run once the run reaches its terminal state.
type Result struct {
	FetchID              string
	Table                string
	Kind                 record.Kind
	Status               Status
	Rows                 int64
	DuplicatesSuppressed int64
	Duration             time.Duration
	Chunks               []ChunkOutcome
	Metadata             store.Metadata
}

// Failed returns the outcomes of chunks that failed.
func (r *Result) Failed() []ChunkOutcome {
	var out []ChunkOutcome
	for _, c := range r.Chunks {
		if c.State == ChunkFailed {
			out = append(out, c)
		}
	}
	return out
}

// Progress is reported to the caller while a run is in progress.
type Progress struct {
	CompletedChunks int
	TotalChunks     int
	Rows            int64
}

// Percent returns completed chunks as a percentage.
func (p Progress) Percent() float64 {
	if p.TotalChunks == 0 {
		return 100
	}
	return float64(p.CompletedChunks) * 100 / float64(p.TotalChunks)
}

// ProgressFunc receives progress updates on the goroutine that called Run.
// It must return promptly.
type ProgressFunc func(Progress)
