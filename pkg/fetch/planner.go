package fetch

import (
	"fmt"
	"time"

	"github.com/Sternrassler/quota-fetch/pkg/record"
	"github.com/Sternrassler/quota-fetch/pkg/remote"
)

// Planner splits requests into chunks.
type Planner struct {
	// ChunkDays fixes the chunk step in days. Zero picks it from the span.
	ChunkDays int
}

// NewPlanner creates a planner that sizes chunks from the request span.
func NewPlanner() *Planner {
	return &Planner{}
}

// chunkDays picks the step for a span of n days: short ranges get day
// chunks for parallelism, long ranges get larger chunks to keep the number
// of export calls against the hourly budget low.
func chunkDays(n int) int {
	switch {
	case n <= 14:
		return 1
	case n <= 180:
		return 7
	default:
		return 30
	}
}

// Plan returns the ordered chunks for req. Chunk ranges are inclusive on
// both ends and adjacent chunks share their boundary date, so boundary
// records can arrive twice and are deduplicated by the sink.
func (p *Planner) Plan(req Request) ([]*Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Kind == record.KindProfiles {
		return p.planProfiles(req), nil
	}
	return p.planEvents(req), nil
}

func (p *Planner) planEvents(req Request) []*Chunk {
	from, to := day(req.From), day(req.To)
	base := remote.Params{
		Kind:   record.KindEvents,
		Where:  req.Where,
		Events: append([]string(nil), req.Events...),
	}

	if !req.Parallel {
		return []*Chunk{newEventChunk(0, base, from, to)}
	}

	step := p.ChunkDays
	if step <= 0 {
		span := int(to.Sub(from).Hours()/24) + 1
		step = chunkDays(span)
	}

	var chunks []*Chunk
	for start := from; ; {
		end := start.AddDate(0, 0, step)
		if end.After(to) {
			end = to
		}
		chunks = append(chunks, newEventChunk(len(chunks), base, start, end))
		if !end.Before(to) {
			break
		}
		start = end
	}
	return chunks
}

func newEventChunk(i int, base remote.Params, from, to time.Time) *Chunk {
	params := base
	params.From, params.To = from, to
	return &Chunk{
		ID:     fmt.Sprintf("%s..%s", from.Format(remote.DateLayout), to.Format(remote.DateLayout)),
		Index:  i,
		Params: params,
		State:  ChunkPending,
	}
}

func (p *Planner) planProfiles(req Request) []*Chunk {
	if !req.Parallel || len(req.Partitions) == 0 {
		return []*Chunk{{
			ID:     "profiles",
			Params: remote.Params{Kind: record.KindProfiles, Where: req.Where},
			State:  ChunkPending,
		}}
	}

	chunks := make([]*Chunk, 0, len(req.Partitions))
	for i, part := range req.Partitions {
		chunks = append(chunks, &Chunk{
			ID:     fmt.Sprintf("profiles-%03d", i),
			Index:  i,
			Params: remote.Params{Kind: record.KindProfiles, Where: andWhere(req.Where, part)},
			State:  ChunkPending,
		})
	}
	return chunks
}

func andWhere(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return "(" + a + ") and (" + b + ")"
	}
}
