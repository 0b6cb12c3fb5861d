// Package fetch provides the quota-aware parallel fetch-and-ingest pipeline.
//
// A Request is split into chunks by the Planner. The Orchestrator runs the
// chunks on a worker pool sized to the request's concurrency hint and the
// quota class's in-flight cap. Every remote call goes through the shared
// quota.Tracker. Fetched pages flow over one bounded channel to a single
// Sink, which deduplicates by identity key and writes to a staging table
// that is promoted atomically when the run finishes.
//
// Example usage:
//
//	orch := fetch.NewOrchestrator(st, client, tracker, fetch.DefaultConfig(), logger)
//	res, err := orch.Run(ctx, fetch.Request{
//		Kind:        record.KindEvents,
//		Table:       "signups",
//		From:        from,
//		To:          to,
//		Parallel:    true,
//		Concurrency: 8,
//	}, nil)
//
// The run:
//   - Fails before any remote work if the destination table exists
//   - Retries rate-limited and transient failures per chunk
//   - Fails single chunks on bad requests and quota timeouts
//   - Aborts on auth errors and store write errors (staging is dropped)
//   - Treats ctx cancellation as a request to stop and keep what was fetched
//
// Status is complete, partial (cancelled) or partial_failure (chunks failed).
// Partial tables are flagged in their metadata and are not resumed; drop
// them explicitly before fetching again.
package fetch
