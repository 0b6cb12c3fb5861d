package fetch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/quota-fetch/pkg/clock"
	"github.com/Sternrassler/quota-fetch/pkg/quota"
	"github.com/Sternrassler/quota-fetch/pkg/record"
	"github.com/Sternrassler/quota-fetch/pkg/remote"
	"github.com/Sternrassler/quota-fetch/pkg/store"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// date returns t0 plus i days.
func date(i int) time.Time { return t0.AddDate(0, 0, i) }

func dstr(i int) string { return date(i).Format(remote.DateLayout) }

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fetch.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTracker(t *testing.T, limits quota.Limits, clk clock.Clock, maxWait time.Duration) *quota.Tracker {
	t.Helper()
	tr, err := quota.NewTracker(quota.Config{
		Limits:  map[quota.Class]quota.Limits{quota.ClassExport: limits, quota.ClassQuery: limits},
		MaxWait: maxWait,
		Clock:   clk,
		Rand:    func() float64 { return 0.5 },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	return tr
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		Transient: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		RateLimited: RetryConfig{MaxAttempts: 3},
		Rand:        func() float64 { return 0.5 },
	}
}

func testConfig(clk clock.Clock) Config {
	return Config{
		Retry:        fastPolicy(),
		Sink:         SinkConfig{FlushRows: 7},
		ChannelDepth: 4,
		BatchSize:    3,
		Planner:      NewPlanner(),
		Clock:        clk,
	}
}

// tableKeys returns the identity keys stored in table.
func tableKeys(t *testing.T, st *store.Store, table string, kind record.Kind) map[string]bool {
	t.Helper()
	column := "insert_id"
	if kind == record.KindProfiles {
		column = "distinct_id"
	}
	rows, err := st.DB().QueryContext(context.Background(), fmt.Sprintf(`SELECT %s FROM %q`, column, table))
	if err != nil {
		t.Fatalf("query %s: %v", table, err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if keys[k] {
			t.Errorf("duplicate key %q in %s", k, table)
		}
		keys[k] = true
	}
	return keys
}

// daysKeys returns the dataset keys for the given day indexes.
func daysKeys(d map[string][]record.Record, days ...int) map[string]bool {
	keys := make(map[string]bool)
	for _, i := range days {
		for _, r := range d[dstr(i)] {
			keys[r.Key] = true
		}
	}
	return keys
}

func sameKeys(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// waitFor polls cond in real time.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
