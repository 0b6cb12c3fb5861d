//go:build integration

package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/quota-fetch/internal/testutil"
	"github.com/Sternrassler/quota-fetch/pkg/quota"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		container.Terminate(ctx)
	})
	return client
}

// Two orchestrators with their own trackers stand in for two processes
// drawing from one account.
func TestRun_Integration_SharedRedisBudget(t *testing.T) {
	client := setupRedis(t)
	fc := testutil.NewFakeClock(t0)
	data := testutil.NewDataset(t0, 6, 2)
	api := testutil.NewFakeAPI(data.Handler())

	newOrchestrator := func() *Orchestrator {
		tracker, err := quota.NewTracker(quota.Config{
			Limits:  map[quota.Class]quota.Limits{quota.ClassExport: {HourlyLimit: 6, MaxConcurrent: 2}},
			MaxWait: 2 * time.Hour,
			Ledger:  quota.NewRedisLedger(client, "qfetch-it"),
			Clock:   fc,
			Rand:    func() float64 { return 0.5 },
		}, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewTracker() error = %v", err)
		}
		cfg := testConfig(fc)
		cfg.Planner = &Planner{ChunkDays: 1}
		return NewOrchestrator(openStore(t), api, tracker, cfg, zerolog.Nop())
	}

	a := goRun(context.Background(), newOrchestrator(), eventsRequest("events", 0, 5), nil)
	b := goRun(context.Background(), newOrchestrator(), eventsRequest("events", 0, 5), nil)

	waitFor(t, "the shared budget to run out", func() bool {
		return api.TotalCalls() == 6 && fc.Waiters() >= 1
	})
	time.Sleep(50 * time.Millisecond)
	if n := api.TotalCalls(); n != 6 {
		t.Fatalf("calls within the window = %d, want 6", n)
	}

	fc.Advance(time.Hour)

	for _, ch := range []<-chan runResult{a, b} {
		res, err := awaitRun(t, ch)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Status != StatusComplete || res.Rows != 12 {
			t.Errorf("status = %s, rows = %d", res.Status, res.Rows)
		}
	}
	if api.TotalCalls() != 10 {
		t.Errorf("calls = %d, want 10", api.TotalCalls())
	}
}
