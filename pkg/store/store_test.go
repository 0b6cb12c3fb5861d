package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/quota-fetch/pkg/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func events(keys ...string) []record.Record {
	out := make([]record.Record, 0, len(keys))
	for i, k := range keys {
		out = append(out, record.NewEvent("Signup", map[string]any{
			record.PropInsertID:   k,
			record.PropDistinctID: fmt.Sprintf("u%d", i),
			record.PropTime:       float64(1704067200 + i),
		}))
	}
	return out
}

func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"events_2024", false},
		{"Profiles", false},
		{"_private", false},
		{"", true},
		{"1events", true},
		{"drop table;", true},
		{`quo"te`, true},
		{"_staging_abc", true},
		{"_fetch_metadata", true},
		{"_fetch_leases", true},
		{"sqlite_master", true},
		{"goose_db_version", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTableName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTableName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTableName) {
				t.Errorf("error = %v, want ErrInvalidTableName", err)
			}
		})
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Close()

	s, err = Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer s.Close()

	if ok, err := s.TableExists(context.Background(), metadataTable); err != nil || !ok {
		t.Errorf("metadata table exists = %v, %v", ok, err)
	}
}

func TestStagingInvisibleUntilPromote(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.CreateStaging(ctx, record.KindEvents)
	if err != nil {
		t.Fatalf("CreateStaging() error = %v", err)
	}
	if _, err := s.AppendBatch(ctx, h, events("a", "b", "c")); err != nil {
		t.Fatalf("AppendBatch() error = %v", err)
	}

	if ok, _ := s.TableExists(ctx, "signups"); ok {
		t.Fatal("destination visible before promote")
	}
	if _, err := s.Metadata(ctx, "signups"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("Metadata() error = %v, want ErrTableNotFound", err)
	}

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	meta, err := s.Promote(ctx, h, "signups", Metadata{
		From:     from,
		To:       to,
		Filter:   `properties["plan"] == "pro"`,
		Events:   []string{"Signup"},
		RowCount: 999,
		FetchID:  "fetch-1",
	})
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if meta.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3 (counted, not caller-supplied)", meta.RowCount)
	}

	if ok, _ := s.TableExists(ctx, h.Name); ok {
		t.Error("staging table still exists after promote")
	}
	got, err := s.Metadata(ctx, "signups")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if got.Kind != record.KindEvents || got.RowCount != 3 || got.Partial || got.FetchID != "fetch-1" {
		t.Errorf("Metadata() = %+v", got)
	}
	if !got.From.Equal(from) || !got.To.Equal(to) {
		t.Errorf("range = %v..%v", got.From, got.To)
	}
	if len(got.Events) != 1 || got.Events[0] != "Signup" {
		t.Errorf("Events = %v", got.Events)
	}
	if got.FetchedAt.IsZero() {
		t.Error("FetchedAt not recorded")
	}

	n, err := s.RowCount(ctx, "signups")
	if err != nil || n != got.RowCount {
		t.Errorf("RowCount() = %d, %v; metadata says %d", n, err, got.RowCount)
	}
}

func TestAppendBatch_IgnoresDuplicateKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.CreateStaging(ctx, record.KindEvents)
	if err != nil {
		t.Fatalf("CreateStaging() error = %v", err)
	}

	n, err := s.AppendBatch(ctx, h, events("a", "b"))
	if err != nil || n != 2 {
		t.Fatalf("AppendBatch() = %d, %v; want 2", n, err)
	}
	n, err = s.AppendBatch(ctx, h, events("b", "c", "c"))
	if err != nil {
		t.Fatalf("AppendBatch() error = %v", err)
	}
	if n != 1 {
		t.Errorf("inserted = %d, want 1", n)
	}

	meta, err := s.Promote(ctx, h, "dedup", Metadata{})
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if meta.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", meta.RowCount)
	}
}

func TestProfilesSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.CreateStaging(ctx, record.KindProfiles)
	if err != nil {
		t.Fatalf("CreateStaging() error = %v", err)
	}
	profiles := []record.Record{
		record.NewProfile("u1", map[string]any{record.PropLastSeen: "2024-01-02T10:00:00"}),
		record.NewProfile("u2", nil),
		record.NewProfile("u1", map[string]any{"plan": "free"}),
	}
	n, err := s.AppendBatch(ctx, h, profiles)
	if err != nil {
		t.Fatalf("AppendBatch() error = %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	meta, err := s.Promote(ctx, h, "users", Metadata{Filter: "plan"})
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if meta.Kind != record.KindProfiles || meta.RowCount != 2 {
		t.Errorf("meta = %+v", meta)
	}

	got, err := s.Metadata(ctx, "users")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if !got.From.IsZero() || !got.To.IsZero() {
		t.Errorf("profile range = %v..%v, want zero", got.From, got.To)
	}
}

func TestPromote_ExistingTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, _ := s.CreateStaging(ctx, record.KindEvents)
	if _, err := s.Promote(ctx, first, "taken", Metadata{}); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}

	second, _ := s.CreateStaging(ctx, record.KindEvents)
	s.AppendBatch(ctx, second, events("x"))
	if _, err := s.Promote(ctx, second, "taken", Metadata{}); !errors.Is(err, ErrTableExists) {
		t.Fatalf("Promote() error = %v, want ErrTableExists", err)
	}

	// A failed promote leaves the staging table for Abort.
	if ok, _ := s.TableExists(ctx, second.Name); !ok {
		t.Error("staging table vanished after failed promote")
	}
	if err := s.Abort(ctx, second); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if ok, _ := s.TableExists(ctx, second.Name); ok {
		t.Error("staging table survived Abort")
	}
	if n, _ := s.RowCount(ctx, "taken"); n != 0 {
		t.Errorf("existing table modified: %d rows", n)
	}
}

func TestStagingHandleFinalizedOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, _ := s.CreateStaging(ctx, record.KindEvents)
	if _, err := s.Promote(ctx, h, "once", Metadata{}); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}

	if _, err := s.AppendBatch(ctx, h, events("late")); !errors.Is(err, ErrStagingClosed) {
		t.Errorf("AppendBatch() after promote error = %v", err)
	}
	if _, err := s.Promote(ctx, h, "twice", Metadata{}); !errors.Is(err, ErrStagingClosed) {
		t.Errorf("second Promote() error = %v", err)
	}
	if err := s.Abort(ctx, h); err != nil {
		t.Errorf("Abort() after promote error = %v", err)
	}
	if ok, _ := s.TableExists(ctx, "once"); !ok {
		t.Error("Abort() after promote removed the promoted table")
	}
}

func TestDropTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, _ := s.CreateStaging(ctx, record.KindEvents)
	s.AppendBatch(ctx, h, events("a"))
	if _, err := s.Promote(ctx, h, "old", Metadata{Partial: true}); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}

	if err := s.DropTable(ctx, "old"); err != nil {
		t.Fatalf("DropTable() error = %v", err)
	}
	if ok, _ := s.TableExists(ctx, "old"); ok {
		t.Error("table survived DropTable")
	}
	if _, err := s.Metadata(ctx, "old"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("Metadata() error = %v, want ErrTableNotFound", err)
	}
	if err := s.DropTable(ctx, "old"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("second DropTable() error = %v, want ErrTableNotFound", err)
	}

	// The name is free again.
	h, _ = s.CreateStaging(ctx, record.KindEvents)
	if _, err := s.Promote(ctx, h, "old", Metadata{}); err != nil {
		t.Errorf("Promote() after drop error = %v", err)
	}
}

func TestListMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"b_table", "a_table"} {
		h, _ := s.CreateStaging(ctx, record.KindEvents)
		if _, err := s.Promote(ctx, h, name, Metadata{Partial: name == "b_table"}); err != nil {
			t.Fatalf("Promote(%s) error = %v", name, err)
		}
	}

	list, err := s.ListMetadata(ctx)
	if err != nil {
		t.Fatalf("ListMetadata() error = %v", err)
	}
	if len(list) != 2 || list[0].Table != "a_table" || list[1].Table != "b_table" {
		t.Fatalf("ListMetadata() = %+v", list)
	}
	if list[0].Partial || !list[1].Partial {
		t.Errorf("partial flags = %v, %v", list[0].Partial, list[1].Partial)
	}
}

// expireLease makes a staging table look like it belongs to a process that
// stopped renewing it long ago.
func expireLease(t *testing.T, s *Store, name string) {
	t.Helper()
	s.release(name)
	if _, err := s.db.Exec(`UPDATE _fetch_leases SET heartbeat_at = 0 WHERE name = ?`, name); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
}

func TestPruneStaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		h, err := s.CreateStaging(ctx, record.KindEvents)
		if err != nil {
			t.Fatalf("CreateStaging() error = %v", err)
		}
		expireLease(t, s, h.Name)
	}
	live, err := s.CreateStaging(ctx, record.KindEvents)
	if err != nil {
		t.Fatalf("CreateStaging() error = %v", err)
	}
	kept, _ := s.CreateStaging(ctx, record.KindEvents)
	if _, err := s.Promote(ctx, kept, "kept", Metadata{}); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}

	n, err := s.PruneStaging(ctx)
	if err != nil {
		t.Fatalf("PruneStaging() error = %v", err)
	}
	if n != 2 {
		t.Errorf("PruneStaging() = %d, want 2", n)
	}
	if ok, _ := s.TableExists(ctx, "kept"); !ok {
		t.Error("PruneStaging() removed a promoted table")
	}
	if ok, _ := s.TableExists(ctx, live.Name); !ok {
		t.Error("PruneStaging() removed a staging table with a live lease")
	}
	if n, _ := s.PruneStaging(ctx); n != 0 {
		t.Errorf("second PruneStaging() = %d, want 0", n)
	}

	var leases int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM _fetch_leases`).Scan(&leases); err != nil {
		t.Fatalf("count leases: %v", err)
	}
	if leases != 1 {
		t.Errorf("leases = %d, want 1 (the live staging table)", leases)
	}
}

func TestPruneStaging_SharedDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	first, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	second, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer second.Close()

	h, err := first.CreateStaging(ctx, record.KindEvents)
	if err != nil {
		t.Fatalf("CreateStaging() error = %v", err)
	}

	if n, err := second.PruneStaging(ctx); err != nil || n != 0 {
		t.Fatalf("PruneStaging() from another store = %d, %v, want 0", n, err)
	}
	if _, err := first.AppendBatch(ctx, h, events("a", "b")); err != nil {
		t.Fatalf("AppendBatch() after foreign prune error = %v", err)
	}

	// The owner goes away without finalizing; once its lease lapses the
	// table is an orphan.
	first.Close()
	if _, err := second.db.Exec(`UPDATE _fetch_leases SET heartbeat_at = 0 WHERE name = ?`, h.Name); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	if n, err := second.PruneStaging(ctx); err != nil || n != 1 {
		t.Errorf("PruneStaging() after owner exit = %d, %v, want 1", n, err)
	}
}

func TestStagingLeaseRenewed(t *testing.T) {
	s := openTestStore(t)
	s.leaseTTL = 200 * time.Millisecond
	ctx := context.Background()

	h, err := s.CreateStaging(ctx, record.KindProfiles)
	if err != nil {
		t.Fatalf("CreateStaging() error = %v", err)
	}
	time.Sleep(3 * s.leaseTTL)

	if n, _ := s.PruneStaging(ctx); n != 0 {
		t.Fatalf("PruneStaging() = %d, want 0 while the lease is renewed", n)
	}

	s.release(h.Name)
	time.Sleep(2 * s.leaseTTL)
	if n, _ := s.PruneStaging(ctx); n != 1 {
		t.Errorf("PruneStaging() = %d, want 1 after renewal stopped", n)
	}
}

func TestAbort_RemovesLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, _ := s.CreateStaging(ctx, record.KindEvents)
	if err := s.Abort(ctx, h); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	var leases int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM _fetch_leases`).Scan(&leases); err != nil {
		t.Fatalf("count leases: %v", err)
	}
	if leases != 0 {
		t.Errorf("leases after Abort() = %d, want 0", leases)
	}
	if len(s.leases) != 0 {
		t.Errorf("renewals still running: %d", len(s.leases))
	}
}

func TestRowCount_Missing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.RowCount(context.Background(), "nope"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("RowCount() error = %v, want ErrTableNotFound", err)
	}
}

func TestSqliteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/x.db", "&_txlock=immediate", "junk")
	if !strings.HasPrefix(dsn, "file:/tmp/x.db?") {
		t.Errorf("dsn = %q", dsn)
	}
	for _, part := range []string{"busy_timeout%285000%29", "journal_mode%28WAL%29", "_txlock=immediate"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("dsn %q missing %q", dsn, part)
		}
	}
}
