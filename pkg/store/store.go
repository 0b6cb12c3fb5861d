// Package store implements the local analytical store on embedded SQLite.
//
// Fetched rows are written into a staging table that readers never see,
// then promoted to the caller-visible name in the same transaction that
// records the table's fetch metadata. A visible table therefore always has
// a metadata row whose row_count matches its physical row count.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/Sternrassler/quota-fetch/pkg/record"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const driver = "sqlite"

// goose keeps its base FS and dialect in package state.
var migrateMu sync.Mutex

var (
	// ErrTableExists is returned when the destination name is already taken.
	ErrTableExists = errors.New("table already exists")

	// ErrTableNotFound is returned when a named table does not exist.
	ErrTableNotFound = errors.New("table not found")

	// ErrInvalidTableName is returned for names that are not plain identifiers.
	ErrInvalidTableName = errors.New("invalid table name")

	// ErrStagingClosed is returned when a promoted or aborted staging handle is reused.
	ErrStagingClosed = errors.New("staging table already finalized")
)

// Metadata describes a promoted table.
type Metadata struct {
	Table     string
	Kind      record.Kind
	From      time.Time
	To        time.Time
	Filter    string
	Events    []string
	RowCount  int64
	FetchedAt time.Time
	Partial   bool
	FetchID   string
}

// Staging is a not-yet-visible destination table.
type Staging struct {
	Name string
	Kind record.Kind

	done bool
}

// DefaultLeaseTTL is how long a staging table may go without a heartbeat
// from its owner before PruneStaging treats it as orphaned.
const DefaultLeaseTTL = 2 * time.Minute

// Store is the SQLite-backed local store.
type Store struct {
	db       *sql.DB
	logger   zerolog.Logger
	leaseTTL time.Duration

	mu     sync.Mutex
	leases map[string]chan struct{}
	wg     sync.WaitGroup
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string, logger zerolog.Logger, openParams ...string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open(driver, sqliteDSN(path, openParams...))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:       db,
		logger:   logger,
		leaseTTL: DefaultLeaseTTL,
		leases:   make(map[string]chan struct{}),
	}, nil
}

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(driver); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func sqliteDSN(path string, openParams ...string) string {
	values := url.Values{}
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	values.Add("_pragma", "temp_store(MEMORY)")

	for _, param := range openParams {
		part := strings.TrimSpace(strings.TrimPrefix(param, "&"))
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		values.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	return fmt.Sprintf("file:%s?%s", path, values.Encode())
}

// DB returns the underlying handle for read-only queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close stops lease renewal for open staging tables and closes the
// database. Their leases are left to expire.
func (s *Store) Close() error {
	s.mu.Lock()
	for name, stop := range s.leases {
		close(stop)
		delete(s.leases, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}

// TableExists reports whether a table called name exists.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	return tableExists(ctx, s.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableExists(ctx context.Context, q queryer, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %q: %w", name, err)
	}
	return n > 0, nil
}

// CreateStaging creates an empty staging table for kind.
func (s *Store) CreateStaging(ctx context.Context, kind record.Kind) (*Staging, error) {
	name := stagingPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	ddl, err := createTableSQL(kind, name)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create staging: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create staging table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO _fetch_leases (name, heartbeat_at) VALUES (?, ?)`,
		name, time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("write staging lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create staging: %w", err)
	}
	s.hold(name)

	s.logger.Debug().Str("staging", name).Str("kind", string(kind)).Msg("Staging table created")
	return &Staging{Name: name, Kind: kind}, nil
}

// hold renews the lease on a staging table until release or Close.
func (s *Store) hold(name string) {
	stop := make(chan struct{})
	s.mu.Lock()
	s.leases[name] = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.leaseTTL / 4)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, err := s.db.Exec(`UPDATE _fetch_leases SET heartbeat_at = ? WHERE name = ?`, time.Now().UnixMilli(), name)
				if err != nil {
					s.logger.Warn().Err(err).Str("staging", name).Msg("Failed to renew staging lease")
				}
			}
		}
	}()
}

func (s *Store) release(name string) {
	s.mu.Lock()
	stop, ok := s.leases[name]
	delete(s.leases, name)
	s.mu.Unlock()
	if ok {
		close(stop)
	}
}

// AppendBatch writes records into the staging table in one transaction.
// Records whose identity key is already present are skipped. It returns
// the number of rows actually inserted.
func (s *Store) AppendBatch(ctx context.Context, h *Staging, records []record.Record) (int, error) {
	if h.done {
		return 0, ErrStagingClosed
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSQL(h.Kind, h.Name))
	if err != nil {
		return 0, fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range records {
		args, err := insertArgs(h.Kind, r)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, fmt.Errorf("insert %q: %w", r.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return inserted, nil
}

// Promote renames the staging table to name and records its metadata in a
// single transaction. RowCount is taken from the table itself; the value in
// meta is ignored. The returned Metadata is what was persisted.
func (s *Store) Promote(ctx context.Context, h *Staging, name string, meta Metadata) (Metadata, error) {
	if h.done {
		return Metadata{}, ErrStagingClosed
	}
	if err := ValidateTableName(name); err != nil {
		return Metadata{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("begin promote: %w", err)
	}
	defer tx.Rollback()

	exists, err := tableExists(ctx, tx, name)
	if err != nil {
		return Metadata{}, err
	}
	if exists {
		return Metadata{}, fmt.Errorf("%w: %s", ErrTableExists, name)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, quoteIdent(h.Name), quoteIdent(name))); err != nil {
		return Metadata{}, fmt.Errorf("rename staging table: %w", err)
	}

	var count int64
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(name))).Scan(&count); err != nil {
		return Metadata{}, fmt.Errorf("count rows: %w", err)
	}

	meta.Table = name
	meta.Kind = h.Kind
	meta.RowCount = count
	if meta.FetchedAt.IsZero() {
		meta.FetchedAt = time.Now().UTC()
	}
	events, err := json.Marshal(meta.Events)
	if err != nil {
		return Metadata{}, fmt.Errorf("encode events: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO _fetch_metadata
		(table_name, kind, from_date, to_date, filter, events, row_count, fetched_at, partial, fetch_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.Table, string(meta.Kind), formatDate(meta.From), formatDate(meta.To), meta.Filter,
		string(events), meta.RowCount, meta.FetchedAt.UTC().Format(time.RFC3339Nano), meta.Partial, meta.FetchID)
	if err != nil {
		return Metadata{}, fmt.Errorf("write metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _fetch_leases WHERE name = ?`, h.Name); err != nil {
		return Metadata{}, fmt.Errorf("delete staging lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Metadata{}, fmt.Errorf("commit promote: %w", err)
	}
	h.done = true
	s.release(h.Name)

	s.logger.Info().
		Str("table", name).
		Str("staging", h.Name).
		Int64("rows", count).
		Bool("partial", meta.Partial).
		Msg("Table promoted")
	return meta, nil
}

// Abort drops the staging table. Aborting a finalized handle is a no-op.
func (s *Store) Abort(ctx context.Context, h *Staging) error {
	if h.done {
		return nil
	}
	if err := s.dropStaging(ctx, h.Name); err != nil {
		return err
	}
	h.done = true
	s.release(h.Name)
	s.logger.Debug().Str("staging", h.Name).Msg("Staging table dropped")
	return nil
}

// DropTable removes a promoted table and its metadata.
func (s *Store) DropTable(ctx context.Context, name string) error {
	if err := ValidateTableName(name); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin drop: %w", err)
	}
	defer tx.Rollback()

	exists, err := tableExists(ctx, tx, name)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM _fetch_metadata WHERE table_name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	n, _ := res.RowsAffected()
	if !exists && n == 0 {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(name))); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit drop: %w", err)
	}
	s.logger.Info().Str("table", name).Msg("Table dropped")
	return nil
}

// RowCount returns the number of rows physically present in name.
func (s *Store) RowCount(ctx context.Context, name string) (int64, error) {
	exists, err := s.TableExists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(name))).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

const metadataColumns = `table_name, kind, from_date, to_date, filter, events, row_count, fetched_at, partial, fetch_id`

// Metadata returns the fetch metadata recorded for name.
func (s *Store) Metadata(ctx context.Context, name string) (Metadata, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM _fetch_metadata WHERE table_name = ?`, name)
	m, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return m, err
}

// ListMetadata returns the metadata of every promoted table, by name.
func (s *Store) ListMetadata(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+metadataColumns+` FROM _fetch_metadata ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	return out, nil
}

// StagingTables lists the staging tables currently in the database, live
// or orphaned.
func (s *Store) StagingTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE '\_staging\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list staging tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan staging table: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PruneStaging drops staging tables whose lease has not been renewed
// within the lease TTL, i.e. tables left behind by a process that died
// mid-fetch. Staging tables of live fetches, in this process or another one
// sharing the database file, are kept. It returns the number of tables
// dropped.
func (s *Store) PruneStaging(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.leaseTTL).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT m.name FROM sqlite_master m
		LEFT JOIN _fetch_leases l ON l.name = m.name
		WHERE m.type = 'table' AND m.name LIKE '\_staging\_%' ESCAPE '\'
		AND (l.heartbeat_at IS NULL OR l.heartbeat_at < ?)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list staging tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan staging table: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list staging tables: %w", err)
	}

	for _, name := range names {
		if err := s.dropStaging(ctx, name); err != nil {
			return 0, err
		}
		s.logger.Warn().Str("staging", name).Msg("Dropped orphaned staging table")
	}
	return len(names), nil
}

func (s *Store) dropStaging(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin drop staging: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(name))); err != nil {
		return fmt.Errorf("drop staging table %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _fetch_leases WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete staging lease %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit drop staging: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row scanner) (Metadata, error) {
	var (
		m         Metadata
		kind      string
		from, to  sql.NullString
		events    string
		fetchedAt string
	)
	if err := row.Scan(&m.Table, &kind, &from, &to, &m.Filter, &events, &m.RowCount, &fetchedAt, &m.Partial, &m.FetchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Metadata{}, err
		}
		return Metadata{}, fmt.Errorf("scan metadata: %w", err)
	}
	m.Kind = record.Kind(kind)
	if from.Valid {
		m.From, _ = time.Parse(dateLayout, from.String)
	}
	if to.Valid {
		m.To, _ = time.Parse(dateLayout, to.String)
	}
	if err := json.Unmarshal([]byte(events), &m.Events); err != nil {
		return Metadata{}, fmt.Errorf("decode events: %w", err)
	}
	m.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetchedAt)
	return m, nil
}
