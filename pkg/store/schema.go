package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Sternrassler/quota-fetch/pkg/record"
)

const (
	metadataTable = "_fetch_metadata"
	leaseTable    = "_fetch_leases"
	stagingPrefix = "_staging_"
	timeLayout    = "2006-01-02T15:04:05.000Z"
	dateLayout    = "2006-01-02"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

// ValidateTableName rejects names that are not plain identifiers or that
// collide with internal tables.
func ValidateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, stagingPrefix) || lower == metadataTable || lower == leaseTable ||
		strings.HasPrefix(lower, "sqlite_") || strings.HasPrefix(lower, "goose_") {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidTableName, name)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createTableSQL(kind record.Kind, name string) (string, error) {
	switch kind {
	case record.KindEvents:
		return fmt.Sprintf(`CREATE TABLE %s (
	insert_id   TEXT PRIMARY KEY,
	event_name  TEXT NOT NULL,
	event_time  TIMESTAMP,
	distinct_id TEXT,
	properties  TEXT NOT NULL
)`, quoteIdent(name)), nil
	case record.KindProfiles:
		return fmt.Sprintf(`CREATE TABLE %s (
	distinct_id TEXT PRIMARY KEY,
	last_seen   TIMESTAMP,
	properties  TEXT NOT NULL
)`, quoteIdent(name)), nil
	default:
		return "", fmt.Errorf("unsupported entity kind %q", kind)
	}
}

// insertSQL ignores rows whose primary key is already present, so the
// returned RowsAffected counts only new rows.
func insertSQL(kind record.Kind, name string) string {
	if kind == record.KindProfiles {
		return fmt.Sprintf(`INSERT OR IGNORE INTO %s (distinct_id, last_seen, properties) VALUES (?, ?, ?)`, quoteIdent(name))
	}
	return fmt.Sprintf(`INSERT OR IGNORE INTO %s (insert_id, event_name, event_time, distinct_id, properties) VALUES (?, ?, ?, ?, ?)`, quoteIdent(name))
}

func insertArgs(kind record.Kind, r record.Record) ([]any, error) {
	props, err := json.Marshal(r.Properties)
	if err != nil {
		return nil, fmt.Errorf("encode properties for %q: %w", r.Key, err)
	}
	var ts any
	if !r.Time.IsZero() {
		ts = r.Time.UTC().Format(timeLayout)
	}
	if kind == record.KindProfiles {
		return []any{r.Key, ts, string(props)}, nil
	}
	return []any{r.Key, r.Name, ts, nullString(r.DistinctID), string(props)}, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(dateLayout)
}
