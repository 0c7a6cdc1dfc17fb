package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// timeLayout has fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s.String); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// dsn builds a SQLite URI for path. Each path segment is escaped so a
// filename holding '?', '#' or '%' is not read as URI syntax.
func dsn(path, mode string) string {
	segs := strings.Split(filepath.ToSlash(path), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "file:" + strings.Join(segs, "/") + "?mode=" + mode
}

// duplicate maps a primary key or unique violation to ErrDuplicate.
func duplicate(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

type SQLite struct {
	db *sql.DB
}

var _ Journal = (*SQLite)(nil)

// NewSQLite opens or creates the database at path and ensures the schema.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", dsn(path, "rwc"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// openReadOnly opens an existing database without creating it or its schema.
func openReadOnly(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(path, "ro"))
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordRun(ctx context.Context, r Run) error {
	status := r.Status
	if status == "" {
		status = StatusRunning
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, experiment_id, kind, started_utc, finished_utc, status, data_window)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ExperimentID, nullable(r.Kind), formatTime(r.StartedAt),
		formatTime(r.FinishedAt), status, nullable(r.DataWindow),
	)
	return duplicate(err)
}

func (j *SQLite) FinishRun(ctx context.Context, id, status string, finished time.Time) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_utc = ? WHERE id = ?`,
		status, formatTime(finished), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %q not found", id)
	}
	return nil
}

// RecordMetric appends a metric. Metrics are not overwritten; a second
// value for the same run and key is rejected by the primary key.
func (j *SQLite) RecordMetric(ctx context.Context, m MetricRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO metrics (run_id, key, value) VALUES (?, ?, ?)`,
		m.RunID, m.Key, m.Value.InexactFloat64(),
	)
	return duplicate(err)
}

func (j *SQLite) RecordIncident(ctx context.Context, rec IncidentRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO incidents
		(id, run_id, severity, description, log_excerpt_path, created_utc)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, nullable(rec.RunID), NormalizeSeverity(rec.Severity),
		rec.Description, nullable(rec.LogExcerptPath), formatTime(rec.CreatedAt),
	)
	return duplicate(err)
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
