package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// RecentMetric returns key from the most recently started run of kind.
// A missing row, a NULL value, or a value that is not numeric yields an
// invalid NullDecimal and no error.
func (j *SQLite) RecentMetric(ctx context.Context, kind, key string) (decimal.NullDecimal, error) {
	var raw any
	err := j.db.QueryRowContext(ctx, `
		SELECT m.value
		FROM metrics m
		JOIN runs r ON r.id = m.run_id
		WHERE r.kind = ? AND m.key = ?
		ORDER BY COALESCE(r.started_utc, '') DESC
		LIMIT 1`, kind, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.NullDecimal{}, nil
		}
		return decimal.NullDecimal{}, err
	}
	return toDecimal(raw), nil
}

func toDecimal(raw any) decimal.NullDecimal {
	switch v := raw.(type) {
	case float64:
		return decimal.NewNullDecimal(decimal.NewFromFloat(v))
	case int64:
		return decimal.NewNullDecimal(decimal.NewFromInt(v))
	case []byte:
		return toDecimal(string(v))
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			// sqlite may hand back text such as "1e-3" that decimal rejects
			f, ferr := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if ferr != nil {
				return decimal.NullDecimal{}
			}
			d = decimal.NewFromFloat(f)
		}
		return decimal.NewNullDecimal(d)
	default:
		return decimal.NullDecimal{}
	}
}

// GetRun returns a single run by ID.
func (j *SQLite) GetRun(ctx context.Context, id string) (Run, error) {
	var (
		r                                  Run
		kind, started, finished, status, w sql.NullString
	)
	err := j.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, kind, started_utc, finished_utc, status, data_window
		FROM runs
		WHERE id = ?`, id).Scan(&r.ID, &r.ExperimentID, &kind, &started, &finished, &status, &w)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("run %q not found", id)
		}
		return Run{}, err
	}
	r.Kind = kind.String
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	r.Status = status.String
	r.DataWindow = w.String
	return r, nil
}

const incidentColumns = `id, run_id, severity, description, log_excerpt_path, created_utc`

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(s scanner) (IncidentRecord, error) {
	var (
		rec                             IncidentRecord
		runID, sev, desc, excerpt, crtd sql.NullString
	)
	if err := s.Scan(&rec.ID, &runID, &sev, &desc, &excerpt, &crtd); err != nil {
		return IncidentRecord{}, err
	}
	rec.RunID = runID.String
	rec.Severity = sev.String
	rec.Description = desc.String
	rec.LogExcerptPath = excerpt.String
	rec.CreatedAt = parseTime(crtd)
	return rec, nil
}

// GetIncident returns a single incident by ID.
func (j *SQLite) GetIncident(ctx context.Context, id string) (IncidentRecord, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	rec, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IncidentRecord{}, fmt.Errorf("incident %q not found", id)
		}
		return IncidentRecord{}, err
	}
	return rec, nil
}

// ListIncidents returns incidents newest first.
func (j *SQLite) ListIncidents(ctx context.Context, f IncidentFilter) ([]IncidentRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, NormalizeSeverity(f.Severity))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_utc >= ?")
		args = append(args, formatTime(f.Since))
	}

	q := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_utc DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IncidentRecord
	for rows.Next() {
		rec, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// isMissingTable reports whether err comes from a database that predates
// the schema.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
