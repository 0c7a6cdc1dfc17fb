package journal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// OnDemand opens the database for each call and closes it afterwards, so
// long lived callers never hold the file. Reads never create a missing
// database: they report no data instead.
type OnDemand struct {
	Path string
}

var _ Journal = (*OnDemand)(nil)

func (o *OnDemand) exists() (bool, error) {
	if o.Path == "" {
		return false, nil
	}
	_, err := os.Stat(o.Path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (o *OnDemand) write(fn func(*SQLite) error) error {
	if o.Path == "" {
		return errors.New("journal database path is not configured")
	}
	j, err := NewSQLite(o.Path)
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(j)
}

// read runs fn against an existing database. ok is false when the file
// or the table fn touches does not exist.
func (o *OnDemand) read(fn func(*SQLite) error) (ok bool, err error) {
	found, err := o.exists()
	if err != nil || !found {
		return false, err
	}
	j, err := openReadOnly(o.Path)
	if err != nil {
		return false, err
	}
	defer j.Close()
	if err := fn(j); err != nil {
		if isMissingTable(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *OnDemand) RecordRun(ctx context.Context, r Run) error {
	return o.write(func(j *SQLite) error { return j.RecordRun(ctx, r) })
}

func (o *OnDemand) FinishRun(ctx context.Context, id, status string, finished time.Time) error {
	return o.write(func(j *SQLite) error { return j.FinishRun(ctx, id, status, finished) })
}

func (o *OnDemand) RecordMetric(ctx context.Context, m MetricRecord) error {
	return o.write(func(j *SQLite) error { return j.RecordMetric(ctx, m) })
}

func (o *OnDemand) RecordIncident(ctx context.Context, rec IncidentRecord) error {
	return o.write(func(j *SQLite) error { return j.RecordIncident(ctx, rec) })
}

func (o *OnDemand) RecentMetric(ctx context.Context, kind, key string) (decimal.NullDecimal, error) {
	var out decimal.NullDecimal
	_, err := o.read(func(j *SQLite) error {
		var err error
		out, err = j.RecentMetric(ctx, kind, key)
		return err
	})
	return out, err
}

func (o *OnDemand) GetRun(ctx context.Context, id string) (Run, error) {
	var out Run
	ok, err := o.read(func(j *SQLite) error {
		var err error
		out, err = j.GetRun(ctx, id)
		return err
	})
	if err == nil && !ok {
		return Run{}, fmt.Errorf("run %q not found", id)
	}
	return out, err
}

func (o *OnDemand) GetIncident(ctx context.Context, id string) (IncidentRecord, error) {
	var out IncidentRecord
	ok, err := o.read(func(j *SQLite) error {
		var err error
		out, err = j.GetIncident(ctx, id)
		return err
	})
	if err == nil && !ok {
		return IncidentRecord{}, fmt.Errorf("incident %q not found", id)
	}
	return out, err
}

func (o *OnDemand) ListIncidents(ctx context.Context, f IncidentFilter) ([]IncidentRecord, error) {
	var out []IncidentRecord
	_, err := o.read(func(j *SQLite) error {
		var err error
		out, err = j.ListIncidents(ctx, f)
		return err
	})
	return out, err
}

// Close is a no-op; connections are closed after each call.
func (o *OnDemand) Close() error { return nil }
