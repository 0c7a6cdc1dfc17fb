package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "registry", "test.sqlite")

	j, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	return j, path
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	assert.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('runs','metrics','incidents')`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		assert.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	assert.NoError(t, rows.Err())

	assert.True(t, found["runs"])
	assert.True(t, found["metrics"])
	assert.True(t, found["incidents"])
}

func TestSQLiteSchemaIsIdempotent(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	require.NoError(t, j.RecordRun(context.Background(), Run{ID: "r1", ExperimentID: "e1", Kind: "backtest"}))
	require.NoError(t, j.Close())

	j2, err := NewSQLite(path)
	require.NoError(t, err)
	defer j2.Close()

	r, err := j2.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "backtest", r.Kind)
}

func TestSQLiteRunLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	start := time.Date(2025, 8, 17, 10, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordRun(ctx, Run{
		ID:           "run-1",
		ExperimentID: "exp-1",
		Kind:         "backtest",
		StartedAt:    start,
		DataWindow:   "2024-01-01..2024-06-30",
	}))

	r, err := j.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, r.Status)
	assert.True(t, r.StartedAt.Equal(start))
	assert.True(t, r.FinishedAt.IsZero())
	assert.Equal(t, "2024-01-01..2024-06-30", r.DataWindow)

	done := start.Add(5 * time.Minute)
	require.NoError(t, j.FinishRun(ctx, "run-1", StatusSucceeded, done))

	r, err = j.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.True(t, r.FinishedAt.Equal(done))

	assert.Error(t, j.FinishRun(ctx, "missing", StatusFailed, done))
	_, err = j.GetRun(ctx, "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestSQLiteRecentMetric(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	got, err := j.RecentMetric(ctx, "backtest", MetricMaxDrawdown)
	require.NoError(t, err)
	assert.False(t, got.Valid, "no rows yet")

	runs := []struct {
		id    string
		kind  string
		start time.Time
		dd    string
	}{
		{"old", "backtest", base, "0.10"},
		{"newest", "backtest", base.Add(48 * time.Hour), "0.25"},
		{"middle", "backtest", base.Add(24 * time.Hour), "0.05"},
		{"hyper", "hyperopt", base.Add(72 * time.Hour), "0.90"},
	}
	for _, r := range runs {
		require.NoError(t, j.RecordRun(ctx, Run{ID: r.id, ExperimentID: "e", Kind: r.kind, StartedAt: r.start}))
		require.NoError(t, j.RecordMetric(ctx, MetricRecord{RunID: r.id, Key: MetricMaxDrawdown, Value: decimal.RequireFromString(r.dd)}))
	}

	got, err = j.RecentMetric(ctx, "backtest", MetricMaxDrawdown)
	require.NoError(t, err)
	require.True(t, got.Valid)
	assert.True(t, got.Decimal.Equal(decimal.RequireFromString("0.25")), got.Decimal.String())

	got, err = j.RecentMetric(ctx, "backtest", "sharpe")
	require.NoError(t, err)
	assert.False(t, got.Valid)
}

func TestSQLiteRecentMetricNullAndText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, path := newTestSQLite(t)
	require.NoError(t, j.RecordRun(ctx, Run{ID: "r", ExperimentID: "e", Kind: "backtest", StartedAt: time.Now()}))

	// rows written by other tools may carry NULL or text
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO metrics (run_id, key, value) VALUES ('r', ?, NULL)`, MetricMaxDrawdown)
	require.NoError(t, err)
	got, err := j.RecentMetric(ctx, "backtest", MetricMaxDrawdown)
	require.NoError(t, err)
	assert.False(t, got.Valid)

	_, err = db.Exec(`UPDATE metrics SET value = 'n/a' WHERE run_id = 'r'`)
	require.NoError(t, err)
	got, err = j.RecentMetric(ctx, "backtest", MetricMaxDrawdown)
	require.NoError(t, err)
	assert.False(t, got.Valid)
}

func TestSQLiteMetricsAreAppendOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	m := MetricRecord{RunID: "r", Key: "k", Value: decimal.NewFromInt(1)}
	require.NoError(t, j.RecordMetric(ctx, m))
	assert.Error(t, j.RecordMetric(ctx, m))
}

func TestSQLiteIncidents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	base := time.Date(2025, 8, 17, 10, 0, 0, 0, time.UTC)

	recs := []IncidentRecord{
		{ID: "incident_1_1_a", RunID: "run-1", Severity: "error", Description: "engine crashed", CreatedAt: base},
		{ID: "incident_2_1_b", Severity: "info", Description: "odd", CreatedAt: base.Add(time.Minute)},
		{ID: "incident_3_1_c", RunID: "run-1", Severity: "CRITICAL", Description: "limit breach", LogExcerptPath: "/tmp/x.log", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range recs {
		require.NoError(t, j.RecordIncident(ctx, rec))
	}

	got, err := j.GetIncident(ctx, "incident_2_1_b")
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, got.Severity, "unknown severities are stored as warning")
	assert.Empty(t, got.RunID)
	assert.True(t, got.CreatedAt.Equal(base.Add(time.Minute)))

	_, err = j.GetIncident(ctx, "nope")
	assert.ErrorContains(t, err, "not found")

	all, err := j.ListIncidents(ctx, IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "incident_3_1_c", all[0].ID, "newest first")
	assert.Equal(t, SeverityCritical, all[0].Severity)
	assert.Equal(t, "/tmp/x.log", all[0].LogExcerptPath)

	byRun, err := j.ListIncidents(ctx, IncidentFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	bySev, err := j.ListIncidents(ctx, IncidentFilter{Severity: "error"})
	require.NoError(t, err)
	require.Len(t, bySev, 1)
	assert.Equal(t, "incident_1_1_a", bySev[0].ID)

	since, err := j.ListIncidents(ctx, IncidentFilter{Since: base.Add(30 * time.Second), Limit: 1})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "incident_3_1_c", since[0].ID)

	// ids are unique
	assert.ErrorIs(t, j.RecordIncident(ctx, recs[0]), ErrDuplicate)
}

func TestNormalizeSeverity(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"warning":   SeverityWarning,
		"ERROR":     SeverityError,
		" critical": SeverityCritical,
		"info":      SeverityWarning,
		"":          SeverityWarning,
		"fatal":     SeverityWarning,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeSeverity(in), in)
	}
}

func TestSQLitePathWithURICharacters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "odd?dir#1", "registry 100%.sqlite")
	j, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordRun(ctx, Run{ID: "r1", ExperimentID: "e", StartedAt: time.Unix(1, 0)}))
	require.NoError(t, j.Close())

	_, err = os.Stat(path)
	require.NoError(t, err, "database must live at the exact path given")

	o := &OnDemand{Path: path}
	require.NoError(t, o.RecordIncident(ctx, IncidentRecord{ID: "i1", Severity: SeverityError, Description: "d", CreatedAt: time.Unix(2, 0)}))
	rec, err := o.GetIncident(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "d", rec.Description)
}

func TestRecordMetricDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	require.NoError(t, j.RecordRun(ctx, Run{ID: "r1", ExperimentID: "e", StartedAt: time.Unix(1, 0)}))
	m := MetricRecord{RunID: "r1", Key: MetricMaxDrawdown, Value: decimal.RequireFromString("0.1")}
	require.NoError(t, j.RecordMetric(ctx, m))
	assert.ErrorIs(t, j.RecordMetric(ctx, m), ErrDuplicate)
}
