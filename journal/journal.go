// Package journal persists run, metric, and incident records in the
// registry database.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when a record's id or key is already stored.
var ErrDuplicate = errors.New("journal: duplicate record")

// Severity levels recorded for incidents.
const (
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Run statuses written by RecordRun and FinishRun.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// MetricMaxDrawdown is the metric key the drawdown gate reads.
const MetricMaxDrawdown = "max_drawdown_account"

// NormalizeSeverity maps anything outside the known set to warning.
func NormalizeSeverity(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case SeverityWarning, SeverityError, SeverityCritical:
		return v
	default:
		return SeverityWarning
	}
}

// ParseSeverity is the strict form of NormalizeSeverity. ok is false for
// anything outside the known set.
func ParseSeverity(s string) (sev string, ok bool) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case SeverityWarning, SeverityError, SeverityCritical:
		return v, true
	}
	return "", false
}

// Run is one execution registered by the trading engine.
type Run struct {
	ID           string
	ExperimentID string
	Kind         string
	Status       string
	StartedAt    time.Time
	FinishedAt   time.Time
	DataWindow   string
}

// MetricRecord is a single named result of a run.
type MetricRecord struct {
	RunID string
	Key   string
	Value decimal.Decimal
}

// IncidentRecord is an immutable audit entry.
type IncidentRecord struct {
	ID             string
	RunID          string
	Severity       string
	Description    string
	LogExcerptPath string
	CreatedAt      time.Time
}

// IncidentFilter narrows ListIncidents. Zero fields match everything.
type IncidentFilter struct {
	RunID    string
	Severity string
	Since    time.Time
	Limit    int
}

type Journal interface {
	RecordRun(ctx context.Context, r Run) error
	FinishRun(ctx context.Context, id, status string, finished time.Time) error
	RecordMetric(ctx context.Context, m MetricRecord) error
	RecordIncident(ctx context.Context, rec IncidentRecord) error
	Close() error
}
