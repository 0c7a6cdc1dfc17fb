package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rustyeddy/runguard/breaker"
	"github.com/rustyeddy/runguard/config"
	"github.com/rustyeddy/runguard/journal"
	"github.com/rustyeddy/runguard/lock"
	"github.com/rustyeddy/runguard/logging"
	"github.com/rustyeddy/runguard/pkg/id"
	"github.com/rustyeddy/runguard/telemetry"
)

// IncidentSink persists incident records.
type IncidentSink interface {
	RecordIncident(ctx context.Context, rec journal.IncidentRecord) error
}

// Incident is what a caller reports; LogIncident fills in id and time.
type Incident struct {
	RunID          string
	Severity       string
	Description    string
	LogExcerptPath string
	CorrelationID  string
}

// Manager is the single admission authority. It holds no per-run state;
// everything shared lives in the lock store, the breaker file and the
// journal, so one Manager may be used from many goroutines.
type Manager struct {
	cfg       *config.Config
	store     lock.Store
	breaker   *breaker.Breaker
	metrics   MetricSource
	incidents IncidentSink
	rec       *telemetry.Recorder
	log       *slog.Logger
	now       func() time.Time
	pid       int
}

type Option func(*Manager)

func WithStore(s lock.Store) Option {
	return func(m *Manager) { m.store = s }
}

func WithBreaker(b *breaker.Breaker) Option {
	return func(m *Manager) { m.breaker = b }
}

// WithJournal uses j both for drawdown history and incident storage.
func WithJournal(j interface {
	MetricSource
	IncidentSink
}) Option {
	return func(m *Manager) {
		m.metrics = j
		m.incidents = j
	}
}

func WithMetricSource(src MetricSource) Option {
	return func(m *Manager) { m.metrics = src }
}

func WithIncidentSink(sink IncidentSink) Option {
	return func(m *Manager) { m.incidents = sink }
}

func WithRecorder(r *telemetry.Recorder) Option {
	return func(m *Manager) { m.rec = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock injects the time source, also handed to the default store
// and breaker.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithPID(pid int) Option {
	return func(m *Manager) { m.pid = pid }
}

// NewManager validates cfg and wires the default collaborators for
// anything not supplied by an option.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, &ConfigurationError{Field: "config", Msg: "is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{cfg: cfg, now: time.Now, pid: os.Getpid()}
	for _, fn := range opts {
		fn(m)
	}
	if m.log == nil {
		m.log = logging.Nop()
	}

	if m.store == nil {
		ttl := time.Duration(cfg.Concurrency.TTLSec) * time.Second
		lopts := []lock.Option{lock.WithClock(m.now), lock.WithPID(m.pid), lock.WithLogger(m.log)}
		if cfg.Concurrency.Backend == config.BackendBbolt {
			m.store = lock.NewBoltStore(cfg.BoltPath(), ttl, lopts...)
		} else {
			m.store = lock.NewFileStore(cfg.RunningDir(), ttl, lopts...)
		}
	}
	if m.breaker == nil {
		m.breaker = breaker.New(cfg.BreakerPath(), breaker.WithClock(m.now), breaker.WithLogger(m.log))
	}
	if m.metrics == nil && m.incidents == nil && cfg.DBPath != "" {
		j := &journal.OnDemand{Path: cfg.DBPath}
		m.metrics = j
		m.incidents = j
	}

	m.log = logging.Component(m.log, "risk")
	m.log.Debug("risk_manager_initialized",
		"state_dir", cfg.StateDir,
		"backend", cfg.Concurrency.Backend,
		"ttl_sec", cfg.Concurrency.TTLSec,
		"cb_file", cfg.BreakerPath(),
		"db_path", cfg.DBPath,
	)
	return m, nil
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() *config.Config { return m.cfg }

// Store returns the lock store.
func (m *Manager) Store() lock.Store { return m.store }

// Breaker returns the circuit breaker.
func (m *Manager) Breaker() *breaker.Breaker { return m.breaker }

// Recorder returns the telemetry recorder, which may be nil.
func (m *Manager) Recorder() *telemetry.Recorder { return m.rec }

func (m *Manager) queryTimeout() time.Duration {
	if m.cfg.MetricsQueryTimeoutSec <= 0 {
		return 2 * time.Second
	}
	return time.Duration(m.cfg.MetricsQueryTimeoutSec) * time.Second
}

// PreRunCheck decides whether a run of kind may start. It never acquires a
// slot. The breaker is checked first, then the drawdown gate for backtests
// or the live limits for live runs.
func (m *Manager) PreRunCheck(ctx context.Context, kind string, rc RunContext, correlationID string) Decision {
	log := logging.WithCorrelation(m.log, correlationID)
	log.Info("pre_run_check",
		"kind", kind,
		"max_concurrent", m.cfg.CapFor(kind),
		"max_backtest_drawdown_pct", deref(m.cfg.Backtest.MaxDrawdownPct),
		"live_max_concurrent_trades", deref(m.cfg.Live.MaxConcurrentTrades),
		"live_max_per_market_exposure_pct", deref(m.cfg.Live.MaxPerMarketExposurePct),
	)

	d := m.preRunCheck(ctx, log, kind, rc)
	m.rec.Decision(kind, d.Gate(), d.Allowed)
	return d
}

func (m *Manager) preRunCheck(ctx context.Context, log *slog.Logger, kind string, rc RunContext) Decision {
	if active, reason := m.breaker.IsActive(ctx); active {
		if !m.cfg.AllowWhenBreakerActive {
			log.Warn("circuit_breaker_block", "kind", kind, "reason", reason)
			return deny(GateCircuitBreaker, "circuit_breaker_active: "+reason)
		}
		log.Warn("circuit_breaker_override", "kind", kind, "reason", reason)
	}

	switch kind {
	case config.KindBacktest:
		if m.cfg.Backtest.MaxDrawdownPct == nil {
			return Allow()
		}
		log.Debug("checking_recent_drawdown")
		qctx, cancel := context.WithTimeout(ctx, m.queryTimeout())
		defer cancel()
		d, err := CheckBacktestDrawdown(qctx, m.cfg.Backtest.MaxDrawdownPct, m.metrics)
		if err != nil {
			log.Error("drawdown_query_error", "error", err.Error())
		}
		if !d.Allowed {
			log.Warn("max_dd_block", "reason", d.Reason())
		}
		return d

	case config.KindLive:
		log.Debug("checking_live_guardrails")
		d := CheckLiveLimits(rc, m.cfg.Live.MaxConcurrentTrades, m.cfg.Live.MaxPerMarketExposurePct)
		for _, v := range d.Violations {
			log.Warn("live_guardrail_block", "gate", v.Code, "reason", v.Msg)
		}
		return d
	}
	return Allow()
}

// CheckRiskLimits reports whether trading may continue. Only the breaker
// is consulted.
func (m *Manager) CheckRiskLimits(ctx context.Context, correlationID string) bool {
	log := logging.WithCorrelation(m.log, correlationID)
	active, reason := m.breaker.IsActive(ctx)
	if active && !m.cfg.AllowWhenBreakerActive {
		log.Warn("risk_limits_exceeded", "reason", "circuit_breaker: "+reason)
		return false
	}
	if active {
		log.Warn("circuit_breaker_override", "reason", reason)
	}
	log.Debug("risk_limits_ok")
	return true
}

// AcquireRunSlot reserves a concurrency slot for kind. A denial returns an
// unallowed Decision and a nil error. A store failure returns a
// *PersistenceError and the run must not start.
func (m *Manager) AcquireRunSlot(ctx context.Context, kind, correlationID string) (Decision, lock.Handle, error) {
	log := logging.WithCorrelation(m.log, correlationID)
	limit := m.cfg.CapFor(kind)

	h, active, err := m.store.AcquireWithin(ctx, kind, correlationID, limit)
	switch {
	case errors.Is(err, lock.ErrLimitReached):
		d := deny(GateConcurrency, fmt.Sprintf("concurrency_limit: %d/%d", active, limit))
		log.Warn("slot_denied", "kind", kind, "active", active, "max", limit)
		m.rec.LiveSlots(kind, active)
		m.rec.Decision(kind, d.Gate(), false)
		return d, lock.Handle{}, nil

	case errors.Is(err, lock.ErrInvalidKind):
		d := deny(GateConcurrency, "invalid_kind: "+kind)
		return d, lock.Handle{}, &ConfigurationError{Field: "kind", Value: kind, Msg: "is not a valid run kind"}

	case err != nil:
		log.Error("slot_acquire_error", "kind", kind, "error", err.Error())
		d := deny(GateLockStore, "lock_store_error: "+err.Error())
		m.rec.Decision(kind, d.Gate(), false)
		return d, lock.Handle{}, &PersistenceError{Op: "acquire_slot", Err: err}
	}

	if limit > 0 {
		m.rec.LiveSlots(kind, active+1)
		log.Info("slot_acquired", "kind", kind, "token", h.Token, "active_before", active, "max", limit)
	} else {
		log.Info("slot_acquired", "kind", kind, "token", h.Token, "unbounded", true)
	}
	m.rec.SlotAcquired(kind)
	m.rec.Decision(kind, "", true)
	return Allow(), h, nil
}

// ReleaseRunSlot gives the slot back. It never fails: a zero handle is a
// no-op and store errors are logged, leaving the TTL to reclaim the slot.
func (m *Manager) ReleaseRunSlot(ctx context.Context, h lock.Handle, correlationID string) {
	if h.IsZero() {
		return
	}
	log := logging.WithCorrelation(m.log, correlationID)
	if err := m.store.Release(ctx, h); err != nil {
		log.Warn("slot_release_error", "token", h.Token, "error", err.Error())
		return
	}
	m.rec.SlotReleased(h.Kind)
	log.Info("slot_released", "token", h.Token)
}

// SweepSlots reclaims expired slots of every kind.
func (m *Manager) SweepSlots(ctx context.Context) (int, error) {
	n, err := m.store.Sweep(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "sweep", Err: err}
	}
	m.rec.Reclaimed(n)
	if n > 0 {
		m.log.Info("slots_reclaimed", "count", n)
	}
	return n, nil
}

// IncidentID builds the identifier LogIncident assigns. Without a
// correlation id a random suffix keeps ids from one second apart.
func IncidentID(at time.Time, pid int, correlationID string) string {
	cid := lock.SanitizeCorrelationID(correlationID)
	if cid == "" {
		cid = id.Short(8)
	}
	return fmt.Sprintf("incident_%d_%d_%s", at.Unix(), pid, cid)
}

// incidentIDRetries bounds how often LogIncident re-suffixes a taken id.
const incidentIDRetries = 3

// LogIncident records an incident and returns its id. Logging always
// happens; a storage failure is downgraded to a warning so that reporting
// a problem never becomes a second problem for the caller.
func (m *Manager) LogIncident(ctx context.Context, inc Incident) string {
	log := logging.WithCorrelation(m.log, inc.CorrelationID)
	now := m.now().UTC()
	rec := journal.IncidentRecord{
		ID:             IncidentID(now, m.pid, inc.CorrelationID),
		RunID:          inc.RunID,
		Severity:       journal.NormalizeSeverity(inc.Severity),
		Description:    inc.Description,
		LogExcerptPath: inc.LogExcerptPath,
		CreatedAt:      now,
	}

	var perr error
	persisted := false
	if m.incidents != nil {
		base := rec.ID
		for attempt := 0; ; attempt++ {
			err := m.incidents.RecordIncident(ctx, rec)
			if err == nil {
				persisted = true
				break
			}
			if !errors.Is(err, journal.ErrDuplicate) || attempt == incidentIDRetries {
				perr = &PersistenceError{Op: "record_incident", Err: err}
				break
			}
			// same correlation id within one second
			rec.ID = base + "-" + id.Short(4)
		}
	}

	log.Log(ctx, severityLevel(rec.Severity), "incident_logged",
		"incident_id", rec.ID,
		"run_id", rec.RunID,
		"severity", rec.Severity,
		"description", rec.Description,
		"log_excerpt_path", rec.LogExcerptPath,
	)
	if perr != nil {
		log.Warn("incident_persist_error", "incident_id", rec.ID, "error", perr.Error())
	}
	m.rec.Incident(rec.Severity, persisted)
	return rec.ID
}

func severityLevel(sev string) slog.Level {
	switch sev {
	case journal.SeverityCritical, journal.SeverityError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// deref keeps optional limits readable in text logs.
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
