package risk

import (
	"context"
	"fmt"

	"github.com/rustyeddy/runguard/journal"
)

// RunSpec describes one run handed to Manager.Run.
type RunSpec struct {
	Kind          string
	RunID         string
	CorrelationID string
	Context       RunContext
}

// Run admits spec, runs fn while holding a slot and always releases it.
// A denial is returned as *AdmissionDenied, a store failure as
// *PersistenceError. If fn fails or panics an incident is logged and the
// failure is passed through unchanged.
func (m *Manager) Run(ctx context.Context, spec RunSpec, fn func(ctx context.Context) error) (*Attempt, error) {
	att := NewAttempt(spec.Kind, spec.CorrelationID)

	d := m.PreRunCheck(ctx, spec.Kind, spec.Context, spec.CorrelationID)
	if err := att.Advance(PhaseChecked); err != nil {
		return att, err
	}
	att.Decision = d
	if !d.Allowed {
		_ = att.Advance(PhaseRejected)
		return att, d.Err()
	}

	d, h, err := m.AcquireRunSlot(ctx, spec.Kind, spec.CorrelationID)
	att.Decision = d
	if err != nil {
		_ = att.Advance(PhaseRejected)
		return att, err
	}
	if !d.Allowed {
		_ = att.Advance(PhaseRejected)
		return att, d.Err()
	}
	_ = att.Advance(PhaseAdmitted)
	att.Handle = h

	defer func() {
		// release even when ctx was cancelled mid-run
		m.ReleaseRunSlot(context.WithoutCancel(ctx), h, spec.CorrelationID)
		_ = att.Advance(PhaseReleased)
	}()
	defer func() {
		if r := recover(); r != nil {
			m.LogIncident(context.WithoutCancel(ctx), Incident{
				RunID:         spec.RunID,
				Severity:      journal.SeverityCritical,
				Description:   fmt.Sprintf("%s run panicked: %v", spec.Kind, r),
				CorrelationID: spec.CorrelationID,
			})
			panic(r)
		}
	}()

	_ = att.Advance(PhaseRunning)
	if err := fn(ctx); err != nil {
		m.LogIncident(context.WithoutCancel(ctx), Incident{
			RunID:         spec.RunID,
			Severity:      journal.SeverityError,
			Description:   fmt.Sprintf("%s run failed: %v", spec.Kind, err),
			CorrelationID: spec.CorrelationID,
		})
		return att, err
	}
	return att, nil
}
