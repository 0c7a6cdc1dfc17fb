package risk

import (
	"fmt"
	"time"

	"github.com/rustyeddy/runguard/lock"
)

// Phase is a step in the life of one run attempt.
type Phase string

const (
	PhaseRequested Phase = "requested"
	PhaseChecked   Phase = "checked"
	PhaseRejected  Phase = "rejected"
	PhaseAdmitted  Phase = "admitted"
	PhaseRunning   Phase = "running"
	PhaseReleased  Phase = "released"
)

var transitions = map[Phase][]Phase{
	PhaseRequested: {PhaseChecked},
	PhaseChecked:   {PhaseAdmitted, PhaseRejected},
	PhaseAdmitted:  {PhaseRunning, PhaseReleased},
	PhaseRunning:   {PhaseReleased},
}

// Attempt tracks one run from request to release.
type Attempt struct {
	Kind          string
	CorrelationID string
	Phase         Phase
	Decision      Decision
	Handle        lock.Handle
	Changed       time.Time
}

// NewAttempt starts an attempt in the requested phase.
func NewAttempt(kind, correlationID string) *Attempt {
	return &Attempt{Kind: kind, CorrelationID: correlationID, Phase: PhaseRequested, Changed: time.Now()}
}

// Advance moves to next, rejecting transitions the lifecycle does not allow.
func (a *Attempt) Advance(next Phase) error {
	for _, p := range transitions[a.Phase] {
		if p == next {
			a.Phase = next
			a.Changed = time.Now()
			return nil
		}
	}
	return fmt.Errorf("illegal run transition %s -> %s", a.Phase, next)
}

// Terminal reports whether no further transition is possible.
func (a *Attempt) Terminal() bool {
	return len(transitions[a.Phase]) == 0
}
