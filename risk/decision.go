// Package risk decides whether a run may start and tracks the slot it
// holds while it runs.
package risk

import "strings"

// Gates that can deny admission.
const (
	GateCircuitBreaker = "circuit_breaker"
	GateDrawdown       = "drawdown"
	GateLiveTrades     = "live_trades"
	GateExposure       = "exposure"
	GateConcurrency    = "concurrency"
	GateLockStore      = "lock_store"
)

type Violation struct {
	Code string
	Msg  string
}

// Decision is the result of an admission check. Denials are values; a
// caller that prefers error flow can use Err.
type Decision struct {
	Allowed    bool
	Violations []Violation
}

// Allow is the zero-violation decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

func deny(code, msg string) Decision {
	d := Allow()
	d.add(code, msg)
	return d
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Gate is the code of the first violation.
func (d Decision) Gate() string {
	if len(d.Violations) == 0 {
		return ""
	}
	return d.Violations[0].Code
}

// Reason is the message of the first violation, the one reported to
// operators.
func (d Decision) Reason() string {
	if len(d.Violations) == 0 {
		return ""
	}
	return d.Violations[0].Msg
}

// Reasons joins every violation message.
func (d Decision) Reasons() string {
	msgs := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		msgs = append(msgs, v.Msg)
	}
	return strings.Join(msgs, "; ")
}

// Err returns nil when allowed and an *AdmissionDenied otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &AdmissionDenied{Gate: d.Gate(), Reason: d.Reason()}
}
