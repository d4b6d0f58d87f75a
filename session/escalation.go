package session

import (
	"context"
	"sync"
)

// EscalationState is the position of the failure-escalation cycle.
type EscalationState uint8

const (
	// EscalationIdle means no refresh failure is outstanding.
	EscalationIdle EscalationState = iota
	// EscalationFirstFailure means one refresh failed and the user may still recover.
	EscalationFirstFailure
	// EscalationEscalated means recovery failed again and the user must log in.
	EscalationEscalated
)

func (s EscalationState) String() string {
	switch s {
	case EscalationIdle:
		return "idle"
	case EscalationFirstFailure:
		return "first_failure"
	case EscalationEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// Prompt identifies which failure prompt the handler should present.
type Prompt uint8

const (
	// PromptNone is the zero value; no prompt.
	PromptNone Prompt = iota
	// PromptRecoverable offers "retry now" or "dismiss".
	PromptRecoverable
	// PromptReauthenticate offers only "log in again".
	PromptReauthenticate
)

func (p Prompt) String() string {
	switch p {
	case PromptRecoverable:
		return "recoverable"
	case PromptReauthenticate:
		return "reauthenticate"
	default:
		return "none"
	}
}

// Outcome is the user's answer to a failure prompt.
type Outcome uint8

const (
	// OutcomeDismiss closes a recoverable prompt and returns the cycle to idle.
	OutcomeDismiss Outcome = iota + 1
	// OutcomeRetry asks for an immediate manual refresh.
	OutcomeRetry
	// OutcomeForceLogin tears the session down.
	OutcomeForceLogin
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDismiss:
		return "dismiss"
	case OutcomeRetry:
		return "retry"
	case OutcomeForceLogin:
		return "force_login"
	default:
		return "unknown"
	}
}

// Alert is one shown prompt. Its Context is cancelled once the prompt is resolved or
// the cycle is cleared underneath it.
type Alert struct {
	Prompt Prompt

	ctx    context.Context
	cancel context.CancelFunc
	stale  bool
}

// Context is the context the prompt should be presented under.
func (a *Alert) Context() context.Context { return a.ctx }

// Escalation is the failure-escalation state machine with its alert guard.
//
// At most one Alert is outstanding. The zero value is an idle machine ready for use.
type Escalation struct {
	mu         sync.Mutex
	state      EscalationState
	current    *Alert
	suppressed uint64
}

// Fail records one refresh failure and returns the prompt it calls for.
//
// The state advances even while a prompt is visible; in that case the Alert is nil
// and the caller must not present anything. Otherwise the caller owns the Alert, must
// present it under a.Context() and must hand it back to Resolve.
func (e *Escalation) Fail(ctx context.Context) (Prompt, *Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var p Prompt
	switch e.state {
	case EscalationIdle:
		e.state = EscalationFirstFailure
		p = PromptRecoverable
	default:
		e.state = EscalationEscalated
		p = PromptReauthenticate
	}

	if e.current != nil {
		e.suppressed++
		return p, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a := &Alert{Prompt: p}
	a.ctx, a.cancel = context.WithCancel(ctx)
	e.current = a
	return p, a
}

// Resolve releases the guard held by a and applies the user's outcome. It reports
// false, changing nothing but the guard, when a was cleared by Clear in the meantime;
// the caller must then not act on the outcome.
//
// Dismiss and force-login return the cycle to idle. Retry keeps the current state so a
// failing manual retry escalates.
func (e *Escalation) Resolve(a *Alert, o Outcome) bool {
	if a == nil {
		return false
	}
	a.cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == a {
		e.current = nil
	}
	if a.stale {
		return false
	}
	switch o {
	case OutcomeDismiss, OutcomeForceLogin:
		e.state = EscalationIdle
	}
	return true
}

// Reset returns the cycle to idle after a successful refresh.
// A visible prompt stays guarded until it is resolved.
func (e *Escalation) Reset() {
	e.mu.Lock()
	e.state = EscalationIdle
	e.mu.Unlock()
}

// Clear starts a new cycle on logout or login. An outstanding Alert is cancelled and
// its later Resolve becomes a no-op; it keeps the guard until it is resolved.
func (e *Escalation) Clear() {
	e.mu.Lock()
	e.state = EscalationIdle
	if e.current != nil && !e.current.stale {
		e.current.stale = true
		e.current.cancel()
	}
	e.mu.Unlock()
}

// State reports the current escalation state.
func (e *Escalation) State() EscalationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// FailCount is 0 while idle and 1 once a failure is outstanding in this cycle.
func (e *Escalation) FailCount() int {
	if e.State() == EscalationIdle {
		return 0
	}
	return 1
}

// Visible reports the prompt currently guarded, or PromptNone.
func (e *Escalation) Visible() Prompt {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return PromptNone
	}
	return e.current.Prompt
}

// Suppressed counts failures swallowed by the guard.
func (e *Escalation) Suppressed() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suppressed
}
