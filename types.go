package gastosauth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Mathchety/gastosauth/session"
)

// UserProfile is the canonical identity record. Fields the backend sends beyond the
// known ones are kept in Extra.
type UserProfile struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Email     string                     `json:"email"`
	CreatedAt time.Time                  `json:"createdAt"`
	Extra     map[string]json.RawMessage `json:"-"`
}

// State is what the UI renders from.
type State struct {
	Authenticated bool
	// Loading is true while InitializeAuth runs.
	Loading     bool
	User        *UserProfile
	Escalation  session.EscalationState
	AutoRefresh bool
	// Legacy marks a session established from a single-token login response.
	Legacy bool
}

// Reason names the transition that produced a State.
type Reason string

const (
	ReasonLogin          Reason = "login"
	ReasonRegister       Reason = "register"
	ReasonLogout         Reason = "logout"
	ReasonSessionExpired Reason = "session_expired"
	ReasonStartup        Reason = "startup"
	ReasonLoading        Reason = "loading"
	ReasonProfileUpdated Reason = "profile_updated"
	ReasonRefreshFailed  Reason = "refresh_failed"
)

// StateListener observes state transitions. ReasonSessionExpired is the
// "session invalidated" signal. Calls are synchronous and must not block.
type StateListener interface {
	StateChanged(state State, reason Reason)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(State, Reason)

func (f StateListenerFunc) StateChanged(s State, r Reason) { f(s, r) }

// Outcome is the answer to a failure prompt.
type Outcome = session.Outcome

const (
	OutcomeDismiss    = session.OutcomeDismiss
	OutcomeRetry      = session.OutcomeRetry
	OutcomeForceLogin = session.OutcomeForceLogin
)

// Prompter renders refresh-failure prompts. Both methods block until the user answers
// and are never called concurrently for the same Client. ctx is cancelled when the
// session the prompt belongs to ends; the prompt should then close and return, and its
// answer is ignored.
type Prompter interface {
	// PromptRefreshFailed offers retry or dismiss after the first failure.
	PromptRefreshFailed(ctx context.Context, err error) Outcome
	// PromptSessionExpired is non-dismissible: every answer logs the user out.
	PromptSessionExpired(ctx context.Context, err error) Outcome
}

// headlessPrompter is used when no Prompter is configured: the first failure is
// dismissed, an escalated one logs out.
type headlessPrompter struct{}

func (headlessPrompter) PromptRefreshFailed(context.Context, error) Outcome { return OutcomeDismiss }

func (headlessPrompter) PromptSessionExpired(context.Context, error) Outcome {
	return OutcomeForceLogin
}

// StartupState is a node of the startup state machine.
type StartupState uint8

const (
	StartupStarting StartupState = iota
	StartupTokenPresent
	StartupTokenAbsent
	StartupValidating
	StartupTryAutoLogin
	StartupAuthenticated
	StartupUnauthenticated
)

func (s StartupState) String() string {
	switch s {
	case StartupStarting:
		return "starting"
	case StartupTokenPresent:
		return "token_present"
	case StartupTokenAbsent:
		return "token_absent"
	case StartupValidating:
		return "validating"
	case StartupTryAutoLogin:
		return "try_auto_login"
	case StartupAuthenticated:
		return "authenticated"
	case StartupUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// StartupResult reports how InitializeAuth ended.
type StartupResult struct {
	// State is StartupAuthenticated or StartupUnauthenticated.
	State StartupState
	// Path lists every state visited, in order.
	Path      []StartupState
	User      *UserProfile
	AutoLogin bool
}

// Authenticated reports whether startup ended logged in.
func (r StartupResult) Authenticated() bool { return r.State == StartupAuthenticated }
