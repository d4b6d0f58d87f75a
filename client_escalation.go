package gastosauth

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/Mathchety/gastosauth/session"
)

// HandleRefreshFailure drives the escalation machine for one failed refresh flight.
// The session manager calls it on its own goroutine.
//
// A first failure asks the Prompter to retry or dismiss. A second failure in the same
// cycle, or a failed retry, asks the user to log in again and ends the session. While a
// prompt is visible further failures only advance the state. A panic here ends the
// session.
func (c *Client) HandleRefreshFailure(ctx context.Context, err error) {
	esc := c.session.Escalation()
	var alert *session.Alert
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("refresh failure handler panicked, forcing logout", zap.Any("panic", r))
			stale := alert != nil && !esc.Resolve(alert, OutcomeForceLogin)
			if !stale {
				c.endSession(context.Background(), ReasonSessionExpired)
			}
		}
	}()

	if c.session.Tokens().Empty() {
		// logged out while the flight was failing
		return
	}

	prompt, alert := esc.Fail(ctx)
	state := esc.State()
	c.audit.record(ctx, AuditEscalation, c.userID(), err, map[string]string{
		"state":   state.String(),
		"prompt":  prompt.String(),
		"visible": strconv.FormatBool(alert != nil),
	})
	c.notify(ReasonRefreshFailed)

	if alert == nil {
		c.metrics.Inc(MetricPromptSuppressed)
		c.log.Debug("refresh failure while prompt visible", zap.Stringer("state", state))
		return
	}

	switch prompt {
	case session.PromptRecoverable:
		c.metrics.Inc(MetricPromptRecoverable)
		outcome := c.prompter.PromptRefreshFailed(alert.Context(), err)
		c.resolveRecoverable(ctx, alert, outcome)
	case session.PromptReauthenticate:
		c.metrics.Inc(MetricPromptReauthenticate)
		_ = c.prompter.PromptSessionExpired(alert.Context(), err)
		if esc.Resolve(alert, OutcomeForceLogin) {
			c.endSession(ctx, ReasonSessionExpired)
		}
	}
}

func (c *Client) resolveRecoverable(ctx context.Context, alert *session.Alert, outcome Outcome) {
	if outcome != OutcomeRetry && outcome != OutcomeForceLogin {
		outcome = OutcomeDismiss
	}
	if !c.session.Escalation().Resolve(alert, outcome) {
		c.log.Debug("prompt answered after its session ended", zap.Stringer("outcome", outcome))
		return
	}

	switch outcome {
	case OutcomeRetry:
		// a failing retry reaches HandleRefreshFailure again and escalates
		if _, err := c.session.RefreshAccessToken(ctx); err != nil {
			c.log.Info("manual refresh retry failed", zap.Error(err))
		}
	case OutcomeForceLogin:
		c.endSession(ctx, ReasonSessionExpired)
		return
	}
	c.notify(ReasonRefreshFailed)
}
