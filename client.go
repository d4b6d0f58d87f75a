package gastosauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Mathchety/gastosauth/credstore"
	"github.com/Mathchety/gastosauth/session"
	"github.com/Mathchety/gastosauth/transport"
)

const (
	logoutFlightKey  = "logout"
	startupFlightKey = "startup"
)

// Client is the authentication facade. It is safe for concurrent use after Build.
type Client struct {
	cfg       Config
	log       *zap.Logger
	http      *transport.Client
	session   *session.Manager
	vault     *credstore.Vault
	prompter  Prompter
	listener  StateListener
	metrics   *Metrics
	audit     *auditDispatcher
	clock     session.Clock
	ownsRedis *redis.Client

	mu            sync.RWMutex
	user          *UserProfile
	authenticated bool
	loading       bool
	legacy        bool

	flights   singleflight.Group
	closeOnce sync.Once
}

type startupOutcome struct {
	res StartupResult
	err error
}

/*
====================================
STATE
====================================
*/

// State returns a snapshot for rendering.
func (c *Client) State() State {
	c.mu.RLock()
	s := State{
		Authenticated: c.authenticated,
		Loading:       c.loading,
		User:          cloneProfile(c.user),
		Legacy:        c.legacy,
	}
	c.mu.RUnlock()
	s.Escalation = c.session.Escalation().State()
	s.AutoRefresh = c.session.AutoRefreshActive()
	return s
}

// Authenticated reports whether a validated session is active.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Token returns the current access token, or "".
func (c *Client) Token() string { return c.session.Token() }

// Session exposes the underlying manager for callers that drive refreshes directly.
func (c *Client) Session() *session.Manager { return c.session }

func (c *Client) setAuthenticated(user *UserProfile, legacy bool) {
	c.mu.Lock()
	c.user = cloneProfile(user)
	c.authenticated = true
	c.legacy = legacy
	c.mu.Unlock()
}

func (c *Client) publish(user *UserProfile, legacy bool, reason Reason) {
	c.setAuthenticated(user, legacy)
	c.notify(reason)
}

func (c *Client) setLoading(v bool) {
	c.mu.Lock()
	c.loading = v
	c.mu.Unlock()
	if v {
		c.notify(ReasonLoading)
	} else {
		c.notify(ReasonStartup)
	}
}

func (c *Client) notify(reason Reason) {
	if c.listener == nil {
		return
	}
	c.listener.StateChanged(c.State(), reason)
}

func (c *Client) userID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return ""
	}
	return c.user.ID
}

func cloneProfile(p *UserProfile) *UserProfile {
	if p == nil {
		return nil
	}
	out := *p
	if p.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

/*
====================================
LOGIN / REGISTER
====================================
*/

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates with email and password. With rememberMe the credentials are
// kept for silent startup login; without it any remembered record is cleared.
//
// The client becomes Authenticated only once the token is stored and the profile is
// known, from the response or from /me.
func (c *Client) Login(ctx context.Context, email, password string, rememberMe bool) (UserProfile, error) {
	var raw json.RawMessage
	err := c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   c.cfg.API.Paths.Login,
		Body:   loginRequest{Email: email, Password: password},
	}, &raw)

	var (
		user   UserProfile
		legacy bool
	)
	if err == nil {
		user, legacy, err = c.establish(ctx, raw)
	}
	if err != nil {
		c.metrics.Inc(MetricLoginFailure)
		c.audit.record(ctx, AuditLogin, "", err, nil)
		return UserProfile{}, err
	}

	if serr := c.vault.SaveCredentials(ctx, credstore.Credentials{
		RememberMe:     rememberMe,
		Email:          email,
		Password:       password,
		LoginTimestamp: c.clock.Now(),
	}); serr != nil {
		c.log.Warn("persist remembered credentials", zap.Error(serr))
	}

	c.publish(&user, legacy, ReasonLogin)
	c.metrics.Inc(MetricLoginSuccess)
	c.audit.record(ctx, AuditLogin, user.ID, nil, map[string]string{
		"remember_me": strconv.FormatBool(rememberMe),
		"legacy":      strconv.FormatBool(legacy),
	})
	c.log.Info("logged in", zap.String("user_id", user.ID), zap.Bool("legacy", legacy))
	return user, nil
}

// Register creates an account and logs it in. Credentials are not remembered.
func (c *Client) Register(ctx context.Context, name, email, password string) (UserProfile, error) {
	var raw json.RawMessage
	err := c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   c.cfg.API.Paths.Register,
		Body:   registerRequest{Name: name, Email: email, Password: password},
	}, &raw)

	var (
		user   UserProfile
		legacy bool
	)
	if err == nil {
		user, legacy, err = c.establish(ctx, raw)
	}
	if err != nil {
		c.metrics.Inc(MetricRegisterFailure)
		c.audit.record(ctx, AuditRegister, "", err, nil)
		return UserProfile{}, err
	}

	c.publish(&user, legacy, ReasonRegister)
	c.metrics.Inc(MetricRegisterSuccess)
	c.audit.record(ctx, AuditRegister, user.ID, nil, nil)
	return user, nil
}

// establish installs the tokens from an auth response and resolves the profile. It
// does not mark the client authenticated.
func (c *Client) establish(ctx context.Context, raw []byte) (UserProfile, bool, error) {
	payload, err := normalizeAuthPayload(raw)
	if err != nil {
		return UserProfile{}, false, err
	}

	c.session.TeardownAutoRefresh()
	pair := session.TokenPair{Access: payload.AccessToken, Refresh: payload.RefreshToken}
	if err := c.session.SetTokens(ctx, pair); err != nil {
		c.log.Warn("persist tokens", zap.Error(err))
	}

	user := payload.User
	if user == nil {
		p, err := c.fetchProfile(ctx, true)
		if err != nil {
			if cerr := c.session.SetTokens(ctx, session.TokenPair{}); cerr != nil {
				c.log.Warn("roll back tokens", zap.Error(cerr))
			}
			return UserProfile{}, false, fmt.Errorf("load profile: %w", err)
		}
		user = &p
	}

	c.session.Escalation().Clear()
	c.session.SetFailureHandler(c)
	if !payload.Legacy {
		c.session.SetupAutoRefresh()
	}
	c.cacheUser(ctx, *user)
	return *user, payload.Legacy, nil
}

func (c *Client) fetchProfile(ctx context.Context, noAutoRefresh bool) (UserProfile, error) {
	var raw json.RawMessage
	err := c.http.Do(ctx, transport.Request{
		Method:        http.MethodGet,
		Path:          c.cfg.API.Paths.Me,
		Auth:          true,
		NoAutoRefresh: noAutoRefresh,
	}, &raw)
	if err != nil {
		return UserProfile{}, err
	}
	return normalizeProfile(raw)
}

func (c *Client) cacheUser(ctx context.Context, user UserProfile) {
	raw, err := json.Marshal(user)
	if err == nil {
		err = c.vault.SaveUser(ctx, raw)
	}
	if err != nil {
		c.log.Warn("cache profile", zap.Error(err))
	}
}

/*
====================================
LOGOUT
====================================
*/

// Logout ends the session locally and, best effort, on the backend. It never fails.
// Concurrent calls share one run; cancelling ctx stops waiting but not the logout.
func (c *Client) Logout(ctx context.Context) {
	c.endSession(ctx, ReasonLogout)
}

func (c *Client) endSession(ctx context.Context, reason Reason) {
	ch := c.flights.DoChan(logoutFlightKey, func() (any, error) {
		c.logout(context.WithoutCancel(ctx), reason)
		return nil, nil
	})
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (c *Client) logout(ctx context.Context, reason Reason) {
	userID := c.userID()

	if c.session.Token() != "" {
		c.step("backend logout", func() error {
			return c.http.Do(ctx, transport.Request{
				Method:        http.MethodPost,
				Path:          c.cfg.API.Paths.Logout,
				Auth:          true,
				NoAutoRefresh: true,
			}, nil)
		})
	}

	c.session.TeardownAutoRefresh()
	c.step("clear tokens", func() error { return c.session.SetTokens(ctx, session.TokenPair{}) })
	c.session.SetFailureHandler(nil)
	c.session.Escalation().Clear()
	c.step("clear credentials", func() error { return c.vault.ClearCredentials(ctx) })
	c.step("clear cached profile", func() error { return c.vault.ClearUser(ctx) })

	c.mu.Lock()
	c.user = nil
	c.authenticated = false
	c.legacy = false
	c.mu.Unlock()

	if reason == ReasonSessionExpired {
		c.metrics.Inc(MetricForcedLogout)
		c.audit.record(ctx, AuditForcedLogout, userID, nil, nil)
		c.log.Warn("session invalidated", zap.String("user_id", userID))
	} else {
		c.metrics.Inc(MetricLogout)
		c.audit.record(ctx, AuditLogout, userID, nil, nil)
		c.log.Info("logged out", zap.String("user_id", userID))
	}
	c.notify(reason)
}

// step runs one logout step, logging its error or panic.
func (c *Client) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("logout step panicked", zap.String("step", name), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		c.log.Debug("logout step failed", zap.String("step", name), zap.Error(err))
	}
}

/*
====================================
STARTUP
====================================
*/

// InitializeAuth restores the session at process start.
//
// Stored tokens are validated against /me without auto-refresh. A rejected session
// falls back to remembered credentials when present; otherwise the session is cleared.
// Only a 401 counts as a rejected session. A backend that is unreachable or failing
// with 5xx leaves tokens and remembered credentials in place for the next attempt.
// Loading is cleared on every exit, including panics. The returned error, if any,
// explains an unauthenticated result; the result itself is always valid.
func (c *Client) InitializeAuth(ctx context.Context) (StartupResult, error) {
	v, _, _ := c.flights.Do(startupFlightKey, func() (any, error) {
		res, err := c.initialize(ctx)
		return startupOutcome{res: res, err: err}, nil
	})
	o := v.(startupOutcome)
	return o.res, o.err
}

func (c *Client) initialize(ctx context.Context) (res StartupResult, err error) {
	path := []StartupState{StartupStarting}
	c.setLoading(true)

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("startup panicked, forcing logout", zap.Any("panic", r))
			c.endSession(ctx, ReasonSessionExpired)
			res = StartupResult{State: StartupUnauthenticated, Path: append(path, StartupUnauthenticated)}
			err = fmt.Errorf("startup panic: %v", r)
		}
		c.setLoading(false)

		if res.Authenticated() {
			c.metrics.Inc(MetricStartupAuthenticated)
		} else {
			c.metrics.Inc(MetricStartupUnauthenticated)
		}
		c.audit.record(ctx, AuditStartup, c.userID(), err, map[string]string{
			"state":      res.State.String(),
			"auto_login": strconv.FormatBool(res.AutoLogin),
		})
	}()

	finish := func(state StartupState, user *UserProfile, autoLogin bool, cause error) (StartupResult, error) {
		path = append(path, state)
		return StartupResult{State: state, Path: path, User: user, AutoLogin: autoLogin}, cause
	}

	pair := c.session.Init(ctx)
	creds, cerr := c.vault.LoadCredentials(ctx)
	if cerr != nil {
		c.log.Warn("load remembered credentials", zap.Error(cerr))
		creds = credstore.Credentials{}
	}

	if !pair.Empty() {
		path = append(path, StartupTokenPresent, StartupValidating)
		user, verr := c.fetchProfile(ctx, true)
		if verr == nil {
			c.resume(ctx, user, pair)
			return finish(StartupAuthenticated, &user, false, nil)
		}
		if !errors.Is(verr, ErrUnauthorized) {
			c.log.Info("backend unavailable at startup, keeping stored session", zap.Error(verr))
			return finish(StartupUnauthenticated, nil, false, verr)
		}
		c.log.Info("stored session rejected", zap.Error(verr))
		if !creds.CanAutoLogin() {
			c.endSession(ctx, ReasonSessionExpired)
			return finish(StartupUnauthenticated, nil, false, verr)
		}
	} else {
		path = append(path, StartupTokenAbsent)
		if !creds.CanAutoLogin() {
			return finish(StartupUnauthenticated, nil, false, nil)
		}
	}

	path = append(path, StartupTryAutoLogin)
	user, lerr := c.Login(ctx, creds.Email, creds.Password, true)
	if lerr == nil {
		c.metrics.Inc(MetricAutoLoginSuccess)
		c.audit.record(ctx, AuditAutoLogin, user.ID, nil, nil)
		return finish(StartupAuthenticated, &user, true, nil)
	}

	c.metrics.Inc(MetricAutoLoginFailure)
	c.audit.record(ctx, AuditAutoLogin, "", lerr, nil)
	if credentialsRejected(lerr) {
		c.endSession(ctx, ReasonSessionExpired)
	} else {
		c.log.Info("auto-login unavailable, keeping remembered credentials", zap.Error(lerr))
	}
	return finish(StartupUnauthenticated, nil, false, lerr)
}

// credentialsRejected reports whether a login error means the credentials themselves
// are no longer valid, as opposed to the backend being down or unreachable.
func credentialsRejected(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrValidation)
}

// resume adopts a stored session that passed validation.
func (c *Client) resume(ctx context.Context, user UserProfile, pair session.TokenPair) {
	c.session.Escalation().Clear()
	c.session.SetFailureHandler(c)
	if pair.Refresh != "" {
		c.session.SetupAutoRefresh()
	}
	c.cacheUser(ctx, user)
	c.setAuthenticated(&user, pair.Refresh == "")
}

/*
====================================
REQUESTS
====================================
*/

// Do sends an application request through the session transport. Auth requests get
// the bearer token and 401 recovery. A rejected single-token session cannot be
// refreshed, so it is invalidated.
func (c *Client) Do(ctx context.Context, req transport.Request, out any) error {
	err := c.http.Do(ctx, req, out)
	if errors.Is(err, ErrNoRefreshToken) && c.Authenticated() {
		c.endSession(ctx, ReasonSessionExpired)
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return err
}

func (c *Client) requireAuth() error {
	if !c.Authenticated() {
		return ErrNotAuthenticated
	}
	return nil
}

/*
====================================
OBSERVABILITY / LIFECYCLE
====================================
*/

func (c *Client) observeRequest(_, _ string, status int, d time.Duration) {
	if status == 0 {
		c.metrics.Inc(MetricRequestNetworkError)
	}
	c.metrics.Observe(MetricRequestLatency, d)
}

func (c *Client) observeRefresh(r session.RefreshResult) {
	c.metrics.Observe(MetricRefreshLatency, r.Duration)
	if r.Err != nil {
		c.metrics.Inc(MetricRefreshFailure)
	} else {
		c.metrics.Inc(MetricRefreshSuccess)
		if r.Rotated {
			c.metrics.Inc(MetricRefreshRotated)
		}
	}
	c.audit.record(context.Background(), AuditRefresh, c.userID(), r.Err, map[string]string{
		"rotated":     strconv.FormatBool(r.Rotated),
		"duration_ms": strconv.FormatInt(r.Duration.Milliseconds(), 10),
	})
}

// MetricsSnapshot returns the current counters and histograms.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// AuditDropped counts audit events dropped because the buffer was full.
func (c *Client) AuditDropped() uint64 {
	return c.audit.Dropped()
}

// Close stops the refresh timer, drains audit events and closes a Redis client the
// Builder dialed itself. The session is left intact in its stores.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.session.Close()
		c.audit.Close()
		if c.ownsRedis != nil {
			err = c.ownsRedis.Close()
		}
	})
	return err
}
