package gastosauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Mathchety/gastosauth/authtest"
	"github.com/Mathchety/gastosauth/internal/clocktest"
	"github.com/Mathchety/gastosauth/session"
	"github.com/Mathchety/gastosauth/transport"
)

func TestLoginPublishesAuthenticatedState(t *testing.T) {
	env := newTestEnv(t)
	l := &recordingListener{}
	c := env.client(t, func(b *Builder) { b.WithStateListener(l) })

	user := env.login(t, c, false)
	if user.Email != testEmail || user.ID == "" {
		t.Fatalf("unexpected profile %+v", user)
	}

	s := c.State()
	if !s.Authenticated || s.User == nil || s.User.Email != testEmail {
		t.Fatalf("expected authenticated state with user, got %+v", s)
	}
	if !s.AutoRefresh {
		t.Fatal("expected auto refresh scheduled after login")
	}
	if s.Legacy {
		t.Fatal("dual-token login must not be legacy")
	}
	if l.count(ReasonLogin) != 1 {
		t.Fatalf("expected one login notification, got %v", l.reasons)
	}
	if got := c.metrics.Value(MetricLoginSuccess); got != 1 {
		t.Fatalf("expected login success metric 1, got %d", got)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	_, err := c.Login(context.Background(), testEmail, "wrong-password", true)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if c.Authenticated() || c.Token() != "" {
		t.Fatal("failed login must not leave a session")
	}
	if got := c.metrics.Value(MetricLoginFailure); got != 1 {
		t.Fatalf("expected login failure metric 1, got %d", got)
	}
}

func TestLoginWithoutUserFetchesProfile(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetOmitUser(true)
	env.srv.SetMeShape(authtest.MeData)
	c := env.client(t)

	user := env.login(t, c, false)
	if user.Email != testEmail {
		t.Fatalf("expected profile from /me, got %+v", user)
	}
	if env.srv.MeCalls() != 1 {
		t.Fatalf("expected one /me call, got %d", env.srv.MeCalls())
	}
}

func TestRegisterLogsIn(t *testing.T) {
	env := newTestEnv(t)
	l := &recordingListener{}
	c := env.client(t, func(b *Builder) { b.WithStateListener(l) })

	user, err := c.Register(context.Background(), "Bo", "bo@example.com", "secret1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Name != "Bo" || !c.Authenticated() {
		t.Fatalf("expected registered user logged in, got %+v", user)
	}
	if l.count(ReasonRegister) != 1 {
		t.Fatalf("expected register notification, got %v", l.reasons)
	}

	creds, err := c.vault.LoadCredentials(context.Background())
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.CanAutoLogin() {
		t.Fatal("register must not remember credentials")
	}

	_, err = c.Register(context.Background(), "Bo", "bo@example.com", "secret1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
	}
}

func TestRegisterValidationFields(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	_, err := c.Register(context.Background(), "", "not-an-email", "1")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var se *transport.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *transport.StatusError, got %T", err)
	}
	if se.Fields["email"] == "" || se.Fields["password"] == "" {
		t.Fatalf("expected field errors, got %v", se.Fields)
	}
}

func TestConcurrentRejectedRequestsShareOneRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetRefreshDelay(50 * time.Millisecond)
	c := env.client(t)
	env.login(t, c, false)

	before := c.Token()
	env.srv.ExpireAccessTokens()

	const k = 16
	var wg sync.WaitGroup
	errs := make(chan error, k)
	wg.Add(k)
	for i := 0; i < k; i++ {
		go func() {
			defer wg.Done()
			_, err := c.Me(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
	}
	if got := env.srv.RefreshCalls(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
	if c.Token() == before {
		t.Fatal("expected a new access token")
	}
	if got := c.metrics.Value(MetricRefreshRotated); got != 1 {
		t.Fatalf("expected one rotation, got %d", got)
	}
}

func TestRefreshPersistsRotatedPair(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	env.login(t, c, false)

	if _, err := c.Session().RefreshAccessToken(context.Background()); err != nil {
		t.Fatalf("RefreshAccessToken failed: %v", err)
	}
	access, refresh, err := c.vault.LoadTokens(context.Background())
	if err != nil {
		t.Fatalf("LoadTokens failed: %v", err)
	}
	if access != c.Token() || refresh != c.Session().RefreshToken() {
		t.Fatal("stored pair does not match the in-memory pair")
	}
}

func TestStartupValidationDoesNotRefresh(t *testing.T) {
	env := newTestEnv(t)
	first := env.client(t)
	env.login(t, first, false)
	_ = first.Close()

	env.srv.ExpireAccessTokens()

	l := &recordingListener{}
	second := env.client(t, func(b *Builder) { b.WithStateListener(l) })
	res, err := second.InitializeAuth(context.Background())
	if err == nil {
		t.Fatal("expected the rejection to be reported")
	}
	if res.Authenticated() {
		t.Fatal("expected unauthenticated startup")
	}
	if got := env.srv.RefreshCalls(); got != 0 {
		t.Fatalf("startup validation must not refresh, got %d calls", got)
	}
	if second.Token() != "" {
		t.Fatal("rejected session without remembered credentials must be cleared")
	}
	if l.count(ReasonSessionExpired) != 1 {
		t.Fatalf("expected session expired notification, got %v", l.reasons)
	}
	if second.State().Loading {
		t.Fatal("loading must be cleared after startup")
	}
}

func TestStartupRejectedSessionFallsBackToAutoLogin(t *testing.T) {
	env := newTestEnv(t)
	first := env.client(t)
	env.login(t, first, true)
	_ = first.Close()

	env.srv.ExpireAccessTokens()

	second := env.client(t)
	res, err := second.InitializeAuth(context.Background())
	if err != nil {
		t.Fatalf("InitializeAuth failed: %v", err)
	}
	if !res.Authenticated() || !res.AutoLogin {
		t.Fatalf("expected authenticated via auto login, got %+v", res)
	}
	want := []StartupState{
		StartupStarting, StartupTokenPresent, StartupValidating, StartupTryAutoLogin, StartupAuthenticated,
	}
	assertPath(t, res.Path, want)
	if got := env.srv.RefreshCalls(); got != 0 {
		t.Fatalf("expected no refresh calls, got %d", got)
	}
	if got := env.srv.LoginCalls(); got != 2 {
		t.Fatalf("expected the auto login to hit /login, got %d calls", got)
	}
}

func TestRememberMeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	first := env.client(t)
	user := env.login(t, first, true)
	_ = first.Close()

	second := env.client(t)
	res, err := second.InitializeAuth(context.Background())
	if err != nil {
		t.Fatalf("InitializeAuth failed: %v", err)
	}
	if !res.Authenticated() || res.AutoLogin {
		t.Fatalf("expected the stored session to be resumed, got %+v", res)
	}
	assertPath(t, res.Path, []StartupState{
		StartupStarting, StartupTokenPresent, StartupValidating, StartupAuthenticated,
	})
	if res.User == nil || res.User.ID != user.ID {
		t.Fatalf("expected resumed user %s, got %+v", user.ID, res.User)
	}
	if !second.State().AutoRefresh {
		t.Fatal("resumed session must schedule auto refresh")
	}
	if env.srv.LoginCalls() != 1 {
		t.Fatalf("resume must not log in again, got %d calls", env.srv.LoginCalls())
	}
}

func TestStartupWithoutTokens(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	res, err := c.InitializeAuth(context.Background())
	if err != nil {
		t.Fatalf("InitializeAuth failed: %v", err)
	}
	assertPath(t, res.Path, []StartupState{StartupStarting, StartupTokenAbsent, StartupUnauthenticated})
	if env.srv.MeCalls() != 0 || env.srv.LoginCalls() != 0 {
		t.Fatal("startup without tokens or credentials must not call the backend")
	}
}

func TestStartupUnreachableBackendKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	first := env.client(t)
	env.login(t, first, true)
	token := first.Token()
	_ = first.Close()

	env.srv.Close()

	second := env.client(t)
	res, err := second.InitializeAuth(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if res.Authenticated() {
		t.Fatal("expected unauthenticated result")
	}
	if second.Token() != token {
		t.Fatal("stored tokens must survive an unreachable backend")
	}
	creds, err := second.vault.LoadCredentials(context.Background())
	if err != nil || !creds.CanAutoLogin() {
		t.Fatalf("remembered credentials must survive, got %+v, %v", creds, err)
	}
}

// newMaintenanceServer answers every request with 503.
func newMaintenanceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"maintenance"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStartupServerErrorKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	first := env.client(t)
	env.login(t, first, true)
	token := first.Token()
	_ = first.Close()

	down := newMaintenanceServer(t)
	l := &recordingListener{}
	second := env.client(t, func(b *Builder) { b.WithBaseURL(down.URL).WithStateListener(l) })
	res, err := second.InitializeAuth(context.Background())
	if !errors.Is(err, ErrServer) {
		t.Fatalf("expected ErrServer, got %v", err)
	}
	if res.Authenticated() {
		t.Fatal("expected unauthenticated result")
	}
	assertPath(t, res.Path, []StartupState{
		StartupStarting, StartupTokenPresent, StartupValidating, StartupUnauthenticated,
	})
	if second.Token() != token {
		t.Fatal("stored tokens must survive a failing backend")
	}
	creds, err := second.vault.LoadCredentials(context.Background())
	if err != nil || !creds.CanAutoLogin() {
		t.Fatalf("remembered credentials must survive, got %+v, %v", creds, err)
	}
	if l.count(ReasonSessionExpired) != 0 {
		t.Fatal("a failing backend must not invalidate the session")
	}
}

func TestStartupAutoLoginServerErrorKeepsCredentials(t *testing.T) {
	env := newTestEnv(t)
	first := env.client(t)
	env.login(t, first, true)
	if err := first.vault.ClearTokens(context.Background()); err != nil {
		t.Fatalf("ClearTokens failed: %v", err)
	}
	_ = first.Close()

	down := newMaintenanceServer(t)
	second := env.client(t, func(b *Builder) { b.WithBaseURL(down.URL) })
	res, err := second.InitializeAuth(context.Background())
	if !errors.Is(err, ErrServer) {
		t.Fatalf("expected ErrServer, got %v", err)
	}
	assertPath(t, res.Path, []StartupState{
		StartupStarting, StartupTokenAbsent, StartupTryAutoLogin, StartupUnauthenticated,
	})
	creds, err := second.vault.LoadCredentials(context.Background())
	if err != nil || !creds.CanAutoLogin() {
		t.Fatalf("remembered credentials must survive a failing backend, got %+v, %v", creds, err)
	}
}

func TestStartupAutoLoginRejectedClearsCredentials(t *testing.T) {
	env := newTestEnv(t)
	first := env.client(t)
	env.login(t, first, true)
	ctx := context.Background()
	if err := first.vault.ClearTokens(ctx); err != nil {
		t.Fatalf("ClearTokens failed: %v", err)
	}
	if err := first.vault.UpdateSavedPassword(ctx, "stale-password"); err != nil {
		t.Fatalf("UpdateSavedPassword failed: %v", err)
	}
	_ = first.Close()

	second := env.client(t)
	res, err := second.InitializeAuth(ctx)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if res.Authenticated() {
		t.Fatal("expected unauthenticated result")
	}
	creds, _ := second.vault.LoadCredentials(ctx)
	if creds.CanAutoLogin() {
		t.Fatal("rejected credentials must be forgotten")
	}
}

func TestConcurrentInitializeAuthRunsOnce(t *testing.T) {
	env := newTestEnv(t)
	first := env.client(t)
	env.login(t, first, true)
	_ = first.Close()

	second := env.client(t)
	const n = 8
	var wg sync.WaitGroup
	results := make(chan StartupResult, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, _ := second.InitializeAuth(context.Background())
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	for res := range results {
		if !res.Authenticated() {
			t.Fatalf("every caller must see the authenticated result, got %+v", res)
		}
	}
	if env.srv.LoginCalls() != 1 {
		t.Fatalf("startup must resume the stored session, got %d logins", env.srv.LoginCalls())
	}
}

func assertPath(t *testing.T, got, want []StartupState) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected path %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected path %v, got %v", want, got)
		}
	}
}

func TestRefreshFailureRetryEscalatesToLogout(t *testing.T) {
	env := newTestEnv(t)
	p := &scriptedPrompter{script: []Outcome{OutcomeRetry}}
	l := &recordingListener{}
	c := env.client(t, func(b *Builder) { b.WithPrompter(p).WithStateListener(l) })
	env.login(t, c, true)

	env.srv.SetRefreshFailure(http.StatusInternalServerError)
	env.srv.ExpireAccessTokens()

	_, err := c.Me(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}

	waitFor(t, "forced logout", func() bool { return l.count(ReasonSessionExpired) == 1 })

	if got := p.recoverable.Load(); got != 1 {
		t.Fatalf("expected one recoverable prompt, got %d", got)
	}
	if got := p.expired.Load(); got != 1 {
		t.Fatalf("expected one session expired prompt, got %d", got)
	}
	if got := env.srv.RefreshCalls(); got != 2 {
		t.Fatalf("expected the original and the retry refresh, got %d", got)
	}
	if c.Authenticated() || c.Token() != "" {
		t.Fatal("escalated failure must end the session")
	}
	if c.State().Escalation != session.EscalationIdle {
		t.Fatalf("expected idle escalation after logout, got %s", c.State().Escalation)
	}
	creds, _ := c.vault.LoadCredentials(context.Background())
	if creds.CanAutoLogin() {
		t.Fatal("forced logout must clear remembered credentials")
	}
	if got := c.metrics.Value(MetricForcedLogout); got != 1 {
		t.Fatalf("expected forced logout metric 1, got %d", got)
	}
}

func TestRefreshFailureDismissReturnsToIdle(t *testing.T) {
	env := newTestEnv(t)
	p := &scriptedPrompter{}
	c := env.client(t, func(b *Builder) { b.WithPrompter(p) })
	env.login(t, c, false)

	env.srv.SetRefreshFailure(http.StatusServiceUnavailable)
	ctx := context.Background()

	for round := 1; round <= 2; round++ {
		if _, err := c.Session().RefreshAccessToken(ctx); err == nil {
			t.Fatal("expected refresh failure")
		}
		waitFor(t, "dismissed prompt", func() bool {
			return int(p.recoverable.Load()) == round &&
				c.State().Escalation == session.EscalationIdle &&
				c.Session().Escalation().Visible() == session.PromptNone
		})
	}

	if got := p.expired.Load(); got != 0 {
		t.Fatalf("dismissed failures must not escalate, got %d expired prompts", got)
	}
	if !c.Authenticated() {
		t.Fatal("dismiss must keep the session")
	}
}

func TestFailureWhilePromptVisibleIsSuppressed(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	p := &scriptedPrompter{gate: gate}
	c := env.client(t, func(b *Builder) { b.WithPrompter(p) })
	env.login(t, c, false)

	env.srv.SetRefreshFailure(http.StatusBadGateway)
	ctx := context.Background()

	_, _ = c.Session().RefreshAccessToken(ctx)
	waitFor(t, "first prompt", func() bool { return p.recoverable.Load() == 1 })

	_, _ = c.Session().RefreshAccessToken(ctx)
	waitFor(t, "suppressed failure", func() bool { return c.metrics.Value(MetricPromptSuppressed) == 1 })
	if c.State().Escalation != session.EscalationEscalated {
		t.Fatalf("state must advance while the prompt is visible, got %s", c.State().Escalation)
	}

	close(gate)
	waitFor(t, "prompt resolved", func() bool {
		return c.Session().Escalation().Visible() == session.PromptNone
	})
	if p.recoverable.Load() != 1 || p.expired.Load() != 0 {
		t.Fatalf("expected a single visible prompt, got %d recoverable, %d expired",
			p.recoverable.Load(), p.expired.Load())
	}
}

func TestRefreshFailureSuccessfulRetryReturnsToIdle(t *testing.T) {
	env := newTestEnv(t)
	p := &scriptedPrompter{
		script:   []Outcome{OutcomeRetry},
		onPrompt: func() { env.srv.SetRefreshFailure(0) },
	}
	c := env.client(t, func(b *Builder) { b.WithPrompter(p) })
	env.login(t, c, false)

	env.srv.SetRefreshFailure(http.StatusInternalServerError)
	if _, err := c.Session().RefreshAccessToken(context.Background()); err == nil {
		t.Fatal("expected refresh failure")
	}

	esc := c.Session().Escalation()
	waitFor(t, "successful retry", func() bool {
		return env.srv.RefreshCalls() == 2 &&
			esc.State() == session.EscalationIdle &&
			esc.Visible() == session.PromptNone
	})
	if esc.FailCount() != 0 {
		t.Fatalf("expected fail count 0 after a successful retry, got %d", esc.FailCount())
	}
	if p.expired.Load() != 0 {
		t.Fatal("a successful retry must not escalate")
	}
	if !c.Authenticated() || c.Token() == "" {
		t.Fatal("a successful retry must keep the session")
	}
}

func TestPrompterPanicForcesLogout(t *testing.T) {
	env := newTestEnv(t)
	l := &recordingListener{}
	c := env.client(t, func(b *Builder) { b.WithPrompter(panicPrompter{}).WithStateListener(l) })
	env.login(t, c, true)

	env.srv.SetRefreshFailure(http.StatusInternalServerError)
	if _, err := c.Session().RefreshAccessToken(context.Background()); err == nil {
		t.Fatal("expected refresh failure")
	}

	waitFor(t, "forced logout", func() bool { return l.count(ReasonSessionExpired) == 1 })
	if c.Authenticated() || c.Token() != "" || c.Session().RefreshToken() != "" {
		t.Fatal("a panicking prompt must end the session")
	}
	if v := c.Session().Escalation().Visible(); v != session.PromptNone {
		t.Fatalf("a panicking prompt must release the guard, got %s", v)
	}
	creds, _ := c.vault.LoadCredentials(context.Background())
	if creds.CanAutoLogin() {
		t.Fatal("forced logout must clear remembered credentials")
	}
}

func TestPromptFromEndedSessionIsCancelled(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	p := &scriptedPrompter{gate: gate, script: []Outcome{OutcomeForceLogin}}
	c := env.client(t, func(b *Builder) { b.WithPrompter(p) })
	env.login(t, c, false)
	ctx := context.Background()

	env.srv.SetRefreshFailure(http.StatusBadGateway)
	_, _ = c.Session().RefreshAccessToken(ctx)
	waitFor(t, "first prompt", func() bool { return p.recoverable.Load() == 1 })

	c.Logout(ctx)
	waitFor(t, "stale prompt closed", func() bool {
		return p.cancelled.Load() == 1 && c.Session().Escalation().Visible() == session.PromptNone
	})

	env.srv.SetRefreshFailure(0)
	env.login(t, c, false)
	env.srv.SetRefreshFailure(http.StatusBadGateway)
	env.srv.ExpireAccessTokens()
	if err := c.Do(ctx, transport.Request{Method: http.MethodGet, Path: "/receipts", Auth: true}, nil); err == nil {
		t.Fatal("expected the request to fail")
	}
	waitFor(t, "second prompt", func() bool { return p.recoverable.Load() == 2 })

	if got := p.maxActive.Load(); got != 1 {
		t.Fatalf("prompts must never overlap, saw %d at once", got)
	}
	if !c.Authenticated() {
		t.Fatal("the answer of a cancelled prompt must not touch the new session")
	}

	close(gate)
	waitFor(t, "second prompt resolved", func() bool {
		return c.Session().Escalation().Visible() == session.PromptNone
	})
	if got := p.maxActive.Load(); got != 1 {
		t.Fatalf("prompts must never overlap, saw %d at once", got)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	l := &recordingListener{}
	c := env.client(t, func(b *Builder) { b.WithStateListener(l) })
	env.login(t, c, true)

	ctx := context.Background()
	c.Logout(ctx)
	c.Logout(ctx)

	if c.Authenticated() || c.Token() != "" || c.State().AutoRefresh {
		t.Fatalf("expected cleared session, got %+v", c.State())
	}
	if got := env.srv.LogoutCalls(); got != 1 {
		t.Fatalf("expected one backend logout, got %d", got)
	}

	env.login(t, c, true)
	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c.Logout(ctx)
		}()
	}
	wg.Wait()

	if got := env.srv.LogoutCalls(); got != 2 {
		t.Fatalf("concurrent logouts must share one backend call, got %d total", got)
	}
	if c.Authenticated() {
		t.Fatal("expected logged out")
	}

	next := env.client(t)
	res, err := next.InitializeAuth(ctx)
	if err != nil {
		t.Fatalf("InitializeAuth failed: %v", err)
	}
	assertPath(t, res.Path, []StartupState{StartupStarting, StartupTokenAbsent, StartupUnauthenticated})
}

func TestLogoutSurvivesUnreachableBackend(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	env.login(t, c, false)

	env.srv.Close()
	c.Logout(context.Background())

	if c.Authenticated() || c.Token() != "" {
		t.Fatal("local logout must complete without the backend")
	}
}

func TestLegacyLoginHasNoTimer(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetLegacyLogin(true)
	clock := clocktest.New()
	l := &recordingListener{}
	c := env.client(t, func(b *Builder) { b.WithClock(clock).WithStateListener(l) })

	env.login(t, c, false)
	s := c.State()
	if !s.Authenticated || !s.Legacy {
		t.Fatalf("expected authenticated legacy session, got %+v", s)
	}
	if s.AutoRefresh || clock.Live() != 0 {
		t.Fatal("legacy session must not schedule auto refresh")
	}

	clock.Advance(7 * time.Hour)
	env.srv.ExpireAccessTokens()

	_, err := c.Me(context.Background())
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrUnauthorized wrapping ErrNoRefreshToken, got %v", err)
	}
	if env.srv.RefreshCalls() != 0 {
		t.Fatalf("legacy session must never call refresh, got %d", env.srv.RefreshCalls())
	}
	if c.Authenticated() || l.count(ReasonSessionExpired) != 1 {
		t.Fatal("rejected legacy session must be invalidated")
	}
}

func TestAutoRefreshTimer(t *testing.T) {
	env := newTestEnv(t)
	clock := clocktest.New()
	c := env.client(t, func(b *Builder) { b.WithClock(clock) })

	env.login(t, c, false)
	if clock.Live() != 1 {
		t.Fatalf("expected one live ticker, got %d", clock.Live())
	}

	clock.Advance(session.DefaultAutoRefreshInterval)
	waitFor(t, "scheduled refresh", func() bool { return env.srv.RefreshCalls() == 1 })

	// a second login replaces the timer
	env.login(t, c, false)
	waitFor(t, "single ticker", func() bool { return clock.Live() == 1 })
}

func TestLogoutStopsAutoRefresh(t *testing.T) {
	env := newTestEnv(t)
	clock := clocktest.New()
	c := env.client(t, func(b *Builder) { b.WithClock(clock) })

	env.login(t, c, false)
	c.Logout(context.Background())
	waitFor(t, "ticker stopped", func() bool { return clock.Live() == 0 })

	clock.Advance(2 * session.DefaultAutoRefreshInterval)
	time.Sleep(50 * time.Millisecond)
	if got := env.srv.RefreshCalls(); got != 0 {
		t.Fatalf("no refresh may run after logout, got %d", got)
	}
}

func TestEmailChangeRequiresBothCodes(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	env.login(t, c, true)
	ctx := context.Background()
	const newEmail = "ana.new@example.com"

	if err := c.RequestEmailChange(ctx, newEmail); err != nil {
		t.Fatalf("RequestEmailChange failed: %v", err)
	}
	codeOld, codeNew := env.srv.EmailChangeCodes(testEmail)

	if _, err := c.ConfirmEmailChange(ctx, newEmail, codeOld, "  "); !errors.Is(err, ErrEmailChangeCodes) {
		t.Fatalf("expected ErrEmailChangeCodes, got %v", err)
	}
	if _, err := c.ConfirmEmailChange(ctx, newEmail, codeOld, "bad000"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for a wrong code, got %v", err)
	}
	if got := c.State().User.Email; got != testEmail {
		t.Fatalf("failed confirmation changed the email to %s", got)
	}
	if _, ok := env.srv.User(testEmail); !ok {
		t.Fatal("backend account must keep the old email")
	}

	user, err := c.ConfirmEmailChange(ctx, newEmail, codeOld, codeNew)
	if err != nil {
		t.Fatalf("ConfirmEmailChange failed: %v", err)
	}
	if user.Email != newEmail || c.State().User.Email != newEmail {
		t.Fatalf("expected email %s, got %+v", newEmail, user)
	}
	creds, err := c.vault.LoadCredentials(ctx)
	if err != nil || creds.Email != newEmail {
		t.Fatalf("remembered email must follow the change, got %+v, %v", creds, err)
	}
}

func TestAccountOperationsRequireSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	ctx := context.Background()

	if _, err := c.Me(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Me: expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := c.UpdateProfile(ctx, "x"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("UpdateProfile: expected ErrNotAuthenticated, got %v", err)
	}
	if err := c.ChangePassword(ctx, "a", "b"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("ChangePassword: expected ErrNotAuthenticated, got %v", err)
	}
}

func TestUpdateProfileNotifies(t *testing.T) {
	env := newTestEnv(t)
	l := &recordingListener{}
	c := env.client(t, func(b *Builder) { b.WithStateListener(l) })
	env.login(t, c, false)

	user, err := c.UpdateProfile(context.Background(), "Ana Maria")
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if user.Name != "Ana Maria" || c.State().User.Name != "Ana Maria" {
		t.Fatalf("expected updated name, got %+v", user)
	}
	if l.count(ReasonProfileUpdated) != 1 {
		t.Fatalf("expected profile updated notification, got %v", l.reasons)
	}
}

func TestChangePasswordUpdatesRememberedPassword(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	env.login(t, c, true)
	ctx := context.Background()

	if err := c.ChangePassword(ctx, "wrong", "newsecret"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for a wrong current password, got %v", err)
	}
	if !c.Authenticated() {
		t.Fatal("a wrong current password must not end the session")
	}

	if err := c.ChangePassword(ctx, testPassword, "newsecret"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	creds, err := c.vault.LoadCredentials(ctx)
	if err != nil || creds.Password != "newsecret" {
		t.Fatalf("expected remembered password updated, got %+v, %v", creds, err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	ctx := context.Background()

	if err := c.ForgotPassword(ctx, testEmail); err != nil {
		t.Fatalf("ForgotPassword failed: %v", err)
	}
	token := env.srv.ResetToken(testEmail)
	if token == "" {
		t.Fatal("expected a reset token to be issued")
	}
	if err := c.ResetPassword(ctx, testEmail, "bogus", "newsecret"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for a bad token, got %v", err)
	}
	if err := c.ResetPassword(ctx, testEmail, token, "newsecret"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if _, err := c.Login(ctx, testEmail, "newsecret", false); err != nil {
		t.Fatalf("login with the new password failed: %v", err)
	}
}

func TestAuditEventsEmitted(t *testing.T) {
	env := newTestEnv(t)
	sink := NewChannelSink(64)
	c := env.client(t, func(b *Builder) {
		cfg := b.config
		cfg.Audit.Enabled = true
		b.WithConfig(cfg).WithAuditSink(sink)
	})
	env.login(t, c, false)
	c.Logout(context.Background())
	_ = c.Close()

	var types []string
	for {
		select {
		case ev := <-sink.Events():
			if ev.ID == "" || ev.Timestamp.IsZero() {
				t.Fatalf("event %s missing id or timestamp", ev.EventType)
			}
			types = append(types, ev.EventType)
			continue
		default:
		}
		break
	}
	if len(types) < 2 || types[0] != AuditLogin || types[len(types)-1] != AuditLogout {
		t.Fatalf("expected login then logout events, got %v", types)
	}
}
