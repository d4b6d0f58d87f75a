package gastosauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Mathchety/gastosauth/authtest"
	"github.com/Mathchety/gastosauth/credstore"
)

const (
	testName     = "Ana"
	testEmail    = "ana@example.com"
	testPassword = "secret1"
)

type testEnv struct {
	srv    *authtest.Server
	plain  *credstore.MemoryStore
	secure *credstore.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := authtest.New()
	t.Cleanup(srv.Close)
	srv.Seed(testName, testEmail, testPassword)
	return &testEnv{
		srv:    srv,
		plain:  credstore.NewMemoryStore(),
		secure: credstore.NewMemoryStore(),
	}
}

// client builds a Client over the env's server and stores. Clients built from the
// same env share persisted state, like two launches of the app.
func (e *testEnv) client(t *testing.T, opts ...func(*Builder)) *Client {
	t.Helper()

	// observer core: safe to log into after the test returns
	core, _ := observer.New(zap.DebugLevel)
	b := New().
		WithBaseURL(e.srv.URL).
		WithStores(e.plain, e.secure).
		WithLogger(zap.New(core)).
		WithMetricsEnabled(true)
	for _, opt := range opts {
		opt(b)
	}

	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (e *testEnv) login(t *testing.T, c *Client, rememberMe bool) UserProfile {
	t.Helper()
	user, err := c.Login(context.Background(), testEmail, testPassword, rememberMe)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return user
}

type recordingListener struct {
	mu      sync.Mutex
	reasons []Reason
	last    State
}

func (l *recordingListener) StateChanged(s State, r Reason) {
	l.mu.Lock()
	l.reasons = append(l.reasons, r)
	l.last = s
	l.mu.Unlock()
}

func (l *recordingListener) count(r Reason) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.reasons {
		if got == r {
			n++
		}
	}
	return n
}

// scriptedPrompter answers recoverable prompts from a script, then with Dismiss. A
// non-nil gate blocks each recoverable prompt until it is closed, receives, or the
// prompt context is cancelled.
type scriptedPrompter struct {
	mu     sync.Mutex
	script []Outcome
	gate   chan struct{}
	// onPrompt, when set, runs as each recoverable prompt opens
	onPrompt func()

	recoverable atomic.Int32
	expired     atomic.Int32
	cancelled   atomic.Int32
	active      atomic.Int32
	maxActive   atomic.Int32
}

func (p *scriptedPrompter) enter() {
	n := p.active.Add(1)
	for {
		m := p.maxActive.Load()
		if n <= m || p.maxActive.CompareAndSwap(m, n) {
			return
		}
	}
}

func (p *scriptedPrompter) PromptRefreshFailed(ctx context.Context, _ error) Outcome {
	p.enter()
	defer p.active.Add(-1)
	p.recoverable.Add(1)
	if p.onPrompt != nil {
		p.onPrompt()
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			p.cancelled.Add(1)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return OutcomeDismiss
	}
	o := p.script[0]
	p.script = p.script[1:]
	return o
}

func (p *scriptedPrompter) PromptSessionExpired(context.Context, error) Outcome {
	p.enter()
	defer p.active.Add(-1)
	p.expired.Add(1)
	return OutcomeForceLogin
}

// panicPrompter panics on every prompt.
type panicPrompter struct{}

func (panicPrompter) PromptRefreshFailed(context.Context, error) Outcome {
	panic("prompter exploded")
}

func (panicPrompter) PromptSessionExpired(context.Context, error) Outcome {
	panic("prompter exploded")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
