package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const refreshFlightKey = "refresh"

const (
	// DefaultAutoRefreshInterval is the period of the silent-renewal timer.
	DefaultAutoRefreshInterval = 6 * time.Hour
	// DefaultRefreshTimeout bounds one refresh call.
	DefaultRefreshTimeout = 15 * time.Second
)

// TokenPair is the access/refresh credential pair. An empty string means absent.
type TokenPair struct {
	Access  string
	Refresh string
}

// Empty reports whether neither token is set.
func (p TokenPair) Empty() bool { return p.Access == "" && p.Refresh == "" }

// Refresher exchanges a refresh token for a new pair. The returned Refresh may be empty
// when the backend does not rotate.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (TokenPair, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return f(ctx, refreshToken)
}

// Persister stores the token pair across process restarts.
type Persister interface {
	LoadTokens(ctx context.Context) (TokenPair, error)
	SaveTokens(ctx context.Context, pair TokenPair) error
	ClearTokens(ctx context.Context) error
}

type memoryPersister struct{}

func (memoryPersister) LoadTokens(context.Context) (TokenPair, error) { return TokenPair{}, nil }
func (memoryPersister) SaveTokens(context.Context, TokenPair) error  { return nil }
func (memoryPersister) ClearTokens(context.Context) error            { return nil }

// FailureHandler receives refresh failures. It is called on its own goroutine, once per
// failed refresh flight, so a waiter may see the error before the handler runs. A
// synchronous call would deadlock a handler that retries: the retry would wait on the
// flight that is waiting for the handler. Retries from the handler start a new flight.
type FailureHandler interface {
	HandleRefreshFailure(ctx context.Context, err error)
}

// FailureHandlerFunc adapts a function to FailureHandler.
type FailureHandlerFunc func(ctx context.Context, err error)

// HandleRefreshFailure calls f.
func (f FailureHandlerFunc) HandleRefreshFailure(ctx context.Context, err error) { f(ctx, err) }

// RefreshResult describes one completed refresh flight.
type RefreshResult struct {
	Duration time.Duration
	Rotated  bool
	Err      error
}

// Config tunes a Manager. Zero fields take defaults.
type Config struct {
	AutoRefreshInterval time.Duration
	RefreshTimeout      time.Duration
	Clock               Clock
	Logger              *zap.Logger
	// OnRefresh, when set, is called synchronously after every refresh flight.
	OnRefresh func(RefreshResult)
}

// Manager owns the in-memory token pair and the refresh protocol.
type Manager struct {
	cfg       Config
	refresher Refresher
	store     Persister
	log       *zap.Logger

	mu      sync.RWMutex
	tokens  TokenPair
	version uint64

	persistMu sync.Mutex

	handlerMu sync.RWMutex
	handler   FailureHandler

	flight     singleflight.Group
	escalation Escalation

	timerMu   sync.Mutex
	timerGen  uint64
	timerStop chan struct{}
}

// NewManager builds a Manager. A nil store keeps tokens in memory only.
func NewManager(refresher Refresher, store Persister, cfg Config) *Manager {
	if cfg.AutoRefreshInterval == 0 {
		cfg.AutoRefreshInterval = DefaultAutoRefreshInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if store == nil {
		store = memoryPersister{}
	}
	return &Manager{
		cfg:       cfg,
		refresher: refresher,
		store:     store,
		log:       cfg.Logger,
	}
}

// Init loads persisted tokens into memory and returns them. It never fails; a store
// error leaves the session empty.
func (m *Manager) Init(ctx context.Context) TokenPair {
	pair, err := m.store.LoadTokens(ctx)
	if err != nil {
		m.log.Warn("load persisted tokens", zap.Error(err))
		pair = TokenPair{}
	}

	m.mu.Lock()
	m.tokens = pair
	m.version++
	m.mu.Unlock()

	return pair
}

// SetTokens replaces both tokens atomically and writes them through to the store.
// SetTokens(ctx, TokenPair{}) clears the session. The in-memory pair is updated even
// when persisting fails.
func (m *Manager) SetTokens(ctx context.Context, pair TokenPair) error {
	m.mu.Lock()
	m.tokens = pair
	m.version++
	v := m.version
	m.mu.Unlock()

	if err := m.persist(ctx, pair, v); err != nil {
		return fmt.Errorf("session: persist tokens: %w", err)
	}
	return nil
}

// Token returns the current access token.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens.Access
}

// RefreshToken returns the current refresh token.
func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens.Refresh
}

// Tokens returns a copy of the current pair.
func (m *Manager) Tokens() TokenPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens
}

// Escalation exposes the failure-escalation state machine.
func (m *Manager) Escalation() *Escalation { return &m.escalation }

// SetFailureHandler registers h as the only failure handler. Nil deregisters.
func (m *Manager) SetFailureHandler(h FailureHandler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

func (m *Manager) failureHandler() FailureHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

// RefreshAccessToken exchanges the refresh token for a new access token.
//
// Concurrent callers share one flight. Cancelling ctx only abandons this caller's wait;
// the flight itself is bounded by Config.RefreshTimeout.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	if m.RefreshToken() == "" {
		return "", ErrNoRefreshToken
	}

	ch := m.flight.DoChan(refreshFlightKey, m.runRefresh)
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RefreshAfterReject is the transport hook for a rejected access token. If the current
// token already differs from rejected, another flight rotated it and it is returned
// without a network call.
func (m *Manager) RefreshAfterReject(ctx context.Context, rejected string) (string, error) {
	if cur := m.Token(); cur != "" && cur != rejected {
		return cur, nil
	}
	return m.RefreshAccessToken(ctx)
}

func (m *Manager) runRefresh() (any, error) {
	m.mu.RLock()
	refresh := m.tokens.Refresh
	m.mu.RUnlock()
	if refresh == "" {
		return nil, ErrNoRefreshToken
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshTimeout)
	defer cancel()

	start := m.cfg.Clock.Now()
	pair, err := m.refresher.Refresh(ctx, refresh)
	if err == nil && pair.Access == "" {
		err = ErrEmptyAccessToken
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		m.observe(RefreshResult{Duration: m.cfg.Clock.Now().Sub(start), Err: err})
		m.log.Warn("access token refresh failed", zap.Error(err))
		// the outcome is settled; a retry from the handler starts a new flight
		m.flight.Forget(refreshFlightKey)
		m.notifyFailure(err)
		return nil, err
	}

	next := TokenPair{Access: pair.Access, Refresh: refresh}
	if pair.Refresh != "" {
		next.Refresh = pair.Refresh
	}

	m.mu.Lock()
	switch m.tokens.Refresh {
	case "":
		// logged out while the flight was running
		m.mu.Unlock()
		return nil, ErrNoRefreshToken
	case refresh:
		m.tokens = next
		m.version++
	default:
		// a newer login owns the state now
		cur := m.tokens.Access
		m.mu.Unlock()
		return cur, nil
	}
	v := m.version
	m.mu.Unlock()

	if perr := m.persist(ctx, next, v); perr != nil {
		m.log.Warn("persist refreshed tokens", zap.Error(perr))
	}
	m.escalation.Reset()
	m.observe(RefreshResult{
		Duration: m.cfg.Clock.Now().Sub(start),
		Rotated:  pair.Refresh != "" && pair.Refresh != refresh,
	})
	m.log.Debug("access token refreshed", zap.Bool("rotated", pair.Refresh != ""))

	return next.Access, nil
}

// persist writes pair unless a newer version already replaced it in memory.
func (m *Manager) persist(ctx context.Context, pair TokenPair, version uint64) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	current := m.version
	m.mu.RUnlock()
	if current != version {
		return nil
	}

	if pair.Empty() {
		return m.store.ClearTokens(ctx)
	}
	return m.store.SaveTokens(ctx, pair)
}

func (m *Manager) notifyFailure(err error) {
	h := m.failureHandler()
	if h == nil {
		m.log.Warn("refresh failure with no handler registered", zap.Error(err))
		return
	}
	go h.HandleRefreshFailure(context.Background(), err)
}

func (m *Manager) observe(r RefreshResult) {
	if m.cfg.OnRefresh != nil {
		m.cfg.OnRefresh(r)
	}
}

// SetupAutoRefresh (re)starts the periodic refresh timer. Calling it again replaces the
// previous timer.
func (m *Manager) SetupAutoRefresh() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	m.stopTimerLocked()
	if m.cfg.AutoRefreshInterval < 0 {
		return
	}

	ticks, stopTicker := m.cfg.Clock.NewTicker(m.cfg.AutoRefreshInterval)
	m.timerGen++
	gen := m.timerGen
	stop := make(chan struct{})
	m.timerStop = stop

	go func() {
		defer stopTicker()
		for {
			select {
			case <-stop:
				return
			case <-ticks:
				m.autoRefreshTick(gen)
			}
		}
	}()
}

// TeardownAutoRefresh cancels the timer. Ticks already delivered become no-ops.
func (m *Manager) TeardownAutoRefresh() {
	m.timerMu.Lock()
	m.stopTimerLocked()
	m.timerMu.Unlock()
}

// AutoRefreshActive reports whether the timer is scheduled.
func (m *Manager) AutoRefreshActive() bool {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	return m.timerStop != nil
}

func (m *Manager) stopTimerLocked() {
	if m.timerStop == nil {
		return
	}
	close(m.timerStop)
	m.timerStop = nil
	m.timerGen++
}

func (m *Manager) timerCurrent(gen uint64) bool {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	return m.timerStop != nil && m.timerGen == gen
}

func (m *Manager) autoRefreshTick(gen uint64) {
	if !m.timerCurrent(gen) || m.RefreshToken() == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshTimeout)
	defer cancel()

	// failures already reached the handler through the flight
	if _, err := m.RefreshAccessToken(ctx); err != nil {
		m.log.Info("scheduled refresh did not complete", zap.Error(err))
	}
}

// Close stops the timer. The Manager stays usable.
func (m *Manager) Close() {
	m.TeardownAutoRefresh()
}
