package gastosauth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mathchety/gastosauth/credstore"
	"github.com/Mathchety/gastosauth/session"
	"github.com/Mathchety/gastosauth/transport"
)

// Builder assembles a Client. Configure it during initialization, call Build once.
type Builder struct {
	config Config

	httpClient *http.Client
	plain      credstore.Store
	secure     credstore.Store
	redis      redis.UniversalClient

	prompter  Prompter
	listener  StateListener
	auditSink AuditSink
	logger    *zap.Logger
	clock     session.Clock

	built bool
}

// New starts a Builder from DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration; later With calls apply on top of it.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithBaseURL sets Config.API.BaseURL.
func (b *Builder) WithBaseURL(baseURL string) *Builder {
	b.config.API.BaseURL = baseURL
	return b
}

// WithHTTPClient replaces the default client built from API.RequestTimeout.
func (b *Builder) WithHTTPClient(hc *http.Client) *Builder {
	b.httpClient = hc
	return b
}

// WithStores sets the plaintext and secure stores explicitly, overriding the
// Credentials backend. The secure store should encrypt; see credstore.SealedStore.
func (b *Builder) WithStores(plain, secure credstore.Store) *Builder {
	b.plain = plain
	b.secure = secure
	return b
}

// WithRedis supplies the client for the redis Credentials backend instead of dialing
// Credentials.RedisAddr.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPrompter sets who presents refresh-failure prompts. Without one, failures are
// dismissed and an escalated failure logs out.
func (b *Builder) WithPrompter(p Prompter) *Builder {
	b.prompter = p
	return b
}

// WithStateListener registers the receiver of session state changes.
func (b *Builder) WithStateListener(l StateListener) *Builder {
	b.listener = l
	return b
}

// WithAuditSink sets where audit events go when Config.Audit is enabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the root logger; the default discards everything.
func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.logger = log
	return b
}

// WithMetricsEnabled sets Config.Metrics.Enabled.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms sets Config.Metrics.EnableLatencyHistograms.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock replaces the wall clock used for timers and timestamps.
func (b *Builder) WithClock(clock session.Clock) *Builder {
	b.clock = clock
	return b
}

// Build validates the configuration and wires the Client. A Builder builds once.
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := b.logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = session.SystemClock()
	}

	// -------- CREDENTIAL STORES --------
	plain, secure, ownedRedis, err := b.stores(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		log:       log,
		vault:     credstore.NewVault(plain, secure),
		listener:  b.listener,
		prompter:  b.prompter,
		metrics:   NewMetrics(cfg.Metrics),
		clock:     clock,
		ownsRedis: ownedRedis,
	}
	if c.prompter == nil {
		c.prompter = headlessPrompter{}
	}
	c.audit = newAuditDispatcher(cfg.Audit, b.auditSink, clock.Now)

	// -------- TRANSPORT --------
	c.http = transport.New(transport.Config{
		BaseURL:     cfg.API.BaseURL,
		Timeout:     cfg.API.RequestTimeout,
		RefreshSkew: cfg.Session.RefreshSkew,
		UserAgent:   cfg.API.UserAgent,
		HTTPClient:  b.httpClient,
		Logger:      log.Named("transport"),
		Now:         clock.Now,
		Observe:     c.observeRequest,
	})

	// -------- SESSION MANAGER --------
	c.session = session.NewManager(
		endpointRefresher{http: c.http, path: cfg.API.Paths.Refresh},
		tokenPersister{vault: c.vault},
		session.Config{
			AutoRefreshInterval: cfg.Session.AutoRefreshInterval,
			RefreshTimeout:      cfg.Session.RefreshTimeout,
			Clock:               clock,
			Logger:              log.Named("session"),
			OnRefresh:           c.observeRefresh,
		},
	)
	c.http.SetTokenSource(c.session)

	b.built = true

	return c, nil
}

func (b *Builder) stores(cfg CredentialsConfig) (plain, secure credstore.Store, owned *redis.Client, err error) {
	if b.plain != nil || b.secure != nil {
		if b.plain == nil || b.secure == nil {
			return nil, nil, nil, errors.New("WithStores requires both a plaintext and a secure store")
		}
		return b.plain, b.secure, nil, nil
	}

	var secureInner credstore.Store
	switch cfg.Backend {
	case BackendRedis:
		client := b.redis
		if client == nil {
			owned = redis.NewClient(&redis.Options{
				Addr:        cfg.RedisAddr,
				DialTimeout: 5 * time.Second,
			})
			client = owned
		}
		plain = credstore.NewRedisStore(client, cfg.RedisPrefix+":plain", cfg.RedisTTL)
		secureInner = credstore.NewRedisStore(client, cfg.RedisPrefix+":secure", cfg.RedisTTL)
	default:
		plain = credstore.NewMemoryStore()
		secureInner = credstore.NewMemoryStore()
	}

	if cfg.Passphrase == "" {
		return plain, secureInner, owned, nil
	}

	salt, err := base64.StdEncoding.DecodeString(cfg.Salt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: decode Credentials Salt: %w", ErrInvalidConfig, err)
	}
	key, err := credstore.DeriveKey([]byte(cfg.Passphrase), salt, cfg.kdf())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	sealed, err := credstore.NewSealedStore(secureInner, key)
	if err != nil {
		return nil, nil, nil, err
	}
	return plain, sealed, owned, nil
}
