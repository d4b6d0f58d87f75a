package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mathchety/gastosauth/jwt"
)

const (
	// HeaderRequestID carries a per-request uuid.
	HeaderRequestID = "X-Request-Id"
	maxErrorBody    = 64 << 10
)

// TokenSource is the session side of the transport: a token snapshot and the refresh
// hook used after a rejection.
type TokenSource interface {
	Token() string
	RefreshAfterReject(ctx context.Context, rejected string) (string, error)
}

// Request describes one backend call.
type Request struct {
	Method string
	Path   string
	Body   any
	// Auth attaches the bearer token and enables 401 recovery.
	Auth bool
	// NoAutoRefresh surfaces a 401 immediately instead of refreshing.
	NoAutoRefresh bool
	Header        http.Header
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RefreshSkew triggers a refresh before sending when the access token is a JWT
	// expiring within this window. Zero disables it.
	RefreshSkew time.Duration
	UserAgent   string
	HTTPClient  *http.Client
	Logger      *zap.Logger
	Now         func() time.Time
	// Observe, when set, is called after every HTTP exchange.
	Observe func(method, path string, status int, d time.Duration)
}

// Client sends JSON requests to the backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cfg        Config
	log        *zap.Logger
	src        TokenSource
}

// New builds a Client. SetTokenSource must be called before authenticated requests.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: hc,
		cfg:        cfg,
		log:        cfg.Logger,
	}
}

// SetTokenSource binds the session. It must be called before concurrent use.
func (c *Client) SetTokenSource(src TokenSource) {
	c.src = src
}

// Do sends req and decodes a 2xx JSON body into out (which may be nil).
//
// For Auth requests a 401 is recovered once through the TokenSource. The retry uses the
// refreshed token; a second 401 returns ErrUnauthorized.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = b
	}

	token := ""
	if req.Auth && c.src != nil {
		token = c.src.Token()
		if !req.NoAutoRefresh && token != "" && c.cfg.RefreshSkew > 0 &&
			jwt.ExpiresWithin(token, c.cfg.RefreshSkew, c.cfg.Now()) {
			if fresh, err := c.src.RefreshAfterReject(ctx, token); err == nil {
				token = fresh
			} else {
				c.log.Debug("preemptive refresh failed", zap.String("path", req.Path), zap.Error(err))
			}
		}
	}

	status, respBody, err := c.send(ctx, req, body, token)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized && req.Auth {
		if req.NoAutoRefresh || c.src == nil {
			return newStatusError(status, respBody)
		}
		fresh, rerr := c.src.RefreshAfterReject(ctx, token)
		if rerr != nil {
			return rerr
		}
		status, respBody, err = c.send(ctx, req, body, fresh)
		if err != nil {
			return err
		}
	}

	if status < 200 || status > 299 {
		return newStatusError(status, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrMalformedResponse, req.Method, req.Path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, req Request, body []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	reqID := uuid.NewString()
	httpReq.Header.Set(HeaderRequestID, reqID)

	start := c.cfg.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.observe(req, 0, start)
		c.log.Debug("request failed",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.String("request_id", reqID),
			zap.Error(err),
		)
		return 0, nil, handleRequestError(ctx, req, err)
	}
	defer resp.Body.Close()

	limit := int64(-1)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		limit = maxErrorBody
	}
	respBody, err := readBody(resp.Body, limit)
	c.observe(req, resp.StatusCode, start)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read %s %s: %w", ErrNetwork, req.Method, req.Path, err)
	}

	c.log.Debug("request completed",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", reqID),
	)
	return resp.StatusCode, respBody, nil
}

func (c *Client) observe(req Request, status int, start time.Time) {
	if c.cfg.Observe != nil {
		c.cfg.Observe(req.Method, req.Path, status, c.cfg.Now().Sub(start))
	}
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	return io.ReadAll(r)
}

func handleRequestError(ctx context.Context, req Request, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %s %s: request canceled: %w", ErrNetwork, req.Method, req.Path, ctx.Err())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s %s: request timed out: %w", ErrNetwork, req.Method, req.Path, ctx.Err())
	default:
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.Path, err)
	}
}
