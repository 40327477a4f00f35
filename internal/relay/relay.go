// Package relay talks to the upstream answer service over its session based
// web protocol and normalizes what comes back.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/session"
)

// Upstream endpoints, relative to Config.BaseURL.
const (
	AskPath    = "/rest/ratelimit/search/ask"
	UploadPath = "/rest/ratelimit/upload"
)

const (
	DefaultBaseURL       = "https://www.perplexity.ai"
	DefaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultAskTimeout    = 60 * time.Second
	DefaultUploadTimeout = 30 * time.Second
	DefaultProbeTimeout  = 10 * time.Second

	sessionCookie = "__Secure-next-auth.session-token"
)

// Config holds the upstream connection settings.
type Config struct {
	BaseURL       string        `yaml:"base_url"`
	SessionToken  string        `yaml:"session_token"`
	UserAgent     string        `yaml:"user_agent"`
	AskTimeout    time.Duration `yaml:"ask_timeout"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = DefaultAskTimeout
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	return c
}

// AskRequest is a text query.
type AskRequest struct {
	Query           string
	Model           string
	Focus           string
	EnableReasoning bool
}

// ImageRequest is a query about a local image file.
type ImageRequest struct {
	Query     string
	ImagePath string
	Model     string
}

// Client is the upstream relay. Its methods never return errors: every
// failure is folded into the result.
type Client struct {
	cfg      Config
	http     *http.Client
	clock    clock.Clock
	logger   *slog.Logger
	sessions *session.Manager
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = clock.OrReal(c) }
}

// WithSessions replaces the session manager built by New.
func WithSessions(m *session.Manager) Option {
	return func(cl *Client) { cl.sessions = m }
}

// New creates a relay client.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		http:   &http.Client{},
		clock:  clock.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sessions == nil {
		c.sessions = session.NewManager(c.cfg.BaseURL,
			session.WithHTTPClient(c.http),
			session.WithRequestDecorator(c.decorate),
			session.WithClock(c.clock),
			session.WithLogger(c.logger),
			session.WithProber(c),
		)
	}
	return c
}

// HasCredential reports whether a session token is configured.
func (c *Client) HasCredential() bool {
	return c.cfg.SessionToken != ""
}

// Sessions exposes the session manager.
func (c *Client) Sessions() *session.Manager {
	return c.sessions
}

type askPayload struct {
	Query     string `json:"query"`
	Model     string `json:"model"`
	Focus     string `json:"focus"`
	Reasoning *bool  `json:"reasoning,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// Ask sends a text query. A missing credential, a transport failure or a
// non-200 answer yields a simulated result; an undecodable body or any other
// unexpected failure yields a failed result.
func (c *Client) Ask(ctx context.Context, req AskRequest) (res QueryResult) {
	if req.Model == "" {
		req.Model = DefaultModel
	}
	if req.Focus == "" {
		req.Focus = DefaultFocus
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("ask panicked", "panic", r)
			res = failed(req.Model, req.Focus, KindInternal, fmt.Errorf("internal error: %v", r))
		}
	}()

	if !c.HasCredential() {
		return Simulated(req, KindCredential)
	}

	sess := c.sessions.Get(ctx)
	reasoning := req.EnableReasoning
	payload := askPayload{
		Query:     req.Query,
		Model:     req.Model,
		Focus:     req.Focus,
		Reasoning: &reasoning,
		SessionID: sess.ID,
		Timestamp: c.clock.Now().UnixMilli(),
	}

	resp, cancel, err := c.postJSON(ctx, AskPath, payload, c.cfg.AskTimeout)
	if err != nil {
		c.sessions.Invalidate()
		c.logger.Warn("ask request failed", "error", err, "model", req.Model)
		return Simulated(req, KindTransport)
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.sessions.Invalidate()
		c.logger.Warn("ask returned non-200", "status", resp.StatusCode, "model", req.Model)
		return Simulated(req, KindTransport)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return failed(req.Model, req.Focus, KindInternal, fmt.Errorf("decode ask response: %w", err))
	}
	return Normalize(raw, req.Model, req.Focus)
}

// IsAvailable probes the service root. It is false without a credential and
// true only on a 200 response.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if !c.HasCredential() {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/", nil)
	if err != nil {
		return false
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("availability probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Refresh drops the cached session and reports availability.
func (c *Client) Refresh(ctx context.Context) bool {
	return c.sessions.Refresh(ctx)
}

// postJSON sends body to path. The returned cancel func must be called once
// the response body has been consumed.
func (c *Client) postJSON(ctx context.Context, path string, body any, timeout time.Duration) (*http.Response, context.CancelFunc, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	return c.post(ctx, path, "application/json", bytes.NewReader(data), timeout)
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader, timeout time.Duration) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

// decorate adds the browser-like headers and the session cookie.
func (c *Client) decorate(req *http.Request) {
	h := req.Header
	h.Set("User-Agent", c.cfg.UserAgent)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Referer", c.cfg.BaseURL+"/")
	h.Set("Origin", c.cfg.BaseURL)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	if c.cfg.SessionToken != "" {
		h.Set("Cookie", sessionCookie+"="+c.cfg.SessionToken)
	}
}
