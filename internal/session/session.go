// Package session acquires and caches the protocol session identifier the
// upstream answer service expects on every ask request.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perplexo/gateway/internal/clock"
)

const (
	// HandshakePath is the polling handshake whose body embeds the sid.
	HandshakePath = "/socket.io/?EIO=4&transport=polling"

	DefaultHandshakeTimeout = 10 * time.Second

	maxHandshakeBody = 64 << 10
)

var sidPattern = regexp.MustCompile(`"sid":"([^"]+)"`)

// Session is a cached protocol session.
type Session struct {
	ID         string    `json:"id"`
	AcquiredAt time.Time `json:"acquired_at"`
	// Synthetic marks a locally generated identifier used after a failed handshake.
	Synthetic bool `json:"synthetic"`
}

// Prober reports whether the upstream service is reachable with the
// configured credential.
type Prober interface {
	IsAvailable(ctx context.Context) bool
}

// Manager owns the cached session. Acquisition happens outside the lock, so
// concurrent callers may race to handshake; the last one to finish wins.
type Manager struct {
	handshakeURL string
	client       *http.Client
	decorate     func(*http.Request)
	clock        clock.Clock
	logger       *slog.Logger
	timeout      time.Duration
	newID        func() string
	prober       Prober

	mu      sync.Mutex
	current *Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithRequestDecorator sets a hook that adds headers (cookies, user agent)
// to the handshake request.
func WithRequestDecorator(fn func(*http.Request)) Option {
	return func(m *Manager) { m.decorate = fn }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.OrReal(c) }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTimeout bounds the handshake request.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithProber sets the availability check used by Refresh.
func WithProber(p Prober) Option {
	return func(m *Manager) { m.prober = p }
}

// WithIDGenerator replaces the synthetic identifier generator.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewManager creates a manager that handshakes against baseURL.
func NewManager(baseURL string, opts ...Option) *Manager {
	m := &Manager{
		handshakeURL: strings.TrimRight(baseURL, "/") + HandshakePath,
		client:       http.DefaultClient,
		clock:        clock.NewRealClock(),
		logger:       slog.Default(),
		timeout:      DefaultHandshakeTimeout,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the cached session, acquiring one if the cache is empty.
// It always returns a usable session: when the handshake fails a synthetic
// identifier is cached instead.
func (m *Manager) Get(ctx context.Context) Session {
	if s, ok := m.Cached(); ok {
		return s
	}

	s := Session{AcquiredAt: m.clock.Now()}
	id, err := m.handshake(ctx)
	if err != nil {
		s.ID = m.newID()
		s.Synthetic = true
		m.logger.Warn("session handshake failed, using synthetic sid", "error", err)
	} else {
		s.ID = id
		m.logger.Debug("session acquired", "sid", id)
	}

	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()
	return s
}

// Cached returns the cached session without acquiring one.
func (m *Manager) Cached() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Invalidate clears the cache so the next Get performs a new handshake.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

// Refresh clears the cache and reports whether the service is available.
func (m *Manager) Refresh(ctx context.Context) bool {
	m.Invalidate()
	if m.prober == nil {
		return true
	}
	return m.prober.IsAvailable(ctx)
}

func (m *Manager) handshake(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.handshakeURL, nil)
	if err != nil {
		return "", fmt.Errorf("build handshake request: %w", err)
	}
	if m.decorate != nil {
		m.decorate(req)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHandshakeBody))
	if err != nil {
		return "", fmt.Errorf("read handshake body: %w", err)
	}
	return ExtractSID(string(body))
}

// ExtractSID pulls the session identifier out of a handshake body such as
// `0{"sid":"abc","upgrades":["websocket"],"pingInterval":25000}`.
func ExtractSID(body string) (string, error) {
	match := sidPattern.FindStringSubmatch(body)
	if match == nil {
		return "", fmt.Errorf("could not extract sid from handshake response")
	}
	return match[1], nil
}
