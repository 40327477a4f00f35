package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/gateway"
	"github.com/perplexo/gateway/internal/limiter"
	"github.com/perplexo/gateway/internal/metrics"
	"github.com/perplexo/gateway/internal/prefs"
	"github.com/perplexo/gateway/internal/querylog"
	"github.com/perplexo/gateway/internal/quota"
	"github.com/perplexo/gateway/internal/relay"
)

// ServiceName is reported by the root endpoint.
const ServiceName = "perplexo-gateway"

// maxBodyBytes bounds request bodies. Base64 images are the largest payload.
const maxBodyBytes = 20 << 20

// QuotaReader reports a key's current window without consuming quota.
type QuotaReader interface {
	Status(ctx context.Context, key quota.Key) (limiter.Usage, error)
}

// Options wires the server's collaborators. Gateway is required; routes for
// nil collaborators are not registered.
type Options struct {
	Gateway *gateway.Gateway
	Quota   QuotaReader
	Prefs   prefs.Store
	Stats   querylog.Analytics
	Metrics *metrics.Metrics
	Hub     *Hub
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Server is the gateway's HTTP API.
type Server struct {
	httpServer *http.Server
	gateway    *gateway.Gateway
	quota      QuotaReader
	prefs      prefs.Store
	stats      querylog.Analytics
	metrics    *metrics.Metrics
	hub        *Hub
	clock      clock.Clock
	logger     *slog.Logger
	mux        *http.ServeMux
}

// New creates a server listening on addr.
func New(addr string, opts Options) *Server {
	s := &Server{
		gateway: opts.Gateway,
		quota:   opts.Quota,
		prefs:   opts.Prefs,
		stats:   opts.Stats,
		metrics: opts.Metrics,
		hub:     opts.Hub,
		clock:   clock.OrReal(opts.Clock),
		logger:  opts.Logger,
		mux:     http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           LoggingMiddleware(s.mux, s.logger, s.clock),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /models", s.handleModels)
	s.mux.HandleFunc("POST /search", s.handleSearch)
	s.mux.HandleFunc("POST /vision", s.handleVision)

	if s.quota != nil {
		s.mux.HandleFunc("GET /quota/{user_id}", s.handleQuota)
	}
	if s.stats != nil {
		s.mux.HandleFunc("GET /stats", s.handleGlobalStats)
		s.mux.HandleFunc("GET /stats/{user_id}", s.handleUserStats)
	}
	if s.prefs != nil {
		s.mux.HandleFunc("GET /config/{user_id}", s.handleGetConfig)
		s.mux.HandleFunc("POST /config/{user_id}", s.handleSetConfig)
		s.mux.HandleFunc("POST /config/{user_id}/toggle/{setting}", s.handleToggle)
	}
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		s.mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	}
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": ServiceName,
		"status":  "running",
		"time":    s.clock.Now().Format(time.RFC3339),
	})
}

// handleHealth reports liveness and whether the upstream is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"relay_available": s.gateway.Available(r.Context()),
		"timestamp":       s.clock.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":      relay.Models(),
		"focus_modes": relay.FocusModes(),
	})
}

type searchBody struct {
	gateway.SearchRequest
	Platform string `json:"platform"`
}

type searchResponse struct {
	relay.QueryResult
	RateLimit      *limiter.Decision `json:"rate_limit,omitempty"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	Timestamp      string            `json:"timestamp"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if !s.decode(w, r, &body) {
		return
	}
	req := body.SearchRequest
	req.Channel = firstNonEmpty(req.Channel, body.Platform)

	resp, err := s.gateway.Search(r.Context(), req)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.setRateLimitHeaders(w, resp.Decision)
	if resp.Denied() {
		writeDenial(w, resp.Denial)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		QueryResult:    *resp.Result,
		RateLimit:      resp.Decision,
		ResponseTimeMs: resp.ResponseTimeMs,
		Timestamp:      resp.Timestamp.Format(time.RFC3339),
	})
}

type visionBody struct {
	UserID      int64  `json:"user_id"`
	Channel     string `json:"channel"`
	Platform    string `json:"platform"`
	Query       string `json:"query"`
	ImageBase64 string `json:"image_base64"`
	Model       string `json:"model"`
}

type visionResponse struct {
	relay.ImageResult
	RateLimit      *limiter.Decision `json:"rate_limit,omitempty"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	Timestamp      string            `json:"timestamp"`
}

// handleVision writes the decoded image to a temporary file for the
// duration of the relay call.
func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	var body visionBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.ImageBase64 == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields: query, image_base64")
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.ImageBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "image_base64 is not valid base64")
		return
	}

	path, cleanup, err := writeTempImage(data)
	if err != nil {
		s.logger.Error("write temp image", "error", err)
		writeError(w, http.StatusInternalServerError, "could not store image")
		return
	}
	defer cleanup()

	resp, err := s.gateway.Vision(r.Context(), gateway.VisionRequest{
		UserID:    body.UserID,
		Channel:   firstNonEmpty(body.Channel, body.Platform),
		Query:     body.Query,
		ImagePath: path,
		Model:     body.Model,
	})
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.setRateLimitHeaders(w, resp.Decision)
	if resp.Denied() {
		writeDenial(w, resp.Denial)
		return
	}
	writeJSON(w, http.StatusOK, visionResponse{
		ImageResult:    *resp.Result,
		RateLimit:      resp.Decision,
		ResponseTimeMs: resp.ResponseTimeMs,
		Timestamp:      resp.Timestamp.Format(time.RFC3339),
	})
}

func writeTempImage(data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "gateway-vision-*.jpg")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

// handleQuota reports usage without counting a request.
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyFromRequest(w, r)
	if !ok {
		return
	}
	usage, err := s.quota.Status(r.Context(), key)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.GlobalStats(r.Context())
	if err != nil {
		s.logger.Error("global stats", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyFromRequest(w, r)
	if !ok {
		return
	}
	st, err := s.stats.UserStats(r.Context(), key.UserID, key.Channel)
	if err != nil {
		s.logger.Error("user stats", "user_id", key.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyFromRequest(w, r)
	if !ok {
		return
	}
	p, err := s.prefs.Get(r.Context(), key.UserID, key.Channel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleSetConfig merges the posted fields over the stored preferences.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyFromRequest(w, r)
	if !ok {
		return
	}
	p, err := s.prefs.Get(r.Context(), key.UserID, key.Channel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !s.decode(w, r, &p) {
		return
	}
	if !relay.IsKnownModel(p.Model) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown model %q", p.Model))
		return
	}
	if !relay.IsKnownFocus(p.Focus) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown focus %q", p.Focus))
		return
	}
	if err := s.prefs.Set(r.Context(), key.UserID, key.Channel, p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyFromRequest(w, r)
	if !ok {
		return
	}
	setting := r.PathValue("setting")
	v, err := s.prefs.Toggle(r.Context(), key.UserID, key.Channel, setting)
	if errors.Is(err, prefs.ErrUnknownSetting) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"setting": setting, "value": v})
}

// keyFromRequest reads {user_id} from the path and the channel from the
// "channel" or "platform" query parameter.
func (s *Server) keyFromRequest(w http.ResponseWriter, r *http.Request) (quota.Key, bool) {
	id, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "user_id must be a non-negative integer")
		return quota.Key{}, false
	}
	q := r.URL.Query()
	ch := firstNonEmpty(strings.TrimSpace(q.Get("channel")), strings.TrimSpace(q.Get("platform")), gateway.DefaultChannel)
	return quota.Key{UserID: id, Channel: ch}, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) setRateLimitHeaders(w http.ResponseWriter, d *limiter.Decision) {
	if d == nil {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", d.ResetAt.Format(time.RFC3339))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter(s.clock.Now())/time.Second)))
	}
}

// writeGatewayError maps gateway errors to status codes: bad input is 400,
// an unreachable quota store is 503, anything else 500.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	var ie *gateway.InputError
	switch {
	case errors.As(err, &ie):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, limiter.ErrStoreUnavailable):
		s.logger.Error("quota store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "quota store unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type denialResponse struct {
	Error string `json:"error"`
	gateway.Denial
}

func writeDenial(w http.ResponseWriter, d *gateway.Denial) {
	writeJSON(w, http.StatusTooManyRequests, denialResponse{Error: "Rate limit exceeded", Denial: *d})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener begins serving on the provided listener.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
