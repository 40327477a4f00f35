// Package gateway admits queries against the per-user quota and relays the
// admitted ones upstream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/limiter"
	"github.com/perplexo/gateway/internal/metrics"
	"github.com/perplexo/gateway/internal/prefs"
	"github.com/perplexo/gateway/internal/querylog"
	"github.com/perplexo/gateway/internal/quota"
	"github.com/perplexo/gateway/internal/relay"
)

// DefaultChannel is used when a request names no channel.
const DefaultChannel = "telegram"

// VisionFocus is the focus recorded for image queries.
const VisionFocus = "vision"

// ImageQueryPrefix marks image queries in the query log.
const ImageQueryPrefix = "[IMAGE] "

// ErrInvalidInput is matched by every InputError.
var ErrInvalidInput = errors.New("invalid input")

// InputError reports a malformed request. It is a caller bug and is never
// retried.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

// Relay is the upstream client the gateway forwards admitted queries to.
type Relay interface {
	Ask(ctx context.Context, req relay.AskRequest) relay.QueryResult
	AskWithImage(ctx context.Context, req relay.ImageRequest) relay.ImageResult
	IsAvailable(ctx context.Context) bool
}

// Options configures a Gateway. Limiter and Relay are required.
type Options struct {
	Limiter    limiter.Limiter
	Relay      Relay
	Log        querylog.Sink
	Prefs      prefs.Store
	Publishers []querylog.Publisher
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Gateway runs the admission and relay flow.
type Gateway struct {
	limiter    limiter.Limiter
	relay      Relay
	log        querylog.Sink
	prefs      prefs.Store
	publishers []querylog.Publisher
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *slog.Logger
}

// New builds a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Limiter == nil {
		return nil, errors.New("gateway: limiter is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("gateway: relay is required")
	}
	g := &Gateway{
		limiter:    opts.Limiter,
		relay:      opts.Relay,
		log:        opts.Log,
		prefs:      opts.Prefs,
		publishers: opts.Publishers,
		metrics:    opts.Metrics,
		clock:      clock.OrReal(opts.Clock),
		logger:     opts.Logger,
	}
	if g.log == nil {
		g.log = querylog.Discard
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g, nil
}

// Available reports whether the relay can reach the upstream service.
func (g *Gateway) Available(ctx context.Context) bool {
	return g.relay.IsAvailable(ctx)
}

// Denial is returned instead of a result when the quota is exhausted.
type Denial struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Limit     int       `json:"limit"`
}

func denialFrom(d limiter.Decision) *Denial {
	return &Denial{Allowed: false, Remaining: 0, ResetAt: d.ResetAt, Limit: d.Limit}
}

// SearchRequest is a text query. Nil options and empty model or focus are
// filled from the user's preferences.
type SearchRequest struct {
	UserID          int64  `json:"user_id"`
	Channel         string `json:"channel"`
	Query           string `json:"query"`
	Model           string `json:"model"`
	Focus           string `json:"focus"`
	EnableReasoning *bool  `json:"enable_reasoning,omitempty"`
	ReturnCitations *bool  `json:"return_citations,omitempty"`
	ReturnImages    *bool  `json:"return_images,omitempty"`
}

// VisionRequest is a query about a local image file.
type VisionRequest struct {
	UserID    int64  `json:"user_id"`
	Channel   string `json:"channel"`
	Query     string `json:"query"`
	ImagePath string `json:"image_path"`
	Model     string `json:"model"`
}

// Response is the outcome of Search. Exactly one of Denial and Result is set.
// Decision is nil for anonymous requests.
type Response struct {
	Denial         *Denial            `json:"denial,omitempty"`
	Decision       *limiter.Decision  `json:"rate_limit,omitempty"`
	Result         *relay.QueryResult `json:"result,omitempty"`
	ResponseTimeMs int64              `json:"response_time_ms"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Denied reports whether the request was refused by the limiter.
func (r *Response) Denied() bool { return r.Denial != nil }

// VisionResponse is the outcome of Vision.
type VisionResponse struct {
	Denial         *Denial            `json:"denial,omitempty"`
	Decision       *limiter.Decision  `json:"rate_limit,omitempty"`
	Result         *relay.ImageResult `json:"result,omitempty"`
	ResponseTimeMs int64              `json:"response_time_ms"`
	Timestamp      time.Time          `json:"timestamp"`
}

func (r *VisionResponse) Denied() bool { return r.Denial != nil }

// Search admits and relays a text query. The returned error is an
// *InputError or a limiter storage error; relay failures are reported in
// the result.
func (g *Gateway) Search(ctx context.Context, req SearchRequest) (*Response, error) {
	if err := validate(req.UserID, req.Query); err != nil {
		return nil, err
	}
	key := quota.Key{UserID: req.UserID, Channel: channelOrDefault(req.Channel)}

	decision, err := g.admit(ctx, key, querylog.KindSearch)
	if err != nil {
		return nil, err
	}
	if decision != nil && !decision.Allowed {
		return &Response{Denial: denialFrom(*decision), Decision: decision, Timestamp: g.clock.Now()}, nil
	}

	p := g.preferences(ctx, key)
	ask := relay.AskRequest{
		Query:           req.Query,
		Model:           firstNonEmpty(req.Model, p.Model),
		Focus:           firstNonEmpty(req.Focus, p.Focus),
		EnableReasoning: boolOr(req.EnableReasoning, p.Reasoning),
	}

	start := g.clock.Now()
	result := g.relay.Ask(ctx, ask)
	elapsed := g.clock.Since(start)
	ms := elapsed.Milliseconds()

	g.metrics.ObserveRelay(querylog.KindSearch, string(result.Outcome), elapsed)
	g.record(ctx, key, querylog.Entry{
		Query:          req.Query,
		Model:          ask.Model,
		Focus:          ask.Focus,
		ResponseTimeMs: ms,
		Success:        result.OK(),
		ErrorMessage:   result.Error,
	})
	g.publish(key, querylog.KindSearch, decision, string(result.Outcome), ms)

	if !boolOr(req.ReturnCitations, p.ReturnCitations) {
		result.Citations = []relay.Citation{}
	}
	if !boolOr(req.ReturnImages, p.ReturnImages) {
		result.Images = []string{}
	}

	return &Response{
		Decision:       decision,
		Result:         &result,
		ResponseTimeMs: ms,
		Timestamp:      g.clock.Now(),
	}, nil
}

// Vision admits and relays an image query.
func (g *Gateway) Vision(ctx context.Context, req VisionRequest) (*VisionResponse, error) {
	if err := validate(req.UserID, req.Query); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ImagePath) == "" {
		return nil, &InputError{Field: "image", Reason: "is required"}
	}
	if _, err := os.Stat(req.ImagePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &InputError{Field: "image", Reason: "file not found"}
		}
		return nil, &InputError{Field: "image", Reason: err.Error()}
	}
	key := quota.Key{UserID: req.UserID, Channel: channelOrDefault(req.Channel)}

	decision, err := g.admit(ctx, key, querylog.KindVision)
	if err != nil {
		return nil, err
	}
	if decision != nil && !decision.Allowed {
		return &VisionResponse{Denial: denialFrom(*decision), Decision: decision, Timestamp: g.clock.Now()}, nil
	}

	model := firstNonEmpty(req.Model, relay.DefaultImageModel)

	start := g.clock.Now()
	result := g.relay.AskWithImage(ctx, relay.ImageRequest{
		Query:     req.Query,
		ImagePath: req.ImagePath,
		Model:     model,
	})
	elapsed := g.clock.Since(start)
	ms := elapsed.Milliseconds()

	g.metrics.ObserveRelay(querylog.KindVision, string(result.Outcome), elapsed)
	g.record(ctx, key, querylog.Entry{
		Query:          ImageQueryPrefix + req.Query,
		Model:          model,
		Focus:          VisionFocus,
		ResponseTimeMs: ms,
		Success:        result.OK(),
		ErrorMessage:   result.Error,
	})
	g.publish(key, querylog.KindVision, decision, string(result.Outcome), ms)

	return &VisionResponse{
		Decision:       decision,
		Result:         &result,
		ResponseTimeMs: ms,
		Timestamp:      g.clock.Now(),
	}, nil
}

// admit consults the limiter. Anonymous keys are not limited and get a nil
// decision.
func (g *Gateway) admit(ctx context.Context, key quota.Key, kind string) (*limiter.Decision, error) {
	if key.UserID == 0 {
		return nil, nil
	}
	d, err := g.limiter.Allow(ctx, key)
	if err != nil {
		g.metrics.ObserveStorageError(key.Channel)
		g.logger.Error("quota check failed", "user_id", key.UserID, "channel", key.Channel, "error", err)
		return nil, err
	}
	g.metrics.ObserveAdmission(key.Channel, d.Allowed)
	if !d.Allowed {
		g.logger.Info("quota exceeded", "user_id", key.UserID, "channel", key.Channel, "reset_at", d.ResetAt)
		g.publish(key, kind, &d, "", 0)
	}
	return &d, nil
}

func (g *Gateway) preferences(ctx context.Context, key quota.Key) prefs.Preferences {
	if g.prefs == nil || key.UserID == 0 {
		return requestDefaults()
	}
	p, err := g.prefs.Get(ctx, key.UserID, key.Channel)
	if err != nil {
		g.logger.Warn("preference lookup failed, using defaults", "user_id", key.UserID, "error", err)
		return requestDefaults()
	}
	return p
}

// requestDefaults applies when no preference store is consulted. Images are
// off unless asked for.
func requestDefaults() prefs.Preferences {
	p := prefs.Default()
	p.ReturnImages = false
	return p
}

// record hands the entry to the log sink. Anonymous requests are not logged
// and sink failures never fail the request.
func (g *Gateway) record(ctx context.Context, key quota.Key, e querylog.Entry) {
	if key.UserID == 0 {
		return
	}
	e.UserID = key.UserID
	e.Channel = key.Channel
	e.CreatedAt = g.clock.Now()
	if err := g.log.Log(ctx, e); err != nil {
		g.logger.Warn("query log write failed", "user_id", key.UserID, "error", err)
	}
}

func (g *Gateway) publish(key quota.Key, kind string, d *limiter.Decision, outcome string, ms int64) {
	if len(g.publishers) == 0 {
		return
	}
	ev := querylog.Event{
		Time:           g.clock.Now(),
		UserID:         key.UserID,
		Channel:        key.Channel,
		Kind:           kind,
		Outcome:        outcome,
		ResponseTimeMs: ms,
	}
	if d != nil {
		ev.Decision = *d
	} else {
		ev.Decision = limiter.Decision{Allowed: true}
	}
	for _, p := range g.publishers {
		p.Publish(ev)
	}
}

func validate(userID int64, query string) error {
	if userID < 0 {
		return &InputError{Field: "user_id", Reason: "must not be negative"}
	}
	if strings.TrimSpace(query) == "" {
		return &InputError{Field: "query", Reason: "is required"}
	}
	return nil
}

func channelOrDefault(ch string) string {
	if ch = strings.TrimSpace(ch); ch != "" {
		return ch
	}
	return DefaultChannel
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
