package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/logging"
)

// ErrEmptyResponse is returned by a backend that answered with no text
var ErrEmptyResponse = errors.New("empty response")

// APIError is a non-200 answer from a provider
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Completion is one backend answer
type Completion struct {
	Text  string
	Model string
	Usage core.Usage
}

// Backend is a model provider (Anthropic, Azure OpenAI, Ollama)
type Backend interface {
	Name() string
	IsConfigured() bool
	Generate(ctx context.Context, model string, p core.Prompt) (*Completion, error)
}

// Route binds a tier to a backend and model
type Route struct {
	Backend Backend
	Model   string
}

// GatewayConfig configures the tiered gateway
type GatewayConfig struct {
	Routes       map[core.Tier]Route
	MaxRetries   int           // extra attempts after the first, for transient failures
	RetryBackoff time.Duration // linear: attempt n waits n*RetryBackoff
	Timeout      time.Duration // per attempt; 0 leaves it to the backend
}

// Response is what the analyzer gets back from one Invoke
type Response struct {
	Text     string
	Usage    core.Usage
	Model    string
	Provider string
	Tier     core.Tier // tier that actually served the call
	Attempts int
	Fallback bool // served by a higher tier because the requested one is not configured
}

// TierStats tracks usage per tier
type TierStats struct {
	Requests         int64 `json:"requests"`
	Failures         int64 `json:"failures"`
	Retries          int64 `json:"retries"`
	Fallbacks        int64 `json:"fallbacks"`
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	AverageLatencyMs int64 `json:"average_latency_ms"`
}

// Gateway routes prompts to the backend configured for a tier.
// A tier without a usable backend is served by the next higher configured
// tier, never by a cheaper one.
type Gateway struct {
	routes       map[core.Tier]Route
	maxRetries   int
	retryBackoff time.Duration
	timeout      time.Duration

	mu    sync.RWMutex
	stats map[core.Tier]*TierStats
}

// NewGateway creates a tiered gateway
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	g := &Gateway{
		routes:       make(map[core.Tier]Route, len(cfg.Routes)),
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		timeout:      cfg.Timeout,
		stats:        make(map[core.Tier]*TierStats),
	}
	for tier, r := range cfg.Routes {
		g.routes[tier] = r
	}
	for _, tier := range core.Tiers {
		g.stats[tier] = &TierStats{}
	}
	return g
}

// resolve returns the tier and route that will serve a request for tier
func (g *Gateway) resolve(tier core.Tier) (core.Tier, Route, bool) {
	for t := tier; t.Valid(); t++ {
		r, ok := g.routes[t]
		if ok && r.Backend != nil && r.Backend.IsConfigured() {
			return t, r, true
		}
	}
	return tier, Route{}, false
}

// Invoke sends the prompt to the backend for tier, retrying transient
// failures. Returned errors wrap core.ErrModelUnavailable or core.ErrModelTimeout.
func (g *Gateway) Invoke(ctx context.Context, tier core.Tier, p core.Prompt) (*Response, error) {
	served, route, ok := g.resolve(tier)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", core.ErrModelUnavailable, core.ErrTierNotConfigured, tier)
	}
	fallback := served != tier
	if fallback {
		logging.L().Warn("tier not configured, falling back upward",
			zap.String("requested", tier.String()),
			zap.String("served", served.String()))
	}

	start := time.Now()
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*g.retryBackoff); err != nil {
				lastErr = err
				break
			}
		}
		attempts++

		comp, err := g.call(ctx, route, p)
		if err == nil {
			g.record(served, attempts, fallback, false, comp.Usage, time.Since(start))
			return &Response{
				Text:     comp.Text,
				Usage:    comp.Usage,
				Model:    firstNonEmpty(comp.Model, route.Model),
				Provider: route.Backend.Name(),
				Tier:     served,
				Attempts: attempts,
				Fallback: fallback,
			}, nil
		}

		lastErr = err
		if !retryable(ctx, err) {
			break
		}
		logging.L().Debug("model call failed, retrying",
			zap.String("tier", served.String()),
			zap.String("provider", route.Backend.Name()),
			zap.Int("attempt", attempts),
			zap.Error(err))
	}

	g.record(served, attempts, fallback, true, core.Usage{}, time.Since(start))
	return nil, classify(route.Backend.Name(), lastErr)
}

func (g *Gateway) call(ctx context.Context, route Route, p core.Prompt) (*Completion, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return route.Backend.Generate(ctx, route.Model, p)
}

// retryable reports whether err is worth another attempt
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, ErrEmptyResponse) {
		return false
	}
	return true
}

// classify wraps err with the sentinel the analyzer understands
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %w", core.ErrModelTimeout, provider, err)
	}
	if errors.Is(err, ErrEmptyResponse) {
		return fmt.Errorf("%w: %s: %w", core.ErrMalformedModelOutput, provider, err)
	}
	return fmt.Errorf("%w: %s: %w", core.ErrModelUnavailable, provider, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Gateway) record(tier core.Tier, attempts int, fallback, failed bool, usage core.Usage, latency time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.stats[tier]
	s.Requests++
	s.Retries += int64(attempts - 1)
	if fallback {
		s.Fallbacks++
	}
	if failed {
		s.Failures++
	}
	s.InputTokens += int64(usage.InputTokens)
	s.OutputTokens += int64(usage.OutputTokens)

	// Simple moving average
	s.AverageLatencyMs = (s.AverageLatencyMs*(s.Requests-1) + latency.Milliseconds()) / s.Requests
}

// Stats returns a copy of the per-tier statistics
func (g *Gateway) Stats() map[core.Tier]TierStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[core.Tier]TierStats, len(g.stats))
	for tier, s := range g.stats {
		out[tier] = *s
	}
	return out
}

// HealthCheck reports which tiers can currently be served
func (g *Gateway) HealthCheck() map[core.Tier]bool {
	health := make(map[core.Tier]bool, len(core.Tiers))
	for _, tier := range core.Tiers {
		_, _, ok := g.resolve(tier)
		health[tier] = ok
	}
	return health
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
