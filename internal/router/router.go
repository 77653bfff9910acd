// Package router selects an LLM provider for each analysis call and walks an
// ordered fallback chain when providers fail.
//
// Each analysis type has its own configured chain; the caller's plan tier can
// promote the starting index so paying customers skip past the cheap
// providers. Every provider is guarded by a circuit breaker, and every call
// records tokens, latency, and cost regardless of outcome.
//
// Tier services that need finer control over validation-failure retries use
// [Router.Chain] and [Router.CallProvider] directly; [Router.Route] is the
// plain one-shot entry point.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachlens/coachlens/internal/analysis"
	"github.com/coachlens/coachlens/internal/config"
	"github.com/coachlens/coachlens/internal/observe"
	"github.com/coachlens/coachlens/internal/resilience"
	"github.com/coachlens/coachlens/pkg/provider/llm"
)

// Result is the outcome of an accepted provider call.
type Result struct {
	Content    string
	ProviderID string
	Usage      llm.Usage

	// CostUSD is computed from the provider's capability snapshot at call
	// time, so later config edits cannot change historical job costs.
	CostUSD float64

	// ChainPosition is the index within the effective fallback chain that
	// served this call. Zero means the primary provider answered.
	ChainPosition int

	LatencyMS int64
}

// observeAttr is shorthand for a single-string-attribute measurement option.
func observeAttr(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}

// entry bundles one configured provider with its effective capabilities and
// circuit breaker.
type entry struct {
	spec     config.ProviderSpec
	provider llm.Provider
	caps     llm.Capabilities
	breaker  *resilience.CircuitBreaker
}

// Router walks fallback chains over configured providers. It is safe for
// concurrent use; [Router.Reload] swaps configuration atomically so in-flight
// calls finish against the snapshot they started with.
type Router struct {
	metrics *observe.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
	chains  map[analysis.Type]config.ChainConfig
}

// Option configures a [Router].
type Option func(*Router)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New builds a router from the config, constructing each declared provider
// through the registry. Disabled providers are constructed anyway (so a hot
// reload can enable them without re-dialing) but never routed to.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*Router, error) {
	r := &Router{}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if err := r.Reload(cfg, reg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the provider set and chains from cfg. Breakers for
// providers whose spec is unchanged keep their state; changed or new
// providers start with a fresh closed breaker. Intended as the config
// watcher's onChange callback.
func (r *Router) Reload(cfg *config.Config, reg *config.Registry) error {
	entries := make(map[string]*entry, len(cfg.Providers))

	r.mu.RLock()
	old := r.entries
	r.mu.RUnlock()

	for _, spec := range cfg.Providers {
		if prev, ok := old[spec.Name]; ok && prev.spec == spec {
			entries[spec.Name] = prev
			continue
		}
		p, err := reg.Create(spec)
		if err != nil {
			return fmt.Errorf("router: build provider %q: %w", spec.Name, err)
		}
		entries[spec.Name] = &entry{
			spec:     spec,
			provider: p,
			caps:     effectiveCaps(p, spec),
			breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
				Name:         spec.Name,
				MaxFailures:  cfg.Routing.BreakerMaxFailures,
				ResetTimeout: time.Duration(cfg.Routing.BreakerResetSeconds) * time.Second,
				OnOpen: func(name string) {
					r.metrics.BreakerOpens.Add(context.Background(), 1,
						observeAttr("provider", name))
				},
			}),
		}
	}

	chains := map[analysis.Type]config.ChainConfig{
		analysis.TypeCorrection: cfg.Routing.Correction,
		analysis.TypeCompetency: cfg.Routing.Competency,
		analysis.TypeInsight:    cfg.Routing.Insight,
	}

	r.mu.Lock()
	r.entries = entries
	r.chains = chains
	r.mu.Unlock()

	slog.Info("router configuration loaded", "providers", len(entries))
	return nil
}

// effectiveCaps overlays deployment-time config values on the adapter's
// declared capabilities. The result is the cost/window snapshot recorded on
// completed jobs.
func effectiveCaps(p llm.Provider, spec config.ProviderSpec) llm.Capabilities {
	caps := p.Capabilities()
	if spec.CostPerInputToken > 0 {
		caps.CostPerInputToken = spec.CostPerInputToken
	}
	if spec.CostPerOutputToken > 0 {
		caps.CostPerOutputToken = spec.CostPerOutputToken
	}
	if spec.MaxContextTokens > 0 {
		caps.ContextWindow = spec.MaxContextTokens
	}
	switch spec.LatencyClass {
	case "fast":
		caps.Latency = llm.LatencyFast
	case "balanced":
		caps.Latency = llm.LatencyBalanced
	case "slow":
		caps.Latency = llm.LatencySlow
	}
	return caps
}

// Chain returns the effective provider order for an analysis type and plan
// tier: the configured chain, shifted by the tier's promotion index, with
// disabled and undeclared providers filtered out.
func (r *Router) Chain(typ analysis.Type, tier analysis.PlanTier) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cc, ok := r.chains[typ]
	if !ok {
		return nil
	}
	start := 0
	if cc.Promote != nil {
		if idx, ok := cc.Promote[string(tier)]; ok && idx > 0 && idx < len(cc.Chain) {
			start = idx
		}
	}
	out := make([]string, 0, len(cc.Chain)-start)
	for _, name := range cc.Chain[start:] {
		e, ok := r.entries[name]
		if !ok || e.spec.Disabled {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Capabilities returns the effective capability snapshot for a provider id.
func (r *Router) Capabilities(providerID string) (llm.Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[providerID]
	if !ok {
		return llm.Capabilities{}, false
	}
	return e.caps, true
}

// CallProvider makes a single breaker-guarded call against one provider and
// records request, latency, token, and error metrics. The returned Result has
// ChainPosition zero; [Router.Route] fills it in.
func (r *Router) CallProvider(ctx context.Context, providerID string, typ analysis.Type, req llm.CompletionRequest) (*Result, error) {
	r.mu.RLock()
	e, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}

	var resp *llm.CompletionResponse
	start := time.Now()
	err := e.breaker.Execute(func() error {
		var callErr error
		resp, callErr = e.provider.Complete(ctx, req)
		return callErr
	})
	latency := time.Since(start)

	r.metrics.ProviderDuration.Record(ctx, latency.Seconds(),
		observeAttr("provider", providerID))

	if err != nil {
		status := "error"
		kind := "transient"
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			status = "circuit_open"
			kind = "circuit_open"
		case llm.IsPermanent(err):
			kind = "permanent"
		}
		r.metrics.RecordProviderRequest(ctx, providerID, string(typ), status)
		r.metrics.RecordProviderError(ctx, providerID, kind)
		return nil, fmt.Errorf("router: provider %q: %w", providerID, err)
	}

	r.metrics.RecordProviderRequest(ctx, providerID, string(typ), "ok")
	r.metrics.RecordTokens(ctx, providerID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return &Result{
		Content:    resp.Content,
		ProviderID: providerID,
		Usage:      resp.Usage,
		CostUSD:    e.caps.Cost(resp.Usage),
		LatencyMS:  latency.Milliseconds(),
	}, nil
}

// Route walks the fallback chain for (typ, tier) and returns the first
// accepted response. Transient errors and open breakers advance to the next
// provider after a short backoff; a permanent error aborts the walk
// immediately. Providers whose context window cannot hold the request are
// skipped without a call.
func (r *Router) Route(ctx context.Context, typ analysis.Type, tier analysis.PlanTier, req llm.CompletionRequest) (*Result, error) {
	chain := r.Chain(typ, tier)
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProviders, typ)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	var lastErr error
	skippedForWindow := 0

	for pos, providerID := range chain {
		if !r.fits(providerID, req) {
			slog.Warn("skipping provider: request exceeds context window",
				"provider", providerID, "analysis_type", typ)
			skippedForWindow++
			continue
		}

		if lastErr != nil {
			// Not the first attempt; give the next provider a beat.
			select {
			case <-ctx.Done():
				return nil, llm.Permanent(ctx.Err())
			case <-time.After(bo.NextBackOff()):
			}
		}

		res, err := r.CallProvider(ctx, providerID, typ, req)
		if err == nil {
			res.ChainPosition = pos
			r.metrics.RecordFallbackDepth(ctx, string(typ), pos)
			return res, nil
		}
		if llm.IsPermanent(err) {
			return nil, err
		}
		slog.Warn("provider failed, advancing in fallback chain",
			"provider", providerID, "analysis_type", typ, "err", err)
		lastErr = err
	}

	if skippedForWindow == len(chain) {
		return nil, ErrContextTooLarge
	}
	return nil, fmt.Errorf("%w: last error: %v", ErrAllProvidersExhausted, lastErr)
}

// fits reports whether the request's estimated prompt tokens fit the
// provider's context window, leaving room for the declared max output.
func (r *Router) fits(providerID string, req llm.CompletionRequest) bool {
	r.mu.RLock()
	e, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.caps.ContextWindow <= 0 {
		return true
	}
	msgs := req.Messages
	if req.SystemPrompt != "" {
		msgs = append([]llm.Message{{Role: "system", Content: req.SystemPrompt}}, msgs...)
	}
	est, err := e.provider.CountTokens(msgs)
	if err != nil {
		return true
	}
	budget := e.caps.ContextWindow
	if req.MaxTokens > 0 {
		budget -= req.MaxTokens
	}
	return est <= budget
}
