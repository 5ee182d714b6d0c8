// Package orchestrator decides, per operation request, whether to answer from
// cache, run a deterministic local handler, or dispatch through the hub to a
// remote reasoning agent, and accounts the estimated cost of each choice.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/tracer"
)

// Options configures an Orchestrator. Rules, Estimator and Usage fall back
// to defaults when nil; Remote may be nil, in which case remote-bound
// operations fail with ErrRemoteDispatch.
type Options struct {
	Rules               *RuleTable
	Estimator           Estimator
	Usage               *UsageTracker
	Handlers            map[domain.OperationKind]LocalHandler
	Remote              RemoteDispatcher
	Bus                 domain.EventBus
	TokenThreshold      int
	ComplexityThreshold float64
	RemoteTimeout       time.Duration
	Logger              *slog.Logger
}

// Orchestrator routes operation requests. It is safe for concurrent use:
// the cache is a concurrent map and there is no global decision lock, so two
// concurrent misses on the same key may both execute (last write wins).
type Orchestrator struct {
	rules         *RuleTable
	cache         *Cache
	est           Estimator
	usage         *UsageTracker
	handlers      map[domain.OperationKind]LocalHandler
	remote        RemoteDispatcher
	bus           domain.EventBus
	tokenLimit    int
	complexLimit  float64
	remoteTimeout time.Duration
	logger        *slog.Logger
}

// New creates an Orchestrator from opts.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rules := opts.Rules
	if rules == nil {
		rules, _ = NewRuleTable(10 * time.Second)
	}
	est := opts.Estimator
	if est == nil {
		est = HeuristicEstimator{}
	}
	usage := opts.Usage
	if usage == nil {
		usage = NewUsageTracker(time.Hour, nil, logger)
	}
	handlers := opts.Handlers
	if handlers == nil {
		handlers = DefaultHandlers(nil)
	}
	timeout := opts.RemoteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{
		rules:         rules,
		cache:         NewCache(),
		est:           est,
		usage:         usage,
		handlers:      handlers,
		remote:        opts.Remote,
		bus:           opts.Bus,
		tokenLimit:    opts.TokenThreshold,
		complexLimit:  opts.ComplexityThreshold,
		remoteTimeout: timeout,
		logger:        logger,
	}
}

// Execute runs one operation request end to end.
func (o *Orchestrator) Execute(ctx context.Context, req domain.OperationRequest) (res domain.OperationResult, err error) {
	start := time.Now()
	kind := domain.ParseOperation(req.Operation)
	rule := o.rules.Lookup(kind)

	ctx, span := tracer.StartSpan(ctx, "orchestrator.execute", trace.WithAttributes(
		tracer.StringAttr("operation", req.Operation),
		tracer.StringAttr("operation.kind", kind.String()),
	))
	defer func() { tracer.End(span, err) }()

	if req.Operation == "" {
		return domain.OperationResult{}, domain.NewSubSystemError("orchestrator", "Orchestrator.Execute", domain.ErrInvalidInput, "empty operation name")
	}

	key := CacheKey(req)
	if cached, ok := o.cache.Get(key); ok {
		cached.Path = domain.PathCache
		cached.Duration = time.Since(start)
		o.usage.Record(ctx, req.Operation, domain.PathCache, 0)
		span.SetAttributes(tracer.StringAttr("route.path", string(domain.PathCache)))
		o.logger.Debug("operation cache hit", "operation", req.Operation)
		o.publish(ctx, cached)
		return cached, nil
	}

	tokens := o.est.Estimate(req.Input)
	complexity := Complexity(req.Input)

	path, handler, err := o.choose(kind, rule, tokens, complexity)
	if err != nil {
		return domain.OperationResult{}, err
	}
	span.SetAttributes(
		tracer.StringAttr("route.path", string(path)),
		tracer.IntAttr("route.tokens", tokens),
	)

	var output string
	switch path {
	case domain.PathLocal:
		output, err = handler(ctx, req)
	case domain.PathRemote:
		output, err = o.dispatch(ctx, req, rule)
	}
	if err != nil {
		o.logger.Warn("operation failed", "operation", req.Operation, "path", path, "error", err)
		return domain.OperationResult{}, err
	}

	res = domain.OperationResult{
		Operation:       req.Operation,
		Kind:            kind.String(),
		Output:          output,
		Path:            path,
		EstimatedTokens: tokens,
		Complexity:      complexity,
	}
	res.ExpiresAt = o.cache.Put(key, res, rule.TTL)
	res.Duration = time.Since(start)
	o.usage.Record(ctx, req.Operation, path, tokens)

	o.logger.Debug("operation routed",
		"operation", req.Operation,
		"path", path,
		"tokens", tokens,
		"complexity", complexity,
		"duration", res.Duration,
	)
	o.publish(ctx, res)
	return res, nil
}

// choose applies the routing rule. A forced-local rule without a handler is
// an error; an auto rule without a handler goes remote.
func (o *Orchestrator) choose(kind domain.OperationKind, rule domain.RoutingRule, tokens int, complexity float64) (domain.RoutePath, LocalHandler, error) {
	handler, hasLocal := o.handlers[kind]

	switch rule.Destination {
	case domain.DestLocal:
		if !hasLocal {
			return "", nil, domain.NewSubSystemError("orchestrator", "Orchestrator.Execute", domain.ErrNoLocalHandler, kind.String())
		}
		return domain.PathLocal, handler, nil
	case domain.DestAuto:
		if hasLocal && tokens < o.tokenLimit && complexity < o.complexLimit {
			return domain.PathLocal, handler, nil
		}
	}
	return domain.PathRemote, nil, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, req domain.OperationRequest, rule domain.RoutingRule) (string, error) {
	if o.remote == nil {
		return "", fmt.Errorf("%w: no remote dispatcher configured", domain.ErrRemoteDispatch)
	}
	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = o.remoteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.remote.Dispatch(ctx, req)
}

func (o *Orchestrator) publish(ctx context.Context, res domain.OperationResult) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, domain.NewEvent(domain.EventOperationRouted, "", map[string]any{
		"operation": res.Operation,
		"path":      res.Path,
		"tokens":    res.EstimatedTokens,
	}))
}

// Usage returns the per-operation records of the current window.
func (o *Orchestrator) Usage() []domain.TokenUsageRecord {
	return o.usage.Snapshot()
}

// UsageTracker exposes the tracker for history queries and ledger pruning.
func (o *Orchestrator) UsageTracker() *UsageTracker {
	return o.usage
}

// Rules returns the effective routing table.
func (o *Orchestrator) Rules() []domain.RoutingRule {
	return o.rules.Rules()
}

// SweepCache evicts expired cache entries.
func (o *Orchestrator) SweepCache() int {
	return o.cache.Sweep()
}
