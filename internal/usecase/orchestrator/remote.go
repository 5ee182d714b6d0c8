package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
)

// RemoteDispatcher forwards an operation to a remote reasoning agent and
// returns its output. Implementations honour ctx cancellation and report a
// missed deadline as domain.ErrRemoteTimeout.
type RemoteDispatcher interface {
	Dispatch(ctx context.Context, req domain.OperationRequest) (string, error)
}

// Endpoint is a registered hub participant the dispatcher talks through.
// Both the websocket client and the hub's in-process endpoint satisfy it.
type Endpoint interface {
	ID() string
	SendDirect(ctx context.Context, recipient, content string) (domain.DeliveryResult, error)
	Messages() <-chan domain.Message
}

// --- Hub dispatcher ---

const replySchema = `{
  "type": "object",
  "required": ["type", "correlation_id"],
  "properties": {
    "type": {"const": "operation_result"},
    "correlation_id": {"type": "string", "minLength": 1},
    "output": {"type": "string"},
    "error": {"type": "string"}
  }
}`

// HubDispatcher sends operation envelopes as direct messages to a remote
// agent and matches replies by correlation id.
type HubDispatcher struct {
	ep      Endpoint
	agent   string
	schema  *jsonschema.Schema
	pending sync.Map // correlation id -> chan domain.OperationEnvelope
	logger  *slog.Logger

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewHubDispatcher creates a dispatcher that targets agent through ep.
func NewHubDispatcher(ep Endpoint, agent string, logger *slog.Logger) (*HubDispatcher, error) {
	schema, err := jsonschema.NewCompiler().Compile([]byte(replySchema))
	if err != nil {
		return nil, fmt.Errorf("compile reply schema: %w", err)
	}
	return &HubDispatcher{
		ep:      ep,
		agent:   agent,
		schema:  schema,
		logger:  logger,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// Run consumes the endpoint's inbox and resolves pending dispatches until
// ctx is cancelled or the inbox closes.
func (d *HubDispatcher) Run(ctx context.Context) {
	msgs := d.ep.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			d.handleReply(msg)
		}
	}
}

func (d *HubDispatcher) handleReply(msg domain.Message) {
	var raw any
	if err := json.Unmarshal([]byte(msg.Content), &raw); err != nil {
		d.logger.Debug("ignoring non-envelope message", "sender", msg.Sender)
		return
	}
	if !d.schema.Validate(raw).IsValid() {
		d.logger.Debug("ignoring message that is not an operation result", "sender", msg.Sender)
		return
	}
	var env domain.OperationEnvelope
	if err := json.Unmarshal([]byte(msg.Content), &env); err != nil {
		return
	}
	v, ok := d.pending.LoadAndDelete(env.CorrelationID)
	if !ok {
		d.logger.Debug("late or unknown operation result", "correlation_id", env.CorrelationID)
		return
	}
	v.(chan domain.OperationEnvelope) <- env
}

// Dispatch implements RemoteDispatcher.
func (d *HubDispatcher) Dispatch(ctx context.Context, req domain.OperationRequest) (string, error) {
	corr := d.newID()
	reply := make(chan domain.OperationEnvelope, 1)
	d.pending.Store(corr, reply)
	defer d.pending.Delete(corr)

	content, err := json.Marshal(domain.OperationEnvelope{
		Type:          domain.EnvelopeOperation,
		CorrelationID: corr,
		Operation:     req.Operation,
		Input:         req.Input,
		Params:        req.Params,
	})
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	res, err := d.ep.SendDirect(ctx, d.agent, string(content))
	if err != nil {
		return "", remoteErr(ctx, err)
	}
	if err := res.Err(); err != nil {
		return "", domain.NewSubSystemError("orchestrator", "HubDispatcher.Dispatch", domain.ErrRecipientNotFound, d.agent)
	}

	select {
	case env := <-reply:
		if env.Error != "" {
			return "", domain.NewSubSystemError("orchestrator", "HubDispatcher.Dispatch", domain.ErrRemoteDispatch, env.Error)
		}
		return env.Output, nil
	case <-ctx.Done():
		return "", remoteErr(ctx, ctx.Err())
	}
}

func remoteErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewSubSystemError("orchestrator", "HubDispatcher.Dispatch", domain.ErrRemoteTimeout, "")
	}
	return fmt.Errorf("%w: %w", domain.ErrRemoteDispatch, err)
}

func (d *HubDispatcher) newID() string {
	d.idMu.Lock()
	defer d.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), d.entropy).String()
}

// --- Circuit breaker ---

// BreakerDispatcher wraps a RemoteDispatcher with a circuit breaker so a
// dead remote agent fails fast instead of stalling every caller until its
// timeout.
type BreakerDispatcher struct {
	inner   RemoteDispatcher
	breaker *gobreaker.CircuitBreaker[string]
}

// NewBreakerDispatcher wraps inner. Zero config values fall back to
// 5 failures, 30s open timeout and a 60s counting interval.
func NewBreakerDispatcher(inner RemoteDispatcher, cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerDispatcher {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "remote-dispatch",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A caller abandoning the request says nothing about remote health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerDispatcher{inner: inner, breaker: cb}
}

// Dispatch implements RemoteDispatcher.
func (b *BreakerDispatcher) Dispatch(ctx context.Context, req domain.OperationRequest) (string, error) {
	out, err := b.breaker.Execute(func() (string, error) {
		return b.inner.Dispatch(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: circuit open: %w", domain.ErrRemoteDispatch, err)
	}
	return out, err
}

// State returns the breaker state for status reporting.
func (b *BreakerDispatcher) State() gobreaker.State {
	return b.breaker.State()
}

// Compile-time interface checks.
var (
	_ RemoteDispatcher = (*HubDispatcher)(nil)
	_ RemoteDispatcher = (*BreakerDispatcher)(nil)
)
