package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
)

// fakeEndpoint loops direct messages to a scripted remote agent.
type fakeEndpoint struct {
	inbox   chan domain.Message
	online  bool
	respond func(env domain.OperationEnvelope) *domain.OperationEnvelope
}

func newFakeEndpoint(respond func(domain.OperationEnvelope) *domain.OperationEnvelope) *fakeEndpoint {
	return &fakeEndpoint{inbox: make(chan domain.Message, 8), online: true, respond: respond}
}

func (f *fakeEndpoint) ID() string                      { return "orchestrator" }
func (f *fakeEndpoint) Messages() <-chan domain.Message { return f.inbox }

func (f *fakeEndpoint) SendDirect(_ context.Context, recipient, content string) (domain.DeliveryResult, error) {
	if !f.online {
		return domain.DeliveryResult{Recipient: recipient, Outcome: domain.RecipientNotFound}, nil
	}
	var env domain.OperationEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return domain.DeliveryResult{}, err
	}
	if reply := f.respond(env); reply != nil {
		data, _ := json.Marshal(reply)
		f.inbox <- domain.Message{Sender: recipient, Recipient: "orchestrator", Content: string(data)}
	}
	return domain.DeliveryResult{Recipient: recipient, Outcome: domain.Delivered}, nil
}

func startDispatcher(t *testing.T, ep Endpoint) *HubDispatcher {
	t.Helper()
	d, err := NewHubDispatcher(ep, "reasoner", discardLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d
}

func TestHubDispatcherRoundTrip(t *testing.T) {
	ep := newFakeEndpoint(func(env domain.OperationEnvelope) *domain.OperationEnvelope {
		return &domain.OperationEnvelope{
			Type:          domain.EnvelopeOperationResult,
			CorrelationID: env.CorrelationID,
			Output:        "reviewed: " + env.Input,
		}
	})
	d := startDispatcher(t, ep)

	out, err := d.Dispatch(context.Background(), domain.OperationRequest{Operation: "code.review", Input: "diff"})
	require.NoError(t, err)
	assert.Equal(t, "reviewed: diff", out)
}

func TestHubDispatcherRemoteError(t *testing.T) {
	ep := newFakeEndpoint(func(env domain.OperationEnvelope) *domain.OperationEnvelope {
		return &domain.OperationEnvelope{Type: domain.EnvelopeOperationResult, CorrelationID: env.CorrelationID, Error: "model overloaded"}
	})
	d := startDispatcher(t, ep)

	_, err := d.Dispatch(context.Background(), domain.OperationRequest{Operation: "task.plan"})
	require.ErrorIs(t, err, domain.ErrRemoteDispatch)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestHubDispatcherTimeout(t *testing.T) {
	ep := newFakeEndpoint(func(domain.OperationEnvelope) *domain.OperationEnvelope { return nil })
	d := startDispatcher(t, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, domain.OperationRequest{Operation: "task.plan"})
	require.ErrorIs(t, err, domain.ErrRemoteTimeout)
}

func TestHubDispatcherAgentOffline(t *testing.T) {
	ep := newFakeEndpoint(nil)
	ep.online = false
	d := startDispatcher(t, ep)

	_, err := d.Dispatch(context.Background(), domain.OperationRequest{Operation: "task.plan"})
	require.ErrorIs(t, err, domain.ErrRecipientNotFound)
}

func TestHubDispatcherIgnoresForeignMessages(t *testing.T) {
	ep := newFakeEndpoint(func(env domain.OperationEnvelope) *domain.OperationEnvelope {
		return &domain.OperationEnvelope{Type: domain.EnvelopeOperationResult, CorrelationID: env.CorrelationID, Output: "ok"}
	})
	ep.inbox <- domain.Message{Sender: "chatty", Content: "hello there"}
	ep.inbox <- domain.Message{Sender: "chatty", Content: `{"type":"something_else"}`}
	d := startDispatcher(t, ep)

	out, err := d.Dispatch(context.Background(), domain.OperationRequest{Operation: "task.plan"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &fakeRemote{fn: func(context.Context, domain.OperationRequest) (string, error) {
		return "", errors.New("boom")
	}}
	b := NewBreakerDispatcher(inner, config.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute}, discardLogger())

	for i := 0; i < 2; i++ {
		_, err := b.Dispatch(context.Background(), domain.OperationRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Dispatch(context.Background(), domain.OperationRequest{})
	require.ErrorIs(t, err, domain.ErrRemoteDispatch)
	assert.Equal(t, int32(2), inner.calls.Load(), "open circuit must not reach the remote")
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	inner := &fakeRemote{fn: func(context.Context, domain.OperationRequest) (string, error) {
		return "", context.Canceled
	}}
	b := NewBreakerDispatcher(inner, config.CircuitBreakerConfig{MaxFailures: 1}, discardLogger())
	for i := 0; i < 3; i++ {
		_, _ = b.Dispatch(context.Background(), domain.OperationRequest{})
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
