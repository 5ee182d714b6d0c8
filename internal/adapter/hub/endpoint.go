package hub

import (
	"context"
	"sync"

	"agentbridge/internal/domain"
)

// LocalEndpoint is an in-process participant registered with the hub under
// its own id. The orchestrator uses one to exchange messages with remote
// agents without a websocket round trip.
type LocalEndpoint struct {
	id        string
	srv       *Server
	inbox     chan domain.Message
	done      chan struct{}
	closeOnce sync.Once
}

// Attach registers an in-process endpoint under id.
func (s *Server) Attach(ctx context.Context, id string) (*LocalEndpoint, error) {
	ep := &LocalEndpoint{
		id:    id,
		srv:   s,
		inbox: make(chan domain.Message, s.cfg.SendQueue),
		done:  make(chan struct{}),
	}
	if _, err := s.registry.Register(id, ep, "in-process"); err != nil {
		return nil, err
	}
	s.metrics.Registrations.Add(1)
	s.record(ctx, domain.LogEntry{Kind: domain.LogRegistered, ConnID: id, Detail: map[string]string{"remote": "in-process"}})
	s.publish(ctx, domain.NewEvent(domain.EventConnectionRegistered, id, nil))
	return ep, nil
}

// Detach unregisters the endpoint and closes it.
func (e *LocalEndpoint) Detach(ctx context.Context) {
	if e.srv.registry.UnregisterIf(e.id, e) {
		e.srv.record(ctx, domain.LogEntry{Kind: domain.LogUnregistered, ConnID: e.id, Outcome: "detached"})
		e.srv.publish(ctx, domain.NewEvent(domain.EventConnectionUnregistered, e.id, nil))
	}
	e.Close("detached")
}

// ID returns the registered id.
func (e *LocalEndpoint) ID() string { return e.id }

// Messages returns the inbox. It is never closed; consumers stop on their
// own context.
func (e *LocalEndpoint) Messages() <-chan domain.Message { return e.inbox }

// SendDirect relays content to recipient through the hub.
func (e *LocalEndpoint) SendDirect(ctx context.Context, recipient, content string) (domain.DeliveryResult, error) {
	return e.srv.SendDirect(ctx, e.id, recipient, content), nil
}

// Broadcast relays content to every other connection.
func (e *LocalEndpoint) Broadcast(ctx context.Context, content string) (domain.BroadcastResult, error) {
	return e.srv.Broadcast(ctx, e.id, content), nil
}

// Enqueue implements domain.Transport.
func (e *LocalEndpoint) Enqueue(msg domain.Message) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.inbox <- msg:
		return true
	default:
		return false
	}
}

// Close implements domain.Transport.
func (e *LocalEndpoint) Close(string) error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

var _ domain.Transport = (*LocalEndpoint)(nil)
