package domain

import (
	"context"
	"time"
)

// Transport is the outbound side of a registered connection. The hub owns the
// concrete implementation; the registry only stores it.
type Transport interface {
	// Enqueue hands a message to the connection without blocking. A false
	// return means the connection is closed or its queue is full.
	Enqueue(msg Message) bool
	// Close tears down the underlying connection.
	Close(reason string) error
}

// AgentConnection is a registered client of the hub.
type AgentConnection struct {
	ID           string
	Transport    Transport
	RemoteAddr   string
	RegisteredAt time.Time
	LastActivity time.Time
}

// Info returns the serializable view of the connection.
func (c AgentConnection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:           c.ID,
		RemoteAddr:   c.RemoteAddr,
		RegisteredAt: c.RegisteredAt,
		LastActivity: c.LastActivity,
	}
}

// ConnectionInfo is the transport-free view of an AgentConnection.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActivity time.Time `json:"last_activity"`
}

// BridgeLogger records bridge activity to the append-only log.
type BridgeLogger interface {
	Append(ctx context.Context, entry LogEntry) error
}

// LogEntryKind classifies a bridge log line.
type LogEntryKind string

const (
	LogRegistered   LogEntryKind = "registered"
	LogUnregistered LogEntryKind = "unregistered"
	LogDelivered    LogEntryKind = "delivered"
	LogBroadcast    LogEntryKind = "broadcast"
	LogUndelivered  LogEntryKind = "undelivered"
	LogHealth       LogEntryKind = "health"
	LogLifecycle    LogEntryKind = "lifecycle"
)

// LogEntry is a single line in the bridge log.
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      LogEntryKind      `json:"kind"`
	ConnID    string            `json:"conn_id,omitempty"`
	Sender    string            `json:"sender,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}
