package domain

import "time"

// MessageKind distinguishes broadcast from direct messages.
type MessageKind string

const (
	MessageBroadcast MessageKind = "broadcast"
	MessageDirect    MessageKind = "direct"
)

// Message is a unit of communication relayed by the hub. Messages are
// transient; only the bridge log keeps a record of them.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Sender    string      `json:"sender"`
	Recipient string      `json:"recipient,omitempty"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// DeliveryOutcome is the explicit result of handing a message to a recipient.
type DeliveryOutcome string

const (
	Delivered         DeliveryOutcome = "delivered"
	RecipientNotFound DeliveryOutcome = "recipient_not_found"
	TransportError    DeliveryOutcome = "transport_error"
)

// DeliveryResult reports what happened to a direct message.
type DeliveryResult struct {
	MessageID string          `json:"message_id"`
	Recipient string          `json:"recipient"`
	Outcome   DeliveryOutcome `json:"outcome"`
}

// Err converts a non-delivered result into the matching sentinel. Transport
// failures surface as RecipientNotFound since the hub treats them as an
// implicit disconnect.
func (r DeliveryResult) Err() error {
	switch r.Outcome {
	case Delivered:
		return nil
	case RecipientNotFound, TransportError:
		return NewSubSystemError("hub", "Hub.SendDirect", ErrRecipientNotFound, r.Recipient)
	default:
		return NewSubSystemError("hub", "Hub.SendDirect", ErrTransport, string(r.Outcome))
	}
}

// BroadcastResult reports how many recipients accepted a broadcast.
type BroadcastResult struct {
	MessageID string   `json:"message_id"`
	Delivered int      `json:"delivered"`
	Dropped   []string `json:"dropped,omitempty"`
}
