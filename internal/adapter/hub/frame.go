package hub

import (
	"time"

	"agentbridge/internal/domain"
)

// FrameType identifies the kind of frame sent over the websocket connection.
type FrameType string

const (
	// client -> hub
	FrameRegister  FrameType = "register"
	FrameDirect    FrameType = "direct"
	FrameBroadcast FrameType = "broadcast"
	FrameHeartbeat FrameType = "heartbeat"

	// hub -> client
	FrameRegistered FrameType = "registered"
	FrameAck        FrameType = "ack"
	FrameMessage    FrameType = "message"
	FrameError      FrameType = "error"
)

// Frame is the envelope exchanged between agents and the hub. The first frame
// a client sends must be a register frame carrying its id in Sender.
type Frame struct {
	Type      FrameType              `json:"type"`
	ID        string                 `json:"id,omitempty"`  // hub-assigned message id
	Ref       string                 `json:"ref,omitempty"` // client correlation echoed on ack/error
	Kind      domain.MessageKind     `json:"kind,omitempty"`
	Sender    string                 `json:"sender,omitempty"`
	Recipient string                 `json:"recipient,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Outcome   domain.DeliveryOutcome `json:"outcome,omitempty"`
	Delivered int                    `json:"delivered,omitempty"`
	Code      domain.ErrorCode       `json:"code,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func messageFrame(msg domain.Message) Frame {
	ts := msg.Timestamp
	return Frame{
		Type:      FrameMessage,
		ID:        msg.ID,
		Kind:      msg.Kind,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Content:   msg.Content,
		Timestamp: &ts,
	}
}

func (f Frame) message() domain.Message {
	msg := domain.Message{
		ID:        f.ID,
		Kind:      f.Kind,
		Sender:    f.Sender,
		Recipient: f.Recipient,
		Content:   f.Content,
	}
	if f.Timestamp != nil {
		msg.Timestamp = *f.Timestamp
	}
	return msg
}

func errorFrame(ref string, err error) Frame {
	return Frame{
		Type:  FrameError,
		Ref:   ref,
		Code:  domain.ErrorCodeOf(err),
		Error: err.Error(),
	}
}
