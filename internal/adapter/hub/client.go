package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentbridge/internal/domain"
)

// WSURL returns the messaging endpoint for a hub address (host:port).
func WSURL(addr string) string { return "ws://" + addr + "/ws" }

// StatusURL returns the status endpoint for a hub address.
func StatusURL(addr string) string { return "http://" + addr + "/api/v1/status" }

// ClientOptions configures Dial.
type ClientOptions struct {
	Token             string
	HeartbeatInterval time.Duration // zero disables heartbeats
	InboxSize         int
	Logger            *slog.Logger
}

// Client is an agent-side hub connection.
type Client struct {
	id      string
	ws      *websocket.Conn
	inbox   chan domain.Message
	pending sync.Map // ref -> chan Frame
	nextRef atomic.Uint64
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

// Dial connects to the hub at url and registers as id. A duplicate id fails
// with ErrDuplicateRegistration.
func Dial(ctx context.Context, url, id string, opts ClientOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}

	var header http.Header
	if opts.Token != "" {
		header = http.Header{"X-Bridge-Token": []string{opts.Token}}
	}
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, domain.NewSubSystemError("hub", "hub.Dial", domain.ErrTransport, err.Error())
	}

	if err := wsjson.Write(ctx, ws, Frame{Type: FrameRegister, Sender: id}); err != nil {
		ws.Close(websocket.StatusInternalError, "register failed")
		return nil, domain.NewSubSystemError("hub", "hub.Dial", domain.ErrTransport, err.Error())
	}
	var reply Frame
	if err := wsjson.Read(ctx, ws, &reply); err != nil {
		ws.Close(websocket.StatusInternalError, "register failed")
		return nil, domain.NewSubSystemError("hub", "hub.Dial", domain.ErrTransport, err.Error())
	}
	if reply.Type != FrameRegistered {
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, frameErr("hub.Dial", reply)
	}

	c := &Client{
		id:     id,
		ws:     ws,
		inbox:  make(chan domain.Message, opts.InboxSize),
		done:   make(chan struct{}),
		logger: opts.Logger,
	}
	go c.readLoop()
	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(opts.HeartbeatInterval)
	}
	return c, nil
}

// ID returns the registered id.
func (c *Client) ID() string { return c.id }

// Messages returns inbound messages. The channel is closed when the
// connection ends.
func (c *Client) Messages() <-chan domain.Message { return c.inbox }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// SendDirect sends content to recipient and waits for the hub's ack.
func (c *Client) SendDirect(ctx context.Context, recipient, content string) (domain.DeliveryResult, error) {
	ack, err := c.roundTrip(ctx, Frame{Type: FrameDirect, Recipient: recipient, Content: content})
	if err != nil {
		return domain.DeliveryResult{Recipient: recipient, Outcome: domain.TransportError}, err
	}
	return domain.DeliveryResult{MessageID: ack.ID, Recipient: recipient, Outcome: ack.Outcome}, nil
}

// Broadcast sends content to every other agent and waits for the hub's ack.
func (c *Client) Broadcast(ctx context.Context, content string) (domain.BroadcastResult, error) {
	ack, err := c.roundTrip(ctx, Frame{Type: FrameBroadcast, Content: content})
	if err != nil {
		return domain.BroadcastResult{}, err
	}
	return domain.BroadcastResult{MessageID: ack.ID, Delivered: ack.Delivered}, nil
}

// Heartbeat sends a single heartbeat frame.
func (c *Client) Heartbeat(ctx context.Context) error {
	return wsjson.Write(ctx, c.ws, Frame{Type: FrameHeartbeat})
}

// Close ends the connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "client closing")
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, f Frame) (Frame, error) {
	f.Ref = strconv.FormatUint(c.nextRef.Add(1), 10)
	ch := make(chan Frame, 1)
	c.pending.Store(f.Ref, ch)
	defer c.pending.Delete(f.Ref)

	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return Frame{}, domain.NewSubSystemError("hub", "Client.send", domain.ErrTransport, err.Error())
	}
	select {
	case reply := <-ch:
		if reply.Type == FrameError {
			return Frame{}, frameErr("Client.send", reply)
		}
		return reply, nil
	case <-c.done:
		return Frame{}, domain.NewSubSystemError("hub", "Client.send", domain.ErrTransport, "connection closed")
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		close(c.inbox)
	}()
	ctx := context.Background()
	for {
		var f Frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			var ce websocket.CloseError
			if !errors.As(err, &ce) {
				c.logger.Debug("hub client read ended", "id", c.id, "error", err)
			}
			return
		}
		switch f.Type {
		case FrameMessage:
			select {
			case c.inbox <- f.message():
			default:
				c.logger.Warn("hub client inbox full, dropping message", "id", c.id, "message_id", f.ID)
			}
		case FrameAck, FrameError:
			if v, ok := c.pending.LoadAndDelete(f.Ref); ok {
				v.(chan Frame) <- f
			} else if f.Type == FrameError {
				c.logger.Warn("hub error", "code", f.Code, "error", f.Error)
			}
		}
	}
}

func (c *Client) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.Heartbeat(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// frameErr rebuilds a typed error from an error frame's code.
func frameErr(op string, f Frame) error {
	if sentinel := domain.ErrorFromCode(f.Code); sentinel != nil {
		return fmt.Errorf("%s: %w: %s", op, sentinel, f.Error)
	}
	return fmt.Errorf("%s: hub error %s: %s", op, f.Code, f.Error)
}
