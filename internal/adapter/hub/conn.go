package hub

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentbridge/internal/domain"
)

// clientConn tracks a single websocket connection. It is the
// domain.Transport the registry stores for a registered agent.
type clientConn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	sendCh     chan Frame // buffered outbound queue; never closed
	done       chan struct{}
	closeOnce  sync.Once
	limiter    *rate.Limiter
}

func newClientConn(ws *websocket.Conn, remoteAddr string, queue int, limiter *rate.Limiter) *clientConn {
	return &clientConn{
		remoteAddr: remoteAddr,
		ws:         ws,
		sendCh:     make(chan Frame, queue),
		done:       make(chan struct{}),
		limiter:    limiter,
	}
}

// Enqueue implements domain.Transport. It never blocks: a closed connection
// or a full queue reports false.
func (c *clientConn) Enqueue(msg domain.Message) bool {
	return c.send(messageFrame(msg))
}

func (c *clientConn) send(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- f:
		return true
	default:
		return false
	}
}

// Close implements domain.Transport.
func (c *clientConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

func (c *clientConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writeDirect writes a frame synchronously, bypassing the queue. Used during
// the handshake before the write loop runs.
func (c *clientConn) writeDirect(f Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, f)
}

// writeLoop drains sendCh in order. A failed write closes the connection so
// the read loop unwinds and the registry entry is removed.
func (c *clientConn) writeLoop(timeout time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.sendCh:
			if err := c.writeDirect(f, timeout); err != nil {
				c.Close("write failed")
				return
			}
		}
	}
}

var _ domain.Transport = (*clientConn)(nil)
