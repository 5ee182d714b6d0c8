// Package hub is the websocket bridge: it accepts agent connections,
// performs the registration handshake, relays direct and broadcast messages
// through the connection registry and serves the status API.
package hub

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/middleware"
	"agentbridge/internal/infra/tracer"
	"agentbridge/internal/usecase/registry"
)

// Options wires a Server. Log and Bus may be nil.
type Options struct {
	Config   config.HubConfig
	Registry *registry.Registry
	Log      domain.BridgeLogger
	Bus      domain.EventBus
	Version  string
	Logger   *slog.Logger
}

// Server is the websocket hub.
type Server struct {
	cfg       config.HubConfig
	registry  *registry.Registry
	log       domain.BridgeLogger
	bus       domain.EventBus
	validator *frameValidator
	version   string
	logger    *slog.Logger

	sockets    sync.Map // socket seq (uint64) -> *clientConn, registered or not
	nextSocket atomic.Uint64
	httpRoutes []httpRoute
	httpSrv    *http.Server
	metrics    Metrics

	mu        sync.RWMutex
	boundAddr string
	startedAt time.Time
	status    domain.BridgeStatus
	ready     chan struct{}
	stopped   chan struct{}

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// handshakeTimeout bounds the wait for a new socket's register frame.
const handshakeTimeout = 10 * time.Second

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a hub server. Frame validation is compiled up front so
// a broken schema fails at construction rather than on first message.
func NewServer(opts Options) (*Server, error) {
	s := &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		log:      opts.Log,
		bus:      opts.Bus,
		version:  opts.Version,
		logger:   opts.Logger,
		status:   domain.BridgeStopped,
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.cfg.SendQueue <= 0 {
		s.cfg.SendQueue = 64
	}
	if s.cfg.WriteTimeout <= 0 {
		s.cfg.WriteTimeout = 5 * time.Second
	}
	if s.cfg.ValidateFrames {
		v, err := newFrameValidator()
		if err != nil {
			return nil, err
		}
		s.validator = v
	}
	return s, nil
}

// RegisterHTTPRoute adds an HTTP handler to the hub's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	limiter := middleware.NewClientLimiter(middleware.RateLimitConfig{
		RequestsPerMin: s.cfg.APIRatePerMin,
		Burst:          s.cfg.APIRateBurst,
	})
	for _, route := range s.httpRoutes {
		mux.Handle(route.pattern, limiter.Middleware(route.handler))
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("hub listen: %w", err)
	}
	s.httpSrv = &http.Server{
		Handler:           middleware.Chain(mux, middleware.Recover(s.logger), middleware.APIHeaders),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.startedAt = time.Now()
	s.status = domain.BridgeRunning
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("hub started", "addr", s.BoundAddr(), "pid", pidOf())
	s.record(ctx, domain.LogEntry{Kind: domain.LogLifecycle, Outcome: "started", Detail: map[string]string{"addr": s.BoundAddr()}})
	s.publish(ctx, domain.NewEvent(domain.EventHubStarted, "", map[string]any{"addr": s.BoundAddr()}))

	go s.livenessLoop(ctx)
	go limiter.Run(ctx)
	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("hub serve: %w", err)
	}
	<-s.stopped
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == domain.BridgeStopping || s.status == domain.BridgeStopped {
		s.mu.Unlock()
		return nil
	}
	s.status = domain.BridgeStopping
	s.mu.Unlock()

	s.sockets.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() {
			close(cc.done)
			cc.ws.Close(websocket.StatusGoingAway, "hub shutting down")
		})
		s.sockets.Delete(key)
		return true
	})

	var err error
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = s.httpSrv.Shutdown(shutdownCtx)
	}

	s.record(ctx, domain.LogEntry{Kind: domain.LogLifecycle, Outcome: "stopped"})
	s.publish(ctx, domain.NewEvent(domain.EventHubStopped, "", nil))
	s.mu.Lock()
	s.status = domain.BridgeStopped
	s.mu.Unlock()
	close(s.stopped)
	s.logger.Info("hub stopped")
	return err
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundAddr
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Bridge-Token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	var limiter *rate.Limiter
	if s.cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), max(s.cfg.RateBurst, 1))
	}
	cc := newClientConn(ws, r.RemoteAddr, s.cfg.SendQueue, limiter)
	seq := s.nextSocket.Add(1)
	s.sockets.Store(seq, cc)
	defer s.sockets.Delete(seq)

	ctx := r.Context()
	if err := s.handshake(ctx, cc); err != nil {
		s.logger.Info("registration rejected", "remote", r.RemoteAddr, "error", err)
		_ = cc.writeDirect(errorFrame("", err), s.cfg.WriteTimeout)
		cc.Close("registration failed")
		return
	}

	go cc.writeLoop(s.cfg.WriteTimeout)
	s.readLoop(ctx, cc)
	s.disconnect(context.WithoutCancel(ctx), cc, "disconnect")
}

// handshake reads the register frame and binds the connection to its id.
func (s *Server) handshake(ctx context.Context, cc *clientConn) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, data, err := cc.ws.Read(hctx)
	if err != nil {
		return fmt.Errorf("%w: read register frame: %v", domain.ErrTransport, err)
	}
	f, err := s.validator.Decode(data)
	if err != nil {
		return err
	}
	if f.Type != FrameRegister || f.Sender == "" {
		return domain.NewSubSystemError("hub", "Hub.handshake", domain.ErrInvalidInput, "first frame must be register with a sender id")
	}

	conn, err := s.registry.Register(f.Sender, cc, cc.remoteAddr)
	if err != nil {
		return err
	}
	cc.id = conn.ID
	s.metrics.Registrations.Add(1)

	ts := conn.RegisteredAt
	if err := cc.writeDirect(Frame{Type: FrameRegistered, Ref: f.Ref, Sender: conn.ID, Timestamp: &ts}, s.cfg.WriteTimeout); err != nil {
		s.registry.UnregisterIf(conn.ID, cc)
		return fmt.Errorf("%w: write registered frame: %v", domain.ErrTransport, err)
	}

	s.logger.Info("agent registered", "conn_id", conn.ID, "remote", cc.remoteAddr)
	s.record(ctx, domain.LogEntry{Kind: domain.LogRegistered, ConnID: conn.ID, Detail: map[string]string{"remote": cc.remoteAddr}})
	s.publish(ctx, domain.NewEvent(domain.EventConnectionRegistered, conn.ID, nil))
	return nil
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			return // connection closed or error
		}
		s.registry.Touch(cc.id)

		if cc.limiter != nil && !cc.limiter.Allow() {
			s.metrics.FramesRejected.Add(1)
			cc.send(errorFrame("", domain.NewSubSystemError("hub", "Hub.read", domain.ErrRateLimit, cc.id)))
			continue
		}

		f, err := s.validator.Decode(data)
		if err != nil {
			s.metrics.FramesRejected.Add(1)
			cc.send(errorFrame("", err))
			continue
		}
		// Frames are handled inline so one sender's messages reach the
		// registry in the order they were read.
		s.handleFrame(ctx, cc, f)
	}
}

func (s *Server) handleFrame(ctx context.Context, cc *clientConn, f Frame) {
	if f.Sender != "" && f.Sender != cc.id && f.Type != FrameRegister {
		cc.send(errorFrame(f.Ref, domain.NewSubSystemError("hub", "Hub.handleFrame", domain.ErrInvalidInput, "sender does not match registered id")))
		return
	}

	switch f.Type {
	case FrameHeartbeat:
		cc.send(Frame{Type: FrameHeartbeat, Ref: f.Ref})

	case FrameDirect:
		if f.Recipient == "" {
			cc.send(errorFrame(f.Ref, domain.NewSubSystemError("hub", "Hub.handleFrame", domain.ErrInvalidInput, "direct frame without recipient")))
			return
		}
		res := s.SendDirect(ctx, cc.id, f.Recipient, f.Content)
		ack := Frame{Type: FrameAck, Ref: f.Ref, ID: res.MessageID, Recipient: res.Recipient, Outcome: res.Outcome}
		if err := res.Err(); err != nil {
			ack.Code = domain.ErrorCodeOf(err)
			ack.Error = err.Error()
		}
		if !cc.send(ack) {
			s.logger.Warn("dropped ack for slow client", "conn_id", cc.id)
		}

	case FrameBroadcast:
		res := s.Broadcast(ctx, cc.id, f.Content)
		if !cc.send(Frame{Type: FrameAck, Ref: f.Ref, ID: res.MessageID, Delivered: res.Delivered, Outcome: domain.Delivered}) {
			s.logger.Warn("dropped ack for slow client", "conn_id", cc.id)
		}

	case FrameRegister:
		cc.send(errorFrame(f.Ref, domain.NewSubSystemError("hub", "Hub.handleFrame", domain.ErrInvalidInput, "connection already registered as "+cc.id)))

	default:
		cc.send(errorFrame(f.Ref, domain.NewSubSystemError("hub", "Hub.handleFrame", domain.ErrFrameInvalid, "unsupported frame type "+string(f.Type))))
	}
}

// SendDirect relays content from sender to recipient. A recipient whose
// transport refuses the message is evicted and the result is TransportError.
func (s *Server) SendDirect(ctx context.Context, sender, recipient, content string) domain.DeliveryResult {
	msg := s.newMessage(domain.MessageDirect, sender, recipient, content)
	ctx, span := tracer.StartSpan(ctx, "hub.send_direct", trace.WithAttributes(
		tracer.StringAttr("bridge.sender", sender),
		tracer.StringAttr("bridge.recipient", recipient),
	))
	defer span.End()

	res := domain.DeliveryResult{MessageID: msg.ID, Recipient: recipient}
	entry := domain.LogEntry{Kind: domain.LogDelivered, Sender: sender, Recipient: recipient, MessageID: msg.ID}

	conn, err := s.registry.Lookup(recipient)
	if err != nil {
		s.metrics.DirectUndelivered.Add(1)
		res.Outcome = domain.RecipientNotFound
		entry.Kind, entry.Outcome = domain.LogUndelivered, string(domain.RecipientNotFound)
		s.record(ctx, entry)
		s.publish(ctx, domain.NewEvent(domain.EventMessageDropped, recipient, res))
		return res
	}

	if !conn.Transport.Enqueue(msg) {
		s.evict(ctx, conn, "send failed")
		s.metrics.DirectUndelivered.Add(1)
		res.Outcome = domain.TransportError
		entry.Kind, entry.Outcome = domain.LogUndelivered, string(domain.TransportError)
		s.record(ctx, entry)
		s.publish(ctx, domain.NewEvent(domain.EventMessageDropped, recipient, res))
		return res
	}

	s.metrics.DirectDelivered.Add(1)
	res.Outcome = domain.Delivered
	entry.Outcome = string(domain.Delivered)
	s.record(ctx, entry)
	s.publish(ctx, domain.NewEvent(domain.EventMessageDelivered, recipient, res))
	return res
}

// Broadcast relays content to every registered connection except the sender
// (unless echo_to_sender is set).
func (s *Server) Broadcast(ctx context.Context, sender, content string) domain.BroadcastResult {
	msg := s.newMessage(domain.MessageBroadcast, sender, "", content)
	ctx, span := tracer.StartSpan(ctx, "hub.broadcast", trace.WithAttributes(
		tracer.StringAttr("bridge.sender", sender),
	))
	defer span.End()

	res := domain.BroadcastResult{MessageID: msg.ID}
	for _, conn := range s.registry.All() {
		if conn.ID == sender && !s.cfg.EchoToSender {
			continue
		}
		if conn.Transport.Enqueue(msg) {
			res.Delivered++
			continue
		}
		s.evict(ctx, conn, "send failed")
		res.Dropped = append(res.Dropped, conn.ID)
	}
	span.SetAttributes(tracer.IntAttr("bridge.delivered", res.Delivered))
	s.metrics.Broadcasts.Add(1)

	detail := map[string]string{"delivered": strconv.Itoa(res.Delivered)}
	if len(res.Dropped) > 0 {
		detail["dropped"] = fmt.Sprint(res.Dropped)
	}
	s.record(ctx, domain.LogEntry{Kind: domain.LogBroadcast, Sender: sender, MessageID: msg.ID, Outcome: string(domain.Delivered), Detail: detail})
	s.publish(ctx, domain.NewEvent(domain.EventMessageBroadcast, sender, res))
	return res
}

// evict removes conn from the registry and closes its transport.
func (s *Server) evict(ctx context.Context, conn domain.AgentConnection, reason string) {
	if !s.registry.UnregisterIf(conn.ID, conn.Transport) {
		return
	}
	conn.Transport.Close(reason)
	s.metrics.Evictions.Add(1)
	s.logger.Info("agent evicted", "conn_id", conn.ID, "reason", reason)
	s.record(ctx, domain.LogEntry{Kind: domain.LogUnregistered, ConnID: conn.ID, Outcome: reason})
	s.publish(ctx, domain.NewEvent(domain.EventConnectionUnregistered, conn.ID, map[string]string{"reason": reason}))
}

func (s *Server) disconnect(ctx context.Context, cc *clientConn, reason string) {
	cc.Close(reason)
	if cc.id == "" || !s.registry.UnregisterIf(cc.id, cc) {
		return
	}
	s.logger.Info("agent disconnected", "conn_id", cc.id)
	s.record(ctx, domain.LogEntry{Kind: domain.LogUnregistered, ConnID: cc.id, Outcome: reason})
	s.publish(ctx, domain.NewEvent(domain.EventConnectionUnregistered, cc.id, map[string]string{"reason": reason}))
}

// livenessLoop expires connections that have been silent past the liveness
// timeout.
func (s *Server) livenessLoop(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 || s.cfg.LivenessTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			s.SweepStale(ctx)
		}
	}
}

// SweepStale evicts every connection idle past the liveness timeout and
// returns how many were removed.
func (s *Server) SweepStale(ctx context.Context) int {
	n := 0
	for _, conn := range s.registry.Stale(time.Now().Add(-s.cfg.LivenessTimeout)) {
		if _, inProcess := conn.Transport.(*LocalEndpoint); inProcess {
			continue
		}
		if !s.registry.UnregisterIf(conn.ID, conn.Transport) {
			continue
		}
		conn.Transport.Close("liveness timeout")
		s.metrics.Evictions.Add(1)
		n++
		s.logger.Info("agent expired", "conn_id", conn.ID, "last_activity", conn.LastActivity)
		s.record(ctx, domain.LogEntry{Kind: domain.LogUnregistered, ConnID: conn.ID, Outcome: "liveness_timeout"})
		s.publish(ctx, domain.NewEvent(domain.EventConnectionExpired, conn.ID, nil))
	}
	return n
}

// StatusSnapshot is a point-in-time read of the hub. It takes only the
// registry read lock and never waits on message traffic.
func (s *Server) StatusSnapshot() domain.StatusSnapshot {
	s.mu.RLock()
	addr, started, status := s.boundAddr, s.startedAt, s.status
	s.mu.RUnlock()

	conns := s.registry.All()
	infos := make([]domain.ConnectionInfo, len(conns))
	for i, c := range conns {
		infos[i] = c.Info()
	}

	snap := domain.StatusSnapshot{
		PID:               pidOf(),
		Port:              portOf(addr),
		Status:            status,
		StartedAt:         started,
		ActiveConnections: len(conns),
		MemoryBytes:       memoryEstimate(),
		Goroutines:        goroutines(),
		Version:           s.version,
		Connections:       infos,
	}
	if !started.IsZero() {
		snap.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	return snap
}

func (s *Server) newMessage(kind domain.MessageKind, sender, recipient, content string) domain.Message {
	now := time.Now().UTC()
	s.idMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	s.idMu.Unlock()
	return domain.Message{ID: id, Kind: kind, Sender: sender, Recipient: recipient, Content: content, Timestamp: now}
}

// record appends to the bridge log. Log failures are reported but never
// fail the delivery they describe.
func (s *Server) record(ctx context.Context, entry domain.LogEntry) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(ctx, entry); err != nil {
		s.logger.Warn("bridge log append failed", "kind", entry.Kind, "error", err)
	}
}

func (s *Server) publish(ctx context.Context, ev domain.Event) {
	if s.bus != nil {
		s.bus.Publish(ctx, ev)
	}
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
