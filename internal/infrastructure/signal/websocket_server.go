package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"
	"consultnet/internal/infrastructure/middleware"
	"consultnet/internal/protocol"
	"consultnet/pkg/config"
	rlog "consultnet/pkg/logger"
	"consultnet/pkg/tracing"
	"consultnet/pkg/utils"
	"consultnet/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MaxMessageSize    int64
	AllowedOrigins    []string
	RateLimitEnabled  bool
	MessagesPerSecond float64
	MessageBurst      int
	// ConnectionsPerMinute is the admission rate per client IP.
	ConnectionsPerMinute int
	// MaxConnections caps concurrent connections; zero is unlimited.
	MaxConnections int
}

// DefaultServerConfig returns server settings without rate limiting
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   54 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 64 * 1024,
	}
}

// ServerConfigFrom maps the signal and websocket rate limiting sections.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	sc := DefaultServerConfig()
	sc.PingInterval = cfg.Signal.PingInterval
	sc.PongTimeout = cfg.Signal.PongTimeout
	sc.WriteTimeout = cfg.Signal.WriteTimeout
	sc.SendBuffer = cfg.Signal.SendBuffer
	sc.AllowedOrigins = cfg.Signal.AllowedOrigins

	ws := cfg.RateLimiting.WebSocket
	if ws.MaxMessageSizeBytes > 0 {
		sc.MaxMessageSize = ws.MaxMessageSizeBytes
	}
	sc.MaxConnections = ws.MaxConcurrent
	sc.RateLimitEnabled = cfg.RateLimiting.Enabled
	sc.MessagesPerSecond = ws.MessagesPerSecond
	sc.MessageBurst = ws.Burst
	sc.ConnectionsPerMinute = ws.ConnectionsPerMinute
	return sc
}

// Metrics observes connection-level events of the signaling endpoint.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageRejected(code protocol.ErrorCode)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()                 {}
func (nopMetrics) ConnectionClosed()                 {}
func (nopMetrics) MessageRejected(protocol.ErrorCode) {}

// WebSocketServer terminates call-leg connections. It owns transport
// identities; rooms and routing belong to the registry and relay.
type WebSocketServer struct {
	registry  ports.SessionRegistry
	relay     ports.Relay
	directory ports.AppointmentDirectory

	cfg      ServerConfig
	upgrader websocket.Upgrader
	metrics  Metrics

	admission *middleware.RateLimiterStore
	active    atomic.Int64
	wg        sync.WaitGroup

	connsMu  sync.Mutex
	conns    map[*connection]struct{}
	draining atomic.Bool

	log *rlog.ContextLogger
}

// NewWebSocketServer wires the endpoint. directory and metrics may be nil.
func NewWebSocketServer(registry ports.SessionRegistry, relay ports.Relay, directory ports.AppointmentDirectory, cfg ServerConfig, metrics Metrics, logger *zap.SugaredLogger) *WebSocketServer {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	s := &WebSocketServer{
		registry:  registry,
		relay:     relay,
		directory: directory,
		cfg:       cfg,
		metrics:   metrics,
		conns:     make(map[*connection]struct{}),
		log:       rlog.NewContextLogger(logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	if cfg.RateLimitEnabled && cfg.ConnectionsPerMinute > 0 {
		perMinute := rate.Every(time.Minute / time.Duration(cfg.ConnectionsPerMinute))
		s.admission = middleware.NewRateLimiterStore(perMinute, cfg.ConnectionsPerMinute)
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades one signaling connection
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "signaling server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.admission != nil && !s.admission.Allow(middleware.ClientIP(r)) {
		s.metrics.MessageRejected(protocol.CodeRateLimited)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	// The slot is reserved before the upgrade so concurrent handshakes
	// cannot overshoot the cap.
	if n := s.active.Add(1); s.cfg.MaxConnections > 0 && n > int64(s.cfg.MaxConnections) {
		s.active.Add(-1)
		s.metrics.MessageRejected(protocol.CodeRateLimited)
		http.Error(w, "signaling server at capacity", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.active.Add(-1)
		s.log.Base().Warnw("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := newConnection(s, ws, domain.ParticipantID(utils.NewParticipantID()))

	// Registration and wg.Add happen under connsMu so Shutdown either sees
	// this connection or this handshake sees draining.
	s.connsMu.Lock()
	if s.draining.Load() {
		s.connsMu.Unlock()
		s.active.Add(-1)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "signaling server shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(2)
	s.connsMu.Unlock()

	s.metrics.ConnectionOpened()
	s.relay.Attach(c.id, c)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
		s.disconnect(c)
	}()
}

func (s *WebSocketServer) disconnect(c *connection) {
	roomID, _ := c.membership()
	if roomID != "" {
		ctx := rlog.WithParticipant(rlog.WithRoom(context.Background(), string(roomID)), string(c.id))
		err := s.registry.LeaveRoom(ctx, roomID, c.id, domain.EndReasonDisconnected)
		if err != nil && !errors.Is(err, domain.ErrRoomNotFound) && !errors.Is(err, domain.ErrNotInRoom) {
			s.log.For(ctx).Warnw("failed to release room on disconnect", "error", err)
		}
	}

	s.relay.Detach(c.id)
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
	s.active.Add(-1)
	s.metrics.ConnectionClosed()
	s.log.Base().Debugw("connection closed", "participant_id", c.id, "room_id", roomID)
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their goroutines. Rooms of closed connections end as disconnected.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.connsMu.Lock()
	s.draining.Store(true)
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()

	return s.Wait(ctx)
}

// Wait blocks until every connection goroutine has exited or ctx is done.
func (s *WebSocketServer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveConnections returns the number of open connections
func (s *WebSocketServer) ActiveConnections() int {
	return int(s.active.Load())
}

// HealthCheck reports connection and room counts
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ActiveConnections(),
		"rooms":       s.registry.Stats().Rooms,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handle applies one inbound message and returns the error frame to send
// back, if any.
func (s *WebSocketServer) handle(ctx context.Context, c *connection, msg protocol.Message) *protocol.Error {
	switch m := msg.(type) {
	case *protocol.CreateRoom:
		return s.handleCreate(ctx, c, m)
	case *protocol.JoinRoom:
		return s.handleJoin(ctx, c, m)
	}

	kind, payload, ok := protocol.EnvelopeKind(msg)
	if !ok {
		return &protocol.Error{RoomID: msg.Room(), Code: protocol.CodeBadRequest, Message: "message type cannot be sent by clients"}
	}

	roomID, role := c.membership()
	if roomID != msg.Room() && c.leftRoom(msg.Room()) {
		// The call is already over for this connection: repeated leave/end
		// are no-ops and late envelopes are dropped without a reply.
		s.log.For(ctx).Debugw("ignoring message for ended room", "type", msg.Type())
		return nil
	}
	if roomID != msg.Room() {
		return &protocol.Error{RoomID: msg.Room(), Code: protocol.CodeInvalidRoom, Message: "not a member of this room"}
	}

	err := s.relay.Send(ctx, domain.Envelope{
		RoomID:     msg.Room(),
		Kind:       kind,
		SenderID:   c.id,
		SenderRole: role,
		Payload:    payload,
		SentAt:     time.Now(),
	})
	if kind == domain.KindLeave || kind == domain.KindEnd {
		c.clearMembership(roomID)
	}
	if err != nil {
		return toProtocolError(msg.Room(), err)
	}
	return nil
}

func (s *WebSocketServer) handleCreate(ctx context.Context, c *connection, m *protocol.CreateRoom) *protocol.Error {
	if err := validation.ValidateRoomID(string(m.RoomID)); err != nil {
		return &protocol.Error{RoomID: m.RoomID, Code: protocol.CodeBadRequest, Message: err.Error()}
	}
	if current, _ := c.membership(); current != "" {
		return &protocol.Error{RoomID: m.RoomID, Code: protocol.CodeAlreadyInRoom, Message: "connection already holds a room"}
	}

	ctx, span := tracing.TraceRoomOperation(ctx, "create", string(m.RoomID))
	defer span.End()

	initiator := domain.Participant{ID: c.id, DisplayName: utils.DisplayNameOrDefault(m.DisplayName, "Clinician")}
	if _, err := s.registry.CreateRoom(ctx, m.RoomID, initiator, s.details(ctx, m.RoomID)); err != nil {
		tracing.RecordError(ctx, err)
		return toProtocolError(m.RoomID, err)
	}
	c.setMembership(m.RoomID, domain.RoleInitiator)
	s.log.For(ctx).Infow("room created")
	return nil
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *connection, m *protocol.JoinRoom) *protocol.Error {
	if err := validation.ValidateRoomID(string(m.RoomID)); err != nil {
		return &protocol.Error{RoomID: m.RoomID, Code: protocol.CodeBadRequest, Message: err.Error()}
	}
	if current, _ := c.membership(); current != "" {
		return &protocol.Error{RoomID: m.RoomID, Code: protocol.CodeAlreadyInRoom, Message: "connection already holds a room"}
	}

	ctx, span := tracing.TraceRoomOperation(ctx, "join", string(m.RoomID))
	defer span.End()

	responder := domain.Participant{ID: c.id, DisplayName: utils.DisplayNameOrDefault(m.DisplayName, "Patient")}
	// Membership is recorded before the registry emits roomJoined so a
	// fast offer from the responder is never rejected.
	c.setMembership(m.RoomID, domain.RoleResponder)
	if _, err := s.registry.JoinRoom(ctx, m.RoomID, responder); err != nil {
		c.clearMembership(m.RoomID)
		tracing.RecordError(ctx, err)
		return toProtocolError(m.RoomID, err)
	}
	s.log.For(ctx).Infow("participant joined room")
	return nil
}

// details looks the room up as an appointment. Unknown rooms get none.
func (s *WebSocketServer) details(ctx context.Context, roomID domain.RoomID) domain.RoomDetails {
	if s.directory == nil {
		return domain.RoomDetails{}
	}
	appt, err := s.directory.Lookup(ctx, string(roomID))
	if err != nil {
		if !errors.Is(err, domain.ErrAppointmentMissing) {
			s.log.For(ctx).Debugw("appointment lookup failed", "error", err)
		}
		return domain.RoomDetails{}
	}
	return appt.Details()
}

func toProtocolError(roomID domain.RoomID, err error) *protocol.Error {
	e := &protocol.Error{RoomID: roomID, Message: err.Error()}
	switch {
	case errors.Is(err, domain.ErrRoomAlreadyExists):
		e.Code = protocol.CodeRoomAlreadyExists
	case errors.Is(err, domain.ErrRoomNotFound):
		e.Code = protocol.CodeRoomNotFound
	case errors.Is(err, domain.ErrRoomFull):
		e.Code = protocol.CodeRoomFull
	case errors.Is(err, domain.ErrAlreadyInRoom):
		e.Code = protocol.CodeAlreadyInRoom
	case errors.Is(err, domain.ErrInvalidRoom), errors.Is(err, domain.ErrNotInRoom):
		e.Code = protocol.CodeInvalidRoom
	case errors.Is(err, domain.ErrInvalidRoomID):
		e.Code = protocol.CodeBadRequest
	default:
		e.Code = protocol.CodeInternal
		e.Message = "internal error"
	}
	return e
}
