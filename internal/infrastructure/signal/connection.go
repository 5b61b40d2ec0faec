package signal

import (
	"context"
	"sync"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/protocol"
	rlog "consultnet/pkg/logger"
	"consultnet/pkg/tracing"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// connection is one call leg's socket. It implements ports.Outbox: the relay
// enqueues, writePump is the only writer.
type connection struct {
	server *WebSocketServer
	ws     *websocket.Conn
	id     domain.ParticipantID

	send      chan domain.Envelope
	replies   chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once

	limiter *rate.Limiter

	mu     sync.Mutex
	roomID domain.RoomID
	role   domain.Role
	// ended is the room this connection most recently left.
	ended domain.RoomID
}

func newConnection(s *WebSocketServer, ws *websocket.Conn, id domain.ParticipantID) *connection {
	c := &connection{
		server:  s,
		ws:      ws,
		id:      id,
		send:    make(chan domain.Envelope, s.cfg.SendBuffer),
		replies: make(chan protocol.Message, 8),
		closed:  make(chan struct{}),
	}
	if s.cfg.RateLimitEnabled && s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	}
	return c
}

// Enqueue never blocks. A connection that cannot keep up is closed.
func (c *connection) Enqueue(env domain.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	if env.Kind == domain.KindEnd {
		c.clearMembership(env.RoomID)
	}

	select {
	case c.send <- env:
		return true
	default:
		c.server.log.Base().Warnw("closing slow connection", "participant_id", c.id, "room_id", env.RoomID)
		c.Close()
		return false
	}
}

func (c *connection) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *connection) reply(msg protocol.Message) {
	select {
	case c.replies <- msg:
	case <-c.closed:
	default:
		c.server.log.Base().Warnw("dropping reply, queue full", "participant_id", c.id, "type", msg.Type())
	}
}

func (c *connection) membership() (domain.RoomID, domain.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.role
}

func (c *connection) setMembership(roomID domain.RoomID, role domain.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.role = role
}

func (c *connection) clearMembership(roomID domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID == roomID {
		c.roomID = ""
		c.role = ""
		c.ended = roomID
	}
}

// leftRoom reports whether roomID is the room this connection last left.
func (c *connection) leftRoom(roomID domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return roomID != "" && c.ended == roomID
}

func (c *connection) readPump() {
	defer func() {
		c.Close()
		c.ws.Close()
	}()

	cfg := c.server.cfg
	if cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(cfg.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.log.Base().Infow("read error", "participant_id", c.id, "error", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.server.metrics.MessageRejected(protocol.CodeRateLimited)
			c.reply(&protocol.Error{Code: protocol.CodeRateLimited, Message: "too many messages"})
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.server.metrics.MessageRejected(protocol.CodeBadRequest)
			c.reply(&protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()})
			continue
		}

		c.dispatch(msg)
	}
}

func (c *connection) dispatch(msg protocol.Message) {
	ctx := rlog.WithParticipant(rlog.WithRoom(context.Background(), string(msg.Room())), string(c.id))
	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type()), string(c.id), string(msg.Room()))
	defer span.End()

	if _, role := c.membership(); role != "" {
		tracing.AddSpanAttributes(ctx, tracing.RoleKey.String(string(role)))
	}

	if perr := c.server.handle(ctx, c, msg); perr != nil {
		tracing.RecordError(ctx, perr)
		c.server.metrics.MessageRejected(perr.Code)
		c.server.log.For(ctx).Debugw("rejected signaling message", "type", msg.Type(), "code", perr.Code, "reason", perr.Message)
		c.reply(perr)
	}
}

func (c *connection) writePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env := <-c.send:
			msg, err := protocol.FromEnvelope(env)
			if err != nil {
				c.server.log.Base().Errorw("cannot render envelope", "kind", env.Kind, "error", err)
				continue
			}
			if err := c.write(msg); err != nil {
				return
			}

		case msg := <-c.replies:
			if err := c.write(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			c.drain()
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes what is already queued so a final end notice is not lost
// when the relay detaches the connection right after enqueueing it.
func (c *connection) drain() {
	for {
		select {
		case env := <-c.send:
			msg, err := protocol.FromEnvelope(env)
			if err != nil {
				continue
			}
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) write(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.server.log.Base().Errorw("failed to encode message", "type", msg.Type(), "error", err)
		return nil
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.server.log.Base().Debugw("write failed", "participant_id", c.id, "error", err)
		return err
	}
	return nil
}
