package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"consultnet/internal/protocol"
	"consultnet/pkg/retry"
	"consultnet/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrClientClosed = errors.New("signaling connection closed")

// Client is the call leg's end of the signaling channel. Messages are
// written in Send order by a single write pump.
type Client struct {
	ws *websocket.Conn

	inbound  chan protocol.Message
	outbound chan []byte

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	logger *zap.SugaredLogger
}

// Dial connects to the signaling server, retrying transient failures.
func Dial(ctx context.Context, url string, cfg retry.Config, logger *zap.SugaredLogger) (*Client, error) {
	if err := validation.ValidateSignalURL(url); err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	ws, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (*websocket.Conn, error) {
		ws, resp, err := dialer.DialContext(ctx, url, nil)
		if err == nil {
			return ws, nil
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(fmt.Errorf("signaling server refused connection: %s", resp.Status))
		}
		logger.Debugw("signaling dial failed", "url", url, "error", err)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	return NewClient(ws, logger), nil
}

// NewClient takes ownership of an established connection.
func NewClient(ws *websocket.Conn, logger *zap.SugaredLogger) *Client {
	c := &Client{
		ws:       ws,
		inbound:  make(chan protocol.Message, 16),
		outbound: make(chan []byte, 16),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// The server pings us; answering resets our own read deadline too.
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	go c.readPump()
	go c.writePump()
	return c
}

// Send queues msg for writing. It fails once the connection is closed.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClientClosed
	case <-c.closing:
		return ErrClientClosed
	default:
	}

	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-c.closing:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound delivers decoded server messages. It is never closed; watch Done.
func (c *Client) Inbound() <-chan protocol.Message {
	return c.inbound
}

// Done is closed when the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close flushes queued messages, sends a close frame and tears the
// connection down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	select {
	case <-c.done:
	case <-time.After(writeWait):
		c.ws.Close()
	}
	return nil
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.markDone()
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugw("signaling read failed", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warnw("ignoring malformed signaling frame", "error", err)
			continue
		}

		select {
		case c.inbound <- msg:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.outbound:
			if err := c.write(data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closing:
			if err := c.flush(); err != nil {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-c.done:
			return
		}
	}
}

func (c *Client) flush() error {
	for {
		select {
		case data := <-c.outbound:
			if err := c.write(data); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) write(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debugw("signaling write failed", "error", err)
		return err
	}
	return nil
}
