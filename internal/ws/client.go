package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coderoom/internal/ratelimit"
	"coderoom/internal/session"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	sendBuffer        = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client binds one WebSocket to the coordinator. Outbound frames go through
// a buffered channel so broadcasts never block on a slow peer.
type Client struct {
	id          string
	conn        *websocket.Conn
	coordinator *session.Coordinator
	rateLimiter *ratelimit.Limiter
	log         *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) ID() string { return c.id }

// Send enqueues a frame without blocking. False means the client is gone or
// its buffer is full; the coordinator treats that as a disconnect.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close shuts the transport down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

// Handler returns the /ws endpoint handler.
func Handler(coordinator *session.Coordinator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("ws.upgrade", "err", err)
			return
		}

		client := &Client{
			id:          uuid.NewString(),
			conn:        conn,
			coordinator: coordinator,
			rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
			log:         logger,
			send:        make(chan []byte, sendBuffer),
			done:        make(chan struct{}),
		}

		coordinator.Register(client)

		go client.writePump()
		// The request context dies when this handler returns, so the read
		// pump runs against the background context.
		go client.readPump(context.Background())
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.coordinator.Disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("ws.read", "conn", c.id, "err", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.log.Warn("ws.rate_limited", "conn", c.id, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				c.log.Warn("ws.rate_limit_kick", "conn", c.id)
				return
			}
			continue
		}

		c.coordinator.HandleMessage(ctx, c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
