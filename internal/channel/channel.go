// Package channel implements the client side of a session connection: one
// logical ordered message stream over WebSocket with automatic, bounded
// reconnection. Server state does not survive a reconnect, so the OnConnect
// hook is where callers re-issue join_room for their last known room.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coderoom/internal/protocol"
)

// ErrClosed is returned from Send after the channel has shut down.
var ErrClosed = errors.New("channel is closed")

type Options struct {
	// MaxAttempts bounds each connect cycle (initial dial and every
	// reconnect). Zero means the default of 5.
	MaxAttempts int
	// Backoff is the base delay between attempts; attempt n waits n times
	// this long. Zero means the default of 500ms.
	Backoff time.Duration
	// DialTimeout bounds a single handshake. Zero means 5s.
	DialTimeout time.Duration
	// OnConnect runs after every successful dial, including reconnects.
	OnConnect func(ch *Channel)
	Logger    *slog.Logger
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Channel is one logical connection. Events delivers inbound frames in
// order; the events channel closes when the channel gives up or is closed.
type Channel struct {
	url  string
	opts Options

	mu   sync.Mutex // guards conn for writes and swaps
	conn *websocket.Conn

	events chan protocol.Envelope
	done   chan struct{}

	closeOnce sync.Once

	errMu   sync.Mutex
	lastErr error
}

// Dial opens the channel, retrying per Options, and starts the read loop.
func Dial(url string, opts Options) (*Channel, error) {
	opts.withDefaults()

	ch := &Channel{
		url:    url,
		opts:   opts,
		events: make(chan protocol.Envelope, 64),
		done:   make(chan struct{}),
	}
	if err := ch.connect(); err != nil {
		return nil, err
	}
	go ch.readLoop()
	return ch, nil
}

// Events returns the inbound frame stream.
func (ch *Channel) Events() <-chan protocol.Envelope { return ch.events }

// Err reports why the channel stopped, once Events is closed.
func (ch *Channel) Err() error {
	ch.errMu.Lock()
	defer ch.errMu.Unlock()
	return ch.lastErr
}

// Send writes one frame.
func (ch *Channel) Send(event protocol.Event, payload any) error {
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.conn == nil {
		return ErrClosed
	}
	ch.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ch.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the channel down; no reconnection follows.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.mu.Lock()
		if ch.conn != nil {
			ch.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			ch.conn.Close()
			ch.conn = nil
		}
		ch.mu.Unlock()
	})
	return nil
}

// connect dials with bounded attempts and linear backoff, then runs the
// OnConnect hook.
func (ch *Channel) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: ch.opts.DialTimeout}

	var lastErr error
	for attempt := 1; attempt <= ch.opts.MaxAttempts; attempt++ {
		select {
		case <-ch.done:
			return ErrClosed
		default:
		}

		conn, _, err := dialer.Dial(ch.url, nil)
		if err == nil {
			ch.mu.Lock()
			ch.conn = conn
			ch.mu.Unlock()
			if ch.opts.OnConnect != nil {
				ch.opts.OnConnect(ch)
			}
			return nil
		}
		lastErr = err
		ch.opts.Logger.Warn("channel.dial", "url", ch.url, "attempt", attempt, "err", err)

		select {
		case <-ch.done:
			return ErrClosed
		case <-time.After(time.Duration(attempt) * ch.opts.Backoff):
		}
	}
	return fmt.Errorf("dial %s: attempts exhausted: %w", ch.url, lastErr)
}

func (ch *Channel) readLoop() {
	defer close(ch.events)

	for {
		ch.mu.Lock()
		conn := ch.conn
		ch.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
				return
			default:
			}

			ch.opts.Logger.Warn("channel.read", "err", err)
			conn.Close()
			if rerr := ch.connect(); rerr != nil {
				ch.errMu.Lock()
				ch.lastErr = rerr
				ch.errMu.Unlock()
				return
			}
			continue
		}

		var env protocol.Envelope
		if uerr := env.UnmarshalFrame(data); uerr != nil {
			ch.opts.Logger.Warn("channel.bad_frame", "err", uerr)
			continue
		}

		select {
		case ch.events <- env:
		case <-ch.done:
			return
		}
	}
}
