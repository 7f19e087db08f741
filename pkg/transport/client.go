package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/elara/pkg/errorsx"
	"github.com/harunnryd/elara/pkg/frames"
	"github.com/harunnryd/elara/pkg/resilience"
)

// ErrNotConnected is returned by send operations while no connection is up.
// Callers are expected to fail fast, not queue.
var ErrNotConnected = errors.New("transport not connected")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Status is a snapshot of the connection lifecycle.
type Status struct {
	State       State
	Attempt     int
	NextRetryAt time.Time
}

// Options configures the client.
type Options struct {
	URL              string
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Client maintains a websocket session to the chat server, reconnecting with
// jittered exponential backoff until Stop. Incoming frames are delivered on
// Recv; sends fail fast while disconnected.
type Client struct {
	opts      Options
	dialer    *websocket.Dialer
	backoff   *resilience.ExpBackoff
	sessionID string
	seq       uint64
	log       *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	statusFn func(Status)

	writeMu sync.Mutex

	recv   chan frames.Frame
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewClient(opts Options, sessionID string, log *slog.Logger) *Client {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		backoff:   resilience.NewExpBackoff(opts.BackoffBase, opts.BackoffCap),
		sessionID: sessionID,
		log:       log,
		status:    Status{State: StateDisconnected},
		recv:      make(chan frames.Frame, 64),
		done:      make(chan struct{}),
	}
}

// SetStatusListener installs a callback invoked on every state change. Call
// before Start.
func (c *Client) SetStatusListener(fn func(Status)) {
	c.mu.Lock()
	c.statusFn = fn
	c.mu.Unlock()
}

// Recv returns the channel of inbound frames. Closed after Stop.
func (c *Client) Recv() <-chan frames.Frame {
	return c.recv
}

// Status returns the current connection snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start launches the connect/read loop.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(ctx)
}

// Stop closes the connection and ends the reconnect loop. Idempotent.
func (c *Client) Stop() {
	c.once.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		<-c.done
	})
}

// SendChat submits the conversation history. continueResponse asks the
// server to resume the reply a barge-in interrupted.
func (c *Client) SendChat(messages []ChatMessage, continueResponse bool) error {
	payload, err := EncodeChatRequest(messages, continueResponse)
	if err != nil {
		return err
	}
	return c.send(websocket.TextMessage, payload)
}

// SendPlaybackComplete tells the server all response audio finished playing.
func (c *Client) SendPlaybackComplete() error {
	payload, err := EncodePlaybackComplete()
	if err != nil {
		return err
	}
	return c.send(websocket.TextMessage, payload)
}

func (c *Client) send(messageType int, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errorsx.Wrap(ErrNotConnected, errorsx.ReasonNotConnected)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(messageType, payload); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.recv)
	for {
		if ctx.Err() != nil {
			c.setStatus(Status{State: StateStopped})
			return
		}
		c.setStatus(Status{State: StateConnecting, Attempt: c.backoff.Attempt()})
		conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				c.setStatus(Status{State: StateStopped})
				return
			}
			delay := c.backoff.Next()
			c.log.Warn("connect failed",
				"url", c.opts.URL,
				"attempt", c.backoff.Attempt(),
				"retry_in", delay,
				"error", errorsx.Wrap(err, errorsx.ReasonTransportDial),
			)
			c.setStatus(Status{
				State:       StateReconnecting,
				Attempt:     c.backoff.Attempt(),
				NextRetryAt: time.Now().Add(delay),
			})
			select {
			case <-ctx.Done():
				c.setStatus(Status{State: StateStopped})
				return
			case <-time.After(delay):
			}
			continue
		}

		c.backoff.Reset()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setStatus(Status{State: StateConnected})
		c.emit(frames.NewSystemFrame(c.sessionID, c.nextSeq(), "connected", nil))

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.emit(frames.NewSystemFrame(c.sessionID, c.nextSeq(), "disconnected", nil))
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("read failed", "error", err)
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			f, err := DecodeAudioFrame(c.sessionID, data)
			if err != nil {
				c.log.Warn("bad audio frame", "error", errorsx.Wrap(err, errorsx.ReasonTransportFrame))
				continue
			}
			c.emit(f)
		case websocket.TextMessage:
			f, ok, err := DecodeServerMessage(c.sessionID, c.nextSeq(), data)
			if err != nil {
				c.log.Warn("bad server message", "error", errorsx.Wrap(err, errorsx.ReasonTransportFrame))
				continue
			}
			if !ok {
				continue
			}
			c.emit(f)
		}
	}
}

func (c *Client) emit(f frames.Frame) {
	select {
	case c.recv <- f:
	default:
		// Slow consumer: drop the oldest frame to keep the stream moving.
		select {
		case old := <-c.recv:
			frames.ReleaseAudioFrame(old)
		default:
		}
		select {
		case c.recv <- f:
		default:
			frames.ReleaseAudioFrame(f)
		}
	}
}

func (c *Client) nextSeq() uint64 {
	c.seq++
	return c.seq
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	fn := c.statusFn
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
