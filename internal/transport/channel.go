// Package transport holds the realtime channel to the relay and the TCP
// probe used by discovery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/peder1981/securecarrier/internal/discovery"
	"github.com/peder1981/securecarrier/internal/logging"
	"github.com/peder1981/securecarrier/internal/metrics"
)

// ErrTransport is the category of every connect and I/O failure.
var ErrTransport = errors.New("transport")

var (
	// ErrState is returned by Enqueue when the channel is not Open.
	ErrState = fmt.Errorf("%w: invalid state", ErrTransport)
	// ErrQueueFull is returned by Enqueue when the send queue is full.
	ErrQueueFull = fmt.Errorf("%w: send queue full", ErrTransport)
)

// State of a Channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Event is delivered on Channel.Events: *StateChanged or *Frame.
type Event interface {
	event()
}

// StateChanged reports a transition. Err is set when To is Failed, or when
// the server closed the connection.
type StateChanged struct {
	From, To State
	Err      error
}

// Frame is one text frame received while Open.
type Frame struct {
	Data []byte
}

func (*StateChanged) event() {}
func (*Frame) event()        {}

const (
	DefaultPath             = "/ws"
	DefaultSendQueue        = 256
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultCloseTimeout     = 2 * time.Second
	defaultEventBuffer      = 128
)

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	Path             string
	SendQueue        int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CloseTimeout     time.Duration
	EventBuffer      int
	Logger           log.Logger
	Metrics          *metrics.Metrics
}

// Channel is a websocket client with at most one live connection. Send is
// safe to call from any goroutine; frames are written by a single pump and
// never interleave. Events must be drained by the application.
type Channel struct {
	opts   ChannelOptions
	logger log.Logger
	events chan Event

	// lifecycle serializes Open and Close.
	lifecycle sync.Mutex

	mu    sync.Mutex
	state State
	conn  *conn
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	// quit stops the write pump.
	quit     chan struct{}
	quitOnce sync.Once
	// done is closed when the read loop returns.
	done chan struct{}
}

func (cn *conn) stop() {
	cn.quitOnce.Do(func() { close(cn.quit) })
}

// NewChannel returns a Disconnected channel.
func NewChannel(opts ChannelOptions) *Channel {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	return &Channel{
		opts:   opts,
		logger: logging.Component(opts.Logger, "channel"),
		events: make(chan Event, opts.EventBuffer),
		state:  Disconnected,
	}
}

// Events returns the channel on which state changes and frames of every
// connection are delivered in order.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StreamURL builds the websocket URL for ep: http becomes ws, https becomes
// wss, and token is passed as the "token" query parameter.
func StreamURL(ep discovery.Endpoint, path, token string) (string, error) {
	var scheme string
	switch ep.Scheme {
	case "http", "ws":
		scheme = "ws"
	case "https", "wss":
		scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrTransport, ep.Scheme)
	}
	u := url.URL{Scheme: scheme, Host: ep.Addr(), Path: path}
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String(), nil
}

// Open connects to ep, presenting token. A live connection is closed first.
func (c *Channel) Open(ctx context.Context, ep discovery.Endpoint, token string) error {
	if ep.IsZero() {
		return fmt.Errorf("%w: %w", ErrTransport, discovery.ErrAddressUnresolved)
	}
	target, err := StreamURL(ep, c.opts.Path, token)
	if err != nil {
		return err
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	prev, state := c.conn, c.state
	c.mu.Unlock()
	if prev != nil && state == Open {
		level.Debug(c.logger).Log("msg", "replacing live connection")
		c.closeConn(prev)
	}

	c.transition(Connecting, nil)
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%v (status %d)", err, resp.StatusCode)
		}
		err = fmt.Errorf("%w: dial %s%s: %v", ErrTransport, ep.Addr(), c.opts.Path, err)
		c.transition(Failed, err)
		level.Warn(c.logger).Log("msg", "open failed", "err", err)
		return err
	}

	cn := &conn{
		ws:   ws,
		send: make(chan []byte, c.opts.SendQueue),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	c.transition(Open, nil)
	level.Info(c.logger).Log("msg", "channel open", "endpoint", ep.Addr())

	go c.writePump(cn)
	go c.readLoop(cn)
	return nil
}

// Send queues frame on the live connection. It reports false, and counts a
// dropped frame, when the channel is not Open or the queue is full.
func (c *Channel) Send(frame []byte) bool {
	return c.Enqueue(frame) == nil
}

// Enqueue is Send reporting why the frame was dropped.
func (c *Channel) Enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Open || c.conn == nil {
		c.opts.Metrics.Dropped("not_open")
		level.Debug(c.logger).Log("msg", "frame dropped", "state", c.state)
		return fmt.Errorf("%w: %s", ErrState, c.state)
	}
	select {
	case c.conn.send <- frame:
		return nil
	default:
		c.opts.Metrics.Dropped("queue_full")
		level.Warn(c.logger).Log("msg", "frame dropped, send queue full")
		return ErrQueueFull
	}
}

// Close sends a normal closure and waits for the server to confirm, at most
// CloseTimeout. Closing a channel that is not Open is a no-op.
func (c *Channel) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	cn, state := c.conn, c.state
	c.mu.Unlock()
	if cn == nil || state != Open {
		return nil
	}
	return c.closeConn(cn)
}

func (c *Channel) closeConn(cn *conn) error {
	c.transition(Closing, nil)
	cn.stop()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	err := cn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.CloseTimeout))
	if err != nil {
		level.Debug(c.logger).Log("msg", "close frame not sent", "err", err)
	}
	select {
	case <-cn.done:
	case <-time.After(c.opts.CloseTimeout):
		level.Warn(c.logger).Log("msg", "close not confirmed, dropping connection")
		cn.ws.Close()
		<-cn.done
	}
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: close: %v", ErrTransport, err)
	}
	return nil
}

// transition moves to state to and emits the change.
func (c *Channel) transition(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	c.emit(&StateChanged{From: from, To: to, Err: err})
}

// emit delivers a state change, waiting at most CloseTimeout for room on
// Events. When nobody drains Events the change is dropped and counted.
func (c *Channel) emit(ev *StateChanged) {
	select {
	case c.events <- ev:
		return
	default:
	}
	t := time.NewTimer(c.opts.CloseTimeout)
	defer t.Stop()
	select {
	case c.events <- ev:
	case <-t.C:
		c.opts.Metrics.EventDropped()
		level.Warn(c.logger).Log("msg", "state change dropped, events not drained", "from", ev.From, "to", ev.To)
	}
}

func (c *Channel) writePump(cn *conn) {
	for {
		select {
		case frame := <-cn.send:
			cn.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := cn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.opts.Metrics.Dropped("write_error")
				level.Warn(c.logger).Log("msg", "write failed", "err", err)
				// the read loop sees the closed socket and reports Failed
				cn.ws.Close()
				return
			}
			c.opts.Metrics.Sent()
		case <-cn.quit:
			if n := len(cn.send); n > 0 {
				for i := 0; i < n; i++ {
					c.opts.Metrics.Dropped("closed")
				}
				level.Debug(c.logger).Log("msg", "pending frames discarded", "count", n)
			}
			return
		}
	}
}

func (c *Channel) readLoop(cn *conn) {
	defer close(cn.done)
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			cn.stop()
			cn.ws.Close()
			c.finish(cn, err)
			return
		}
		c.opts.Metrics.Received()
		ev := &Frame{Data: data}
		select {
		case c.events <- ev:
			continue
		default:
		}
		select {
		case c.events <- ev:
		case <-cn.quit:
			level.Debug(c.logger).Log("msg", "frame discarded during close")
		}
	}
}

// finish records the end of cn. A connection that was replaced reports
// nothing.
func (c *Channel) finish(cn *conn, err error) {
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	from := c.state
	var to State
	var reason error
	switch {
	case from == Closing:
		to = Closed
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		to = Closed
		reason = fmt.Errorf("%w: closed by server: %v", ErrTransport, err)
	default:
		to = Failed
		reason = fmt.Errorf("%w: %v", ErrTransport, err)
	}
	c.state = to
	c.mu.Unlock()

	if to == Failed {
		level.Warn(c.logger).Log("msg", "channel failed", "err", err)
	} else {
		level.Info(c.logger).Log("msg", "channel closed")
	}
	c.emit(&StateChanged{From: from, To: to, Err: reason})
}
