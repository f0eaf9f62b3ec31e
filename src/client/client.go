// Package client implements the connection side of a collaborative map
// session: a WebSocket client that reconnects with capped exponential
// backoff, queues outbound messages while offline, and replays room joins
// and channel subscriptions after every successful open.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maproom/collab/src/protocol"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateErrored      State = "errored"
)

// ErrRetriesExhausted is reported through the state callback once the
// retry budget is spent. It is never returned from the read path.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// ErrClosed is returned by Connect after an explicit Disconnect.
var ErrClosed = errors.New("controller closed")

// Conn is one open transport connection. Implementations deliver whole
// text frames in order.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transport connections. Faked in tests.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// MessageSink consumes decoded inbound messages. The session store
// satisfies this.
type MessageSink interface {
	Apply(msg protocol.Message)
}

// Options tune reconnect and heartbeat behavior.
type Options struct {
	InitialDelay      time.Duration
	BackoffFactor     float64
	MaxDelay          time.Duration
	MaxRetries        int // 0 means retry forever
	QueueSize         int
	HeartbeatInterval time.Duration
}

// DefaultOptions returns the standard reconnect tuning: 1s initial delay
// growing by 1.5x up to 30s, five retries, a 50-message offline queue,
// and a 30s heartbeat.
func DefaultOptions() Options {
	return Options{
		InitialDelay:      time.Second,
		BackoffFactor:     1.5,
		MaxDelay:          30 * time.Second,
		MaxRetries:        5,
		QueueSize:         50,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Controller owns at most one live connection to the session server and
// the policy for getting it back when it drops. Store state is outside
// its care: a reconnect interrupts the wire, never the model.
type Controller struct {
	url    string
	dialer Dialer
	sink   MessageSink
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	attempt  int
	queue    []protocol.Message
	channels map[string]bool
	rooms    map[string]joinIdentity // auto-join rooms, replayed on open
	closed   bool

	// generation invalidates timers and read loops from earlier
	// connections after a disconnect or reconnect.
	generation int

	retryTimer *time.Timer

	onState []func(State, error)
}

type joinIdentity struct {
	userID   string
	username string
}

// New creates a controller for the given endpoint. Messages received on
// the wire are decoded and applied to sink.
func New(url string, dialer Dialer, sink MessageSink, opts Options, logger zerolog.Logger) *Controller {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	if opts.BackoffFactor <= 1 {
		opts.BackoffFactor = DefaultOptions().BackoffFactor
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultOptions().InitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultOptions().MaxDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultOptions().HeartbeatInterval
	}
	return &Controller{
		url:      url,
		dialer:   dialer,
		sink:     sink,
		opts:     opts,
		state:    StateDisconnected,
		channels: make(map[string]bool),
		rooms:    make(map[string]joinIdentity),
		logger:   logger.With().Str("component", "session-client").Logger(),
	}
}

// OnStateChange registers a callback for lifecycle transitions. The error
// is non-nil only for the terminal retries-exhausted report.
func (c *Controller) OnStateChange(cb func(State, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, cb)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection. On failure it returns the dial
// error and schedules a retry; callers watch OnStateChange for the
// eventual outcome.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.url).Msg("dial failed")
		c.mu.Lock()
		c.scheduleRetryLocked()
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if c.state == StateConnected && c.conn != nil {
		// Another Connect won while this dial was in flight; there is
		// only ever one live connection, so the loser is discarded.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.attempt = 0
	c.generation++
	gen := c.generation
	c.setStateLocked(StateConnected, nil)
	replay := c.replayMessagesLocked()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("connected")

	// Rejoins first, then the offline queue in original order.
	for _, msg := range replay {
		c.write(conn, msg)
	}
	for _, msg := range pending {
		c.write(conn, msg)
	}

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn, gen)
	return nil
}

// Disconnect closes the connection cleanly. No retry is scheduled and all
// timers stop; any in-flight reconnect attempt becomes a no-op.
func (c *Controller) Disconnect(reason string) {
	c.mu.Lock()
	c.closed = true
	c.generation++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Info().Str("reason", reason).Msg("disconnected")
}

// Send delivers a message immediately when connected, or queues it for the
// next open. Returns true only for immediate delivery. The queue is FIFO
// and bounded; the oldest entry is dropped on overflow.
func (c *Controller) Send(msg protocol.Message) bool {
	c.mu.Lock()
	if c.state == StateConnected && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return c.write(conn, msg)
	}
	if len(c.queue) >= c.opts.QueueSize {
		c.queue = c.queue[1:]
		c.logger.Warn().Str("type", msg.Type).Msg("offline queue full, dropped oldest")
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	return false
}

// Subscribe adds a channel subscription, effective immediately when
// connected and replayed after every reconnect.
func (c *Controller) Subscribe(channel string) {
	c.mu.Lock()
	c.channels[channel] = true
	conn := c.connIfOpenLocked()
	c.mu.Unlock()

	if conn != nil {
		c.write(conn, subscribeMessage(channel))
	}
}

// Unsubscribe drops a channel subscription.
func (c *Controller) Unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	conn := c.connIfOpenLocked()
	c.mu.Unlock()

	if conn != nil {
		c.write(conn, protocol.NewMessage(protocol.KindLeave, channel, "", nil))
	}
}

// AutoJoin registers a room the controller joins on every open, including
// reconnects. When already connected the join goes out immediately.
func (c *Controller) AutoJoin(roomID, userID, username string) {
	c.mu.Lock()
	c.rooms[roomID] = joinIdentity{userID: userID, username: username}
	conn := c.connIfOpenLocked()
	c.mu.Unlock()

	if conn != nil {
		c.write(conn, joinMessage(roomID, userID, username))
	}
}

// Channels returns the currently subscribed channel names.
func (c *Controller) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// QueuedCount returns the number of messages waiting for the next open.
func (c *Controller) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) connIfOpenLocked() Conn {
	if c.state == StateConnected {
		return c.conn
	}
	return nil
}

// replayMessagesLocked builds the join/subscribe replay sent after an open.
func (c *Controller) replayMessagesLocked() []protocol.Message {
	msgs := make([]protocol.Message, 0, len(c.rooms)+len(c.channels))
	for roomID, id := range c.rooms {
		msgs = append(msgs, joinMessage(roomID, id.userID, id.username))
	}
	for ch := range c.channels {
		msgs = append(msgs, subscribeMessage(ch))
	}
	return msgs
}

func joinMessage(roomID, userID, username string) protocol.Message {
	msg := protocol.NewMessage(protocol.KindJoin, roomID, userID, nil)
	msg.Username = username
	return msg
}

func subscribeMessage(channel string) protocol.Message {
	return protocol.NewMessage(protocol.KindJoin, channel, "", nil)
}

func (c *Controller) write(conn Conn, msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msg.Type).Msg("encode failed")
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		c.logger.Warn().Err(err).Msg("write failed")
		return false
	}
	return true
}

// readLoop drains one connection until it fails, then enters the backoff
// path unless a newer generation has taken over.
func (c *Controller) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnLost(conn, gen, err)
			return
		}
		msg, derr := protocol.Decode(data)
		if derr != nil {
			c.logger.Debug().Err(derr).Msg("dropped malformed frame")
			continue
		}
		if msg.Kind.IsHeartbeat() {
			if msg.Kind == protocol.KindPing {
				c.write(conn, protocol.NewMessage(protocol.KindPong, "", "", nil))
			}
			continue
		}
		c.sink.Apply(msg)
	}
}

// heartbeatLoop sends a ping at the configured interval while the
// connection generation is still current.
func (c *Controller) heartbeatLoop(conn Conn, gen int) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := c.generation != gen || c.state != StateConnected
		c.mu.Unlock()
		if stale {
			return
		}
		c.write(conn, protocol.NewMessage(protocol.KindPing, "", "", nil))
	}
}

func (c *Controller) handleConnLost(conn Conn, gen int, err error) {
	conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.closed {
		return
	}
	c.conn = nil
	c.logger.Warn().Err(err).Msg("connection lost")
	c.setStateLocked(StateErrored, nil)
	c.scheduleRetryLocked()
}

// scheduleRetryLocked arms the backoff timer for the next attempt, or
// reports the terminal condition once the budget is spent.
func (c *Controller) scheduleRetryLocked() {
	if c.closed {
		return
	}
	if c.opts.MaxRetries > 0 && c.attempt >= c.opts.MaxRetries {
		c.logger.Error().Int("attempts", c.attempt).Msg("giving up reconnecting")
		c.setStateLocked(StateErrored, ErrRetriesExhausted)
		return
	}
	delay := BackoffDelay(c.attempt, c.opts.InitialDelay, c.opts.BackoffFactor, c.opts.MaxDelay)
	c.attempt++
	gen := c.generation
	c.setStateLocked(StateReconnecting, nil)
	c.logger.Info().Int("attempt", c.attempt).Dur("delay", delay).Msg("reconnect scheduled")

	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := c.generation != gen || c.closed
		c.mu.Unlock()
		if stale {
			return
		}
		// Errors here already scheduled the next retry.
		_ = c.Connect(context.Background())
	})
}

func (c *Controller) setStateLocked(s State, err error) {
	if c.state == s && err == nil {
		return
	}
	c.state = s
	cbs := make([]func(State, error), len(c.onState))
	copy(cbs, c.onState)
	go func() {
		for _, cb := range cbs {
			cb(s, err)
		}
	}()
}
