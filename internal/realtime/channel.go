// Package realtime maintains the client's WebSocket connection: it keeps the
// set of desired subscription topics, replays it after every (re)connect,
// sends heartbeats, reconnects with exponential backoff after an unclean
// closure and dispatches parsed events to per-type handlers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/config"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/metrics"
)

// ErrDisconnected is returned by Connect when Disconnect was called while the
// dial was in flight.
var ErrDisconnected = errors.New("realtime channel disconnected")

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var allStates = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting}

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handler processes one event. Handlers run sequentially on the read
// goroutine, in receive order.
type Handler func(ev *Event) error

// TokenSource supplies the bearer token sent with the upgrade request.
type TokenSource interface {
	Token() string
}

// ReconnectDelay returns base × 2^(attempt−1), capped at max.
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Channel is a reconnecting realtime connection. All methods are safe for
// concurrent use.
type Channel struct {
	cfg     config.RealtimeConfig
	dialer  Dialer
	tokens  TokenSource
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64
	dialSeq     uint64
	done        chan struct{}
	attempt     int
	closed      bool
	timer       *time.Timer
	desired     map[entities.Topic]struct{}
	order       []entities.Topic
	stateHooks  []func(State)
	transitions []State

	// writeMu serializes writes on the socket; gorilla allows one writer.
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[EventType][]Handler
}

// Option customizes a Channel.
type Option func(*Channel)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithTokens sends "Authorization: Bearer <token>" on every upgrade.
func WithTokens(t TokenSource) Option {
	return func(c *Channel) { c.tokens = t }
}

// WithMetrics records connection state, reconnects and events on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// NewChannel creates a disconnected channel. Zero durations in cfg fall back
// to the defaults from config.NewDefaultConfig.
func NewChannel(cfg config.RealtimeConfig, logger logrus.FieldLogger, opts ...Option) *Channel {
	def := config.NewDefaultConfig().Realtime
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Channel{
		cfg:      cfg,
		dialer:   WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:   logger.WithField("component", "realtime"),
		desired:  make(map[entities.Topic]struct{}),
		handlers: make(map[EventType][]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.recordState(StateDisconnected)
	return c
}

// On registers h for events of type t.
func (c *Channel) On(t EventType, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// OnStateChange registers fn to be called after every state transition.
// fn runs outside the channel's lock and may call back into it.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHooks = append(c.stateHooks, fn)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DesiredTopics returns the desired subscriptions in the order they were
// added.
func (c *Channel) DesiredTopics() []entities.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]entities.Topic(nil), c.order...)
}

// Connect dials the server. It is a no-op while connecting or connected.
// A failed dial is returned and a reconnect is scheduled.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.stopTimerLocked()
	c.setStateLocked(StateConnecting)
	c.dialSeq++
	seq := c.dialSeq
	c.unlock()

	return c.dial(ctx, seq)
}

// dial installs the connection only while seq is still the latest dial; a
// dial overtaken by Disconnect or a newer Connect closes what it opened.
func (c *Channel) dial(ctx context.Context, seq uint64) error {
	var header http.Header
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			header = http.Header{"Authorization": []string{"Bearer " + tok}}
		}
	}

	conn, err := c.dialer.Dial(ctx, c.cfg.URL, header)

	c.mu.Lock()
	if c.closed || seq != c.dialSeq {
		c.unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrDisconnected
	}
	if err != nil {
		c.logger.WithError(err).WithField("attempt", c.attempt+1).Warn("realtime connect failed")
		c.scheduleReconnectLocked()
		c.unlock()
		return apperr.FromTransport("realtime connect", err)
	}

	c.gen++
	gen := c.gen
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.attempt = 0
	c.setStateLocked(StateConnected)

	// Replaying under the lock keeps a concurrent Subscribe from sending the
	// same topic twice.
	for _, t := range c.order {
		c.sendTopicLocked(conn, t, subscribeFrame)
	}
	topics := len(c.order)
	c.unlock()

	c.logger.WithField("topics", topics).Info("realtime connected")
	go c.readLoop(conn, gen)
	go c.heartbeat(conn, done)
	return nil
}

// Disconnect closes the socket with a normal closure, clears the desired
// topics and cancels any pending reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.dialSeq++
	c.stopTimerLocked()
	c.desired = make(map[entities.Topic]struct{})
	c.order = nil
	conn := c.conn
	c.detachLocked()
	c.attempt = 0
	c.setStateLocked(StateDisconnected)
	c.unlock()

	if conn == nil {
		return
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.logger.WithError(err).Debug("close frame not sent")
	}
	c.writeMu.Unlock()
	conn.Close()
	c.logger.Info("realtime disconnected")
}

// Subscribe adds t to the desired topics and sends the subscribe frame when
// connected. Subscribing twice is a no-op. It only fails for a malformed
// topic, never because of the connection state.
func (c *Channel) Subscribe(t entities.Topic) error {
	if _, _, err := entities.ParseTopic(t); err != nil {
		return apperr.Wrap(apperr.Validation, "subscribe", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.desired[t]; ok {
		return nil
	}
	c.desired[t] = struct{}{}
	c.order = append(c.order, t)
	if c.state == StateConnected && c.conn != nil {
		c.sendTopicLocked(c.conn, t, subscribeFrame)
	}
	return nil
}

// Unsubscribe removes t from the desired topics and sends the unsubscribe
// frame when connected.
func (c *Channel) Unsubscribe(t entities.Topic) error {
	if _, _, err := entities.ParseTopic(t); err != nil {
		return apperr.Wrap(apperr.Validation, "unsubscribe", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.desired[t]; !ok {
		return nil
	}
	delete(c.desired, t)
	for i, o := range c.order {
		if o == t {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.state == StateConnected && c.conn != nil {
		c.sendTopicLocked(c.conn, t, unsubscribeFrame)
	}
	return nil
}

func (c *Channel) sendTopicLocked(conn Conn, t entities.Topic, build func(entities.Topic) (frame, error)) {
	f, err := build(t)
	if err != nil {
		c.logger.WithError(err).WithField("topic", t).Error("cannot build frame")
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.WithError(err).WithField("topic", t).Error("cannot encode frame")
		return
	}
	if err := c.write(conn, data); err != nil {
		// The read loop sees the broken socket and reconnects; the topic
		// stays desired and is replayed then.
		c.logger.WithError(err).WithField("topic", t).Warn("frame not sent")
	}
}

func (c *Channel) write(conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) heartbeat(conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(conn, pingFrame); err != nil {
				c.logger.WithError(err).Debug("heartbeat failed")
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) handleClose(conn Conn, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	conn.Close()

	if c.closed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.setStateLocked(StateDisconnected)
		c.unlock()
		c.logger.Info("realtime closed by server")
		return
	}

	c.logger.WithError(err).Warn("realtime connection lost")
	c.scheduleReconnectLocked()
	c.unlock()
}

// detachLocked forgets the current socket and stops its heartbeat. Bumping
// gen makes the old read loop's close report a no-op.
func (c *Channel) detachLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.conn = nil
	c.gen++
}

func (c *Channel) scheduleReconnectLocked() {
	if c.closed {
		return
	}
	c.attempt++
	if c.cfg.MaxAttempts > 0 && c.attempt > c.cfg.MaxAttempts {
		c.logger.WithField("attempt", c.attempt-1).Error("realtime giving up after max reconnect attempts")
		c.setStateLocked(StateDisconnected)
		return
	}

	delay := ReconnectDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, c.attempt)
	c.logger.WithFields(logrus.Fields{"attempt": c.attempt, "delay": delay}).Info("realtime reconnect scheduled")
	if c.metrics != nil {
		c.metrics.RealtimeReconnects.Inc()
	}
	c.setStateLocked(StateReconnecting)
	c.stopTimerLocked()
	c.timer = time.AfterFunc(delay, c.reconnect)
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.setStateLocked(StateConnecting)
	c.dialSeq++
	seq := c.dialSeq
	c.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	if err := c.dial(ctx, seq); err != nil {
		c.logger.WithError(err).Debug("reconnect attempt failed")
	}
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) dispatch(data []byte) {
	ev, err := ParseEvent(data)
	if errors.Is(err, errIgnoredFrame) {
		return
	}
	if err != nil {
		c.logger.WithError(err).Warn("dropping realtime frame")
		if c.metrics != nil {
			c.metrics.RealtimeMalformed.Inc()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.RealtimeEvents.WithLabelValues(string(ev.Type)).Inc()
	}

	c.handlersMu.RLock()
	handlers := append([]Handler(nil), c.handlers[ev.Type]...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.invoke(h, ev)
	}
}

func (c *Channel) invoke(h Handler, ev *Event) {
	logger := c.logger.WithFields(logrus.Fields{
		"event":       ev.Type,
		"incident_id": ev.IncidentID(),
	})
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", fmt.Sprint(r)).Error("event handler panicked")
			if c.metrics != nil {
				c.metrics.HandlerPanics.Inc()
			}
		}
	}()
	if err := h(ev); err != nil {
		logger.WithError(err).Error("event handler failed")
		if c.metrics != nil {
			c.metrics.HandlerPanics.Inc()
		}
	}
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.transitions = append(c.transitions, s)
	c.recordState(s)
}

func (c *Channel) recordState(s State) {
	if c.metrics == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		c.metrics.RealtimeState.WithLabelValues(st.String()).Set(v)
	}
}

// unlock releases c.mu and then runs the state hooks for every transition
// made while it was held.
func (c *Channel) unlock() {
	changes := c.transitions
	c.transitions = nil
	hooks := c.stateHooks
	c.mu.Unlock()

	for _, s := range changes {
		for _, h := range hooks {
			h(s)
		}
	}
}
