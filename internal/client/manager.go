// Package client keeps one chat connection alive for a user: it reconnects with backoff, replays
// room joins after every connect and fans incoming frames out to subscribers.
package client

import (
	"context"
	"sync"
	"time"

	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultCountdownInterval = time.Second
	defaultDialTimeout       = 15 * time.Second
)

type Options struct {
	Transport Transport
	// Token returns the current credential; empty means none.
	Token func() string
	Clock Clock

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	CountdownInterval time.Duration
	DialTimeout       time.Duration

	Logger zerolog.Logger
}

type FrameHandler func(rt.Frame)

// StateListener sees every effective state change in order.
type StateListener func(from, to State)

// CountdownListener sees the time left until the next reconnect attempt, once per interval.
type CountdownListener func(remaining time.Duration)

type Manager struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	state       State
	attempt     int
	gen         uint64
	intentional bool
	closed      bool
	conn        Conn
	cancelDial  context.CancelFunc
	retryTimer  Timer
	countdown   Timer
	retryAt     time.Time
	lastErr     error

	joinOrder []string
	joined    map[string]struct{}

	nextSub       int
	frameSubs     map[int]frameSub
	stateSubs     map[int]StateListener
	countdownSubs map[int]CountdownListener

	events *dispatcher
}

type frameSub struct {
	typ string
	fn  FrameHandler
}

func NewManager(opts Options) *Manager {
	if opts.Transport == nil {
		panic("client.NewManager: nil transport")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.CountdownInterval <= 0 {
		opts.CountdownInterval = DefaultCountdownInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	return &Manager{
		opts:          opts,
		log:           opts.Logger.With().Str("component", "chat_client").Logger(),
		state:         StateIdle,
		joined:        make(map[string]struct{}),
		frameSubs:     make(map[int]frameSub),
		stateSubs:     make(map[int]StateListener),
		countdownSubs: make(map[int]CountdownListener),
		events:        newDispatcher(),
	}
}

// ---- queries ----

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastError is the error that moved the manager out of connected or into error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Countdown is the time left before the next reconnect attempt, zero unless reconnecting.
func (m *Manager) Countdown() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked()
}

func (m *Manager) remainingLocked() time.Duration {
	if m.state != StateReconnecting || m.retryAt.IsZero() {
		return 0
	}
	left := m.retryAt.Sub(m.opts.Clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Rooms returns the join set in the order rooms were joined.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.joinOrder...)
}

// ---- subscriptions ----

// Subscribe registers fn for frames of type typ ("" for every frame). The returned func
// unsubscribes.
func (m *Manager) Subscribe(typ string, fn FrameHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.frameSubs[id] = frameSub{typ: typ, fn: fn}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.frameSubs, id)
	}
}

func (m *Manager) OnStateChange(fn StateListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.stateSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

func (m *Manager) OnCountdown(fn CountdownListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.countdownSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.countdownSubs, id)
	}
}

// ---- lifecycle ----

// Connect starts connecting unless already connected or connecting. Without a credential the
// manager enters the error state and ErrNoCredential is returned.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.state == StateConnected || m.state == StateConnecting {
		return nil
	}

	token := m.opts.Token()
	if token == "" {
		m.lastErr = ErrNoCredential
		m.stopTimersLocked()
		m.retryAt = time.Time{}
		m.setStateLocked(StateError)
		return ErrNoCredential
	}

	m.intentional = false
	m.stopTimersLocked()
	m.fireLocked(trigConnect)
	m.dialLocked(token)
	return nil
}

// Disconnect is intentional: no reconnect follows, pending timers are cancelled, the join set
// is cleared and any handshake still in flight is discarded.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	m.intentional = true
	m.gen++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.stopTimersLocked()
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		go func() { _ = conn.Close() }()
	}
	m.joinOrder = nil
	m.joined = make(map[string]struct{})
	m.attempt = 0
	m.retryAt = time.Time{}
	m.fireLocked(trigDisconnect)
}

// Close disconnects and releases the listener goroutine. The manager cannot be reused.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.disconnectLocked()
	m.closed = true
	m.mu.Unlock()
	m.events.close()
}

// ---- rooms and sending ----

// JoinRoom adds channelID to the join set; it is sent now if connected and again after every
// reconnect.
func (m *Manager) JoinRoom(channelID string) {
	m.mu.Lock()
	if _, ok := m.joined[channelID]; !ok {
		m.joined[channelID] = struct{}{}
		m.joinOrder = append(m.joinOrder, channelID)
	}
	conn := m.connectedConnLocked()
	m.mu.Unlock()

	if conn != nil {
		m.write(conn, rt.Frame{Type: rt.TypeJoin, ChannelID: channelID})
	}
}

func (m *Manager) LeaveRoom(channelID string) {
	m.mu.Lock()
	if _, ok := m.joined[channelID]; ok {
		delete(m.joined, channelID)
		for i, id := range m.joinOrder {
			if id == channelID {
				m.joinOrder = append(m.joinOrder[:i:i], m.joinOrder[i+1:]...)
				break
			}
		}
	}
	conn := m.connectedConnLocked()
	m.mu.Unlock()

	if conn != nil {
		m.write(conn, rt.Frame{Type: rt.TypeLeave, ChannelID: channelID})
	}
}

// Send writes a chat message. It is dropped with ErrNotConnected unless connected, so callers
// can fall back to the REST endpoint.
func (m *Manager) Send(channelID, content string) error {
	return m.sendFrame(rt.Frame{Type: rt.TypeMessage, ChannelID: channelID, Content: content})
}

func (m *Manager) Typing(channelID string, start bool) error {
	typ := rt.TypeTypingStop
	if start {
		typ = rt.TypeTypingStart
	}
	return m.sendFrame(rt.Frame{Type: typ, ChannelID: channelID})
}

func (m *Manager) sendFrame(f rt.Frame) error {
	m.mu.Lock()
	conn := m.connectedConnLocked()
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(f)
}

func (m *Manager) connectedConnLocked() Conn {
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

func (m *Manager) write(conn Conn, f rt.Frame) {
	if err := conn.WriteFrame(f); err != nil {
		// the read loop notices the broken connection and reconnects
		m.log.Debug().Err(err).Str("type", f.Type).Msg("frame write failed")
	}
}

// ---- internals (m.mu held unless noted) ----

func (m *Manager) fireLocked(t trigger) bool {
	to, ok := transition(m.state, t)
	if !ok {
		m.log.Debug().Str("state", string(m.state)).Str("trigger", t.String()).Msg("trigger ignored")
		return false
	}
	m.setStateLocked(to)
	return true
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	subs := make([]StateListener, 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		subs = append(subs, fn)
	}
	m.events.push(func() {
		for _, fn := range subs {
			fn(from, to)
		}
	})
}

func (m *Manager) stopTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.countdown != nil {
		m.countdown.Stop()
		m.countdown = nil
	}
}

func (m *Manager) dialLocked(token string) {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.cancelDial = cancel

	go func() {
		defer cancel()
		conn, err := m.opts.Transport.Dial(ctx, token)
		m.onDialResult(gen, conn, err)
	}()
}

// onDialResult runs on the dial goroutine.
func (m *Manager) onDialResult(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != StateConnecting {
		// cancelled or superseded attempt
		if conn != nil {
			go func() { _ = conn.Close() }()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.lastErr = err
		if err == ErrAuthenticationFailed {
			m.log.Warn().Msg("credential rejected; not retrying")
			m.fireLocked(trigAuthFailed)
			return
		}
		m.log.Debug().Err(err).Msg("connect failed")
		m.fireLocked(trigHandshakeFailed)
		m.scheduleRetryLocked(gen)
		return
	}

	m.conn = conn
	m.attempt = 0
	m.retryAt = time.Time{}
	m.fireLocked(trigHandshakeOK)
	m.log.Info().Int("rooms", len(m.joinOrder)).Msg("connected")

	rooms := append([]string(nil), m.joinOrder...)
	go func() {
		for _, id := range rooms {
			m.write(conn, rt.Frame{Type: rt.TypeJoin, ChannelID: id})
		}
	}()
	go m.readLoop(gen, conn)
}

// readLoop runs until conn fails, handing every frame to subscribers in arrival order.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			m.onDropped(gen, err)
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		var handlers []FrameHandler
		for _, s := range m.frameSubs {
			if s.typ == "" || s.typ == f.Type {
				handlers = append(handlers, s.fn)
			}
		}
		m.mu.Unlock()

		for _, fn := range handlers {
			fn(f)
		}
	}
}

func (m *Manager) onDropped(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.intentional || m.state != StateConnected {
		return
	}
	m.lastErr = err
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		go func() { _ = conn.Close() }()
	}
	m.log.Info().Err(err).Msg("connection dropped; reconnecting")
	m.fireLocked(trigDropped)
	m.scheduleRetryLocked(gen)
}

func (m *Manager) scheduleRetryLocked(gen uint64) {
	m.attempt++
	delay := Backoff(m.attempt, m.opts.BaseDelay, m.opts.MaxDelay)
	m.retryAt = m.opts.Clock.Now().Add(delay)
	m.stopTimersLocked()
	m.retryTimer = m.opts.Clock.AfterFunc(delay, func() { m.retry(gen) })
	m.armCountdownLocked(gen)
	m.log.Debug().Int("attempt", m.attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) armCountdownLocked(gen uint64) {
	remaining := m.remainingLocked()
	subs := make([]CountdownListener, 0, len(m.countdownSubs))
	for _, fn := range m.countdownSubs {
		subs = append(subs, fn)
	}
	m.events.push(func() {
		for _, fn := range subs {
			fn(remaining)
		}
	})
	if remaining <= 0 {
		m.countdown = nil
		return
	}
	m.countdown = m.opts.Clock.AfterFunc(m.opts.CountdownInterval, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.state != StateReconnecting {
			return
		}
		m.armCountdownLocked(gen)
	})
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.intentional || m.state != StateReconnecting {
		return
	}
	m.retryTimer = nil
	if m.countdown != nil {
		m.countdown.Stop()
		m.countdown = nil
	}

	token := m.opts.Token()
	if token == "" {
		m.lastErr = ErrNoCredential
		m.fireLocked(trigAuthFailed)
		return
	}
	m.fireLocked(trigRetry)
	m.dialLocked(token)
}
