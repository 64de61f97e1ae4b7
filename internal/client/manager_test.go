package client

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	m     *Manager
	clock *fakeClock
	tr    *fakeTransport
	token atomic.Value
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), tr: newFakeTransport()}
	h.token.Store("tok")
	opts := Options{
		Transport: h.tr,
		Token:     func() string { return h.token.Load().(string) },
		Clock:     h.clock,
		Logger:    zerolog.Nop(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.m = NewManager(opts)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, waitFor, tick,
		"state is %s, want %s", h.m.State(), want)
}

func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	conn := h.tr.succeed()
	require.NoError(t, h.m.Connect())
	h.waitState(t, StateConnected)
	return conn
}

func framesOf(typ string, ids ...string) []rt.Frame {
	out := make([]rt.Frame, 0, len(ids))
	for _, id := range ids {
		out = append(out, rt.Frame{Type: typ, ChannelID: id})
	}
	return out
}

func TestManager_ConnectWithoutCredential(t *testing.T) {
	h := newHarness(t, nil)
	h.token.Store("")

	err := h.m.Connect()
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Equal(t, StateError, h.m.State())
	assert.Equal(t, 0, h.tr.Dials())
}

func TestManager_ConnectIsIdempotentWhileConnecting(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.m.Connect())
	require.NoError(t, h.m.Connect())
	require.Eventually(t, func() bool { return h.tr.Dials() == 1 }, waitFor, tick)
	assert.Equal(t, StateConnecting, h.m.State())

	h.tr.succeed()
	h.waitState(t, StateConnected)
	assert.Equal(t, 1, h.tr.Dials())
}

func TestManager_StateListenerSeesTransitionsInOrder(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var seen []string
	h.m.OnStateChange(func(from, to State) {
		// listeners may call back into the manager
		_ = h.m.Rooms()
		mu.Lock()
		seen = append(seen, string(from)+">"+string(to))
		mu.Unlock()
	})

	h.connect(t)
	h.m.Disconnect()

	want := []string{"idle>connecting", "connecting>connected", "connected>idle"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, want, seen)
	mu.Unlock()
}

func TestManager_JoinsReplayedInOrderAfterConnect(t *testing.T) {
	h := newHarness(t, nil)

	h.m.JoinRoom("a")
	h.m.JoinRoom("b")
	h.m.JoinRoom("a")
	assert.Equal(t, []string{"a", "b"}, h.m.Rooms())

	conn := h.connect(t)
	require.Eventually(t, func() bool { return len(conn.Written()) == 2 }, waitFor, tick)
	assert.Equal(t, framesOf(rt.TypeJoin, "a", "b"), conn.Written())

	h.m.LeaveRoom("a")
	assert.Equal(t, []string{"b"}, h.m.Rooms())
	require.Eventually(t, func() bool { return len(conn.Written()) == 3 }, waitFor, tick)
	assert.Equal(t, rt.Frame{Type: rt.TypeLeave, ChannelID: "a"}, conn.Written()[2])
}

func TestManager_ReconnectsAfterDropAndRejoins(t *testing.T) {
	h := newHarness(t, nil)
	h.m.JoinRoom("ch-1")
	h.m.JoinRoom("ch-2")
	first := h.connect(t)
	require.Eventually(t, func() bool { return len(first.Written()) == 2 }, waitFor, tick)

	first.drop()
	h.waitState(t, StateReconnecting)
	assert.Equal(t, 1, h.m.Attempt())
	assert.Equal(t, DefaultBaseDelay, h.m.Countdown())
	require.Eventually(t, first.isClosed, waitFor, tick)

	second := h.tr.succeed()
	h.clock.Advance(DefaultBaseDelay)
	h.waitState(t, StateConnected)

	assert.Equal(t, 2, h.tr.Dials())
	assert.Equal(t, 0, h.m.Attempt())
	assert.Equal(t, time.Duration(0), h.m.Countdown())
	require.Eventually(t, func() bool { return len(second.Written()) == 2 }, waitFor, tick)
	assert.Equal(t, framesOf(rt.TypeJoin, "ch-1", "ch-2"), second.Written())
}

func TestManager_BackoffGrowsAcrossFailedAttempts(t *testing.T) {
	h := newHarness(t, nil)
	refused := errors.New("connection refused")

	h.tr.fail(refused)
	require.NoError(t, h.m.Connect())
	require.Eventually(t, func() bool { return h.m.Attempt() == 1 }, waitFor, tick)
	h.waitState(t, StateReconnecting)
	assert.Equal(t, time.Second, h.m.Countdown())
	assert.ErrorIs(t, h.m.LastError(), refused)

	h.tr.fail(refused)
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return h.m.Attempt() == 2 && h.m.State() == StateReconnecting
	}, waitFor, tick)
	assert.Equal(t, 2*time.Second, h.m.Countdown())

	h.tr.fail(refused)
	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return h.m.Attempt() == 3 && h.m.State() == StateReconnecting
	}, waitFor, tick)
	assert.Equal(t, 4*time.Second, h.m.Countdown())
	assert.Equal(t, 3, h.tr.Dials())
}

func TestManager_CountdownTicks(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.BaseDelay = 3 * time.Second })

	ticks := make(chan time.Duration, 16)
	h.m.OnCountdown(func(d time.Duration) { ticks <- d })

	conn := h.connect(t)
	conn.drop()
	h.waitState(t, StateReconnecting)

	assert.Equal(t, 3*time.Second, <-ticks)
	h.clock.Advance(time.Second)
	assert.Equal(t, 2*time.Second, <-ticks)
	h.clock.Advance(time.Second)
	assert.Equal(t, time.Second, <-ticks)

	h.clock.Advance(time.Second)
	h.waitState(t, StateConnecting)
	assert.Equal(t, time.Duration(0), h.m.Countdown())
}

func TestManager_AuthFailureStopsRetrying(t *testing.T) {
	h := newHarness(t, nil)

	h.tr.fail(ErrAuthenticationFailed)
	require.NoError(t, h.m.Connect())
	h.waitState(t, StateError)

	assert.ErrorIs(t, h.m.LastError(), ErrAuthenticationFailed)
	assert.Equal(t, 0, h.clock.Pending())
	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.tr.Dials())

	// a fresh Connect from error is allowed
	h.connect(t)
}

func TestManager_MissingCredentialAtRetryIsAnAuthFailure(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	h.token.Store("")
	conn.drop()
	h.waitState(t, StateReconnecting)

	h.clock.Advance(time.Second)
	h.waitState(t, StateError)
	assert.ErrorIs(t, h.m.LastError(), ErrNoCredential)
	assert.Equal(t, 1, h.tr.Dials())
}

func TestManager_ConnectWithoutCredentialWhileReconnecting(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.drop()
	h.waitState(t, StateReconnecting)
	require.Equal(t, 2, h.clock.Pending())

	h.token.Store("")
	assert.ErrorIs(t, h.m.Connect(), ErrNoCredential)
	assert.Equal(t, StateError, h.m.State())
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, time.Duration(0), h.m.Countdown())

	h.clock.Advance(time.Minute)
	assert.Equal(t, StateError, h.m.State())
	assert.Equal(t, 1, h.tr.Dials())
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.m.JoinRoom("x")
	conn := h.connect(t)

	conn.drop()
	h.waitState(t, StateReconnecting)

	h.m.Disconnect()
	assert.Equal(t, StateIdle, h.m.State())
	assert.Empty(t, h.m.Rooms())
	assert.Equal(t, time.Duration(0), h.m.Countdown())

	h.clock.Advance(time.Minute)
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, 1, h.tr.Dials())
}

func TestManager_LateHandshakeAfterDisconnectIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.ignoreCtx = true

	require.NoError(t, h.m.Connect())
	require.Eventually(t, func() bool { return h.tr.Dials() == 1 }, waitFor, tick)

	h.m.Disconnect()
	late := h.tr.succeed()

	require.Eventually(t, late.isClosed, waitFor, tick)
	assert.Equal(t, StateIdle, h.m.State())
}

func TestManager_IntentionalDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	h.m.Disconnect()
	require.Eventually(t, conn.isClosed, waitFor, tick)

	h.clock.Advance(time.Minute)
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, 1, h.tr.Dials())
}

func TestManager_SendRequiresConnection(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.m.Send("c1", "hi"), ErrNotConnected)
	assert.ErrorIs(t, h.m.Typing("c1", true), ErrNotConnected)

	conn := h.connect(t)
	require.NoError(t, h.m.Send("c1", "hi"))
	require.NoError(t, h.m.Typing("c1", true))
	require.NoError(t, h.m.Typing("c1", false))

	assert.Equal(t, []rt.Frame{
		{Type: rt.TypeMessage, ChannelID: "c1", Content: "hi"},
		{Type: rt.TypeTypingStart, ChannelID: "c1"},
		{Type: rt.TypeTypingStop, ChannelID: "c1"},
	}, conn.Written())
}

func TestManager_SubscribersReceiveFramesByType(t *testing.T) {
	h := newHarness(t, nil)

	messages := make(chan rt.Frame, 4)
	all := make(chan rt.Frame, 4)
	h.m.Subscribe(rt.TypeMessage, func(f rt.Frame) { messages <- f })
	unsubAll := h.m.Subscribe("", func(f rt.Frame) { all <- f })

	conn := h.connect(t)
	conn.inbound <- rt.Frame{Type: rt.TypeTyping, ChannelID: "c1"}
	conn.inbound <- rt.Frame{Type: rt.TypeMessage, ChannelID: "c1"}

	got := <-messages
	assert.Equal(t, rt.TypeMessage, got.Type)
	assert.Equal(t, rt.TypeTyping, (<-all).Type)
	assert.Equal(t, rt.TypeMessage, (<-all).Type)

	unsubAll()
	conn.inbound <- rt.Frame{Type: rt.TypeMessage, ChannelID: "c2"}
	assert.Equal(t, "c2", (<-messages).ChannelID)
	assert.Empty(t, all)
}

func TestManager_CloseRejectsConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.m.Close()
	assert.Equal(t, StateIdle, h.m.State())
	assert.ErrorIs(t, h.m.Connect(), ErrClosed)
}

func TestNewManager_RequiresTransport(t *testing.T) {
	assert.Panics(t, func() { NewManager(Options{}) })
}
