package client

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
)

// ---- clock ----

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs due timers one by one in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(c.now) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

// Pending counts timers that can still fire.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ---- transport ----

type dialOutcome struct {
	conn *fakeConn
	err  error
}

type fakeTransport struct {
	mu     sync.Mutex
	tokens []string
	next   chan dialOutcome
	// ignoreCtx keeps Dial waiting for an outcome even after cancellation.
	ignoreCtx bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{next: make(chan dialOutcome, 8)}
}

func (t *fakeTransport) Dial(ctx context.Context, token string) (Conn, error) {
	t.mu.Lock()
	t.tokens = append(t.tokens, token)
	t.mu.Unlock()

	var o dialOutcome
	if t.ignoreCtx {
		o = <-t.next
	} else {
		select {
		case o = <-t.next:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if o.err != nil {
		return nil, o.err
	}
	return o.conn, nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}

func (t *fakeTransport) succeed() *fakeConn {
	c := newFakeConn()
	t.next <- dialOutcome{conn: c}
	return c
}

func (t *fakeTransport) fail(err error) {
	t.next <- dialOutcome{err: err}
}

// ---- conn ----

type fakeConn struct {
	inbound chan rt.Frame
	gone    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []rt.Frame
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan rt.Frame, 16), gone: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (rt.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.gone:
		return rt.Frame{}, io.EOF
	}
}

func (c *fakeConn) WriteFrame(f rt.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.written = append(c.written, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.gone) })
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop() { c.once.Do(func() { close(c.gone) }) }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Written() []rt.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rt.Frame(nil), c.written...)
}
