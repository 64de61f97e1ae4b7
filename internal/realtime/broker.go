// Package realtime is the in-process room registry behind the chat websocket.
//
// All membership changes and fan-out run as closures on one goroutine, so rooms need no locks.
// A session is only ever handed frames through its non-blocking Deliver.
package realtime

import (
	"sync"

	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/logger"
)

const opsBufferSize = 1024

// Session is one authenticated connection.
type Session interface {
	ID() string
	ActorID() string
	// Deliver queues f without blocking; false means the frame was dropped.
	Deliver(f rt.Frame) bool
}

type Broker struct {
	ops  chan func()
	quit chan struct{}
	done chan struct{}

	// owned by the loop goroutine
	rooms       map[string]map[string]Session
	memberships map[string]map[string]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewBroker() *Broker {
	return &Broker{
		ops:         make(chan func(), opsBufferSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		rooms:       make(map[string]map[string]Session),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Start launches the loop. Calling it twice is harmless.
func (b *Broker) Start() {
	b.startOnce.Do(func() {
		go b.run()
	})
}

// Stop ends the loop and waits for the running closure to finish. Work submitted afterwards is
// discarded.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
	})
	b.startOnce.Do(func() { close(b.done) })
	<-b.done
}

func (b *Broker) run() {
	defer close(b.done)
	log := logger.Logger.With().Str("component", "realtime_broker").Logger()
	log.Info().Msg("broker started")
	for {
		select {
		case <-b.quit:
			log.Info().Msg("broker stopped")
			return
		case fn := <-b.ops:
			fn()
		}
	}
}

func (b *Broker) submit(fn func()) bool {
	select {
	case <-b.quit:
		return false
	default:
	}
	select {
	case b.ops <- fn:
		return true
	case <-b.quit:
		return false
	}
}

// Join adds s to channelID. Joining twice is a no-op.
func (b *Broker) Join(s Session, channelID string) {
	b.submit(func() {
		room, ok := b.rooms[channelID]
		if !ok {
			room = make(map[string]Session)
			b.rooms[channelID] = room
			roomsActive.Inc()
		}
		if _, already := room[s.ID()]; already {
			return
		}
		room[s.ID()] = s

		set, ok := b.memberships[s.ID()]
		if !ok {
			set = make(map[string]struct{})
			b.memberships[s.ID()] = set
		}
		set[channelID] = struct{}{}
		sessionsJoined.Inc()
	})
}

// Leave removes s from channelID; empty rooms are pruned.
func (b *Broker) Leave(s Session, channelID string) {
	id := s.ID()
	b.submit(func() { b.leave(id, channelID) })
}

// Remove drops every membership of s, typically on disconnect.
func (b *Broker) Remove(s Session) {
	id := s.ID()
	b.submit(func() {
		for channelID := range b.memberships[id] {
			b.leave(id, channelID)
		}
		delete(b.memberships, id)
	})
}

func (b *Broker) leave(sessionID, channelID string) {
	room, ok := b.rooms[channelID]
	if !ok {
		return
	}
	if _, ok := room[sessionID]; !ok {
		return
	}
	delete(room, sessionID)
	sessionsJoined.Dec()
	if len(room) == 0 {
		delete(b.rooms, channelID)
		roomsActive.Dec()
	}
	if set, ok := b.memberships[sessionID]; ok {
		delete(set, channelID)
		if len(set) == 0 {
			delete(b.memberships, sessionID)
		}
	}
}

// Broadcast sends f to every session joined to channelID. Nobody joined is not an error;
// frames are not kept for later.
func (b *Broker) Broadcast(channelID string, f rt.Frame) {
	b.submit(func() { b.fanout(channelID, f, "") })
}

// Typing tells the rest of the room that s started or stopped typing. s must be joined.
func (b *Broker) Typing(s Session, channelID string, start bool) {
	id, actor := s.ID(), s.ActorID()
	typ := rt.TypeTypingStopped
	if start {
		typ = rt.TypeTyping
	}
	f, err := rt.NewFrame(typ, channelID, rt.TypingData{ChannelID: channelID, ActorID: actor})
	if err != nil {
		return
	}
	b.submit(func() {
		if _, ok := b.rooms[channelID][id]; !ok {
			return
		}
		b.fanout(channelID, f, id)
	})
}

func (b *Broker) fanout(channelID string, f rt.Frame, exclude string) {
	for id, s := range b.rooms[channelID] {
		if id == exclude {
			continue
		}
		if s.Deliver(f) {
			framesDelivered.WithLabelValues(f.Type).Inc()
			continue
		}
		framesDropped.WithLabelValues(f.Type).Inc()
		logger.Logger.Warn().
			Str("component", "realtime_broker").
			Str("session_id", id).
			Str("channel_id", channelID).
			Str("type", f.Type).
			Msg("session buffer full; frame dropped")
	}
}

// Members reports how many sessions are joined to channelID. It waits for earlier work.
func (b *Broker) Members(channelID string) int {
	reply := make(chan int, 1)
	if !b.submit(func() { reply <- len(b.rooms[channelID]) }) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-b.done:
		return 0
	}
}

// Rooms reports how many channels have at least one member.
func (b *Broker) Rooms() int {
	reply := make(chan int, 1)
	if !b.submit(func() { reply <- len(b.rooms) }) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-b.done:
		return 0
	}
}
