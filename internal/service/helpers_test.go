package service_test

import (
	"context"
	"sync"
	"time"

	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/infrastructure/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type sentFrame struct {
	channelID string
	frame     rt.Frame
}

type recordingBus struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (b *recordingBus) Broadcast(channelID string, f rt.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, sentFrame{channelID, f})
}

func (b *recordingBus) all() []sentFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentFrame(nil), b.frames...)
}

type panickyBus struct{}

func (panickyBus) Broadcast(string, rt.Frame) { panic("socket gone") }

type MockCache struct{ mock.Mock }

func (m *MockCache) GetEvent(ctx context.Context, eventID uuid.UUID) (domain.Event, error) {
	args := m.Called(ctx, eventID)
	return args.Get(0).(domain.Event), args.Error(1)
}
func (m *MockCache) SetEvent(ctx context.Context, ev domain.Event) error {
	return m.Called(ctx, ev).Error(0)
}
func (m *MockCache) InvalidateEvent(ctx context.Context, eventID uuid.UUID) error {
	return m.Called(ctx, eventID).Error(0)
}
func (m *MockCache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, ip, limit, window)
	return args.Bool(0), args.Error(1)
}

type MockBlocks struct{ mock.Mock }

func (m *MockBlocks) IsBlocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	args := m.Called(ctx, a, b)
	return args.Bool(0), args.Error(1)
}

type fixture struct {
	store *memory.Store
	host  domain.Actor
	event domain.Event
}

func newFixture(maxParticipants int) fixture {
	store := memory.New()
	host := domain.Actor{ID: uuid.New(), Name: "host"}
	ev := domain.Event{ID: uuid.New(), HostID: host.ID, MaxParticipants: maxParticipants, Status: domain.EventActive}
	store.PutEvent(ev)
	return fixture{store: store, host: host, event: ev}
}

func guest(name string) domain.Actor {
	return domain.Actor{ID: uuid.New(), Name: name}
}
