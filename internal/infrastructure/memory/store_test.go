package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvent(s *Store, max int) domain.Event {
	ev := domain.Event{ID: uuid.New(), HostID: uuid.New(), MaxParticipants: max, Status: domain.EventActive}
	s.PutEvent(ev)
	return ev
}

func newRequest(ev domain.Event, requester uuid.UUID) domain.AdmissionRequest {
	now := time.Now().UTC()
	return domain.AdmissionRequest{
		ID: uuid.New(), EventID: ev.ID, HostID: ev.HostID, RequesterID: requester,
		Status: domain.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
}

func TestWithEventLock_UnknownEvent(t *testing.T) {
	s := New()
	called := false
	err := s.WithEventLock(context.Background(), uuid.New(), func(ctx context.Context, tx domain.AdmissionTx, ev domain.Event) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
	assert.False(t, called)
}

func TestWithEventLock_RollbackOnError(t *testing.T) {
	s := New()
	ev := seedEvent(s, 3)
	req := newRequest(ev, uuid.New())
	boom := errors.New("boom")

	err := s.WithEventLock(context.Background(), ev.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		require.NoError(t, tx.Insert(ctx, req))
		require.NoError(t, tx.Enqueue(ctx, domain.OutboxMessage{RoutingKey: "x"}))

		// staged write is visible inside the unit of work
		n, err := tx.CountByStatus(ctx, ev.ID, domain.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetAdmission(context.Background(), req.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, s.Outbox())
}

func TestWithEventLock_CommitAndDuplicate(t *testing.T) {
	s := New()
	ev := seedEvent(s, 3)
	requester := uuid.New()
	ctx := context.Background()

	require.NoError(t, s.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		return tx.Insert(ctx, newRequest(ev, requester))
	}))

	err := s.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		return tx.Insert(ctx, newRequest(ev, requester))
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	list, err := s.ListByEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLockByID_OtherEventIsNotFound(t *testing.T) {
	s := New()
	a := seedEvent(s, 3)
	b := seedEvent(s, 3)
	ctx := context.Background()
	req := newRequest(a, uuid.New())

	require.NoError(t, s.WithEventLock(ctx, a.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		return tx.Insert(ctx, req)
	}))

	err := s.WithEventLock(ctx, b.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		_, err := tx.LockByID(ctx, req.ID)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIsBlocked_Bidirectional(t *testing.T) {
	s := New()
	a, b := uuid.New(), uuid.New()
	s.Block(a, b)

	got, _ := s.IsBlocked(context.Background(), a, b)
	assert.True(t, got)
	got, _ = s.IsBlocked(context.Background(), b, a)
	assert.True(t, got)
	got, _ = s.IsBlocked(context.Background(), a, uuid.New())
	assert.False(t, got)
}

func TestListMessages_Ordered(t *testing.T) {
	s := New()
	ch := uuid.New()
	base := time.Now().UTC()
	ctx := context.Background()

	m2 := domain.Message{ID: uuid.New(), ChannelID: ch, Content: "second", CreatedAt: base.Add(time.Second)}
	m1 := domain.Message{ID: uuid.New(), ChannelID: ch, Content: "first", CreatedAt: base}
	require.NoError(t, s.InsertMessage(ctx, m2))
	require.NoError(t, s.InsertMessage(ctx, m1))

	got, err := s.ListMessages(ctx, ch)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "second", got[1].Content)

	empty, err := s.ListMessages(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestProcessOnce_DedupesAndIgnoresStale(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	ev := domain.Event{ID: uuid.New(), HostID: uuid.New(), MaxParticipants: 4, Status: domain.EventActive, UpdatedAt: now}

	ok, err := s.ProcessOnce(ctx, "m1", "h", func(ctx context.Context, w domain.SnapshotWriter) error {
		return w.UpsertEvent(ctx, ev)
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ProcessOnce(ctx, "m1", "h", func(ctx context.Context, w domain.SnapshotWriter) error {
		t.Fatal("duplicate must not run")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)

	stale := ev
	stale.Status = domain.EventCanceled
	stale.UpdatedAt = now.Add(-time.Minute)
	_, err = s.ProcessOnce(ctx, "m2", "h", func(ctx context.Context, w domain.SnapshotWriter) error {
		return w.UpsertEvent(ctx, stale)
	})
	require.NoError(t, err)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventActive, got.Status)
}

func TestProcessOnce_ErrorNotMarked(t *testing.T) {
	s := New()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	_, err := s.ProcessOnce(ctx, "m1", "h", func(ctx context.Context, w domain.SnapshotWriter) error {
		_ = w.SetBlocked(ctx, a, b, true)
		return errors.New("transient")
	})
	require.Error(t, err)
	blocked, _ := s.IsBlocked(ctx, a, b)
	assert.False(t, blocked)

	ok, err := s.ProcessOnce(ctx, "m1", "h", func(ctx context.Context, w domain.SnapshotWriter) error {
		return w.SetBlocked(ctx, a, b, true)
	})
	require.NoError(t, err)
	assert.True(t, ok)
	blocked, _ = s.IsBlocked(ctx, a, b)
	assert.True(t, blocked)
}

func TestProcessOnce_SetEventStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	ev := domain.Event{ID: uuid.New(), HostID: uuid.New(), MaxParticipants: 4, Status: domain.EventActive, UpdatedAt: now}
	s.PutEvent(ev)

	setStatus := func(id uuid.UUID, st domain.EventStatus, at time.Time) {
		_, err := s.ProcessOnce(ctx, uuid.NewString(), "h", func(ctx context.Context, w domain.SnapshotWriter) error {
			return w.SetEventStatus(ctx, id, st, at)
		})
		require.NoError(t, err)
	}

	setStatus(ev.ID, domain.EventCanceled, now.Add(time.Second))
	setStatus(ev.ID, domain.EventActive, now) // older, ignored
	unknown := uuid.New()
	setStatus(unknown, domain.EventCanceled, now)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventCanceled, got.Status)
	assert.Equal(t, ev.HostID, got.HostID)
	assert.Equal(t, 4, got.MaxParticipants)

	_, err = s.GetEvent(ctx, unknown)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}
