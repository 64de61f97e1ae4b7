//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(ev domain.Event, requester uuid.UUID) domain.AdmissionRequest {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.AdmissionRequest{
		ID:          uuid.New(),
		EventID:     ev.ID,
		HostID:      ev.HostID,
		RequesterID: requester,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestWithEventLock_UnknownEvent(t *testing.T) {
	repo := setupRepo(t)
	err := repo.WithEventLock(context.Background(), uuid.New(),
		func(ctx context.Context, tx domain.AdmissionTx, ev domain.Event) error { return nil })
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestWithEventLock_InsertAndDuplicate(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	ev := seedEvent(t, repo, 3)
	req := newRequest(ev, uuid.New())

	err := repo.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx domain.AdmissionTx, got domain.Event) error {
		assert.Equal(t, ev.HostID, got.HostID)
		return tx.Insert(ctx, req)
	})
	require.NoError(t, err)

	stored, err := repo.GetAdmission(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req, stored)

	dup := newRequest(ev, req.RequesterID)
	err = repo.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		return tx.Insert(ctx, dup)
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
}

func TestWithEventLock_RollsBackOnError(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	ev := seedEvent(t, repo, 3)
	req := newRequest(ev, uuid.New())
	boom := errors.New("boom")

	err := repo.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		require.NoError(t, tx.Insert(ctx, req))
		require.NoError(t, tx.Enqueue(ctx, domain.OutboxMessage{RoutingKey: event.RKAdmissionRequested, Payload: map[string]string{"a": "b"}}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.GetAdmission(ctx, req.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var n int
	require.NoError(t, testPool.QueryRow(ctx, `SELECT count(*) FROM outbox`).Scan(&n))
	assert.Zero(t, n)
}

func TestEnqueue_WritesEnvelope(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	ev := seedEvent(t, repo, 3)

	err := repo.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		return tx.Enqueue(ctx, domain.OutboxMessage{
			TraceID:    "trace-1",
			RoutingKey: event.RKAdmissionAccepted,
			Payload:    event.AdmissionPayload{AdmissionID: "a1", Status: "accepted"},
		})
	})
	require.NoError(t, err)

	var (
		messageID uuid.UUID
		rk, trace string
		raw       []byte
	)
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT message_id, routing_key, trace_id, payload FROM outbox`).Scan(&messageID, &rk, &trace, &raw))
	assert.Equal(t, event.RKAdmissionAccepted, rk)
	assert.Equal(t, "trace-1", trace)

	var env event.DomainEventEnvelope[event.AdmissionPayload]
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, messageID.String(), env.MessageID)
	assert.Equal(t, event.Producer, env.Producer)
	assert.Equal(t, "a1", env.Payload.AdmissionID)
}

func TestSetStatusAndCounts(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	ev := seedEvent(t, repo, 5)
	a, b := newRequest(ev, uuid.New()), newRequest(ev, uuid.New())

	require.NoError(t, repo.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		if err := tx.Insert(ctx, a); err != nil {
			return err
		}
		return tx.Insert(ctx, b)
	}))

	require.NoError(t, repo.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		locked, err := tx.LockByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, locked.Status)
		return tx.SetStatus(ctx, a.ID, domain.StatusAccepted, time.Now())
	}))

	require.NoError(t, repo.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		accepted, err := tx.CountByStatus(ctx, ev.ID, domain.StatusAccepted)
		require.NoError(t, err)
		pending, err := tx.CountByStatus(ctx, ev.ID, domain.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, 1, accepted)
		assert.Equal(t, 1, pending)

		found, err := tx.FindByRequester(ctx, ev.ID, b.RequesterID)
		require.NoError(t, err)
		assert.Equal(t, b.ID, found.ID)
		return nil
	}))

	list, err := repo.ListByEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestLockByID_OtherEvent(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	ev1, ev2 := seedEvent(t, repo, 3), seedEvent(t, repo, 3)
	req := newRequest(ev1, uuid.New())
	require.NoError(t, repo.WithEventLock(ctx, ev1.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		return tx.Insert(ctx, req)
	}))

	err := repo.WithEventLock(ctx, ev2.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		_, err := tx.LockByID(ctx, req.ID)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// Many hosts accepting at once must never push accepted past capacity.
func TestConcurrentAccepts_DoNotOversell(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	ev := seedEvent(t, repo, 4) // capacity 3

	svc := service.NewAdmissionService(repo, repo, service.AdmissionOptions{})
	var ids []uuid.UUID
	for i := 0; i < 12; i++ {
		req, err := svc.Create(ctx, ev.ID, domain.Actor{ID: uuid.New()})
		require.NoError(t, err)
		ids = append(ids, req.ID)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		full     int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := svc.UpdateStatus(ctx, id, ev.HostID, domain.StatusAccepted)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, domain.ErrEventFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, 9, full)

	var n int
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT count(*) FROM admission_requests WHERE event_id = $1 AND status = 'accepted'`, ev.ID).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestMessages_OrderedHistory(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	ev := seedEvent(t, repo, 2)
	req := newRequest(ev, uuid.New())
	require.NoError(t, repo.WithEventLock(ctx, ev.ID, func(ctx context.Context, tx domain.AdmissionTx, _ domain.Event) error {
		return tx.Insert(ctx, req)
	}))

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, content := range []string{"second", "first"} {
		require.NoError(t, repo.InsertMessage(ctx, domain.Message{
			ID:        uuid.New(),
			ChannelID: req.ID,
			SenderID:  ev.HostID,
			Content:   content,
			CreatedAt: base.Add(-time.Duration(i) * time.Second),
		}))
	}

	msgs, err := repo.ListMessages(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)

	empty, err := repo.ListMessages(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestInsertMessage_UnknownChannel(t *testing.T) {
	repo := setupRepo(t)
	err := repo.InsertMessage(context.Background(), domain.Message{
		ID: uuid.New(), ChannelID: uuid.New(), SenderID: uuid.New(), Content: "x", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
