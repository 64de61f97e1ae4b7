package service

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/event"
	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/logger"
	"github.com/google/uuid"
)

// Broadcaster fans a frame out to every session joined to channelID.
type Broadcaster interface {
	Broadcast(channelID string, f rt.Frame)
}

type AdmissionOptions struct {
	Cache          domain.CacheRepository // optional fast-fail on inactive events
	Broadcaster    Broadcaster            // optional status_changed push
	Audit          *audit.Logger
	PendingSoftCap bool
}

type AdmissionService struct {
	repo   domain.AdmissionRepository
	events domain.EventDirectory
	opts   AdmissionOptions
	now    func() time.Time
}

func NewAdmissionService(repo domain.AdmissionRepository, events domain.EventDirectory, opts AdmissionOptions) *AdmissionService {
	return &AdmissionService{
		repo:   repo,
		events: events,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// withCapacity is the single read-count-then-write unit of work: fn sees the locked event and
// the number of accepted requests, and everything it writes commits or rolls back together.
func (s *AdmissionService) withCapacity(ctx context.Context, eventID uuid.UUID, fn func(ctx context.Context, tx domain.AdmissionTx, ev domain.Event, accepted int) error) error {
	return s.repo.WithEventLock(ctx, eventID, func(ctx context.Context, tx domain.AdmissionTx, ev domain.Event) error {
		accepted, err := tx.CountByStatus(ctx, eventID, domain.StatusAccepted)
		if err != nil {
			return err
		}
		return fn(ctx, tx, ev, accepted)
	})
}

// Create files a pending admission request for actor.
func (s *AdmissionService) Create(ctx context.Context, eventID uuid.UUID, actor domain.Actor) (domain.AdmissionRequest, error) {
	// cache fast-fail stays
	if s.opts.Cache != nil {
		if ev, err := s.opts.Cache.GetEvent(ctx, eventID); err == nil && !ev.IsActive() {
			return domain.AdmissionRequest{}, domain.ErrEventInactive
		}
	}

	var created domain.AdmissionRequest
	var snapshot domain.Event
	err := s.withCapacity(ctx, eventID, func(ctx context.Context, tx domain.AdmissionTx, ev domain.Event, accepted int) error {
		snapshot = ev
		if !ev.IsActive() {
			return domain.ErrEventInactive
		}

		if _, err := tx.FindByRequester(ctx, eventID, actor.ID); err == nil {
			return domain.ErrDuplicateRequest
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		if accepted >= ev.Capacity() {
			return domain.ErrEventFull
		}

		if s.opts.PendingSoftCap {
			pending, err := tx.CountByStatus(ctx, eventID, domain.StatusPending)
			if err != nil {
				return err
			}
			if pending >= domain.PendingMax(ev.Capacity()) {
				return domain.ErrPendingQueueFull
			}
		}

		now := s.now()
		created = domain.AdmissionRequest{
			ID:            uuid.New(),
			EventID:       eventID,
			HostID:        ev.HostID,
			RequesterID:   actor.ID,
			RequesterName: actor.Name,
			Status:        domain.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Insert(ctx, created); err != nil {
			return err
		}
		return tx.Enqueue(ctx, outboxFor(ctx, event.RKAdmissionRequested, created))
	})
	if err != nil {
		return domain.AdmissionRequest{}, err
	}

	if s.opts.Cache != nil {
		if err := s.opts.Cache.SetEvent(ctx, snapshot); err != nil {
			logger.WithCtx(ctx).Debug().Err(err).Msg("event cache warm failed")
		}
	}
	s.opts.Audit.AdmissionRequested(ctx, created)
	return created, nil
}

// UpdateStatus lets the event host accept or reject a request. Accepting an already accepted
// request returns it unchanged.
func (s *AdmissionService) UpdateStatus(ctx context.Context, requestID, actorID uuid.UUID, next domain.AdmissionStatus) (domain.AdmissionRequest, error) {
	cur, err := s.repo.GetAdmission(ctx, requestID)
	if err != nil {
		return domain.AdmissionRequest{}, err
	}

	var out domain.AdmissionRequest
	var changed bool
	err = s.withCapacity(ctx, cur.EventID, func(ctx context.Context, tx domain.AdmissionTx, ev domain.Event, accepted int) error {
		req, err := tx.LockByID(ctx, requestID)
		if err != nil {
			return err
		}
		if ev.HostID != actorID {
			return domain.ErrUnauthorized
		}

		changed, err = domain.Transition(req.Status, next)
		if err != nil {
			return err
		}
		out = req
		if !changed {
			return nil
		}

		if next == domain.StatusAccepted && accepted >= ev.Capacity() {
			return domain.ErrEventFull
		}

		now := s.now()
		if err := tx.SetStatus(ctx, requestID, next, now); err != nil {
			return err
		}
		out.Status = next
		out.UpdatedAt = now

		rk := event.RKAdmissionAccepted
		if next == domain.StatusRejected {
			rk = event.RKAdmissionRejected
		}
		return tx.Enqueue(ctx, outboxFor(ctx, rk, out))
	})
	if err != nil {
		return domain.AdmissionRequest{}, err
	}

	if changed {
		s.pushStatus(ctx, out)
		s.opts.Audit.AdmissionDecided(ctx, out, actorID)
	}
	return out, nil
}

// ListForHost returns every request for the event, oldest first.
func (s *AdmissionService) ListForHost(ctx context.Context, eventID, actorID uuid.UUID) ([]domain.AdmissionRequest, error) {
	ev, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.HostID != actorID {
		return nil, domain.ErrUnauthorized
	}
	return s.repo.ListByEvent(ctx, eventID)
}

func (s *AdmissionService) pushStatus(ctx context.Context, req domain.AdmissionRequest) {
	if s.opts.Broadcaster == nil {
		return
	}
	channelID := req.ChannelID().String()
	f, err := rt.NewFrame(rt.TypeStatusChanged, channelID, rt.StatusChangedData{
		ChannelID: channelID,
		NewStatus: string(req.Status),
	})
	if err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Msg("status_changed frame encode failed")
		return
	}
	s.opts.Broadcaster.Broadcast(channelID, f)
}

func outboxFor(ctx context.Context, routingKey string, req domain.AdmissionRequest) domain.OutboxMessage {
	return domain.OutboxMessage{
		TraceID:    appCtx.TraceID(ctx),
		RoutingKey: routingKey,
		Payload: event.AdmissionPayload{
			AdmissionID: req.ID.String(),
			EventID:     req.EventID.String(),
			HostID:      req.HostID.String(),
			RequesterID: req.RequesterID.String(),
			Status:      string(req.Status),
			At:          req.UpdatedAt,
		},
	}
}
