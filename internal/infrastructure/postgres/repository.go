package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ev "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// -------------------------
// Lock order: the event_snapshots row (FOR UPDATE) first, then admission_requests rows.
// Every writer of admission state for an event goes through WithEventLock, so accepted
// counts read inside fn cannot change until the transaction ends.
// -------------------------

func (r *Repository) WithEventLock(ctx context.Context, eventID uuid.UUID, fn func(ctx context.Context, tx domain.AdmissionTx, ev domain.Event) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snap, err := scanEvent(tx.QueryRow(ctx, `
		SELECT event_id, host_id, max_participants, status, updated_at
		FROM event_snapshots
		WHERE event_id = $1
		FOR UPDATE
	`, eventID))
	if err != nil {
		return err
	}

	if err := fn(ctx, &admissionTx{tx: tx, eventID: eventID}, snap); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetAdmission(ctx context.Context, id uuid.UUID) (domain.AdmissionRequest, error) {
	return scanAdmission(r.pool.QueryRow(ctx, `
		SELECT `+admissionColumns+`
		FROM admission_requests
		WHERE id = $1
	`, id))
}

func (r *Repository) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.AdmissionRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+admissionColumns+`
		FROM admission_requests
		WHERE event_id = $1
		ORDER BY created_at ASC, id ASC
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.AdmissionRequest{}
	for rows.Next() {
		req, err := scanAdmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// admissionTx scopes every statement to the locked event.
type admissionTx struct {
	tx      pgx.Tx
	eventID uuid.UUID
}

func (a *admissionTx) CountByStatus(ctx context.Context, eventID uuid.UUID, status domain.AdmissionStatus) (int, error) {
	if eventID != a.eventID {
		return 0, fmt.Errorf("count for event %s outside lock on %s", eventID, a.eventID)
	}
	var n int
	err := a.tx.QueryRow(ctx, `
		SELECT count(*) FROM admission_requests WHERE event_id = $1 AND status = $2
	`, eventID, string(status)).Scan(&n)
	return n, err
}

func (a *admissionTx) FindByRequester(ctx context.Context, eventID, requesterID uuid.UUID) (domain.AdmissionRequest, error) {
	return scanAdmission(a.tx.QueryRow(ctx, `
		SELECT `+admissionColumns+`
		FROM admission_requests
		WHERE event_id = $1 AND requester_id = $2
	`, eventID, requesterID))
}

func (a *admissionTx) LockByID(ctx context.Context, id uuid.UUID) (domain.AdmissionRequest, error) {
	return scanAdmission(a.tx.QueryRow(ctx, `
		SELECT `+admissionColumns+`
		FROM admission_requests
		WHERE id = $1 AND event_id = $2
		FOR UPDATE
	`, id, a.eventID))
}

func (a *admissionTx) Insert(ctx context.Context, req domain.AdmissionRequest) error {
	_, err := a.tx.Exec(ctx, `
		INSERT INTO admission_requests (id, event_id, host_id, requester_id, requester_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, req.ID, req.EventID, req.HostID, req.RequesterID, req.RequesterName, string(req.Status), req.CreatedAt, req.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateRequest
	}
	return err
}

func (a *admissionTx) SetStatus(ctx context.Context, id uuid.UUID, status domain.AdmissionStatus, at time.Time) error {
	tag, err := a.tx.Exec(ctx, `
		UPDATE admission_requests
		SET status = $3, updated_at = $4
		WHERE id = $1 AND event_id = $2
	`, id, a.eventID, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Enqueue wraps the payload in the shared envelope; the outbox row's message_id doubles as the
// envelope message_id so consumers can dedupe.
func (a *admissionTx) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	messageID := uuid.New()
	body, err := json.Marshal(ev.DomainEventEnvelope[any]{
		Version:    ev.Version,
		Producer:   ev.Producer,
		TraceID:    strings.TrimSpace(msg.TraceID),
		MessageID:  messageID.String(),
		OccurredAt: time.Now().UTC(),
		Payload:    msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = a.tx.Exec(ctx, `
		INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
		VALUES ($1, $2, $3, $4, NOW(), 'pending')
	`, messageID, strings.TrimSpace(msg.TraceID), msg.RoutingKey, body)
	return err
}

// ---- scanning ----

const admissionColumns = `id, event_id, host_id, requester_id, requester_name, status, created_at, updated_at`

func scanAdmission(row pgx.Row) (domain.AdmissionRequest, error) {
	var (
		req    domain.AdmissionRequest
		status string
	)
	err := row.Scan(&req.ID, &req.EventID, &req.HostID, &req.RequesterID, &req.RequesterName, &status, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AdmissionRequest{}, domain.ErrNotFound
		}
		return domain.AdmissionRequest{}, err
	}
	req.Status = domain.AdmissionStatus(status)
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	return req, nil
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		e      domain.Event
		status string
	)
	if err := row.Scan(&e.ID, &e.HostID, &e.MaxParticipants, &status, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, err
	}
	e.Status = domain.EventStatus(status)
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
