package postgres

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetEvent reads the local snapshot of an upstream event.
func (r *Repository) GetEvent(ctx context.Context, eventID uuid.UUID) (domain.Event, error) {
	return scanEvent(r.pool.QueryRow(ctx, `
		SELECT event_id, host_id, max_participants, status, updated_at
		FROM event_snapshots
		WHERE event_id = $1
	`, eventID))
}

// IsBlocked is true when either user blocked the other.
func (r *Repository) IsBlocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var blocked bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_blocks
			WHERE (blocker_id = $1 AND blocked_id = $2)
			   OR (blocker_id = $2 AND blocked_id = $1)
		)
	`, a, b).Scan(&blocked)
	return blocked, err
}

// snapshotTx applies upstream snapshots inside a ProcessOnce transaction.
type snapshotTx struct {
	tx pgx.Tx
}

// UpsertEvent never rolls a snapshot back: an older updated_at than the stored one is ignored.
func (s *snapshotTx) UpsertEvent(ctx context.Context, e domain.Event) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO event_snapshots (event_id, host_id, max_participants, status, updated_at, ingested_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (event_id) DO UPDATE
		SET host_id          = EXCLUDED.host_id,
		    max_participants = EXCLUDED.max_participants,
		    status           = EXCLUDED.status,
		    updated_at       = EXCLUDED.updated_at,
		    ingested_at      = NOW()
		WHERE event_snapshots.updated_at <= EXCLUDED.updated_at
	`, e.ID, e.HostID, e.MaxParticipants, string(e.Status), e.UpdatedAt)
	return err
}

func (s *snapshotTx) SetEventStatus(ctx context.Context, eventID uuid.UUID, status domain.EventStatus, at time.Time) error {
	_, err := s.tx.Exec(ctx, `
		UPDATE event_snapshots
		SET status = $2, updated_at = $3, ingested_at = NOW()
		WHERE event_id = $1 AND updated_at <= $3
	`, eventID, string(status), at)
	return err
}

func (s *snapshotTx) SetBlocked(ctx context.Context, blockerID, blockedID uuid.UUID, blocked bool) error {
	var err error
	if blocked {
		_, err = s.tx.Exec(ctx, `
			INSERT INTO user_blocks (blocker_id, blocked_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, blockerID, blockedID)
	} else {
		_, err = s.tx.Exec(ctx, `DELETE FROM user_blocks WHERE blocker_id = $1 AND blocked_id = $2`, blockerID, blockedID)
	}
	return err
}
