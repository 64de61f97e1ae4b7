package postgres

import (
	"context"
	"errors"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgForeignKeyViolation = "23503"

func (r *Repository) InsertMessage(ctx context.Context, msg domain.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (id, channel_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.ChannelID, msg.SenderID, msg.Content, msg.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return domain.ErrNotFound
	}
	return err
}

// ListMessages returns the channel history oldest first.
func (r *Repository) ListMessages(ctx context.Context, channelID uuid.UUID) ([]domain.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, channel_id, sender_id, content, created_at
		FROM messages
		WHERE channel_id = $1
		ORDER BY created_at ASC, id ASC
	`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
