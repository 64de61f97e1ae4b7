package postgres

import (
	"context"
	"strings"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// tryMarkProcessed inserts (message_id, handler_name) once inside tx.
//
//	ok=true  -> first time processed
//	ok=false -> duplicate delivery
func tryMarkProcessed(ctx context.Context, tx pgx.Tx, messageID, handlerName string) (ok bool, err error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_messages (message_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, messageID, handlerName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ProcessOnce runs fn inside a transaction fenced by processed_messages.
//   - duplicate: fn is not run, processed=false, err=nil.
//   - fn fails: the transaction rolls back with the marker, so a redelivery retries.
//   - empty messageID: there is nothing to dedupe on, fn still runs.
func (r *Repository) ProcessOnce(
	ctx context.Context,
	messageID, handlerName string,
	fn func(ctx context.Context, w domain.SnapshotWriter) error,
) (processed bool, err error) {
	messageID = strings.TrimSpace(messageID)
	handlerName = strings.TrimSpace(handlerName)
	if handlerName == "" {
		handlerName = "unknown"
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if messageID != "" {
		first, err := tryMarkProcessed(ctx, tx, messageID, handlerName)
		if err != nil {
			return false, err
		}
		if !first {
			return false, nil
		}
	}

	if err := fn(ctx, &snapshotTx{tx: tx}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
