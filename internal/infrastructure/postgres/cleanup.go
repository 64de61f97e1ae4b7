package postgres

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/logger"
)

const (
	cleanupInterval  = time.Hour
	sentOutboxMaxAge = 7 * 24 * time.Hour
	processedMaxAge  = 30 * 24 * time.Hour
)

// StartHousekeeping periodically deletes published outbox rows and old dedupe markers so neither
// table grows without bound. Dead outbox rows are kept for inspection.
func (r *Repository) StartHousekeeping(ctx context.Context) {
	go func() {
		log := logger.Logger.With().Str("component", "housekeeping").Logger()
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		r.cleanup(ctx)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				r.cleanup(ctx)
			}
		}
	}()
}

func (r *Repository) cleanup(ctx context.Context) {
	log := logger.Logger.With().Str("component", "housekeeping").Logger()

	sent, err := r.pool.Exec(ctx, `DELETE FROM outbox WHERE status = 'sent' AND occurred_at < $1`,
		time.Now().Add(-sentOutboxMaxAge))
	if err != nil {
		log.Warn().Err(err).Msg("outbox cleanup failed")
	} else if n := sent.RowsAffected(); n > 0 {
		log.Info().Int64("deleted", n).Msg("sent outbox rows cleaned up")
	}

	processed, err := r.pool.Exec(ctx, `DELETE FROM processed_messages WHERE processed_at < $1`,
		time.Now().Add(-processedMaxAge))
	if err != nil {
		log.Warn().Err(err).Msg("processed_messages cleanup failed")
	} else if n := processed.RowsAffected(); n > 0 {
		log.Info().Int64("deleted", n).Msg("processed markers cleaned up")
	}
}
