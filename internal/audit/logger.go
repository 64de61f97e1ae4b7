package audit

import (
	"context"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/context"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for business events
type Logger struct {
	log zerolog.Logger
}

// New creates a new audit logger
func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// AdmissionRequested logs a new pending request
func (l *Logger) AdmissionRequested(ctx context.Context, req domain.AdmissionRequest) {
	if l == nil {
		return
	}
	l.log.Info().
		Str("action", "admission_requested").
		Str("admission_id", req.ID.String()).
		Str("event_id", req.EventID.String()).
		Str("requester_id", req.RequesterID.String()).
		Str("trace_id", appCtx.TraceID(ctx)).
		Msg("Admission requested")
}

// AdmissionDecided logs an effective accept or reject by the host
func (l *Logger) AdmissionDecided(ctx context.Context, req domain.AdmissionRequest, actorID uuid.UUID) {
	if l == nil {
		return
	}
	ev := l.log.Info()
	if req.Status == domain.StatusRejected {
		ev = l.log.Warn()
	}
	ev.
		Str("action", "admission_"+string(req.Status)).
		Str("admission_id", req.ID.String()).
		Str("event_id", req.EventID.String()).
		Str("requester_id", req.RequesterID.String()).
		Str("actor_user_id", actorID.String()).
		Str("trace_id", appCtx.TraceID(ctx)).
		Msg("Admission decided")
}

// MessageStored logs message metadata only, never the content
func (l *Logger) MessageStored(ctx context.Context, msg domain.Message) {
	if l == nil {
		return
	}
	l.log.Debug().
		Str("action", "message_stored").
		Str("message_id", msg.ID.String()).
		Str("channel_id", msg.ChannelID.String()).
		Str("sender_id", msg.SenderID.String()).
		Int("length", len(msg.Content)).
		Str("trace_id", appCtx.TraceID(ctx)).
		Msg("Message stored")
}

// OutboxMessageSent logs when an outbox message is successfully published
func (l *Logger) OutboxMessageSent(ctx context.Context, messageID, routingKey string) {
	if l == nil {
		return
	}
	l.log.Debug().
		Str("action", "outbox_sent").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Msg("Outbox message sent")
}

// OutboxMessageDead logs when an outbox message is moved to dead status
func (l *Logger) OutboxMessageDead(ctx context.Context, messageID, routingKey string, retries int) {
	if l == nil {
		return
	}
	l.log.Error().
		Str("action", "outbox_dead").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Int("retries", retries).
		Msg("Outbox message moved to dead status")
}
