package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/audit"
	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/logger"
	"github.com/google/uuid"
)

const DefaultMaxMessageLength = 2000

type MessageService struct {
	repo   domain.MessageRepository
	guard  *AccessGuard
	bus    Broadcaster
	audit  *audit.Logger
	maxLen int
	now    func() time.Time
}

func NewMessageService(repo domain.MessageRepository, guard *AccessGuard, bus Broadcaster, auditLog *audit.Logger, maxLen int) *MessageService {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	return &MessageService{
		repo:   repo,
		guard:  guard,
		bus:    bus,
		audit:  auditLog,
		maxLen: maxLen,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Send validates, authorizes, stores and then fans out a message. A failed fan-out is logged;
// the stored message is still returned.
func (s *MessageService) Send(ctx context.Context, channelID, actorID uuid.UUID, raw string) (domain.Message, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return domain.Message{}, domain.ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > s.maxLen {
		return domain.Message{}, domain.ErrContentTooLong
	}
	if !s.guard.CanMessage(ctx, channelID, actorID) {
		return domain.Message{}, domain.ErrForbidden
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	msg := domain.Message{
		ID:        id,
		ChannelID: channelID,
		SenderID:  actorID,
		Content:   content,
		// postgres keeps microseconds; match it so REST and socket payloads agree
		CreatedAt: s.now().Truncate(time.Microsecond),
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return domain.Message{}, err
	}
	s.audit.MessageStored(ctx, msg)

	s.broadcast(ctx, msg)
	return msg, nil
}

// History returns the channel's messages in chronological order.
func (s *MessageService) History(ctx context.Context, channelID, actorID uuid.UUID) ([]domain.Message, error) {
	if !s.guard.CanMessage(ctx, channelID, actorID) {
		return nil, domain.ErrForbidden
	}
	return s.repo.ListMessages(ctx, channelID)
}

func (s *MessageService) broadcast(ctx context.Context, msg domain.Message) {
	if s.bus == nil {
		return
	}
	f, err := MessageFrame(msg)
	if err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Str("message_id", msg.ID.String()).Msg("message frame encode failed")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.WithCtx(ctx).Error().Interface("panic", r).Str("message_id", msg.ID.String()).Msg("broadcast failed")
		}
	}()
	s.bus.Broadcast(msg.ChannelID.String(), f)
}

// MessageFrame is the server "message" frame for a stored message.
func MessageFrame(msg domain.Message) (rt.Frame, error) {
	return rt.NewFrame(rt.TypeMessage, msg.ChannelID.String(), rt.MessageData{
		ID:        msg.ID.String(),
		ChannelID: msg.ChannelID.String(),
		SenderID:  msg.SenderID.String(),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
}
