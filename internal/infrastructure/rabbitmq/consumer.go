package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	supportedVersion = 1

	queueName    = "invite-service.snapshots"
	consumerTag  = "invite-service"
	prefetch     = 10
	redialDelay  = 5 * time.Second
	eventHandler = "event_snapshots"
	blockHandler = "user_blocks"
)

var bindings = []string{
	event.RKEventPublished,
	event.RKEventUpdated,
	event.RKEventUnpublished,
	event.RKEventCanceled,
	event.RKUserBlocked,
	event.RKUserUnblocked,
}

// errDrop marks a delivery that can never succeed; it is acked and logged.
var errDrop = errors.New("drop")

// Consumer keeps the local event and block snapshots in step with upstream services.
type Consumer struct {
	rabbitURL string
	exchange  string
	inbox     domain.Inbox
	cache     domain.CacheRepository
	now       func() time.Time
}

// NewConsumer builds a consumer; cache may be nil.
func NewConsumer(rabbitURL, exchange string, inbox domain.Inbox, cache domain.CacheRepository) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		inbox:     inbox,
		cache:     cache,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start connects once and returns the error if that fails. After that a lost connection is
// redialled in the background until ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	ch, closeAll, err := c.open()
	if err != nil {
		return err
	}
	deliveries, err := ch.Consume(queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		closeAll()
		return err
	}

	go func() {
		log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()
		log.Info().Str("queue", queueName).Msg("consumer started")
		for {
			c.consume(ctx, deliveries)
			closeAll()
			if ctx.Err() != nil {
				log.Info().Msg("stopped")
				return
			}

			for {
				log.Warn().Dur("retry_in", redialDelay).Msg("consumer disconnected; redialling")
				select {
				case <-ctx.Done():
					log.Info().Msg("stopped")
					return
				case <-time.After(redialDelay):
				}
				var ch *amqp.Channel
				ch, closeAll, err = c.open()
				if err != nil {
					log.Error().Err(err).Msg("redial failed")
					continue
				}
				deliveries, err = ch.Consume(queueName, consumerTag, false, false, false, false, nil)
				if err != nil {
					closeAll()
					log.Error().Err(err).Msg("consume failed")
					continue
				}
				log.Info().Msg("consumer reconnected")
				break
			}
		}
	}()
	return nil
}

func (c *Consumer) open() (*amqp.Channel, func(), error) {
	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		closeAll()
		return nil, nil, err
	}
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	for _, rk := range bindings {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			closeAll()
			return nil, nil, err
		}
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		closeAll()
		return nil, nil, err
	}
	return ch, closeAll, nil
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := c.handleDelivery(ctx, d.RoutingKey, d.MessageId, d.Body); err != nil {
				_ = d.Nack(false, true) // transient => requeue
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// handleDelivery returns an error only for failures worth a redelivery.
func (c *Consumer) handleDelivery(ctx context.Context, routingKey, amqpMessageID string, body []byte) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", routingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		return nil
	}
	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		return nil
	}

	msgID := messageID(env.MessageID, amqpMessageID, routingKey, body)
	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", strings.TrimSpace(env.TraceID)).
		Logger()

	occurredAt := env.OccurredAt.UTC()
	if env.OccurredAt.IsZero() {
		occurredAt = c.now()
	}

	var (
		handler string
		apply   func(ctx context.Context, w domain.SnapshotWriter) error
		touched uuid.UUID
	)
	switch routingKey {
	case event.RKEventPublished, event.RKEventUpdated, event.RKEventUnpublished, event.RKEventCanceled:
		handler = eventHandler
		apply = func(ctx context.Context, w domain.SnapshotWriter) error {
			id, err := applyEventSnapshot(ctx, w, routingKey, env.Payload, occurredAt)
			touched = id
			return err
		}
	case event.RKUserBlocked, event.RKUserUnblocked:
		handler = blockHandler
		apply = func(ctx context.Context, w domain.SnapshotWriter) error {
			return applyBlock(ctx, w, routingKey == event.RKUserBlocked, env.Payload)
		}
	default:
		log.Warn().Msg("unknown routing key; ignoring")
		return nil
	}

	processed, err := c.inbox.ProcessOnce(ctx, msgID, handler, apply)
	if errors.Is(err, errDrop) {
		log.Warn().Err(err).Msg("unusable payload; dropping")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("processing failed (requeue)")
		return err
	}
	if !processed {
		log.Info().Msg("duplicate delivery ignored")
		return nil
	}

	if touched != uuid.Nil && c.cache != nil {
		if err := c.cache.InvalidateEvent(ctx, touched); err != nil {
			// the entry still expires on its TTL
			log.Warn().Err(err).Msg("event cache invalidation failed")
		}
	}
	log.Debug().Msg("snapshot applied")
	return nil
}

// messageID prefers the envelope id, then the AMQP id, else a content hash.
func messageID(envelopeID, amqpID, routingKey string, body []byte) string {
	if id := strings.TrimSpace(envelopeID); id != "" {
		return id
	}
	if id := strings.TrimSpace(amqpID); id != "" {
		return id
	}
	h := sha256.Sum256(append([]byte(routingKey+"\n"), body...))
	return "hash:" + hex.EncodeToString(h[:])
}

// applyEventSnapshot returns the event id it wrote. A payload carrying the host and the size is
// stored whole; otherwise only the status of an already known event changes.
func applyEventSnapshot(ctx context.Context, w domain.SnapshotWriter, routingKey string, raw json.RawMessage, at time.Time) (uuid.UUID, error) {
	var p event.EventSnapshotPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return uuid.Nil, dropf("invalid payload json: %v", err)
	}

	idStr := strings.TrimSpace(p.EventID)
	if idStr == "" && routingKey == event.RKEventCanceled {
		var legacy event.EventCanceledPayload
		if err := json.Unmarshal(raw, &legacy); err == nil {
			idStr = strings.TrimSpace(legacy.ID)
		}
	}
	eventID, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, dropf("invalid event_id %q", idStr)
	}

	status := eventStatus(routingKey, p.Status)

	hostStr := strings.TrimSpace(p.HostID)
	if hostStr == "" {
		hostStr = strings.TrimSpace(p.OwnerID)
	}
	size := p.MaxParticipants
	if size == nil {
		size = p.Capacity
	}

	if hostStr == "" || size == nil {
		return eventID, w.SetEventStatus(ctx, eventID, status, at)
	}
	hostID, err := uuid.Parse(hostStr)
	if err != nil {
		return uuid.Nil, dropf("invalid host_id %q", hostStr)
	}
	return eventID, w.UpsertEvent(ctx, domain.Event{
		ID:              eventID,
		HostID:          hostID,
		MaxParticipants: *size,
		Status:          status,
		UpdatedAt:       at,
	})
}

// eventStatus maps upstream lifecycle words onto the three statuses admissions care about.
func eventStatus(routingKey, status string) domain.EventStatus {
	switch routingKey {
	case event.RKEventCanceled:
		return domain.EventCanceled
	case event.RKEventUnpublished:
		return domain.EventClosed
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "published", "active", "open":
		return domain.EventActive
	case "canceled", "cancelled":
		return domain.EventCanceled
	default:
		return domain.EventClosed
	}
}

func applyBlock(ctx context.Context, w domain.SnapshotWriter, blocked bool, raw json.RawMessage) error {
	var p event.UserBlockPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return dropf("invalid payload json: %v", err)
	}
	blocker, err := uuid.Parse(strings.TrimSpace(p.BlockerID))
	if err != nil {
		return dropf("invalid blocker_id %q", p.BlockerID)
	}
	blockedID, err := uuid.Parse(strings.TrimSpace(p.BlockedID))
	if err != nil {
		return dropf("invalid blocked_id %q", p.BlockedID)
	}
	if blocker == blockedID {
		return dropf("self block")
	}
	return w.SetBlocked(ctx, blocker, blockedID, blocked)
}

type dropError struct{ msg string }

func (e *dropError) Error() string        { return e.msg }
func (e *dropError) Is(target error) bool { return target == errDrop }

func dropf(format string, args ...any) error {
	return &dropError{msg: fmt.Sprintf(format, args...)}
}
