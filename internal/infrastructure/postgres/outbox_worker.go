package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/audit"
	ev "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	outboxBatchSize   = 20
	outboxMaxAttempts = 12
	outboxPoll        = 500 * time.Millisecond
	outboxInFlight    = 15 * time.Second
	confirmWait       = 600 * time.Millisecond
	redialDelay       = 5 * time.Second
)

// computeNextRetry is 2^attempt seconds clamped to [5s, 30m], with +/-10% jitter.
func computeNextRetry(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	sec := math.Pow(2, float64(attempt))
	if sec < 5 {
		sec = 5
	}
	if sec > 1800 {
		sec = 1800
	}
	d := time.Duration(sec) * time.Second

	j := time.Duration(rand.Int63n(int64(d/5))) - d/10
	return d + j
}

type outboxRow struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	TraceID    string
	RoutingKey string
	Payload    []byte
	Attempt    int
}

// StartOutboxWorker publishes pending outbox rows to the topic exchange with publisher confirms.
// A lost broker connection is redialled until ctx ends.
func (r *Repository) StartOutboxWorker(ctx context.Context, rabbitURL, exchange string, auditLog *audit.Logger) {
	go func() {
		log := logger.Logger.With().Str("component", "outbox_worker").Logger()
		for {
			err := r.runOutbox(ctx, log, rabbitURL, exchange, auditLog)
			if ctx.Err() != nil {
				log.Info().Msg("stopped")
				return
			}
			log.Error().Err(err).Dur("retry_in", redialDelay).Msg("outbox publisher disconnected")
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-time.After(redialDelay):
			}
		}
	}()
}

func (r *Repository) runOutbox(ctx context.Context, log zerolog.Logger, rabbitURL, exchange string, auditLog *audit.Logger) error {
	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}
	pub := &confirmPublisher{
		ch:       ch,
		exchange: exchange,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 100)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 100)),
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	log.Info().Str("exchange", exchange).Msg("outbox publisher ready")

	ticker := time.NewTicker(outboxPoll)
	defer ticker.Stop()

	var lastErr string
	var lastAt time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case <-ticker.C:
			if err := r.processOutboxBatch(ctx, pub, auditLog); err != nil {
				// same error every tick is logged at most every 10s
				if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
					log.Warn().Err(err).Msg("outbox batch failed")
					lastErr = err.Error()
					lastAt = time.Now()
				}
			} else {
				lastErr = ""
			}
		}
	}
}

// claimBatch pushes next_retry_at past the publish window so a second worker skips these rows
// without the claim transaction staying open across network calls.
func (r *Repository) claimBatch(ctx context.Context) ([]outboxRow, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, trace_id, routing_key, payload, attempt
		FROM outbox
		WHERE status = 'pending'
		  AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC, occurred_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, outboxBatchSize)
	if err != nil {
		return nil, err
	}

	var batch []outboxRow
	for rows.Next() {
		var m outboxRow
		if err := rows.Scan(&m.ID, &m.MessageID, &m.TraceID, &m.RoutingKey, &m.Payload, &m.Attempt); err != nil {
			rows.Close()
			return nil, err
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET next_retry_at = $2 WHERE id = ANY($1)
	`, ids, time.Now().Add(outboxInFlight)); err != nil {
		return nil, err
	}
	return batch, tx.Commit(ctx)
}

func (r *Repository) processOutboxBatch(ctx context.Context, pub publisher, auditLog *audit.Logger) error {
	batch, err := r.claimBatch(ctx)
	if err != nil {
		return err
	}
	for _, m := range batch {
		if err := pub.Publish(ctx, m); err != nil {
			r.failOutbox(ctx, m, err.Error(), auditLog)
			continue
		}
		if _, err := r.pool.Exec(ctx, `
			UPDATE outbox SET status = 'sent', last_error = NULL WHERE id = $1
		`, m.ID); err != nil {
			// the row is redelivered after the in-flight window; consumers dedupe on message_id
			return fmt.Errorf("mark outbox %s sent: %w", m.ID, err)
		}
		auditLog.OutboxMessageSent(ctx, m.MessageID.String(), m.RoutingKey)
	}
	return nil
}

func (r *Repository) failOutbox(ctx context.Context, m outboxRow, errMsg string, auditLog *audit.Logger) {
	log := logger.Logger.With().Str("component", "outbox_worker").Logger()

	nextAttempt := m.Attempt + 1
	if nextAttempt >= outboxMaxAttempts {
		_, _ = r.pool.Exec(ctx, `
			UPDATE outbox
			SET status = 'dead', attempt = $2, last_error = $3
			WHERE id = $1
		`, m.ID, nextAttempt, errMsg)
		auditLog.OutboxMessageDead(ctx, m.MessageID.String(), m.RoutingKey, nextAttempt)
		return
	}

	delay := computeNextRetry(nextAttempt)
	_, _ = r.pool.Exec(ctx, `
		UPDATE outbox
		SET attempt = $2,
		    next_retry_at = NOW() + make_interval(secs => $3),
		    last_error = $4
		WHERE id = $1
	`, m.ID, nextAttempt, delay.Seconds(), errMsg)

	log.Warn().
		Str("outbox_id", m.ID.String()).
		Str("message_id", m.MessageID.String()).
		Str("routing_key", m.RoutingKey).
		Int("attempt", nextAttempt).
		Dur("retry_in", delay).
		Str("error", errMsg).
		Msg("outbox publish failed; scheduled retry")
}

type publisher interface {
	Publish(ctx context.Context, m outboxRow) error
}

// confirmPublisher publishes one message at a time and waits for its confirm. Mandatory
// publishing turns an unroutable key into an error instead of a silent drop.
type confirmPublisher struct {
	ch       *amqp.Channel
	exchange string
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
}

func (p *confirmPublisher) Publish(ctx context.Context, m outboxRow) error {
	// drain notifications left over from a timed out publish
drain:
	for {
		select {
		case <-p.returns:
		case <-p.confirms:
		default:
			break drain
		}
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		Body:          m.Payload,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     m.MessageID.String(),
		CorrelationId: m.TraceID,
		AppId:         ev.Producer,
		Type:          m.RoutingKey,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, m.RoutingKey, true, false, msg); err != nil {
		return fmt.Errorf("publish error: %w", err)
	}

	// a Return, when there is one, arrives before the Confirm
	var returned *amqp.Return
	deadline := time.After(confirmWait)
	for {
		select {
		case ret := <-p.returns:
			returned = &ret
		case c := <-p.confirms:
			if returned != nil {
				return fmt.Errorf("NO_ROUTE: code=%d text=%s rk=%s", returned.ReplyCode, returned.ReplyText, returned.RoutingKey)
			}
			if !c.Ack {
				return fmt.Errorf("NACK: delivery_tag=%d", c.DeliveryTag)
			}
			return nil
		case <-deadline:
			return errors.New("confirm/return timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
