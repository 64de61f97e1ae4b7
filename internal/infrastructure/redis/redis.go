package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultEventTTL = 5 * time.Minute

// Cache keeps event snapshots for the admission fast path and the fixed window rate limit
// counters.
type Cache struct {
	Client   *redis.Client
	eventTTL time.Duration
}

func New(addr, pass string, db int, eventTTL time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return NewWithClient(rdb, eventTTL)
}

func NewWithClient(rdb *redis.Client, eventTTL time.Duration) *Cache {
	if eventTTL <= 0 {
		eventTTL = defaultEventTTL
	}
	return &Cache{Client: rdb, eventTTL: eventTTL}
}

func (c *Cache) Ping(ctx context.Context) error { return c.Client.Ping(ctx).Err() }

func (c *Cache) Close() error { return c.Client.Close() }

func eventKey(id uuid.UUID) string { return "invite:event:" + id.String() }

func (c *Cache) GetEvent(ctx context.Context, eventID uuid.UUID) (domain.Event, error) {
	raw, err := c.Client.Get(ctx, eventKey(eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Event{}, domain.ErrCacheMiss
		}
		return domain.Event{}, err
	}
	var ev domain.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		// a corrupt entry behaves like a miss and is overwritten on the next warm
		return domain.Event{}, domain.ErrCacheMiss
	}
	return ev, nil
}

func (c *Cache) SetEvent(ctx context.Context, ev domain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.Client.Set(ctx, eventKey(ev.ID), raw, c.eventTTL).Err()
}

func (c *Cache) InvalidateEvent(ctx context.Context, eventID uuid.UUID) error {
	return c.Client.Del(ctx, eventKey(eventID)).Err()
}

// AllowRequest is a fixed window counter per key. Errors are returned so the caller decides
// whether to fail open.
func (c *Cache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	key := "invite:ratelimit:" + ip

	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, err
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}
