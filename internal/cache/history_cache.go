package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"booking-chat/internal/models"
	"booking-chat/internal/observability"
	"booking-chat/internal/repositories"
)

const (
	keyPrefix  = "chat:history:"
	versionKey = keyPrefix + "version"
)

// HistoryCache is a read-through Redis cache in front of a MessageRepository.
// Pages are keyed by a version counter that every append bumps, so stale pages
// are never read again and simply expire.
type HistoryCache struct {
	inner  repositories.MessageRepository
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewHistoryCache wraps inner with a cache backed by client.
func NewHistoryCache(inner repositories.MessageRepository, client *redis.Client, ttl time.Duration) *HistoryCache {
	return &HistoryCache{inner: inner, client: client, ttl: ttl}
}

// NewClient builds the redis client for addr.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// Append stores msg and invalidates every cached page.
func (c *HistoryCache) Append(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	stored, err := c.inner.Append(ctx, msg)
	if err != nil {
		return stored, err
	}
	if err := c.client.Incr(ctx, versionKey).Err(); err != nil {
		observability.IncHistoryCache("error")
		log.Printf("history cache invalidate failed: %v", err)
	}
	return stored, nil
}

// List serves a history page from Redis, falling back to the store on a miss
// or on any Redis error.
func (c *HistoryCache) List(ctx context.Context, skip, limit int) ([]models.ChatMessage, error) {
	version, err := c.client.Get(ctx, versionKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		observability.IncHistoryCache("error")
		log.Printf("history cache version lookup failed: %v", err)
		return c.inner.List(ctx, skip, limit)
	}

	key := pageKey(version, skip, limit)
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var msgs []models.ChatMessage
		if err := json.Unmarshal(data, &msgs); err == nil {
			observability.IncHistoryCache("hit")
			return msgs, nil
		}
		log.Printf("history cache entry %s unreadable, reloading", key)
	case errors.Is(err, redis.Nil):
	default:
		observability.IncHistoryCache("error")
		log.Printf("history cache get failed key=%s: %v", key, err)
		return c.inner.List(ctx, skip, limit)
	}

	observability.IncHistoryCache("miss")
	val, err, _ := c.group.Do(key, func() (any, error) {
		msgs, err := c.inner.List(ctx, skip, limit)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(msgs); err == nil {
			if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
				log.Printf("history cache set failed key=%s: %v", key, err)
			}
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]models.ChatMessage), nil
}

// Get is not cached.
func (c *HistoryCache) Get(ctx context.Context, id string) (models.ChatMessage, error) {
	return c.inner.Get(ctx, id)
}

func pageKey(version int64, skip, limit int) string {
	return fmt.Sprintf("%sv%d:%d:%d", keyPrefix, version, skip, limit)
}

var _ repositories.MessageRepository = (*HistoryCache)(nil)
