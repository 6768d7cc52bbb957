package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockwatch/internal/inventory"
)

const (
	cacheVersionPrefix = "analytics:version:store"
	bumpChannel        = "stock.bump"
)

// Cache wraps Redis based caching with per-store versioning. A ledger commit
// bumps the store's version so cached reports never outlive the data they
// were computed from.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger.With(slog.String("component", "analytics.cache"))}
}

func versionKey(storeID int64) string {
	return fmt.Sprintf("%s:%d", cacheVersionPrefix, storeID)
}

// Version returns the store's cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context, storeID int64) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey(storeID)).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, versionKey(storeID), 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, versionKey(storeID)).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the cache key with the store's current version.
func (c *Cache) BuildKey(ctx context.Context, storeID int64, parts ...string) (string, error) {
	joined := strings.Join(parts, ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx, storeID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d", joined, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func FetchJSON[T any](ctx context.Context, c *Cache, key string, loader func(context.Context) (T, error)) (T, error) {
	var zero T
	if loader == nil {
		return zero, errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached T
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return zero, err
	}
	value, err := loader(ctx)
	if err != nil {
		return zero, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return zero, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return zero, err
	}
	return value, nil
}

// Bump invalidates a store's entries by incrementing its version and publishing an event.
func (c *Cache) Bump(ctx context.Context, storeID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(storeID)).Result()
	if err != nil {
		return err
	}
	payload := strconv.FormatInt(storeID, 10) + ":" + strconv.FormatInt(ver, 10)
	return c.client.Publish(ctx, bumpChannel, payload).Err()
}

// MovementsCommitted bumps every store touched by the movements.
func (c *Cache) MovementsCommitted(ctx context.Context, movements []inventory.Movement) {
	seen := make(map[int64]struct{})
	for _, m := range movements {
		if _, ok := seen[m.StoreID]; ok {
			continue
		}
		seen[m.StoreID] = struct{}{}
		if err := c.Bump(ctx, m.StoreID); err != nil {
			// Entries still expire after ttl.
			c.logger.WarnContext(ctx, "cache invalidation failed", slog.Int64("store_id", m.StoreID), slog.Any("error", err))
		}
	}
}

// ListenForInvalidation mirrors version bumps published by other processes
// that write to a different Redis (for example a regional replica).
func (c *Cache) ListenForInvalidation(ctx context.Context, channel string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if channel == "" {
		channel = bumpChannel
	}
	pubsub := c.client.Subscribe(ctx, channel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				storeRaw, verRaw, found := strings.Cut(msg.Payload, ":")
				storeID, err := strconv.ParseInt(storeRaw, 10, 64)
				if !found || err != nil {
					continue
				}
				if ver, err := strconv.ParseInt(verRaw, 10, 64); err == nil {
					current, _ := c.client.Get(ctx, versionKey(storeID)).Int64()
					if ver > current {
						_ = c.client.Set(ctx, versionKey(storeID), ver, 0).Err()
					}
				}
			}
		}
	}()
	return nil
}

func keyLossRate(q Query) string {
	return strings.Join([]string{
		"analytics", "loss_rate",
		strconv.FormatInt(q.StoreID, 10),
		strconv.FormatInt(q.ProductID, 10),
		string(q.Period),
		q.AsOf.UTC().Format(time.DateOnly),
	}, ":")
}
