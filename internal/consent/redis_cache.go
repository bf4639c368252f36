package consent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/solocheck/solocheck/internal/domain/contact"
)

// RedisCache shares the eligible-set cache across engine instances, so a
// fleet of scanners only recomputes a user's set once per TTL.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisCache(cfg RedisConfig) *RedisCache {
	ttl := cfg.TTL
	if ttl <= 0 || ttl > 30*time.Second {
		ttl = DefaultTTL
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func key(userID string) string { return "consent:eligible:" + userID }

func (c *RedisCache) Get(ctx context.Context, userID string) ([]contact.Contact, bool) {
	raw, err := c.rdb.Get(ctx, key(userID)).Bytes()
	if err != nil {
		// redis.Nil and transport errors alike: fall through to the source.
		return nil, false
	}

	var contacts []contact.Contact
	if err := json.Unmarshal(raw, &contacts); err != nil {
		return nil, false
	}
	return contacts, true
}

func (c *RedisCache) Set(ctx context.Context, userID string, contacts []contact.Contact) {
	raw, err := json.Marshal(contacts)
	if err != nil {
		return
	}
	// Best effort: a failed cache write just means another recompute.
	_ = c.rdb.Set(ctx, key(userID), raw, c.ttl).Err()
}
