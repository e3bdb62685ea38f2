// Package guard covers request admission: the shared-secret gate on
// destructive admin operations and an optional per-client rate limit.
package guard

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/masurp/travelgram-tracking/internal/config"
)

// ErrUnauthorized is returned when the admin key check fails.
var ErrUnauthorized = errors.New("unauthorized")

type Guard struct {
	redis    *redis.Client
	adminKey string
	rps      int
}

// New builds a guard. The redis client is optional; without it every
// request passes the rate limit.
func New(cfg *config.Config) *Guard {
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return &Guard{
		redis:    rdb,
		adminKey: cfg.Tracking.AdminKey,
		rps:      cfg.RateLimit.RequestsPerSecond,
	}
}

// CheckAdminKey compares the presented key against the configured secret.
// An unconfigured secret rejects everything.
func (g *Guard) CheckAdminKey(key string) error {
	if g.adminKey == "" || key == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(g.adminKey)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// CheckRateLimit reports whether the client identified by id is within its
// per-second budget. Allows on any redis error.
func (g *Guard) CheckRateLimit(id string) bool {
	if g.redis == nil {
		return true
	}
	ctx := context.Background()
	key := "ratelimit:" + id

	count, err := g.redis.Incr(ctx, key).Result()
	if err != nil {
		return true // Allow on error
	}
	if count == 1 {
		g.redis.Expire(ctx, key, time.Second)
	}
	return count <= int64(g.rps)
}

// Close releases the redis connection if one exists.
func (g *Guard) Close() {
	if g.redis != nil {
		g.redis.Close()
	}
}
