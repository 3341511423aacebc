// Package guard rejects duplicate campaign starts issued from different
// processes within a short window.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type StartGuard interface {
	// Acquire returns false when another start of the campaign holds the
	// window.
	Acquire(ctx context.Context, campaignID int64, window time.Duration) (bool, error)
}

// RedisGuard holds the window with SET NX PX; the key simply expires.
type RedisGuard struct {
	Client redis.UniversalClient
	Prefix string
}

func NewRedisGuard(client redis.UniversalClient) *RedisGuard {
	return &RedisGuard{Client: client, Prefix: "outreach:start:"}
}

func (g *RedisGuard) Acquire(ctx context.Context, campaignID int64, window time.Duration) (bool, error) {
	key := fmt.Sprintf("%s%d", g.Prefix, campaignID)
	ok, err := g.Client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return false, fmt.Errorf("start guard for campaign %d: %w", campaignID, err)
	}
	return ok, nil
}

// Noop always grants the window; the database CAS still applies.
type Noop struct{}

func (Noop) Acquire(context.Context, int64, time.Duration) (bool, error) { return true, nil }

var (
	_ StartGuard = (*RedisGuard)(nil)
	_ StartGuard = Noop{}
)
