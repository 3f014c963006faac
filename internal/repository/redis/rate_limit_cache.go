package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"faucet-service/internal/repository"
	"faucet-service/internal/util"
)

const (
	addressLeasePrefix = "faucet:lease:"
	ipRateLimitPrefix  = "faucet:ip_rate_limit:"
)

// releaseScript deletes the lease only when it still carries our token, so an
// expired-then-reacquired lease is never released by its previous owner.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Commander is the subset of client.RedisClient used here.
type Commander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

type RateLimitCache struct {
	client Commander
	logger *zap.Logger
}

func NewRateLimitCache(client Commander, logger *zap.Logger) *RateLimitCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitCache{client: client, logger: logger}
}

// AcquireAddressLease takes an exclusive, expiring lease on an address.
// The returned release func is safe to call once the request finishes.
func (c *RateLimitCache) AcquireAddressLease(ctx context.Context, address string, ttl time.Duration) (func(), error) {
	key := addressLeasePrefix + address
	token := uuid.NewString()

	ok, err := c.client.SetNX(ctx, key, token, ttl)
	if err != nil {
		c.logger.Error("Failed to set address lease",
			util.Address(address),
			util.Duration("ttl", ttl),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to set address lease: %w", err)
	}
	if !ok {
		return nil, repository.ErrLeaseHeld
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.client.Eval(ctx, releaseScript, []string{key}, token); err != nil {
			c.logger.Warn("Failed to release address lease; it will expire on its own",
				util.Address(address),
				util.ErrorField(err))
		}
	}
	return release, nil
}

// AllowIP counts a request against a fixed window per client IP.
// When the limit is exceeded it returns false and the time left in the window.
func (c *RateLimitCache) AllowIP(ctx context.Context, ip string, limit int, window time.Duration) (bool, time.Duration, error) {
	key := ipRateLimitPrefix + ip

	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		c.logger.Error("Failed to increment IP counter",
			util.String("ip", ip),
			util.ErrorField(err))
		return false, 0, fmt.Errorf("failed to increment IP counter: %w", err)
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := c.client.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = window
	}
	util.Debug("IP rate limit exceeded",
		util.String("ip", ip),
		util.Int64("count", count))
	return false, ttl, nil
}
