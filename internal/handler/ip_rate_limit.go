package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"faucet-service/internal/util"
)

const tooManyRequestsMessage = "Too many requests from this IP, please try again later."

// IPRateLimiter bounds the request rate of a single client IP.
type IPRateLimiter interface {
	Allow(ctx context.Context, ip string) (allowed bool, retryAfter time.Duration, err error)
}

// IPCounter is satisfied by the Redis rate limit cache.
type IPCounter interface {
	AllowIP(ctx context.Context, ip string, limit int, window time.Duration) (bool, time.Duration, error)
}

// SharedIPLimiter is a fixed-window limiter shared by every replica through Redis.
type SharedIPLimiter struct {
	counter IPCounter
	limit   int
	window  time.Duration
}

func NewSharedIPLimiter(counter IPCounter, limit int, window time.Duration) *SharedIPLimiter {
	return &SharedIPLimiter{counter: counter, limit: limit, window: window}
}

func (l *SharedIPLimiter) Allow(ctx context.Context, ip string) (bool, time.Duration, error) {
	return l.counter.AllowIP(ctx, ip, l.limit, l.window)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalIPLimiter keeps one token bucket per IP in process memory. A full
// bucket holds `limit` tokens and refills over `window`.
type LocalIPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	every    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

func NewLocalIPLimiter(limit int, window time.Duration) *LocalIPLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &LocalIPLimiter{
		visitors: make(map[string]*visitor),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		idleTTL:  window,
		now:      time.Now,
	}
}

func (l *LocalIPLimiter) Allow(_ context.Context, ip string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.every, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	reservation := v.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// Sweep forgets IPs idle for longer than the window. Their buckets would be full anyway.
func (l *LocalIPLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idleTTL)
	removed := 0
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *LocalIPLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// IPRateLimitMiddleware rejects clients over their budget with 429. Limiter
// errors let the request through.
func IPRateLimitMiddleware(limiter IPRateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := util.ClientIP(r.RemoteAddr)

			allowed, retryAfter, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				logger.Warn("IP rate limiter unavailable", util.String("ip", ip), util.ErrorField(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				}
				writeStatusError(w, http.StatusTooManyRequests, tooManyRequestsMessage)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
