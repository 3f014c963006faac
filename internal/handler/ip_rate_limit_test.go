package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalIPLimiter_BurstThenRefill(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocalIPLimiter(3, 15*time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(context.Background(), "198.51.100.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}

	ok, retry, err := l.Allow(context.Background(), "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, (5 * time.Minute).Seconds(), retry.Seconds(), 1)

	ok, _, _ = l.Allow(context.Background(), "198.51.100.2")
	assert.True(t, ok, "buckets are per IP")

	now = now.Add(5 * time.Minute)
	ok, _, _ = l.Allow(context.Background(), "198.51.100.1")
	assert.True(t, ok)
}

func TestLocalIPLimiter_Sweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocalIPLimiter(5, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow(context.Background(), "a")
	now = now.Add(30 * time.Second)
	l.Allow(context.Background(), "b")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Len(t, l.visitors, 1)
}

type countingLimiter struct {
	mu      sync.Mutex
	allowed int
	err     error
	seen    []string
}

func (c *countingLimiter) Allow(_ context.Context, ip string) (bool, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, ip)
	if c.err != nil {
		return false, 0, c.err
	}
	if c.allowed <= 0 {
		return false, 90 * time.Second, nil
	}
	c.allowed--
	return true, 0, nil
}

type fakeCounter struct {
	limit  int
	window time.Duration
}

func (f *fakeCounter) AllowIP(_ context.Context, _ string, limit int, window time.Duration) (bool, time.Duration, error) {
	f.limit, f.window = limit, window
	return true, 0, nil
}

func TestSharedIPLimiter_PassesBudget(t *testing.T) {
	counter := &fakeCounter{}
	ok, _, err := NewSharedIPLimiter(counter, 100, 15*time.Minute).Allow(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 100, counter.limit)
	assert.Equal(t, 15*time.Minute, counter.window)
}

func TestIPRateLimitMiddleware(t *testing.T) {
	limiter := &countingLimiter{allowed: 1}
	srv := newTestServer(t, &fakeService{}, limiter)

	resp, _ := getJSON(t, srv.URL+"/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := getJSON(t, srv.URL+"/stats")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "90", resp.Header.Get("Retry-After"))
	assert.Equal(t, "Too many requests from this IP, please try again later.", body["error"])
	assert.Equal(t, []string{"127.0.0.1", "127.0.0.1"}, limiter.seen)
}

func TestIPRateLimitMiddleware_FailsOpen(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, &countingLimiter{err: errors.New("redis down")})

	resp, _ := getJSON(t, srv.URL+"/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func serveFrom(router http.Handler, peer, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = peer
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
		req.Header.Set("X-Real-IP", forwardedFor)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIPRateLimit_IgnoresForwardedHeadersByDefault(t *testing.T) {
	limiter := NewLocalIPLimiter(2, time.Hour)
	router := NewRouter(NewFaucetHandler(&fakeService{}, zap.NewNop()), limiter,
		RouterConfig{FrontendURL: "http://localhost:3000"}, zap.NewNop())

	var passed int
	for i := 0; i < 10; i++ {
		rec := serveFrom(router, "198.51.100.9:40000", fmt.Sprintf("203.0.113.%d", i+1))
		if rec.Code == http.StatusOK {
			passed++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
	assert.Equal(t, 2, passed, "rotating X-Forwarded-For must not mint new budgets")
}

func TestIPRateLimit_TrustedProxyHeaders(t *testing.T) {
	limiter := NewLocalIPLimiter(2, time.Hour)
	router := NewRouter(NewFaucetHandler(&fakeService{}, zap.NewNop()), limiter,
		RouterConfig{FrontendURL: "http://localhost:3000", TrustProxyHeaders: true}, zap.NewNop())

	for i := 0; i < 5; i++ {
		rec := serveFrom(router, "10.0.0.2:40000", fmt.Sprintf("203.0.113.%d", i+1))
		assert.Equal(t, http.StatusOK, rec.Code, "client %d", i)
	}
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serveFrom(router, "10.0.0.2:40000", "198.51.100.50").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(router, "10.0.0.2:40000", "198.51.100.50").Code)
}

func TestRequestFunds_RemoteIPIsSocketPeerWhenUntrusted(t *testing.T) {
	svc := &fakeService{}
	router := NewRouter(NewFaucetHandler(svc, zap.NewNop()), nil,
		RouterConfig{FrontendURL: "http://localhost:3000"}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/request",
		strings.NewReader(`{"address":"`+testAddress+`","captchaToken":"tok"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.200")
	req.RemoteAddr = "198.51.100.9:40000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "198.51.100.9", svc.lastReq.RemoteIP)
}
