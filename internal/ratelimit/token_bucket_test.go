package ratelimit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, 1, time.Minute)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2)

	d, err := bucket.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "first token")
	assert.Equal(t, 1, d.Remaining)
	assert.Zero(t, d.RetryAfter)
	d, _ = bucket.Allow(ctx, "client")
	assert.True(t, d.Allowed, "second token")
	assert.Equal(t, 0, d.Remaining)
	d, _ = bucket.Allow(ctx, "client")
	assert.False(t, d.Allowed, "third token must be rejected")
	assert.InDelta(t, time.Second, d.RetryAfter, float64(100*time.Millisecond))

	d, _ = bucket.Allow(ctx, "other-client")
	assert.True(t, d.Allowed, "buckets are per key")

	// Refill cannot be exercised with miniredis.FastForward: the script takes
	// its clock from Go's time.Now, not Redis.
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	bucket := newBucket(t, 1)
	log := logrus.New()
	log.SetOutput(io.Discard)

	h := bucket.Middleware(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/brands", nil)
		r.Header.Set("X-Client-ID", "cli-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	assert.Equal(t, http.StatusCreated, req().Code)
	rejected := req()
	assert.Equal(t, http.StatusTooManyRequests, rejected.Code)
	assert.NotEmpty(t, rejected.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limited"}`, rejected.Body.String())
}

func TestMiddlewareFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	bucket := NewTokenBucket(client, 1, 1, time.Minute)
	mr.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)
	h := bucket.Middleware(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/brands", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientKeyFallsBackToRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "10.0.0.7", ClientKey(r))
	r.Header.Set("X-Client-ID", "abc")
	assert.Equal(t, "abc", ClientKey(r))
}
