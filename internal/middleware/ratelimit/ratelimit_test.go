package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMiddlewareRejectsWhenBucketIsEmpty(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2, Logger: zaptest.NewLogger(t)})
	t.Cleanup(rl.Stop)

	app := fiber.New()
	app.Post("/analyze", rl.Middleware(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/analyze", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest("POST", "/analyze", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestBucketRefillsContinuously(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 60})
	t.Cleanup(rl.Stop)

	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		ok, _ := rl.take("10.0.0.1")
		require.True(t, ok)
	}
	ok, wait := rl.take("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	ok, _ = rl.take("10.0.0.2")
	assert.True(t, ok)

	// Half a token accrues, then the rest.
	now = now.Add(500 * time.Millisecond)
	ok, wait = rl.take("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	now = now.Add(2500 * time.Millisecond)
	for i := 0; i < 3; i++ {
		ok, _ = rl.take("10.0.0.1")
		assert.True(t, ok)
	}
	ok, _ = rl.take("10.0.0.1")
	assert.False(t, ok)
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 10})
	t.Cleanup(rl.Stop)

	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }

	rl.take("10.0.0.1")
	now = now.Add(5 * time.Minute)
	rl.take("10.0.0.2")

	now = now.Add(6 * time.Minute)
	assert.Equal(t, 1, rl.sweep())
	assert.Len(t, rl.buckets, 1)
	assert.Contains(t, rl.buckets, "10.0.0.2")
}
