package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	sweepInterval = 5 * time.Minute
	idleAfter     = 10 * time.Minute
)

// bucket holds a fractional token count as of updated.
type bucket struct {
	tokens  float64
	updated time.Time
}

// RateLimiter throttles analyze requests per client IP with a token bucket
// that refills continuously.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	perToken time.Duration
	log      *zap.Logger
	now      func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

type Config struct {
	MaxRequestsPerMinute int
	WindowDuration       time.Duration
	Logger               *zap.Logger
}

func New(cfg Config) *RateLimiter {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 20
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		capacity: float64(cfg.MaxRequestsPerMinute),
		perToken: cfg.WindowDuration / time.Duration(cfg.MaxRequestsPerMinute),
		log:      cfg.Logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := c.IP()
		ok, wait := rl.take(ip)
		if ok {
			return c.Next()
		}

		retryAfter := int(math.Ceil(wait.Seconds()))
		rl.log.Warn("Analyze request throttled",
			zap.String("ip", ip),
			zap.String("path", c.Path()),
			zap.Int("retry_after_s", retryAfter),
		)
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"code":    1,
			"message": "rate limit exceeded, please try again later",
			"data":    nil,
		})
	}
}

// take spends one token for key. When none is left it reports how long
// until the next token accrues.
func (rl *RateLimiter) take(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.capacity, updated: now}
		rl.buckets[key] = b
	}

	elapsed := now.Sub(b.updated)
	if elapsed > 0 {
		b.tokens = math.Min(rl.capacity, b.tokens+float64(elapsed)/float64(rl.perToken))
		b.updated = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) * float64(rl.perToken))
}

// sweep forgets clients idle long enough that their bucket would be full.
func (rl *RateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.updated) > idleAfter {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			if n := rl.sweep(); n > 0 {
				rl.log.Debug("Idle rate-limit buckets dropped", zap.Int("count", n))
			}
		}
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}
