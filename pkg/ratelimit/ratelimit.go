package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
}

// TokenBucket 令牌桶：容量 capacity，每秒补充 ratePerSecond 个令牌
type TokenBucket struct {
	capacity      float64
	tokens        float64
	ratePerSecond float64
	lastRefill    time.Time
	now           func() time.Time
	mu            sync.Mutex
}

// NewTokenBucket 创建令牌桶，初始为满
func NewTokenBucket(capacity int, ratePerSecond float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	tb := &TokenBucket{
		capacity:      float64(capacity),
		tokens:        float64(capacity),
		ratePerSecond: ratePerSecond,
		now:           time.Now,
	}
	tb.lastRefill = tb.now()
	return tb
}

// refill 按经过时间补充令牌（调用方持锁）
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.ratePerSecond
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Allow 立即尝试获取一个令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 阻塞直到获取令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}

		tb.mu.Lock()
		wait := 100 * time.Millisecond
		if tb.ratePerSecond > 0 {
			missing := 1 - tb.tokens
			wait = time.Duration(missing / tb.ratePerSecond * float64(time.Second))
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		tb.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining 当前可用令牌数
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// Unlimited 不做限制
type Unlimited struct{}

func (Unlimited) Wait(context.Context) error { return nil }
func (Unlimited) Allow() bool                { return true }

// Manager 按端点分组的速率限制
type Manager struct {
	limiters map[string]RateLimiter
	fallback RateLimiter
	mu       sync.RWMutex
}

// NewManager 创建管理器，未注册的端点使用 fallback
func NewManager(fallback RateLimiter) *Manager {
	if fallback == nil {
		fallback = Unlimited{}
	}
	return &Manager{limiters: make(map[string]RateLimiter), fallback: fallback}
}

// Register 为端点注册限制器
func (m *Manager) Register(endpoint string, l RateLimiter) {
	m.mu.Lock()
	m.limiters[endpoint] = l
	m.mu.Unlock()
}

// Limiter 获取端点的限制器
func (m *Manager) Limiter(endpoint string) RateLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.limiters[endpoint]; ok {
		return l
	}
	return m.fallback
}

// Wait 等待端点放行
func (m *Manager) Wait(ctx context.Context, endpoint string) error {
	return m.Limiter(endpoint).Wait(ctx)
}
