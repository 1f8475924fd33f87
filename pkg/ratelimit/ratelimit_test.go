package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(2, 10)
	base := time.Now()
	tb.now = func() time.Time { return base }
	tb.lastRefill = base

	if !tb.Allow() || !tb.Allow() {
		t.Fatalf("初始令牌应为 2")
	}
	if tb.Allow() {
		t.Fatalf("令牌耗尽后不应放行")
	}

	// 10/s，经过 150ms 应补充 1.5 个令牌
	tb.now = func() time.Time { return base.Add(150 * time.Millisecond) }
	if !tb.Allow() {
		t.Fatalf("补充后应放行")
	}
	if tb.Allow() {
		t.Fatalf("只剩 0.5 个令牌，不应放行")
	}
}

func TestTokenBucket_WaitHonorsContext(t *testing.T) {
	tb := NewTokenBucket(1, 0.001)
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err == nil {
		t.Fatalf("expected context deadline")
	}
}

func TestManager_Fallback(t *testing.T) {
	m := NewManager(nil)
	tb := NewTokenBucket(1, 0)
	m.Register("broker:order", tb)

	if m.Limiter("broker:order") != tb {
		t.Fatalf("应返回注册的限制器")
	}
	if err := m.Wait(context.Background(), "unknown"); err != nil {
		t.Fatalf("未注册端点应不限流: %v", err)
	}
}
