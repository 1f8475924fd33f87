package cache

import (
	"testing"
	"time"
)

func TestInMemoryCache_TTL(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)
	defer c.Close()

	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("a", 1, 0)
	c.Set("b", 2, time.Second)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a)=%v,%v", v, ok)
	}

	c.now = func() time.Time { return base.Add(2 * time.Second) }
	if _, ok := c.Get("b"); ok {
		t.Fatalf("b 应已过期")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a 使用默认 TTL，不应过期")
	}

	c.cleanup()
	if c.Size() != 1 {
		t.Fatalf("清理后 Size=%d, want 1", c.Size())
	}

	c.Delete("a")
	if c.Size() != 0 {
		t.Fatalf("删除后 Size=%d", c.Size())
	}
}
