package sigchan

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitCoalesces(t *testing.T) {
	c := New()
	c.Emit()
	c.Emit()
	c.Emit()
	<-c.C()
	select {
	case <-c.C():
		t.Fatalf("多次 Emit 应合并为一次")
	default:
	}
}

func TestWaitUntil(t *testing.T) {
	c := New()
	var n atomic.Int32
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
			c.Emit()
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitUntil(ctx, func() bool { return n.Load() == 3 }); err != nil {
		t.Fatalf("WaitUntil: %v", err)
	}
}

func TestWaitUntilTimeout(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitUntil(ctx, func() bool { return false }); err == nil {
		t.Fatalf("expected context error")
	}
}
