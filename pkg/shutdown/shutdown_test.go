package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShutdown_RunsInReverseOrderOnce(t *testing.T) {
	m := NewManager()
	var order []string
	m.OnShutdown("store", func(context.Context) error { order = append(order, "store"); return nil })
	m.OnShutdown("persist", func(context.Context) error { order = append(order, "persist"); return errors.New("boom") })
	m.OnShutdown("listener", func(context.Context) error { order = append(order, "listener"); return nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)
	m.Shutdown(ctx)

	want := []string{"listener", "persist", "store"}
	if len(order) != len(want) {
		t.Fatalf("order=%v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v, want %v", order, want)
		}
	}
}

func TestShutdown_SkipsAfterTimeout(t *testing.T) {
	m := NewManager()
	called := false
	m.OnShutdown("late", func(context.Context) error { called = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Shutdown(ctx)
	if called {
		t.Fatalf("ctx 已结束时不应执行回调")
	}
}
