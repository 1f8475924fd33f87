package syncgroup

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestSyncGroup_RunAndWait(t *testing.T) {
	g := NewSyncGroup()
	var n atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 3; i++ {
		g.Add("loop", func(ctx context.Context) {
			n.Add(1)
			<-ctx.Done()
		})
	}
	g.Add("panics", func(context.Context) { panic("boom") })
	g.Run(ctx)
	// 再次 Run 不会重复启动
	g.Run(ctx)

	cancel()
	g.Wait()
	if n.Load() != 3 {
		t.Fatalf("启动次数=%d, want 3", n.Load())
	}
	if g.Running() != 0 {
		t.Fatalf("Running=%d after Wait", g.Running())
	}
}
