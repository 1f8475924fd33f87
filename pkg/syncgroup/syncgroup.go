package syncgroup

import (
	"context"
	"sync"

	"github.com/betbot/omgate/pkg/logger"
)

type syncGroupFunc func(ctx context.Context)

// SyncGroup 管理一组后台 goroutine 的生命周期
// Add 登记函数，Run 统一启动，Wait 等待全部退出
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	names   []string
	funcs   []syncGroupFunc
	running int
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 登记一个后台函数，Run 之后登记的函数需要再次 Run 才会启动
func (g *SyncGroup) Add(name string, fn syncGroupFunc) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.names = append(g.names, name)
	g.funcs = append(g.funcs, fn)
}

// Run 启动所有已登记且尚未启动的函数
func (g *SyncGroup) Run(ctx context.Context) {
	g.mu.Lock()
	names, fns := g.names, g.funcs
	g.names, g.funcs = nil, nil
	g.running += len(fns)
	g.mu.Unlock()

	for i, fn := range fns {
		name := names[i]
		g.wg.Add(1)
		go func(doFunc syncGroupFunc) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("后台任务 panic: %s %v", name, r)
				}
				g.mu.Lock()
				g.running--
				g.mu.Unlock()
				g.wg.Done()
			}()
			doFunc(ctx)
		}(fn)
	}
}

// Running 当前运行中的 goroutine 数量
func (g *SyncGroup) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Wait 等待所有 goroutine 完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
