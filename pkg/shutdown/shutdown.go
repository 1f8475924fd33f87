package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/omgate/pkg/logger"
)

// Handler 关闭处理函数，应在 ctx 结束前返回
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器
//
// 回调按注册的逆序串行执行：先停止接入，再持久化，最后释放存储。
type Manager struct {
	callbacks []namedHandler
	mu        sync.Mutex
	once      sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）
// ctx 应该是一个带超时的 context，避免无限等待
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		m.mu.Lock()
		callbacks := append([]namedHandler(nil), m.callbacks...)
		m.mu.Unlock()

		logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))
		for i := len(callbacks) - 1; i >= 0; i-- {
			cb := callbacks[i]
			if ctx.Err() != nil {
				logger.Warnf("关闭超时，跳过剩余回调: %s (%v)", cb.name, ctx.Err())
				continue
			}
			start := time.Now()
			if err := cb.fn(ctx); err != nil {
				logger.Errorf("关闭回调失败: %s err=%v", cb.name, err)
				continue
			}
			logger.Debugf("关闭回调完成: %s 耗时=%s", cb.name, time.Since(start))
		}
		logger.Info("所有关闭回调已完成")
	})
}
