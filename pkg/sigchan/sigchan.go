package sigchan

import "context"

// Chan 非阻塞的唤醒信号，多次 Emit 合并为一次
type Chan struct {
	c chan struct{}
}

// New 创建信号 channel，缓冲为 1
func New() *Chan {
	return &Chan{c: make(chan struct{}, 1)}
}

// Emit 发送信号（非阻塞，已有未消费信号时丢弃）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回内部 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// WaitUntil 反复等待信号直到 cond 为真或 ctx 结束
// cond 在首次等待前先检查一次，避免丢失 Emit 早于等待的情况
func (c *Chan) WaitUntil(ctx context.Context, cond func() bool) error {
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.c:
		}
	}
}
