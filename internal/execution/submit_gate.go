package execution

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrSubmitInFlight 同一 (agent, unique_id) 的上一次提交尚未返回
	ErrSubmitInFlight = errors.New("submission already in flight")
	// ErrAlreadySubmitted 同一 (agent, unique_id) 刚刚提交成功，处于保留窗口内
	ErrAlreadySubmitted = errors.New("order already submitted")
)

type gateEntry struct {
	orderNo string    // 空表示仍在提交中
	expires time.Time // 仅对已完成的提交有效
}

type gateKey struct {
	agentID  string
	uniqueID string
}

// SubmitGate 拦截 agent 重连后重发的同一批订单，避免重复报送到上游。
//
// 提交中的 key 一直占用直到 Finish/Abort；提交成功后在 ttl 内继续记住订单号，
// 供重复请求直接取回。
type SubmitGate struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[gateKey]gateEntry
	ops     int
}

// NewSubmitGate ttl <= 0 时使用 10s
func NewSubmitGate(ttl time.Duration) *SubmitGate {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &SubmitGate{ttl: ttl, now: time.Now, entries: make(map[gateKey]gateEntry)}
}

// Begin 占用 (agent, unique_id)。
// 已提交成功时返回原订单号和 ErrAlreadySubmitted。
func (g *SubmitGate) Begin(agentID, uniqueID string) (string, error) {
	if g == nil || uniqueID == "" {
		return "", nil
	}
	k := gateKey{agentID, uniqueID}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops++
	if g.ops%256 == 0 {
		g.sweepLocked(now)
	}

	if e, ok := g.entries[k]; ok {
		if e.orderNo == "" {
			return "", ErrSubmitInFlight
		}
		if now.Before(e.expires) {
			return e.orderNo, ErrAlreadySubmitted
		}
	}
	g.entries[k] = gateEntry{}
	return "", nil
}

// Finish 记录提交成功的订单号
func (g *SubmitGate) Finish(agentID, uniqueID, orderNo string) {
	if g == nil || uniqueID == "" {
		return
	}
	g.mu.Lock()
	g.entries[gateKey{agentID, uniqueID}] = gateEntry{orderNo: orderNo, expires: g.now().Add(g.ttl)}
	g.mu.Unlock()
}

// Abort 提交失败，允许 agent 立即重试
func (g *SubmitGate) Abort(agentID, uniqueID string) {
	if g == nil || uniqueID == "" {
		return
	}
	g.mu.Lock()
	delete(g.entries, gateKey{agentID, uniqueID})
	g.mu.Unlock()
}

// Len 当前占用数（含保留窗口内的已完成项）
func (g *SubmitGate) Len() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *SubmitGate) sweepLocked(now time.Time) {
	for k, e := range g.entries {
		if e.orderNo != "" && !now.Before(e.expires) {
			delete(g.entries, k)
		}
	}
}
