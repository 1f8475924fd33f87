package services

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/omgate/internal/domain"
)

// GetAgentSync 获取标的锁并返回 agent 在该标的上的对账快照。
//
// 锁在返回后继续持有，直到 AgentSyncCompletedLockRelease（或断线时 AbortSync），
// 期间该标的的回报排队等待，保证 agent 看到的快照与之后的增量严格衔接。
// sinceDate 为空时只取当日；否则包含 sinceDate 起的往日数据。
func (m *OrderManager) GetAgentSync(ctx context.Context, agentID, code, sinceDate string) (*domain.AgentSync, error) {
	if agentID == "" || code == "" {
		return nil, errors.New("agent_id 与 code 不能为空")
	}
	today := m.today()
	if sinceDate == "" {
		sinceDate = today
	}
	if _, err := time.Parse(domain.DateLayout, sinceDate); err != nil {
		return nil, errors.Wrapf(err, "非法的 since_date %q", sinceDate)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, busy := m.syncs[agentID]; busy {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrSyncInProgress, "agent=%s", agentID)
	}
	hold := &syncHold{agentID: agentID, code: code, requestedAt: m.now()}
	m.syncs[agentID] = hold
	m.mu.Unlock()

	lock := m.lockFor(code)
	if err := lock.Lock(ctx); err != nil {
		m.mu.Lock()
		if m.syncs[agentID] == hold {
			delete(m.syncs, agentID)
		}
		m.mu.Unlock()
		return nil, errors.Wrapf(err, "等待标的锁 %s", code)
	}

	m.mu.Lock()
	if m.syncs[agentID] != hold {
		// 等锁期间被 AbortSync
		m.mu.Unlock()
		lock.Unlock()
		return nil, errors.Wrapf(ErrNoSyncInProgress, "同步已被中止: agent=%s", agentID)
	}
	hold.lock = lock
	hold.locked = true
	hold.lockedAt = m.now()
	m.mu.Unlock()

	snap := domain.NewAgentSync(today, code)
	for _, date := range m.sortedDates() {
		if date < sinceDate || date > today {
			continue
		}
		book := m.bookIfExists(date, code)
		if book == nil {
			continue
		}
		book.mu.RLock()
		if date == today {
			for no, o := range book.IncompletedOrders[agentID] {
				snap.Incompleted[no] = o.Clone()
			}
			for no, ns := range book.PendingTrns {
				cp := make([]*domain.Notice, 0, len(ns))
				for _, n := range ns {
					nc := *n
					cp = append(cp, &nc)
				}
				snap.PendingTrns[no] = cp
			}
		} else {
			for no, o := range book.IncompletedOrders[agentID] {
				snap.PrevIncompleted[no] = o.Clone()
			}
		}
		for no, o := range book.CompletedOrders[agentID] {
			snap.Completed[no] = o.Clone()
		}
		book.mu.RUnlock()
	}

	orderManagerLog.Infof("🔒 同步开始: agent=%s code=%s since=%s incompleted=%d completed=%d prev=%d pending_trns=%d",
		agentID, code, sinceDate, len(snap.Incompleted), len(snap.Completed), len(snap.PrevIncompleted), len(snap.PendingTrns))
	return snap, nil
}

// AgentSyncCompletedLockRelease 释放同步持有的标的锁，
// 然后重发当前会话未发送过的待确认下发并等待全部 ACK。
func (m *OrderManager) AgentSyncCompletedLockRelease(ctx context.Context, agentID string) error {
	m.mu.Lock()
	hold, ok := m.syncs[agentID]
	if !ok || !hold.locked {
		m.mu.Unlock()
		return errors.Wrapf(ErrNoSyncInProgress, "agent=%s", agentID)
	}
	delete(m.syncs, agentID)
	m.mu.Unlock()

	hold.lock.Unlock()
	orderManagerLog.Infof("🔓 同步结束: agent=%s code=%s 持锁=%s", agentID, hold.code, m.now().Sub(hold.lockedAt))

	return m.flushPendingDispatches(ctx, agentID)
}

// AbortSync 断线或超时时释放 agent 持有的同步锁；没有进行中的同步返回 false
func (m *OrderManager) AbortSync(agentID string) bool {
	m.mu.Lock()
	hold, ok := m.syncs[agentID]
	if ok {
		delete(m.syncs, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if hold.locked {
		hold.lock.Unlock()
	}
	orderManagerLog.Warnf("同步已中止: agent=%s code=%s", agentID, hold.code)
	return true
}

// SyncInProgress 返回 agent 是否持有同步锁
func (m *OrderManager) SyncInProgress(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.syncs[agentID]
	return ok && h.locked
}

// checkSyncs 长时间持锁先告警，配置了 SyncTimeout 时强制释放
func (m *OrderManager) checkSyncs(now time.Time) {
	var expired []*syncHold
	m.mu.Lock()
	for _, h := range m.syncs {
		if !h.locked {
			continue
		}
		held := now.Sub(h.lockedAt)
		if m.opts.SyncTimeout > 0 && held >= m.opts.SyncTimeout {
			expired = append(expired, h)
			continue
		}
		if held >= m.opts.SyncWarnAfter && !h.warned {
			h.warned = true
			orderManagerLog.Warnf("⚠️ 同步持锁过久: agent=%s code=%s 已持有=%s", h.agentID, h.code, held)
		}
	}
	m.mu.Unlock()

	for _, h := range expired {
		if m.AbortSync(h.agentID) {
			m.raiseAlarm(domain.AlarmSyncTimeout, h.code, "", h.agentID, "同步超时，已强制释放标的锁")
		}
	}
}
