package services

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/ports"
	"github.com/betbot/omgate/pkg/sigchan"
)

// DispatchHandler 构造一次下发；状态变更类下发先记入 pending_dispatches，
// 收到 ACK 前在重连同步结束时重发。agent 在线时立即入队。
func (m *OrderManager) DispatchHandler(agentID, code string, payload *domain.DispatchPayload) (*domain.Dispatch, error) {
	if agentID == "" {
		return nil, errors.New("agent_id 不能为空")
	}
	if err := payload.Validate(); err != nil {
		return nil, errors.Wrap(err, "非法的下发内容")
	}

	d := &domain.Dispatch{
		ID:        uuid.NewString(),
		Seq:       m.dispatchSeq.Add(1),
		AgentID:   agentID,
		Code:      code,
		Payload:   payload,
		CreatedAt: m.now(),
	}

	var sink ports.AgentSink
	if m.agents != nil {
		if s, ok := m.agents.Get(agentID); ok {
			sink = s
		}
	}

	if !payload.StateChanging() {
		if sink == nil {
			return d, nil
		}
		d.SentOn = sink.SessionID()
		d.Attempts = 1
		return d, sink.Dispatch(d)
	}

	date := m.today()
	book := m.book(date, code)

	m.dispatchMu.Lock()
	if sink != nil {
		d.SentOn = sink.SessionID()
		d.Attempts = 1
	}
	if book.PendingDispatches[agentID] == nil {
		book.PendingDispatches[agentID] = make(map[string]*domain.Dispatch)
	}
	book.PendingDispatches[agentID][d.ID] = d
	m.dispatchIndex[d.ID] = dispatchRef{date: date, code: code, agentID: agentID, book: book}
	m.agentPending[agentID]++
	var sendErr error
	if sink != nil {
		// 在 dispatchMu 内入队，保证同一 agent 的下发顺序与 Seq 一致
		sendErr = sink.Dispatch(d)
		m.stats.dispatchesSent.Add(1)
	}
	m.dispatchMu.Unlock()
	m.markDirty(date)

	if sendErr != nil {
		orderManagerLog.Warnf("下发入队失败，保留待重发: agent=%s id=%s %v", agentID, d.ID, sendErr)
	}
	return d, nil
}

// dispatchIfConnected 回报只在 owner 在线时下发；离线期间的变化由重连同步快照覆盖
func (m *OrderManager) dispatchIfConnected(agentID, code string, payload *domain.DispatchPayload) {
	if m.agents == nil {
		return
	}
	if _, ok := m.agents.Get(agentID); !ok {
		orderManagerLog.Debugf("agent 不在线，跳过下发: agent=%s code=%s", agentID, code)
		return
	}
	if _, err := m.DispatchHandler(agentID, code, payload); err != nil {
		orderManagerLog.Warnf("下发失败: agent=%s code=%s %v", agentID, code, err)
	}
}

// AckReceived 处理 agent 的确认；未知或重复的 ACK 返回 false
func (m *OrderManager) AckReceived(ack *domain.DispatchAck) bool {
	if ack == nil || ack.ID == "" {
		return false
	}

	m.dispatchMu.Lock()
	ref, ok := m.dispatchIndex[ack.ID]
	if !ok {
		m.dispatchMu.Unlock()
		if _, dup := m.acked.Get(ack.ID); dup {
			m.stats.duplicateAcks.Add(1)
			orderManagerLog.Debugf("重复 ACK: id=%s", ack.ID)
		} else {
			orderManagerLog.Debugf("未知 ACK（可能是行情推送）: id=%s", ack.ID)
		}
		return false
	}
	if ack.AgentID != "" && ack.AgentID != ref.agentID {
		m.dispatchMu.Unlock()
		orderManagerLog.Warnf("ACK 的 agent 不匹配: id=%s ack_agent=%s owner=%s", ack.ID, ack.AgentID, ref.agentID)
		return false
	}
	if pending := ref.book.PendingDispatches[ref.agentID]; pending != nil {
		delete(pending, ack.ID)
		if len(pending) == 0 {
			delete(ref.book.PendingDispatches, ref.agentID)
		}
	}
	delete(m.dispatchIndex, ack.ID)
	m.agentPending[ref.agentID]--
	left := m.agentPending[ref.agentID]
	if left <= 0 {
		delete(m.agentPending, ref.agentID)
	}
	waiter := m.ackWaiters[ref.agentID]
	m.acked.Set(ack.ID, m.now(), 0)
	m.dispatchMu.Unlock()

	m.markDirty(ref.date)
	m.stats.acksReceived.Add(1)
	if left <= 0 && waiter != nil {
		waiter.Emit()
	}
	return true
}

// PendingDispatchCount 返回 agent 尚未确认的下发数量
func (m *OrderManager) PendingDispatchCount(agentID string) int {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	return m.agentPending[agentID]
}

// PendingDispatchesOf 返回 agent 尚未确认的下发（按 Seq 排序）
func (m *OrderManager) PendingDispatchesOf(agentID string) []*domain.Dispatch {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	return m.pendingOfLocked(agentID)
}

func (m *OrderManager) pendingOfLocked(agentID string) []*domain.Dispatch {
	var out []*domain.Dispatch
	for id, ref := range m.dispatchIndex {
		if ref.agentID != agentID {
			continue
		}
		if d := ref.book.PendingDispatches[agentID][id]; d != nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq == out[j].Seq {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (m *OrderManager) ackWaiter(agentID string) *sigchan.Chan {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	w, ok := m.ackWaiters[agentID]
	if !ok {
		w = sigchan.New()
		m.ackWaiters[agentID] = w
	}
	return w
}

// flushPendingDispatches 重发当前会话尚未发送过的待确认下发，并等待全部 ACK
func (m *OrderManager) flushPendingDispatches(ctx context.Context, agentID string) error {
	if m.agents == nil {
		return nil
	}
	sink, ok := m.agents.Get(agentID)
	if !ok {
		return errors.Errorf("agent 不在线: %s", agentID)
	}
	session := sink.SessionID()
	waiter := m.ackWaiter(agentID)

	m.dispatchMu.Lock()
	resent := 0
	for _, d := range m.pendingOfLocked(agentID) {
		if d.SentOn == session {
			continue
		}
		d.SentOn = session
		d.Attempts++
		if err := sink.Dispatch(d); err != nil {
			orderManagerLog.Warnf("重发入队失败: agent=%s id=%s %v", agentID, d.ID, err)
			continue
		}
		resent++
	}
	m.dispatchMu.Unlock()
	m.stats.dispatchesResent.Add(int64(resent))
	if resent > 0 {
		orderManagerLog.Infof("🔁 重发待确认下发 %d 条: agent=%s", resent, agentID)
	}

	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.AckWaitTimeout)
		defer cancel()
	}
	start := time.Now()
	err := waiter.WaitUntil(ctx, func() bool { return m.PendingDispatchCount(agentID) == 0 })
	if err != nil {
		return errors.Wrapf(err, "等待 ACK 超时: agent=%s 剩余=%d", agentID, m.PendingDispatchCount(agentID))
	}
	orderManagerLog.Debugf("待确认下发已全部 ACK: agent=%s 用时=%s", agentID, time.Since(start))
	return nil
}
