package services

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/pkg/sigchan"
)

// ProcessTrNotice 应用一条上游回报。
//
// 找到订单则应用并（在 agent 在线时）下发；找不到则缓冲到 pending_trns，
// 等待订单登记时回放。命中已完成订单属于不变量违背，只告警不缓冲。
func (m *OrderManager) ProcessTrNotice(ctx context.Context, n *domain.Notice) error {
	if n == nil || n.Code == "" || n.OrderNo == "" {
		return errors.Wrap(domain.ErrUnknownNotice, "回报缺少 code 或 order_no")
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = m.now()
	}

	lock := m.lockFor(n.Code)
	if err := lock.Lock(ctx); err != nil {
		return errors.Wrapf(err, "等待标的锁 %s", n.Code)
	}
	defer lock.Unlock()

	date := m.today()
	book := m.book(date, n.Code)

	var order *domain.Order
	for _, orders := range book.IncompletedOrders {
		if o, ok := orders[n.OrderNo]; ok {
			order = o
			break
		}
	}
	if order != nil {
		return m.applyNoticeLocked(date, book, order, n)
	}

	for agentID, orders := range book.CompletedOrders {
		if _, ok := orders[n.OrderNo]; ok {
			m.stats.invariantViolations.Add(1)
			m.raiseAlarm(domain.AlarmInvariant, n.Code, n.OrderNo, agentID,
				"已完成订单收到回报: kind="+string(n.Kind()))
			return errors.Wrapf(domain.ErrInvariantViolation, "订单已完成 order_no=%s", n.OrderNo)
		}
	}

	book.mu.Lock()
	book.PendingTrns[n.OrderNo] = append(book.PendingTrns[n.OrderNo], n)
	book.mu.Unlock()
	m.markDirty(date)
	m.stats.noticesBuffered.Add(1)
	orderManagerLog.Debugf("回报早于订单登记，已缓冲: code=%s order_no=%s kind=%s", n.Code, n.OrderNo, n.Kind())
	return nil
}

// applyNoticeLocked 调用方持有标的锁
func (m *OrderManager) applyNoticeLocked(date string, book *codeBook, order *domain.Order, n *domain.Notice) error {
	var original *domain.Order
	if order.IsCancel() {
		original = book.IncompletedOrders[order.AgentID][order.OriginalOrderNo]
	}

	book.mu.Lock()
	err := domain.Apply(order, n, original)
	if err == nil {
		moveIfCompleted(book, order)
		moveIfCompleted(book, original)
	}
	book.mu.Unlock()

	switch {
	case err == nil:
		m.markDirty(date)
		m.stats.noticesApplied.Add(1)
		orderManagerLog.Debugf("回报已应用: code=%s order_no=%s kind=%s processed=%d/%d",
			order.Code, order.OrderNo, n.Kind(), order.Processed, order.Quantity)

	case errors.Is(err, domain.ErrOrderRefused):
		// 拒绝回报不修改订单，但仍告知 agent
		m.stats.refusedNotices.Add(1)
		m.raiseAlarm(domain.AlarmRefused, order.Code, order.OrderNo, order.AgentID, "上游拒绝订单")

	default:
		m.stats.invariantViolations.Add(1)
		m.raiseAlarm(domain.AlarmInvariant, order.Code, order.OrderNo, order.AgentID, err.Error())
		return err
	}

	m.dispatchIfConnected(order.AgentID, order.Code, domain.NoticePayload(n, order, original))
	return err
}

// moveIfCompleted 调用方持有 book.mu
func moveIfCompleted(book *codeBook, o *domain.Order) {
	if o == nil || !o.Completed {
		return
	}
	if orders := book.IncompletedOrders[o.AgentID]; orders != nil {
		delete(orders, o.OrderNo)
		if len(orders) == 0 {
			delete(book.IncompletedOrders, o.AgentID)
		}
	}
	if book.CompletedOrders[o.AgentID] == nil {
		book.CompletedOrders[o.AgentID] = make(map[string]*domain.Order)
	}
	book.CompletedOrders[o.AgentID][o.OrderNo] = o
}

// noticeInbox 单个标的的回报队列，由一个 worker 顺序消费
type noticeInbox struct {
	mu     sync.Mutex
	queue  []*domain.Notice
	signal *sigchan.Chan
}

func (b *noticeInbox) push(n *domain.Notice) {
	b.mu.Lock()
	b.queue = append(b.queue, n)
	b.mu.Unlock()
	b.signal.Emit()
}

func (b *noticeInbox) drain() []*domain.Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}

// HandleNotice 上游回调入口，不阻塞。
//
// 回报按标的进入各自的队列：同步持有某标的锁时，只有该标的的回报等待，
// 其他标的以及行情读取不受影响。
func (m *OrderManager) HandleNotice(n *domain.Notice) {
	if n == nil {
		return
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = m.now()
	}

	m.inboxMu.Lock()
	select {
	case <-m.inboxStop:
		m.inboxMu.Unlock()
		orderManagerLog.Warnf("OrderManager 已关闭，丢弃回报: code=%s order_no=%s", n.Code, n.OrderNo)
		return
	default:
	}
	box, ok := m.inboxes[n.Code]
	if !ok {
		box = &noticeInbox{signal: sigchan.New()}
		m.inboxes[n.Code] = box
		m.workers.Add(1)
		go m.inboxWorker(n.Code, box)
	}
	m.inboxMu.Unlock()

	box.push(n)
}

// OnNotice 实现 ports.NoticeHandler
func (m *OrderManager) OnNotice(n *domain.Notice) {
	m.HandleNotice(n)
}

func (m *OrderManager) inboxWorker(code string, box *noticeInbox) {
	defer m.workers.Done()
	for {
		for _, n := range box.drain() {
			m.processSafely(n)
		}
		select {
		case <-box.signal.C():
		case <-m.inboxStop:
			// 关闭前排空剩余回报
			for _, n := range box.drain() {
				m.processSafely(n)
			}
			orderManagerLog.Debugf("回报队列退出: code=%s", code)
			return
		}
	}
}

func (m *OrderManager) processSafely(n *domain.Notice) {
	defer func() {
		if r := recover(); r != nil {
			m.stats.invariantViolations.Add(1)
			orderManagerLog.Errorf("处理回报 panic: code=%s order_no=%s %v", n.Code, n.OrderNo, r)
		}
	}()
	if err := m.ProcessTrNotice(m.ctx, n); err != nil {
		orderManagerLog.Warnf("处理回报失败: code=%s order_no=%s %v", n.Code, n.OrderNo, err)
	}
}
