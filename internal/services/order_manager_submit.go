package services

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/execution"
)

// SubmitOutcome 单个订单的提交结果
type SubmitOutcome struct {
	UniqueID  string        `json:"unique_id"`
	OrderNo   string        `json:"order_no,omitempty"`
	Submitted bool          `json:"submitted"`
	Error     string        `json:"error,omitempty"`
	Order     *domain.Order `json:"order,omitempty"`
}

// SubmitOrdersAndRegister 逐个提交订单并登记到当日 incompleted。
//
// 每个订单在标的锁内完成「上游提交 -> 登记 -> 回放 pending_trns」，
// 因此早于登记到达的回报不会丢失，也不会被应用两次。
// 无论成功与否，订单的最终状态都会作为可靠下发推给 agent。
func (m *OrderManager) SubmitOrdersAndRegister(ctx context.Context, agentID string, orders []*domain.Order) []SubmitOutcome {
	out := make([]SubmitOutcome, 0, len(orders))
	for _, o := range orders {
		out = append(out, m.submitOne(ctx, agentID, o))
	}
	return out
}

func (m *OrderManager) submitOne(ctx context.Context, agentID string, order *domain.Order) SubmitOutcome {
	if order == nil {
		return SubmitOutcome{Error: domain.ErrInvalidOrder.Error()}
	}
	order.AgentID = agentID
	if order.Kind == "" {
		order.Kind = domain.OrderKindNormal
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = m.now()
	}
	// 提交字段以服务端为准
	order.OrderNo, order.OrgNo = "", ""
	order.Submitted, order.Accepted, order.Completed = false, false, false
	order.Processed = 0

	res := SubmitOutcome{UniqueID: order.UniqueID}
	fail := func(err error, notify bool) SubmitOutcome {
		m.stats.submitFailures.Add(1)
		order.FailReason = err.Error()
		res.Error = err.Error()
		res.Order = order.Clone()
		if notify {
			if _, derr := m.DispatchHandler(agentID, order.Code, domain.OrderPayload(order)); derr != nil {
				orderManagerLog.Warnf("下发失败订单状态失败: agent=%s unique_id=%s %v", agentID, order.UniqueID, derr)
			}
		}
		return res
	}

	if m.isClosed() {
		return fail(ErrManagerClosed, false)
	}
	if err := order.Validate(); err != nil {
		return fail(err, true)
	}

	if orderNo, err := m.submits.Begin(agentID, order.UniqueID); err != nil {
		// 重复提交不下发，原订单的状态已经（或即将）下发过
		res.OrderNo = orderNo
		return fail(errors.Wrapf(err, "unique_id=%s", order.UniqueID), false)
	}

	lock := m.lockFor(order.Code)
	if err := lock.Lock(ctx); err != nil {
		m.submits.Abort(agentID, order.UniqueID)
		return fail(errors.Wrapf(err, "等待标的锁 %s", order.Code), false)
	}
	defer lock.Unlock()

	date := m.today()
	book := m.book(date, order.Code)

	if existing := findByUniqueID(book, agentID, order.UniqueID); existing != nil {
		res.OrderNo = existing.OrderNo
		res.Order = existing.Clone()
		res.Error = execution.ErrAlreadySubmitted.Error()
		m.submits.Finish(agentID, order.UniqueID, existing.OrderNo)
		orderManagerLog.Warnf("重复提交已登记的订单，忽略: agent=%s unique_id=%s order_no=%s",
			agentID, order.UniqueID, existing.OrderNo)
		return res
	}

	var original *domain.Order
	if order.IsCancel() {
		original = book.IncompletedOrders[agentID][order.OriginalOrderNo]
		if original != nil && order.CancelAll {
			order.Quantity = original.Remaining()
		}
	}

	// 已进入上游提交：断线不能中断它，否则上游可能已受理而本地从未登记
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.SubmitTimeout)
	defer cancel()

	var (
		result *domain.SubmitResult
		err    error
	)
	if order.IsCancel() {
		result, err = m.broker.SubmitCancel(callCtx, order)
	} else {
		result, err = m.broker.SubmitOrder(callCtx, order)
	}
	if err == nil && (result == nil || result.OrderNo == "") {
		err = errors.New("上游未返回订单号")
	}
	if err != nil {
		m.submits.Abort(agentID, order.UniqueID)
		orderManagerLog.WithFields(logrus.Fields{
			"agent":     agentID,
			"code":      order.Code,
			"unique_id": order.UniqueID,
		}).Warnf("上游提交失败: %v", err)
		return fail(errors.Wrap(err, "上游提交失败"), true)
	}

	order.MarkSubmitted(result)
	if clash := findOrder(book, order.OrderNo); clash != nil {
		m.stats.invariantViolations.Add(1)
		m.raiseAlarm(domain.AlarmInvariant, order.Code, order.OrderNo, agentID,
			"上游返回了重复的订单号")
		m.submits.Abort(agentID, order.UniqueID)
		return fail(errors.Wrapf(domain.ErrInvariantViolation, "重复的订单号 %s", order.OrderNo), true)
	}
	m.submits.Finish(agentID, order.UniqueID, order.OrderNo)

	book.mu.Lock()
	if book.IncompletedOrders[agentID] == nil {
		book.IncompletedOrders[agentID] = make(map[string]*domain.Order)
	}
	book.IncompletedOrders[agentID][order.OrderNo] = order
	buffered := book.PendingTrns[order.OrderNo]
	delete(book.PendingTrns, order.OrderNo)
	book.mu.Unlock()
	m.markDirty(date)
	m.stats.submitted.Add(1)

	orderManagerLog.Infof("✅ 订单已登记: agent=%s code=%s order_no=%s kind=%s qty=%d",
		agentID, order.Code, order.OrderNo, order.Kind, order.Quantity)

	if _, derr := m.DispatchHandler(agentID, order.Code, domain.OrderPayload(order)); derr != nil {
		orderManagerLog.Warnf("下发订单状态失败: agent=%s order_no=%s %v", agentID, order.OrderNo, derr)
	}

	// 回放在登记之前到达的回报（按到达顺序）
	for _, n := range buffered {
		if order.Completed {
			m.stats.invariantViolations.Add(1)
			m.raiseAlarm(domain.AlarmInvariant, order.Code, order.OrderNo, agentID,
				"订单完成后仍有缓冲回报")
			continue
		}
		if err := m.applyNoticeLocked(date, book, order, n); err != nil {
			orderManagerLog.Warnf("回放缓冲回报失败: order_no=%s %v", order.OrderNo, err)
		}
	}
	if len(buffered) > 0 {
		orderManagerLog.Infof("回放缓冲回报 %d 条: order_no=%s", len(buffered), order.OrderNo)
	}

	res.OrderNo = order.OrderNo
	res.Submitted = true
	res.Order = order.Clone()
	return res
}

// findOrder 在 incompleted 与 completed 中查找订单（调用方持有标的锁）
func findOrder(book *codeBook, orderNo string) *domain.Order {
	for _, orders := range book.IncompletedOrders {
		if o, ok := orders[orderNo]; ok {
			return o
		}
	}
	for _, orders := range book.CompletedOrders {
		if o, ok := orders[orderNo]; ok {
			return o
		}
	}
	return nil
}

func findByUniqueID(book *codeBook, agentID, uniqueID string) *domain.Order {
	for _, o := range book.IncompletedOrders[agentID] {
		if o.UniqueID == uniqueID {
			return o
		}
	}
	for _, o := range book.CompletedOrders[agentID] {
		if o.UniqueID == uniqueID {
			return o
		}
	}
	return nil
}
