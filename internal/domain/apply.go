package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Apply 将一条回报应用到订单上（核心状态迁移函数）。
//
// original 仅在撤单确认时需要：撤单订单本身完成，同时扣减被撤订单的数量。
// 任何返回错误的情况下 order 与 original 均保持不变。
// 同一条回报只能应用一次，由调用方在标的锁内保证。
func Apply(order *Order, notice *Notice, original *Order) error {
	if order == nil || notice == nil {
		return violationf("order 或 notice 为空")
	}
	if order.Completed {
		return violationf("订单已完成，拒绝再次应用回报: order_no=%s kind=%s", order.OrderNo, notice.Kind())
	}

	switch notice.Kind() {
	case NoticeRefused:
		return errors.Wrapf(ErrOrderRefused, "order_no=%s", order.OrderNo)

	case NoticePlacementAck:
		order.Accepted = true
		return nil

	case NoticeCancelConfirm:
		return applyCancelConfirm(order, notice, original)

	case NoticeExpired:
		if order.IsCancel() {
			return violationf("撤单订单收到交易所撤销回报: order_no=%s", order.OrderNo)
		}
		order.Accepted = true
		order.Quantity = order.Processed
		complete(order, notice.ReceivedAt)
		return nil

	case NoticeFill:
		return applyFill(order, notice)

	case NoticeUnknown:
		return errors.Wrapf(ErrUnknownNotice, "order_no=%s refused=%q accept=%q filled=%q",
			notice.OrderNo, notice.RefusedCode, notice.AcceptCode, notice.FilledCode)
	}
	return errors.Wrapf(ErrUnknownNotice, "order_no=%s", notice.OrderNo)
}

func applyCancelConfirm(cancel *Order, notice *Notice, original *Order) error {
	if !cancel.IsCancel() {
		return violationf("撤单确认指向了非撤单订单: order_no=%s", cancel.OrderNo)
	}
	if original == nil {
		return violationf("撤单确认找不到原订单: order_no=%s original=%s", cancel.OrderNo, cancel.OriginalOrderNo)
	}
	if original.Completed {
		return violationf("原订单已完成，无法撤单: order_no=%s original=%s", cancel.OrderNo, original.OrderNo)
	}
	confirmed := notice.Quantity
	if confirmed < 0 {
		return violationf("撤单确认数量为负: order_no=%s qty=%d", cancel.OrderNo, confirmed)
	}
	remaining := original.Quantity - confirmed
	if remaining < 0 || remaining < original.Processed {
		return violationf("撤单后原订单数量下溢: original=%s quantity=%d processed=%d confirmed=%d",
			original.OrderNo, original.Quantity, original.Processed, confirmed)
	}

	cancel.Accepted = true
	cancel.Quantity = confirmed
	cancel.Processed = confirmed
	complete(cancel, notice.ReceivedAt)

	original.Quantity = remaining
	if original.Quantity == original.Processed {
		complete(original, notice.ReceivedAt)
	}
	return nil
}

func applyFill(order *Order, notice *Notice) error {
	if order.IsCancel() {
		return violationf("撤单订单收到成交回报: order_no=%s", order.OrderNo)
	}
	qty := notice.Quantity
	if qty <= 0 {
		return violationf("成交数量必须大于 0: order_no=%s qty=%d", order.OrderNo, qty)
	}
	if order.Processed+qty > order.Quantity {
		return violationf("成交数量超过订单数量: order_no=%s quantity=%d processed=%d fill=%d",
			order.OrderNo, order.Quantity, order.Processed, qty)
	}

	order.Accepted = true
	order.Processed += qty
	order.Amount = order.Amount.Add(notice.Price.Mul(decimal.NewFromInt(qty)))
	order.Fee = order.Fee.Add(notice.Fee)
	order.Tax = order.Tax.Add(notice.Tax)
	order.AvgPrice = order.Amount.Div(decimal.NewFromInt(order.Processed))
	if order.Processed == order.Quantity {
		complete(order, notice.ReceivedAt)
	}
	return nil
}

func complete(o *Order, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	o.Completed = true
	o.CompletedAt = at
}
