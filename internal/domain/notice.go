package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 回报状态码（三个字段联合决定回报类别）
const (
	RefusedYes = "1" // 拒绝

	AcceptPlaced    = "1" // 委托受理
	AcceptConfirmed = "2" // 撤单/改单确认
	AcceptExpired   = "3" // 交易所撤销剩余（IOC/FOK）

	FilledNone = "1" // 非成交类回报
	FilledYes  = "2" // 成交
)

// NoticeKind 回报类别
type NoticeKind string

const (
	NoticeRefused       NoticeKind = "refused"
	NoticePlacementAck  NoticeKind = "placement_ack"
	NoticeCancelConfirm NoticeKind = "cancel_confirm"
	NoticeExpired       NoticeKind = "expired"
	NoticeFill          NoticeKind = "fill"
	NoticeUnknown       NoticeKind = "unknown"
)

// Notice 上游推送的成交/受理回报，不可变，不携带 agent ID
type Notice struct {
	OrderNo         string          `json:"order_no"`
	OriginalOrderNo string          `json:"original_order_no,omitempty"`
	Code            string          `json:"code"`
	Side            Side            `json:"side,omitempty"`
	Quantity        int64           `json:"quantity"` // 成交数量或确认数量
	Price           decimal.Decimal `json:"price"`
	Fee             decimal.Decimal `json:"fee"`
	Tax             decimal.Decimal `json:"tax"`
	RefusedCode     string          `json:"refused_code"`
	AcceptCode      string          `json:"accept_code"`
	FilledCode      string          `json:"filled_code"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// Kind 根据三个状态码对回报分类
func (n *Notice) Kind() NoticeKind {
	if n == nil {
		return NoticeUnknown
	}
	if n.RefusedCode == RefusedYes {
		return NoticeRefused
	}
	switch n.FilledCode {
	case FilledYes:
		return NoticeFill
	case FilledNone:
		switch {
		case n.AcceptCode == AcceptConfirmed:
			return NoticeCancelConfirm
		case n.AcceptCode == AcceptExpired:
			return NoticeExpired
		case n.OriginalOrderNo != "":
			return NoticeCancelConfirm
		case n.AcceptCode == AcceptPlaced:
			return NoticePlacementAck
		}
	}
	return NoticeUnknown
}

// Age 回报在缓冲区中停留的时长
func (n *Notice) Age(now time.Time) time.Duration {
	if n == nil || n.ReceivedAt.IsZero() {
		return 0
	}
	return now.Sub(n.ReceivedAt)
}
