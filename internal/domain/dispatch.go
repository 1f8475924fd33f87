package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PayloadKind 下发内容的类别（封闭集合）
type PayloadKind string

const (
	PayloadOrder   PayloadKind = "order"   // 订单状态更新（提交结果）
	PayloadNotice  PayloadKind = "notice"  // 回报及其应用后的订单状态
	PayloadPrice   PayloadKind = "price"   // 行情快照
	PayloadMessage PayloadKind = "message" // 文本消息
)

// DispatchPayload 下发内容，Kind 决定哪个字段有效
type DispatchPayload struct {
	Kind     PayloadKind    `json:"kind"`
	Order    *Order         `json:"order,omitempty"`
	Original *Order         `json:"original,omitempty"` // 撤单确认时被撤订单的最新状态
	Notice   *Notice        `json:"notice,omitempty"`
	Price    *PriceSnapshot `json:"price,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// Validate 检查 Kind 与字段是否一致
func (p *DispatchPayload) Validate() error {
	if p == nil {
		return errors.Wrap(ErrInvalidPayload, "payload 为空")
	}
	switch p.Kind {
	case PayloadOrder:
		if p.Order == nil {
			return errors.Wrap(ErrInvalidPayload, "order payload 缺少 order")
		}
	case PayloadNotice:
		if p.Notice == nil {
			return errors.Wrap(ErrInvalidPayload, "notice payload 缺少 notice")
		}
	case PayloadPrice:
		if p.Price == nil {
			return errors.Wrap(ErrInvalidPayload, "price payload 缺少 price")
		}
	case PayloadMessage:
	default:
		return errors.Wrapf(ErrInvalidPayload, "未知的 payload 类别: %q", p.Kind)
	}
	return nil
}

// StateChanging 是否需要可靠投递（行情快照不需要 ACK 追踪）
func (p *DispatchPayload) StateChanging() bool {
	switch p.Kind {
	case PayloadOrder, PayloadNotice, PayloadMessage:
		return true
	case PayloadPrice:
		return false
	}
	return false
}

// OrderPayload 构造订单更新
func OrderPayload(o *Order) *DispatchPayload {
	return &DispatchPayload{Kind: PayloadOrder, Order: o.Clone()}
}

// NoticePayload 构造回报下发
func NoticePayload(n *Notice, o *Order, original *Order) *DispatchPayload {
	cp := *n
	return &DispatchPayload{Kind: PayloadNotice, Notice: &cp, Order: o.Clone(), Original: original.Clone()}
}

// PricePayload 构造行情下发
func PricePayload(s *PriceSnapshot) *DispatchPayload {
	return &DispatchPayload{Kind: PayloadPrice, Price: s}
}

// MessagePayload 构造文本消息
func MessagePayload(msg string) *DispatchPayload {
	return &DispatchPayload{Kind: PayloadMessage, Message: msg}
}

// Dispatch 一次需要 ACK 的可靠下发
type Dispatch struct {
	ID        string           `json:"id"`
	Seq       uint64           `json:"seq"` // 同一进程内单调递增，用于重发排序
	AgentID   string           `json:"agent_id"`
	Code      string           `json:"code"`
	Payload   *DispatchPayload `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
	Attempts  int              `json:"attempts"`

	// 最近一次投递所在的会话，不持久化
	SentOn string `json:"-"`
}

// DispatchAck agent 对下发的确认
type DispatchAck struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
}

// PriceSnapshot 行情快照
type PriceSnapshot struct {
	Feed      string          `json:"feed"`
	Code      string          `json:"code"`
	Price     decimal.Decimal `json:"price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}
