package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"  // 限价
	OrderTypeMarket OrderType = "market" // 市价
	OrderTypeIOC    OrderType = "ioc"    // 立即成交否则撤销
	OrderTypeFOK    OrderType = "fok"    // 全部成交否则撤销
)

// OrderKind 区分普通订单与撤单订单
type OrderKind string

const (
	OrderKindNormal OrderKind = "normal"
	OrderKindCancel OrderKind = "cancel"
)

// Order 订单领域模型
//
// 撤单请求同样以 Order 表示（Kind == OrderKindCancel），通过 OriginalOrderNo 指向被撤订单。
// 数量字段为整数股数，价格与金额使用 decimal 以避免浮点误差。
type Order struct {
	UniqueID  string    `json:"unique_id"`  // agent 侧生成的唯一 ID，用于关联与去重
	OrderNo   string    `json:"order_no"`   // 上游分配的订单号（提交成功前为空）
	OrgNo     string    `json:"org_no"`     // 上游受理机构号
	AgentID   string    `json:"agent_id"`   // 所属 agent
	Code      string    `json:"code"`       // 标的代码
	Kind      OrderKind `json:"kind"`       // normal / cancel
	Side      Side      `json:"side"`       // 买卖方向
	Exchange  string    `json:"exchange"`   // 交易所
	OrderType OrderType `json:"order_type"` // 订单类型

	Quantity  int64           `json:"quantity"`  // 订单数量（撤单确认后会被扣减）
	Price     decimal.Decimal `json:"price"`     // 委托价格（市价单为 0）
	Processed int64           `json:"processed"` // 已处理数量（成交或撤单确认）
	Amount    decimal.Decimal `json:"amount"`    // 累计成交金额
	AvgPrice  decimal.Decimal `json:"avg_price"` // 成交均价
	Fee       decimal.Decimal `json:"fee"`
	Tax       decimal.Decimal `json:"tax"`

	Submitted bool `json:"submitted"`
	Accepted  bool `json:"accepted"`
	Completed bool `json:"completed"`

	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	OriginalOrderNo string `json:"original_order_no,omitempty"` // 撤单：被撤订单号
	CancelAll       bool   `json:"cancel_all,omitempty"`        // 撤单：撤销全部剩余数量

	FailReason string `json:"fail_reason,omitempty"` // 提交失败原因
}

// IsCancel 是否为撤单订单
func (o *Order) IsCancel() bool {
	return o != nil && o.Kind == OrderKindCancel
}

// Remaining 返回尚未处理的数量
func (o *Order) Remaining() int64 {
	if o == nil {
		return 0
	}
	return o.Quantity - o.Processed
}

// Clone 返回深拷贝（decimal 与 time 均为值类型）
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// Validate 在提交前校验订单字段
func (o *Order) Validate() error {
	if o == nil {
		return ErrInvalidOrder
	}
	if o.UniqueID == "" {
		return invalidOrderf("unique_id 不能为空")
	}
	if o.Code == "" {
		return invalidOrderf("code 不能为空: unique_id=%s", o.UniqueID)
	}
	switch o.Kind {
	case OrderKindCancel:
		if o.OriginalOrderNo == "" {
			return invalidOrderf("撤单必须指定 original_order_no: unique_id=%s", o.UniqueID)
		}
		if !o.CancelAll && o.Quantity <= 0 {
			return invalidOrderf("撤单数量必须大于 0: unique_id=%s", o.UniqueID)
		}
	case OrderKindNormal, "":
		if o.Side != SideBuy && o.Side != SideSell {
			return invalidOrderf("未知的买卖方向 %q: unique_id=%s", o.Side, o.UniqueID)
		}
		if o.Quantity <= 0 {
			return invalidOrderf("订单数量必须大于 0: unique_id=%s", o.UniqueID)
		}
		if o.Price.IsNegative() {
			return invalidOrderf("价格不能为负: unique_id=%s", o.UniqueID)
		}
		if o.OrderType == OrderTypeLimit && o.Price.IsZero() {
			return invalidOrderf("限价单价格不能为 0: unique_id=%s", o.UniqueID)
		}
	default:
		return invalidOrderf("未知的订单类别 %q: unique_id=%s", o.Kind, o.UniqueID)
	}
	return nil
}

// SubmitResult 上游受理结果
type SubmitResult struct {
	OrderNo     string    `json:"order_no"`
	OrgNo       string    `json:"org_no"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// MarkSubmitted 记录上游受理结果
func (o *Order) MarkSubmitted(res *SubmitResult) {
	o.OrderNo = res.OrderNo
	o.OrgNo = res.OrgNo
	o.SubmittedAt = res.SubmittedAt
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = time.Now()
	}
	o.Submitted = true
	o.FailReason = ""
}
