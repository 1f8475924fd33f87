package protocol

import (
	"github.com/shopspring/decimal"

	"github.com/betbot/omgate/internal/domain"
)

// RegisterAgentRequest register_agent
type RegisterAgentRequest struct {
	AgentID  string `json:"agent_id"`
	Code     string `json:"code"`     // agent 负责的标的，request_sync 默认使用
	Endpoint string `json:"endpoint"` // 回调地址，为空时使用连接的远端地址
}

// RegisterAgentResponse 注册结果
type RegisterAgentResponse struct {
	SessionID string `json:"session_id"`
}

// SubmitOrdersRequest submit_orders
type SubmitOrdersRequest struct {
	Orders []*domain.Order `json:"orders"`
}

// SubmitOrderResult 单个订单的提交结果
type SubmitOrderResult struct {
	UniqueID  string        `json:"unique_id"`
	OrderNo   string        `json:"order_no,omitempty"`
	Submitted bool          `json:"submitted"`
	Error     string        `json:"error,omitempty"`
	Order     *domain.Order `json:"order,omitempty"`
}

// SubmitOrdersResponse 按请求顺序返回
type SubmitOrdersResponse struct {
	Results []SubmitOrderResult `json:"results"`
}

// RequestSyncRequest request_sync
type RequestSyncRequest struct {
	Code      string `json:"code,omitempty"`       // 为空时使用注册时的标的
	SinceDate string `json:"since_date,omitempty"` // yyyymmdd，为空只取当日
}

// SubscribeRequest subscribe_market_data / unsubscribe_market_data
type SubscribeRequest struct {
	Feed string `json:"feed"`
	Code string `json:"code"`
}

// MaxOrderSizeRequest query_max_order_size
type MaxOrderSizeRequest struct {
	Code  string          `json:"code"`
	Side  domain.Side     `json:"side"`
	Price decimal.Decimal `json:"price"`
}

// MaxOrderSizeResponse 最大可下单数量
type MaxOrderSizeResponse struct {
	Code     string `json:"code"`
	Quantity int64  `json:"quantity"`
}
