package domain

import "time"

// DateLayout 交易日分区键格式
const DateLayout = "20060102"

// AgentSync 重连同步快照
type AgentSync struct {
	Date            string               `json:"date"`
	Code            string               `json:"code"`
	PrevIncompleted map[string]*Order    `json:"prev_incompleted"` // 往日未完成订单（冻结，仅供 agent 对账）
	Incompleted     map[string]*Order    `json:"incompleted"`
	Completed       map[string]*Order    `json:"completed"`
	PendingTrns     map[string][]*Notice `json:"pending_trns"`
}

// NewAgentSync 创建空快照
func NewAgentSync(date, code string) *AgentSync {
	return &AgentSync{
		Date:            date,
		Code:            code,
		PrevIncompleted: make(map[string]*Order),
		Incompleted:     make(map[string]*Order),
		Completed:       make(map[string]*Order),
		PendingTrns:     make(map[string][]*Notice),
	}
}

// AlarmKind 告警类别
type AlarmKind string

const (
	AlarmInvariant   AlarmKind = "invariant_violation"
	AlarmRefused     AlarmKind = "order_refused"
	AlarmStaleNotice AlarmKind = "stale_pending_notice"
	AlarmPersistence AlarmKind = "persistence_failure"
	AlarmSyncTimeout AlarmKind = "sync_timeout"
	AlarmProtocol    AlarmKind = "protocol_error"
	AlarmBacklog     AlarmKind = "pending_backlog"
)

// Alarm 运营告警，只记录不自动处理
type Alarm struct {
	ID      int64     `json:"id,omitempty"`
	Kind    AlarmKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	OrderNo string    `json:"order_no,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	AckedAt time.Time `json:"acked_at,omitempty"` // 运维确认时间，零值表示未确认
}
