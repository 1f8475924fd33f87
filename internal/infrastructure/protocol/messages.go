package protocol

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/betbot/omgate/internal/domain"
)

// MessageType 信封类型
type MessageType string

const (
	TypeRequest  MessageType = "request"  // agent -> 网关
	TypeResponse MessageType = "response" // 网关 -> agent，对应某个 request_id
	TypeDispatch MessageType = "dispatch" // 网关 -> agent，需要 ACK
	TypeAck      MessageType = "ack"      // agent -> 网关
)

// Command 请求命令
type Command string

const (
	CmdRegisterAgent       Command = "register_agent"
	CmdSubmitOrders        Command = "submit_orders"
	CmdRequestSync         Command = "request_sync"
	CmdSyncComplete        Command = "sync_complete"
	CmdSubscribeMarketData Command = "subscribe_market_data"
	CmdUnsubscribeMarket   Command = "unsubscribe_market_data"
	CmdQueryMaxOrderSize   Command = "query_max_order_size"
)

// Status 响应状态
type Status string

const (
	StatusOK             Status = "ok"
	StatusBadRequest     Status = "bad_request"
	StatusUnknownCommand Status = "unknown_command"
	StatusNotRegistered  Status = "not_registered"
	StatusConflict       Status = "conflict"
	StatusError          Status = "error"
)

// ErrMalformed 无法解析的消息（协议错误，连接保持）
var ErrMalformed = errors.New("malformed message")

// Envelope 每一帧的外层结构
type Envelope struct {
	Type MessageType     `json:"type"`
	Body json.RawMessage `json:"body"`
}

// ClientRequest agent 请求
type ClientRequest struct {
	RequestID string          `json:"request_id"`
	Command   Command         `json:"command"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ServerResponse 网关响应
type ServerResponse struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OMDispatch 网关下发，agent 处理后以 DispatchAck 确认
type OMDispatch struct {
	ID        string                  `json:"id"`
	Seq       uint64                  `json:"seq"`
	Code      string                  `json:"code"`
	Attempts  int                     `json:"attempts"`
	CreatedAt time.Time               `json:"created_at"`
	Payload   *domain.DispatchPayload `json:"payload"`
}

// FromDispatch 转换为线上格式
func FromDispatch(d *domain.Dispatch) *OMDispatch {
	return &OMDispatch{
		ID:        d.ID,
		Seq:       d.Seq,
		Code:      d.Code,
		Attempts:  d.Attempts,
		CreatedAt: d.CreatedAt,
		Payload:   d.Payload,
	}
}

// NewRequest 构造请求并生成 request_id
func NewRequest(cmd Command, payload any) (*ClientRequest, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &ClientRequest{RequestID: uuid.NewString(), Command: cmd, Payload: raw}, nil
}

// OK 构造成功响应
func OK(requestID string, payload any) (*ServerResponse, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &ServerResponse{RequestID: requestID, Success: true, Status: StatusOK, Payload: raw}, nil
}

// Fail 构造失败响应
func Fail(requestID string, status Status, err error) *ServerResponse {
	resp := &ServerResponse{RequestID: requestID, Success: false, Status: status}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// DecodePayload 将请求/响应的 payload 解析到 v
func DecodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.Wrap(ErrMalformed, "payload 为空")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(ErrMalformed, "payload: %v", err)
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "序列化 payload 失败")
	}
	return raw, nil
}

// Encode 把消息包进信封并序列化
func Encode(t MessageType, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "序列化 %s 失败", t)
	}
	return json.Marshal(&Envelope{Type: t, Body: raw})
}

// Decode 解析信封
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "envelope: %v", err)
	}
	switch env.Type {
	case TypeRequest, TypeResponse, TypeDispatch, TypeAck:
	default:
		return nil, errors.Wrapf(ErrMalformed, "未知的消息类型 %q", env.Type)
	}
	if len(env.Body) == 0 {
		return nil, errors.Wrapf(ErrMalformed, "%s 缺少 body", env.Type)
	}
	return &env, nil
}

// Request 解析请求体
func (e *Envelope) Request() (*ClientRequest, error) {
	var req ClientRequest
	if err := json.Unmarshal(e.Body, &req); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "request: %v", err)
	}
	if req.Command == "" {
		return &req, errors.Wrap(ErrMalformed, "request 缺少 command")
	}
	return &req, nil
}

// Response 解析响应体
func (e *Envelope) Response() (*ServerResponse, error) {
	var resp ServerResponse
	if err := json.Unmarshal(e.Body, &resp); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "response: %v", err)
	}
	return &resp, nil
}

// Dispatch 解析下发体
func (e *Envelope) Dispatch() (*OMDispatch, error) {
	var d OMDispatch
	if err := json.Unmarshal(e.Body, &d); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "dispatch: %v", err)
	}
	return &d, nil
}

// Ack 解析确认体
func (e *Envelope) Ack() (*domain.DispatchAck, error) {
	var ack domain.DispatchAck
	if err := json.Unmarshal(e.Body, &ack); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "ack: %v", err)
	}
	if ack.ID == "" {
		return nil, errors.Wrap(ErrMalformed, "ack 缺少 id")
	}
	return &ack, nil
}
