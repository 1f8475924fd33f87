package agentserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/infrastructure/protocol"
	"github.com/betbot/omgate/internal/metrics"
	"github.com/betbot/omgate/internal/ports"
	"github.com/betbot/omgate/internal/services"
)

var handlerLog = logrus.WithField("component", "agent_handler")

// OrderService OrderManager 中会话层需要的部分
type OrderService interface {
	SubmitOrdersAndRegister(ctx context.Context, agentID string, orders []*domain.Order) []services.SubmitOutcome
	GetAgentSync(ctx context.Context, agentID, code, sinceDate string) (*domain.AgentSync, error)
	AgentSyncCompletedLockRelease(ctx context.Context, agentID string) error
	AbortSync(agentID string) bool
	AckReceived(ack *domain.DispatchAck) bool
}

// Registry 在线会话注册表
type Registry interface {
	Add(sink ports.AgentSink) error
	Remove(agentID, sessionID string) bool
}

// Subscriptions 行情订阅管理
type Subscriptions interface {
	Add(ctx context.Context, agentID, feed, code string) error
	Remove(ctx context.Context, agentID, feed, code string) error
	RemoveAgent(ctx context.Context, agentID string)
}

type commandFunc func(ctx context.Context, s *Session, req *protocol.ClientRequest) (any, error)

// HandlerOptions 连接处理参数
type HandlerOptions struct {
	MaxFrameBytes    int
	MaxOutboundQueue int // 0 = 不限
}

// Handler 处理一条 agent 连接：读循环、命令分发与断线清理
type Handler struct {
	opts     HandlerOptions
	orders   OrderService
	agents   Registry
	subs     Subscriptions
	sizer    ports.MaxOrderSizeQuerier
	commands map[protocol.Command]commandFunc
}

// NewHandler 创建连接处理器
func NewHandler(opts HandlerOptions, orders OrderService, agents Registry, subs Subscriptions, sizer ports.MaxOrderSizeQuerier) *Handler {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	h := &Handler{opts: opts, orders: orders, agents: agents, subs: subs, sizer: sizer}
	h.commands = map[protocol.Command]commandFunc{
		protocol.CmdRegisterAgent:       h.cmdRegister,
		protocol.CmdSubmitOrders:        h.cmdSubmitOrders,
		protocol.CmdRequestSync:         h.cmdRequestSync,
		protocol.CmdSyncComplete:        h.cmdSyncComplete,
		protocol.CmdSubscribeMarketData: h.cmdSubscribe,
		protocol.CmdUnsubscribeMarket:   h.cmdUnsubscribe,
		protocol.CmdQueryMaxOrderSize:   h.cmdMaxOrderSize,
	}
	return h
}

// Serve 处理连接直到断开；返回前完成全部清理
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	s := newSession(ctx, conn, h.opts.MaxOutboundQueue)
	s.startWriter()
	metrics.AgentConnections.Add(1)
	handlerLog.Infof("新连接: session=%s remote=%s", s.id, s.remote)

	defer h.cleanup(s)

	reader := bufio.NewReader(conn)
	for {
		frame, err := protocol.ReadFrame(reader, h.opts.MaxFrameBytes)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrEmptyFrame):
				// 长度已知，帧边界完好：回复错误，连接保持
				h.protocolError(s, "", errors.Wrap(protocol.ErrMalformed, err.Error()))
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.ctx.Err() != nil:
				handlerLog.Debugf("连接关闭: session=%s", s.id)
			default:
				handlerLog.Infof("读取失败，断开连接: session=%s %v", s.id, err)
			}
			return
		}
		metrics.FramesIn.Add(1)
		h.handleFrame(s, frame)
	}
}

func (h *Handler) handleFrame(s *Session, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		h.protocolError(s, "", err)
		return
	}

	switch env.Type {
	case protocol.TypeAck:
		// ACK 在读循环内直接处理，不经过请求 goroutine
		ack, err := env.Ack()
		if err != nil {
			h.protocolError(s, "", err)
			return
		}
		if !s.isRegistered() {
			handlerLog.Warnf("未注册会话发送 ACK，忽略: session=%s id=%s", s.id, ack.ID)
			return
		}
		if ack.AgentID == "" {
			ack.AgentID = s.AgentID()
		}
		h.orders.AckReceived(ack)

	case protocol.TypeRequest:
		req, err := env.Request()
		if err != nil {
			id := ""
			if req != nil {
				id = req.RequestID
			}
			h.protocolError(s, id, err)
			return
		}
		// 每个请求独立 goroutine：sync_complete 等待 ACK 时读循环必须继续运行
		s.requests.Add(1)
		go func() {
			defer s.requests.Done()
			h.handleRequest(s, req)
		}()

	default:
		h.protocolError(s, "", errors.Wrapf(protocol.ErrMalformed, "agent 不应发送 %s", env.Type))
	}
}

func (h *Handler) protocolError(s *Session, requestID string, err error) {
	metrics.ProtocolErrors.Add(1)
	handlerLog.Warnf("协议错误: session=%s %v", s.id, err)
	_ = s.Respond(protocol.Fail(requestID, protocol.StatusBadRequest, err))
}

func (h *Handler) handleRequest(s *Session, req *protocol.ClientRequest) {
	defer func() {
		if r := recover(); r != nil {
			handlerLog.Errorf("处理请求 panic: session=%s command=%s %v", s.id, req.Command, r)
			_ = s.Respond(protocol.Fail(req.RequestID, protocol.StatusError, errors.Errorf("internal error: %v", r)))
		}
	}()

	fn, ok := h.commands[req.Command]
	if !ok {
		metrics.ProtocolErrors.Add(1)
		_ = s.Respond(protocol.Fail(req.RequestID, protocol.StatusUnknownCommand,
			errors.Errorf("unknown command %q", req.Command)))
		return
	}
	if req.Command != protocol.CmdRegisterAgent && !s.isRegistered() {
		_ = s.Respond(protocol.Fail(req.RequestID, protocol.StatusNotRegistered,
			errors.New("register_agent required")))
		return
	}

	result, err := fn(s.ctx, s, req)
	if err != nil {
		handlerLog.WithFields(logrus.Fields{
			"session": s.id,
			"agent":   s.AgentID(),
			"command": req.Command,
		}).Infof("请求失败: %v", err)
		_ = s.Respond(protocol.Fail(req.RequestID, statusFor(err), err))
		return
	}
	resp, err := protocol.OK(req.RequestID, result)
	if err != nil {
		_ = s.Respond(protocol.Fail(req.RequestID, protocol.StatusError, err))
		return
	}
	if err := s.Respond(resp); err != nil {
		handlerLog.Debugf("响应入队失败: session=%s %v", s.id, err)
	}
}

func statusFor(err error) protocol.Status {
	switch {
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, domain.ErrInvalidOrder):
		return protocol.StatusBadRequest
	case errors.Is(err, services.ErrAgentAlreadyConnected), errors.Is(err, services.ErrEndpointInUse),
		errors.Is(err, services.ErrSyncInProgress), errors.Is(err, services.ErrNoSyncInProgress):
		return protocol.StatusConflict
	}
	return protocol.StatusError
}

// cleanup 断线清理：等待进行中的请求，释放同步锁，撤销订阅，最后注销会话。
// 注销放在最后，保证清理期间同一 agent 无法以新会话注册。
func (h *Handler) cleanup(s *Session) {
	s.Close()
	s.requests.Wait()
	s.writer.Wait()

	if s.isRegistered() {
		agentID := s.AgentID()
		if h.orders.AbortSync(agentID) {
			handlerLog.Warnf("断线时释放同步锁: agent=%s", agentID)
		}
		if h.subs != nil {
			h.subs.RemoveAgent(context.Background(), agentID)
		}
		h.agents.Remove(agentID, s.id)
	}
	metrics.AgentConnections.Add(-1)
	handlerLog.Infof("会话结束: session=%s agent=%s", s.id, s.AgentID())
}

func (h *Handler) cmdRegister(_ context.Context, s *Session, req *protocol.ClientRequest) (any, error) {
	var body protocol.RegisterAgentRequest
	if err := protocol.DecodePayload(req.Payload, &body); err != nil {
		return nil, err
	}
	body.AgentID = strings.TrimSpace(body.AgentID)
	if body.AgentID == "" {
		return nil, errors.Wrap(protocol.ErrMalformed, "agent_id 不能为空")
	}
	endpoint := strings.TrimSpace(body.Endpoint)
	if endpoint == "" {
		endpoint = s.remote
	}
	if !s.bind(body.AgentID, body.Code, endpoint) {
		return nil, errors.Wrapf(services.ErrAgentAlreadyConnected, "会话已注册为 %s", s.AgentID())
	}
	if err := h.agents.Add(s); err != nil {
		s.unbind()
		metrics.AgentRejected.Add(1)
		return nil, err
	}
	return &protocol.RegisterAgentResponse{SessionID: s.id}, nil
}

func (h *Handler) cmdSubmitOrders(ctx context.Context, s *Session, req *protocol.ClientRequest) (any, error) {
	var body protocol.SubmitOrdersRequest
	if err := protocol.DecodePayload(req.Payload, &body); err != nil {
		return nil, err
	}
	if len(body.Orders) == 0 {
		return nil, errors.Wrap(protocol.ErrMalformed, "orders 为空")
	}
	outcomes := h.orders.SubmitOrdersAndRegister(ctx, s.AgentID(), body.Orders)
	resp := &protocol.SubmitOrdersResponse{Results: make([]protocol.SubmitOrderResult, 0, len(outcomes))}
	for _, o := range outcomes {
		resp.Results = append(resp.Results, protocol.SubmitOrderResult{
			UniqueID:  o.UniqueID,
			OrderNo:   o.OrderNo,
			Submitted: o.Submitted,
			Error:     o.Error,
			Order:     o.Order,
		})
	}
	return resp, nil
}

func (h *Handler) cmdRequestSync(ctx context.Context, s *Session, req *protocol.ClientRequest) (any, error) {
	var body protocol.RequestSyncRequest
	if len(req.Payload) > 0 {
		if err := protocol.DecodePayload(req.Payload, &body); err != nil {
			return nil, err
		}
	}
	code := body.Code
	if code == "" {
		code = s.Code()
	}
	if code == "" {
		return nil, errors.Wrap(protocol.ErrMalformed, "code 不能为空")
	}
	return h.orders.GetAgentSync(ctx, s.AgentID(), code, body.SinceDate)
}

func (h *Handler) cmdSyncComplete(ctx context.Context, s *Session, _ *protocol.ClientRequest) (any, error) {
	if err := h.orders.AgentSyncCompletedLockRelease(ctx, s.AgentID()); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handler) cmdSubscribe(ctx context.Context, s *Session, req *protocol.ClientRequest) (any, error) {
	var body protocol.SubscribeRequest
	if err := protocol.DecodePayload(req.Payload, &body); err != nil {
		return nil, err
	}
	if body.Feed == "" || body.Code == "" {
		return nil, errors.Wrap(protocol.ErrMalformed, "feed 与 code 不能为空")
	}
	return nil, h.subs.Add(ctx, s.AgentID(), body.Feed, body.Code)
}

func (h *Handler) cmdUnsubscribe(ctx context.Context, s *Session, req *protocol.ClientRequest) (any, error) {
	var body protocol.SubscribeRequest
	if err := protocol.DecodePayload(req.Payload, &body); err != nil {
		return nil, err
	}
	return nil, h.subs.Remove(ctx, s.AgentID(), body.Feed, body.Code)
}

func (h *Handler) cmdMaxOrderSize(ctx context.Context, _ *Session, req *protocol.ClientRequest) (any, error) {
	var body protocol.MaxOrderSizeRequest
	if err := protocol.DecodePayload(req.Payload, &body); err != nil {
		return nil, err
	}
	if body.Code == "" || (body.Side != domain.SideBuy && body.Side != domain.SideSell) {
		return nil, errors.Wrap(protocol.ErrMalformed, "code 与 side 必填")
	}
	qty, err := h.sizer.MaxOrderSize(ctx, body.Code, body.Side, body.Price)
	if err != nil {
		return nil, err
	}
	return &protocol.MaxOrderSizeResponse{Code: body.Code, Quantity: qty}, nil
}
