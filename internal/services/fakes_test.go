package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/omgate/internal/domain"
)

// fakeSink 记录所有下发的会话
type fakeSink struct {
	agentID  string
	session  string
	endpoint string

	mu         sync.Mutex
	dispatched []domain.Dispatch
	onDispatch func(d domain.Dispatch)
	err        error
}

func newFakeSink(agentID, session string) *fakeSink {
	return &fakeSink{agentID: agentID, session: session, endpoint: "127.0.0.1:" + session}
}

func (s *fakeSink) AgentID() string   { return s.agentID }
func (s *fakeSink) SessionID() string { return s.session }
func (s *fakeSink) Endpoint() string  { return s.endpoint }

func (s *fakeSink) Dispatch(d *domain.Dispatch) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	cp := *d
	s.dispatched = append(s.dispatched, cp)
	hook := s.onDispatch
	s.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (s *fakeSink) all() []domain.Dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Dispatch(nil), s.dispatched...)
}

func (s *fakeSink) count(kind domain.PayloadKind) int {
	n := 0
	for _, d := range s.all() {
		if d.Payload.Kind == kind {
			n++
		}
	}
	return n
}

// autoAck 收到下发后异步 ACK（Dispatch 在 dispatchMu 内被调用，不能同步回调）
func (s *fakeSink) autoAck(m *OrderManager) {
	s.mu.Lock()
	s.onDispatch = func(d domain.Dispatch) {
		if d.Payload.StateChanging() {
			go m.AckReceived(&domain.DispatchAck{ID: d.ID, AgentID: s.agentID})
		}
	}
	s.mu.Unlock()
}

// fakeBroker 顺序分配订单号
type fakeBroker struct {
	mu       sync.Mutex
	next     int
	orderNos []string
	orders   []*domain.Order
	failNext error
	onSubmit func(o *domain.Order, orderNo string)
}

// assign 分配订单号；hook 之后若 ctx 已取消则像真实 HTTP 客户端一样返回错误
func (b *fakeBroker) assign(ctx context.Context, o *domain.Order) (*domain.SubmitResult, error) {
	b.mu.Lock()
	if err := b.failNext; err != nil {
		b.failNext = nil
		b.mu.Unlock()
		return nil, err
	}
	var no string
	if len(b.orderNos) > 0 {
		no, b.orderNos = b.orderNos[0], b.orderNos[1:]
	} else {
		b.next++
		no = fmt.Sprintf("%05d", b.next)
	}
	b.orders = append(b.orders, o.Clone())
	hook := b.onSubmit
	b.mu.Unlock()

	if hook != nil {
		hook(o, no)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.SubmitResult{OrderNo: no, OrgNo: "91234", SubmittedAt: time.Now()}, nil
}

func (b *fakeBroker) SubmitOrder(ctx context.Context, o *domain.Order) (*domain.SubmitResult, error) {
	return b.assign(ctx, o)
}

func (b *fakeBroker) SubmitCancel(ctx context.Context, o *domain.Order) (*domain.SubmitResult, error) {
	return b.assign(ctx, o)
}

func (b *fakeBroker) MaxOrderSize(_ context.Context, _ string, _ domain.Side, price decimal.Decimal) (int64, error) {
	if price.IsZero() {
		return 0, errors.New("price required")
	}
	return decimal.NewFromInt(1_000_000).Div(price).IntPart(), nil
}

func (b *fakeBroker) submittedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// alarmRecorder 收集告警
type alarmRecorder struct {
	mu     sync.Mutex
	alarms []*domain.Alarm
}

func (r *alarmRecorder) RaiseAlarm(_ context.Context, a *domain.Alarm) error {
	r.mu.Lock()
	r.alarms = append(r.alarms, a)
	r.mu.Unlock()
	return nil
}

func (r *alarmRecorder) kinds() []domain.AlarmKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AlarmKind, 0, len(r.alarms))
	for _, a := range r.alarms {
		out = append(out, a.Kind)
	}
	return out
}

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeFeed 记录上游订阅/退订
type fakeFeed struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeFeed) Subscribe(_ context.Context, feed, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, "sub "+feed+"/"+code)
	return nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, feed, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unsub "+feed+"/"+code)
	return nil
}

func (f *fakeFeed) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func marketOrder(uniqueID, code string, qty int64) *domain.Order {
	return &domain.Order{
		UniqueID:  uniqueID,
		Code:      code,
		Side:      domain.SideBuy,
		OrderType: domain.OrderTypeMarket,
		Quantity:  qty,
	}
}

func ackNotice(code, orderNo string) *domain.Notice {
	return &domain.Notice{OrderNo: orderNo, Code: code, AcceptCode: domain.AcceptPlaced, FilledCode: domain.FilledNone}
}

func fillNotice(code, orderNo string, qty int64, price string) *domain.Notice {
	return &domain.Notice{
		OrderNo:    orderNo,
		Code:       code,
		Quantity:   qty,
		Price:      decimal.RequireFromString(price),
		AcceptCode: domain.AcceptPlaced,
		FilledCode: domain.FilledYes,
	}
}

func cancelConfirmNotice(code, orderNo, originalNo string, qty int64) *domain.Notice {
	return &domain.Notice{
		OrderNo:         orderNo,
		OriginalOrderNo: originalNo,
		Code:            code,
		Quantity:        qty,
		AcceptCode:      domain.AcceptConfirmed,
		FilledCode:      domain.FilledNone,
	}
}
