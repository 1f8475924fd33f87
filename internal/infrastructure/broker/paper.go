package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/ports"
)

var paperLog = logrus.WithField("component", "broker_paper")

// ErrUnknownOrder 撤单指向不存在或已结束的订单
var ErrUnknownOrder = errors.New("unknown order")

// PaperConfig 模拟撮合参数
type PaperConfig struct {
	Cash       decimal.Decimal // 可用资金，用于计算最大可下单数量
	FillMarket bool            // 市价单在有参考价时立即全部成交
	Now        func() time.Time
}

type paperOrder struct {
	order     *domain.Order
	remaining int64
}

// Paper 本地模拟券商：顺序分配订单号并通过回调推送回报，同时充当行情源
//
// 限价单在收到穿价行情时按委托价成交；IOC/FOK 无法立即成交时推送交易所撤销。
type Paper struct {
	cfg PaperConfig

	mu      sync.Mutex
	seq     int
	open    map[string]*paperOrder // order_no -> 未结束订单
	last    map[string]decimal.Decimal
	subs    map[feedKey]struct{}
	notices ports.NoticeHandler
	prices  ports.PriceHandler
}

// NewPaper 创建模拟券商
func NewPaper(cfg PaperConfig) *Paper {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Paper{
		cfg:  cfg,
		open: make(map[string]*paperOrder),
		last: make(map[string]decimal.Decimal),
		subs: make(map[feedKey]struct{}),
	}
}

// SetHandlers 注册回报与行情回调
func (p *Paper) SetHandlers(notices ports.NoticeHandler, prices ports.PriceHandler) {
	p.mu.Lock()
	p.notices, p.prices = notices, prices
	p.mu.Unlock()
}

func (p *Paper) nextOrderNo() string {
	p.seq++
	return fmt.Sprintf("%010d", p.seq)
}

// SubmitOrder 受理新订单并推送受理/成交回报
func (p *Paper) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.cfg.Now()

	p.mu.Lock()
	orderNo := p.nextOrderNo()
	po := &paperOrder{order: order.Clone(), remaining: order.Quantity}
	po.order.OrderNo = orderNo
	p.open[orderNo] = po

	out := []*domain.Notice{p.notice(po.order, domain.AcceptPlaced, domain.FilledNone, 0, decimal.Zero, now)}
	out = append(out, p.matchLocked(po, now)...)
	handler := p.notices
	p.mu.Unlock()

	paperLog.Debugf("模拟受理: order_no=%s code=%s %s %s qty=%d", orderNo, order.Code, order.Side, order.OrderType, order.Quantity)
	p.emit(handler, out)
	return &domain.SubmitResult{OrderNo: orderNo, OrgNo: "PAPER", SubmittedAt: now}, nil
}

// SubmitCancel 撤销原订单的剩余数量（CancelAll 或指定数量，取较小者）
func (p *Paper) SubmitCancel(ctx context.Context, cancel *domain.Order) (*domain.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.cfg.Now()

	p.mu.Lock()
	po, ok := p.open[cancel.OriginalOrderNo]
	if !ok {
		p.mu.Unlock()
		return nil, errors.Wrapf(ErrUnknownOrder, "original_order_no=%s", cancel.OriginalOrderNo)
	}
	qty := cancel.Quantity
	if cancel.CancelAll || qty > po.remaining {
		qty = po.remaining
	}
	po.remaining -= qty
	if po.remaining == 0 {
		delete(p.open, cancel.OriginalOrderNo)
	}
	orderNo := p.nextOrderNo()
	n := &domain.Notice{
		OrderNo:         orderNo,
		OriginalOrderNo: cancel.OriginalOrderNo,
		Code:            cancel.Code,
		Quantity:        qty,
		AcceptCode:      domain.AcceptConfirmed,
		FilledCode:      domain.FilledNone,
		ReceivedAt:      now,
	}
	handler := p.notices
	p.mu.Unlock()

	p.emit(handler, []*domain.Notice{n})
	return &domain.SubmitResult{OrderNo: orderNo, OrgNo: "PAPER", SubmittedAt: now}, nil
}

// MaxOrderSize 可用资金 / 价格
func (p *Paper) MaxOrderSize(_ context.Context, code string, _ domain.Side, price decimal.Decimal) (int64, error) {
	if !price.IsPositive() {
		p.mu.Lock()
		last, ok := p.last[code]
		p.mu.Unlock()
		if !ok || !last.IsPositive() {
			return 0, errors.Errorf("没有 %s 的参考价", code)
		}
		price = last
	}
	return p.cfg.Cash.Div(price).IntPart(), nil
}

// Subscribe 实现 ports.MarketFeed
func (p *Paper) Subscribe(_ context.Context, feed, code string) error {
	p.mu.Lock()
	p.subs[feedKey{feed: feed, code: code}] = struct{}{}
	p.mu.Unlock()
	return nil
}

// Unsubscribe 实现 ports.MarketFeed
func (p *Paper) Unsubscribe(_ context.Context, feed, code string) error {
	p.mu.Lock()
	delete(p.subs, feedKey{feed: feed, code: code})
	p.mu.Unlock()
	return nil
}

// PublishPrice 注入一笔行情：更新参考价，撮合挂单，并推送给已订阅的 feed
func (p *Paper) PublishPrice(feed, code string, price decimal.Decimal) {
	now := p.cfg.Now()

	p.mu.Lock()
	p.last[code] = price
	var out []*domain.Notice
	for _, po := range p.open {
		if po.order.Code == code {
			out = append(out, p.matchLocked(po, now)...)
		}
	}
	_, subscribed := p.subs[feedKey{feed: feed, code: code}]
	notices, prices := p.notices, p.prices
	p.mu.Unlock()

	p.emit(notices, out)
	if subscribed && prices != nil {
		prices.OnPrice(feed, code, &domain.PriceSnapshot{Feed: feed, Code: code, Price: price, Timestamp: now})
	}
}

// OpenOrders 未结束订单数
func (p *Paper) OpenOrders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

// matchLocked 按当前参考价撮合 po，返回需要推送的回报（调用方持锁）
func (p *Paper) matchLocked(po *paperOrder, now time.Time) []*domain.Notice {
	o := po.order
	if po.remaining == 0 {
		return nil
	}
	last, known := p.last[o.Code]

	var fillAt decimal.Decimal
	switch o.OrderType {
	case domain.OrderTypeMarket:
		if !p.cfg.FillMarket {
			return nil
		}
		switch {
		case known:
			fillAt = last
		case o.Price.IsPositive():
			fillAt = o.Price
		default:
			return nil
		}
	default:
		if known && crosses(o.Side, o.Price, last) {
			fillAt = o.Price
		}
	}

	if fillAt.IsZero() {
		if o.OrderType == domain.OrderTypeIOC || o.OrderType == domain.OrderTypeFOK {
			po.remaining = 0
			delete(p.open, o.OrderNo)
			return []*domain.Notice{p.notice(o, domain.AcceptExpired, domain.FilledNone, 0, decimal.Zero, now)}
		}
		return nil
	}

	qty := po.remaining
	po.remaining = 0
	delete(p.open, o.OrderNo)
	return []*domain.Notice{p.notice(o, domain.AcceptPlaced, domain.FilledYes, qty, fillAt, now)}
}

func crosses(side domain.Side, limit, last decimal.Decimal) bool {
	if side == domain.SideBuy {
		return last.LessThanOrEqual(limit)
	}
	return last.GreaterThanOrEqual(limit)
}

func (p *Paper) notice(o *domain.Order, accept, filled string, qty int64, price decimal.Decimal, now time.Time) *domain.Notice {
	return &domain.Notice{
		OrderNo:    o.OrderNo,
		Code:       o.Code,
		Side:       o.Side,
		Quantity:   qty,
		Price:      price,
		AcceptCode: accept,
		FilledCode: filled,
		ReceivedAt: now,
	}
}

func (p *Paper) emit(handler ports.NoticeHandler, notices []*domain.Notice) {
	if handler == nil {
		return
	}
	for _, n := range notices {
		handler.OnNotice(n)
	}
}

var (
	_ ports.Broker     = (*Paper)(nil)
	_ ports.MarketFeed = (*Paper)(nil)
)
