package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/omgate/internal/domain"
)

func newPaper(fillMarket bool) (*Paper, *noticeRecorder) {
	p := NewPaper(PaperConfig{Cash: decimal.NewFromInt(10_000_000), FillMarket: fillMarket})
	rec := &noticeRecorder{}
	p.SetHandlers(rec, rec)
	return p, rec
}

func (r *noticeRecorder) kinds() []domain.NoticeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.NoticeKind, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Kind())
	}
	return out
}

func TestPaper_MarketOrderAckThenFill(t *testing.T) {
	p, rec := newPaper(true)
	p.PublishPrice("trade", "005930", decimal.NewFromInt(70000))

	res, err := p.SubmitOrder(context.Background(), &domain.Order{
		UniqueID: "u1", Code: "005930", Side: domain.SideBuy, OrderType: domain.OrderTypeMarket, Quantity: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "0000000001", res.OrderNo)

	assert.Equal(t, []domain.NoticeKind{domain.NoticePlacementAck, domain.NoticeFill}, rec.kinds())
	fill := rec.notices[1]
	assert.Equal(t, res.OrderNo, fill.OrderNo)
	assert.Equal(t, int64(10), fill.Quantity)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(70000)))
	assert.Equal(t, 0, p.OpenOrders())

	_, prices := rec.counts()
	assert.Zero(t, prices, "未订阅的行情不推送")
}

func TestPaper_LimitOrderFillsOnCross(t *testing.T) {
	p, rec := newPaper(true)
	require.NoError(t, p.Subscribe(context.Background(), "trade", "005930"))

	res, err := p.SubmitOrder(context.Background(), &domain.Order{
		UniqueID: "u1", Code: "005930", Side: domain.SideBuy, OrderType: domain.OrderTypeLimit,
		Quantity: 5, Price: decimal.NewFromInt(69000),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.OpenOrders())

	p.PublishPrice("trade", "005930", decimal.NewFromInt(69500))
	assert.Equal(t, []domain.NoticeKind{domain.NoticePlacementAck}, rec.kinds())

	p.PublishPrice("trade", "005930", decimal.NewFromInt(68900))
	assert.Equal(t, []domain.NoticeKind{domain.NoticePlacementAck, domain.NoticeFill}, rec.kinds())
	assert.True(t, rec.notices[1].Price.Equal(decimal.NewFromInt(69000)), "按委托价成交")
	assert.Equal(t, res.OrderNo, rec.notices[1].OrderNo)

	_, prices := rec.counts()
	assert.Equal(t, 2, prices)
}

func TestPaper_CancelAndIOC(t *testing.T) {
	p, rec := newPaper(false)

	res, err := p.SubmitOrder(context.Background(), &domain.Order{
		UniqueID: "u1", Code: "005930", Side: domain.SideSell, OrderType: domain.OrderTypeLimit,
		Quantity: 10, Price: decimal.NewFromInt(80000),
	})
	require.NoError(t, err)

	_, err = p.SubmitCancel(context.Background(), &domain.Order{
		UniqueID: "c1", Code: "005930", Kind: domain.OrderKindCancel, OriginalOrderNo: res.OrderNo, Quantity: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.OpenOrders())

	_, err = p.SubmitCancel(context.Background(), &domain.Order{
		UniqueID: "c2", Code: "005930", Kind: domain.OrderKindCancel, OriginalOrderNo: res.OrderNo, CancelAll: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, p.OpenOrders())

	rec.mu.Lock()
	require.Len(t, rec.notices, 3)
	assert.Equal(t, int64(4), rec.notices[1].Quantity)
	assert.Equal(t, int64(6), rec.notices[2].Quantity)
	assert.Equal(t, res.OrderNo, rec.notices[2].OriginalOrderNo)
	rec.mu.Unlock()
	assert.Equal(t, domain.NoticeCancelConfirm, rec.kinds()[2])

	_, err = p.SubmitCancel(context.Background(), &domain.Order{
		UniqueID: "c3", Code: "005930", Kind: domain.OrderKindCancel, OriginalOrderNo: res.OrderNo, CancelAll: true,
	})
	require.ErrorIs(t, err, ErrUnknownOrder)

	_, err = p.SubmitOrder(context.Background(), &domain.Order{
		UniqueID: "u2", Code: "000660", Side: domain.SideBuy, OrderType: domain.OrderTypeIOC,
		Quantity: 3, Price: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	kinds := rec.kinds()
	assert.Equal(t, domain.NoticeExpired, kinds[len(kinds)-1])
}

func TestPaper_MaxOrderSize(t *testing.T) {
	p, _ := newPaper(true)
	qty, err := p.MaxOrderSize(context.Background(), "005930", domain.SideBuy, decimal.NewFromInt(70000))
	require.NoError(t, err)
	assert.Equal(t, int64(142), qty)

	_, err = p.MaxOrderSize(context.Background(), "005930", domain.SideBuy, decimal.Zero)
	require.Error(t, err)

	p.PublishPrice("trade", "005930", decimal.NewFromInt(50000))
	qty, err = p.MaxOrderSize(context.Background(), "005930", domain.SideBuy, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, int64(200), qty)
}
