package broker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/omgate/internal/domain"
)

type recordedRequest struct {
	method string
	path   string
	auth   string
	appKey string
	query  map[string]string
	body   orderRequest
}

func newUpstream(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			appKey: r.Header.Get("appkey"),
			query:  map[string]string{},
		}
		for k := range r.URL.Query() {
			rec.query[k] = r.URL.Query().Get(k)
		}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.body)
		}
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handle(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), got...)
	}
}

func TestRESTClient_SubmitOrderAndCancel(t *testing.T) {
	srv, requests := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathOrders:
			_, _ = w.Write([]byte(`{"order_no":"0000012345","org_no":"91252"}`))
		case pathCancel:
			_, _ = w.Write([]byte(`{"order_no":"0000012346","org_no":"91252"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := NewRESTClient(RESTConfig{BaseURL: srv.URL + "/", AppKey: "key", AppSecret: "secret", AccessToken: "tok", Account: "5000-01"})

	res, err := c.SubmitOrder(context.Background(), &domain.Order{
		UniqueID: "u1", Code: "005930", Side: domain.SideBuy, OrderType: domain.OrderTypeLimit,
		Quantity: 10, Price: decimal.RequireFromString("70100"),
	})
	require.NoError(t, err)
	assert.Equal(t, "0000012345", res.OrderNo)
	assert.Equal(t, "91252", res.OrgNo)

	res, err = c.SubmitCancel(context.Background(), &domain.Order{
		UniqueID: "u2", Code: "005930", Kind: domain.OrderKindCancel, OriginalOrderNo: "0000012345", CancelAll: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "0000012346", res.OrderNo)

	reqs := requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "Bearer tok", reqs[0].auth)
	assert.Equal(t, "key", reqs[0].appKey)
	assert.Equal(t, "5000-01", reqs[0].body.Account)
	assert.Equal(t, "u1", reqs[0].body.ClientID)
	assert.True(t, reqs[0].body.Price.Equal(decimal.RequireFromString("70100")))
	assert.Equal(t, "0000012345", reqs[1].body.OriginalOrderNo)
	assert.True(t, reqs[1].body.CancelAll)
}

func TestRESTClient_Errors(t *testing.T) {
	srv, requests := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathOrders:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"APBK0919","message":"주문가능금액 부족"}`))
		case pathCancel:
			_, _ = w.Write([]byte(`{}`))
		}
	})
	c := NewRESTClient(RESTConfig{BaseURL: srv.URL})

	_, err := c.SubmitOrder(context.Background(), &domain.Order{UniqueID: "u1", Code: "005930", Quantity: 1})
	require.ErrorIs(t, err, ErrUpstreamRejected)
	assert.Contains(t, err.Error(), "400/APBK0919")
	assert.Contains(t, err.Error(), "주문가능금액 부족")

	// 2xx 但没有订单号同样视为失败
	_, err = c.SubmitCancel(context.Background(), &domain.Order{UniqueID: "u2", Code: "005930", OriginalOrderNo: "1"})
	require.ErrorIs(t, err, ErrUpstreamRejected)

	assert.Len(t, requests(), 2, "失败的下单不自动重试")
	assert.Empty(t, requests()[0].auth)
}

func TestRESTClient_MaxOrderSize(t *testing.T) {
	srv, requests := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quantity":42}`))
	})
	c := NewRESTClient(RESTConfig{BaseURL: srv.URL, Account: "5000-01", RatePerSecond: 20})

	qty, err := c.MaxOrderSize(context.Background(), "005930", domain.SideSell, decimal.RequireFromString("70100.5"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), qty)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].method)
	assert.Equal(t, pathMaxOrderSize, reqs[0].path)
	assert.Equal(t, "sell", reqs[0].query["side"])
	assert.Equal(t, "70100.5", reqs[0].query["price"])
}

func TestRESTClient_RateLimitHonoursContext(t *testing.T) {
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"order_no":"1"}`))
	})
	c := NewRESTClient(RESTConfig{BaseURL: srv.URL, RatePerSecond: 0.001})

	order := &domain.Order{UniqueID: "u1", Code: "005930", Quantity: 1}
	_, err := c.SubmitOrder(context.Background(), order)
	require.NoError(t, err, "桶初始为满")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.SubmitOrder(ctx, order)
	require.ErrorIs(t, err, context.Canceled)
}
