package broker

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/ports"
	"github.com/betbot/omgate/pkg/ratelimit"
)

var restLog = logrus.WithField("component", "broker_rest")

const (
	pathOrders       = "/orders"
	pathCancel       = "/orders/cancel"
	pathMaxOrderSize = "/orders/max-size"
)

// ErrUpstreamRejected 上游以非 2xx 拒绝请求
var ErrUpstreamRejected = errors.New("upstream rejected request")

// RESTConfig 上游 REST 连接参数
type RESTConfig struct {
	BaseURL       string
	AppKey        string
	AppSecret     string
	AccessToken   string
	Account       string
	RatePerSecond float64
	Timeout       time.Duration
}

// RESTClient 通过 REST 下单/撤单/查询可下单数量，实现 ports.Broker
type RESTClient struct {
	cfg    RESTConfig
	client *resty.Client
	limits *ratelimit.Manager
}

// NewRESTClient 创建 REST 客户端
func NewRESTClient(cfg RESTConfig) *RESTClient {
	host := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	// 下单请求不自动重试：上游可能已受理，重试会造成重复下单
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(cfg.Timeout).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "omgate")

	var bucket ratelimit.RateLimiter = ratelimit.Unlimited{}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		bucket = ratelimit.NewTokenBucket(burst, cfg.RatePerSecond)
	}
	// 下单与撤单共用一个额度，查询单独计数
	limits := ratelimit.NewManager(bucket)
	if cfg.RatePerSecond > 0 {
		limits.Register(pathMaxOrderSize, ratelimit.NewTokenBucket(2, cfg.RatePerSecond/2))
	}
	return &RESTClient{cfg: cfg, client: client, limits: limits}
}

type orderRequest struct {
	Account         string           `json:"account"`
	Code            string           `json:"code"`
	Side            domain.Side      `json:"side,omitempty"`
	OrderType       domain.OrderType `json:"order_type,omitempty"`
	Exchange        string           `json:"exchange,omitempty"`
	Quantity        int64            `json:"quantity"`
	Price           decimal.Decimal  `json:"price"`
	OriginalOrderNo string           `json:"original_order_no,omitempty"`
	CancelAll       bool             `json:"cancel_all,omitempty"`
	ClientID        string           `json:"client_id"`
}

type orderResponse struct {
	OrderNo     string    `json:"order_no"`
	OrgNo       string    `json:"org_no"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type maxSizeResponse struct {
	Quantity int64 `json:"quantity"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *RESTClient) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R().SetContext(ctx)
	if c.cfg.AppKey != "" {
		r.SetHeader("appkey", c.cfg.AppKey)
		r.SetHeader("appsecret", c.cfg.AppSecret)
	}
	if c.cfg.AccessToken != "" {
		r.SetAuthToken(c.cfg.AccessToken)
	}
	return r
}

// SubmitOrder 提交新订单
func (c *RESTClient) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.SubmitResult, error) {
	return c.post(ctx, pathOrders, &orderRequest{
		Account:   c.cfg.Account,
		Code:      order.Code,
		Side:      order.Side,
		OrderType: order.OrderType,
		Exchange:  order.Exchange,
		Quantity:  order.Quantity,
		Price:     order.Price,
		ClientID:  order.UniqueID,
	})
}

// SubmitCancel 提交撤单
func (c *RESTClient) SubmitCancel(ctx context.Context, cancel *domain.Order) (*domain.SubmitResult, error) {
	return c.post(ctx, pathCancel, &orderRequest{
		Account:         c.cfg.Account,
		Code:            cancel.Code,
		Exchange:        cancel.Exchange,
		Quantity:        cancel.Quantity,
		OriginalOrderNo: cancel.OriginalOrderNo,
		CancelAll:       cancel.CancelAll,
		ClientID:        cancel.UniqueID,
	})
}

func (c *RESTClient) post(ctx context.Context, path string, body *orderRequest) (*domain.SubmitResult, error) {
	if err := c.limits.Wait(ctx, path); err != nil {
		return nil, errors.Wrap(err, "等待限流")
	}
	var out orderResponse
	resp, err := c.newRequest(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err := checkResponse(resp, err); err != nil {
		restLog.Warnf("上游请求失败: %s code=%s client_id=%s %v", path, body.Code, body.ClientID, err)
		return nil, err
	}
	if out.OrderNo == "" {
		return nil, errors.Wrapf(ErrUpstreamRejected, "%s: 响应缺少 order_no", path)
	}
	return &domain.SubmitResult{OrderNo: out.OrderNo, OrgNo: out.OrgNo, SubmittedAt: out.SubmittedAt}, nil
}

// MaxOrderSize 查询给定价格下的最大可下单数量
func (c *RESTClient) MaxOrderSize(ctx context.Context, code string, side domain.Side, price decimal.Decimal) (int64, error) {
	if err := c.limits.Wait(ctx, pathMaxOrderSize); err != nil {
		return 0, errors.Wrap(err, "等待限流")
	}
	var out maxSizeResponse
	resp, err := c.newRequest(ctx).
		SetQueryParams(map[string]string{
			"account": c.cfg.Account,
			"code":    code,
			"side":    string(side),
			"price":   price.String(),
		}).
		SetResult(&out).
		Get(pathMaxOrderSize)
	if err := checkResponse(resp, err); err != nil {
		return 0, err
	}
	return out.Quantity, nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return errors.Wrap(err, "请求上游失败")
	}
	if resp.IsSuccess() {
		return nil
	}
	var body errorResponse
	if jerr := json.Unmarshal(resp.Body(), &body); jerr != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(resp.Body()))
	}
	if body.Message == "" {
		body.Message = http.StatusText(resp.StatusCode())
	}
	status := strconv.Itoa(resp.StatusCode())
	if body.Code != "" {
		status += "/" + body.Code
	}
	return errors.Wrapf(ErrUpstreamRejected, "%s %s", status, body.Message)
}

var _ ports.Broker = (*RESTClient)(nil)
