package broker

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/metrics"
	"github.com/betbot/omgate/internal/ports"
)

var feedLog = logrus.WithField("component", "broker_feed")

// ErrFeedClosed feed 已关闭
var ErrFeedClosed = errors.New("feed closed")

// 上游推送/请求的消息类型
const (
	msgAuth        = "auth"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgNotice      = "notice"
	msgPrice       = "price"
	msgError       = "error"
)

// FeedConfig 上游 WebSocket 参数
type FeedConfig struct {
	URL          string
	AppKey       string
	AppSecret    string
	AccessToken  string
	ProxyURL     string
	PingInterval time.Duration
	PongTimeout  time.Duration
	RedialMin    time.Duration
	RedialMax    time.Duration
}

func (c *FeedConfig) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 3 * c.PingInterval
	}
	if c.RedialMin <= 0 {
		c.RedialMin = 500 * time.Millisecond
	}
	if c.RedialMax <= 0 {
		c.RedialMax = 30 * time.Second
	}
}

type feedKey struct {
	feed string
	code string
}

type feedMessage struct {
	Type      string                `json:"type"`
	Feed      string                `json:"feed,omitempty"`
	Code      string                `json:"code,omitempty"`
	AppKey    string                `json:"appkey,omitempty"`
	AppSecret string                `json:"appsecret,omitempty"`
	Token     string                `json:"token,omitempty"`
	Notice    *domain.Notice        `json:"notice,omitempty"`
	Price     *domain.PriceSnapshot `json:"price,omitempty"`
	Message   string                `json:"message,omitempty"`
}

// Feed 上游回报/行情 WebSocket 客户端
//
// 断线后按指数退避重连，重连成功后重新认证并补发全部订阅。
// 回报与行情在读 goroutine 内直接回调，handler 不得阻塞。
type Feed struct {
	cfg    FeedConfig
	dialer websocket.Dialer

	notices ports.NoticeHandler
	prices  ports.PriceHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[feedKey]struct{}
	closed  bool
	started bool
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed 创建 feed；SetHandlers 之后再 Start
func NewFeed(cfg FeedConfig) *Feed {
	cfg.setDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment}
	if cfg.ProxyURL != "" {
		if u, err := url.Parse(cfg.ProxyURL); err == nil {
			dialer.Proxy = http.ProxyURL(u)
		} else {
			feedLog.Warnf("解析代理 URL 失败: %v，使用环境变量代理", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		cfg:    cfg,
		dialer: dialer,
		subs:   make(map[feedKey]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandlers 注册回报与行情回调
func (f *Feed) SetHandlers(notices ports.NoticeHandler, prices ports.PriceHandler) {
	f.mu.Lock()
	f.notices, f.prices = notices, prices
	f.mu.Unlock()
}

// Start 启动连接循环（非阻塞，首次连接失败同样进入重连）
func (f *Feed) Start() {
	f.mu.Lock()
	if f.started || f.closed {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run()
	}()
}

// Connected 当前是否在线
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

// Subscribe 登记订阅；在线时立即发送，离线时在重连后补发
func (f *Feed) Subscribe(_ context.Context, feed, code string) error {
	return f.changeSubscription(msgSubscribe, feed, code)
}

// Unsubscribe 撤销订阅
func (f *Feed) Unsubscribe(_ context.Context, feed, code string) error {
	return f.changeSubscription(msgUnsubscribe, feed, code)
}

func (f *Feed) changeSubscription(kind, feed, code string) error {
	key := feedKey{feed: feed, code: code}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFeedClosed
	}
	if kind == msgSubscribe {
		f.subs[key] = struct{}{}
	} else {
		delete(f.subs, key)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := f.send(conn, &feedMessage{Type: kind, Feed: feed, Code: code}); err != nil {
		// 写失败说明连接已坏，读循环会触发重连并补发订阅
		feedLog.Warnf("发送 %s 失败 %s/%s: %v", kind, feed, code, err)
		_ = conn.Close()
	}
	return nil
}

func (f *Feed) send(conn *websocket.Conn, msg *feedMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.PongTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (f *Feed) run() {
	backoff := f.cfg.RedialMin
	for {
		if f.ctx.Err() != nil {
			return
		}
		conn, err := f.connect()
		if err != nil {
			feedLog.Warnf("连接上游失败，%s 后重试: %v", backoff, err)
			metrics.UpstreamRedials.Add(1)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > f.cfg.RedialMax {
				backoff = f.cfg.RedialMax
			}
			continue
		}
		backoff = f.cfg.RedialMin

		f.serve(conn)

		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		_ = conn.Close()

		if f.ctx.Err() != nil {
			return
		}
		metrics.UpstreamRedials.Add(1)
		feedLog.Warn("上游连接断开，准备重连")
	}
}

// connect 拨号、认证并补发订阅
func (f *Feed) connect() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(f.ctx, f.dialer.HandshakeTimeout)
	defer cancel()
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", f.cfg.URL)
	}

	if f.cfg.AppKey != "" || f.cfg.AccessToken != "" {
		auth := &feedMessage{Type: msgAuth, AppKey: f.cfg.AppKey, AppSecret: f.cfg.AppSecret, Token: f.cfg.AccessToken}
		if err := f.send(conn, auth); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "发送认证失败")
		}
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close()
		return nil, ErrFeedClosed
	}
	keys := make([]feedKey, 0, len(f.subs))
	for k := range f.subs {
		keys = append(keys, k)
	}
	f.conn = conn
	f.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].feed == keys[j].feed {
			return keys[i].code < keys[j].code
		}
		return keys[i].feed < keys[j].feed
	})
	for _, k := range keys {
		if err := f.send(conn, &feedMessage{Type: msgSubscribe, Feed: k.feed, Code: k.code}); err != nil {
			f.mu.Lock()
			if f.conn == conn {
				f.conn = nil
			}
			f.mu.Unlock()
			_ = conn.Close()
			return nil, errors.Wrapf(err, "补发订阅 %s/%s", k.feed, k.code)
		}
	}
	feedLog.Infof("上游已连接: %s 订阅=%d", f.cfg.URL, len(keys))
	return conn, nil
}

// serve 读循环，返回即表示连接已失效
func (f *Feed) serve(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.PongTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-f.ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(f.cfg.PingInterval)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					feedLog.Debugf("PING 失败: %v", err)
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() == nil {
				feedLog.Infof("读取上游消息失败: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.PongTimeout))
		f.handleMessage(raw)
	}
}

func (f *Feed) handleMessage(raw []byte) {
	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		feedLog.Warnf("无法解析上游消息: %v", err)
		return
	}
	f.mu.Lock()
	notices, prices := f.notices, f.prices
	f.mu.Unlock()

	switch msg.Type {
	case msgNotice:
		if msg.Notice == nil {
			feedLog.Warn("notice 消息缺少内容")
			return
		}
		metrics.UpstreamNotices.Add(1)
		if notices != nil {
			notices.OnNotice(msg.Notice)
		}
	case msgPrice:
		if msg.Price == nil {
			return
		}
		metrics.UpstreamPrices.Add(1)
		feed, code := msg.Feed, msg.Code
		if feed == "" {
			feed = msg.Price.Feed
		}
		if code == "" {
			code = msg.Price.Code
		}
		if prices != nil {
			prices.OnPrice(feed, code, msg.Price)
		}
	case msgError:
		feedLog.Errorf("上游报告错误: %s", msg.Message)
	default:
		feedLog.Debugf("忽略上游消息类型: %s", msg.Type)
	}
}

// Close 断开并停止重连
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	conn := f.conn
	f.mu.Unlock()

	f.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	f.wg.Wait()
	feedLog.Info("上游 feed 已关闭")
}

var _ ports.MarketFeed = (*Feed)(nil)
