package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/omgate/internal/domain"
)

type noticeRecorder struct {
	mu      sync.Mutex
	notices []*domain.Notice
	prices  []*domain.PriceSnapshot
}

func (r *noticeRecorder) OnNotice(n *domain.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRecorder) OnPrice(_, _ string, s *domain.PriceSnapshot) {
	r.mu.Lock()
	r.prices = append(r.prices, s)
	r.mu.Unlock()
}

func (r *noticeRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices), len(r.prices)
}

// fakeUpstream 记录每条连接收到的消息，并允许测试主动推送或断开
type fakeUpstream struct {
	srv   *httptest.Server
	mu    sync.Mutex
	conns []*websocket.Conn
	seen  [][]feedMessage
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.mu.Lock()
		idx := len(u.conns)
		u.conns = append(u.conns, conn)
		u.seen = append(u.seen, nil)
		u.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg feedMessage
			if json.Unmarshal(raw, &msg) == nil {
				u.mu.Lock()
				u.seen[idx] = append(u.seen[idx], msg)
				u.mu.Unlock()
			}
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) url() string { return "ws" + strings.TrimPrefix(u.srv.URL, "http") }

func (u *fakeUpstream) connCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.conns)
}

func (u *fakeUpstream) messages(conn int) []feedMessage {
	u.mu.Lock()
	defer u.mu.Unlock()
	if conn >= len(u.seen) {
		return nil
	}
	return append([]feedMessage(nil), u.seen[conn]...)
}

func (u *fakeUpstream) push(t *testing.T, conn int, msg *feedMessage) {
	t.Helper()
	u.mu.Lock()
	c := u.conns[conn]
	u.mu.Unlock()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, raw))
}

func (u *fakeUpstream) drop(conn int) {
	u.mu.Lock()
	c := u.conns[conn]
	u.mu.Unlock()
	_ = c.Close()
}

func hasSubscribe(msgs []feedMessage, feed, code string) bool {
	for _, m := range msgs {
		if m.Type == msgSubscribe && m.Feed == feed && m.Code == code {
			return true
		}
	}
	return false
}

func TestFeed_DeliversNoticesAndPrices(t *testing.T) {
	up := newFakeUpstream(t)
	rec := &noticeRecorder{}
	f := NewFeed(FeedConfig{URL: up.url(), AppKey: "key", AccessToken: "tok", RedialMin: 10 * time.Millisecond})
	f.SetHandlers(rec, rec)
	f.Start()
	defer f.Close()

	require.Eventually(t, f.Connected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(up.messages(0)) >= 1 }, time.Second, 5*time.Millisecond)
	auth := up.messages(0)[0]
	assert.Equal(t, msgAuth, auth.Type)
	assert.Equal(t, "tok", auth.Token)

	up.push(t, 0, &feedMessage{Type: msgNotice, Notice: &domain.Notice{
		OrderNo: "1", Code: "005930", Quantity: 3, AcceptCode: domain.AcceptPlaced, FilledCode: domain.FilledYes,
		Price: decimal.NewFromInt(70000),
	}})
	up.push(t, 0, &feedMessage{Type: msgPrice, Feed: "trade", Code: "005930", Price: &domain.PriceSnapshot{Price: decimal.NewFromInt(70100)}})
	up.push(t, 0, &feedMessage{Type: "heartbeat"})

	require.Eventually(t, func() bool {
		n, p := rec.counts()
		return n == 1 && p == 1
	}, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, domain.NoticeFill, rec.notices[0].Kind())
	rec.mu.Unlock()
}

func TestFeed_ResubscribesAfterReconnect(t *testing.T) {
	up := newFakeUpstream(t)
	f := NewFeed(FeedConfig{URL: up.url(), RedialMin: 10 * time.Millisecond, RedialMax: 50 * time.Millisecond})
	f.SetHandlers(&noticeRecorder{}, &noticeRecorder{})

	// 启动前登记的订阅在首次连接时发送
	require.NoError(t, f.Subscribe(context.Background(), "trade", "005930"))
	f.Start()
	defer f.Close()

	require.Eventually(t, func() bool { return hasSubscribe(up.messages(0), "trade", "005930") }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.Subscribe(context.Background(), "quote", "000660"))
	require.NoError(t, f.Unsubscribe(context.Background(), "trade", "005930"))
	require.Eventually(t, func() bool { return hasSubscribe(up.messages(0), "quote", "000660") }, time.Second, 5*time.Millisecond)

	up.drop(0)
	require.Eventually(t, func() bool { return up.connCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hasSubscribe(up.messages(1), "quote", "000660") }, time.Second, 5*time.Millisecond)
	assert.False(t, hasSubscribe(up.messages(1), "trade", "005930"), "已退订的不再补发")
}

func TestFeed_ClosedRejectsSubscribe(t *testing.T) {
	f := NewFeed(FeedConfig{URL: "ws://127.0.0.1:1/unreachable", RedialMin: 5 * time.Millisecond})
	f.Start()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, f.Connected())
	f.Close()
	require.ErrorIs(t, f.Subscribe(context.Background(), "trade", "005930"), ErrFeedClosed)
}
