package services

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/omgate/internal/domain"
)

func priceSnap(code, p string) *domain.PriceSnapshot {
	return &domain.PriceSnapshot{Feed: "trade", Code: code, Price: decimal.RequireFromString(p)}
}

func TestSubscriptionManager_UpstreamTransitions(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	agents := NewConnectedAgents()
	sm := NewSubscriptionManager(feed, agents)
	defer sm.Close()

	require.NoError(t, sm.Add(ctx, "a", "trade", testCode))
	require.NoError(t, sm.Add(ctx, "b", "trade", testCode))
	require.NoError(t, sm.Add(ctx, "a", "trade", testCode), "重复订阅是幂等的")
	assert.Equal(t, []string{"sub trade/" + testCode}, feed.history(), "只有第一个兴趣触发上游订阅")
	assert.Equal(t, []string{"a", "b"}, sm.Subscribers("trade", testCode))

	require.NoError(t, sm.Remove(ctx, "a", "trade", testCode))
	assert.Len(t, feed.history(), 1)
	require.NoError(t, sm.Remove(ctx, "b", "trade", testCode))
	assert.Equal(t, []string{"sub trade/" + testCode, "unsub trade/" + testCode}, feed.history())
	assert.Empty(t, sm.Snapshot())

	// 对不存在的兴趣退订无副作用
	require.NoError(t, sm.Remove(ctx, "b", "trade", testCode))
	assert.Len(t, feed.history(), 2)
}

func TestSubscriptionManager_UpstreamFailure(t *testing.T) {
	feed := &fakeFeed{err: errors.New("feed down")}
	sm := NewSubscriptionManager(feed, NewConnectedAgents())
	defer sm.Close()

	require.Error(t, sm.Add(context.Background(), "a", "trade", testCode))
	assert.Empty(t, sm.Subscribers("trade", testCode), "上游失败时不登记兴趣")
}

func TestSubscriptionManager_FanOutAndCache(t *testing.T) {
	ctx := context.Background()
	agents := NewConnectedAgents()
	a := connect(t, agents, "a", "s1")
	b := connect(t, agents, "b", "s2")
	sm := NewSubscriptionManager(&fakeFeed{}, agents)
	defer sm.Close()

	require.NoError(t, sm.Add(ctx, "a", "trade", testCode))
	sm.OnPrice("trade", testCode, priceSnap(testCode, "70100"))
	sm.OnPrice("trade", "000660", priceSnap("000660", "1")) // 无订阅者

	require.Len(t, a.all(), 1)
	assert.Equal(t, domain.PayloadPrice, a.all()[0].Payload.Kind)
	assert.Empty(t, b.all())

	// 新订阅者立即收到最近一次行情
	require.NoError(t, sm.Add(ctx, "b", "trade", testCode))
	require.Len(t, b.all(), 1)
	assert.Equal(t, "70100", b.all()[0].Payload.Price.Price.String())

	sm.OnPrice("trade", testCode, priceSnap(testCode, "70200"))
	assert.Len(t, a.all(), 2)
	assert.Len(t, b.all(), 2)
}

func TestSubscriptionManager_RemoveAgent(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{}
	sm := NewSubscriptionManager(feed, NewConnectedAgents())
	defer sm.Close()

	require.NoError(t, sm.Add(ctx, "a", "trade", testCode))
	require.NoError(t, sm.Add(ctx, "a", "quote", testCode))
	require.NoError(t, sm.Add(ctx, "b", "trade", testCode))

	sm.RemoveAgent(ctx, "a")
	snap := sm.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "trade", snap[0].Feed)
	assert.Equal(t, []string{"b"}, snap[0].Agents)
	assert.Contains(t, feed.history(), "unsub quote/"+testCode)
	assert.NotContains(t, feed.history(), "unsub trade/"+testCode)
}
