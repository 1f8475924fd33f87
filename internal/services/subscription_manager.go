package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/ports"
	"github.com/betbot/omgate/pkg/cache"
)

var subscriptionLog = logrus.WithField("component", "subscription_manager")

type subKey struct {
	feed string
	code string
}

func (k subKey) String() string { return k.feed + "/" + k.code }

// SubscriptionInfo 单个 (feed, code) 的订阅情况
type SubscriptionInfo struct {
	Feed   string   `json:"feed"`
	Code   string   `json:"code"`
	Agents []string `json:"agents"`
}

// SubscriptionManager 管理 agent 对行情的兴趣集合
//
// 上游 subscribe/unsubscribe 只在「第一个兴趣出现」与「最后一个兴趣消失」时发出，
// 中间的增减只修改本地集合。持锁调用上游以保证迁移严格有序。
type SubscriptionManager struct {
	feed   ports.MarketFeed
	agents ports.AgentLookup

	mu        sync.Mutex
	interests map[subKey]map[string]struct{} // key -> agentIDs
	byAgent   map[string]map[subKey]struct{}

	last *cache.InMemoryCache[subKey, *domain.PriceSnapshot]
}

// NewSubscriptionManager 创建订阅管理器
func NewSubscriptionManager(feed ports.MarketFeed, agents ports.AgentLookup) *SubscriptionManager {
	return &SubscriptionManager{
		feed:      feed,
		agents:    agents,
		interests: make(map[subKey]map[string]struct{}),
		byAgent:   make(map[string]map[subKey]struct{}),
		last:      cache.NewInMemoryCache[subKey, *domain.PriceSnapshot](10 * time.Minute),
	}
}

// Add 登记 agent 对 (feed, code) 的兴趣
func (m *SubscriptionManager) Add(ctx context.Context, agentID, feed, code string) error {
	if agentID == "" || feed == "" || code == "" {
		return errors.New("agent/feed/code 不能为空")
	}
	key := subKey{feed: feed, code: code}

	m.mu.Lock()
	set, active := m.interests[key]
	if active {
		if _, dup := set[agentID]; dup {
			m.mu.Unlock()
			return nil
		}
	} else {
		if m.feed != nil {
			if err := m.feed.Subscribe(ctx, feed, code); err != nil {
				m.mu.Unlock()
				return errors.Wrapf(err, "上游订阅失败 %s", key)
			}
		}
		set = make(map[string]struct{})
		m.interests[key] = set
		subscriptionLog.Infof("上游订阅: %s", key)
	}
	set[agentID] = struct{}{}
	if m.byAgent[agentID] == nil {
		m.byAgent[agentID] = make(map[subKey]struct{})
	}
	m.byAgent[agentID][key] = struct{}{}
	m.mu.Unlock()

	// 已有行情时立即推送最近一次快照，新订阅者不必等待下一次变动
	if snap, ok := m.last.Get(key); ok {
		m.push(agentID, snap)
	}
	return nil
}

// Remove 撤销兴趣，最后一个兴趣消失时退订上游
func (m *SubscriptionManager) Remove(ctx context.Context, agentID, feed, code string) error {
	key := subKey{feed: feed, code: code}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(ctx, agentID, key)
}

func (m *SubscriptionManager) removeLocked(ctx context.Context, agentID string, key subKey) error {
	set, ok := m.interests[key]
	if !ok {
		return nil
	}
	if _, ok := set[agentID]; !ok {
		return nil
	}
	delete(set, agentID)
	if keys := m.byAgent[agentID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.byAgent, agentID)
		}
	}
	if len(set) > 0 {
		return nil
	}

	delete(m.interests, key)
	m.last.Delete(key)
	subscriptionLog.Infof("上游退订: %s", key)
	if m.feed != nil {
		if err := m.feed.Unsubscribe(ctx, key.feed, key.code); err != nil {
			return errors.Wrapf(err, "上游退订失败 %s", key)
		}
	}
	return nil
}

// RemoveAgent 断线时清除该 agent 的全部兴趣
func (m *SubscriptionManager) RemoveAgent(ctx context.Context, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]subKey, 0, len(m.byAgent[agentID]))
	for k := range m.byAgent[agentID] {
		keys = append(keys, k)
	}
	for _, k := range keys {
		if err := m.removeLocked(ctx, agentID, k); err != nil {
			subscriptionLog.Warnf("断线清理订阅失败: agent=%s %v", agentID, err)
		}
	}
}

// OnPrice 上游行情回调：缓存并推送给所有订阅者
func (m *SubscriptionManager) OnPrice(feed, code string, snapshot *domain.PriceSnapshot) {
	if snapshot == nil {
		return
	}
	key := subKey{feed: feed, code: code}

	m.mu.Lock()
	set, ok := m.interests[key]
	if !ok {
		m.mu.Unlock()
		subscriptionLog.Debugf("收到未订阅的行情，忽略: %s", key)
		return
	}
	targets := make([]string, 0, len(set))
	for id := range set {
		targets = append(targets, id)
	}
	m.mu.Unlock()

	m.last.Set(key, snapshot, 0)
	for _, id := range targets {
		m.push(id, snapshot)
	}
}

// push 行情不是状态变更，不进入 pending_dispatches
func (m *SubscriptionManager) push(agentID string, snapshot *domain.PriceSnapshot) {
	if m.agents == nil {
		return
	}
	sink, ok := m.agents.Get(agentID)
	if !ok {
		return
	}
	d := &domain.Dispatch{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Code:      snapshot.Code,
		Payload:   domain.PricePayload(snapshot),
		CreatedAt: time.Now(),
	}
	if err := sink.Dispatch(d); err != nil {
		subscriptionLog.Debugf("行情推送失败: agent=%s %v", agentID, err)
	}
}

// Subscribers 返回 (feed, code) 的订阅者
func (m *SubscriptionManager) Subscribers(feed, code string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.interests[subKey{feed: feed, code: code}]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot 返回全部活跃订阅（运维查询用）
func (m *SubscriptionManager) Snapshot() []SubscriptionInfo {
	m.mu.Lock()
	out := make([]SubscriptionInfo, 0, len(m.interests))
	for k, set := range m.interests {
		info := SubscriptionInfo{Feed: k.feed, Code: k.code, Agents: make([]string, 0, len(set))}
		for id := range set {
			info.Agents = append(info.Agents, id)
		}
		sort.Strings(info.Agents)
		out = append(out, info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Feed == out[j].Feed {
			return out[i].Code < out[j].Code
		}
		return out[i].Feed < out[j].Feed
	})
	return out
}

// Close 释放后台清理
func (m *SubscriptionManager) Close() {
	m.last.Close()
}
