package services

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/ports"
)

var agentsLog = logrus.WithField("component", "connected_agents")

// AgentInfo 在线 agent 概要（运维查询用）
type AgentInfo struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	Endpoint  string `json:"endpoint"`
}

// ConnectedAgents 在线会话注册表
//
// agent ID 与回调地址都必须唯一；冲突视为配置错误，直接拒绝而不是覆盖。
type ConnectedAgents struct {
	mu         sync.RWMutex
	byID       map[string]ports.AgentSink
	byEndpoint map[string]string // endpoint -> agentID
}

// NewConnectedAgents 创建注册表
func NewConnectedAgents() *ConnectedAgents {
	return &ConnectedAgents{
		byID:       make(map[string]ports.AgentSink),
		byEndpoint: make(map[string]string),
	}
}

// Add 注册在线会话
func (c *ConnectedAgents) Add(sink ports.AgentSink) error {
	id, endpoint := sink.AgentID(), sink.Endpoint()
	if id == "" {
		return errors.New("agent id 不能为空")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[id]; ok {
		return errors.Wrapf(ErrAgentAlreadyConnected, "agent=%s session=%s", id, existing.SessionID())
	}
	if endpoint != "" {
		if owner, ok := c.byEndpoint[endpoint]; ok {
			return errors.Wrapf(ErrEndpointInUse, "endpoint=%s owner=%s", endpoint, owner)
		}
		c.byEndpoint[endpoint] = id
	}
	c.byID[id] = sink
	agentsLog.Infof("agent 上线: agent=%s session=%s endpoint=%s", id, sink.SessionID(), endpoint)
	return nil
}

// Remove 注销会话；sessionID 不匹配时忽略（旧连接的迟到清理不能踢掉新会话）
func (c *ConnectedAgents) Remove(agentID, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	sink, ok := c.byID[agentID]
	if !ok || sink.SessionID() != sessionID {
		return false
	}
	delete(c.byID, agentID)
	if ep := sink.Endpoint(); ep != "" && c.byEndpoint[ep] == agentID {
		delete(c.byEndpoint, ep)
	}
	agentsLog.Infof("agent 下线: agent=%s session=%s", agentID, sessionID)
	return true
}

// Get 查找在线会话
func (c *ConnectedAgents) Get(agentID string) (ports.AgentSink, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sink, ok := c.byID[agentID]
	return sink, ok
}

// Count 在线数量
func (c *ConnectedAgents) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// List 按 agent ID 排序返回在线会话
func (c *ConnectedAgents) List() []AgentInfo {
	c.mu.RLock()
	out := make([]AgentInfo, 0, len(c.byID))
	for id, sink := range c.byID {
		out = append(out, AgentInfo{AgentID: id, SessionID: sink.SessionID(), Endpoint: sink.Endpoint()})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

var _ ports.AgentLookup = (*ConnectedAgents)(nil)
