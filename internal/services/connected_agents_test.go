package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectedAgents_AddRemove(t *testing.T) {
	c := NewConnectedAgents()
	a := newFakeSink("agent-a", "s1")
	require.NoError(t, c.Add(a))

	got, ok := c.Get("agent-a")
	require.True(t, ok)
	assert.Equal(t, "s1", got.SessionID())
	assert.Equal(t, 1, c.Count())

	// 同一 agent 的第二个连接被拒绝
	dup := newFakeSink("agent-a", "s2")
	require.ErrorIs(t, c.Add(dup), ErrAgentAlreadyConnected)

	// 回调地址冲突
	clash := newFakeSink("agent-b", "s3")
	clash.endpoint = a.endpoint
	require.ErrorIs(t, c.Add(clash), ErrEndpointInUse)

	// 旧会话的迟到清理不影响当前会话
	assert.False(t, c.Remove("agent-a", "s-old"))
	_, ok = c.Get("agent-a")
	assert.True(t, ok)

	assert.True(t, c.Remove("agent-a", "s1"))
	_, ok = c.Get("agent-a")
	assert.False(t, ok)

	// 地址释放后可以被其他 agent 使用
	require.NoError(t, c.Add(clash))
}

func TestConnectedAgents_List(t *testing.T) {
	c := NewConnectedAgents()
	require.NoError(t, c.Add(newFakeSink("zeta", "s1")))
	require.NoError(t, c.Add(newFakeSink("alpha", "s2")))

	b := newFakeSink("beta", "s3")
	b.endpoint = ""
	require.NoError(t, c.Add(b))
	empty := newFakeSink("gamma", "s4")
	empty.endpoint = ""
	require.NoError(t, c.Add(empty), "空地址不参与唯一性检查")

	list := c.List()
	require.Len(t, list, 4)
	assert.Equal(t, "alpha", list[0].AgentID)
	assert.Equal(t, "zeta", list[3].AgentID)

	require.Error(t, c.Add(newFakeSink("", "s5")))
}
