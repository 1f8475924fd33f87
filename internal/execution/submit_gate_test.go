package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitGate_Lifecycle(t *testing.T) {
	g := NewSubmitGate(time.Second)
	base := time.Now()
	g.now = func() time.Time { return base }

	_, err := g.Begin("agent-1", "u1")
	require.NoError(t, err)
	_, err = g.Begin("agent-1", "u1")
	assert.ErrorIs(t, err, ErrSubmitInFlight)

	// 不同 agent 的相同 unique_id 互不影响
	_, err = g.Begin("agent-2", "u1")
	require.NoError(t, err)

	g.Finish("agent-1", "u1", "00042")
	orderNo, err := g.Begin("agent-1", "u1")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Equal(t, "00042", orderNo)

	// 保留窗口过后可以再次提交
	g.now = func() time.Time { return base.Add(2 * time.Second) }
	_, err = g.Begin("agent-1", "u1")
	require.NoError(t, err)
}

func TestSubmitGate_AbortAndSweep(t *testing.T) {
	g := NewSubmitGate(time.Second)
	base := time.Now()
	g.now = func() time.Time { return base }

	_, err := g.Begin("agent-1", "u1")
	require.NoError(t, err)
	g.Abort("agent-1", "u1")
	_, err = g.Begin("agent-1", "u1")
	require.NoError(t, err, "失败后应可立即重试")

	g.Finish("agent-1", "u1", "1")
	g.now = func() time.Time { return base.Add(time.Minute) }
	g.mu.Lock()
	g.sweepLocked(g.now())
	g.mu.Unlock()
	assert.Equal(t, 0, g.Len())

	// 空 unique_id 与 nil gate 一律放行
	_, err = g.Begin("agent-1", "")
	require.NoError(t, err)
	var nilGate *SubmitGate
	_, err = nilGate.Begin("agent-1", "u1")
	require.NoError(t, err)
}
