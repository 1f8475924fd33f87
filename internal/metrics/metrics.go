package metrics

import (
	"expvar"
	"sync"
)

// 进程级计数器，通过 /debug/vars 暴露
var (
	AgentConnections = expvar.NewInt("agent_connections")
	AgentRejected    = expvar.NewInt("agent_rejected")
	FramesIn         = expvar.NewInt("frames_in")
	FramesOut        = expvar.NewInt("frames_out")
	ProtocolErrors   = expvar.NewInt("protocol_errors")
	SlowConsumers    = expvar.NewInt("slow_consumer_disconnects")
	UpstreamNotices  = expvar.NewInt("upstream_notices")
	UpstreamPrices   = expvar.NewInt("upstream_prices")
	UpstreamRedials  = expvar.NewInt("upstream_redials")
)

var (
	publishMu sync.Mutex
	published = map[string]bool{}
)

// Publish 以 expvar.Func 暴露一个统计函数；同名重复发布会被忽略（expvar 本身会 panic）
func Publish(name string, fn func() any) {
	publishMu.Lock()
	defer publishMu.Unlock()
	if published[name] || expvar.Get(name) != nil {
		return
	}
	published[name] = true
	expvar.Publish(name, expvar.Func(fn))
}
