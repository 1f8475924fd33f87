package metrics

import (
	"expvar"
	"net/http"
	"net/http/pprof"

	json "github.com/goccy/go-json"
)

var counters = map[string]*expvar.Int{
	"agent_connections":         AgentConnections,
	"agent_rejected":            AgentRejected,
	"frames_in":                 FramesIn,
	"frames_out":                FramesOut,
	"protocol_errors":           ProtocolErrors,
	"slow_consumer_disconnects": SlowConsumers,
	"upstream_notices":          UpstreamNotices,
	"upstream_prices":           UpstreamPrices,
	"upstream_redials":          UpstreamRedials,
}

// Counters 网关计数器快照
func Counters() map[string]int64 {
	out := make(map[string]int64, len(counters))
	for name, v := range counters {
		out[name] = v.Value()
	}
	return out
}

// Handler 挂载在控制面 /debug 下：
//   - /debug/vars      全部 expvar（含 Publish 的统计）
//   - /debug/counters  仅网关计数器
//   - /debug/pprof/*
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/debug/counters", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Counters())
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
