package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/services"
)

func openJournal(t *testing.T) *AlarmJournal {
	t.Helper()
	j, err := OpenAlarmJournal(filepath.Join(t.TempDir(), "alarms", "alarms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAlarmJournal_RaiseListAck(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	first := &domain.Alarm{Kind: domain.AlarmInvariant, Code: "005930", OrderNo: "1", Message: "overfill"}
	require.NoError(t, j.RaiseAlarm(ctx, first))
	assert.NotZero(t, first.ID)
	require.NoError(t, j.RaiseAlarm(ctx, &domain.Alarm{Kind: domain.AlarmStaleNotice, Code: "000660", Message: "stale"}))

	all, err := j.ListAlarms(ctx, AlarmFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.AlarmStaleNotice, all[0].Kind, "新告警在前")
	assert.Equal(t, "overfill", all[1].Message)
	assert.False(t, all[1].At.IsZero())

	only, err := j.ListAlarms(ctx, AlarmFilter{Kind: domain.AlarmInvariant})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "1", only[0].OrderNo)

	ok, err := j.AckAlarm(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = j.AckAlarm(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, ok, "重复确认")

	unacked, err := j.ListAlarms(ctx, AlarmFilter{Unacked: true})
	require.NoError(t, err)
	require.Len(t, unacked, 1)
	n, err := j.CountUnacked(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type opsFixture struct {
	orders  *services.OrderManager
	agents  *services.ConnectedAgents
	journal *AlarmJournal
	handler http.Handler
}

func newOpsFixture(t *testing.T) *opsFixture {
	t.Helper()
	agents := services.NewConnectedAgents()
	journal := openJournal(t)
	orders := services.NewOrderManager(services.OrderManagerOptions{}, nil, agents, nil, journal)
	subs := services.NewSubscriptionManager(nil, agents)
	t.Cleanup(func() {
		subs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orders.Close(ctx)
	})
	srv, err := New(Config{Listen: "127.0.0.1:0"}, Deps{Orders: orders, Agents: agents, Subs: subs, Alarms: journal})
	require.NoError(t, err)
	return &opsFixture{orders: orders, agents: agents, journal: journal, handler: srv.Router()}
}

func (f *opsFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestServer_HealthAndStats(t *testing.T) {
	f := newOpsFixture(t)
	require.NoError(t, f.journal.RaiseAlarm(context.Background(), &domain.Alarm{Kind: domain.AlarmRefused, Message: "refused"}))

	w := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Orders        services.ManagerStats `json:"orders"`
		Agents        int                   `json:"agents"`
		UnackedAlarms int                   `json:"unacked_alarms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Agents)
	assert.Equal(t, 1, stats.UnackedAlarms)

	w = f.do(t, http.MethodGet, "/debug/vars", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memstats")
}

func TestServer_AgentMessageAndPending(t *testing.T) {
	f := newOpsFixture(t)

	w := f.do(t, http.MethodPost, "/api/agents/agent-1/message", `{"code":"005930","message":"장 마감 10분 전"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d domain.Dispatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, domain.PayloadMessage, d.Payload.Kind)

	// 离线 agent 的消息保留在 pending 中，等待重连同步
	w = f.do(t, http.MethodGet, "/api/agents/agent-1/pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	var pending []*domain.Dispatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, d.ID, pending[0].ID)

	w = f.do(t, http.MethodPost, "/api/agents/agent-1/message", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/agents/agent-1/abort_sync", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"released":false`)

	w = f.do(t, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
}

func TestServer_Alarms(t *testing.T) {
	f := newOpsFixture(t)
	a := &domain.Alarm{Kind: domain.AlarmSyncTimeout, AgentID: "agent-1", Message: "sync held"}
	require.NoError(t, f.journal.RaiseAlarm(context.Background(), a))

	w := f.do(t, http.MethodGet, "/api/alarms?kind=sync_timeout&unacked=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []domain.Alarm
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "agent-1", list[0].AgentID)

	w = f.do(t, http.MethodPost, "/api/alarms/"+strconv.FormatInt(a.ID, 10)+"/ack", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/alarms/"+strconv.FormatInt(a.ID, 10)+"/ack", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodPost, "/api/alarms/abc/ack", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_StartClose(t *testing.T) {
	f := newOpsFixture(t)
	srv, err := New(Config{Listen: "127.0.0.1:0"}, Deps{Orders: f.orders, Agents: f.agents})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Close(ctx))

	_, err = New(Config{}, Deps{})
	require.Error(t, err)
}
