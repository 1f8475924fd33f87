package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/metrics"
	"github.com/betbot/omgate/internal/services"
)

var serverLog = logrus.WithField("component", "controlplane")

// OrderOps 运维需要的 OrderManager 能力
type OrderOps interface {
	Stats() services.ManagerStats
	PendingDispatchesOf(agentID string) []*domain.Dispatch
	SyncInProgress(agentID string) bool
	AbortSync(agentID string) bool
	DispatchHandler(agentID, code string, payload *domain.DispatchPayload) (*domain.Dispatch, error)
	PersistToDisk() error
}

// AgentRegistry 在线会话查询
type AgentRegistry interface {
	List() []services.AgentInfo
	Count() int
}

// SubscriptionView 订阅查询
type SubscriptionView interface {
	Snapshot() []services.SubscriptionInfo
}

// Deps 运维接口依赖；Alarms 为 nil 时告警接口返回 503
type Deps struct {
	Orders OrderOps
	Agents AgentRegistry
	Subs   SubscriptionView
	Alarms *AlarmJournal
}

type Config struct {
	Listen string
}

// Server 运维 HTTP 服务：健康检查、统计、告警与 debug
type Server struct {
	cfg  Config
	deps Deps

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
	wg   sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Orders == nil || deps.Agents == nil {
		return nil, errors.New("orders and agents are required")
	}
	return &Server{cfg: cfg, deps: deps}, nil
}

// Start 开始监听（非阻塞）
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "监听 %s 失败", s.cfg.Listen)
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.http, s.ln = srv, ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLog.Errorf("运维 HTTP 异常退出: %v", err)
		}
	}()
	serverLog.Infof("🛠 运维接口监听: %s", ln.Addr())
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close 优雅停止
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)

	api := r.Group("/api")
	api.GET("/stats", s.handleStats)
	api.POST("/persist", s.handlePersist)
	api.GET("/subscriptions", s.handleSubscriptions)

	agents := api.Group("/agents")
	agents.GET("", s.handleAgentsList)
	agentID := agents.Group("/:agentID")
	agentID.GET("/pending", s.handleAgentPending)
	agentID.POST("/abort_sync", s.handleAgentAbortSync)
	agentID.POST("/message", s.handleAgentMessage)

	alarms := api.Group("/alarms")
	alarms.GET("", s.handleAlarmsList)
	alarms.POST("/:id/ack", s.handleAlarmAck)

	r.Any("/debug/*path", gin.WrapH(metrics.Handler()))
	return r
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agents": s.deps.Agents.Count()})
}

func (s *Server) handleStats(c *gin.Context) {
	out := gin.H{
		"orders": s.deps.Orders.Stats(),
		"agents": s.deps.Agents.Count(),
	}
	if s.deps.Alarms != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if n, err := s.deps.Alarms.CountUnacked(ctx); err == nil {
			out["unacked_alarms"] = n
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePersist(c *gin.Context) {
	if err := s.deps.Orders.PersistToDisk(); err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleSubscriptions(c *gin.Context) {
	if s.deps.Subs == nil {
		c.JSON(http.StatusOK, []services.SubscriptionInfo{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Subs.Snapshot())
}

type agentView struct {
	services.AgentInfo
	Syncing bool `json:"syncing"`
	Pending int  `json:"pending_dispatches"`
}

func (s *Server) handleAgentsList(c *gin.Context) {
	list := s.deps.Agents.List()
	out := make([]agentView, 0, len(list))
	for _, a := range list {
		out = append(out, agentView{
			AgentInfo: a,
			Syncing:   s.deps.Orders.SyncInProgress(a.AgentID),
			Pending:   len(s.deps.Orders.PendingDispatchesOf(a.AgentID)),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAgentPending(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Orders.PendingDispatchesOf(c.Param("agentID")))
}

func (s *Server) handleAgentAbortSync(c *gin.Context) {
	agentID := c.Param("agentID")
	released := s.deps.Orders.AbortSync(agentID)
	if released {
		serverLog.Warnf("运维强制释放同步锁: agent=%s", agentID)
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

type messageRequest struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleAgentMessage 向 agent 可靠下发一条文本消息
func (s *Server) handleAgentMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(c, http.StatusBadRequest, "message is required")
		return
	}
	d, err := s.deps.Orders.DispatchHandler(c.Param("agentID"), req.Code, domain.MessagePayload(req.Message))
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleAlarmsList(c *gin.Context) {
	if s.deps.Alarms == nil {
		writeError(c, http.StatusServiceUnavailable, "alarm journal disabled")
		return
	}
	f := AlarmFilter{
		Kind:    domain.AlarmKind(strings.TrimSpace(c.Query("kind"))),
		Code:    strings.TrimSpace(c.Query("code")),
		Unacked: c.Query("unacked") == "1" || c.Query("unacked") == "true",
	}
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	list, err := s.deps.Alarms.ListAlarms(ctx, f)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleAlarmAck(c *gin.Context) {
	if s.deps.Alarms == nil {
		writeError(c, http.StatusServiceUnavailable, "alarm journal disabled")
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid id")
		return
	}
	ok, err := s.deps.Alarms.AckAlarm(c.Request.Context(), id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "alarm not found or already acked")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
