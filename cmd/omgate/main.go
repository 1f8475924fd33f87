package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/controlplane/server"
	"github.com/betbot/omgate/internal/infrastructure/agentserver"
	"github.com/betbot/omgate/internal/infrastructure/broker"
	"github.com/betbot/omgate/internal/metrics"
	"github.com/betbot/omgate/internal/ports"
	"github.com/betbot/omgate/internal/services"
	"github.com/betbot/omgate/pkg/config"
	"github.com/betbot/omgate/pkg/logger"
	"github.com/betbot/omgate/pkg/persistence"
	"github.com/betbot/omgate/pkg/shutdown"
)

// upstream 券商连接：下单端口 + 行情端口 + 回调注册
type upstream interface {
	ports.Broker
	ports.MarketFeed
	SetHandlers(notices ports.NoticeHandler, prices ports.PriceHandler)
}

type liveUpstream struct {
	*broker.RESTClient
	*broker.Feed
}

func firstExistingFile(paths ...string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envFile := flag.String("env", ".env", "环境变量文件（不存在则忽略）")
	flag.Parse()

	// .env 尽力加载，缺失时只使用真实环境变量
	_ = godotenv.Load(*envFile)

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	path := *configPath
	if path == "" {
		if p, ok := firstExistingFile("yml/omgate.yaml", "omgate.yaml"); ok {
			path = p
			logrus.Infof("使用默认配置文件: %s", p)
		} else {
			logrus.Warnf("未指定配置文件，将使用环境变量和默认值")
		}
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		LogByDay:   cfg.Log.ByDay,
		Location:   cfg.Location,
		Formatter:  cfg.Log.Format,
	}); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}
	logDone := make(chan struct{})
	logger.StartLogRotationChecker(logDone)

	if err := run(cfg, logDone); err != nil {
		logrus.Errorf("omgate 退出: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logDone chan struct{}) error {
	shutdownMgr := shutdown.NewManager()
	shutdownMgr.OnShutdown("log_rotation", func(context.Context) error {
		close(logDone)
		return nil
	})

	store, err := openPersistence(cfg)
	if err != nil {
		return err
	}
	shutdownMgr.OnShutdown("persistence", func(context.Context) error { return store.Close() })

	journal, err := server.OpenAlarmJournal(cfg.AlarmDB)
	if err != nil {
		shutdownAll(shutdownMgr)
		return fmt.Errorf("打开告警库失败: %w", err)
	}
	shutdownMgr.OnShutdown("alarm_journal", func(context.Context) error { return journal.Close() })

	up, closeUpstream := newUpstream(cfg)
	agents := services.NewConnectedAgents()
	subs := services.NewSubscriptionManager(up, agents)
	orders := services.NewOrderManager(services.OrderManagerOptions{
		ServiceName:          cfg.ServiceName,
		Location:             cfg.Location,
		RetentionDays:        cfg.RetentionDays,
		PersistInterval:      cfg.PersistInterval,
		PendingNoticeTimeout: cfg.PendingNoticeTimeout,
		SweepInterval:        cfg.SweepInterval,
		SyncWarnAfter:        cfg.SyncWarnAfter,
		SyncTimeout:          cfg.SyncTimeout,
		AckWaitTimeout:       cfg.AckWaitTimeout,
		SubmitDedupeTTL:      cfg.SubmitDedupeTTL,
		SubmitTimeout:        cfg.SubmitTimeout,
		BacklogAlarmAt:       cfg.BacklogAlarmAt,
	}, up, agents, store, journal)

	if err := orders.LoadHistory(); err != nil {
		shutdownAll(shutdownMgr)
		return fmt.Errorf("加载历史快照失败: %w", err)
	}
	orders.Start()
	// OrderManager 先于存储与告警库关闭（回调逆序执行）
	shutdownMgr.OnShutdown("order_manager", orders.Close)
	shutdownMgr.OnShutdown("subscriptions", func(context.Context) error {
		subs.Close()
		return nil
	})

	up.SetHandlers(orders, subs)
	shutdownMgr.OnShutdown("upstream", func(context.Context) error {
		closeUpstream()
		return nil
	})

	metrics.Publish("omgate_orders", func() any { return orders.Stats() })
	metrics.Publish("omgate_agents", func() any { return agents.List() })
	metrics.Publish("omgate_subscriptions", func() any { return subs.Snapshot() })

	handler := agentserver.NewHandler(agentserver.HandlerOptions{
		MaxFrameBytes:    cfg.MaxFrameBytes,
		MaxOutboundQueue: cfg.MaxOutboundQueue,
	}, orders, agents, subs, up)
	agentSrv := agentserver.NewServer(cfg.Listen, handler)
	if err := agentSrv.Start(); err != nil {
		shutdownAll(shutdownMgr)
		return err
	}
	shutdownMgr.OnShutdown("agent_server", agentSrv.Close)

	if cfg.ControlListen != "" {
		ops, err := server.New(server.Config{Listen: cfg.ControlListen}, server.Deps{
			Orders: orders, Agents: agents, Subs: subs, Alarms: journal,
		})
		if err != nil {
			shutdownAll(shutdownMgr)
			return err
		}
		if err := ops.Start(); err != nil {
			shutdownAll(shutdownMgr)
			return err
		}
		shutdownMgr.OnShutdown("control_plane", ops.Close)
	}

	logrus.Infof("✅ omgate 已启动: service=%s broker=%s listen=%s", cfg.ServiceName, cfg.Broker.Mode, cfg.Listen)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-stopCh
	logrus.Infof("收到信号 %s，开始关闭", sig)

	shutdownAll(shutdownMgr)
	return nil
}

func shutdownAll(m *shutdown.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m.Shutdown(ctx)
}

func openPersistence(cfg *config.Config) (persistence.Service, error) {
	switch cfg.Persistence.Backend {
	case "badger":
		key, err := persistence.ParseKey(cfg.Persistence.EncryptionKey)
		if err != nil {
			return nil, err
		}
		return persistence.NewBadgerService(persistence.BadgerOptions{
			Path:          filepath.Clean(cfg.Persistence.Dir),
			EncryptionKey: key,
		})
	default:
		return persistence.NewJSONFileService(cfg.Persistence.Dir), nil
	}
}

func newUpstream(cfg *config.Config) (upstream, func()) {
	if cfg.Broker.Mode == "live" {
		rest := broker.NewRESTClient(broker.RESTConfig{
			BaseURL:       cfg.Broker.RestURL,
			AppKey:        cfg.Broker.AppKey,
			AppSecret:     cfg.Broker.AppSecret,
			AccessToken:   cfg.Broker.AccessToken,
			Account:       cfg.Broker.Account,
			RatePerSecond: cfg.Broker.RatePerSecond,
		})
		feed := broker.NewFeed(broker.FeedConfig{
			URL:         cfg.Broker.WSURL,
			AppKey:      cfg.Broker.AppKey,
			AppSecret:   cfg.Broker.AppSecret,
			AccessToken: cfg.Broker.AccessToken,
		})
		up := &liveUpstream{RESTClient: rest, Feed: feed}
		return up, feed.Close
	}
	paper := broker.NewPaper(broker.PaperConfig{
		Cash:       decimal.NewFromFloat(cfg.Broker.PaperCash),
		FillMarket: cfg.Broker.PaperFill,
	})
	logrus.Warn("⚠️ 使用 paper 模拟券商，订单不会发往真实市场")
	return paper, func() {}
}

// SetHandlers 注册回调后启动 feed 连接
func (u *liveUpstream) SetHandlers(notices ports.NoticeHandler, prices ports.PriceHandler) {
	u.Feed.SetHandlers(notices, prices)
	u.Feed.Start()
}
