package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/internal/execution"
	"github.com/betbot/omgate/internal/ports"
	"github.com/betbot/omgate/pkg/cache"
	"github.com/betbot/omgate/pkg/persistence"
	"github.com/betbot/omgate/pkg/sigchan"
	"github.com/betbot/omgate/pkg/syncgroup"
)

var orderManagerLog = logrus.WithField("component", "order_manager")

// OrderManagerOptions OrderManager 参数
type OrderManagerOptions struct {
	ServiceName          string
	Location             *time.Location // 交易日时区
	RetentionDays        int
	PersistInterval      time.Duration
	PendingNoticeTimeout time.Duration
	SweepInterval        time.Duration
	SyncWarnAfter        time.Duration
	SyncTimeout          time.Duration // 0 = 只告警不强制释放
	AckWaitTimeout       time.Duration // sync_complete 等待 ACK 的默认上限
	SubmitDedupeTTL      time.Duration
	BacklogAlarmAt       int           // 单个 agent 未确认下发数或全局 pending_trns 数超过该值时告警
	SubmitTimeout        time.Duration // 单次上游提交的上限，不受 agent 断线影响
}

func (o *OrderManagerOptions) setDefaults() {
	if o.ServiceName == "" {
		o.ServiceName = "omgate"
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 7
	}
	if o.PersistInterval <= 0 {
		o.PersistInterval = 30 * time.Minute
	}
	if o.PendingNoticeTimeout <= 0 {
		o.PendingNoticeTimeout = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.SyncWarnAfter <= 0 {
		o.SyncWarnAfter = 30 * time.Second
	}
	if o.AckWaitTimeout <= 0 {
		o.AckWaitTimeout = 30 * time.Second
	}
	if o.BacklogAlarmAt <= 0 {
		o.BacklogAlarmAt = 1000
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 30 * time.Second
	}
}

// CodeBook 单个交易日、单个标的的全部对账状态
type CodeBook struct {
	PendingTrns       map[string][]*domain.Notice            `json:"pending_trns"`       // order_no -> 尚未匹配的回报
	IncompletedOrders map[string]map[string]*domain.Order    `json:"incompleted_orders"` // agent -> order_no -> order
	CompletedOrders   map[string]map[string]*domain.Order    `json:"completed_orders"`
	PendingDispatches map[string]map[string]*domain.Dispatch `json:"pending_dispatches"` // agent -> dispatch id -> dispatch
}

func newCodeBookData() CodeBook {
	return CodeBook{
		PendingTrns:       make(map[string][]*domain.Notice),
		IncompletedOrders: make(map[string]map[string]*domain.Order),
		CompletedOrders:   make(map[string]map[string]*domain.Order),
		PendingDispatches: make(map[string]map[string]*domain.Dispatch),
	}
}

// codeBook 运行时的 CodeBook
//
// 逻辑互斥由标的锁 codeLock 保证（可跨越网络 IO 持有）；
// mu 只保护内存，供不持标的锁的读者（快照、统计）使用。
// PendingDispatches 例外，由 OrderManager.dispatchMu 保护，ACK 无需标的锁。
type codeBook struct {
	mu sync.RWMutex
	CodeBook
}

func newCodeBook() *codeBook {
	return &codeBook{CodeBook: newCodeBookData()}
}

// codeLock 标的锁：可以在一个 goroutine 获取、在另一个 goroutine 释放，
// 获取时可被 ctx 取消
type codeLock struct {
	ch chan struct{}
}

func newCodeLock() *codeLock {
	return &codeLock{ch: make(chan struct{}, 1)}
}

func (l *codeLock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *codeLock) Unlock() {
	select {
	case <-l.ch:
	default:
		orderManagerLog.Errorf("释放未持有的标的锁")
	}
}

// syncHold 一次进行中的同步
type syncHold struct {
	agentID     string
	code        string
	lock        *codeLock
	requestedAt time.Time
	lockedAt    time.Time
	locked      bool
	warned      bool
}

type dispatchRef struct {
	date    string
	code    string
	agentID string
	book    *codeBook
}

type managerCounters struct {
	noticesApplied      atomic.Int64
	noticesBuffered     atomic.Int64
	invariantViolations atomic.Int64
	refusedNotices      atomic.Int64
	dispatchesSent      atomic.Int64
	dispatchesResent    atomic.Int64
	acksReceived        atomic.Int64
	duplicateAcks       atomic.Int64
	submitted           atomic.Int64
	submitFailures      atomic.Int64
	staleNotices        atomic.Int64
	snapshotSaves       atomic.Int64
	snapshotErrors      atomic.Int64
}

// OrderManager 订单与回报的对账核心
//
// 状态按 交易日 -> 标的 分区；同一标的的提交、回报应用与同步严格串行，
// 不同标的完全并发。
type OrderManager struct {
	opts    OrderManagerOptions
	broker  ports.Broker
	agents  ports.AgentLookup
	store   persistence.Service
	alarms  ports.AlarmSink
	submits *execution.SubmitGate
	now     func() time.Time

	mu     sync.Mutex
	days   map[string]map[string]*codeBook // date -> code -> book
	locks  map[string]*codeLock            // code -> lock
	syncs  map[string]*syncHold            // agentID -> hold
	dirty  map[string]struct{}
	closed bool

	dispatchMu    sync.Mutex
	dispatchIndex map[string]dispatchRef // dispatch id -> 位置
	agentPending  map[string]int         // agentID -> 未确认数量
	ackWaiters    map[string]*sigchan.Chan
	dispatchSeq   atomic.Uint64
	acked         *cache.InMemoryCache[string, time.Time]

	inboxMu   sync.Mutex
	inboxes   map[string]*noticeInbox
	inboxStop chan struct{}
	workers   sync.WaitGroup

	staleMu      sync.Mutex
	staleFlagged map[string]struct{}
	backlogged   map[string]struct{} // 已告警的积压项，回落后清除

	stats  managerCounters
	group  *syncgroup.SyncGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrderManager 创建 OrderManager；store/alarms 可为 nil（仅测试）
func NewOrderManager(opts OrderManagerOptions, broker ports.Broker, agents ports.AgentLookup, store persistence.Service, alarms ports.AlarmSink) *OrderManager {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &OrderManager{
		opts:          opts,
		broker:        broker,
		agents:        agents,
		store:         store,
		alarms:        alarms,
		submits:       execution.NewSubmitGate(opts.SubmitDedupeTTL),
		now:           time.Now,
		days:          make(map[string]map[string]*codeBook),
		locks:         make(map[string]*codeLock),
		syncs:         make(map[string]*syncHold),
		dirty:         make(map[string]struct{}),
		dispatchIndex: make(map[string]dispatchRef),
		agentPending:  make(map[string]int),
		ackWaiters:    make(map[string]*sigchan.Chan),
		acked:         cache.NewInMemoryCache[string, time.Time](10 * time.Minute),
		inboxes:       make(map[string]*noticeInbox),
		inboxStop:     make(chan struct{}),
		staleFlagged:  make(map[string]struct{}),
		backlogged:    make(map[string]struct{}),
		group:         syncgroup.NewSyncGroup(),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start 启动快照与超时扫描后台任务
func (m *OrderManager) Start() {
	m.group.Add("persist", m.persistLoop)
	m.group.Add("sweep", m.sweepLoop)
	m.group.Run(m.ctx)
	orderManagerLog.Infof("🚀 OrderManager 启动: service=%s retention=%dd persist=%s",
		m.opts.ServiceName, m.opts.RetentionDays, m.opts.PersistInterval)
}

// Close 停止接收回报、释放所有同步锁、排空回报队列并做最后一次快照
func (m *OrderManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	holds := make([]string, 0, len(m.syncs))
	for id := range m.syncs {
		holds = append(holds, id)
	}
	m.mu.Unlock()

	for _, id := range holds {
		m.AbortSync(id)
	}

	close(m.inboxStop)
	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		orderManagerLog.Warnf("等待回报队列排空超时: %v", ctx.Err())
	}

	m.cancel()
	m.group.Wait()
	m.acked.Close()

	err := m.PersistToDisk()
	orderManagerLog.Info("🛑 OrderManager 停止")
	return err
}

func (m *OrderManager) today() string {
	return m.dateOf(m.now())
}

func (m *OrderManager) dateOf(t time.Time) string {
	return t.In(m.opts.Location).Format(domain.DateLayout)
}

// lockFor 返回标的锁（不存在则创建）
func (m *OrderManager) lockFor(code string) *codeLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[code]
	if !ok {
		l = newCodeLock()
		m.locks[code] = l
	}
	return l
}

// book 返回 (date, code) 分区（不存在则创建）
func (m *OrderManager) book(date, code string) *codeBook {
	m.mu.Lock()
	defer m.mu.Unlock()
	day, ok := m.days[date]
	if !ok {
		day = make(map[string]*codeBook)
		m.days[date] = day
	}
	b, ok := day[code]
	if !ok {
		b = newCodeBook()
		day[code] = b
	}
	return b
}

func (m *OrderManager) bookIfExists(date, code string) *codeBook {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.days[date][code]
}

// sortedDates 返回内存中全部交易日（升序）
func (m *OrderManager) sortedDates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	dates := make([]string, 0, len(m.days))
	for d := range m.days {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// booksOf 返回某交易日的全部标的分区
func (m *OrderManager) booksOf(date string) map[string]*codeBook {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*codeBook, len(m.days[date]))
	for code, b := range m.days[date] {
		out[code] = b
	}
	return out
}

func (m *OrderManager) markDirty(date string) {
	m.mu.Lock()
	m.dirty[date] = struct{}{}
	m.mu.Unlock()
}

func (m *OrderManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// raiseAlarm 记录日志并写入告警存储
func (m *OrderManager) raiseAlarm(kind domain.AlarmKind, code, orderNo, agentID, msg string) {
	orderManagerLog.WithFields(logrus.Fields{
		"alarm":    kind,
		"code":     code,
		"order_no": orderNo,
		"agent":    agentID,
	}).Error("🚨 " + msg)
	if m.alarms == nil {
		return
	}
	alarm := &domain.Alarm{Kind: kind, Code: code, OrderNo: orderNo, AgentID: agentID, Message: msg, At: m.now()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.alarms.RaiseAlarm(ctx, alarm); err != nil {
		orderManagerLog.Warnf("写入告警失败: %v", err)
	}
}

// ManagerStats 运行统计
type ManagerStats struct {
	Days                int   `json:"days"`
	Codes               int   `json:"codes"`
	PendingTrns         int   `json:"pending_trns"`
	IncompletedOrders   int   `json:"incompleted_orders"`
	CompletedOrders     int   `json:"completed_orders"`
	PendingDispatches   int   `json:"pending_dispatches"`
	ActiveSyncs         int   `json:"active_syncs"`
	NoticesApplied      int64 `json:"notices_applied"`
	NoticesBuffered     int64 `json:"notices_buffered"`
	InvariantViolations int64 `json:"invariant_violations"`
	RefusedNotices      int64 `json:"refused_notices"`
	DispatchesSent      int64 `json:"dispatches_sent"`
	DispatchesResent    int64 `json:"dispatches_resent"`
	AcksReceived        int64 `json:"acks_received"`
	DuplicateAcks       int64 `json:"duplicate_acks"`
	Submitted           int64 `json:"submitted"`
	SubmitFailures      int64 `json:"submit_failures"`
	StaleNotices        int64 `json:"stale_notices"`
	SnapshotSaves       int64 `json:"snapshot_saves"`
	SnapshotErrors      int64 `json:"snapshot_errors"`
}

// Stats 返回统计快照（线程安全）
func (m *OrderManager) Stats() ManagerStats {
	st := ManagerStats{
		NoticesApplied:      m.stats.noticesApplied.Load(),
		NoticesBuffered:     m.stats.noticesBuffered.Load(),
		InvariantViolations: m.stats.invariantViolations.Load(),
		RefusedNotices:      m.stats.refusedNotices.Load(),
		DispatchesSent:      m.stats.dispatchesSent.Load(),
		DispatchesResent:    m.stats.dispatchesResent.Load(),
		AcksReceived:        m.stats.acksReceived.Load(),
		DuplicateAcks:       m.stats.duplicateAcks.Load(),
		Submitted:           m.stats.submitted.Load(),
		SubmitFailures:      m.stats.submitFailures.Load(),
		StaleNotices:        m.stats.staleNotices.Load(),
		SnapshotSaves:       m.stats.snapshotSaves.Load(),
		SnapshotErrors:      m.stats.snapshotErrors.Load(),
	}

	m.mu.Lock()
	st.Days = len(m.days)
	codes := make(map[string]struct{})
	var books []*codeBook
	for _, day := range m.days {
		for code, b := range day {
			codes[code] = struct{}{}
			books = append(books, b)
		}
	}
	for _, h := range m.syncs {
		if h.locked {
			st.ActiveSyncs++
		}
	}
	m.mu.Unlock()
	st.Codes = len(codes)

	for _, b := range books {
		b.mu.RLock()
		for _, ns := range b.PendingTrns {
			st.PendingTrns += len(ns)
		}
		for _, orders := range b.IncompletedOrders {
			st.IncompletedOrders += len(orders)
		}
		for _, orders := range b.CompletedOrders {
			st.CompletedOrders += len(orders)
		}
		b.mu.RUnlock()
	}

	m.dispatchMu.Lock()
	st.PendingDispatches = len(m.dispatchIndex)
	m.dispatchMu.Unlock()
	return st
}
