package services

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/omgate/internal/domain"
	"github.com/betbot/omgate/pkg/persistence"
)

const snapshotPrefix = "orders"

// DaySnapshot 单个交易日的快照
type DaySnapshot struct {
	Service string               `json:"service"`
	Date    string               `json:"date"`
	SavedAt time.Time            `json:"saved_at"`
	Books   map[string]*CodeBook `json:"books"` // code -> book
}

// PersistToDisk 保存有变化的交易日与当日快照；失败的交易日保留 dirty 标记下次重试
func (m *OrderManager) PersistToDisk() error {
	if m.store == nil {
		return nil
	}
	today := m.today()

	m.mu.Lock()
	dates := make([]string, 0, len(m.dirty)+1)
	for d := range m.dirty {
		dates = append(dates, d)
	}
	if _, ok := m.dirty[today]; !ok {
		if _, exists := m.days[today]; exists {
			dates = append(dates, today)
		}
	}
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()
	sort.Strings(dates)

	var firstErr error
	for _, date := range dates {
		snap := m.snapshotOf(date)
		store := m.store.NewStore(snapshotPrefix, m.opts.ServiceName, date)
		if err := store.Save(snap); err != nil {
			m.markDirty(date)
			m.stats.snapshotErrors.Add(1)
			m.raiseAlarm(domain.AlarmPersistence, "", "", "", "保存快照失败 "+store.Key()+": "+err.Error())
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "保存快照 %s", store.Key())
			}
			continue
		}
		m.stats.snapshotSaves.Add(1)
		orderManagerLog.Debugf("💾 快照已保存: %s codes=%d", store.Key(), len(snap.Books))
	}
	return firstErr
}

// snapshotOf 复制交易日数据；订单在 book.mu 读锁下拷贝，下发在 dispatchMu 下拷贝
func (m *OrderManager) snapshotOf(date string) *DaySnapshot {
	books := m.booksOf(date)
	snap := &DaySnapshot{
		Service: m.opts.ServiceName,
		Date:    date,
		SavedAt: m.now(),
		Books:   make(map[string]*CodeBook, len(books)),
	}
	for code, b := range books {
		cb := newCodeBookData()
		b.mu.RLock()
		for no, ns := range b.PendingTrns {
			cp := make([]*domain.Notice, 0, len(ns))
			for _, n := range ns {
				nc := *n
				cp = append(cp, &nc)
			}
			cb.PendingTrns[no] = cp
		}
		copyOrders(cb.IncompletedOrders, b.IncompletedOrders)
		copyOrders(cb.CompletedOrders, b.CompletedOrders)
		b.mu.RUnlock()

		m.dispatchMu.Lock()
		for agentID, ds := range b.PendingDispatches {
			cp := make(map[string]*domain.Dispatch, len(ds))
			for id, d := range ds {
				dc := *d
				cp[id] = &dc
			}
			cb.PendingDispatches[agentID] = cp
		}
		m.dispatchMu.Unlock()

		snap.Books[code] = &cb
	}
	return snap
}

func copyOrders(dst, src map[string]map[string]*domain.Order) {
	for agentID, orders := range src {
		cp := make(map[string]*domain.Order, len(orders))
		for no, o := range orders {
			cp[no] = o.Clone()
		}
		dst[agentID] = cp
	}
}

// LoadHistory 启动时加载保留期内的快照，删除过期快照
func (m *OrderManager) LoadHistory() error {
	if m.store == nil {
		return nil
	}
	tags, err := m.store.Tags(snapshotPrefix, m.opts.ServiceName)
	if err != nil {
		return errors.Wrap(err, "列出快照失败")
	}
	cutoff := m.retentionCutoff()

	loaded := 0
	for _, date := range tags {
		if _, perr := time.Parse(domain.DateLayout, date); perr != nil {
			orderManagerLog.Warnf("忽略无法识别的快照: %s", date)
			continue
		}
		store := m.store.NewStore(snapshotPrefix, m.opts.ServiceName, date)
		if date < cutoff {
			if derr := store.Delete(); derr != nil {
				orderManagerLog.Warnf("删除过期快照失败: %s %v", store.Key(), derr)
			} else {
				orderManagerLog.Infof("🧹 删除过期快照: %s", store.Key())
			}
			continue
		}

		var snap DaySnapshot
		if lerr := store.Load(&snap); lerr != nil {
			if errors.Is(lerr, persistence.ErrNotExists) {
				continue
			}
			return errors.Wrapf(lerr, "加载快照 %s", store.Key())
		}
		m.installSnapshot(date, &snap)
		loaded++
	}
	orderManagerLog.Infof("📂 历史快照加载完成: %d 个交易日（保留期 %d 天）", loaded, m.opts.RetentionDays)
	return nil
}

// installSnapshot 替换交易日数据并重建下发索引
func (m *OrderManager) installSnapshot(date string, snap *DaySnapshot) {
	day := make(map[string]*codeBook, len(snap.Books))
	for code, cb := range snap.Books {
		if cb == nil {
			continue
		}
		b := newCodeBook()
		for no, ns := range cb.PendingTrns {
			b.PendingTrns[no] = ns
		}
		for agentID, orders := range cb.IncompletedOrders {
			b.IncompletedOrders[agentID] = orders
		}
		for agentID, orders := range cb.CompletedOrders {
			b.CompletedOrders[agentID] = orders
		}
		for agentID, ds := range cb.PendingDispatches {
			b.PendingDispatches[agentID] = ds
		}
		day[code] = b
	}

	m.mu.Lock()
	m.days[date] = day
	m.mu.Unlock()

	m.dispatchMu.Lock()
	for code, b := range day {
		for agentID, ds := range b.PendingDispatches {
			for id, d := range ds {
				if _, dup := m.dispatchIndex[id]; !dup {
					m.agentPending[agentID]++
				}
				m.dispatchIndex[id] = dispatchRef{date: date, code: code, agentID: agentID, book: b}
				for {
					cur := m.dispatchSeq.Load()
					if d.Seq <= cur || m.dispatchSeq.CompareAndSwap(cur, d.Seq) {
						break
					}
				}
			}
		}
	}
	m.dispatchMu.Unlock()
}

// retentionCutoff 最早保留的交易日（含）
func (m *OrderManager) retentionCutoff() string {
	return m.dateOf(m.now().AddDate(0, 0, -(m.opts.RetentionDays - 1)))
}

// purgeExpired 从内存与存储中删除保留期以外的交易日
func (m *OrderManager) purgeExpired() {
	cutoff := m.retentionCutoff()

	m.mu.Lock()
	var expired []string
	for date := range m.days {
		if date < cutoff {
			expired = append(expired, date)
		}
	}
	removed := make(map[string]map[string]*codeBook, len(expired))
	for _, date := range expired {
		removed[date] = m.days[date]
		delete(m.days, date)
		delete(m.dirty, date)
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	m.dispatchMu.Lock()
	for id, ref := range m.dispatchIndex {
		if _, gone := removed[ref.date]; !gone {
			continue
		}
		delete(m.dispatchIndex, id)
		m.agentPending[ref.agentID]--
		if m.agentPending[ref.agentID] <= 0 {
			delete(m.agentPending, ref.agentID)
		}
	}
	m.dispatchMu.Unlock()

	for _, date := range expired {
		if m.store != nil {
			if err := m.store.NewStore(snapshotPrefix, m.opts.ServiceName, date).Delete(); err != nil {
				orderManagerLog.Warnf("删除过期快照失败: %s %v", date, err)
			}
		}
		orderManagerLog.Infof("🧹 交易日 %s 已过保留期，清理完成", date)
	}
}

func (m *OrderManager) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.PersistToDisk(); err != nil {
				orderManagerLog.Warnf("定时快照失败: %v", err)
			}
		}
	}
}
