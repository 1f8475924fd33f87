package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/betbot/omgate/internal/domain"
)

// StaleNotice 在 pending_trns 中停留过久的回报
type StaleNotice struct {
	Date    string         `json:"date"`
	Code    string         `json:"code"`
	OrderNo string         `json:"order_no"`
	Age     time.Duration  `json:"age"`
	Notice  *domain.Notice `json:"notice"`
}

// PendingTrnsTimeout 找出超时未匹配的缓冲回报。
//
// 超时回报只告警（每条一次），不会被丢弃：对应订单仍可能晚到并回放。
func (m *OrderManager) PendingTrnsTimeout() []StaleNotice {
	now := m.now()
	var stale []StaleNotice
	for _, date := range m.sortedDates() {
		for code, b := range m.booksOf(date) {
			b.mu.RLock()
			for no, ns := range b.PendingTrns {
				for _, n := range ns {
					if age := n.Age(now); age > m.opts.PendingNoticeTimeout {
						nc := *n
						stale = append(stale, StaleNotice{Date: date, Code: code, OrderNo: no, Age: age, Notice: &nc})
					}
				}
			}
			b.mu.RUnlock()
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Age > stale[j].Age })

	for _, s := range stale {
		key := fmt.Sprintf("%s/%s/%s/%d", s.Date, s.Code, s.OrderNo, s.Notice.ReceivedAt.UnixNano())
		m.staleMu.Lock()
		_, seen := m.staleFlagged[key]
		m.staleFlagged[key] = struct{}{}
		m.staleMu.Unlock()
		if seen {
			continue
		}
		m.stats.staleNotices.Add(1)
		m.raiseAlarm(domain.AlarmStaleNotice, s.Code, s.OrderNo, "",
			fmt.Sprintf("回报缓冲超时未匹配订单: 已等待 %s kind=%s", s.Age.Truncate(time.Second), s.Notice.Kind()))
	}
	return stale
}

// forgetStale 清理已不在缓冲区中的告警记录
func (m *OrderManager) forgetStale(current []StaleNotice) {
	keep := make(map[string]struct{}, len(current))
	for _, s := range current {
		keep[fmt.Sprintf("%s/%s/%s/%d", s.Date, s.Code, s.OrderNo, s.Notice.ReceivedAt.UnixNano())] = struct{}{}
	}
	m.staleMu.Lock()
	for k := range m.staleFlagged {
		if _, ok := keep[k]; !ok {
			delete(m.staleFlagged, k)
		}
	}
	m.staleMu.Unlock()
}

func (m *OrderManager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// checkBacklog 积压超过阈值时告警，每次越线只告警一次，积压项从不丢弃
func (m *OrderManager) checkBacklog() {
	limit := m.opts.BacklogAlarmAt
	over := make(map[string]string)

	m.dispatchMu.Lock()
	for agentID, n := range m.agentPending {
		if n > limit {
			over["dispatch/"+agentID] = fmt.Sprintf("agent %s 未确认下发 %d 条", agentID, n)
		}
	}
	m.dispatchMu.Unlock()
	if n := m.Stats().PendingTrns; n > limit {
		over["pending_trns"] = fmt.Sprintf("未匹配回报缓冲 %d 条", n)
	}

	m.staleMu.Lock()
	var raise []string
	for key := range over {
		if _, ok := m.backlogged[key]; !ok {
			m.backlogged[key] = struct{}{}
			raise = append(raise, key)
		}
	}
	for key := range m.backlogged {
		if _, ok := over[key]; !ok {
			delete(m.backlogged, key)
		}
	}
	m.staleMu.Unlock()

	sort.Strings(raise)
	for _, key := range raise {
		agentID := ""
		if strings.HasPrefix(key, "dispatch/") {
			agentID = strings.TrimPrefix(key, "dispatch/")
		}
		m.raiseAlarm(domain.AlarmBacklog, "", "", agentID, over[key])
	}
}

// sweep 定时巡检
func (m *OrderManager) sweep() {
	stale := m.PendingTrnsTimeout()
	m.forgetStale(stale)
	m.checkBacklog()
	m.checkSyncs(m.now())
	m.purgeExpired()
}
