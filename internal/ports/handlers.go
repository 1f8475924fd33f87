package ports

import (
	"context"

	"github.com/betbot/omgate/internal/domain"
)

// NoticeHandler receives execution notices pushed by the upstream feed.
//
// NOTE: implementations must not block; the feed reader calls this inline.
type NoticeHandler interface {
	OnNotice(notice *domain.Notice)
}

// PriceHandler receives market data snapshots pushed by the upstream feed.
type PriceHandler interface {
	OnPrice(feed, code string, snapshot *domain.PriceSnapshot)
}

// AgentSink is the outbound half of a live agent session.
type AgentSink interface {
	AgentID() string
	SessionID() string
	Endpoint() string
	// Dispatch queues d for delivery and returns without waiting for the network.
	Dispatch(d *domain.Dispatch) error
}

// AgentLookup resolves the live session of an agent, if any.
type AgentLookup interface {
	Get(agentID string) (AgentSink, bool)
}

// AlarmSink records operational alarms.
type AlarmSink interface {
	RaiseAlarm(ctx context.Context, alarm *domain.Alarm) error
}
