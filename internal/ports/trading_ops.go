package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/omgate/internal/domain"
)

// Small capability interfaces for the upstream brokerage connection.

type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.SubmitResult, error)
}

type CancelSubmitter interface {
	SubmitCancel(ctx context.Context, cancel *domain.Order) (*domain.SubmitResult, error)
}

type MaxOrderSizeQuerier interface {
	// MaxOrderSize returns the largest quantity the account may order at price.
	MaxOrderSize(ctx context.Context, code string, side domain.Side, price decimal.Decimal) (int64, error)
}

// Broker is everything OrderManager and the session layer need from upstream.
type Broker interface {
	OrderSubmitter
	CancelSubmitter
	MaxOrderSizeQuerier
}

// MarketFeed issues upstream subscribe/unsubscribe for a (feed, code) pair.
type MarketFeed interface {
	Subscribe(ctx context.Context, feed, code string) error
	Unsubscribe(ctx context.Context, feed, code string) error
}
