package broker

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-exec/internal/types"
)

var (
	ErrOrderNotFound   = errors.New("broker order not found")
	ErrAccountNotFound = errors.New("broker account not found")
	ErrRejected        = errors.New("order rejected by broker")
)

// OrderUpdate is the broker's view of an order at one point in time.
// Quantities and costs are cumulative.
type OrderUpdate struct {
	BrokerOrderID  string            `json:"broker_order_id"`
	Status         types.OrderStatus `json:"status"`
	FilledQuantity float64           `json:"filled_quantity"`
	AvgFillPrice   float64           `json:"avg_fill_price"`
	Commission     float64           `json:"commission"`
	Fees           float64           `json:"fees"`
	Reason         string            `json:"reason,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Broker is the vendor-neutral execution collaborator. Every call must honour ctx.
type Broker interface {
	PlaceOrder(ctx context.Context, order *types.Order) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderUpdate, error)
	GetPositions(ctx context.Context, accountID string) ([]types.Position, error)
	GetAccountInfo(ctx context.Context, accountID string) (types.AccountBalances, error)
}

// Quoter is implemented by brokers that can supply a last traded price.
type Quoter interface {
	LastPrice(symbol string) (float64, bool)
}
