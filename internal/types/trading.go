package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

func (s OrderSide) Opposite() OrderSide {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusOpen},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is owned by the execution engine while active and becomes a
// historical record once it reaches a terminal status.
type Order struct {
	ID             uint        `gorm:"primaryKey" json:"-"`
	OrderID        string      `gorm:"uniqueIndex" json:"order_id"`
	BrokerOrderID  string      `gorm:"index" json:"broker_order_id,omitempty"`
	AccountID      string      `gorm:"index" json:"account_id"`
	StrategyID     string      `gorm:"index" json:"strategy_id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	OrderType      OrderType   `json:"order_type"`
	Quantity       float64     `json:"quantity"`
	LimitPrice     float64     `json:"limit_price,omitempty"`
	StopPrice      float64     `json:"stop_price,omitempty"`
	ExpectedPrice  float64     `json:"expected_price,omitempty"`
	TimeInForce    TimeInForce `json:"time_in_force"`
	Status         OrderStatus `gorm:"index" json:"status"`
	FilledQuantity float64     `json:"filled_quantity"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	Commission     float64     `json:"commission"`
	Fees           float64     `json:"fees"`
	RejectReason   string      `json:"reject_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Transition moves the order to next, refusing anything the lifecycle does not allow.
func (o *Order) Transition(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = time.Now()
	return nil
}

// ReferencePrice is the best price known for the order before it fills.
func (o *Order) ReferencePrice() float64 {
	switch {
	case o.LimitPrice > 0:
		return o.LimitPrice
	case o.StopPrice > 0:
		return o.StopPrice
	}
	return o.ExpectedPrice
}

func (o *Order) RemainingQuantity() float64 {
	return o.Quantity - o.FilledQuantity
}

// Execution is an immutable fill record, one per fill event.
type Execution struct {
	gorm.Model  `json:"-"`
	ExecutionID string    `gorm:"uniqueIndex" json:"execution_id"`
	OrderID     string    `gorm:"index" json:"order_id"`
	AccountID   string    `gorm:"index" json:"account_id"`
	StrategyID  string    `gorm:"index" json:"strategy_id"`
	Symbol      string    `json:"symbol"`
	Side        OrderSide `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Commission  float64   `json:"commission"`
	Fees        float64   `json:"fees"`
	RealizedPnL float64   `json:"realized_pnl"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e Execution) Notional() float64 {
	v, _ := decimal.NewFromFloat(e.Quantity).Mul(decimal.NewFromFloat(e.Price)).Float64()
	return v
}

// NetValue is the signed cash flow of the fill: sells credit, buys debit,
// commission and fees always debit.
func (e Execution) NetValue() float64 {
	notional := decimal.NewFromFloat(e.Quantity).Mul(decimal.NewFromFloat(e.Price))
	if e.Side == SideBuy {
		notional = notional.Neg()
	}
	costs := decimal.NewFromFloat(e.Commission).Add(decimal.NewFromFloat(e.Fees))
	v, _ := notional.Sub(costs).Float64()
	return v
}

// Position is a net holding per account and symbol; negative quantity is short.
type Position struct {
	AccountID   string  `json:"account_id"`
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	AvgCost     float64 `json:"avg_cost"`
	MarketPrice float64 `json:"market_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Weight      float64 `json:"weight"`
}

// MarketValue uses the last known market price, falling back to cost.
func (p Position) MarketValue() float64 {
	price := p.MarketPrice
	if price <= 0 {
		price = p.AvgCost
	}
	return p.Quantity * price
}

// AccountBalances is the broker-reported funding picture for one account.
type AccountBalances struct {
	AccountID   string  `json:"account_id"`
	CashBalance float64 `json:"cash_balance"`
	BuyingPower float64 `json:"buying_power"`
	Equity      float64 `json:"equity"`
}
