package types

import (
	"errors"
	"strings"
	"time"
)

// TradeSignal is the single normalized instruction produced by the ingestion layer.
type TradeSignal struct {
	StrategyID     string      `json:"strategy_id" binding:"required"`
	Symbol         string      `json:"symbol" binding:"required"`
	Side           OrderSide   `json:"side" binding:"required"`
	Quantity       float64     `json:"quantity" binding:"required"`
	OrderType      OrderType   `json:"order_type"`
	Price          float64     `json:"price,omitempty"`
	StopPrice      float64     `json:"stop_price,omitempty"`
	TimeInForce    TimeInForce `json:"time_in_force,omitempty"`
	AccountGroup   string      `json:"account_group"`
	ExpectedLoss   float64     `json:"expected_loss,omitempty"`
	IdempotencyKey string      `json:"-"`
}

// Normalize upper-cases enums and fills defaults in place.
func (s *TradeSignal) Normalize() {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Side = OrderSide(strings.ToUpper(strings.TrimSpace(string(s.Side))))
	s.OrderType = OrderType(strings.ToUpper(strings.TrimSpace(string(s.OrderType))))
	if s.OrderType == "" {
		s.OrderType = OrderTypeMarket
	}
	if s.TimeInForce == "" {
		s.TimeInForce = TimeInForceDay
	}
	s.StrategyID = strings.TrimSpace(s.StrategyID)
	s.AccountGroup = strings.TrimSpace(s.AccountGroup)
}

func (s TradeSignal) Validate() error {
	switch {
	case s.StrategyID == "":
		return errors.New("strategy_id is required")
	case s.Symbol == "":
		return errors.New("symbol is required")
	case !s.Side.Valid():
		return errors.New("side must be BUY or SELL")
	case s.Quantity <= 0:
		return errors.New("quantity must be positive")
	case !s.OrderType.Valid():
		return errors.New("unsupported order type")
	case (s.OrderType == OrderTypeLimit || s.OrderType == OrderTypeStopLimit) && s.Price <= 0:
		return errors.New("limit orders require a price")
	case (s.OrderType == OrderTypeStop || s.OrderType == OrderTypeStopLimit) && s.StopPrice <= 0:
		return errors.New("stop orders require a stop price")
	case s.AccountGroup == "":
		return errors.New("account_group is required")
	}
	return nil
}

type SignalStatus string

const (
	SignalSuccess  SignalStatus = "success"
	SignalRejected SignalStatus = "rejected"
	SignalError    SignalStatus = "error"
)

// RiskCheck summarizes the pre-trade decision attached to a signal result.
type RiskCheck struct {
	Decision         string  `json:"decision"`
	Reason           string  `json:"reason,omitempty"`
	OriginalQuantity float64 `json:"original_quantity"`
	ApprovedQuantity float64 `json:"approved_quantity"`
}

// SignalResult is what the caller of ProcessSignal receives.
type SignalResult struct {
	Status    SignalStatus `json:"status"`
	OrderID   string       `json:"order_id,omitempty"`
	RiskCheck *RiskCheck   `json:"risk_check,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
	Timestamp time.Time    `json:"timestamp"`
}

// Session is process-wide trading state, reset daily.
type Session struct {
	IsActive      bool      `json:"is_active"`
	DailyPnL      float64   `json:"daily_pnl"`
	TradesToday   int       `json:"trades_today"`
	EmergencyStop bool      `json:"emergency_stop"`
	StopReason    string    `json:"stop_reason,omitempty"`
	LastTradeTime time.Time `json:"last_trade_time"`
	StartedAt     time.Time `json:"started_at"`
}

func NewSession(now time.Time) Session {
	return Session{IsActive: true, StartedAt: now}
}
