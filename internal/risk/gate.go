package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/portfolio"
	"github.com/ksred/klear-exec/internal/types"
)

type Decision string

const (
	Approved              Decision = "APPROVED"
	ApprovedWithReduction Decision = "APPROVED_WITH_REDUCTION"
	Rejected              Decision = "REJECTED"
)

// Reason codes are machine readable and shared with the funded-account rules.
const (
	ReasonEmergencyStop      = "REJECTED_EMERGENCY_STOP"
	ReasonDailyLossLimit     = "REJECTED_DAILY_LOSS_LIMIT"
	ReasonMarketClosed       = "REJECTED_MARKET_CLOSED"
	ReasonInsufficientFunds  = "REJECTED_INSUFFICIENT_FUNDS"
	ReasonConcentration      = "REJECTED_CONCENTRATION"
	ReasonPriceUnavailable   = "REJECTED_PRICE_UNAVAILABLE"
	ReasonHook               = "REJECTED_HOOK"
	ReasonBuyingPower        = "REDUCED_BUYING_POWER"
	ReasonPositionSize       = "REDUCED_POSITION_SIZE"
	ReasonStrategyDisabled   = "REJECTED_STRATEGY_DISABLED"
	ReasonAccountSuspended   = "REJECTED_ACCOUNT_SUSPENDED"
	ReasonContractLimit      = "REJECTED_CONTRACT_LIMIT"
	ReasonTrailingDrawdown   = "REJECTED_TRAILING_DRAWDOWN"
	ReasonRestrictedSymbol   = "REJECTED_RESTRICTED_SYMBOL"
	ReasonOutsideTradingTime = "REJECTED_OUTSIDE_TRADING_HOURS"
	ReasonActiveViolation    = "REJECTED_ACTIVE_VIOLATION"
)

// Result is the outcome of a pre-trade evaluation.
type Result struct {
	Decision         Decision `json:"decision"`
	Reason           string   `json:"reason,omitempty"`
	Message          string   `json:"message,omitempty"`
	OriginalQuantity float64  `json:"original_quantity"`
	ApprovedQuantity float64  `json:"approved_quantity"`
	EstimatedPrice   float64  `json:"estimated_price"`
}

func (r Result) IsApproved() bool {
	return r.Decision == Approved || r.Decision == ApprovedWithReduction
}

func (r Result) Check() *types.RiskCheck {
	return &types.RiskCheck{
		Decision:         string(r.Decision),
		Reason:           r.Reason,
		OriginalQuantity: r.OriginalQuantity,
		ApprovedQuantity: r.ApprovedQuantity,
	}
}

// Hook is a custom pre-trade check. A non-nil error rejects the order.
type Hook interface {
	CheckRisk(order *types.Order, account types.AccountBalances, snap portfolio.Snapshot) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(order *types.Order, account types.AccountBalances, snap portfolio.Snapshot) error

func (f HookFunc) CheckRisk(order *types.Order, account types.AccountBalances, snap portfolio.Snapshot) error {
	return f(order, account, snap)
}

type Limits struct {
	MaxDailyLoss     float64
	MaxPositionSize  float64
	MaxConcentration float64
}

// Gate evaluates candidate orders. It never mutates its inputs.
type Gate struct {
	limits Limits
	hours  *MarketHours
	hooks  []Hook
	now    func() time.Time
	logger zerolog.Logger
}

func NewGate(cfg config.RiskConfig) (*Gate, error) {
	hours, err := NewMarketHours(cfg.MarketHours)
	if err != nil {
		return nil, err
	}
	return &Gate{
		limits: Limits{
			MaxDailyLoss:     cfg.MaxDailyLoss,
			MaxPositionSize:  cfg.MaxPositionSize,
			MaxConcentration: cfg.MaxConcentration,
		},
		hours:  hours,
		now:    time.Now,
		logger: log.With().Str("component", "risk_gate").Logger(),
	}, nil
}

// AddHook appends a custom check; hooks run in registration order.
func (g *Gate) AddHook(h Hook) {
	g.hooks = append(g.hooks, h)
}

// SetClock overrides the time source used for market-hours checks.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Gate) Limits() Limits {
	return g.limits
}

// Evaluate runs the checks in order and stops at the first rejection.
func (g *Gate) Evaluate(order *types.Order, session types.Session, account types.AccountBalances, snap portfolio.Snapshot) Result {
	res := Result{Decision: Approved, OriginalQuantity: order.Quantity, ApprovedQuantity: order.Quantity}

	if session.EmergencyStop {
		return g.reject(order, res, ReasonEmergencyStop, "emergency stop is active")
	}
	if g.limits.MaxDailyLoss > 0 && session.DailyPnL <= -g.limits.MaxDailyLoss {
		return g.reject(order, res, ReasonDailyLossLimit,
			fmt.Sprintf("daily pnl %.2f breached limit %.2f", session.DailyPnL, g.limits.MaxDailyLoss))
	}
	if !g.hours.IsOpen(g.now()) {
		return g.reject(order, res, ReasonMarketClosed, "outside allowed trading hours")
	}

	existing := snap.Positions[order.Symbol]
	price := estimatePrice(order, existing)
	res.EstimatedPrice = price

	if increasesExposure(existing.Quantity, order) {
		if price <= 0 {
			return g.reject(order, res, ReasonPriceUnavailable, "no reference price for order")
		}
		positionValue := order.Quantity * price

		if positionValue > account.CashBalance {
			return g.reject(order, res, ReasonInsufficientFunds,
				fmt.Sprintf("position value %.2f exceeds cash %.2f", positionValue, account.CashBalance))
		}
		if positionValue > account.BuyingPower {
			res.Decision = ApprovedWithReduction
			res.Reason = ReasonBuyingPower
		}

		portfolioValue := valueOf(account, snap)
		if portfolioValue > 0 {
			if existing.Quantity != 0 && g.limits.MaxConcentration > 0 {
				combined := (math.Abs(existing.MarketValue()) + positionValue) / portfolioValue
				if combined > g.limits.MaxConcentration {
					return g.reject(order, res, ReasonConcentration,
						fmt.Sprintf("combined weight %.2f exceeds %.2f", combined, g.limits.MaxConcentration))
				}
			}
			if g.limits.MaxPositionSize > 0 && positionValue/portfolioValue > g.limits.MaxPositionSize {
				if res.Decision != ApprovedWithReduction {
					res.Reason = ReasonPositionSize
				}
				res.Decision = ApprovedWithReduction
			}
		}
	}

	for _, h := range g.hooks {
		if err := h.CheckRisk(order, account, snap); err != nil {
			return g.reject(order, res, ReasonHook, err.Error())
		}
	}

	if res.Decision == ApprovedWithReduction {
		res.ApprovedQuantity = g.OptimizePositionSize(order, account, snap)
		g.logger.Info().
			Str("order_id", order.OrderID).
			Str("symbol", order.Symbol).
			Float64("original_quantity", res.OriginalQuantity).
			Float64("approved_quantity", res.ApprovedQuantity).
			Str("reason", res.Reason).
			Msg("order approved with reduced size")
	}
	return res
}

// OptimizePositionSize returns min(quantity, buyingPower/price, maxPositionValue/price)
// floored to whole units, never below one unit unless less was requested.
func (g *Gate) OptimizePositionSize(order *types.Order, account types.AccountBalances, snap portfolio.Snapshot) float64 {
	price := estimatePrice(order, snap.Positions[order.Symbol])
	if price <= 0 {
		return order.Quantity
	}
	qty := order.Quantity
	if account.BuyingPower >= 0 {
		qty = math.Min(qty, account.BuyingPower/price)
	}
	if pv := valueOf(account, snap); g.limits.MaxPositionSize > 0 && pv > 0 {
		qty = math.Min(qty, g.limits.MaxPositionSize*pv/price)
	}
	qty = math.Floor(qty)
	if qty < 1 {
		qty = math.Min(1, order.Quantity)
	}
	return qty
}

func (g *Gate) reject(order *types.Order, res Result, reason, msg string) Result {
	res.Decision = Rejected
	res.Reason = reason
	res.Message = msg
	res.ApprovedQuantity = 0
	g.logger.Warn().
		Str("order_id", order.OrderID).
		Str("strategy_id", order.StrategyID).
		Str("symbol", order.Symbol).
		Str("reason", reason).
		Msg(msg)
	return res
}

func estimatePrice(order *types.Order, existing types.Position) float64 {
	if p := order.ReferencePrice(); p > 0 {
		return p
	}
	if existing.MarketPrice > 0 {
		return existing.MarketPrice
	}
	return existing.AvgCost
}

// increasesExposure is true when the resulting absolute position is larger than today's.
func increasesExposure(current float64, order *types.Order) bool {
	next := current + order.Side.Sign()*order.Quantity
	return math.Abs(next) > math.Abs(current)
}

func valueOf(account types.AccountBalances, snap portfolio.Snapshot) float64 {
	if account.Equity > 0 {
		return account.Equity
	}
	return account.CashBalance + snap.Gross
}
