package performance

import (
	"encoding/json"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-exec/internal/types"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusStopped      Status = "stopped"
	StatusAutoDisabled Status = "auto_disabled"
)

// AutoDisableRules are the thresholds that switch an ACTIVE strategy off.
// Zero values disable the corresponding check.
type AutoDisableRules struct {
	MaxDrawdown          float64 `json:"max_drawdown"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MinWinRate           float64 `json:"min_win_rate"`
	MinProfitFactor      float64 `json:"min_profit_factor"`
	MinTradesForRatios   int     `json:"min_trades_for_ratios"`
}

// TradeRecord is one round trip attributed to a strategy. Trades without an
// exit are open and ignored by the ledger.
type TradeRecord struct {
	TradeID    string          `json:"trade_id"`
	StrategyID string          `json:"strategy_id"`
	AccountID  string          `json:"account_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Side       types.OrderSide `json:"side"`
	Quantity   float64         `json:"quantity"`
	EntryPrice float64         `json:"entry_price"`
	ExitPrice  float64         `json:"exit_price,omitempty"`
	PnL        float64         `json:"pnl"`
	ExitTime   *time.Time      `json:"exit_time,omitempty"`
}

func (t TradeRecord) IsClosed() bool {
	return t.ExitTime != nil
}

type StrategyPerformance struct {
	StrategyID           string  `json:"strategy_id"`
	TotalTrades          int     `json:"total_trades"`
	WinningTrades        int     `json:"winning_trades"`
	LosingTrades         int     `json:"losing_trades"`
	TotalPnL             float64 `json:"total_pnl"`
	GrossProfit          float64 `json:"gross_profit"`
	GrossLoss            float64 `json:"gross_loss"`
	PeakEquity           float64 `json:"peak_equity"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	CurrentDrawdown      float64 `json:"current_drawdown"`
	ConsecutiveWins      int     `json:"consecutive_wins"`
	ConsecutiveLosses    int     `json:"consecutive_losses"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	WinRate              float64 `json:"win_rate"`
	ProfitFactor         float64 `json:"profit_factor"`
	Status               Status  `json:"status"`
	DisabledReason       string  `json:"disabled_reason,omitempty"`
	// RequiresReview stays set from an automatic disable until Enable passes
	// the re-enable criteria, whatever status the strategy moves through.
	RequiresReview bool             `json:"requires_review"`
	Rules          AutoDisableRules `json:"auto_disable_rules"`
	EquityCurve    []float64        `json:"equity_curve"`
	LastTradeAt    time.Time        `json:"last_trade_at"`
}

// MarshalJSON renders an uncapped profit factor as null.
func (p StrategyPerformance) MarshalJSON() ([]byte, error) {
	type alias StrategyPerformance
	out := struct {
		alias
		ProfitFactor *float64 `json:"profit_factor"`
	}{alias: alias(p)}
	if !math.IsInf(p.ProfitFactor, 0) && !math.IsNaN(p.ProfitFactor) {
		pf := p.ProfitFactor
		out.ProfitFactor = &pf
	}
	return json.Marshal(out)
}

// Metric returns a named metric for rotation rules.
func (p StrategyPerformance) Metric(name string) (float64, bool) {
	switch name {
	case "total_trades":
		return float64(p.TotalTrades), true
	case "win_rate":
		return p.WinRate, true
	case "profit_factor":
		return p.ProfitFactor, true
	case "total_pnl":
		return p.TotalPnL, true
	case "max_drawdown":
		return p.MaxDrawdown, true
	case "current_drawdown":
		return p.CurrentDrawdown, true
	case "consecutive_losses":
		return float64(p.ConsecutiveLosses), true
	case "max_consecutive_losses":
		return float64(p.MaxConsecutiveLosses), true
	case "avg_pnl":
		if p.TotalTrades == 0 {
			return 0, true
		}
		return p.TotalPnL / float64(p.TotalTrades), true
	}
	return 0, false
}

// StrategySnapshot persists a strategy's status and full trade history; the
// statistics are rebuilt from the history on load.
type StrategySnapshot struct {
	gorm.Model     `json:"-"`
	StrategyID     string        `gorm:"uniqueIndex" json:"strategy_id"`
	Status         Status        `json:"status"`
	DisabledReason string        `json:"disabled_reason"`
	RequiresReview bool          `json:"requires_review"`
	TotalTrades    int           `json:"total_trades"`
	TotalPnL       float64       `json:"total_pnl"`
	WinRate        float64       `json:"win_rate"`
	Trades         []TradeRecord `gorm:"serializer:json" json:"trades"`
	TakenAt        time.Time     `json:"taken_at"`
}
