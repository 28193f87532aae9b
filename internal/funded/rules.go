package funded

import (
	"math"
	"strings"

	"github.com/ksred/klear-exec/internal/risk"
)

// Rules holds the numeric limits of one funded account and the P&L state
// they are measured against. Equity is StartingEquity + CurrentDailyPnL;
// PeakEquity only moves up and CurrentDrawdown = PeakEquity - equity.
type Rules struct {
	MaxDailyLoss      float64  `json:"max_daily_loss"`
	TrailingDrawdown  float64  `json:"trailing_drawdown"`
	MaxContracts      int      `json:"max_contracts"`
	ProfitTarget      float64  `json:"profit_target"`
	InitialEquity     float64  `json:"initial_equity"`
	StartingEquity    float64  `json:"starting_equity"`
	CurrentDailyPnL   float64  `json:"current_daily_pnl"`
	CurrentDrawdown   float64  `json:"current_drawdown"`
	PeakEquity        float64  `json:"peak_equity"`
	RestrictedSymbols []string `gorm:"serializer:json" json:"restricted_symbols"`
	AllowOvernight    bool     `json:"allow_overnight"`
	AllowNewsTrading  bool     `json:"allow_news_trading"`
}

func NewRules(startingEquity, maxDailyLoss, trailingDrawdown float64, maxContracts int) Rules {
	return Rules{
		MaxDailyLoss:     maxDailyLoss,
		TrailingDrawdown: trailingDrawdown,
		MaxContracts:     maxContracts,
		InitialEquity:    startingEquity,
		StartingEquity:   startingEquity,
		PeakEquity:       startingEquity,
	}
}

func (r *Rules) Equity() float64 {
	return r.StartingEquity + r.CurrentDailyPnL
}

// CanTrade checks a proposed fill of signedQty contracts in symbol against the
// limits. positions holds the current signed contracts per symbol and
// expectedLoss is the additional loss the trade may realize.
func (r *Rules) CanTrade(symbol string, signedQty float64, positions map[string]float64, expectedLoss float64) (bool, string) {
	if r.MaxDailyLoss > 0 && r.CurrentDailyPnL-math.Abs(expectedLoss) <= -r.MaxDailyLoss {
		return false, risk.ReasonDailyLossLimit
	}
	if r.MaxContracts > 0 && ResultingContracts(positions, symbol, signedQty) > float64(r.MaxContracts) {
		return false, risk.ReasonContractLimit
	}
	if r.TrailingDrawdown > 0 && r.CurrentDrawdown >= r.TrailingDrawdown {
		return false, risk.ReasonTrailingDrawdown
	}
	if r.IsRestricted(symbol) {
		return false, risk.ReasonRestrictedSymbol
	}
	return true, ""
}

// UpdateDailyPnl sets the day's P&L and recomputes peak and drawdown.
func (r *Rules) UpdateDailyPnl(newPnl float64) {
	r.CurrentDailyPnL = newPnl
	equity := r.Equity()
	if equity > r.PeakEquity {
		r.PeakEquity = equity
	}
	r.CurrentDrawdown = math.Max(0, r.PeakEquity-equity)
}

// ResetDaily rolls the day's P&L into starting equity. Peak and drawdown carry over.
func (r *Rules) ResetDaily() {
	r.StartingEquity += r.CurrentDailyPnL
	r.CurrentDailyPnL = 0
}

func (r *Rules) ProfitTargetReached() bool {
	return r.ProfitTarget > 0 && r.Equity()-r.InitialEquity >= r.ProfitTarget
}

func (r *Rules) IsRestricted(symbol string) bool {
	for _, s := range r.RestrictedSymbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// ResultingContracts is the absolute contract count across all symbols after
// applying signedQty to symbol.
func ResultingContracts(positions map[string]float64, symbol string, signedQty float64) float64 {
	var total float64
	for s, q := range positions {
		if s == symbol {
			continue
		}
		total += math.Abs(q)
	}
	return total + math.Abs(positions[symbol]+signedQty)
}

func OpenContracts(positions map[string]float64) float64 {
	var total float64
	for _, q := range positions {
		total += math.Abs(q)
	}
	return total
}
