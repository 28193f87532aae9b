package performance

import (
	"fmt"
	"math"
)

// apply folds one closed trade into p. It is the only place statistics change,
// so incremental updates and Replay always agree.
func apply(p *StrategyPerformance, t TradeRecord) {
	p.TotalTrades++
	p.TotalPnL += t.PnL

	switch {
	case t.PnL > 0:
		p.WinningTrades++
		p.GrossProfit += t.PnL
		p.ConsecutiveWins++
		p.ConsecutiveLosses = 0
	case t.PnL < 0:
		p.LosingTrades++
		p.GrossLoss += -t.PnL
		p.ConsecutiveLosses++
		p.ConsecutiveWins = 0
		if p.ConsecutiveLosses > p.MaxConsecutiveLosses {
			p.MaxConsecutiveLosses = p.ConsecutiveLosses
		}
	}

	equity := p.TotalPnL
	p.EquityCurve = append(p.EquityCurve, equity)
	if equity > p.PeakEquity {
		p.PeakEquity = equity
	}
	p.CurrentDrawdown = math.Max(0, p.PeakEquity-equity)
	if p.CurrentDrawdown > p.MaxDrawdown {
		p.MaxDrawdown = p.CurrentDrawdown
	}

	p.WinRate = float64(p.WinningTrades) / float64(p.TotalTrades)
	p.ProfitFactor = profitFactor(p.GrossProfit, p.GrossLoss)
	if t.ExitTime != nil {
		p.LastTradeAt = *t.ExitTime
	}
}

// profitFactor is +Inf while there are no losses.
func profitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss == 0 {
		return math.Inf(1)
	}
	return grossProfit / grossLoss
}

// Replay rebuilds statistics from a full trade history. Status is left ACTIVE.
func Replay(strategyID string, rules AutoDisableRules, trades []TradeRecord) StrategyPerformance {
	p := newPerformance(strategyID, rules)
	for _, t := range trades {
		if t.IsClosed() {
			apply(&p, t)
		}
	}
	return p
}

func newPerformance(strategyID string, rules AutoDisableRules) StrategyPerformance {
	return StrategyPerformance{
		StrategyID:   strategyID,
		Status:       StatusActive,
		Rules:        rules,
		ProfitFactor: math.Inf(1),
		EquityCurve:  []float64{},
	}
}

// breach returns why p violates its rules, or "" when it does not.
func breach(p StrategyPerformance) string {
	r := p.Rules
	if r.MaxDrawdown > 0 && p.CurrentDrawdown > r.MaxDrawdown {
		return fmt.Sprintf("drawdown %.2f exceeds %.2f", p.CurrentDrawdown, r.MaxDrawdown)
	}
	if r.MaxConsecutiveLosses > 0 && p.ConsecutiveLosses > r.MaxConsecutiveLosses {
		return fmt.Sprintf("%d consecutive losses exceeds %d", p.ConsecutiveLosses, r.MaxConsecutiveLosses)
	}
	if p.TotalTrades < r.MinTradesForRatios {
		return ""
	}
	if r.MinWinRate > 0 && p.WinRate < r.MinWinRate {
		return fmt.Sprintf("win rate %.2f below %.2f", p.WinRate, r.MinWinRate)
	}
	if r.MinProfitFactor > 0 && p.ProfitFactor < r.MinProfitFactor {
		return fmt.Sprintf("profit factor %.2f below %.2f", p.ProfitFactor, r.MinProfitFactor)
	}
	return ""
}
