package trading

import (
	"context"

	"github.com/ksred/klear-exec/internal/funded"
	"github.com/ksred/klear-exec/internal/performance"
	"github.com/ksred/klear-exec/internal/types"
)

// PreExecutionHook runs before risk evaluation; an error rejects the signal.
type PreExecutionHook interface {
	BeforeExecution(ctx context.Context, order *types.Order) error
}

// PostExecutionHook observes every signal outcome. It cannot change it.
type PostExecutionHook interface {
	AfterExecution(ctx context.Context, order types.Order, result types.SignalResult)
}

// FillHook receives every execution after portfolio and session are updated.
// Errors are logged; they never undo the fill.
type FillHook interface {
	OnFill(ctx context.Context, exec types.Execution) error
}

// StrategyRegistry decides whether a strategy may trade.
type StrategyRegistry interface {
	IsTradable(strategyID string) (bool, performance.Status)
	Register(strategyID string)
}

// TradeRecorder receives closed trades for performance tracking.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, trade performance.TradeRecord) (performance.StrategyPerformance, bool)
}

// AccountGate applies funded-account rules before risk evaluation.
type AccountGate interface {
	CheckTrade(accountID, symbol string, side types.OrderSide, qty, expectedLoss float64, working map[string]float64) funded.Check
}

// PositionSyncer is optionally implemented by an AccountGate that tracks contracts.
type PositionSyncer interface {
	SyncPositions(accountID string, positions []types.Position)
}
