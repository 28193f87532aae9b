package funded

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-exec/internal/types"
)

// FlattenResult is what a flatten request reports back.
type FlattenResult struct {
	Success         bool `json:"success"`
	PositionsClosed int  `json:"positions_closed"`
}

// Connector is the capital provider's side of a funded account.
type Connector interface {
	ReportTradeExecution(ctx context.Context, accountID, symbol string, qty, price float64, side types.OrderSide) (bool, error)
	GetRuleViolations(ctx context.Context, accountID string) ([]RuleViolation, error)
	EmergencyFlattenPositions(ctx context.Context, accountID string) (FlattenResult, error)
}

// Flattener closes every position and cancels every working order of an account.
// The execution engine implements it.
type Flattener interface {
	FlattenAccount(ctx context.Context, accountID string) (int, error)
}

// LogConnector is used when no provider integration is configured.
type LogConnector struct{}

func (LogConnector) ReportTradeExecution(_ context.Context, accountID, symbol string, qty, price float64, side types.OrderSide) (bool, error) {
	log.Debug().
		Str("component", "funded_connector").
		Str("account_id", accountID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("quantity", qty).
		Float64("price", price).
		Msg("trade execution reported")
	return true, nil
}

func (LogConnector) GetRuleViolations(context.Context, string) ([]RuleViolation, error) {
	return nil, nil
}

func (LogConnector) EmergencyFlattenPositions(_ context.Context, accountID string) (FlattenResult, error) {
	log.Warn().Str("component", "funded_connector").Str("account_id", accountID).Msg("provider flatten requested")
	return FlattenResult{Success: true}, nil
}
