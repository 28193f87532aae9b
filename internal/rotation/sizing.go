package rotation

import (
	"context"
	"math"

	"github.com/ksred/klear-exec/internal/types"
)

// SizeHook scales incoming orders by the strategy's reduce_size advisory.
// It runs before risk evaluation, so the gate sees the reduced quantity.
type SizeHook struct {
	Supervisor *Supervisor
}

func (h SizeHook) BeforeExecution(_ context.Context, order *types.Order) error {
	m := h.Supervisor.SizeMultiplier(order.StrategyID)
	if m >= 1 || m <= 0 {
		return nil
	}
	scaled := math.Max(1, math.Floor(order.Quantity*m))
	if scaled >= order.Quantity {
		return nil
	}
	h.Supervisor.logger.Info().
		Str("order_id", order.OrderID).
		Str("strategy_id", order.StrategyID).
		Float64("multiplier", m).
		Float64("original_quantity", order.Quantity).
		Float64("scaled_quantity", scaled).
		Msg("order scaled by size advisory")
	order.Quantity = scaled
	return nil
}
