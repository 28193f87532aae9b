package portfolio

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exec/internal/types"
)

// quantityEpsilon treats float residue after a full close as flat.
const quantityEpsilon = 1e-9

// Portfolio holds the net positions of one account. It is not safe for
// concurrent use; the execution engine serializes access.
type Portfolio struct {
	AccountID string
	positions map[string]*types.Position
}

func New(accountID string) *Portfolio {
	return &Portfolio{AccountID: accountID, positions: make(map[string]*types.Position)}
}

// FillResult describes how a fill changed a position.
type FillResult struct {
	RealizedPnL    float64
	ClosedQuantity float64
	EntryPrice     float64
	Opened         bool
	Flipped        bool
}

// ApplyFill folds one execution into the position for its symbol:
// weighted-average cost on same-direction fills, reduce/close/flip on opposite ones.
func (p *Portfolio) ApplyFill(exec types.Execution) FillResult {
	pos, ok := p.positions[exec.Symbol]
	if !ok {
		pos = &types.Position{AccountID: p.AccountID, Symbol: exec.Symbol}
		p.positions[exec.Symbol] = pos
	}

	qty := decimal.NewFromFloat(pos.Quantity)
	avg := decimal.NewFromFloat(pos.AvgCost)
	fillQty := decimal.NewFromFloat(exec.Quantity)
	price := decimal.NewFromFloat(exec.Price)
	signed := fillQty
	if exec.Side == types.SideSell {
		signed = fillQty.Neg()
	}

	var res FillResult
	res.EntryPrice = pos.AvgCost

	if qty.IsZero() || qty.Sign() == signed.Sign() {
		newQty := qty.Add(signed)
		cost := qty.Abs().Mul(avg).Add(fillQty.Mul(price))
		pos.Quantity, _ = newQty.Float64()
		pos.AvgCost, _ = cost.Div(newQty.Abs()).Float64()
		res.Opened = qty.IsZero()
	} else {
		closeQty := decimal.Min(qty.Abs(), fillQty)
		direction := decimal.NewFromInt(int64(qty.Sign()))
		realized := price.Sub(avg).Mul(closeQty).Mul(direction)
		res.RealizedPnL, _ = realized.Float64()
		res.ClosedQuantity, _ = closeQty.Float64()
		pos.RealizedPnL, _ = decimal.NewFromFloat(pos.RealizedPnL).Add(realized).Float64()

		remaining := fillQty.Sub(closeQty)
		switch {
		case remaining.IsPositive():
			flipped := remaining
			if exec.Side == types.SideSell {
				flipped = remaining.Neg()
			}
			pos.Quantity, _ = flipped.Float64()
			pos.AvgCost = exec.Price
			res.Flipped = true
		default:
			pos.Quantity, _ = qty.Add(signed).Float64()
			if math.Abs(pos.Quantity) < quantityEpsilon {
				pos.Quantity = 0
				pos.AvgCost = 0
			}
		}
	}

	pos.MarketPrice = exec.Price
	return res
}

// Mark updates the last known price of a symbol.
func (p *Portfolio) Mark(symbol string, price float64) {
	if pos, ok := p.positions[symbol]; ok && price > 0 {
		pos.MarketPrice = price
	}
}

func (p *Portfolio) Position(symbol string) (types.Position, bool) {
	pos, ok := p.positions[symbol]
	if !ok || pos.Quantity == 0 {
		return types.Position{AccountID: p.AccountID, Symbol: symbol}, false
	}
	return *pos, true
}

// Positions returns open positions sorted by symbol with weights against gross exposure.
func (p *Portfolio) Positions() []types.Position {
	gross := p.GrossExposure()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Quantity == 0 {
			continue
		}
		cp := *pos
		if gross > 0 {
			cp.Weight = math.Abs(cp.MarketValue()) / gross
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (p *Portfolio) GrossExposure() float64 {
	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(decimal.NewFromFloat(pos.MarketValue()).Abs())
	}
	v, _ := total.Float64()
	return v
}

// OpenContracts is the sum of absolute position sizes.
func (p *Portfolio) OpenContracts() float64 {
	var total float64
	for _, pos := range p.positions {
		total += math.Abs(pos.Quantity)
	}
	return total
}

func (p *Portfolio) IsFlat() bool {
	return p.OpenContracts() == 0
}

// Snapshot is a read-only copy handed to the risk gate.
type Snapshot struct {
	AccountID string
	Positions map[string]types.Position
	Gross     float64
}

func (p *Portfolio) Snapshot() Snapshot {
	s := Snapshot{AccountID: p.AccountID, Positions: make(map[string]types.Position, len(p.positions))}
	for _, pos := range p.Positions() {
		s.Positions[pos.Symbol] = pos
	}
	s.Gross = p.GrossExposure()
	return s
}

// Drift records a difference between local and broker-reported quantity.
type Drift struct {
	Symbol         string  `json:"symbol"`
	LocalQuantity  float64 `json:"local_quantity"`
	BrokerQuantity float64 `json:"broker_quantity"`
}

// Reconcile replaces local positions with the broker's view and reports what differed.
// The broker is the source of truth.
func (p *Portfolio) Reconcile(broker []types.Position) []Drift {
	seen := make(map[string]bool, len(broker))
	var drifts []Drift
	for _, bp := range broker {
		seen[bp.Symbol] = true
		local, ok := p.positions[bp.Symbol]
		localQty := 0.0
		if ok {
			localQty = local.Quantity
		}
		if math.Abs(localQty-bp.Quantity) > quantityEpsilon {
			drifts = append(drifts, Drift{Symbol: bp.Symbol, LocalQuantity: localQty, BrokerQuantity: bp.Quantity})
		}
		if !ok {
			local = &types.Position{AccountID: p.AccountID, Symbol: bp.Symbol}
			p.positions[bp.Symbol] = local
		}
		local.Quantity = bp.Quantity
		if bp.AvgCost > 0 {
			local.AvgCost = bp.AvgCost
		}
		if bp.MarketPrice > 0 {
			local.MarketPrice = bp.MarketPrice
		}
	}
	for symbol, local := range p.positions {
		if seen[symbol] || local.Quantity == 0 {
			continue
		}
		drifts = append(drifts, Drift{Symbol: symbol, LocalQuantity: local.Quantity})
		local.Quantity = 0
		local.AvgCost = 0
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].Symbol < drifts[j].Symbol })
	return drifts
}
