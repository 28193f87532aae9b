package portfolio

import (
	"math"
	"testing"

	"github.com/ksred/klear-exec/internal/types"
)

func fill(side types.OrderSide, qty, price float64) types.Execution {
	return types.Execution{Symbol: "ES", Side: side, Quantity: qty, Price: price}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestApplyFill_WeightedAverageOnSameDirection(t *testing.T) {
	p := New("acct-1")
	p.ApplyFill(fill(types.SideBuy, 10, 100))
	res := p.ApplyFill(fill(types.SideBuy, 10, 110))

	pos, ok := p.Position("ES")
	if !ok {
		t.Fatalf("expected open position")
	}
	if pos.Quantity != 20 || !approx(pos.AvgCost, 105) {
		t.Fatalf("got qty=%v avg=%v want 20 @ 105", pos.Quantity, pos.AvgCost)
	}
	if res.RealizedPnL != 0 {
		t.Fatalf("adding to a position realized %v", res.RealizedPnL)
	}
}

func TestApplyFill_ReduceAndClose(t *testing.T) {
	p := New("acct-1")
	p.ApplyFill(fill(types.SideBuy, 10, 100))

	res := p.ApplyFill(fill(types.SideSell, 4, 110))
	if !approx(res.RealizedPnL, 40) {
		t.Fatalf("realized=%v want 40", res.RealizedPnL)
	}
	pos, _ := p.Position("ES")
	if pos.Quantity != 6 || !approx(pos.AvgCost, 100) {
		t.Fatalf("got qty=%v avg=%v want 6 @ 100", pos.Quantity, pos.AvgCost)
	}

	res = p.ApplyFill(fill(types.SideSell, 6, 90))
	if !approx(res.RealizedPnL, -60) {
		t.Fatalf("realized=%v want -60", res.RealizedPnL)
	}
	if !p.IsFlat() {
		t.Fatalf("expected flat after full close")
	}
}

func TestApplyFill_FlipShortToLong(t *testing.T) {
	p := New("acct-1")
	p.ApplyFill(fill(types.SideSell, 5, 200))

	res := p.ApplyFill(fill(types.SideBuy, 8, 190))
	if !approx(res.RealizedPnL, 50) {
		t.Fatalf("realized=%v want 50", res.RealizedPnL)
	}
	if !res.Flipped {
		t.Fatalf("expected flip")
	}
	pos, _ := p.Position("ES")
	if pos.Quantity != 3 || pos.AvgCost != 190 {
		t.Fatalf("got qty=%v avg=%v want 3 @ 190", pos.Quantity, pos.AvgCost)
	}
}

func TestPositions_WeightsSumToOne(t *testing.T) {
	p := New("acct-1")
	p.ApplyFill(types.Execution{Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 300})
	p.ApplyFill(types.Execution{Symbol: "MSFT", Side: types.SideBuy, Quantity: 10, Price: 100})

	var total float64
	for _, pos := range p.Positions() {
		total += pos.Weight
	}
	if !approx(total, 1) {
		t.Fatalf("weights sum=%v want 1", total)
	}
	if got := p.Snapshot().Positions["AAPL"].Weight; !approx(got, 0.75) {
		t.Fatalf("AAPL weight=%v want 0.75", got)
	}
}

func TestReconcile_BrokerIsSourceOfTruth(t *testing.T) {
	p := New("acct-1")
	p.ApplyFill(types.Execution{Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 300})
	p.ApplyFill(types.Execution{Symbol: "MSFT", Side: types.SideBuy, Quantity: 5, Price: 100})

	drifts := p.Reconcile([]types.Position{
		{Symbol: "AAPL", Quantity: 10, AvgCost: 300},
		{Symbol: "NVDA", Quantity: 2, AvgCost: 500},
	})
	if len(drifts) != 2 {
		t.Fatalf("drifts=%+v want 2", drifts)
	}
	if drifts[0].Symbol != "MSFT" || drifts[1].Symbol != "NVDA" {
		t.Fatalf("unexpected drift order %+v", drifts)
	}
	if _, ok := p.Position("MSFT"); ok {
		t.Fatalf("MSFT should be closed after reconcile")
	}
	if pos, ok := p.Position("NVDA"); !ok || pos.Quantity != 2 {
		t.Fatalf("NVDA not adopted from broker: %+v", pos)
	}
}
