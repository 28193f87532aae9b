package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/klear-exec/internal/types"
)

func newTestPaper() *Paper {
	return NewPaper(PaperConfig{StartingCash: 10000, BuyingPowerFactor: 1, FeeRate: 0.001, Seed: 1}, "acct-1")
}

func TestPaper_MarketOrderFillsAndMovesCash(t *testing.T) {
	p := newTestPaper()
	p.SetPrice("AAPL", 100)
	ctx := context.Background()

	id, err := p.PlaceOrder(ctx, &types.Order{OrderID: "o1", AccountID: "acct-1", Symbol: "AAPL",
		Side: types.SideBuy, OrderType: types.OrderTypeMarket, Quantity: 10})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	u, err := p.GetOrderStatus(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if u.Status != types.StatusFilled || u.FilledQuantity != 10 || u.AvgFillPrice != 100 {
		t.Fatalf("unexpected update %+v", u)
	}
	if u.Fees != 1 {
		t.Fatalf("fees=%v want 1", u.Fees)
	}

	info, _ := p.GetAccountInfo(ctx, "acct-1")
	if info.CashBalance != 8999 {
		t.Fatalf("cash=%v want 8999", info.CashBalance)
	}
	positions, _ := p.GetPositions(ctx, "acct-1")
	if len(positions) != 1 || positions[0].Quantity != 10 {
		t.Fatalf("positions=%+v", positions)
	}
}

func TestPaper_LimitRestsUntilMarketable(t *testing.T) {
	p := newTestPaper()
	p.SetPrice("AAPL", 105)
	ctx := context.Background()

	id, _ := p.PlaceOrder(ctx, &types.Order{AccountID: "acct-1", Symbol: "AAPL", Side: types.SideBuy,
		OrderType: types.OrderTypeLimit, LimitPrice: 100, Quantity: 5, TimeInForce: types.TimeInForceGTC})

	if u, _ := p.GetOrderStatus(ctx, id); u.Status != types.StatusOpen {
		t.Fatalf("status=%s want OPEN while above limit", u.Status)
	}
	p.SetPrice("AAPL", 99)
	if u, _ := p.GetOrderStatus(ctx, id); u.Status != types.StatusFilled || u.AvgFillPrice > 100 {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestPaper_CancelOnlyWorkingOrders(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()
	id, _ := p.PlaceOrder(ctx, &types.Order{AccountID: "acct-1", Symbol: "AAPL", Side: types.SideBuy,
		OrderType: types.OrderTypeLimit, LimitPrice: 1, Quantity: 1})

	ok, err := p.CancelOrder(ctx, id)
	if err != nil || !ok {
		t.Fatalf("cancel ok=%v err=%v", ok, err)
	}
	if ok, _ := p.CancelOrder(ctx, id); ok {
		t.Fatalf("second cancel should be a no-op")
	}
	if _, err := p.CancelOrder(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err=%v want ErrOrderNotFound", err)
	}
}

func TestPaper_FailNextAndContextTimeout(t *testing.T) {
	p := newTestPaper()
	p.FailNext(1)
	order := &types.Order{AccountID: "acct-1", Symbol: "AAPL", Side: types.SideBuy, OrderType: types.OrderTypeMarket, Quantity: 1}
	if _, err := p.PlaceOrder(context.Background(), order); err == nil {
		t.Fatalf("expected injected failure")
	}
	if _, err := p.PlaceOrder(context.Background(), order); err != nil {
		t.Fatalf("second placement: %v", err)
	}

	slow := NewPaper(PaperConfig{StartingCash: 1, MinLatency: time.Second, MaxLatency: 2 * time.Second}, "acct-1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := slow.PlaceOrder(ctx, order); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}
