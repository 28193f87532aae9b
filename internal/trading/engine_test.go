package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-exec/internal/broker"
	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/events"
	"github.com/ksred/klear-exec/internal/funded"
	"github.com/ksred/klear-exec/internal/performance"
	"github.com/ksred/klear-exec/internal/risk"
	"github.com/ksred/klear-exec/internal/types"
)

// stubBroker acknowledges every order as OPEN and reports whatever the test
// sets through setUpdate.
type stubBroker struct {
	mu        sync.Mutex
	seq       int
	placeErr  error
	placed    []types.Order
	cancels   []string
	updates   map[string]broker.OrderUpdate
	positions map[string][]types.Position
	balances  types.AccountBalances
	onPlace   func()
}

func newStubBroker() *stubBroker {
	return &stubBroker{
		updates:   make(map[string]broker.OrderUpdate),
		positions: make(map[string][]types.Position),
		balances:  types.AccountBalances{CashBalance: 100000, BuyingPower: 100000, Equity: 100000},
	}
}

func (b *stubBroker) PlaceOrder(_ context.Context, order *types.Order) (string, error) {
	b.mu.Lock()
	if b.placeErr != nil {
		err := b.placeErr
		b.mu.Unlock()
		return "", err
	}
	b.seq++
	id := fmt.Sprintf("BRK-%d", b.seq)
	b.placed = append(b.placed, *order)
	b.updates[id] = broker.OrderUpdate{BrokerOrderID: id, Status: types.StatusOpen}
	hook := b.onPlace
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	return id, nil
}

func (b *stubBroker) CancelOrder(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, id)
	u, ok := b.updates[id]
	if !ok || u.Status.IsTerminal() {
		return false, nil
	}
	u.Status = types.StatusCancelled
	b.updates[id] = u
	return true, nil
}

func (b *stubBroker) GetOrderStatus(_ context.Context, id string) (broker.OrderUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.updates[id]
	if !ok {
		return broker.OrderUpdate{}, broker.ErrOrderNotFound
	}
	return u, nil
}

func (b *stubBroker) GetPositions(_ context.Context, accountID string) ([]types.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[accountID], nil
}

func (b *stubBroker) GetAccountInfo(_ context.Context, accountID string) (types.AccountBalances, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.balances
	out.AccountID = accountID
	return out, nil
}

func (b *stubBroker) setUpdate(id string, u broker.OrderUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u.BrokerOrderID = id
	b.updates[id] = u
}

func (b *stubBroker) placedOrders() []types.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Order(nil), b.placed...)
}

func (b *stubBroker) cancelled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancels...)
}

type recordingFillHook struct {
	mu    sync.Mutex
	execs []types.Execution
}

func (h *recordingFillHook) OnFill(_ context.Context, exec types.Execution) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execs = append(h.execs, exec)
	return nil
}

func (h *recordingFillHook) all() []types.Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Execution(nil), h.execs...)
}

type stubAccountGate struct {
	check  funded.Check
	synced map[string][]types.Position
}

func (g *stubAccountGate) CheckTrade(string, string, types.OrderSide, float64, float64, map[string]float64) funded.Check {
	return g.check
}

func (g *stubAccountGate) SyncPositions(accountID string, positions []types.Position) {
	if g.synced == nil {
		g.synced = make(map[string][]types.Position)
	}
	g.synced[accountID] = positions
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&types.Order{}, &types.Execution{}, &IdempotencyRecord{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

type testEnv struct {
	engine *Engine
	broker *stubBroker
	ledger *performance.Ledger
	fills  *recordingFillHook
	events *events.Memory
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	gate, err := risk.NewGate(config.RiskConfig{MaxDailyLoss: 1000, MaxPositionSize: 0.5, MaxConcentration: 0.9})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	env := &testEnv{
		broker: newStubBroker(),
		ledger: performance.NewLedger(nil, config.PerformanceConfig{}, nil),
		fills:  &recordingFillHook{},
		events: &events.Memory{},
	}
	deps := Deps{
		Broker:     env.broker,
		Gate:       gate,
		Strategies: env.ledger,
		Trades:     env.ledger,
		DB:         setupTestDB(t),
		Publisher:  env.events,
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.engine = NewEngine(Config{BrokerTimeout: time.Second, MonitorInterval: 10 * time.Millisecond, ReconcileInterval: 10 * time.Millisecond}, deps)
	env.engine.AddFillHook(env.fills)
	return env
}

func limitBuy(symbol string, qty, price float64) types.TradeSignal {
	return types.TradeSignal{
		StrategyID:   "mean-revert",
		Symbol:       symbol,
		Side:         types.SideBuy,
		Quantity:     qty,
		OrderType:    types.OrderTypeLimit,
		Price:        price,
		AccountGroup: "acct-1",
	}
}

func marketSignal(side types.OrderSide, qty, price float64) types.TradeSignal {
	return types.TradeSignal{
		StrategyID:   "mean-revert",
		Symbol:       "AAPL",
		Side:         side,
		Quantity:     qty,
		OrderType:    types.OrderTypeMarket,
		Price:        price,
		AccountGroup: "acct-1",
	}
}

func TestEmergencyStop_CancelsEveryOpenOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var brokerIDs []string
	for _, symbol := range []string{"AAPL", "MSFT", "NVDA"} {
		res := env.engine.ProcessSignal(ctx, limitBuy(symbol, 10, 100))
		if res.Status != types.SignalSuccess {
			t.Fatalf("signal %s: %+v", symbol, res)
		}
		order, err := env.engine.Order(res.OrderID)
		if err != nil {
			t.Fatalf("order lookup: %v", err)
		}
		if order.Status != types.StatusOpen {
			t.Fatalf("order status=%s want OPEN", order.Status)
		}
		brokerIDs = append(brokerIDs, order.BrokerOrderID)
	}

	issued := env.engine.EmergencyStop(ctx, "operator halt")
	if issued != 3 {
		t.Fatalf("cancels issued=%d want 3", issued)
	}

	got := env.broker.cancelled()
	sort.Strings(got)
	sort.Strings(brokerIDs)
	if fmt.Sprint(got) != fmt.Sprint(brokerIDs) {
		t.Fatalf("cancelled %v want %v", got, brokerIDs)
	}

	session := env.engine.Session()
	if session.IsActive || !session.EmergencyStop || session.StopReason != "operator halt" {
		t.Fatalf("session after stop %+v", session)
	}

	res := env.engine.ProcessSignal(ctx, limitBuy("AMD", 1, 100))
	if res.Status != types.SignalRejected || res.Reason != risk.ReasonEmergencyStop {
		t.Fatalf("signal after stop %+v", res)
	}

	env.engine.MonitorOnce(ctx)
	if active := env.engine.ActiveOrders(); len(active) != 0 {
		t.Fatalf("active orders after cancel confirmations: %d", len(active))
	}
	if len(env.events.OfType(events.TypeEmergencyStop)) != 1 {
		t.Fatalf("expected one emergency stop event")
	}

	env.engine.Resume(ctx)
	if res := env.engine.ProcessSignal(ctx, limitBuy("AMD", 1, 100)); res.Status != types.SignalSuccess {
		t.Fatalf("signal after resume %+v", res)
	}
}

func TestProcessSignal_BrokerErrorIsRetryable(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.broker.placeErr = errors.New("connection reset by peer")

	sig := limitBuy("AAPL", 5, 100)
	sig.IdempotencyKey = "sig-1"
	res := env.engine.ProcessSignal(ctx, sig)
	if res.Status != types.SignalError || !res.Retryable {
		t.Fatalf("result %+v want retryable error", res)
	}
	if s := env.engine.Session(); s.TradesToday != 0 || !s.LastTradeTime.IsZero() {
		t.Fatalf("session mutated on broker failure: %+v", s)
	}
	if len(env.engine.ActiveOrders()) != 0 {
		t.Fatalf("failed order must not be tracked")
	}

	env.broker.mu.Lock()
	env.broker.placeErr = nil
	env.broker.mu.Unlock()
	if res := env.engine.ProcessSignal(ctx, sig); res.Status != types.SignalSuccess {
		t.Fatalf("retry with same key %+v", res)
	}
}

func TestProcessSignal_IdempotentResubmission(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sig := limitBuy("AAPL", 5, 100)
	sig.IdempotencyKey = "sig-42"
	first := env.engine.ProcessSignal(ctx, sig)
	second := env.engine.ProcessSignal(ctx, sig)

	if first.Status != types.SignalSuccess || second.OrderID != first.OrderID {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if n := len(env.broker.placedOrders()); n != 1 {
		t.Fatalf("broker saw %d orders want 1", n)
	}

	rejected := limitBuy("AAPL", 0, 100)
	rejected.IdempotencyKey = "sig-43"
	a := env.engine.ProcessSignal(ctx, rejected)
	b := env.engine.ProcessSignal(ctx, rejected)
	if a.Status != types.SignalRejected || a.Reason != ReasonInvalidSignal || b.Reason != a.Reason {
		t.Fatalf("rejections a=%+v b=%+v", a, b)
	}
}

func TestProcessSignal_RejectsDisabledStrategy(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.ledger.Register("mean-revert")
	if err := env.ledger.Pause(ctx, "mean-revert", "manual"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	res := env.engine.ProcessSignal(ctx, limitBuy("AAPL", 5, 100))
	if res.Status != types.SignalRejected || res.Reason != risk.ReasonStrategyDisabled {
		t.Fatalf("result %+v", res)
	}
	if len(env.broker.placedOrders()) != 0 {
		t.Fatalf("disabled strategy reached the broker")
	}
}

func TestProcessSignal_AccountGateRejects(t *testing.T) {
	gate := &stubAccountGate{check: funded.Check{Allowed: false, Reason: risk.ReasonContractLimit, Message: "11 > 10"}}
	env := newTestEnv(t, func(d *Deps) { d.Accounts = gate })

	res := env.engine.ProcessSignal(context.Background(), limitBuy("ES", 11, 100))
	if res.Status != types.SignalRejected || res.Reason != risk.ReasonContractLimit {
		t.Fatalf("result %+v", res)
	}
}

func TestProcessSignal_ReducesToBuyingPower(t *testing.T) {
	env := newTestEnv(t, nil)
	env.broker.balances = types.AccountBalances{CashBalance: 6000, BuyingPower: 4000, Equity: 100000}

	res := env.engine.ProcessSignal(context.Background(), limitBuy("AAPL", 100, 50))
	if res.Status != types.SignalSuccess {
		t.Fatalf("result %+v", res)
	}
	if res.RiskCheck == nil || res.RiskCheck.Decision != string(risk.ApprovedWithReduction) || res.RiskCheck.ApprovedQuantity != 80 {
		t.Fatalf("risk check %+v", res.RiskCheck)
	}
	if placed := env.broker.placedOrders(); placed[0].Quantity != 80 {
		t.Fatalf("broker quantity=%v want 80", placed[0].Quantity)
	}
}

func TestProcessSignal_StopDuringPlacementCancels(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.broker.onPlace = func() { env.engine.EmergencyStop(ctx, "feed down") }

	res := env.engine.ProcessSignal(ctx, limitBuy("AAPL", 5, 100))
	if res.Status != types.SignalRejected || res.Reason != risk.ReasonEmergencyStop {
		t.Fatalf("result %+v", res)
	}
	if len(env.broker.cancelled()) != 1 {
		t.Fatalf("order placed during stop was not cancelled")
	}
	if s := env.engine.Session(); s.TradesToday != 0 {
		t.Fatalf("trades today=%d want 0", s.TradesToday)
	}
	order, err := env.engine.Order(res.OrderID)
	if err != nil || order.Status != types.StatusCancelled {
		t.Fatalf("stored order %+v err=%v", order, err)
	}
}

func TestMonitorOnce_FillsFlowToPortfolioSessionAndLedger(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	buy := env.engine.ProcessSignal(ctx, marketSignal(types.SideBuy, 10, 100))
	if buy.Status != types.SignalSuccess {
		t.Fatalf("buy %+v", buy)
	}
	buyOrder, _ := env.engine.Order(buy.OrderID)

	env.broker.setUpdate(buyOrder.BrokerOrderID, broker.OrderUpdate{Status: types.StatusPartiallyFilled, FilledQuantity: 4, AvgFillPrice: 100, Commission: 0.4})
	env.engine.MonitorOnce(ctx)
	env.broker.setUpdate(buyOrder.BrokerOrderID, broker.OrderUpdate{Status: types.StatusFilled, FilledQuantity: 10, AvgFillPrice: 101.2, Commission: 1})
	env.engine.MonitorOnce(ctx)

	fills := env.fills.all()
	if len(fills) != 2 {
		t.Fatalf("fills=%d want 2", len(fills))
	}
	if fills[1].Quantity != 6 || math.Abs(fills[1].Price-102) > 1e-9 || math.Abs(fills[1].Commission-0.6) > 1e-9 {
		t.Fatalf("second fill %+v want 6 @ 102 commission 0.6", fills[1])
	}
	positions := env.engine.Positions("acct-1")
	if len(positions) != 1 || positions[0].Quantity != 10 || math.Abs(positions[0].AvgCost-101.2) > 1e-9 {
		t.Fatalf("positions %+v", positions)
	}
	if s := env.engine.Session(); math.Abs(s.DailyPnL+1) > 1e-9 {
		t.Fatalf("daily pnl=%v want -1 (commissions)", s.DailyPnL)
	}
	if len(env.engine.ActiveOrders()) != 0 {
		t.Fatalf("filled order still active")
	}

	sell := env.engine.ProcessSignal(ctx, marketSignal(types.SideSell, 10, 110))
	sellOrder, _ := env.engine.Order(sell.OrderID)
	env.broker.setUpdate(sellOrder.BrokerOrderID, broker.OrderUpdate{Status: types.StatusFilled, FilledQuantity: 10, AvgFillPrice: 111.2, Commission: 1})
	env.engine.MonitorOnce(ctx)

	// (111.2 - 101.2) * 10 - 1
	perf, err := env.ledger.Snapshot("mean-revert")
	if err != nil {
		t.Fatalf("ledger snapshot: %v", err)
	}
	if perf.TotalTrades != 1 || math.Abs(perf.TotalPnL-99) > 1e-9 {
		t.Fatalf("ledger %+v want 1 trade pnl 99", perf)
	}
	if s := env.engine.Session(); math.Abs(s.DailyPnL-98) > 1e-9 || s.TradesToday != 2 {
		t.Fatalf("session %+v", s)
	}
	if len(env.engine.Positions("acct-1")) != 0 {
		t.Fatalf("position should be closed")
	}

	execs, err := env.engine.Executions(buy.OrderID)
	if err != nil || len(execs) != 2 {
		t.Fatalf("stored executions=%d err=%v", len(execs), err)
	}
	stored, _ := env.engine.Order(buy.OrderID)
	if stored.Status != types.StatusFilled || stored.FilledQuantity != 10 {
		t.Fatalf("stored order %+v", stored)
	}
	if len(env.events.OfType(events.TypeFill)) != 3 {
		t.Fatalf("fill events=%d want 3", len(env.events.OfType(events.TypeFill)))
	}
}

func TestMonitorOnce_IgnoresIllegalTransition(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res := env.engine.ProcessSignal(ctx, limitBuy("AAPL", 5, 100))
	order, _ := env.engine.Order(res.OrderID)
	env.broker.setUpdate(order.BrokerOrderID, broker.OrderUpdate{Status: types.StatusPending})
	env.engine.MonitorOnce(ctx)

	if got, _ := env.engine.Order(res.OrderID); got.Status != types.StatusOpen {
		t.Fatalf("status=%s want OPEN", got.Status)
	}
}

func TestFlattenAccount_DoesNotDoubleClose(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if n, err := env.engine.FlattenAccount(ctx, "acct-1"); n != 0 || err != nil {
		t.Fatalf("flat account flatten n=%d err=%v", n, err)
	}
	if len(env.broker.placedOrders()) != 0 {
		t.Fatalf("flatten of a flat account placed orders")
	}

	buy := env.engine.ProcessSignal(ctx, marketSignal(types.SideBuy, 10, 100))
	buyOrder, _ := env.engine.Order(buy.OrderID)
	env.broker.setUpdate(buyOrder.BrokerOrderID, broker.OrderUpdate{Status: types.StatusFilled, FilledQuantity: 10, AvgFillPrice: 100})
	env.engine.MonitorOnce(ctx)

	resting := env.engine.ProcessSignal(ctx, limitBuy("MSFT", 3, 50))
	restingOrder, _ := env.engine.Order(resting.OrderID)

	n, err := env.engine.FlattenAccount(ctx, "acct-1")
	if err != nil || n != 1 {
		t.Fatalf("flatten n=%d err=%v", n, err)
	}
	placed := env.broker.placedOrders()
	closing := placed[len(placed)-1]
	if closing.Side != types.SideSell || closing.Quantity != 10 || closing.OrderType != types.OrderTypeMarket {
		t.Fatalf("closing order %+v", closing)
	}
	if cancels := env.broker.cancelled(); len(cancels) != 1 || cancels[0] != restingOrder.BrokerOrderID {
		t.Fatalf("cancels %v want resting order", cancels)
	}

	if n, _ := env.engine.FlattenAccount(ctx, "acct-1"); n != 0 {
		t.Fatalf("second flatten submitted %d closing orders", n)
	}
	if len(env.broker.placedOrders()) != len(placed) {
		t.Fatalf("second flatten reached the broker")
	}
}

func TestReconcileOnce_BrokerWins(t *testing.T) {
	gate := &stubAccountGate{check: funded.Check{Allowed: true}}
	env := newTestEnv(t, func(d *Deps) { d.Accounts = gate })
	ctx := context.Background()

	env.engine.TrackAccount("acct-1")
	env.broker.positions["acct-1"] = []types.Position{{AccountID: "acct-1", Symbol: "ES", Quantity: -2, AvgCost: 5000}}
	env.engine.ReconcileOnce(ctx)

	positions := env.engine.Positions("acct-1")
	if len(positions) != 1 || positions[0].Quantity != -2 {
		t.Fatalf("positions %+v", positions)
	}
	if len(gate.synced["acct-1"]) != 1 {
		t.Fatalf("account gate not synced")
	}
}

func TestReconcileOnce_SkipsAccountsWithWorkingOrders(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.engine.ProcessSignal(ctx, limitBuy("AAPL", 5, 100))
	env.broker.positions["acct-1"] = []types.Position{{AccountID: "acct-1", Symbol: "AAPL", Quantity: 5, AvgCost: 100}}
	env.engine.ReconcileOnce(ctx)

	if len(env.engine.Positions("acct-1")) != 0 {
		t.Fatalf("reconcile touched an account with working orders")
	}
}

func TestResetSession_KeepsEmergencyStop(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.engine.ProcessSignal(ctx, limitBuy("AAPL", 5, 100))
	env.engine.EmergencyStop(ctx, "limit")

	env.engine.ResetSession(ctx)
	s := env.engine.Session()
	if s.TradesToday != 0 || s.DailyPnL != 0 || !s.EmergencyStop {
		t.Fatalf("session after reset %+v", s)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.Start(context.Background())
	env.engine.Start(context.Background())

	res := env.engine.ProcessSignal(context.Background(), marketSignal(types.SideBuy, 1, 100))
	order, _ := env.engine.Order(res.OrderID)
	env.broker.setUpdate(order.BrokerOrderID, broker.OrderUpdate{Status: types.StatusFilled, FilledQuantity: 1, AvgFillPrice: 100})

	deadline := time.Now().Add(2 * time.Second)
	for len(env.engine.ActiveOrders()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(env.engine.ActiveOrders()) != 0 {
		t.Fatalf("monitor loop did not pick up the fill")
	}

	env.engine.Stop()
	env.engine.Stop()

	other := newTestEnv(t, nil)
	other.engine.Stop()
}

func TestProcessSignal_FundedContractLimitCountsWorkingOrders(t *testing.T) {
	reg := funded.NewRegistry(nil, nil, nil)
	if _, err := reg.Register(config.FundedAccount{AccountID: "acct-1", StartingEquity: 50000, MaxDailyLoss: 1000, MaxContracts: 3}); err != nil {
		t.Fatalf("register: %v", err)
	}
	env := newTestEnv(t, func(d *Deps) { d.Accounts = reg })
	ctx := context.Background()

	if res := env.engine.ProcessSignal(ctx, limitBuy("ES", 2, 100)); res.Status != types.SignalSuccess {
		t.Fatalf("first signal %+v", res)
	}
	// no fill yet: the first order is still working at the broker
	res := env.engine.ProcessSignal(ctx, limitBuy("ES", 2, 100))
	if res.Status != types.SignalRejected || res.Reason != risk.ReasonContractLimit {
		t.Fatalf("second signal %+v want contract limit", res)
	}
	if res := env.engine.ProcessSignal(ctx, limitBuy("ES", 1, 100)); res.Status != types.SignalSuccess {
		t.Fatalf("third signal %+v", res)
	}
	if got := len(env.broker.placedOrders()); got != 2 {
		t.Fatalf("placed=%d want 2", got)
	}
}

func TestProcessSignal_ConcurrentSameKeyPlacesOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.broker.onPlace = func() { time.Sleep(20 * time.Millisecond) }
	ctx := context.Background()

	sig := limitBuy("AAPL", 5, 100)
	sig.IdempotencyKey = "same-key"

	const callers = 6
	results := make([]types.SignalResult, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = env.engine.ProcessSignal(ctx, sig)
		}(i)
	}
	close(start)
	wg.Wait()

	if got := len(env.broker.placedOrders()); got != 1 {
		t.Fatalf("broker placements=%d want 1", got)
	}
	if got := len(env.engine.ActiveOrders()); got != 1 {
		t.Fatalf("active orders=%d want 1", got)
	}
	for i, res := range results {
		if res.Status != types.SignalSuccess || res.OrderID != results[0].OrderID {
			t.Fatalf("result %d = %+v, first = %+v", i, res, results[0])
		}
	}
}
