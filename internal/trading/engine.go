package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-exec/internal/broker"
	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/events"
	"github.com/ksred/klear-exec/internal/performance"
	"github.com/ksred/klear-exec/internal/portfolio"
	"github.com/ksred/klear-exec/internal/risk"
	"github.com/ksred/klear-exec/internal/types"
)

const (
	ReasonInvalidSignal     = "REJECTED_INVALID_SIGNAL"
	ReasonPreExecutionHook  = "REJECTED_PRE_EXECUTION"
	ReasonBrokerUnavailable = "BROKER_UNAVAILABLE"

	// flattenStrategyID tags orders the engine submits to close an account.
	flattenStrategyID = "system:flatten"
)

var ErrOrderNotFound = errors.New("order not found")

type Config struct {
	MonitorInterval   time.Duration
	ReconcileInterval time.Duration
	BrokerTimeout     time.Duration
}

func ConfigFrom(c config.EngineConfig) Config {
	return Config{
		MonitorInterval:   c.MonitorInterval,
		ReconcileInterval: c.ReconcileInterval,
		BrokerTimeout:     c.BrokerTimeout,
	}
}

// Deps are the engine's collaborators. Broker and Gate are required.
type Deps struct {
	Broker     broker.Broker
	Gate       *risk.Gate
	Accounts   AccountGate
	Strategies StrategyRegistry
	Trades     TradeRecorder
	DB         *gorm.DB
	Publisher  events.Publisher
}

// Engine turns signals into broker orders and keeps session, portfolio and
// strategy state in step with what the broker reports.
type Engine struct {
	cfg        Config
	broker     broker.Broker
	gate       *risk.Gate
	accounts   AccountGate
	strategies StrategyRegistry
	trades     TradeRecorder
	db         *Database
	publisher  events.Publisher

	mu           sync.Mutex
	session      types.Session
	active       map[string]*types.Order
	portfolios   map[string]*portfolio.Portfolio
	accountLocks map[string]*sync.Mutex
	keyLocks     map[string]*keyLock

	preHooks  []PreExecutionHook
	postHooks []PostExecutionHook
	fillHooks []FillHook

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now    func() time.Time
	logger zerolog.Logger
}

func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 2 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 60 * time.Second
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 10 * time.Second
	}
	e := &Engine{
		cfg:          cfg,
		broker:       deps.Broker,
		gate:         deps.Gate,
		accounts:     deps.Accounts,
		strategies:   deps.Strategies,
		trades:       deps.Trades,
		publisher:    deps.Publisher,
		session:      types.NewSession(time.Now()),
		active:       make(map[string]*types.Order),
		portfolios:   make(map[string]*portfolio.Portfolio),
		accountLocks: make(map[string]*sync.Mutex),
		keyLocks:     make(map[string]*keyLock),
		now:          time.Now,
		logger:       log.With().Str("component", "execution_engine").Logger(),
	}
	if deps.DB != nil {
		e.db = NewDatabase(deps.DB)
	}
	return e
}

func (e *Engine) AddPreExecutionHook(h PreExecutionHook) { e.preHooks = append(e.preHooks, h) }

func (e *Engine) AddPostExecutionHook(h PostExecutionHook) { e.postHooks = append(e.postHooks, h) }

func (e *Engine) AddFillHook(h FillHook) { e.fillHooks = append(e.fillHooks, h) }

// TrackAccount makes an account known before it trades so reconciliation covers it.
func (e *Engine) TrackAccount(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.portfolioFor(accountID)
}

// ProcessSignal is the single entry point for trade instructions.
func (e *Engine) ProcessSignal(ctx context.Context, sig types.TradeSignal) types.SignalResult {
	sig.Normalize()
	logger := e.logger.With().
		Str("strategy_id", sig.StrategyID).
		Str("account_id", sig.AccountGroup).
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).
		Float64("quantity", sig.Quantity).
		Logger()

	if err := sig.Validate(); err != nil {
		return e.rejected(ctx, sig.IdempotencyKey, nil, nil, ReasonInvalidSignal, err.Error())
	}

	if sig.IdempotencyKey != "" {
		unlock := e.lockKey(sig.IdempotencyKey)
		defer unlock()
	}

	if sig.IdempotencyKey != "" && e.db != nil {
		record, err := e.db.GetIdempotencyRecord(sig.IdempotencyKey)
		if err != nil {
			logger.Error().Err(err).Msg("failed to read idempotency record")
			return e.failed(nil, "idempotency lookup failed: "+err.Error())
		}
		if record != nil {
			logger.Info().Str("idempotency_key", sig.IdempotencyKey).Msg("duplicate signal, returning stored result")
			return record.Result
		}
	}

	if e.strategies != nil {
		e.strategies.Register(sig.StrategyID)
		if ok, status := e.strategies.IsTradable(sig.StrategyID); !ok {
			return e.rejected(ctx, sig.IdempotencyKey, nil, nil, risk.ReasonStrategyDisabled,
				fmt.Sprintf("strategy %s is %s", sig.StrategyID, status))
		}
	}

	order := e.buildOrder(sig)

	lock := e.accountLock(order.AccountID)
	lock.Lock()
	defer lock.Unlock()

	for _, h := range e.preHooks {
		if err := h.BeforeExecution(ctx, order); err != nil {
			return e.rejected(ctx, sig.IdempotencyKey, order, nil, ReasonPreExecutionHook, err.Error())
		}
	}

	if e.accounts != nil {
		check := e.accounts.CheckTrade(order.AccountID, order.Symbol, order.Side, order.Quantity, sig.ExpectedLoss, e.workingQuantities(order.AccountID))
		if !check.Allowed {
			return e.rejected(ctx, sig.IdempotencyKey, order, nil, check.Reason, check.Message)
		}
	}

	balances, err := e.accountInfo(ctx, order.AccountID)
	if err != nil {
		logger.Warn().Err(err).Msg("account info unavailable")
		return e.failed(order, "account info unavailable: "+err.Error())
	}

	e.mu.Lock()
	session := e.session
	snap := e.portfolioFor(order.AccountID).Snapshot()
	e.mu.Unlock()

	verdict := e.gate.Evaluate(order, session, balances, snap)
	if !verdict.IsApproved() {
		return e.rejected(ctx, sig.IdempotencyKey, order, verdict.Check(), verdict.Reason, verdict.Message)
	}
	if verdict.Decision == risk.ApprovedWithReduction {
		order.Quantity = verdict.ApprovedQuantity
	}

	if err := e.place(ctx, order); err != nil {
		logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("order placement failed")
		res := e.failed(order, "broker placement failed: "+err.Error())
		res.RiskCheck = verdict.Check()
		return res
	}

	result := types.SignalResult{
		Status:    types.SignalSuccess,
		OrderID:   order.OrderID,
		RiskCheck: verdict.Check(),
		Message:   fmt.Sprintf("order %s accepted for %.4g %s", order.OrderID, order.Quantity, order.Symbol),
		Timestamp: e.now(),
	}
	if e.db != nil {
		var err error
		if sig.IdempotencyKey != "" {
			err = e.db.CreateOrderWithIdempotency(order, sig.IdempotencyKey, result)
		} else {
			err = e.db.CreateOrder(order)
		}
		if err != nil {
			logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist order")
		}
	}

	// A stop may have landed while the broker call was in flight.
	e.mu.Lock()
	if e.session.EmergencyStop {
		e.mu.Unlock()
		e.cancelAfterStop(ctx, order)
		return e.rejected(ctx, sig.IdempotencyKey, order, verdict.Check(), risk.ReasonEmergencyStop,
			"emergency stop engaged during placement; order cancelled")
	}
	e.session.TradesToday++
	e.session.LastTradeTime = e.now()
	e.active[order.OrderID] = order
	accepted := *order
	e.mu.Unlock()

	logger.Info().
		Str("order_id", accepted.OrderID).
		Str("broker_order_id", accepted.BrokerOrderID).
		Float64("approved_quantity", accepted.Quantity).
		Str("decision", string(verdict.Decision)).
		Msg("order accepted")
	e.finish(ctx, &accepted, result)
	return result
}

func (e *Engine) buildOrder(sig types.TradeSignal) *types.Order {
	now := e.now()
	order := &types.Order{
		OrderID:     "ORD_" + uuid.New().String(),
		AccountID:   sig.AccountGroup,
		StrategyID:  sig.StrategyID,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		OrderType:   sig.OrderType,
		Quantity:    sig.Quantity,
		StopPrice:   sig.StopPrice,
		TimeInForce: sig.TimeInForce,
		Status:      types.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch sig.OrderType {
	case types.OrderTypeLimit, types.OrderTypeStopLimit:
		order.LimitPrice = sig.Price
	default:
		order.ExpectedPrice = sig.Price
	}
	if order.ExpectedPrice <= 0 {
		if q, ok := e.broker.(broker.Quoter); ok {
			if px, ok := q.LastPrice(sig.Symbol); ok {
				order.ExpectedPrice = px
			}
		}
	}
	return order
}

// place submits a PENDING order and moves it to OPEN on acknowledgment.
// On error the order stays PENDING and nothing else changes.
func (e *Engine) place(ctx context.Context, order *types.Order) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	defer cancel()
	brokerID, err := e.broker.PlaceOrder(callCtx, order)
	if err != nil {
		return err
	}
	order.BrokerOrderID = brokerID
	return order.Transition(types.StatusOpen)
}

func (e *Engine) cancelAfterStop(ctx context.Context, order *types.Order) {
	if _, err := e.cancelAtBroker(ctx, order.BrokerOrderID); err != nil {
		e.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to cancel order placed during emergency stop")
	}
	if err := order.Transition(types.StatusCancelled); err == nil && e.db != nil {
		if err := e.db.UpdateOrder(order); err != nil {
			e.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist cancelled order")
		}
	}
}

func (e *Engine) rejected(ctx context.Context, key string, order *types.Order, check *types.RiskCheck, reason, msg string) types.SignalResult {
	res := types.SignalResult{
		Status:    types.SignalRejected,
		RiskCheck: check,
		Reason:    reason,
		Message:   msg,
		Timestamp: e.now(),
	}
	if order != nil {
		res.OrderID = order.OrderID
	}
	e.logger.Warn().
		Str("order_id", res.OrderID).
		Str("reason", reason).
		Msg(msg)
	if key != "" && e.db != nil {
		if err := e.db.SaveIdempotencyResult(key, res); err != nil {
			e.logger.Error().Err(err).Str("idempotency_key", key).Msg("failed to store rejection")
		}
	}
	e.finish(ctx, order, res)
	return res
}

// failed builds a retryable infrastructure error result. It is never stored
// under the idempotency key so the caller can resubmit.
func (e *Engine) failed(order *types.Order, msg string) types.SignalResult {
	res := types.SignalResult{
		Status:    types.SignalError,
		Reason:    ReasonBrokerUnavailable,
		Message:   msg,
		Retryable: true,
		Timestamp: e.now(),
	}
	if order != nil {
		res.OrderID = order.OrderID
	}
	return res
}

func (e *Engine) finish(ctx context.Context, order *types.Order, res types.SignalResult) {
	if order != nil {
		for _, h := range e.postHooks {
			h.AfterExecution(ctx, *order, res)
		}
	}
	events.Emit(ctx, e.publisher, events.New(events.TypeExecutionResult, res.OrderID, res))
}

// Start launches the order monitor and the reconciliation loop. Calling it
// again has no effect.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.cancel = cancel
		e.mu.Unlock()

		e.wg.Add(2)
		go e.runLoop(loopCtx, "order_monitor", e.cfg.MonitorInterval, e.MonitorOnce)
		go e.runLoop(loopCtx, "portfolio_reconcile", e.cfg.ReconcileInterval, e.ReconcileOnce)
		e.logger.Info().
			Dur("monitor_interval", e.cfg.MonitorInterval).
			Dur("reconcile_interval", e.cfg.ReconcileInterval).
			Msg("execution engine started")
	})
}

// Stop cancels the background loops and waits for them. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		e.wg.Wait()
		e.logger.Info().Msg("execution engine stopped")
	})
}

func (e *Engine) runLoop(ctx context.Context, name string, interval time.Duration, iteration func(context.Context)) {
	defer e.wg.Done()
	logger := e.logger.With().Str("loop", name).Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("loop shutting down")
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Interface("panic", r).Msg("loop iteration panicked")
					}
				}()
				iteration(ctx)
			}()
		}
	}
}

// MonitorOnce polls every active order once and applies what changed.
func (e *Engine) MonitorOnce(ctx context.Context) {
	e.mu.Lock()
	pending := make([]types.Order, 0, len(e.active))
	for _, o := range e.active {
		pending = append(pending, *o)
	}
	e.mu.Unlock()

	for _, o := range pending {
		if ctx.Err() != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
		update, err := e.broker.GetOrderStatus(callCtx, o.BrokerOrderID)
		cancel()
		if err != nil {
			e.logger.Warn().Err(err).Str("order_id", o.OrderID).Msg("order status poll failed")
			continue
		}
		e.applyUpdate(ctx, o.OrderID, update)
	}
}

type fillOutcome struct {
	exec  types.Execution
	trade *performance.TradeRecord
}

// applyUpdate folds a broker snapshot into the order, portfolio and session.
func (e *Engine) applyUpdate(ctx context.Context, orderID string, u broker.OrderUpdate) {
	e.mu.Lock()
	o, ok := e.active[orderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	prevStatus := o.Status
	var fill *fillOutcome

	if u.FilledQuantity > o.FilledQuantity+1e-9 {
		fill = e.recordFill(o, u)
	}

	if u.Status != o.Status {
		if err := o.Transition(u.Status); err != nil {
			e.logger.Warn().Err(err).Str("order_id", o.OrderID).Msg("ignoring broker status")
		}
	}
	if o.Status == types.StatusRejected || o.Status == types.StatusCancelled || o.Status == types.StatusExpired {
		o.RejectReason = u.Reason
	}
	if o.Status.IsTerminal() {
		delete(e.active, orderID)
	}
	snapshot := *o
	e.mu.Unlock()

	if e.db != nil {
		if err := e.db.UpdateOrder(&snapshot); err != nil {
			e.logger.Error().Err(err).Str("order_id", orderID).Msg("failed to persist order update")
		}
	}

	if fill != nil {
		e.afterFill(ctx, fill)
	}
	if snapshot.Status != prevStatus {
		e.logger.Info().
			Str("order_id", orderID).
			Str("from", string(prevStatus)).
			Str("to", string(snapshot.Status)).
			Float64("filled_quantity", snapshot.FilledQuantity).
			Msg("order status changed")
		events.Emit(ctx, e.publisher, events.New(events.TypeOrderUpdate, orderID, snapshot))
	}
}

// recordFill turns the cumulative delta into an Execution. Caller holds e.mu.
func (e *Engine) recordFill(o *types.Order, u broker.OrderUpdate) *fillOutcome {
	prevQty := decimal.NewFromFloat(o.FilledQuantity)
	newQty := decimal.NewFromFloat(u.FilledQuantity)
	delta := newQty.Sub(prevQty)
	price := newQty.Mul(decimal.NewFromFloat(u.AvgFillPrice)).
		Sub(prevQty.Mul(decimal.NewFromFloat(o.AvgFillPrice))).
		Div(delta)
	commission := decimal.NewFromFloat(u.Commission).Sub(decimal.NewFromFloat(o.Commission))
	fees := decimal.NewFromFloat(u.Fees).Sub(decimal.NewFromFloat(o.Fees))

	exec := types.Execution{
		ExecutionID: "EXE_" + uuid.New().String(),
		OrderID:     o.OrderID,
		AccountID:   o.AccountID,
		StrategyID:  o.StrategyID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Timestamp:   e.now(),
	}
	exec.Quantity, _ = delta.Float64()
	exec.Price, _ = price.Float64()
	exec.Commission, _ = commission.Float64()
	exec.Fees, _ = fees.Float64()

	res := e.portfolioFor(o.AccountID).ApplyFill(exec)
	exec.RealizedPnL, _ = decimal.NewFromFloat(res.RealizedPnL).Sub(commission).Sub(fees).Float64()
	e.session.DailyPnL += exec.RealizedPnL

	o.FilledQuantity = u.FilledQuantity
	o.AvgFillPrice = u.AvgFillPrice
	o.Commission = u.Commission
	o.Fees = u.Fees

	out := &fillOutcome{exec: exec}
	if res.ClosedQuantity > 0 && o.StrategyID != flattenStrategyID {
		exitTime := exec.Timestamp
		out.trade = &performance.TradeRecord{
			TradeID:    "TRD_" + uuid.New().String(),
			StrategyID: o.StrategyID,
			AccountID:  o.AccountID,
			Symbol:     o.Symbol,
			Side:       o.Side,
			Quantity:   res.ClosedQuantity,
			EntryPrice: res.EntryPrice,
			ExitPrice:  exec.Price,
			PnL:        exec.RealizedPnL,
			ExitTime:   &exitTime,
		}
	}
	return out
}

func (e *Engine) afterFill(ctx context.Context, f *fillOutcome) {
	exec := f.exec
	if e.db != nil {
		if err := e.db.CreateExecution(&exec); err != nil {
			e.logger.Error().Err(err).Str("order_id", exec.OrderID).Msg("failed to persist execution")
		}
	}
	e.logger.Info().
		Str("order_id", exec.OrderID).
		Str("execution_id", exec.ExecutionID).
		Str("symbol", exec.Symbol).
		Float64("quantity", exec.Quantity).
		Float64("price", exec.Price).
		Float64("realized_pnl", exec.RealizedPnL).
		Msg("fill recorded")
	events.Emit(ctx, e.publisher, events.New(events.TypeFill, exec.OrderID, exec))

	if f.trade != nil && e.trades != nil {
		e.trades.RecordTrade(ctx, *f.trade)
	}
	for _, h := range e.fillHooks {
		if err := h.OnFill(ctx, exec); err != nil {
			e.logger.Error().Err(err).Str("execution_id", exec.ExecutionID).Msg("fill hook failed")
		}
	}
}

// ReconcileOnce replaces local positions with the broker's for every account
// without working orders; accounts with orders in flight are left to the monitor.
func (e *Engine) ReconcileOnce(ctx context.Context) {
	e.mu.Lock()
	busy := make(map[string]bool)
	for _, o := range e.active {
		busy[o.AccountID] = true
	}
	accounts := make([]string, 0, len(e.portfolios))
	for id := range e.portfolios {
		if !busy[id] {
			accounts = append(accounts, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(accounts)

	for _, accountID := range accounts {
		if ctx.Err() != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
		positions, err := e.broker.GetPositions(callCtx, accountID)
		cancel()
		if err != nil {
			e.logger.Warn().Err(err).Str("account_id", accountID).Msg("position reconciliation failed")
			continue
		}

		e.mu.Lock()
		drifts := e.portfolioFor(accountID).Reconcile(positions)
		e.mu.Unlock()

		if syncer, ok := e.accounts.(PositionSyncer); ok {
			syncer.SyncPositions(accountID, positions)
		}
		if len(drifts) > 0 {
			e.logger.Warn().
				Str("account_id", accountID).
				Interface("drifts", drifts).
				Msg("portfolio drift corrected from broker")
		}
	}
}

// EmergencyStop blocks all new signals and requests cancellation of every
// active order. It returns the number of cancel requests issued.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) int {
	e.mu.Lock()
	e.session.EmergencyStop = true
	e.session.IsActive = false
	e.session.StopReason = reason
	working := make([]types.Order, 0, len(e.active))
	for _, o := range e.active {
		working = append(working, *o)
	}
	e.mu.Unlock()

	e.logger.Error().Str("reason", reason).Int("active_orders", len(working)).Msg("emergency stop engaged")

	issued := 0
	for _, o := range working {
		issued++
		if _, err := e.cancelAtBroker(ctx, o.BrokerOrderID); err != nil {
			e.logger.Error().Err(err).Str("order_id", o.OrderID).Msg("cancel request failed during emergency stop")
		}
	}

	events.Emit(ctx, e.publisher, events.New(events.TypeEmergencyStop, "session", map[string]any{
		"reason":            reason,
		"cancels_requested": issued,
	}))
	return issued
}

// Resume is the operator action that lifts an emergency stop.
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	e.session.EmergencyStop = false
	e.session.IsActive = true
	e.session.StopReason = ""
	e.mu.Unlock()

	e.logger.Warn().Msg("trading resumed")
	events.Emit(ctx, e.publisher, events.New(events.TypeSessionResumed, "session", e.Session()))
}

// ResetSession starts a new trading day. An emergency stop survives the reset.
func (e *Engine) ResetSession(ctx context.Context) {
	e.mu.Lock()
	e.session.DailyPnL = 0
	e.session.TradesToday = 0
	e.session.StartedAt = e.now()
	e.mu.Unlock()
	e.logger.Info().Msg("session reset for new trading day")
}

// FlattenAccount cancels the account's working orders and submits market
// orders closing every position. Quantities already being closed by earlier
// flatten orders are not resubmitted, so repeated calls do not over-close.
func (e *Engine) FlattenAccount(ctx context.Context, accountID string) (int, error) {
	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	var working []types.Order
	closing := make(map[string]float64)
	for _, o := range e.active {
		if o.AccountID != accountID {
			continue
		}
		if o.StrategyID == flattenStrategyID {
			closing[o.Symbol] += o.Side.Sign() * o.RemainingQuantity()
			continue
		}
		working = append(working, *o)
	}
	positions := e.portfolioFor(accountID).Positions()
	e.mu.Unlock()

	var errs []error
	for _, o := range working {
		if _, err := e.cancelAtBroker(ctx, o.BrokerOrderID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.OrderID, err))
		}
	}

	closed := 0
	for _, pos := range positions {
		remaining := pos.Quantity + closing[pos.Symbol]
		if math.Abs(remaining) < 1e-9 || math.Signbit(remaining) != math.Signbit(pos.Quantity) {
			continue
		}
		side := types.SideSell
		if remaining < 0 {
			side = types.SideBuy
		}
		now := e.now()
		order := &types.Order{
			OrderID:       "ORD_" + uuid.New().String(),
			AccountID:     accountID,
			StrategyID:    flattenStrategyID,
			Symbol:        pos.Symbol,
			Side:          side,
			OrderType:     types.OrderTypeMarket,
			Quantity:      math.Abs(remaining),
			ExpectedPrice: pos.MarketPrice,
			TimeInForce:   types.TimeInForceDay,
			Status:        types.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.place(ctx, order); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", pos.Symbol, err))
			continue
		}
		if e.db != nil {
			if err := e.db.CreateOrder(order); err != nil {
				e.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist flatten order")
			}
		}
		e.mu.Lock()
		e.active[order.OrderID] = order
		e.mu.Unlock()
		closed++
	}

	if len(working) > 0 || closed > 0 {
		e.logger.Warn().
			Str("account_id", accountID).
			Int("orders_cancelled", len(working)).
			Int("positions_closing", closed).
			Msg("account flatten submitted")
	}
	return closed, errors.Join(errs...)
}

func (e *Engine) cancelAtBroker(ctx context.Context, brokerOrderID string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	defer cancel()
	return e.broker.CancelOrder(callCtx, brokerOrderID)
}

func (e *Engine) accountInfo(ctx context.Context, accountID string) (types.AccountBalances, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	defer cancel()
	return e.broker.GetAccountInfo(callCtx, accountID)
}

// workingQuantities sums the signed unfilled quantity of active orders per symbol.
func (e *Engine) workingQuantities(accountID string) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64)
	for _, o := range e.active {
		if o.AccountID == accountID {
			out[o.Symbol] += o.Side.Sign() * o.RemainingQuantity()
		}
	}
	return out
}

type keyLock struct {
	sync.Mutex
	refs int
}

// lockKey serializes signals sharing an idempotency key until the returned
// func is called.
func (e *Engine) lockKey(key string) func() {
	e.mu.Lock()
	l, ok := e.keyLocks[key]
	if !ok {
		l = &keyLock{}
		e.keyLocks[key] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.keyLocks, key)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) accountLock(accountID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.accountLocks[accountID]
	if !ok {
		l = &sync.Mutex{}
		e.accountLocks[accountID] = l
	}
	return l
}

// portfolioFor returns the account's portfolio, creating it. Caller holds e.mu.
func (e *Engine) portfolioFor(accountID string) *portfolio.Portfolio {
	p, ok := e.portfolios[accountID]
	if !ok {
		p = portfolio.New(accountID)
		e.portfolios[accountID] = p
	}
	return p
}

func (e *Engine) Session() types.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) ActiveOrders() []types.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Order, 0, len(e.active))
	for _, o := range e.active {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) Positions(accountID string) []types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.portfolios[accountID]; ok {
		return p.Positions()
	}
	return nil
}

// Order looks in the active set first, then in storage.
func (e *Engine) Order(orderID string) (types.Order, error) {
	e.mu.Lock()
	if o, ok := e.active[orderID]; ok {
		cp := *o
		e.mu.Unlock()
		return cp, nil
	}
	e.mu.Unlock()
	if e.db == nil {
		return types.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	o, err := e.db.GetOrder(orderID)
	if err != nil {
		return types.Order{}, err
	}
	if o == nil {
		return types.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return *o, nil
}

func (e *Engine) Orders(f OrderFilter) ([]types.Order, error) {
	if e.db == nil {
		return e.ActiveOrders(), nil
	}
	return e.db.ListOrders(f)
}

func (e *Engine) Executions(orderID string) ([]types.Execution, error) {
	if e.db == nil {
		return nil, nil
	}
	return e.db.ListExecutions(orderID)
}
