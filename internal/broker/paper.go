package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/portfolio"
	"github.com/ksred/klear-exec/internal/types"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	StartingCash      float64
	BuyingPowerFactor float64
	FeeRate           float64 // fraction of notional
	CommissionPerUnit float64
	PartialFillRate   float64 // probability a match only fills part of what remains
	SlippageBps       float64
	MinLatency        time.Duration
	MaxLatency        time.Duration
	ExpireAfter       time.Duration // unfilled resting orders expire after this; zero disables
	Seed              int64
}

func PaperConfigFrom(cfg config.BrokerConfig) PaperConfig {
	return PaperConfig{
		StartingCash:      cfg.StartingCash,
		BuyingPowerFactor: cfg.BuyingPowerFactor,
		FeeRate:           cfg.FeeRate,
		CommissionPerUnit: cfg.CommissionPerUnit,
		PartialFillRate:   cfg.PartialFillRate,
		SlippageBps:       2,
		MinLatency:        5 * time.Millisecond,
		MaxLatency:        30 * time.Millisecond,
		Seed:              time.Now().UnixNano(),
	}
}

type paperOrder struct {
	order    types.Order
	update   OrderUpdate
	placedAt time.Time
}

type paperAccount struct {
	cash      decimal.Decimal
	portfolio *portfolio.Portfolio
}

// Paper is an in-memory venue that matches orders against the last set price
// each time their status is queried.
type Paper struct {
	mu       sync.Mutex
	cfg      PaperConfig
	rng      *rand.Rand
	prices   map[string]float64
	orders   map[string]*paperOrder
	accounts map[string]*paperAccount
	failures int
	logger   zerolog.Logger
}

func NewPaper(cfg PaperConfig, accountIDs ...string) *Paper {
	if cfg.BuyingPowerFactor <= 0 {
		cfg.BuyingPowerFactor = 1
	}
	p := &Paper{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		prices:   make(map[string]float64),
		orders:   make(map[string]*paperOrder),
		accounts: make(map[string]*paperAccount),
		logger:   log.With().Str("component", "paper_broker").Logger(),
	}
	for _, id := range accountIDs {
		p.OpenAccount(id, cfg.StartingCash)
	}
	return p
}

func (p *Paper) OpenAccount(accountID string, cash float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[accountID] = &paperAccount{cash: decimal.NewFromFloat(cash), portfolio: portfolio.New(accountID)}
}

// SetPrice moves the simulated market; resting orders are re-matched on their next status query.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	for _, acct := range p.accounts {
		acct.portfolio.Mark(symbol, price)
	}
}

func (p *Paper) LastPrice(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	return price, ok && price > 0
}

// FailNext makes the next n placements fail as if the venue were unreachable.
func (p *Paper) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

func (p *Paper) PlaceOrder(ctx context.Context, order *types.Order) (string, error) {
	if err := p.latency(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failures > 0 {
		p.failures--
		return "", fmt.Errorf("paper venue unavailable for order %s", order.OrderID)
	}
	if _, ok := p.accounts[order.AccountID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, order.AccountID)
	}
	if order.Quantity <= 0 {
		return "", fmt.Errorf("%w: non-positive quantity", ErrRejected)
	}

	id := "PAPER_" + uuid.New().String()
	p.orders[id] = &paperOrder{
		order:    *order,
		update:   OrderUpdate{BrokerOrderID: id, Status: types.StatusOpen, UpdatedAt: time.Now()},
		placedAt: time.Now(),
	}

	p.logger.Info().
		Str("broker_order_id", id).
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Msg("order accepted")

	return id, nil
}

func (p *Paper) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	if err := p.latency(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[brokerOrderID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrOrderNotFound, brokerOrderID)
	}
	if po.update.Status.IsTerminal() {
		return false, nil
	}
	po.update.Status = types.StatusCancelled
	po.update.Reason = "cancelled by request"
	po.update.UpdatedAt = time.Now()
	return true, nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderUpdate, error) {
	if err := p.latency(ctx); err != nil {
		return OrderUpdate{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[brokerOrderID]
	if !ok {
		return OrderUpdate{}, fmt.Errorf("%w: %s", ErrOrderNotFound, brokerOrderID)
	}
	if !po.update.Status.IsTerminal() {
		p.match(po)
	}
	return po.update, nil
}

func (p *Paper) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	if err := p.latency(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return acct.portfolio.Positions(), nil
}

func (p *Paper) GetAccountInfo(ctx context.Context, accountID string) (types.AccountBalances, error) {
	if err := p.latency(ctx); err != nil {
		return types.AccountBalances{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[accountID]
	if !ok {
		return types.AccountBalances{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	equity := acct.cash
	for _, pos := range acct.portfolio.Positions() {
		equity = equity.Add(decimal.NewFromFloat(pos.MarketValue()))
	}
	cash, _ := acct.cash.Float64()
	eq, _ := equity.Float64()
	bp, _ := acct.cash.Mul(decimal.NewFromFloat(p.cfg.BuyingPowerFactor)).Float64()
	return types.AccountBalances{AccountID: accountID, CashBalance: cash, BuyingPower: math.Max(bp, 0), Equity: eq}, nil
}

// match advances one order against the current price. Caller holds p.mu.
func (p *Paper) match(po *paperOrder) {
	o := &po.order
	price, ok := p.prices[o.Symbol]
	if !ok || price <= 0 {
		price = o.ReferencePrice()
	}
	if price <= 0 {
		return
	}

	if !marketable(o, price) {
		if p.cfg.ExpireAfter > 0 && time.Since(po.placedAt) > p.cfg.ExpireAfter {
			po.update.Status = types.StatusExpired
			po.update.Reason = "resting order expired"
			po.update.UpdatedAt = time.Now()
		} else if o.TimeInForce == types.TimeInForceIOC || o.TimeInForce == types.TimeInForceFOK {
			po.update.Status = types.StatusCancelled
			po.update.Reason = "not marketable"
			po.update.UpdatedAt = time.Now()
		}
		return
	}

	remaining := o.Quantity - po.update.FilledQuantity
	qty := remaining
	if o.TimeInForce != types.TimeInForceFOK && p.rng.Float64() < p.cfg.PartialFillRate {
		qty = math.Floor(remaining * (0.3 + 0.5*p.rng.Float64()))
	}
	if qty <= 0 {
		return
	}

	slip := price * p.cfg.SlippageBps / 10000 * p.rng.Float64() * o.Side.Sign()
	fillPrice := price + slip
	if o.OrderType == types.OrderTypeLimit || o.OrderType == types.OrderTypeStopLimit {
		if o.Side == types.SideBuy {
			fillPrice = math.Min(fillPrice, o.LimitPrice)
		} else {
			fillPrice = math.Max(fillPrice, o.LimitPrice)
		}
	}

	p.applyFill(po, qty, fillPrice)

	if po.update.FilledQuantity >= o.Quantity {
		po.update.Status = types.StatusFilled
	} else if o.TimeInForce == types.TimeInForceIOC {
		po.update.Status = types.StatusCancelled
		po.update.Reason = "remaining quantity cancelled"
	} else {
		po.update.Status = types.StatusPartiallyFilled
	}
	po.update.UpdatedAt = time.Now()
}

func (p *Paper) applyFill(po *paperOrder, qty, price float64) {
	o := &po.order
	u := &po.update

	prevQty := decimal.NewFromFloat(u.FilledQuantity)
	prevAvg := decimal.NewFromFloat(u.AvgFillPrice)
	q := decimal.NewFromFloat(qty)
	px := decimal.NewFromFloat(price)
	total := prevQty.Add(q)

	u.AvgFillPrice, _ = prevQty.Mul(prevAvg).Add(q.Mul(px)).Div(total).Float64()
	u.FilledQuantity, _ = total.Float64()

	notional := q.Mul(px)
	fees := notional.Mul(decimal.NewFromFloat(p.cfg.FeeRate))
	commission := q.Mul(decimal.NewFromFloat(p.cfg.CommissionPerUnit))
	u.Fees, _ = decimal.NewFromFloat(u.Fees).Add(fees).Float64()
	u.Commission, _ = decimal.NewFromFloat(u.Commission).Add(commission).Float64()

	if acct, ok := p.accounts[o.AccountID]; ok {
		if o.Side == types.SideBuy {
			acct.cash = acct.cash.Sub(notional)
		} else {
			acct.cash = acct.cash.Add(notional)
		}
		acct.cash = acct.cash.Sub(fees).Sub(commission)
		acct.portfolio.ApplyFill(types.Execution{Symbol: o.Symbol, Side: o.Side, Quantity: qty, Price: price})
	}

	p.logger.Debug().
		Str("broker_order_id", u.BrokerOrderID).
		Float64("fill_quantity", qty).
		Float64("fill_price", price).
		Float64("filled_quantity", u.FilledQuantity).
		Msg("simulated fill")
}

func marketable(o *types.Order, price float64) bool {
	switch o.OrderType {
	case types.OrderTypeLimit:
		return crosses(o.Side, price, o.LimitPrice)
	case types.OrderTypeStop:
		return triggered(o.Side, price, o.StopPrice)
	case types.OrderTypeStopLimit:
		return triggered(o.Side, price, o.StopPrice) && crosses(o.Side, price, o.LimitPrice)
	}
	return true
}

func crosses(side types.OrderSide, price, limit float64) bool {
	if side == types.SideBuy {
		return price <= limit
	}
	return price >= limit
}

func triggered(side types.OrderSide, price, stop float64) bool {
	if side == types.SideBuy {
		return price >= stop
	}
	return price <= stop
}

func (p *Paper) latency(ctx context.Context) error {
	if p.cfg.MaxLatency <= 0 {
		return ctx.Err()
	}
	spread := p.cfg.MaxLatency - p.cfg.MinLatency
	d := p.cfg.MinLatency
	if spread > 0 {
		p.mu.Lock()
		d += time.Duration(p.rng.Int63n(int64(spread)))
		p.mu.Unlock()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
