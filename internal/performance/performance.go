package performance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/events"
	"github.com/ksred/klear-exec/pkg/response"
)

var (
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrReenableCriteria = errors.New("strategy does not meet re-enable criteria")
)

// minTradesForCriteria is the history below which re-enabling is unconditional.
const minTradesForCriteria = 5

// ReenableCriteria gates an explicit re-enable of an auto-disabled strategy.
type ReenableCriteria struct {
	MinWinRate     float64
	DrawdownFactor float64 // fraction of AutoDisableRules.MaxDrawdown
}

// Ledger aggregates closed trades per strategy and doubles as the engine's
// strategy registry.
type Ledger struct {
	mu         sync.RWMutex
	strategies map[string]*StrategyPerformance
	trades     map[string][]TradeRecord
	rules      AutoDisableRules
	reenable   ReenableCriteria
	db         *Database
	publisher  events.Publisher
	logger     zerolog.Logger
}

func NewLedger(gormDB *gorm.DB, cfg config.PerformanceConfig, publisher events.Publisher) *Ledger {
	l := &Ledger{
		strategies: make(map[string]*StrategyPerformance),
		trades:     make(map[string][]TradeRecord),
		rules: AutoDisableRules{
			MaxDrawdown:          cfg.MaxDrawdown,
			MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
			MinWinRate:           cfg.MinWinRate,
			MinProfitFactor:      cfg.MinProfitFactor,
			MinTradesForRatios:   cfg.MinTradesForRatios,
		},
		reenable: ReenableCriteria{
			MinWinRate:     cfg.ReenableMinWinRate,
			DrawdownFactor: cfg.ReenableDrawdownFactor,
		},
		publisher: publisher,
		logger:    log.With().Str("component", "performance_ledger").Logger(),
	}
	if gormDB != nil {
		l.db = NewDatabase(gormDB)
	}
	return l
}

// Register makes a strategy known with the default rules. Existing strategies are untouched.
func (l *Ledger) Register(strategyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensure(strategyID)
}

// SetRules overrides the auto-disable thresholds of one strategy.
func (l *Ledger) SetRules(strategyID string, rules AutoDisableRules) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensure(strategyID).Rules = rules
}

func (l *Ledger) ensure(strategyID string) *StrategyPerformance {
	p, ok := l.strategies[strategyID]
	if !ok {
		np := newPerformance(strategyID, l.rules)
		p = &np
		l.strategies[strategyID] = p
	}
	return p
}

// RecordTrade folds a closed trade into its strategy and runs the auto-disable
// check. Open trades are ignored and reported as not recorded.
func (l *Ledger) RecordTrade(ctx context.Context, trade TradeRecord) (StrategyPerformance, bool) {
	if !trade.IsClosed() || trade.StrategyID == "" {
		return StrategyPerformance{}, false
	}
	if trade.TradeID == "" {
		trade.TradeID = "TRD_" + uuid.New().String()
	}

	l.mu.Lock()
	p := l.ensure(trade.StrategyID)
	apply(p, trade)
	l.trades[trade.StrategyID] = append(l.trades[trade.StrategyID], trade)
	disabled := l.checkAutoDisableRules(p)
	snapshot := p.clone()
	l.mu.Unlock()

	l.logger.Debug().
		Str("strategy_id", trade.StrategyID).
		Str("trade_id", trade.TradeID).
		Float64("pnl", trade.PnL).
		Int("total_trades", snapshot.TotalTrades).
		Float64("win_rate", snapshot.WinRate).
		Int("consecutive_losses", snapshot.ConsecutiveLosses).
		Msg("trade recorded")

	if disabled {
		l.logger.Warn().
			Str("strategy_id", snapshot.StrategyID).
			Str("reason", snapshot.DisabledReason).
			Msg("strategy auto-disabled")
		events.Emit(ctx, l.publisher, events.New(events.TypeStrategyStatus, snapshot.StrategyID, snapshot))
	}
	return snapshot, true
}

// checkAutoDisableRules moves an ACTIVE strategy to AUTO_DISABLED on any breach.
// It never re-activates. Caller holds l.mu.
func (l *Ledger) checkAutoDisableRules(p *StrategyPerformance) bool {
	if p.Status != StatusActive {
		return false
	}
	reason := breach(*p)
	if reason == "" {
		return false
	}
	p.Status = StatusAutoDisabled
	p.DisabledReason = reason
	p.RequiresReview = true
	return true
}

// Recompute rebuilds a strategy from trades, replacing its history but keeping its status.
func (l *Ledger) Recompute(strategyID string, trades []TradeRecord) StrategyPerformance {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.ensure(strategyID)
	rebuilt := Replay(strategyID, current.Rules, trades)
	rebuilt.Status = current.Status
	rebuilt.DisabledReason = current.DisabledReason
	rebuilt.RequiresReview = current.RequiresReview
	*current = rebuilt
	kept := make([]TradeRecord, 0, len(trades))
	for _, t := range trades {
		if t.IsClosed() {
			kept = append(kept, t)
		}
	}
	l.trades[strategyID] = kept
	return current.clone()
}

// Enable is the explicit re-enable. Strategies auto-disabled at any point
// since their last successful review must meet the re-enable criteria once
// they have enough history; others resume directly.
func (l *Ledger) Enable(ctx context.Context, strategyID string) error {
	l.mu.Lock()
	p, ok := l.strategies[strategyID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}
	if (p.Status == StatusAutoDisabled || p.RequiresReview) && p.TotalTrades >= minTradesForCriteria {
		if p.WinRate < l.reenable.MinWinRate {
			l.mu.Unlock()
			return fmt.Errorf("%w: win rate %.2f below %.2f", ErrReenableCriteria, p.WinRate, l.reenable.MinWinRate)
		}
		if limit := p.Rules.MaxDrawdown * l.reenable.DrawdownFactor; p.Rules.MaxDrawdown > 0 && p.CurrentDrawdown >= limit {
			l.mu.Unlock()
			return fmt.Errorf("%w: drawdown %.2f not below %.2f", ErrReenableCriteria, p.CurrentDrawdown, limit)
		}
	}
	p.Status = StatusActive
	p.DisabledReason = ""
	p.RequiresReview = false
	snapshot := p.clone()
	l.mu.Unlock()

	l.logger.Info().Str("strategy_id", strategyID).Msg("strategy enabled")
	events.Emit(ctx, l.publisher, events.New(events.TypeStrategyStatus, strategyID, snapshot))
	return nil
}

func (l *Ledger) Pause(ctx context.Context, strategyID, reason string) error {
	return l.setStatus(ctx, strategyID, StatusPaused, reason, StatusActive)
}

// Disable auto-disables a strategy from outside the ledger, e.g. a rotation rule.
func (l *Ledger) Disable(ctx context.Context, strategyID, reason string) error {
	return l.setStatus(ctx, strategyID, StatusAutoDisabled, reason, StatusActive, StatusPaused)
}

func (l *Ledger) Stop(ctx context.Context, strategyID, reason string) error {
	return l.setStatus(ctx, strategyID, StatusStopped, reason, StatusActive, StatusPaused, StatusAutoDisabled)
}

// setStatus applies next only from one of the from statuses; otherwise it is a no-op.
func (l *Ledger) setStatus(ctx context.Context, strategyID string, next Status, reason string, from ...Status) error {
	l.mu.Lock()
	p, ok := l.strategies[strategyID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}
	allowed := false
	for _, s := range from {
		if p.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		l.mu.Unlock()
		return nil
	}
	p.Status = next
	p.DisabledReason = reason
	if next == StatusAutoDisabled {
		p.RequiresReview = true
	}
	snapshot := p.clone()
	l.mu.Unlock()

	l.logger.Warn().Str("strategy_id", strategyID).Str("status", string(next)).Str("reason", reason).Msg("strategy status changed")
	events.Emit(ctx, l.publisher, events.New(events.TypeStrategyStatus, strategyID, snapshot))
	return nil
}

// IsTradable reports whether new signals may be accepted for the strategy.
// Unknown strategies are tradable; they are registered on first use.
func (l *Ledger) IsTradable(strategyID string) (bool, Status) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.strategies[strategyID]
	if !ok {
		return true, StatusActive
	}
	return p.Status == StatusActive, p.Status
}

func (l *Ledger) Snapshot(strategyID string) (StrategyPerformance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.strategies[strategyID]
	if !ok {
		return StrategyPerformance{}, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}
	return p.clone(), nil
}

func (l *Ledger) All() []StrategyPerformance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]StrategyPerformance, 0, len(l.strategies))
	for _, p := range l.strategies {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

func (l *Ledger) History(strategyID string) []TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]TradeRecord(nil), l.trades[strategyID]...)
}

// SaveSnapshots persists every strategy's status and history.
func (l *Ledger) SaveSnapshots(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	l.mu.RLock()
	snaps := make([]StrategySnapshot, 0, len(l.strategies))
	now := time.Now()
	for id, p := range l.strategies {
		snaps = append(snaps, StrategySnapshot{
			StrategyID:     id,
			Status:         p.Status,
			DisabledReason: p.DisabledReason,
			RequiresReview: p.RequiresReview,
			TotalTrades:    p.TotalTrades,
			TotalPnL:       p.TotalPnL,
			WinRate:        p.WinRate,
			Trades:         append([]TradeRecord(nil), l.trades[id]...),
			TakenAt:        now,
		})
	}
	l.mu.RUnlock()

	for i := range snaps {
		if err := l.db.SaveSnapshot(&snaps[i]); err != nil {
			return fmt.Errorf("failed to save snapshot for %s: %w", snaps[i].StrategyID, err)
		}
	}
	l.logger.Debug().Int("strategies", len(snaps)).Msg("strategy snapshots saved")
	return nil
}

// LoadSnapshots restores strategies by replaying their stored history.
func (l *Ledger) LoadSnapshots() error {
	if l.db == nil {
		return nil
	}
	snaps, err := l.db.ListSnapshots()
	if err != nil {
		return fmt.Errorf("failed to load strategy snapshots: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range snaps {
		p := Replay(s.StrategyID, l.rules, s.Trades)
		p.Status = s.Status
		p.DisabledReason = s.DisabledReason
		p.RequiresReview = s.RequiresReview || s.Status == StatusAutoDisabled
		l.strategies[s.StrategyID] = &p
		l.trades[s.StrategyID] = s.Trades
	}
	l.logger.Info().Int("strategies", len(snaps)).Msg("strategy snapshots restored")
	return nil
}

func (p *StrategyPerformance) clone() StrategyPerformance {
	cp := *p
	cp.EquityCurve = append([]float64(nil), p.EquityCurve...)
	return cp
}

// GinHandlers exposes strategy performance and status controls.
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{ledger: ledger}
}

func (h *GinHandlers) ListStrategiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.ledger.All())
	}
}

func (h *GinHandlers) GetStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := h.ledger.Snapshot(c.Param("strategy_id"))
		if err != nil {
			response.NotFound(c, err.Error())
			return
		}
		response.Success(c, p)
	}
}

type statusRequest struct {
	Reason string `json:"reason"`
}

// SetStatusHandler handles POST /strategies/:strategy_id/:action where action
// is enable, pause or stop.
func (h *GinHandlers) SetStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statusRequest
		_ = c.ShouldBindJSON(&req)
		id := c.Param("strategy_id")
		ctx := c.Request.Context()

		var err error
		switch c.Param("action") {
		case "enable":
			err = h.ledger.Enable(ctx, id)
		case "pause":
			err = h.ledger.Pause(ctx, id, req.Reason)
		case "stop":
			err = h.ledger.Stop(ctx, id, req.Reason)
		default:
			response.BadRequest(c, "action must be enable, pause or stop")
			return
		}

		switch {
		case errors.Is(err, ErrStrategyNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrReenableCriteria):
			response.Conflict(c, err.Error())
		case err != nil:
			response.InternalError(c, err.Error())
		default:
			p, _ := h.ledger.Snapshot(id)
			response.Success(c, p)
		}
	}
}
