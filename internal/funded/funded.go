package funded

import (
	"context"
	"errors"
	"fmt"
	"math"
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
	"github.com/ksred/klear-exec/internal/risk"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/pkg/response"
)

var (
	ErrAccountNotFound   = errors.New("funded account not found")
	ErrViolationNotFound = errors.New("rule violation not found")
)

// Check is the verdict on a proposed trade for a funded account.
type Check struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type entry struct {
	account    *FundedAccount
	window     *risk.Window
	unresolved []*RuleViolation
	flattening bool
}

// Registry owns funded-account state. All rule state changes go through it.
type Registry struct {
	mu        sync.Mutex
	db        *Database
	accounts  map[string]*entry
	connector Connector
	flattener Flattener
	publisher events.Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

func NewRegistry(gormDB *gorm.DB, connector Connector, publisher events.Publisher) *Registry {
	if connector == nil {
		connector = LogConnector{}
	}
	r := &Registry{
		accounts:  make(map[string]*entry),
		connector: connector,
		publisher: publisher,
		now:       time.Now,
		logger:    log.With().Str("component", "account_registry").Logger(),
	}
	if gormDB != nil {
		r.db = NewDatabase(gormDB)
	}
	return r
}

// SetFlattener wires the component that can cancel orders and close positions.
func (r *Registry) SetFlattener(f Flattener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flattener = f
}

func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Register loads or creates an account. Persisted P&L state survives restarts;
// limits always come from cfg.
func (r *Registry) Register(cfg config.FundedAccount) (*FundedAccount, error) {
	if cfg.AccountID == "" {
		return nil, errors.New("funded account requires an account_id")
	}

	var window *risk.Window
	if cfg.TradingStart != "" && cfg.TradingEnd != "" {
		w, err := risk.ParseWindow(cfg.TradingStart, cfg.TradingEnd, cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("account %s trading hours: %w", cfg.AccountID, err)
		}
		window = &w
	}

	var account *FundedAccount
	var unresolved []*RuleViolation
	if r.db != nil {
		existing, err := r.db.GetAccount(cfg.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load account %s: %w", cfg.AccountID, err)
		}
		account = existing
		open, err := r.db.ListViolations(cfg.AccountID, true)
		if err != nil {
			return nil, fmt.Errorf("failed to load violations for %s: %w", cfg.AccountID, err)
		}
		for i := range open {
			unresolved = append(unresolved, &open[i])
		}
	}
	if account == nil {
		account = &FundedAccount{
			AccountID: cfg.AccountID,
			Status:    StatusActive,
			Rules:     NewRules(cfg.StartingEquity, cfg.MaxDailyLoss, cfg.TrailingDrawdown, cfg.MaxContracts),
		}
	}
	account.Provider = cfg.Provider
	account.TradingStart = cfg.TradingStart
	account.TradingEnd = cfg.TradingEnd
	account.Timezone = cfg.Timezone
	account.Rules.MaxDailyLoss = cfg.MaxDailyLoss
	account.Rules.TrailingDrawdown = cfg.TrailingDrawdown
	account.Rules.MaxContracts = cfg.MaxContracts
	account.Rules.ProfitTarget = cfg.ProfitTarget
	account.Rules.RestrictedSymbols = cfg.RestrictedSymbols
	account.Rules.AllowOvernight = cfg.AllowOvernight
	account.Rules.AllowNewsTrading = cfg.AllowNewsTrading
	account.Positions = make(map[string]float64)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[cfg.AccountID] = &entry{account: account, window: window, unresolved: unresolved}
	if err := r.saveAccount(account); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("account_id", account.AccountID).
		Str("provider", account.Provider).
		Str("status", string(account.Status)).
		Float64("equity", account.Rules.Equity()).
		Int("unresolved_violations", len(unresolved)).
		Msg("funded account registered")

	cp := copyAccount(account)
	return &cp, nil
}

func (r *Registry) IsFunded(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.accounts[accountID]
	return ok
}

func (r *Registry) Account(accountID string) (FundedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.accounts[accountID]
	if !ok {
		return FundedAccount{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return copyAccount(e.account), nil
}

func (r *Registry) Accounts() []FundedAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FundedAccount, 0, len(r.accounts))
	for _, e := range r.accounts {
		out = append(out, copyAccount(e.account))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// CheckTrade combines IsTradingAllowed with the account's rule limits.
// working holds the signed unfilled quantity per symbol of orders already at
// the broker; contract limits count it as if it had filled.
// Accounts the registry does not know are not funded and always pass.
func (r *Registry) CheckTrade(accountID, symbol string, side types.OrderSide, qty, expectedLoss float64, working map[string]float64) Check {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.accounts[accountID]
	if !ok {
		return Check{Allowed: true}
	}
	if ok, reason := r.tradingAllowed(e, r.now()); !ok {
		return r.deny(e, symbol, reason)
	}
	if ok, reason := e.account.Rules.CanTrade(symbol, side.Sign()*qty, projected(e.account.Positions, working), expectedLoss); !ok {
		return r.deny(e, symbol, reason)
	}
	return Check{Allowed: true}
}

func projected(positions, working map[string]float64) map[string]float64 {
	if len(working) == 0 {
		return positions
	}
	out := make(map[string]float64, len(positions)+len(working))
	for s, q := range positions {
		out[s] = q
	}
	for s, q := range working {
		out[s] += q
	}
	return out
}

func (r *Registry) IsTradingAllowed(accountID string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.accounts[accountID]
	if !ok {
		return false, ErrAccountNotFound.Error()
	}
	return r.tradingAllowed(e, r.now())
}

func (r *Registry) tradingAllowed(e *entry, now time.Time) (bool, string) {
	switch e.account.Status {
	case StatusSuspended, StatusClosed:
		return false, risk.ReasonAccountSuspended
	}
	if len(e.unresolved) > 0 {
		return false, risk.ReasonActiveViolation
	}
	if e.window != nil && !e.window.Contains(now) {
		return false, risk.ReasonOutsideTradingTime
	}
	return e.account.Rules.CanTrade("", 1, nil, 0)
}

func (r *Registry) deny(e *entry, symbol, reason string) Check {
	rules := e.account.Rules
	msg := fmt.Sprintf("account %s blocked: %s (daily pnl %.2f, drawdown %.2f, open contracts %.0f)",
		e.account.AccountID, reason, rules.CurrentDailyPnL, rules.CurrentDrawdown, OpenContracts(e.account.Positions))
	r.logger.Warn().
		Str("account_id", e.account.AccountID).
		Str("symbol", symbol).
		Str("reason", reason).
		Msg("funded account trade rejected")
	return Check{Reason: reason, Message: msg}
}

// OnFill is the engine fill hook for funded accounts.
func (r *Registry) OnFill(ctx context.Context, exec types.Execution) error {
	return r.RecordExecution(ctx, exec)
}

// RecordExecution applies a fill to contracts and daily P&L, then checks for
// violations. A severe violation suspends the account and flattens it.
func (r *Registry) RecordExecution(ctx context.Context, exec types.Execution) error {
	r.mu.Lock()
	e, ok := r.accounts[exec.AccountID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	account := e.account
	prevStatus := account.Status

	next := account.Positions[exec.Symbol] + exec.Side.Sign()*exec.Quantity
	if math.Abs(next) < 1e-9 {
		delete(account.Positions, exec.Symbol)
	} else {
		account.Positions[exec.Symbol] = next
	}
	account.Rules.UpdateDailyPnl(account.Rules.CurrentDailyPnL + exec.RealizedPnL)

	created, err := r.checkForViolations(e)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if account.Status == StatusActive && account.Rules.ProfitTargetReached() {
		account.Status = StatusPassed
	}
	if err := r.saveAccount(account); err != nil {
		r.mu.Unlock()
		return err
	}
	status := account.Status
	snapshot := copyAccount(account)
	r.mu.Unlock()

	if _, err := r.connector.ReportTradeExecution(ctx, exec.AccountID, exec.Symbol, exec.Quantity, exec.Price, exec.Side); err != nil {
		r.logger.Error().Err(err).Str("account_id", exec.AccountID).Msg("failed to report execution to provider")
	}

	severe := ""
	for _, v := range created {
		events.Emit(ctx, r.publisher, events.New(events.TypeAccountViolation, v.AccountID, v))
		if v.ViolationType.IsSevere() && severe == "" {
			severe = string(v.ViolationType)
		}
	}
	if status != prevStatus {
		events.Emit(ctx, r.publisher, events.New(events.TypeAccountStatus, snapshot.AccountID, snapshot))
	}
	if severe != "" {
		if _, err := r.EmergencyFlatten(ctx, exec.AccountID, severe); err != nil {
			return fmt.Errorf("emergency flatten of %s failed: %w", exec.AccountID, err)
		}
	}
	return nil
}

// checkForViolations records one violation per breached threshold, never
// duplicating an unresolved one of the same type. Caller holds r.mu.
func (r *Registry) checkForViolations(e *entry) ([]*RuleViolation, error) {
	rules := e.account.Rules
	type breach struct {
		kind   ViolationType
		limit  float64
		actual float64
	}
	var breaches []breach
	if rules.MaxDailyLoss > 0 && rules.CurrentDailyPnL <= -rules.MaxDailyLoss {
		breaches = append(breaches, breach{ViolationDailyLoss, rules.MaxDailyLoss, -rules.CurrentDailyPnL})
	}
	if rules.TrailingDrawdown > 0 && rules.CurrentDrawdown >= rules.TrailingDrawdown {
		breaches = append(breaches, breach{ViolationTrailingDrawdown, rules.TrailingDrawdown, rules.CurrentDrawdown})
	}
	if open := OpenContracts(e.account.Positions); rules.MaxContracts > 0 && open > float64(rules.MaxContracts) {
		breaches = append(breaches, breach{ViolationContractLimit, float64(rules.MaxContracts), open})
	}

	var created []*RuleViolation
	for _, b := range breaches {
		if hasUnresolved(e, b.kind) {
			continue
		}
		v := &RuleViolation{
			ViolationID:   "VIO_" + uuid.New().String(),
			AccountID:     e.account.AccountID,
			ViolationType: b.kind,
			RuleLimit:     b.limit,
			ActualValue:   b.actual,
			TriggeredAt:   r.now(),
			Source:        "engine",
		}
		if err := r.addViolation(e, v); err != nil {
			return created, err
		}
		created = append(created, v)
	}
	return created, nil
}

// addViolation persists v and suspends the account for severe types. Caller holds r.mu.
func (r *Registry) addViolation(e *entry, v *RuleViolation) error {
	if r.db != nil {
		if err := r.db.CreateViolation(v); err != nil {
			return fmt.Errorf("failed to store violation: %w", err)
		}
	}
	e.unresolved = append(e.unresolved, v)
	if v.ViolationType.IsSevere() {
		e.account.Status = StatusSuspended
	}
	r.logger.Error().
		Str("account_id", v.AccountID).
		Str("violation_id", v.ViolationID).
		Str("violation_type", string(v.ViolationType)).
		Float64("rule_limit", v.RuleLimit).
		Float64("actual_value", v.ActualValue).
		Str("status", string(e.account.Status)).
		Msg("rule violation recorded")
	return nil
}

func hasUnresolved(e *entry, kind ViolationType) bool {
	for _, v := range e.unresolved {
		if v.ViolationType == kind {
			return true
		}
	}
	return false
}

// EmergencyFlatten cancels working orders and closes every position of the
// account. Concurrent requests collapse into one; a flat account is a no-op.
func (r *Registry) EmergencyFlatten(ctx context.Context, accountID, reason string) (FlattenResult, error) {
	r.mu.Lock()
	e, ok := r.accounts[accountID]
	if !ok {
		r.mu.Unlock()
		return FlattenResult{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if e.flattening {
		r.mu.Unlock()
		return FlattenResult{Success: true}, nil
	}
	flattener := r.flattener
	if flattener == nil && OpenContracts(e.account.Positions) == 0 {
		r.mu.Unlock()
		return FlattenResult{Success: true}, nil
	}
	e.flattening = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		e.flattening = false
		r.mu.Unlock()
	}()

	logger := r.logger.With().Str("account_id", accountID).Str("reason", reason).Logger()
	logger.Warn().Msg("emergency flatten started")

	var result FlattenResult
	var err error
	if flattener != nil {
		var closed int
		closed, err = flattener.FlattenAccount(ctx, accountID)
		result = FlattenResult{Success: err == nil, PositionsClosed: closed}
	} else {
		result, err = r.connector.EmergencyFlattenPositions(ctx, accountID)
	}
	if err != nil {
		logger.Error().Err(err).Msg("emergency flatten failed")
		return result, err
	}

	r.mu.Lock()
	for _, v := range e.unresolved {
		if v.ViolationType.IsSevere() && v.ActionTaken == "" {
			v.ActionTaken = "emergency_flatten"
			if r.db != nil {
				if err := r.db.UpdateViolation(v); err != nil {
					logger.Error().Err(err).Str("violation_id", v.ViolationID).Msg("failed to update violation")
				}
			}
		}
	}
	r.mu.Unlock()

	logger.Warn().Int("positions_closed", result.PositionsClosed).Msg("emergency flatten completed")
	events.Emit(ctx, r.publisher, events.New(events.TypeAccountFlatten, accountID, map[string]any{
		"reason":           reason,
		"positions_closed": result.PositionsClosed,
	}))
	return result, nil
}

// ResolveViolation is the operator action that clears a violation. The account
// returns to ACTIVE once nothing remains unresolved.
func (r *Registry) ResolveViolation(ctx context.Context, violationID, action string) (*RuleViolation, error) {
	r.mu.Lock()
	var (
		found *RuleViolation
		owner *entry
	)
	for _, e := range r.accounts {
		for i, v := range e.unresolved {
			if v.ViolationID == violationID {
				found, owner = v, e
				e.unresolved = append(e.unresolved[:i], e.unresolved[i+1:]...)
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found == nil {
		r.mu.Unlock()
		if r.db != nil {
			if v, err := r.db.GetViolation(violationID); err == nil && v.Resolved {
				return v, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrViolationNotFound, violationID)
	}

	now := r.now()
	found.Resolved = true
	found.ResolvedAt = &now
	if action != "" {
		found.ActionTaken = action
	}
	reactivated := false
	if len(owner.unresolved) == 0 && owner.account.Status == StatusSuspended {
		owner.account.Status = StatusActive
		reactivated = true
	}
	var err error
	if r.db != nil {
		if err = r.db.UpdateViolation(found); err == nil {
			err = r.saveAccount(owner.account)
		}
	}
	snapshot := copyAccount(owner.account)
	resolved := *found
	r.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to persist resolution: %w", err)
	}
	r.logger.Info().
		Str("account_id", resolved.AccountID).
		Str("violation_id", violationID).
		Str("action", resolved.ActionTaken).
		Bool("reactivated", reactivated).
		Msg("rule violation resolved")
	if reactivated {
		events.Emit(ctx, r.publisher, events.New(events.TypeAccountStatus, snapshot.AccountID, snapshot))
	}
	return &resolved, nil
}

// SyncViolations merges violations reported by the provider. Returns how many were new.
func (r *Registry) SyncViolations(ctx context.Context, accountID string) (int, error) {
	if !r.IsFunded(accountID) {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	remote, err := r.connector.GetRuleViolations(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch provider violations for %s: %w", accountID, err)
	}

	r.mu.Lock()
	e := r.accounts[accountID]
	var added []*RuleViolation
	for i := range remote {
		rv := remote[i]
		if rv.Resolved || hasUnresolved(e, rv.ViolationType) {
			continue
		}
		if rv.ViolationID == "" {
			rv.ViolationID = "VIO_" + uuid.New().String()
		}
		if rv.TriggeredAt.IsZero() {
			rv.TriggeredAt = r.now()
		}
		rv.AccountID = accountID
		rv.Source = "provider"
		if err := r.addViolation(e, &rv); err != nil {
			r.mu.Unlock()
			return len(added), err
		}
		added = append(added, &rv)
	}
	severe := false
	for _, v := range added {
		severe = severe || v.ViolationType.IsSevere()
	}
	if len(added) > 0 {
		if err := r.saveAccount(e.account); err != nil {
			r.mu.Unlock()
			return len(added), err
		}
	}
	r.mu.Unlock()

	for _, v := range added {
		events.Emit(ctx, r.publisher, events.New(events.TypeAccountViolation, accountID, v))
	}
	if severe {
		if _, err := r.EmergencyFlatten(ctx, accountID, "provider_violation"); err != nil {
			return len(added), err
		}
	}
	return len(added), nil
}

// SyncPositions replaces the contract book with broker-reported positions.
func (r *Registry) SyncPositions(accountID string, positions []types.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.accounts[accountID]
	if !ok {
		return
	}
	book := make(map[string]float64, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			book[p.Symbol] = p.Quantity
		}
	}
	e.account.Positions = book
}

// ResetDaily rolls each account's daily P&L into its starting equity.
// Suspensions stay in place until an operator resolves them.
func (r *Registry) ResetDaily(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.accounts {
		e.account.Rules.ResetDaily()
		if err := r.saveAccount(e.account); err != nil {
			r.logger.Error().Err(err).Str("account_id", id).Msg("failed to persist daily reset")
		}
	}
	r.logger.Info().Int("accounts", len(r.accounts)).Msg("funded accounts reset for new trading day")
}

func (r *Registry) Violations(accountID string, includeResolved bool) ([]RuleViolation, error) {
	if r.db != nil {
		return r.db.ListViolations(accountID, !includeResolved)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	out := make([]RuleViolation, 0, len(e.unresolved))
	for _, v := range e.unresolved {
		out = append(out, *v)
	}
	return out, nil
}

func (r *Registry) saveAccount(account *FundedAccount) error {
	if r.db == nil {
		return nil
	}
	if err := r.db.SaveAccount(account); err != nil {
		return fmt.Errorf("failed to save account %s: %w", account.AccountID, err)
	}
	return nil
}

func copyAccount(a *FundedAccount) FundedAccount {
	cp := *a
	cp.Rules.RestrictedSymbols = append([]string(nil), a.Rules.RestrictedSymbols...)
	cp.Positions = make(map[string]float64, len(a.Positions))
	for k, v := range a.Positions {
		cp.Positions[k] = v
	}
	return cp
}

// GinHandlers exposes funded-account operations to operators.
type GinHandlers struct {
	registry *Registry
}

func NewGinHandlers(registry *Registry) *GinHandlers {
	return &GinHandlers{registry: registry}
}

func (h *GinHandlers) ListAccountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.registry.Accounts())
	}
}

func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := h.registry.Account(c.Param("account_id"))
		if err != nil {
			response.NotFound(c, err.Error())
			return
		}
		allowed, reason := h.registry.IsTradingAllowed(account.AccountID)
		response.Success(c, gin.H{
			"account":         account,
			"trading_allowed": allowed,
			"blocked_reason":  reason,
		})
	}
}

func (h *GinHandlers) ListViolationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		violations, err := h.registry.Violations(c.Param("account_id"), c.Query("all") == "true")
		response.Handle(c, violations, err)
	}
}

type resolveRequest struct {
	Action string `json:"action" binding:"required"`
}

// ResolveViolationHandler handles POST /violations/:violation_id/resolve.
func (h *GinHandlers) ResolveViolationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		v, err := h.registry.ResolveViolation(c.Request.Context(), c.Param("violation_id"), req.Action)
		if errors.Is(err, ErrViolationNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, v, err)
	}
}

func (h *GinHandlers) FlattenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.registry.EmergencyFlatten(c.Request.Context(), c.Param("account_id"), "operator")
		if errors.Is(err, ErrAccountNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) SyncViolationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		added, err := h.registry.SyncViolations(c.Request.Context(), c.Param("account_id"))
		if errors.Is(err, ErrAccountNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, gin.H{"added": added}, err)
	}
}
