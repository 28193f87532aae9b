package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/events"
	"github.com/ksred/klear-exec/internal/performance"
	"github.com/ksred/klear-exec/internal/scheduler"
	"github.com/ksred/klear-exec/pkg/response"
)

// maxHistory bounds the in-memory action log.
const maxHistory = 500

// Source supplies strategy snapshots.
type Source interface {
	Snapshot(strategyID string) (performance.StrategyPerformance, error)
	All() []performance.StrategyPerformance
}

// Controller applies disable and pause actions.
type Controller interface {
	Disable(ctx context.Context, strategyID, reason string) error
	Pause(ctx context.Context, strategyID, reason string) error
}

// Triggered describes one fired rule.
type Triggered struct {
	StrategyID  string    `json:"strategy_id"`
	Portfolio   string    `json:"portfolio"`
	Action      Action    `json:"action"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// MarshalJSON renders non-finite metric values, such as a profit factor with
// no losses, as null.
func (t Triggered) MarshalJSON() ([]byte, error) {
	type alias Triggered
	return json.Marshal(struct {
		alias
		Value     *float64 `json:"value"`
		Threshold *float64 `json:"threshold"`
	}{alias: alias(t), Value: finite(t.Value), Threshold: finite(t.Threshold)})
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// Advisory is a reduce_size recommendation for external sizing logic.
type Advisory struct {
	StrategyID string    `json:"strategy_id"`
	Multiplier float64   `json:"multiplier"`
	RuleName   string    `json:"rule_name"`
	IssuedAt   time.Time `json:"issued_at"`
}

type Supervisor struct {
	mu         sync.Mutex
	rules      []*Rule
	portfolios map[string][]string
	source     Source
	controller Controller
	publisher  events.Publisher
	advisories map[string]Advisory
	history    []Triggered
	schedule   string
	logger     zerolog.Logger
}

func NewSupervisor(cfg config.RotationConfig, portfolios map[string][]string, source Source, controller Controller, publisher events.Publisher) (*Supervisor, error) {
	s := &Supervisor{
		portfolios: portfolios,
		source:     source,
		controller: controller,
		publisher:  publisher,
		advisories: make(map[string]Advisory),
		schedule:   cfg.Schedule,
		logger:     log.With().Str("component", "rotation_supervisor").Logger(),
	}
	for i, rc := range cfg.Rules {
		r, err := RuleFromConfig(i, rc)
		if err != nil {
			return nil, fmt.Errorf("rotation rule %d: %w", i+1, err)
		}
		s.rules = append(s.rules, &r)
	}
	return s, nil
}

// AddRule appends a rule after validating it.
func (s *Supervisor) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = fmt.Sprintf("rule-%d", len(s.rules)+1)
	}
	s.rules = append(s.rules, &r)
	return nil
}

// Schedule registers RunOnce with the cron runner.
func (s *Supervisor) Schedule(runner *scheduler.Runner) error {
	_, err := runner.Add("rotation", s.schedule, func(ctx context.Context) { s.RunOnce(ctx) })
	return err
}

// RunOnce evaluates every rule against every active strategy of every portfolio.
// Disable and pause go to the controller; reduce_size becomes an advisory.
// A strategy is handled once per pass even if it belongs to several portfolios,
// and stops being evaluated once a disable or pause fires.
func (s *Supervisor) RunOnce(ctx context.Context) []Triggered {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	advisories := make(map[string]Advisory)
	seen := make(map[string]bool)
	var fired []Triggered

	for _, group := range s.groups() {
		for _, id := range group.strategies {
			if seen[id] {
				continue
			}
			seen[id] = true

			perf, err := s.source.Snapshot(id)
			if err != nil {
				if !errors.Is(err, performance.ErrStrategyNotFound) {
					s.logger.Error().Err(err).Str("strategy_id", id).Msg("failed to read strategy performance")
				}
				continue
			}
			if perf.Status != performance.StatusActive {
				continue
			}

			for _, rule := range s.rules {
				hit, value, err := Evaluate(*rule, perf)
				if err != nil {
					s.logger.Error().Err(err).Str("rule", rule.Name).Msg("rotation rule evaluation failed")
					continue
				}
				if !hit {
					continue
				}

				rule.TriggerCount++
				triggeredAt := now
				rule.LastTriggered = &triggeredAt
				t := Triggered{
					StrategyID:  id,
					Portfolio:   group.name,
					Action:      rule.Action,
					RuleID:      rule.ID,
					RuleName:    rule.Name,
					Metric:      rule.Metric,
					Value:       value,
					Threshold:   rule.Threshold,
					TriggeredAt: now,
				}
				fired = append(fired, t)

				if rule.Action == ActionReduceSize {
					if _, exists := advisories[id]; !exists {
						advisories[id] = Advisory{StrategyID: id, Multiplier: defaultReduceMultiplier, RuleName: rule.Name, IssuedAt: now}
					}
					continue
				}
				s.execute(ctx, t)
				break
			}
		}
	}

	s.advisories = advisories
	s.history = append(s.history, fired...)
	if over := len(s.history) - maxHistory; over > 0 {
		s.history = append([]Triggered(nil), s.history[over:]...)
	}

	for _, t := range fired {
		events.Emit(ctx, s.publisher, events.New(events.TypeRotationAction, t.StrategyID, t))
	}
	s.logger.Info().Int("actions", len(fired)).Int("advisories", len(advisories)).Msg("rotation pass completed")
	return fired
}

func (s *Supervisor) execute(ctx context.Context, t Triggered) {
	reason := fmt.Sprintf("rotation rule %s: %s %.4f", t.RuleName, t.Metric, t.Value)
	var err error
	switch t.Action {
	case ActionDisable:
		err = s.controller.Disable(ctx, t.StrategyID, reason)
	case ActionPause:
		err = s.controller.Pause(ctx, t.StrategyID, reason)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("strategy_id", t.StrategyID).Str("action", string(t.Action)).Msg("rotation action failed")
		return
	}
	s.logger.Warn().
		Str("strategy_id", t.StrategyID).
		Str("portfolio", t.Portfolio).
		Str("action", string(t.Action)).
		Str("rule", t.RuleName).
		Float64("value", t.Value).
		Msg("rotation action applied")
}

type group struct {
	name       string
	strategies []string
}

// groups returns configured portfolios sorted by name, or one "default"
// portfolio holding every known strategy.
func (s *Supervisor) groups() []group {
	if len(s.portfolios) == 0 {
		all := s.source.All()
		ids := make([]string, 0, len(all))
		for _, p := range all {
			ids = append(ids, p.StrategyID)
		}
		return []group{{name: "default", strategies: ids}}
	}
	out := make([]group, 0, len(s.portfolios))
	for name, ids := range s.portfolios {
		out = append(out, group{name: name, strategies: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// SizeMultiplier is the advisory multiplier for a strategy, 1 when none applies.
func (s *Supervisor) SizeMultiplier(strategyID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.advisories[strategyID]; ok {
		return a.Multiplier
	}
	return 1
}

func (s *Supervisor) Advisories() []Advisory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Advisory, 0, len(s.advisories))
	for _, a := range s.advisories {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

func (s *Supervisor) Rules() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, *r)
	}
	return out
}

func (s *Supervisor) History() []Triggered {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Triggered(nil), s.history...)
}

type GinHandlers struct {
	supervisor *Supervisor
}

func NewGinHandlers(supervisor *Supervisor) *GinHandlers {
	return &GinHandlers{supervisor: supervisor}
}

func (h *GinHandlers) RulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.supervisor.Rules())
	}
}

func (h *GinHandlers) AdvisoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.supervisor.Advisories())
	}
}

func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.supervisor.History())
	}
}

// RunHandler triggers an immediate rotation pass.
func (h *GinHandlers) RunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.supervisor.RunOnce(c.Request.Context()))
	}
}
