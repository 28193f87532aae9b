package rotation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/performance"
)

var (
	ErrUnknownMetric   = errors.New("unknown rotation metric")
	ErrUnknownOperator = errors.New("unknown rotation operator")
	ErrUnknownAction   = errors.New("unknown rotation action")
)

type Action string

const (
	ActionDisable    Action = "disable"
	ActionPause      Action = "pause"
	ActionReduceSize Action = "reduce_size"
)

// defaultReduceMultiplier is the advisory size multiplier for reduce_size rules.
const defaultReduceMultiplier = 0.5

type Rule struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Metric            string     `json:"metric"`
	Operator          string     `json:"operator"`
	Threshold         float64    `json:"threshold"`
	Action            Action     `json:"action"`
	MinTradesRequired int        `json:"min_trades_required"`
	TriggerCount      int        `json:"trigger_count"`
	LastTriggered     *time.Time `json:"last_triggered,omitempty"`
}

func RuleFromConfig(i int, c config.RotationRuleConfig) (Rule, error) {
	r := Rule{
		ID:                fmt.Sprintf("rule-%d", i+1),
		Name:              c.Name,
		Metric:            strings.ToLower(c.Metric),
		Operator:          c.Operator,
		Threshold:         c.Threshold,
		Action:            Action(strings.ToLower(c.Action)),
		MinTradesRequired: c.MinTradesRequired,
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	return r, r.Validate()
}

func (r Rule) Validate() error {
	if _, ok := (performance.StrategyPerformance{}).Metric(r.Metric); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, r.Metric)
	}
	if _, err := compare(r.Operator, 0, 0); err != nil {
		return err
	}
	switch r.Action {
	case ActionDisable, ActionPause, ActionReduceSize:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)
}

// Evaluate reports whether rule fires for perf. Strategies with fewer than
// MinTradesRequired trades never trigger.
func Evaluate(rule Rule, perf performance.StrategyPerformance) (bool, float64, error) {
	value, ok := perf.Metric(rule.Metric)
	if !ok {
		return false, 0, fmt.Errorf("%w: %q", ErrUnknownMetric, rule.Metric)
	}
	if perf.TotalTrades < rule.MinTradesRequired {
		return false, value, nil
	}
	hit, err := compare(rule.Operator, value, rule.Threshold)
	return hit, value, err
}

func compare(op string, value, threshold float64) (bool, error) {
	switch op {
	case ">":
		return value > threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<":
		return value < threshold, nil
	case "<=":
		return value <= threshold, nil
	case "==":
		return math.Abs(value-threshold) < 1e-9, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}
