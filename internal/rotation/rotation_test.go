package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/events"
	"github.com/ksred/klear-exec/internal/performance"
	"github.com/ksred/klear-exec/internal/scheduler"
	"github.com/ksred/klear-exec/internal/types"
)

func record(l *performance.Ledger, strategyID string, pnls ...float64) {
	for _, pnl := range pnls {
		now := time.Now()
		l.RecordTrade(context.Background(), performance.TradeRecord{StrategyID: strategyID, PnL: pnl, ExitTime: &now})
	}
}

func TestEvaluate_GatesOnMinTrades(t *testing.T) {
	rule := Rule{Metric: "win_rate", Operator: "<", Threshold: 0.4, Action: ActionDisable, MinTradesRequired: 5}
	perf := performance.StrategyPerformance{TotalTrades: 4, WinRate: 0.1}

	if hit, _, err := Evaluate(rule, perf); err != nil || hit {
		t.Fatalf("hit=%v err=%v want no trigger under min trades", hit, err)
	}
	perf.TotalTrades = 5
	if hit, value, _ := Evaluate(rule, perf); !hit || value != 0.1 {
		t.Fatalf("hit=%v value=%v want trigger", hit, value)
	}

	rule.Metric = "sharpe_of_the_moon"
	if _, _, err := Evaluate(rule, perf); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("err=%v want unknown metric", err)
	}
}

func TestCompareOperators(t *testing.T) {
	cases := []struct {
		op   string
		v    float64
		want bool
	}{
		{">", 2, true}, {">", 1, false}, {">=", 1, true}, {"<", 0, true}, {"<=", 1, true}, {"==", 1, true}, {"==", 1.1, false},
	}
	for _, tc := range cases {
		got, err := compare(tc.op, tc.v, 1)
		if err != nil || got != tc.want {
			t.Fatalf("%v %s 1 = %v (%v) want %v", tc.v, tc.op, got, err, tc.want)
		}
	}
	if _, err := compare("~", 1, 1); !errors.Is(err, ErrUnknownOperator) {
		t.Fatalf("err=%v want unknown operator", err)
	}
}

func TestSupervisor_RunOnce(t *testing.T) {
	ledger := performance.NewLedger(nil, config.PerformanceConfig{}, nil)
	record(ledger, "A", 10, -5, -5, -5, -5)
	record(ledger, "B", 10, 10, 10, 10, 10)
	record(ledger, "C", -1, 0.5)
	record(ledger, "D", -1, -1)

	mem := &events.Memory{}
	cfg := config.RotationConfig{Schedule: "@every 5m", Rules: []config.RotationRuleConfig{
		{Name: "low-win-rate", Metric: "win_rate", Operator: "<", Threshold: 0.4, Action: "disable", MinTradesRequired: 5},
		{Name: "losing-streak", Metric: "consecutive_losses", Operator: ">=", Threshold: 2, Action: "pause"},
		{Name: "underwater", Metric: "total_pnl", Operator: "<", Threshold: 0, Action: "reduce_size"},
	}}
	portfolios := map[string][]string{"core": {"A", "B"}, "alt": {"B", "C", "D"}}

	sup, err := NewSupervisor(cfg, portfolios, ledger, ledger, mem)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	fired := sup.RunOnce(context.Background())
	if len(fired) != 3 {
		t.Fatalf("fired=%+v want 3 actions", fired)
	}

	if _, status := ledger.IsTradable("A"); status != performance.StatusAutoDisabled {
		t.Fatalf("A status=%s want auto_disabled", status)
	}
	if _, status := ledger.IsTradable("D"); status != performance.StatusPaused {
		t.Fatalf("D status=%s want paused", status)
	}
	if ok, _ := ledger.IsTradable("C"); !ok {
		t.Fatalf("reduce_size must stay advisory")
	}
	if m := sup.SizeMultiplier("C"); m != 0.5 {
		t.Fatalf("C multiplier=%v want 0.5", m)
	}
	if m := sup.SizeMultiplier("B"); m != 1 {
		t.Fatalf("B multiplier=%v want 1", m)
	}
	if got := len(mem.OfType(events.TypeRotationAction)); got != 3 {
		t.Fatalf("rotation events=%d want 3", got)
	}

	fired = sup.RunOnce(context.Background())
	if len(fired) != 1 || fired[0].StrategyID != "C" {
		t.Fatalf("second pass fired=%+v want only C advisory", fired)
	}
	if rules := sup.Rules(); rules[0].TriggerCount != 1 || rules[2].TriggerCount != 2 || rules[0].LastTriggered == nil {
		t.Fatalf("trigger counters %+v", rules)
	}
}

func TestTriggered_InfiniteValueMarshalsAsNull(t *testing.T) {
	ledger := performance.NewLedger(nil, config.PerformanceConfig{}, nil)
	record(ledger, "flawless", 10, 20, 30)
	cfg := config.RotationConfig{Rules: []config.RotationRuleConfig{
		{Name: "too-good", Metric: "profit_factor", Operator: ">", Threshold: 5, Action: "reduce_size"},
	}}
	mem := &events.Memory{}
	sup, err := NewSupervisor(cfg, nil, ledger, ledger, mem)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	fired := sup.RunOnce(context.Background())
	if len(fired) != 1 {
		t.Fatalf("fired=%+v want 1", fired)
	}

	raw, err := json.Marshal(fired[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"value":null`) || !strings.Contains(string(raw), `"threshold":5`) {
		t.Fatalf("json=%s", raw)
	}
	evts := mem.OfType(events.TypeRotationAction)
	if len(evts) != 1 {
		t.Fatalf("rotation events=%d want 1", len(evts))
	}
	for _, ev := range evts {
		if _, err := json.Marshal(ev); err != nil {
			t.Fatalf("marshal event: %v", err)
		}
	}
}

func TestSupervisor_DefaultPortfolioCoversAllStrategies(t *testing.T) {
	ledger := performance.NewLedger(nil, config.PerformanceConfig{}, nil)
	record(ledger, "solo", -3)
	cfg := config.RotationConfig{Rules: []config.RotationRuleConfig{
		{Name: "any-loss", Metric: "total_pnl", Operator: "<", Threshold: 0, Action: "pause"},
	}}
	sup, err := NewSupervisor(cfg, nil, ledger, ledger, nil)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	if fired := sup.RunOnce(context.Background()); len(fired) != 1 || fired[0].Portfolio != "default" {
		t.Fatalf("fired=%+v", fired)
	}
}

func TestNewSupervisor_RejectsInvalidRules(t *testing.T) {
	bad := []config.RotationRuleConfig{
		{Metric: "win_rate", Operator: "!=", Action: "disable"},
		{Metric: "vibes", Operator: "<", Action: "disable"},
		{Metric: "win_rate", Operator: "<", Action: "liquidate"},
	}
	for _, rc := range bad {
		if _, err := NewSupervisor(config.RotationConfig{Rules: []config.RotationRuleConfig{rc}}, nil, nil, nil, nil); err == nil {
			t.Fatalf("rule %+v accepted", rc)
		}
	}
}

func TestSupervisor_Schedule(t *testing.T) {
	sup, _ := NewSupervisor(config.RotationConfig{Schedule: "@every 1m"}, nil, performance.NewLedger(nil, config.PerformanceConfig{}, nil), nil, nil)
	runner := scheduler.New(context.Background())
	if err := sup.Schedule(runner); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	runner.Stop()
}

func TestSizeHook_ScalesAdvisedStrategies(t *testing.T) {
	ledger := performance.NewLedger(nil, config.PerformanceConfig{}, nil)
	record(ledger, "weak", -4)
	cfg := config.RotationConfig{Rules: []config.RotationRuleConfig{
		{Name: "underwater", Metric: "total_pnl", Operator: "<", Threshold: 0, Action: "reduce_size"},
	}}
	sup, err := NewSupervisor(cfg, nil, ledger, ledger, nil)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	sup.RunOnce(context.Background())

	hook := SizeHook{Supervisor: sup}
	order := &types.Order{StrategyID: "weak", Quantity: 9}
	if err := hook.BeforeExecution(context.Background(), order); err != nil || order.Quantity != 4 {
		t.Fatalf("quantity=%v err=%v want 4", order.Quantity, err)
	}

	single := &types.Order{StrategyID: "weak", Quantity: 1}
	hook.BeforeExecution(context.Background(), single)
	if single.Quantity != 1 {
		t.Fatalf("single unit scaled to %v", single.Quantity)
	}

	healthy := &types.Order{StrategyID: "other", Quantity: 9}
	hook.BeforeExecution(context.Background(), healthy)
	if healthy.Quantity != 9 {
		t.Fatalf("unadvised strategy scaled to %v", healthy.Quantity)
	}
}
