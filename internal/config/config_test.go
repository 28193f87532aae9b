package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Engine.MonitorInterval != 2*time.Second {
		t.Fatalf("monitor interval=%v want 2s", cfg.Engine.MonitorInterval)
	}
	if cfg.Engine.ReconcileInterval != time.Minute {
		t.Fatalf("reconcile interval=%v want 60s", cfg.Engine.ReconcileInterval)
	}
	if cfg.Rotation.Schedule != "@every 5m" {
		t.Fatalf("rotation schedule=%q", cfg.Rotation.Schedule)
	}
	if cfg.Performance.ReenableMinWinRate != 0.40 {
		t.Fatalf("reenable win rate=%v", cfg.Performance.ReenableMinWinRate)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("KLEAR_RISK_MAX_DAILY_LOSS", "250")
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Risk.MaxDailyLoss != 250 {
		t.Fatalf("max daily loss=%v want 250", cfg.Risk.MaxDailyLoss)
	}
}

func TestLoad_ProductionRefusesDefaultSecrets(t *testing.T) {
	t.Setenv("KLEAR_APP_ENV", "production")
	if _, err := Load("", true); !errors.Is(err, ErrDefaultSecrets) {
		t.Fatalf("err=%v want ErrDefaultSecrets", err)
	}

	t.Setenv("KLEAR_AUTH_JWT_SECRET", "a-real-secret")
	t.Setenv("KLEAR_AUTH_API_KEY", "ops")
	if _, err := Load("", true); !errors.Is(err, ErrDefaultSecrets) {
		t.Fatalf("err=%v want ErrDefaultSecrets while api secret is default", err)
	}

	t.Setenv("KLEAR_AUTH_API_SECRET", "ops-secret")
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("env=%q", cfg.App.Env)
	}
}

func TestValidate_DevAllowsDefaults(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_YAMLFundedAccountsAndRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
funded_accounts:
  - account_id: TSX-50K
    provider: topstepx
    starting_equity: 50000
    max_daily_loss: 1000
    trailing_drawdown: 2000
    max_contracts: 5
    restricted_symbols: [CL]
rotation:
  schedule: "@every 1m"
  rules:
    - name: losing-streak
      metric: consecutive_losses
      operator: ">="
      threshold: 4
      action: pause
      min_trades_required: 4
portfolios:
  futures: [orb, vwap-revert]
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Funded) != 1 || cfg.Funded[0].MaxContracts != 5 || cfg.Funded[0].RestrictedSymbols[0] != "CL" {
		t.Fatalf("funded accounts=%+v", cfg.Funded)
	}
	if len(cfg.Rotation.Rules) != 1 || cfg.Rotation.Rules[0].Threshold != 4 {
		t.Fatalf("rotation rules=%+v", cfg.Rotation.Rules)
	}
	if cfg.Rotation.Schedule != "@every 1m" {
		t.Fatalf("schedule=%q", cfg.Rotation.Schedule)
	}
	if got := cfg.Portfolios["futures"]; len(got) != 2 {
		t.Fatalf("portfolios=%v", cfg.Portfolios)
	}
}
