package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-exec/internal/funded"
	"github.com/ksred/klear-exec/internal/performance"
)

// AddFundedAccounts creates the account, violation and strategy snapshot tables
func AddFundedAccounts(db *gorm.DB) error {
	if err := db.AutoMigrate(&funded.FundedAccount{}, &funded.RuleViolation{}, &performance.StrategySnapshot{}); err != nil {
		return err
	}

	indexes := []string{
		// Unresolved violations are read on every restart
		`CREATE INDEX IF NOT EXISTS idx_rule_violations_account_resolved
		 ON rule_violations(account_id, resolved)`,

		`CREATE INDEX IF NOT EXISTS idx_rule_violations_triggered_at
		 ON rule_violations(triggered_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
