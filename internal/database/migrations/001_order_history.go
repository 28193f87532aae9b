package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-exec/internal/trading"
	"github.com/ksred/klear-exec/internal/types"
)

// AddOrderHistory creates the order, execution and idempotency tables
func AddOrderHistory(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Order{}, &types.Execution{}, &trading.IdempotencyRecord{}); err != nil {
		return err
	}

	indexes := []string{
		// Monitor restarts and dashboards filter by account and status
		`CREATE INDEX IF NOT EXISTS idx_orders_account_status
		 ON orders(account_id, status)`,

		`CREATE INDEX IF NOT EXISTS idx_orders_created_at
		 ON orders(created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_executions_strategy_timestamp
		 ON executions(strategy_id, timestamp)`,

		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
		 ON idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
