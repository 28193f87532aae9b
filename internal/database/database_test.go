package database

import (
	"testing"
)

func TestNewDatabase_MigratesSchema(t *testing.T) {
	db, err := NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for _, table := range []string{"orders", "executions", "idempotency_records", "funded_accounts", "rule_violations", "strategy_snapshots"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("table %s missing", table)
		}
	}

	// rerunning is harmless
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
