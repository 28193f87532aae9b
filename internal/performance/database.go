package performance

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveSnapshot upserts by strategy id.
func (d *Database) SaveSnapshot(s *StrategySnapshot) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "strategy_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "disabled_reason", "requires_review", "total_trades", "total_pnl", "win_rate", "trades", "taken_at", "updated_at"}),
	}).Create(s).Error
}

func (d *Database) ListSnapshots() ([]StrategySnapshot, error) {
	var out []StrategySnapshot
	if err := d.db.Order("strategy_id asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
