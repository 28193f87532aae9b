package trading

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-exec/internal/types"
)

// Database persists orders, executions and idempotency records.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database { return &Database{db: db} }

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

// GetOrder returns nil, nil when the order does not exist.
func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

func (d *Database) ListOrders(f OrderFilter) ([]types.Order, error) {
	q := d.db.Model(&types.Order{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.StrategyID != "" {
		q = q.Where("strategy_id = ?", f.StrategyID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var orders []types.Order
	if err := q.Order("created_at desc").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) CreateExecution(execution *types.Execution) error {
	return d.db.Create(execution).Error
}

func (d *Database) ListExecutions(orderID string) ([]types.Execution, error) {
	var out []types.Execution
	err := d.db.Where("order_id = ?", orderID).Order("timestamp asc").Find(&out).Error
	return out, err
}

func newIdempotencyRecord(key, resourceType string, result types.SignalResult) *IdempotencyRecord {
	return &IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     result.OrderID,
		ResourceType:   resourceType,
		Result:         result,
		ExpiresAt:      time.Now().Add(idempotencyTTL),
	}
}

// CreateOrderWithIdempotency stores an acknowledged order together with the
// result handed out for its signal key.
func (d *Database) CreateOrderWithIdempotency(order *types.Order, idempotencyKey string, result types.SignalResult) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		return tx.Create(newIdempotencyRecord(idempotencyKey, "order", result)).Error
	})
}

// SaveIdempotencyResult records the result for a key, replacing any earlier
// one. Rejections and orders cancelled right after placement land here.
func (d *Database) SaveIdempotencyResult(idempotencyKey string, result types.SignalResult) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"resource_id", "resource_type", "result", "expires_at", "updated_at"}),
	}).Create(newIdempotencyRecord(idempotencyKey, "rejection", result)).Error
}

// GetIdempotencyRecord returns nil, nil when the key is unknown or expired.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if record.ExpiresAt.Before(time.Now()) {
		if err := d.db.Unscoped().Delete(&record).Error; err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &record, nil
}
