package trading

import (
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-exec/internal/types"
)

// idempotencyTTL is how long a repeated signal key returns the stored result.
const idempotencyTTL = 24 * time.Hour

// IdempotencyRecord remembers the result handed out for a signal key.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string             `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string             `json:"resource_id"`
	ResourceType   string             `json:"resource_type"`
	Result         types.SignalResult `gorm:"serializer:json" json:"result"`
	ExpiresAt      time.Time          `json:"expires_at"`
}

// OrderFilter narrows order listings; zero fields match everything.
type OrderFilter struct {
	AccountID  string
	StrategyID string
	Status     types.OrderStatus
	Limit      int
}
