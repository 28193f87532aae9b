package funded

import (
	"time"

	"gorm.io/gorm"
)

type AccountStatus string

const (
	StatusActive    AccountStatus = "ACTIVE"
	StatusSuspended AccountStatus = "SUSPENDED"
	StatusPassed    AccountStatus = "PASSED"
	StatusClosed    AccountStatus = "CLOSED"
)

type ViolationType string

const (
	ViolationDailyLoss        ViolationType = "DAILY_LOSS"
	ViolationTrailingDrawdown ViolationType = "TRAILING_DRAWDOWN"
	ViolationContractLimit    ViolationType = "CONTRACT_LIMIT"
)

// IsSevere reports whether the violation suspends the account and forces a flatten.
func (v ViolationType) IsSevere() bool {
	return v == ViolationDailyLoss || v == ViolationTrailingDrawdown
}

type FundedAccount struct {
	gorm.Model   `json:"-"`
	AccountID    string        `gorm:"uniqueIndex" json:"account_id"`
	Provider     string        `json:"provider"`
	Status       AccountStatus `gorm:"index" json:"status"`
	Rules        Rules         `gorm:"embedded" json:"rules"`
	TradingStart string        `json:"trading_start,omitempty"`
	TradingEnd   string        `json:"trading_end,omitempty"`
	Timezone     string        `json:"timezone,omitempty"`

	Positions map[string]float64 `gorm:"-" json:"positions"`
}

type RuleViolation struct {
	gorm.Model    `json:"-"`
	ViolationID   string        `gorm:"uniqueIndex" json:"violation_id"`
	AccountID     string        `gorm:"index" json:"account_id"`
	ViolationType ViolationType `json:"violation_type"`
	RuleLimit     float64       `json:"rule_limit"`
	ActualValue   float64       `json:"actual_value"`
	TriggeredAt   time.Time     `json:"triggered_at"`
	Resolved      bool          `gorm:"index" json:"resolved"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
	ActionTaken   string        `json:"action_taken,omitempty"`
	Source        string        `json:"source"`
}
