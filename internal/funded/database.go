package funded

import (
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetAccount returns nil, nil when the account has never been persisted.
func (d *Database) GetAccount(accountID string) (*FundedAccount, error) {
	var account FundedAccount
	if err := d.db.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) SaveAccount(account *FundedAccount) error {
	return d.db.Save(account).Error
}

func (d *Database) CreateViolation(v *RuleViolation) error {
	return d.db.Create(v).Error
}

func (d *Database) UpdateViolation(v *RuleViolation) error {
	return d.db.Save(v).Error
}

func (d *Database) GetViolation(violationID string) (*RuleViolation, error) {
	var v RuleViolation
	if err := d.db.Where("violation_id = ?", violationID).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

func (d *Database) ListViolations(accountID string, unresolvedOnly bool) ([]RuleViolation, error) {
	var out []RuleViolation
	q := d.db.Where("account_id = ?", accountID)
	if unresolvedOnly {
		q = q.Where("resolved = ?", false)
	}
	if err := q.Order("triggered_at asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
