package storage

import (
	"time"

	"gorm.io/gorm"
)

// ScheduleRecord is the SQL row of a vesting schedule. Amounts are stored as
// decimal strings because uint64 does not fit a signed BIGINT.
type ScheduleRecord struct {
	ScheduleKey     string `gorm:"primaryKey;size:66"`
	Creator         string `gorm:"size:42;index"`
	Beneficiary     string `gorm:"size:42;index"`
	Asset           string `gorm:"size:32"`
	StartTs         int64
	EndTs           int64
	InitialUnlock   string `gorm:"size:20;not null"`
	TotalAmount     string `gorm:"size:20;not null"`
	WithdrawnAmount string `gorm:"size:20;not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName pins the table name.
func (ScheduleRecord) TableName() string { return "vesting_schedules" }

// BalanceRecord is one account balance in the SQL custody ledger.
type BalanceRecord struct {
	Address   string `gorm:"primaryKey;size:42"`
	Asset     string `gorm:"primaryKey;size:32"`
	Amount    string `gorm:"size:20;not null"`
	UpdatedAt time.Time
}

// TableName pins the table name.
func (BalanceRecord) TableName() string { return "custody_balances" }

// IdempotencyKey stores the response of a mutating request so retries with the
// same key replay it.
type IdempotencyKey struct {
	IdempotencyKey string `gorm:"primaryKey;size:128"`
	RequestID      string `gorm:"size:64"`
	Method         string `gorm:"size:8"`
	Path           string `gorm:"size:255"`
	Status         int
	Response       string `gorm:"type:text"`
	CreatedAt      time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ScheduleRecord{},
		&BalanceRecord{},
		&IdempotencyKey{},
	)
}
