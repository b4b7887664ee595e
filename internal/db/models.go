// Package db persists cycles, steps, ledger entries, and the
// single-instance lock behind GORM, the way the teacher repo persists its
// asset snapshots.
package db

import "time"

// CycleRecord is the GORM row for one arbitrage cycle.
type CycleRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	TargetToken string    `gorm:"type:varchar(32);not null;index"`
	InputAmount string    `gorm:"type:varchar(78);not null"`
	AmountX     string    `gorm:"type:varchar(78);not null;default:'0'"`
	AmountUSDC  string    `gorm:"type:varchar(78);not null;default:'0'"`
	AmountOut   string    `gorm:"type:varchar(78);not null;default:'0'"`
	State       string    `gorm:"type:varchar(32);not null;index"`
	LastError   string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (CycleRecord) TableName() string { return "cycles" }

// StepRecord is the GORM row for one externally observable action.
type StepRecord struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement"`
	CycleID            uint64    `gorm:"not null;index:idx_step_cycle_kind"`
	Kind               string    `gorm:"type:varchar(32);not null;index:idx_step_cycle_kind"`
	ChainID            uint64    `gorm:"not null"`
	TxHash             string    `gorm:"type:varchar(80)"`
	Status             string    `gorm:"type:varchar(16);not null;index"`
	GasUsed            string    `gorm:"type:varchar(78)"`
	GasPrice           string    `gorm:"type:varchar(78)"`
	ErrorMsg           string    `gorm:"type:text"`
	WithdrawalHash     string    `gorm:"type:varchar(80)"`
	WithdrawalEnvelope string    `gorm:"type:text"` // JSON-encoded WithdrawalEnvelope
	MessageGUID        string    `gorm:"type:varchar(80)"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

func (StepRecord) TableName() string { return "steps" }

// LedgerEntryRecord is the GORM row for one append-only financial record.
type LedgerEntryRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	CycleID     uint64    `gorm:"not null;index"`
	StepID      uint64    `gorm:"not null"`
	Kind        string    `gorm:"type:varchar(16);not null"`
	ChainID     uint64    `gorm:"not null"`
	TokenSymbol string    `gorm:"type:varchar(32);not null"`
	Amount      string    `gorm:"type:varchar(78);not null"`
	TxHash      string    `gorm:"type:varchar(80)"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
}

func (LedgerEntryRecord) TableName() string { return "ledger_entries" }

// LockRecord is the single-instance lock's singleton row.
type LockRecord struct {
	ID         uint      `gorm:"primaryKey"`
	Hostname   string    `gorm:"type:varchar(255);not null"`
	PID        int       `gorm:"not null"`
	AcquiredAt time.Time `gorm:"not null"`
}

func (LockRecord) TableName() string { return "keeper_locks" }
