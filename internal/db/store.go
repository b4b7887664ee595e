package db

import (
	"fmt"
	"math/big"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store persists cycles, steps, ledger entries, and the single-instance
// lock behind GORM+MySQL, the way the teacher's MySQLRecorder persists its
// asset snapshots. It deals only in plain record types and strings so the
// domain package (which defines the typed state machine) can depend on
// Store without Store depending back on it; see the Store wrapper in
// store.go at the module root for the typed facade the rest of the keeper
// actually calls.
type Store struct {
	db *gorm.DB
}

// NewStore opens dsn and brings the schema up to date.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL: %w", err)
	}
	return NewStoreWithDB(db)
}

// NewStoreWithDB wraps an already-open GORM connection, applying schema
// upgrades in place: AutoMigrate adds any missing columns, and the lock
// table is dropped and recreated if it predates the hostname column, since
// it holds no data worth preserving across that shape change.
func NewStoreWithDB(gdb *gorm.DB) (*Store, error) {
	if gdb.Migrator().HasTable(&LockRecord{}) && !gdb.Migrator().HasColumn(&LockRecord{}, "hostname") {
		if err := gdb.Migrator().DropTable(&LockRecord{}); err != nil {
			return nil, fmt.Errorf("drop stale lock table: %w", err)
		}
	}

	if err := gdb.AutoMigrate(&CycleRecord{}, &StepRecord{}, &LedgerEntryRecord{}, &LockRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: gdb}, nil
}

// GetDB exposes the underlying GORM handle for advanced queries.
func (s *Store) GetDB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying db: %w", err)
	}
	return sqlDB.Close()
}

// BigOrZero parses a decimal string into a *big.Int, returning 0 on empty or
// malformed input rather than panicking.
func BigOrZero(s string) *big.Int {
	if s == "" {
		return big.NewInt(0)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

// BigToString renders amount for storage, treating nil as zero.
func BigToString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// CreateCycle inserts a new cycle in the given initial state.
func (s *Store) CreateCycle(token, initialState string, inputAmount *big.Int) (CycleRecord, error) {
	record := CycleRecord{
		TargetToken: token,
		InputAmount: BigToString(inputAmount),
		AmountX:     "0",
		AmountUSDC:  "0",
		AmountOut:   "0",
		State:       initialState,
	}
	if err := s.db.Create(&record).Error; err != nil {
		return CycleRecord{}, fmt.Errorf("create cycle: %w", err)
	}
	return record, nil
}

// GetCycle fetches a single cycle by id.
func (s *Store) GetCycle(id int64) (CycleRecord, error) {
	var record CycleRecord
	if err := s.db.First(&record, id).Error; err != nil {
		return CycleRecord{}, fmt.Errorf("get cycle %d: %w", id, err)
	}
	return record, nil
}

// UpdateCycleState transitions a cycle's state, recording lastErr (which may
// be empty) alongside it.
func (s *Store) UpdateCycleState(id int64, state, lastErr string) error {
	result := s.db.Model(&CycleRecord{}).Where("id = ?", id).
		Updates(map[string]interface{}{"state": state, "last_error": lastErr})
	if result.Error != nil {
		return fmt.Errorf("update cycle %d state: %w", id, result.Error)
	}
	return nil
}

// UpdateCycleAmounts records the observed intermediate amounts for a cycle.
// Any of the three may be nil to leave that column untouched.
func (s *Store) UpdateCycleAmounts(id int64, amountX, amountUSDC, amountOut *big.Int) error {
	updates := map[string]interface{}{}
	if amountX != nil {
		updates["amount_x"] = BigToString(amountX)
	}
	if amountUSDC != nil {
		updates["amount_usdc"] = BigToString(amountUSDC)
	}
	if amountOut != nil {
		updates["amount_out"] = BigToString(amountOut)
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.db.Model(&CycleRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update cycle %d amounts: %w", id, err)
	}
	return nil
}

// GetActiveCycles returns every cycle not in any of the given terminal
// states, oldest first.
func (s *Store) GetActiveCycles(terminalStates []string) ([]CycleRecord, error) {
	var records []CycleRecord
	if err := s.db.Where("state NOT IN ?", terminalStates).Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("get active cycles: %w", err)
	}
	return records, nil
}

// GetCyclesByState returns every cycle currently in state, oldest first.
func (s *Store) GetCyclesByState(state string) ([]CycleRecord, error) {
	var records []CycleRecord
	if err := s.db.Where("state = ?", state).Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("get cycles by state %s: %w", state, err)
	}
	return records, nil
}

// GetRecentCycles returns the n most recently created cycles, newest first.
func (s *Store) GetRecentCycles(n int) ([]CycleRecord, error) {
	var records []CycleRecord
	if err := s.db.Order("id DESC").Limit(n).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("get recent cycles: %w", err)
	}
	return records, nil
}

// CreateStep inserts a new step for cycleID in pending status.
func (s *Store) CreateStep(cycleID int64, kind string, chainID uint64) (StepRecord, error) {
	record := StepRecord{
		CycleID: uint64(cycleID),
		Kind:    kind,
		ChainID: chainID,
		Status:  "pending",
	}
	if err := s.db.Create(&record).Error; err != nil {
		return StepRecord{}, fmt.Errorf("create step: %w", err)
	}
	return record, nil
}

// GetActiveStep returns the single non-failed step of kind for cycleID, if
// any — the idempotency rule's "does a confirmed/in-flight step already
// exist" lookup. ok is false when no such step exists.
func (s *Store) GetActiveStep(cycleID int64, kind string) (record StepRecord, ok bool, err error) {
	dbErr := s.db.Where("cycle_id = ? AND kind = ? AND status != ?", cycleID, kind, "failed").
		Order("id DESC").First(&record).Error
	if dbErr == gorm.ErrRecordNotFound {
		return StepRecord{}, false, nil
	}
	if dbErr != nil {
		return StepRecord{}, false, fmt.Errorf("get active step %s for cycle %d: %w", kind, cycleID, dbErr)
	}
	return record, true, nil
}

// GetStepsByCycle returns every step recorded for cycleID in creation order.
func (s *Store) GetStepsByCycle(cycleID int64) ([]StepRecord, error) {
	var records []StepRecord
	if err := s.db.Where("cycle_id = ?", cycleID).Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("get steps for cycle %d: %w", cycleID, err)
	}
	return records, nil
}

// StepUpdate applies a partial update identified by non-nil fields; used to
// move a step pending -> submitted -> confirmed/failed and attach its tx
// hash, gas usage, and tunnel/attested extras as they become known.
type StepUpdate struct {
	Status             *string
	TxHash             *string
	GasUsed            *uint64
	EffectiveGasPrice  *big.Int
	Error              *string
	WithdrawalHash     *string
	WithdrawalEnvelope *string
	MessageGUID        *string
}

func (s *Store) UpdateStep(id int64, u StepUpdate) error {
	updates := map[string]interface{}{}
	if u.Status != nil {
		updates["status"] = *u.Status
	}
	if u.TxHash != nil {
		updates["tx_hash"] = *u.TxHash
	}
	if u.GasUsed != nil {
		updates["gas_used"] = fmt.Sprintf("%d", *u.GasUsed)
	}
	if u.EffectiveGasPrice != nil {
		updates["gas_price"] = BigToString(u.EffectiveGasPrice)
	}
	if u.Error != nil {
		updates["error_msg"] = *u.Error
	}
	if u.WithdrawalHash != nil {
		updates["withdrawal_hash"] = *u.WithdrawalHash
	}
	if u.WithdrawalEnvelope != nil {
		updates["withdrawal_envelope"] = *u.WithdrawalEnvelope
	}
	if u.MessageGUID != nil {
		updates["message_guid"] = *u.MessageGUID
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.db.Model(&StepRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update step %d: %w", id, err)
	}
	return nil
}

// CreateLedgerEntry appends one financial record.
func (s *Store) CreateLedgerEntry(cycleID, stepID int64, kind string, chainID uint64, token string, amount *big.Int, txHash string) error {
	record := LedgerEntryRecord{
		CycleID:     uint64(cycleID),
		StepID:      uint64(stepID),
		Kind:        kind,
		ChainID:     chainID,
		TokenSymbol: token,
		Amount:      BigToString(amount),
		TxHash:      txHash,
	}
	if err := s.db.Create(&record).Error; err != nil {
		return fmt.Errorf("create ledger entry: %w", err)
	}
	return nil
}

// GetLedgerEntriesByCycle returns every ledger row for cycleID.
func (s *Store) GetLedgerEntriesByCycle(cycleID int64) ([]LedgerEntryRecord, error) {
	var records []LedgerEntryRecord
	if err := s.db.Where("cycle_id = ?", cycleID).Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("get ledger entries for cycle %d: %w", cycleID, err)
	}
	return records, nil
}

// GetAllLedgerEntries returns the whole ledger, for lifetime accounting
// aggregates.
func (s *Store) GetAllLedgerEntries() ([]LedgerEntryRecord, error) {
	var records []LedgerEntryRecord
	if err := s.db.Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("get all ledger entries: %w", err)
	}
	return records, nil
}
