package keeperarb

import (
	"fmt"
	"math/big"

	"github.com/jgarzik/keeper-arb/internal/db"
)

// terminalStates lists the CycleState values GetActiveCycles excludes.
var terminalStates = []string{string(StateCompleted), string(StateFailed)}

// Store is the typed facade the reconciler, accounting, and recovery code
// call; it converts to and from the untyped records internal/db persists,
// keeping the dependency direction one-way (this package depends on
// internal/db, not the reverse).
type Store struct {
	raw *db.Store
}

// NewStore opens dsn and wraps it in the typed facade.
func NewStore(dsn string) (*Store, error) {
	raw, err := db.NewStore(dsn)
	if err != nil {
		return nil, err
	}
	return &Store{raw: raw}, nil
}

// NewStoreWithRaw wraps an already-open internal/db.Store, the way
// internal/db's own tests open a sqlmock-backed gorm.DB via
// db.NewStoreWithDB; it lets packages outside keeperarb (e.g.
// internal/dashboard's tests) drive a Store against a mocked database
// without dialing a real one.
func NewStoreWithRaw(raw *db.Store) *Store {
	return &Store{raw: raw}
}

// AcquireLock and ReleaseLock delegate directly; the lock row has no
// domain-typed fields worth wrapping.
func (s *Store) AcquireLock() error { return s.raw.AcquireLock() }
func (s *Store) ReleaseLock() error { return s.raw.ReleaseLock() }
func (s *Store) Close() error       { return s.raw.Close() }

func cycleFromRecord(r db.CycleRecord) *Cycle {
	return &Cycle{
		ID:           int64(r.ID),
		Token:        r.TargetToken,
		InputAmount:  db.BigOrZero(r.InputAmount),
		XAmountL2:    db.BigOrZero(r.AmountX),
		USDCAmountL1: db.BigOrZero(r.AmountUSDC),
		OutAmount:    db.BigOrZero(r.AmountOut),
		State:        CycleState(r.State),
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func stepFromRecord(r db.StepRecord) *Step {
	gasUsed := uint64(0)
	if r.GasUsed != "" {
		gasUsed = db.BigOrZero(r.GasUsed).Uint64()
	}
	return &Step{
		ID:                 int64(r.ID),
		CycleID:            int64(r.CycleID),
		Kind:               StepKind(r.Kind),
		Chain:              ChainID(r.ChainID),
		TxHash:             r.TxHash,
		Status:             StepStatus(r.Status),
		GasUsed:            gasUsed,
		EffectiveGasPrice:  db.BigOrZero(r.GasPrice),
		Error:              r.ErrorMsg,
		WithdrawalHash:     r.WithdrawalHash,
		WithdrawalEnvelope: r.WithdrawalEnvelope,
		MessageGUID:        r.MessageGUID,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func ledgerFromRecord(r db.LedgerEntryRecord) *LedgerEntry {
	return &LedgerEntry{
		ID:        int64(r.ID),
		CycleID:   int64(r.CycleID),
		StepID:    int64(r.StepID),
		Kind:      LedgerEntryKind(r.Kind),
		Chain:     ChainID(r.ChainID),
		Token:     r.TokenSymbol,
		Amount:    db.BigOrZero(r.Amount),
		TxHash:    r.TxHash,
		CreatedAt: r.CreatedAt,
	}
}

// CreateCycle inserts a new cycle in DETECTED state.
func (s *Store) CreateCycle(token string, inputAmount *big.Int) (*Cycle, error) {
	record, err := s.raw.CreateCycle(token, string(StateDetected), inputAmount)
	if err != nil {
		return nil, err
	}
	return cycleFromRecord(record), nil
}

func (s *Store) GetCycle(id int64) (*Cycle, error) {
	record, err := s.raw.GetCycle(id)
	if err != nil {
		return nil, err
	}
	return cycleFromRecord(record), nil
}

func (s *Store) UpdateCycleState(id int64, state CycleState, lastErr string) error {
	return s.raw.UpdateCycleState(id, string(state), lastErr)
}

func (s *Store) UpdateCycleAmounts(id int64, amountX, amountUSDC, amountOut *big.Int) error {
	return s.raw.UpdateCycleAmounts(id, amountX, amountUSDC, amountOut)
}

func (s *Store) GetActiveCycles() ([]*Cycle, error) {
	records, err := s.raw.GetActiveCycles(terminalStates)
	if err != nil {
		return nil, err
	}
	out := make([]*Cycle, len(records))
	for i, r := range records {
		out[i] = cycleFromRecord(r)
	}
	return out, nil
}

func (s *Store) GetCyclesByState(state CycleState) ([]*Cycle, error) {
	records, err := s.raw.GetCyclesByState(string(state))
	if err != nil {
		return nil, err
	}
	out := make([]*Cycle, len(records))
	for i, r := range records {
		out[i] = cycleFromRecord(r)
	}
	return out, nil
}

func (s *Store) GetRecentCycles(n int) ([]*Cycle, error) {
	records, err := s.raw.GetRecentCycles(n)
	if err != nil {
		return nil, err
	}
	out := make([]*Cycle, len(records))
	for i, r := range records {
		out[i] = cycleFromRecord(r)
	}
	return out, nil
}

// CreateStep inserts a new step for cycleID in pending status.
func (s *Store) CreateStep(cycleID int64, kind StepKind, chain ChainID) (*Step, error) {
	record, err := s.raw.CreateStep(cycleID, string(kind), uint64(chain))
	if err != nil {
		return nil, err
	}
	return stepFromRecord(record), nil
}

// GetActiveStep returns the non-failed step of kind for cycleID, or nil if
// none exists — used by every reconciler handler's idempotency check.
func (s *Store) GetActiveStep(cycleID int64, kind StepKind) (*Step, error) {
	record, ok, err := s.raw.GetActiveStep(cycleID, string(kind))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return stepFromRecord(record), nil
}

func (s *Store) GetStepsByCycle(cycleID int64) ([]*Step, error) {
	records, err := s.raw.GetStepsByCycle(cycleID)
	if err != nil {
		return nil, err
	}
	out := make([]*Step, len(records))
	for i, r := range records {
		out[i] = stepFromRecord(r)
	}
	return out, nil
}

// MarkStepSubmitted records a dispatched tx hash against a step.
func (s *Store) MarkStepSubmitted(stepID int64, txHash string) error {
	status := string(StepSubmitted)
	return s.raw.UpdateStep(stepID, db.StepUpdate{Status: &status, TxHash: &txHash})
}

// MarkStepConfirmed records gas usage and flips a step to confirmed.
func (s *Store) MarkStepConfirmed(stepID int64, gasUsed uint64, effectiveGasPrice *big.Int) error {
	status := string(StepConfirmed)
	return s.raw.UpdateStep(stepID, db.StepUpdate{Status: &status, GasUsed: &gasUsed, EffectiveGasPrice: effectiveGasPrice})
}

// MarkStepFailed records a terminal step error.
func (s *Store) MarkStepFailed(stepID int64, errMsg string) error {
	status := string(StepFailed)
	return s.raw.UpdateStep(stepID, db.StepUpdate{Status: &status, Error: &errMsg})
}

// SetStepWithdrawal records the tunnel withdrawal hash + JSON-encoded
// envelope extracted from a MessagePassed event.
func (s *Store) SetStepWithdrawal(stepID int64, hash, envelopeJSON string) error {
	return s.raw.UpdateStep(stepID, db.StepUpdate{WithdrawalHash: &hash, WithdrawalEnvelope: &envelopeJSON})
}

// SetStepMessageGUID records the attested-bridge cross-chain message GUID.
func (s *Store) SetStepMessageGUID(stepID int64, guid string) error {
	return s.raw.UpdateStep(stepID, db.StepUpdate{MessageGUID: &guid})
}

// CreateLedgerEntry appends one financial record.
func (s *Store) CreateLedgerEntry(cycleID, stepID int64, kind LedgerEntryKind, chain ChainID, token string, amount *big.Int, txHash string) error {
	return s.raw.CreateLedgerEntry(cycleID, stepID, string(kind), uint64(chain), token, amount, txHash)
}

func (s *Store) GetLedgerEntriesByCycle(cycleID int64) ([]*LedgerEntry, error) {
	records, err := s.raw.GetLedgerEntriesByCycle(cycleID)
	if err != nil {
		return nil, err
	}
	out := make([]*LedgerEntry, len(records))
	for i, r := range records {
		out[i] = ledgerFromRecord(r)
	}
	return out, nil
}

func (s *Store) GetAllLedgerEntries() ([]*LedgerEntry, error) {
	records, err := s.raw.GetAllLedgerEntries()
	if err != nil {
		return nil, err
	}
	out := make([]*LedgerEntry, len(records))
	for i, r := range records {
		out[i] = ledgerFromRecord(r)
	}
	return out, nil
}

// RecordGas is a convenience wrapper combining MarkStepConfirmed with the
// gas ledger entry every confirmed step must leave behind.
func (s *Store) RecordGas(cycleID, stepID int64, chain ChainID, gasToken string, gasUsed uint64, effectiveGasPrice *big.Int) error {
	if err := s.MarkStepConfirmed(stepID, gasUsed, effectiveGasPrice); err != nil {
		return fmt.Errorf("mark step %d confirmed: %w", stepID, err)
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), effectiveGasPrice)
	if err := s.CreateLedgerEntry(cycleID, stepID, LedgerGas, chain, gasToken, cost, ""); err != nil {
		return fmt.Errorf("record gas ledger entry for step %d: %w", stepID, err)
	}
	return nil
}
