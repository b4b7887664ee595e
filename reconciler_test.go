package keeperarb

import (
	"context"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/jgarzik/keeper-arb/internal/db"
)

func newMockReconcilerStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	raw, err := db.NewStoreWithDB(gdb)
	require.NoError(t, err)
	return &Store{raw: raw}, mock
}

func reconcilerTestRegistry() *Registry {
	return NewRegistry([]TokenMeta{
		{Symbol: "VCRED", Decimals: 18, AddressL1: addr("0x1"), AddressL2: addr("0x2"), Stablecoin: true},
		{Symbol: "USDC", Decimals: 6, AddressL1: addr("0x3"), AddressL2: addr("0x4"), Stablecoin: true},
		{Symbol: "WETH", Decimals: 18, AddressL1: addr("0x5"), AddressL2: addr("0x6"), Route: RouteAttested},
	})
}

// fakeBridge implements BridgeProvider with scripted DetectArrival
// results; the remaining methods are never reached by the handlers under
// test here.
type fakeBridge struct {
	arrived    bool
	arriveErr  error
	challenge  int64
	proveErr   error
	finalizeOK bool
}

func (b *fakeBridge) Name() string                     { return "fake" }
func (b *fakeBridge) SupportsChain(chain ChainID) bool { return true }
func (b *fakeBridge) CheckHealth(ctx context.Context) ProviderHealth {
	return ProviderHealth{Status: HealthOK}
}
func (b *fakeBridge) EstimateFee(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (b *fakeBridge) Send(ctx context.Context, token common.Address, amount *big.Int, recipient common.Address) (*BridgeSendResult, error) {
	return nil, nil
}
func (b *fakeBridge) Status(ctx context.Context, result BridgeSendResult) (BridgeStatusKind, error) {
	return "", nil
}
func (b *fakeBridge) DetectArrival(ctx context.Context, token, recipient common.Address, expectedAmount *big.Int, toleranceBps int64) (bool, error) {
	return b.arrived, b.arriveErr
}

func newReconcilerKeeper(t *testing.T, bridgeOut map[string]BridgeProvider, bridgeBack BridgeProvider) (*Keeper, sqlmock.Sqlmock) {
	t.Helper()
	store, mock := newMockReconcilerStore(t)
	gw := testGatewayNoNetwork(t)
	cfg := KeeperConfig{SourceToken: "VCRED", USDCToken: "USDC", SlippageBps: 50, ActionBudget: 3, BridgeToleranceBps: 200}
	k := NewKeeper(cfg, gw, reconcilerTestRegistry(), store, nil, bridgeOut, bridgeBack, nil, testSinks(t))
	return k, mock
}

func TestExtractTransferAmountFindsMatchingLog(t *testing.T) {
	token := addr("0x6")
	recipient := addr("0xaa")
	value := big.NewInt(12345)
	word := make([]byte, 32)
	value.FillBytes(word)

	receipt := &types.Receipt{Logs: []*types.Log{
		{
			Address: token,
			Topics:  []common.Hash{transferEventTopic, common.Hash{}, common.BytesToHash(recipient.Bytes())},
			Data:    word,
		},
	}}

	got, err := extractTransferAmount(receipt, token, recipient)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(value))
}

func TestExtractTransferAmountErrorsWhenNoMatchingLog(t *testing.T) {
	token := addr("0x6")
	recipient := addr("0xaa")
	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: addr("0x99"), Topics: []common.Hash{transferEventTopic, {}, common.BytesToHash(recipient.Bytes())}, Data: []byte{}},
	}}
	_, err := extractTransferAmount(receipt, token, recipient)
	assert.Error(t, err)
}

func TestEnsureSwapStepReturnsCachedOutputForConfirmedStep(t *testing.T) {
	k, mock := newReconcilerKeeper(t, nil, nil)

	stepRows := sqlmock.NewRows([]string{"id", "cycle_id", "kind", "chain_id", "status", "tx_hash"}).
		AddRow(7, 1, "L2_SWAP", uint64(ChainL2), "confirmed", "0xabc")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `steps`")).WillReturnRows(stepRows)

	ledgerRows := sqlmock.NewRows([]string{"id", "cycle_id", "step_id", "kind", "amount"}).
		AddRow(1, 1, 7, "SWAP_OUTPUT", "999")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `ledger_entries`")).WillReturnRows(ledgerRows)

	cycle := &Cycle{ID: 1, Token: "WETH", InputAmount: big.NewInt(1000)}
	step, amountOut, used, err := k.ensureSwapStep(context.Background(), cycle, StepL2Swap, ChainL2, addr("0x2"), addr("0x6"), "WETH", big.NewInt(1000))
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, 0, used) // already confirmed: no new action taken this tick
	assert.Equal(t, 0, amountOut.Cmp(big.NewInt(999)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureBridgeSendStepNoopsWhenAlreadyConfirmed(t *testing.T) {
	k, mock := newReconcilerKeeper(t, nil, nil)

	stepRows := sqlmock.NewRows([]string{"id", "cycle_id", "kind", "chain_id", "status", "tx_hash"}).
		AddRow(9, 1, "BRIDGE_OUT", uint64(ChainL2), "confirmed", "0xdef")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `steps`")).WillReturnRows(stepRows)

	cycle := &Cycle{ID: 1, Token: "WETH"}
	step, used, err := k.ensureBridgeSendStep(context.Background(), cycle, StepBridgeOut, ChainL2, &fakeBridge{}, addr("0x6"), big.NewInt(1000), addr("0xaa"), "WETH")
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, 0, used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleBridgeOutSentTransitionsToOnL1WhenArrived(t *testing.T) {
	bridge := &fakeBridge{arrived: true}
	k, mock := newReconcilerKeeper(t, map[string]BridgeProvider{"WETH": bridge}, nil)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `cycles` SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cycle := &Cycle{ID: 1, Token: "WETH", State: StateBridgeOutSent, XAmountL2: big.NewInt(1000)}
	used, err := k.handleBridgeOutSent(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, 0, used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleBridgeOutSentStaysPutWhenNotYetArrived(t *testing.T) {
	bridge := &fakeBridge{arrived: false}
	k, mock := newReconcilerKeeper(t, map[string]BridgeProvider{"WETH": bridge}, nil)

	// No UPDATE expected: arrival hasn't been detected yet.
	cycle := &Cycle{ID: 1, Token: "WETH", State: StateBridgeOutSent, XAmountL2: big.NewInt(1000)}
	used, err := k.handleBridgeOutSent(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, 0, used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleL2CloseSwapDoneCompletesCycle(t *testing.T) {
	k, mock := newReconcilerKeeper(t, nil, nil)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `cycles` SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cycle := &Cycle{ID: 1, Token: "WETH", InputAmount: big.NewInt(1000), OutAmount: big.NewInt(1050)}
	used, err := k.handleL2CloseSwapDone(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, 0, used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceMarksCycleFailedOnPermanentError(t *testing.T) {
	k, mock := newReconcilerKeeper(t, nil, nil)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `cycles` SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// An unregistered target token makes registry.Lookup fail with a plain
	// "unknown token" error, which IsTransient classifies as permanent.
	cycle := &Cycle{ID: 1, Token: "GHOST", State: StateDetected}
	_, err := k.advance(context.Background(), cycle)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceLeavesCycleUntouchedOnTransientError(t *testing.T) {
	bridge := &fakeBridge{arrived: false, arriveErr: errTimeout{}}
	k, mock := newReconcilerKeeper(t, map[string]BridgeProvider{"WETH": bridge}, nil)

	// No UPDATE expected: a transient error leaves the cycle's state alone
	// for a later retry.
	cycle := &Cycle{ID: 1, Token: "WETH", State: StateBridgeOutSent, XAmountL2: big.NewInt(1000)}
	_, err := k.advance(context.Background(), cycle)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type errTimeout struct{}

func (errTimeout) Error() string { return "request timeout talking to bridge indexer" }

type fakeProver struct {
	fakeBridge
	challengePeriod int64
}

func (p *fakeProver) Prove(ctx context.Context, withdrawalHash common.Hash, envelope WithdrawalEnvelope) (common.Hash, error) {
	return common.Hash{}, nil
}
func (p *fakeProver) Finalize(ctx context.Context, withdrawalHash common.Hash, envelope WithdrawalEnvelope) (common.Hash, error) {
	return common.Hash{}, nil
}
func (p *fakeProver) ChallengePeriod() int64 { return p.challengePeriod }

// ProvenAt reports "not yet indexed", so the handler falls back to the
// prove step's own UpdatedAt.
func (p *fakeProver) ProvenAt(ctx context.Context, withdrawalHash common.Hash) (time.Time, error) {
	return time.Time{}, nil
}

func TestHandleBridgeOutProvedWaitsOutChallengePeriod(t *testing.T) {
	prover := &fakeProver{challengePeriod: 3600}
	k, mock := newReconcilerKeeper(t, map[string]BridgeProvider{"WETH": prover}, nil)

	stepRows := sqlmock.NewRows([]string{"id", "cycle_id", "kind", "chain_id", "status", "updated_at"}).
		AddRow(5, 1, "BRIDGE_PROVE", uint64(ChainL1), "confirmed", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `steps`")).WillReturnRows(stepRows)
	outRows := sqlmock.NewRows([]string{"id", "cycle_id", "kind", "chain_id", "status", "withdrawal_hash"}).
		AddRow(4, 1, "BRIDGE_OUT", uint64(ChainL2), "confirmed", "0xdead")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `steps`")).WillReturnRows(outRows)

	cycle := &Cycle{ID: 1, Token: "WETH", State: StateBridgeOutProved}
	used, err := k.handleBridgeOutProved(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, 0, used)
	assert.NoError(t, mock.ExpectationsWereMet()) // no UPDATE: still inside the challenge period
}

func TestHandleBridgeOutProvedAdvancesAfterChallengePeriodElapses(t *testing.T) {
	prover := &fakeProver{challengePeriod: 1}
	k, mock := newReconcilerKeeper(t, map[string]BridgeProvider{"WETH": prover}, nil)

	stepRows := sqlmock.NewRows([]string{"id", "cycle_id", "kind", "chain_id", "status", "updated_at"}).
		AddRow(5, 1, "BRIDGE_PROVE", uint64(ChainL1), "confirmed", time.Now().Add(-time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `steps`")).WillReturnRows(stepRows)
	outRows := sqlmock.NewRows([]string{"id", "cycle_id", "kind", "chain_id", "status", "withdrawal_hash"}).
		AddRow(4, 1, "BRIDGE_OUT", uint64(ChainL2), "confirmed", "0xdead")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `steps`")).WillReturnRows(outRows)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `cycles` SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cycle := &Cycle{ID: 1, Token: "WETH", State: StateBridgeOutProved}
	used, err := k.handleBridgeOutProved(context.Background(), cycle)
	require.NoError(t, err)
	assert.Equal(t, 0, used)
	assert.NoError(t, mock.ExpectationsWereMet())
}
