package keeperarb

import (
	"context"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/jgarzik/keeper-arb/internal/db"
	"github.com/jgarzik/keeper-arb/internal/logging"
)

func newMockKeeperStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
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

func testSinks(t *testing.T) *logging.Sinks {
	t.Helper()
	sinks, err := logging.NewSinks(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sinks.Close() })
	return sinks
}

func testGatewayNoNetwork(t *testing.T) *Gateway {
	t.Helper()
	// detectAndOpen never dials out; it only reads the owner address.
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	gw, err := NewGateway(key, nil, nil)
	require.NoError(t, err)
	return gw
}

func newTestKeeper(t *testing.T, providers []SwapProvider, registry *Registry, cfg KeeperConfig) (*Keeper, sqlmock.Sqlmock) {
	t.Helper()
	store, mock := newMockKeeperStore(t)
	gw := testGatewayNoNetwork(t)
	k := NewKeeper(cfg, gw, registry, store, providers, nil, nil, nil, testSinks(t))
	return k, mock
}

func keeperTestRegistry() *Registry {
	return NewRegistry([]TokenMeta{
		{Symbol: "VCRED", Decimals: 6, AddressL1: addr("0x1"), AddressL2: addr("0x2"), Stablecoin: true},
		{Symbol: "USDC", Decimals: 6, AddressL1: addr("0x3"), AddressL2: addr("0x4"), Stablecoin: true},
		{Symbol: "WETH", Decimals: 18, AddressL1: addr("0x5"), AddressL2: addr("0x6"), Route: RouteAttested},
	})
}

func profitableProviders() []SwapProvider {
	l2 := &scaledSwapProvider{chain: ChainL2, tokenOut: addr("0x6"), multiplier: big.NewInt(12), denom: big.NewInt(10)}
	l1 := &scaledSwapProvider{chain: ChainL1, tokenOut: addr("0x5"), multiplier: big.NewInt(1), denom: big.NewInt(1)}
	return []SwapProvider{l2, l1}
}

func TestDetectAndOpenCreatesCycleForBestOpportunity(t *testing.T) {
	cfg := KeeperConfig{
		SourceToken: "VCRED", USDCToken: "USDC", SlippageBps: 50, ActionBudget: 3,
		TestSize: big.NewInt(100), MinInput: big.NewInt(10), MaxInputCap: big.NewInt(500),
		MaxQuoteCalls: 10, Granularity: big.NewInt(1),
	}
	k, mock := newTestKeeper(t, profitableProviders(), keeperTestRegistry(), cfg)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `cycles`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "target_token", "state"}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `cycles`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := k.detectAndOpen(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectAndOpenSkipsTokenWithActiveCycle(t *testing.T) {
	cfg := KeeperConfig{
		SourceToken: "VCRED", USDCToken: "USDC", SlippageBps: 50, ActionBudget: 3,
		TestSize: big.NewInt(100), MinInput: big.NewInt(10), MaxInputCap: big.NewInt(500),
		MaxQuoteCalls: 10, Granularity: big.NewInt(1),
	}
	k, mock := newTestKeeper(t, profitableProviders(), keeperTestRegistry(), cfg)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `cycles`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "target_token", "state"}).
			AddRow(1, "WETH", "ON_L2"))

	// No INSERT expected: the only qualifying opportunity (WETH) already has
	// an active cycle.
	err := k.detectAndOpen(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectAndOpenSkipsPausedToken(t *testing.T) {
	cfg := KeeperConfig{
		SourceToken: "VCRED", USDCToken: "USDC", SlippageBps: 50, ActionBudget: 3,
		TestSize: big.NewInt(100), MinInput: big.NewInt(10), MaxInputCap: big.NewInt(500),
		MaxQuoteCalls: 10, Granularity: big.NewInt(1),
	}
	k, mock := newTestKeeper(t, profitableProviders(), keeperTestRegistry(), cfg)
	k.PauseToken("WETH")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `cycles`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "target_token", "state"}))

	err := k.detectAndOpen(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, k.PausedTokens(), "WETH")
}

func TestPauseAndResumeToggleIsPaused(t *testing.T) {
	k, _ := newTestKeeper(t, nil, keeperTestRegistry(), KeeperConfig{ActionBudget: 1})
	assert.False(t, k.IsPaused())
	k.Pause()
	assert.True(t, k.IsPaused())
	k.Resume()
	assert.False(t, k.IsPaused())
}

func TestResumeTokenClearsPause(t *testing.T) {
	k, _ := newTestKeeper(t, nil, keeperTestRegistry(), KeeperConfig{ActionBudget: 1})
	k.PauseToken("WETH")
	assert.Contains(t, k.PausedTokens(), "WETH")
	k.ResumeToken("WETH")
	assert.NotContains(t, k.PausedTokens(), "WETH")
}

func TestTickNoopsWhenGloballyPaused(t *testing.T) {
	k, mock := newTestKeeper(t, nil, keeperTestRegistry(), KeeperConfig{ActionBudget: 1})
	k.Pause()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k.tick(context.Background(), now)

	assert.Equal(t, now, k.LastRun())
	assert.NoError(t, mock.ExpectationsWereMet()) // no store calls were queued or made
}

func TestTickOverlapGuardPreventsConcurrentRun(t *testing.T) {
	k, _ := newTestKeeper(t, nil, keeperTestRegistry(), KeeperConfig{ActionBudget: 1})
	k.running = 1 // simulate a tick already in flight
	k.tick(context.Background(), time.Now())
	assert.Equal(t, time.Time{}, k.LastRun()) // returned before recording lastRun
}
