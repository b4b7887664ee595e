package keeperarb

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/jgarzik/keeper-arb/internal/db"
)

// rpcRequest is the subset of a JSON-RPC 2.0 call this fake node cares about.
type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeChainNode answers eth_call's balanceOf(owner) with a fixed balance per
// token address, and eth_chainId/eth_blockNumber with harmless constants, so
// ethclient.Dial and Gateway.TokenBalance can run against it over HTTP
// exactly as they would against a real node.
func fakeChainNode(t *testing.T, balanceByToken map[string]*big.Int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "eth_chainId":
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
		case "eth_call":
			var callArgs struct {
				To   string `json:"to"`
				Data string `json:"data"`
			}
			_ = json.Unmarshal(req.Params[0], &callArgs)
			balance, ok := balanceByToken[strings.ToLower(callArgs.To)]
			if !ok {
				balance = big.NewInt(0)
			}
			word := make([]byte, 32)
			balance.FillBytes(word)
			result := `"0x` + hexEncode(word) + `"`
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
		default:
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
		}
	}))
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0xf]
	}
	return string(out)
}

func newMockRecoveryStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
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

func testGateway(t *testing.T, balanceByToken map[string]*big.Int) (*Gateway, func()) {
	t.Helper()
	server := fakeChainNode(t, balanceByToken)

	client, err := ethclient.Dial(server.URL)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	gw, err := NewGateway(key, client, client)
	require.NoError(t, err)
	return gw, server.Close
}

// recoveryToleranceBps mirrors the 200bps (2%) default KeeperConfig.
// BridgeToleranceBps carries in cmd/keeperd/main.go, so a recorded xAmount
// of 1000 tolerates an observed balance down to 980.
const recoveryToleranceBps = 200

func TestRecoverRewindsFailedCycleAtToleranceFloor(t *testing.T) {
	weth := addr("0x5")
	registry := NewRegistry([]TokenMeta{
		{Symbol: "WETH", Decimals: 18, AddressL1: weth, AddressL2: addr("0x6")},
	})

	gw, closeNode := testGateway(t, map[string]*big.Int{
		strings.ToLower(weth.Hex()): big.NewInt(980), // exactly the 2% floor of 1000
	})
	defer closeNode()

	store, mock := newMockRecoveryStore(t)

	rows := sqlmock.NewRows([]string{"id", "target_token", "input_amount", "amount_x", "amount_usdc", "amount_out", "state", "last_error"}).
		AddRow(1, "WETH", "1000", "1000", "0", "0", "FAILED", "some transient error")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `cycles` WHERE state = ?")).
		WithArgs("FAILED").
		WillReturnRows(rows)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `cycles` SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `cycles` SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := Recover(gw, registry, store, recoveryToleranceBps, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverSkipsCycleBelowToleranceFloor(t *testing.T) {
	weth := addr("0x5")
	registry := NewRegistry([]TokenMeta{
		{Symbol: "WETH", Decimals: 18, AddressL1: weth, AddressL2: addr("0x6")},
	})

	gw, closeNode := testGateway(t, map[string]*big.Int{
		strings.ToLower(weth.Hex()): big.NewInt(979), // one unit short of the 980 floor
	})
	defer closeNode()

	store, mock := newMockRecoveryStore(t)

	rows := sqlmock.NewRows([]string{"id", "target_token", "input_amount", "amount_x", "amount_usdc", "amount_out", "state", "last_error"}).
		AddRow(1, "WETH", "1000", "1000", "0", "0", "FAILED", "some transient error")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `cycles` WHERE state = ?")).
		WithArgs("FAILED").
		WillReturnRows(rows)

	// No UPDATE expected: the shortfall exceeds tolerance, so the cycle is
	// left FAILED rather than rewound.
	err := Recover(gw, registry, store, recoveryToleranceBps, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverSkipsCycleWithZeroL1Balance(t *testing.T) {
	weth := addr("0x5")
	registry := NewRegistry([]TokenMeta{
		{Symbol: "WETH", Decimals: 18, AddressL1: weth, AddressL2: addr("0x6")},
	})

	gw, closeNode := testGateway(t, map[string]*big.Int{}) // every balance defaults to zero
	defer closeNode()

	store, mock := newMockRecoveryStore(t)

	rows := sqlmock.NewRows([]string{"id", "target_token", "input_amount", "amount_x", "amount_usdc", "amount_out", "state", "last_error"}).
		AddRow(1, "WETH", "1000", "1000", "0", "0", "FAILED", "some transient error")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `cycles` WHERE state = ?")).
		WithArgs("FAILED").
		WillReturnRows(rows)

	err := Recover(gw, registry, store, recoveryToleranceBps, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverSkipsCycleWithUnknownToken(t *testing.T) {
	registry := NewRegistry(nil) // no tokens registered

	gw, closeNode := testGateway(t, map[string]*big.Int{})
	defer closeNode()

	store, mock := newMockRecoveryStore(t)

	rows := sqlmock.NewRows([]string{"id", "target_token", "input_amount", "amount_x", "amount_usdc", "amount_out", "state", "last_error"}).
		AddRow(1, "GHOST", "1000", "1000", "0", "0", "FAILED", "boom")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `cycles` WHERE state = ?")).
		WithArgs("FAILED").
		WillReturnRows(rows)

	err := Recover(gw, registry, store, recoveryToleranceBps, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
