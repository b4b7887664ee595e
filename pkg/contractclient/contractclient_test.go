package contractclient

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/require"
)

// approveABIJSON mirrors the minimal ERC-20 approve surface gateway.go binds,
// enough to exercise Send's pack/sign/broadcast path without a full router ABI.
const approveABIJSON = `[
{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

func approveABI(t *testing.T) *abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(approveABIJSON))
	require.NoError(t, err)
	return &parsed
}

// fakeSendNode answers just enough JSON-RPC for Send's dispatch pipeline
// (eth_gasPrice, eth_estimateGas, eth_chainId) and records every raw
// transaction handed to eth_sendRawTransaction so the test can decode each
// one's nonce back out, the way recovery_test.go's fakeChainNode answers
// eth_call for balanceOf.
type fakeSendNode struct {
	mu  sync.Mutex
	raw [][]byte
}

func (f *fakeSendNode) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.raw))
	copy(out, f.raw)
	return out
}

func newFakeSendNode(t *testing.T) (*fakeSendNode, *httptest.Server) {
	t.Helper()
	f := &fakeSendNode{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "eth_chainId":
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
		case "eth_gasPrice":
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x3b9aca00"}`))
		case "eth_estimateGas":
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x5208"}`))
		case "eth_sendRawTransaction":
			var rawHex string
			_ = json.Unmarshal(req.Params[0], &rawHex)
			raw := common.FromHex(rawHex)
			f.mu.Lock()
			f.raw = append(f.raw, raw)
			f.mu.Unlock()
			tx := new(types.Transaction)
			_ = tx.UnmarshalBinary(raw)
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"` + tx.Hash().Hex() + `"}`))
		default:
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
		}
	}))
	return f, srv
}

// decodedNonce unmarshals one of fakeSendNode's captured raw transactions and
// returns its nonce, the detail Send's caller-supplied nonce parameter is
// supposed to control end to end.
func decodedNonce(t *testing.T, raw []byte) uint64 {
	t.Helper()
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(raw))
	return tx.Nonce()
}

func TestSendUsesCallerSuppliedNonce(t *testing.T) {
	node, srv := newFakeSendNode(t)
	defer srv.Close()

	client, err := ethclient.Dial(srv.URL)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	cc := NewContractClient(client, common.HexToAddress("0xdead"), approveABI(t))

	hash, err := cc.Send(Standard, nil, &owner, key, 7, "approve", common.HexToAddress("0xbeef"), big.NewInt(100))
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, hash)

	sent := node.sent()
	require.Len(t, sent, 1)
	require.Equal(t, uint64(7), decodedNonce(t, sent[0]))
}

// TestSendTwoSequentialDispatchesDoNotCollide exercises the review's explicit
// concern: two managed Send calls in a row, each given the next nonce by the
// caller (as gateway.go's NextNonce/Approve and tunnel.go's withdraw/Prove/
// Finalize now do), must land on two distinct, increasing on-chain slots
// rather than ever repeating one.
func TestSendTwoSequentialDispatchesDoNotCollide(t *testing.T) {
	node, srv := newFakeSendNode(t)
	defer srv.Close()

	client, err := ethclient.Dial(srv.URL)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	cc := NewContractClient(client, common.HexToAddress("0xdead"), approveABI(t))

	_, err = cc.Send(Standard, nil, &owner, key, 5, "approve", common.HexToAddress("0xbeef"), big.NewInt(1))
	require.NoError(t, err)
	_, err = cc.Send(Standard, nil, &owner, key, 6, "approve", common.HexToAddress("0xbeef"), big.NewInt(2))
	require.NoError(t, err)

	sent := node.sent()
	require.Len(t, sent, 2)
	first := decodedNonce(t, sent[0])
	second := decodedNonce(t, sent[1])
	require.Equal(t, uint64(5), first)
	require.Equal(t, uint64(6), second)
	require.NotEqual(t, first, second)
}

func TestSendRespectsExplicitGasLimit(t *testing.T) {
	node, srv := newFakeSendNode(t)
	defer srv.Close()

	client, err := ethclient.Dial(srv.URL)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	cc := NewContractClient(client, common.HexToAddress("0xdead"), approveABI(t))

	limit := uint64(250000)
	_, err = cc.Send(Standard, &limit, &owner, key, 0, "approve", common.HexToAddress("0xbeef"), big.NewInt(1))
	require.NoError(t, err)

	sent := node.sent()
	require.Len(t, sent, 1)
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(sent[0]))
	require.Equal(t, limit, tx.Gas())
}
