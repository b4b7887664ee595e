package swapproviders

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	keeperarb "github.com/jgarzik/keeper-arb"
)

// fakeQuoterNode reverts quoteExactInputSingle for every fee tier except
// acceptFee, the way a real QuoterV2 reverts on a pool that doesn't exist at
// a given fee, exercising OnChainQuoterProvider.Quote's fee-tier fallback.
func fakeQuoterNode(t *testing.T, acceptFee *big.Int, amountOut *big.Int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
		case "eth_call":
			var callArgs struct {
				Data string `json:"data"`
			}
			_ = json.Unmarshal(req.Params[0], &callArgs)
			data := common.FromHex(callArgs.Data)
			// quoteExactInputSingle's only argument is a fully static tuple
			// packed inline after the 4-byte selector: tokenIn, tokenOut,
			// amountIn, fee, sqrtPriceLimitX96, 32 bytes each.
			if len(data) < 4+5*32 {
				w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"execution reverted"}}`))
				return
			}
			fee := new(big.Int).SetBytes(data[4+3*32 : 4+4*32])
			if fee.Cmp(acceptFee) != 0 {
				w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"execution reverted"}}`))
				return
			}
			word := make([]byte, 32)
			amountOut.FillBytes(word)
			out := make([]byte, 128) // amountOut, sqrtPriceX96After, initializedTicksCrossed, gasEstimate
			copy(out[0:32], word)
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x` + common.Bytes2Hex(out) + `"}`))
		default:
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
		}
	}))
}

func TestOnChainQuoterFallsBackThroughFeeTiers(t *testing.T) {
	srv := fakeQuoterNode(t, big.NewInt(10000), big.NewInt(987654))
	defer srv.Close()

	client := dialTestClient(t, srv.URL)
	p, err := NewOnChainQuoterProvider(keeperarb.ChainL1, client, common.HexToAddress("0xquoter"), common.HexToAddress("0xrouter"))
	require.NoError(t, err)

	quote, err := p.Quote(context.Background(), keeperarb.ChainL1, common.HexToAddress("0xin"), common.HexToAddress("0xout"), big.NewInt(1_000_000), common.HexToAddress("0xsender"), 50)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(987654), quote.AmountOut)
	require.Equal(t, common.HexToAddress("0xrouter"), quote.Spender)
}

func TestOnChainQuoterErrorsWhenEveryFeeTierReverts(t *testing.T) {
	srv := fakeQuoterNode(t, big.NewInt(1), big.NewInt(1)) // no real tier will ever match fee=1
	defer srv.Close()

	client := dialTestClient(t, srv.URL)
	p, err := NewOnChainQuoterProvider(keeperarb.ChainL1, client, common.HexToAddress("0xquoter"), common.HexToAddress("0xrouter"))
	require.NoError(t, err)

	_, err = p.Quote(context.Background(), keeperarb.ChainL1, common.HexToAddress("0xin"), common.HexToAddress("0xout"), big.NewInt(1_000_000), common.HexToAddress("0xsender"), 50)
	require.Error(t, err)
}
