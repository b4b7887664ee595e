package swapproviders

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	keeperarb "github.com/jgarzik/keeper-arb"
)

func TestAggregatorQuoteParsesRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"buyAmount": "123456",
			"to": "0x000000000000000000000000000000000000beef",
			"data": "0xdeadbeef",
			"value": "0",
			"allowanceTarget": {"spender": "0x000000000000000000000000000000000000cafe"}
		}`))
	}))
	defer srv.Close()

	p := NewAggregatorProvider("0x-style", srv.URL, keeperarb.ChainL2)
	require.True(t, p.SupportsChain(keeperarb.ChainL2))
	require.False(t, p.SupportsChain(keeperarb.ChainL1))

	quote, err := p.Quote(context.Background(), keeperarb.ChainL2, common.HexToAddress("0xin"), common.HexToAddress("0xout"), big.NewInt(1000), common.HexToAddress("0xsender"), 50)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(123456), quote.AmountOut)
	require.Equal(t, common.HexToAddress("0xbeef"), quote.Tx.To)
	require.Equal(t, common.HexToAddress("0xcafe"), quote.Spender)
}

func TestAggregatorQuoteRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			// 503 matches util.IsTransient's substring classifier so
			// WithRetry keeps retrying; a bare 500 does not.
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{
			"buyAmount": "42",
			"to": "0x000000000000000000000000000000000000beef",
			"data": "0x",
			"value": "0",
			"allowanceTarget": {"spender": "0x000000000000000000000000000000000000cafe"}
		}`))
	}))
	defer srv.Close()

	p := NewAggregatorProvider("0x-style", srv.URL, keeperarb.ChainL2)
	quote, err := p.Quote(context.Background(), keeperarb.ChainL2, common.HexToAddress("0xin"), common.HexToAddress("0xout"), big.NewInt(1000), common.HexToAddress("0xsender"), 50)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), quote.AmountOut)
	require.Equal(t, 3, attempts)
}

func TestAggregatorQuoteDoesNotRetryBareServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewAggregatorProvider("0x-style", srv.URL, keeperarb.ChainL2)
	_, err := p.Quote(context.Background(), keeperarb.ChainL2, common.HexToAddress("0xin"), common.HexToAddress("0xout"), big.NewInt(1000), common.HexToAddress("0xsender"), 50)
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestAggregatorQuoteErrorsOnNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewAggregatorProvider("0x-style", srv.URL, keeperarb.ChainL2)
	_, err := p.Quote(context.Background(), keeperarb.ChainL2, common.HexToAddress("0xin"), common.HexToAddress("0xout"), big.NewInt(1000), common.HexToAddress("0xsender"), 50)
	require.Error(t, err)
}
