package swapproviders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	keeperarb "github.com/jgarzik/keeper-arb"
	"github.com/jgarzik/keeper-arb/internal/util"
	pkgutil "github.com/jgarzik/keeper-arb/pkg/util"
)

// IntentOrderStatus is the terminal/non-terminal status of an issued order.
type IntentOrderStatus string

const (
	IntentOrderOpen      IntentOrderStatus = "open"
	IntentOrderFulfilled IntentOrderStatus = "fulfilled"
	IntentOrderCancelled IntentOrderStatus = "cancelled"
	IntentOrderExpired   IntentOrderStatus = "expired"
)

// Terminal reports whether s admits no further polling.
func (s IntentOrderStatus) Terminal() bool {
	return s == IntentOrderFulfilled || s == IntentOrderCancelled || s == IntentOrderExpired
}

type intentQuoteResponse struct {
	OrderUID  string `json:"orderUid"`
	BuyAmount string `json:"buyAmount"`
	Presign   string `json:"presignatureTo"`
	PresignTx string `json:"presignatureData"`
	VaultAddr string `json:"vaultRelayer"`
}

type intentStatusResponse struct {
	Status string `json:"status"`
}

// IntentProvider quotes via an off-chain order book and executes by
// submitting an on-chain presignature tx, then polling for fulfillment.
type IntentProvider struct {
	baseURL    string
	chains     map[keeperarb.ChainID]bool
	httpClient *http.Client
}

// NewIntentProvider builds a provider against an order-book API deployment.
func NewIntentProvider(baseURL string, chains ...keeperarb.ChainID) *IntentProvider {
	set := make(map[keeperarb.ChainID]bool, len(chains))
	for _, c := range chains {
		set[c] = true
	}
	return &IntentProvider{baseURL: baseURL, chains: set, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (p *IntentProvider) Name() string { return "intent-orderbook" }

func (p *IntentProvider) SupportsChain(chain keeperarb.ChainID) bool { return p.chains[chain] }

func (p *IntentProvider) Quote(ctx context.Context, chain keeperarb.ChainID, tokenIn, tokenOut common.Address, amountIn *big.Int, sender common.Address, slippageBps int64) (*keeperarb.Quote, error) {
	body, err := json.Marshal(map[string]string{
		"sellToken":  tokenIn.Hex(),
		"buyToken":   tokenOut.Hex(),
		"sellAmount": amountIn.String(),
		"from":       sender.Hex(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal intent quote request: %w", err)
	}

	var resp intentQuoteResponse
	err = util.WithRetry(util.RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/quote", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		httpResp, err := p.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer httpResp.Body.Close()
		if httpResp.StatusCode != http.StatusOK {
			return fmt.Errorf("no route: status %d", httpResp.StatusCode)
		}
		return json.NewDecoder(httpResp.Body).Decode(&resp)
	})
	if err != nil {
		return nil, fmt.Errorf("intent quote %s->%s: %w", tokenIn, tokenOut, err)
	}

	amountOut, ok := new(big.Int).SetString(resp.BuyAmount, 10)
	if !ok {
		return nil, fmt.Errorf("intent provider returned malformed buyAmount %q", resp.BuyAmount)
	}

	return &keeperarb.Quote{
		Provider:  p.Name(),
		Chain:     chain,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Tx: keeperarb.TxCall{
			To:   common.HexToAddress(resp.Presign),
			Data: pkgutil.Hex2Bytes(resp.PresignTx),
		},
		Spender:  common.HexToAddress(resp.VaultAddr),
		QuotedAt: time.Now(),
	}, nil
}

// PollStatus fetches the current status of orderUID. Callers loop this
// until Terminal() reports true.
func (p *IntentProvider) PollStatus(ctx context.Context, orderUID string) (IntentOrderStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/orders/"+orderUID, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("poll order %s: %w", orderUID, err)
	}
	defer resp.Body.Close()

	var status intentStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("decode order status %s: %w", orderUID, err)
	}
	return IntentOrderStatus(status.Status), nil
}

func (p *IntentProvider) CheckHealth(ctx context.Context) keeperarb.ProviderHealth {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/orders", nil)
	if err != nil {
		return keeperarb.ProviderHealth{Status: keeperarb.HealthErr, Error: err.Error()}
	}
	resp, err := p.httpClient.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return keeperarb.ProviderHealth{Status: keeperarb.HealthErr, LatencyMs: latency, Error: err.Error()}
	}
	defer resp.Body.Close()
	return classifyLatency(latency)
}
