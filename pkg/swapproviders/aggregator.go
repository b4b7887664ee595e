package swapproviders

import (
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

// aggregatorQuoteResponse is the shape returned by a 0x/1inch-style swap
// aggregator's /quote endpoint.
type aggregatorQuoteResponse struct {
	BuyAmount string `json:"buyAmount"`
	To        string `json:"to"`
	Data      string `json:"data"`
	Value     string `json:"value"`
	Allowance struct {
		Spender string `json:"spender"`
	} `json:"allowanceTarget"`
	EstimatedPriceImpact string `json:"estimatedPriceImpact"`
}

// AggregatorProvider quotes against a single off-chain swap aggregator API.
type AggregatorProvider struct {
	name       string
	baseURL    string
	chains     map[keeperarb.ChainID]bool
	httpClient *http.Client
}

// NewAggregatorProvider builds a provider for one aggregator deployment,
// quoting on the given chains.
func NewAggregatorProvider(name, baseURL string, chains ...keeperarb.ChainID) *AggregatorProvider {
	set := make(map[keeperarb.ChainID]bool, len(chains))
	for _, c := range chains {
		set[c] = true
	}
	return &AggregatorProvider{name: name, baseURL: baseURL, chains: set, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (p *AggregatorProvider) Name() string { return p.name }

func (p *AggregatorProvider) SupportsChain(chain keeperarb.ChainID) bool { return p.chains[chain] }

func (p *AggregatorProvider) Quote(ctx context.Context, chain keeperarb.ChainID, tokenIn, tokenOut common.Address, amountIn *big.Int, sender common.Address, slippageBps int64) (*keeperarb.Quote, error) {
	var resp aggregatorQuoteResponse
	err := util.WithRetry(util.RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}, func() error {
		return p.fetchQuote(ctx, tokenIn, tokenOut, amountIn, sender, slippageBps, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("%s quote %s->%s: %w", p.name, tokenIn, tokenOut, err)
	}

	amountOut, ok := new(big.Int).SetString(resp.BuyAmount, 10)
	if !ok {
		return nil, fmt.Errorf("%s returned malformed buyAmount %q", p.name, resp.BuyAmount)
	}
	value, _ := new(big.Int).SetString(resp.Value, 10)
	if value == nil {
		value = big.NewInt(0)
	}

	quote := &keeperarb.Quote{
		Provider:  p.name,
		Chain:     chain,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Tx: keeperarb.TxCall{
			To:    common.HexToAddress(resp.To),
			Data:  pkgutil.Hex2Bytes(resp.Data),
			Value: value,
		},
		Spender:  common.HexToAddress(resp.Allowance.Spender),
		QuotedAt: time.Now(),
	}
	return quote, nil
}

func (p *AggregatorProvider) fetchQuote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, sender common.Address, slippageBps int64, out *aggregatorQuoteResponse) error {
	url := fmt.Sprintf("%s/quote?sellToken=%s&buyToken=%s&sellAmount=%s&takerAddress=%s&slippagePercentage=%s",
		p.baseURL, tokenIn, tokenOut, amountIn.String(), sender, bpsToPercent(slippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("429 Too Many Requests")
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%d server error", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("no route: status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func bpsToPercent(bps int64) string {
	return fmt.Sprintf("%.4f", float64(bps)/10000)
}

func (p *AggregatorProvider) CheckHealth(ctx context.Context) keeperarb.ProviderHealth {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/quote", nil)
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

// classifyLatency applies the {2s, 3s} degraded/error thresholds shared by
// every health probe in this package.
func classifyLatency(latencyMs int64) keeperarb.ProviderHealth {
	switch {
	case latencyMs >= 3000:
		return keeperarb.ProviderHealth{Status: keeperarb.HealthErr, LatencyMs: latencyMs, Error: "latency exceeds 3s"}
	case latencyMs >= 2000:
		return keeperarb.ProviderHealth{Status: keeperarb.HealthDegraded, LatencyMs: latencyMs}
	default:
		return keeperarb.ProviderHealth{Status: keeperarb.HealthOK, LatencyMs: latencyMs}
	}
}
