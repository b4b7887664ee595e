package swapproviders

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	keeperarb "github.com/jgarzik/keeper-arb"
	"github.com/jgarzik/keeper-arb/pkg/contractclient"
)

// feeTiers are the pool fee tiers (in hundredths of a bip) tried in order;
// the first that returns without reverting wins.
var feeTiers = []*big.Int{big.NewInt(500), big.NewInt(3000), big.NewInt(10000)}

// quoterABIJSON is a Uniswap-V3-style QuoterV2.quoteExactInputSingle
// surface: params struct {tokenIn, tokenOut, amountIn, fee, sqrtPriceLimitX96}.
const quoterABIJSON = `[
{"inputs":[{"components":[
  {"internalType":"address","name":"tokenIn","type":"address"},
  {"internalType":"address","name":"tokenOut","type":"address"},
  {"internalType":"uint256","name":"amountIn","type":"uint256"},
  {"internalType":"uint24","name":"fee","type":"uint24"},
  {"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}
],"internalType":"struct IQuoterV2.QuoteExactInputSingleParams","name":"params","type":"tuple"}],
"name":"quoteExactInputSingle",
"outputs":[
  {"internalType":"uint256","name":"amountOut","type":"uint256"},
  {"internalType":"uint160","name":"sqrtPriceX96After","type":"uint160"},
  {"internalType":"uint32","name":"initializedTicksCrossed","type":"uint32"},
  {"internalType":"uint256","name":"gasEstimate","type":"uint256"}
],
"stateMutability":"nonpayable","type":"function"}
]`

// OnChainQuoterProvider prices a swap by calling a deployed quoter contract
// directly, trying each fee tier until one does not revert. It serves both
// as a swap provider candidate and as the planner's L1 reference price.
type OnChainQuoterProvider struct {
	chain   keeperarb.ChainID
	client  *ethclient.Client
	address common.Address
	abi     *abi.ABI
	router  common.Address // the router address quotes should spend through
}

// NewOnChainQuoterProvider binds a QuoterV2-shaped contract at address on
// chain, using client for reads and router as the spender a Quote reports.
func NewOnChainQuoterProvider(chain keeperarb.ChainID, client *ethclient.Client, address, router common.Address) (*OnChainQuoterProvider, error) {
	parsed, err := abi.JSON(strings.NewReader(quoterABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse quoter abi: %w", err)
	}
	return &OnChainQuoterProvider{chain: chain, client: client, address: address, abi: &parsed, router: router}, nil
}

func (p *OnChainQuoterProvider) Name() string { return "onchain-quoter" }

func (p *OnChainQuoterProvider) SupportsChain(chain keeperarb.ChainID) bool { return chain == p.chain }

// quoteExactInputSingleParams mirrors the Solidity struct field order; Go's
// abi encoder requires passing struct values positionally for tuples.
type quoteExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	AmountIn          *big.Int
	Fee               *big.Int
	SqrtPriceLimitX96 *big.Int
}

func (p *OnChainQuoterProvider) Quote(ctx context.Context, chain keeperarb.ChainID, tokenIn, tokenOut common.Address, amountIn *big.Int, sender common.Address, slippageBps int64) (*keeperarb.Quote, error) {
	cc := contractclient.NewContractClient(p.client, p.address, p.abi)

	var lastErr error
	for _, fee := range feeTiers {
		params := quoteExactInputSingleParams{
			TokenIn:           tokenIn,
			TokenOut:          tokenOut,
			AmountIn:          amountIn,
			Fee:               fee,
			SqrtPriceLimitX96: big.NewInt(0),
		}
		out, err := cc.Call(&sender, "quoteExactInputSingle", params)
		if err != nil {
			lastErr = err
			continue
		}
		amountOut, ok := out[0].(*big.Int)
		if !ok {
			lastErr = fmt.Errorf("unexpected quoter return type")
			continue
		}
		return &keeperarb.Quote{
			Provider:  p.Name(),
			Chain:     chain,
			TokenIn:   tokenIn,
			TokenOut:  tokenOut,
			AmountIn:  amountIn,
			AmountOut: amountOut,
			Tx:        keeperarb.TxCall{To: p.router},
			Spender:   p.router,
			QuotedAt:  time.Now(),
		}, nil
	}
	return nil, fmt.Errorf("all fee tiers reverted for %s->%s: %w", tokenIn, tokenOut, lastErr)
}

func (p *OnChainQuoterProvider) CheckHealth(ctx context.Context) keeperarb.ProviderHealth {
	start := time.Now()
	_, err := p.client.BlockNumber(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return keeperarb.ProviderHealth{Status: keeperarb.HealthErr, LatencyMs: latency, Error: err.Error()}
	}
	return classifyLatency(latency)
}
