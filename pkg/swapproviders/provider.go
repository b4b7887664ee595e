// Package swapproviders implements the uniform quote/execute surface over
// off-chain DEX aggregator APIs, an on-chain reference quoter, and an
// optional intent-style (order + presignature) provider.
package swapproviders

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	keeperarb "github.com/jgarzik/keeper-arb"
)

// Provider is the uniform surface every swap source implements: get a
// priced, executable quote for a pair. It has no submit method; the quote's
// Tx is dispatched by the caller.
type Provider interface {
	// Name identifies the provider for logs and quote comparison.
	Name() string
	// SupportsChain reports whether this provider quotes on chain.
	SupportsChain(chain keeperarb.ChainID) bool
	// Quote prices amountIn of tokenIn -> tokenOut for sender, with a
	// maximum acceptable slippage in bps.
	Quote(ctx context.Context, chain keeperarb.ChainID, tokenIn, tokenOut common.Address, amountIn *big.Int, sender common.Address, slippageBps int64) (*keeperarb.Quote, error)
	// CheckHealth performs one cheap representative read.
	CheckHealth(ctx context.Context) keeperarb.ProviderHealth
}

// GetBestQuote queries every provider that supports chain in parallel and
// returns the one with the largest integer amountOut. Providers that error
// or report no route are skipped with a warning passed to onSkip.
func GetBestQuote(ctx context.Context, providers []Provider, chain keeperarb.ChainID, tokenIn, tokenOut common.Address, amountIn *big.Int, sender common.Address, slippageBps int64, onSkip func(provider string, err error)) (*keeperarb.Quote, error) {
	type result struct {
		quote *keeperarb.Quote
		err   error
		name  string
	}

	var applicable []Provider
	for _, p := range providers {
		if p.SupportsChain(chain) {
			applicable = append(applicable, p)
		}
	}
	if len(applicable) == 0 {
		return nil, errNoProviderForChain(chain)
	}

	results := make(chan result, len(applicable))
	for _, p := range applicable {
		go func(p Provider) {
			q, err := p.Quote(ctx, chain, tokenIn, tokenOut, amountIn, sender, slippageBps)
			results <- result{quote: q, err: err, name: p.Name()}
		}(p)
	}

	var best *keeperarb.Quote
	for range applicable {
		r := <-results
		if r.err != nil {
			if onSkip != nil {
				onSkip(r.name, r.err)
			}
			continue
		}
		if r.quote == nil {
			continue
		}
		if best == nil || r.quote.AmountOut.Cmp(best.AmountOut) > 0 {
			best = r.quote
		}
	}
	if best == nil {
		return nil, errNoRoute(tokenIn, tokenOut)
	}
	return best, nil
}
