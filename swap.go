package keeperarb

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SwapProvider is the subset of pkg/swapproviders.Provider the reconciler
// depends on directly, kept here to avoid a root -> pkg/swapproviders ->
// root import cycle (the provider package needs Quote/TxCall from this
// package already).
type SwapProvider interface {
	Name() string
	SupportsChain(chain ChainID) bool
	Quote(ctx context.Context, chain ChainID, tokenIn, tokenOut common.Address, amountIn *big.Int, sender common.Address, slippageBps int64) (*Quote, error)
	CheckHealth(ctx context.Context) ProviderHealth
}

// GetBestSwapQuote queries every provider supporting chain in parallel and
// returns the quote with the largest amountOut, comparing as integers.
// Providers that error or return no route are skipped; onSkip (optional)
// is called with their name and error for logging.
func GetBestSwapQuote(ctx context.Context, providers []SwapProvider, chain ChainID, tokenIn, tokenOut common.Address, amountIn *big.Int, sender common.Address, slippageBps int64, onSkip func(provider string, err error)) (*Quote, error) {
	type result struct {
		quote *Quote
		err   error
		name  string
	}

	var applicable []SwapProvider
	for _, p := range providers {
		if p.SupportsChain(chain) {
			applicable = append(applicable, p)
		}
	}
	if len(applicable) == 0 {
		return nil, fmt.Errorf("no swap provider supports chain %s", chain)
	}

	results := make(chan result, len(applicable))
	for _, p := range applicable {
		go func(p SwapProvider) {
			q, err := p.Quote(ctx, chain, tokenIn, tokenOut, amountIn, sender, slippageBps)
			results <- result{quote: q, err: err, name: p.Name()}
		}(p)
	}

	var best *Quote
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
		return nil, fmt.Errorf("no route found for %s -> %s", tokenIn, tokenOut)
	}
	return best, nil
}

// ExecuteSwap runs the approve -> simulate -> dispatch pipeline for a
// previously obtained quote, the same sequencing the teacher's Blackhole.Swap
// uses for its own router calls. quote must not be stale (checked by the
// caller via Quote.IsStale before this is called).
func ExecuteSwap(ctx context.Context, gw *Gateway, quote *Quote) (common.Hash, error) {
	allowance, err := gw.TokenAllowance(quote.Chain, quote.TokenIn, quote.Spender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("check allowance: %w", err)
	}
	if allowance.Cmp(quote.AmountIn) < 0 {
		approveHash, err := gw.Approve(ctx, quote.Chain, quote.TokenIn, quote.Spender, quote.AmountIn)
		if err != nil {
			return common.Hash{}, fmt.Errorf("approve %s for %s: %w", quote.TokenIn, quote.Spender, err)
		}
		if _, err := gw.WaitForReceipt(ctx, quote.Chain, approveHash); err != nil {
			return common.Hash{}, fmt.Errorf("await approve confirmation: %w", err)
		}
	}

	if err := gw.SimulateRaw(ctx, quote.Chain, quote.Tx); err != nil {
		return common.Hash{}, fmt.Errorf("simulation reverted for swap %s->%s: %w", quote.TokenIn, quote.TokenOut, err)
	}

	hash, err := gw.SendRaw(ctx, quote.Chain, quote.Tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("dispatch swap tx: %w", err)
	}
	return hash, nil
}

// QuoteStaleAt returns a QuotedAt timestamp exactly ttl in the past (now
// minus ttl), for tests and planners that synthesize quotes outside a live
// provider.
func QuoteStaleAt(ttl time.Duration) time.Time {
	return time.Now().Add(-ttl)
}
