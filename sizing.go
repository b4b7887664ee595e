package keeperarb

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// errQuoteBudgetExhausted stops the search loop without treating the
// situation as a hard failure; Size falls back to the best good size found
// so far.
var errQuoteBudgetExhausted = errors.New("sizing: quote call budget exhausted")

// SizingConfig bounds the binary search Size runs for one qualifying token.
type SizingConfig struct {
	MinInput      *big.Int // also the initial probe size
	MaxInputCap   *big.Int
	MaxQuoteCalls int      // default 15 pair-quotes
	Granularity   *big.Int // one whole source token, in minor units
}

// pairQuote is a (l2Out, refOut) observation at one input size.
type pairQuote struct {
	l2Out, refOut *big.Int
}

// Size searches for the largest input size at or below cfg.MaxInputCap that
// remains profitable (l2Out > refOut), starting from cfg.MinInput and
// exponentially doubling before narrowing with a binary search. It returns
// nil if even the initial probe is not profitable.
func Size(ctx context.Context, providers []SwapProvider, registry *Registry, sourceSymbol, usdcSymbol, targetSymbol string, cfg SizingConfig, sender common.Address, slippageBps int64, onSkip func(provider string, err error)) (*SizingResult, error) {
	source, err := registry.Lookup(sourceSymbol)
	if err != nil {
		return nil, err
	}
	usdc, err := registry.Lookup(usdcSymbol)
	if err != nil {
		return nil, err
	}
	target, err := registry.Lookup(targetSymbol)
	if err != nil {
		return nil, err
	}

	calls := 0
	quoteAt := func(size *big.Int) (*pairQuote, error) {
		if calls >= cfg.MaxQuoteCalls {
			return nil, errQuoteBudgetExhausted
		}
		calls++
		l2Quote, err := GetBestSwapQuote(ctx, providers, ChainL2, source.AddressL2, target.AddressL2, size, sender, slippageBps, onSkip)
		if err != nil {
			return nil, err
		}
		refInput := new(big.Int).Set(size) // source token is ~1:1 with USDC for reference purposes
		refQuote, err := GetBestSwapQuote(ctx, providers, ChainL1, usdc.AddressL1, target.AddressL1, refInput, sender, slippageBps, onSkip)
		if err != nil {
			return nil, err
		}
		return &pairQuote{l2Out: l2Quote.AmountOut, refOut: refQuote.AmountOut}, nil
	}
	profitable := func(pq *pairQuote) bool { return pq.l2Out.Cmp(pq.refOut) > 0 }

	probe := new(big.Int).Set(cfg.MinInput)
	pq, err := quoteAt(probe)
	if err != nil {
		return nil, err
	}
	if !profitable(pq) {
		return nil, nil
	}

	good, goodQuote := new(big.Int).Set(probe), pq
	var bad *big.Int
	cur := new(big.Int).Set(probe)

	for {
		cur = new(big.Int).Mul(cur, big.NewInt(2))
		reachedCap := cur.Cmp(cfg.MaxInputCap) >= 0
		if reachedCap {
			cur = new(big.Int).Set(cfg.MaxInputCap)
		}
		pq, err = quoteAt(cur)
		if errors.Is(err, errQuoteBudgetExhausted) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !profitable(pq) {
			bad = new(big.Int).Set(cur)
			break
		}
		good, goodQuote = new(big.Int).Set(cur), pq
		if reachedCap {
			break // profitable all the way to the cap; nothing to bisect against
		}
	}

	if bad != nil {
		for new(big.Int).Sub(bad, good).Cmp(cfg.Granularity) > 0 {
			mid := new(big.Int).Add(good, bad)
			mid.Quo(mid, big.NewInt(2))
			pq, err = quoteAt(mid)
			if errors.Is(err, errQuoteBudgetExhausted) {
				break
			}
			if err != nil {
				return nil, err
			}
			if profitable(pq) {
				good, goodQuote = mid, pq
			} else {
				bad = mid
			}
		}
	}

	return &SizingResult{
		Token:          target.Symbol,
		OptimalInput:   good,
		ExpectedL2Out:  goodQuote.l2Out,
		ExpectedRefOut: goodQuote.refOut,
	}, nil
}
