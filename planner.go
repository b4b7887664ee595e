package keeperarb

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/jgarzik/keeper-arb/internal/util"
)

// Detect yields one Opportunity per configured target token whose L2 price
// for source->X beats the L1 reference price for USDC->X, sorted by
// discountBps descending (ties broken by token symbol ascending). testSize
// is the fixed probe amount, denominated in source-token minor units.
func Detect(ctx context.Context, providers []SwapProvider, registry *Registry, sourceSymbol, usdcSymbol string, testSize *big.Int, sender common.Address, slippageBps int64, onSkip func(provider string, err error)) ([]Opportunity, error) {
	source, err := registry.Lookup(sourceSymbol)
	if err != nil {
		return nil, err
	}
	usdc, err := registry.Lookup(usdcSymbol)
	if err != nil {
		return nil, err
	}
	// The source token is itself pegged near 1 USD, so the reference leg
	// reuses testSize rescaled to USDC's decimals rather than a live rate.
	refInput := util.RescaleDecimals(testSize, source.Decimals, usdc.Decimals)

	var out []Opportunity
	for _, target := range registry.TargetTokens() {
		l2Quote, err := GetBestSwapQuote(ctx, providers, ChainL2, source.AddressL2, target.AddressL2, testSize, sender, slippageBps, onSkip)
		if err != nil {
			if onSkip != nil {
				onSkip(target.Symbol, err)
			}
			continue
		}
		refQuote, err := GetBestSwapQuote(ctx, providers, ChainL1, usdc.AddressL1, target.AddressL1, refInput, sender, slippageBps, onSkip)
		if err != nil {
			if onSkip != nil {
				onSkip(target.Symbol, err)
			}
			continue
		}
		discount := util.CalculateDiscountBps(l2Quote.AmountOut, refQuote.AmountOut)
		if discount <= 0 {
			continue
		}
		out = append(out, Opportunity{
			Token:        target.Symbol,
			L2AmountOut:  l2Quote.AmountOut,
			RefAmountOut: refQuote.AmountOut,
			DiscountBps:  discount,
			InputAmount:  new(big.Int).Set(testSize),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscountBps != out[j].DiscountBps {
			return out[i].DiscountBps > out[j].DiscountBps
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}
