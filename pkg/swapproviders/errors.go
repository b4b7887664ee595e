package swapproviders

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	keeperarb "github.com/jgarzik/keeper-arb"
)

func errNoProviderForChain(chain keeperarb.ChainID) error {
	return fmt.Errorf("no swap provider supports chain %s", chain)
}

func errNoRoute(tokenIn, tokenOut common.Address) error {
	return fmt.Errorf("no route found for %s -> %s", tokenIn, tokenOut)
}
