package bridgeproviders

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"

	keeperarb "github.com/jgarzik/keeper-arb"
)

// extractEventTopic returns the hex-encoded first indexed topic (typically
// a bytes32 identifier, e.g. an OFTSent guid or a MessagePassed withdrawal
// hash) of the first occurrence of eventName emitted by addr in receipt.
func extractEventTopic(receipt *types.Receipt, addr interface{ Hex() string }, abiDef *abi.ABI, eventName string) string {
	ev, ok := abiDef.Events[eventName]
	if !ok {
		return ""
	}
	for _, lg := range receipt.Logs {
		if lg.Address.Hex() != addr.Hex() {
			continue
		}
		if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		if len(lg.Topics) < 2 {
			return ""
		}
		return lg.Topics[1].Hex()
	}
	return ""
}

const erc20BalanceABIJSON = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var (
	erc20BalanceABIOnce sync.Once
	erc20BalanceABIVal  abi.ABI
)

// erc20BalanceABI returns a cached minimal ERC-20 ABI exposing only
// balanceOf, used by both bridge providers' DetectArrival.
func erc20BalanceABI() *abi.ABI {
	erc20BalanceABIOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(erc20BalanceABIJSON))
		if err != nil {
			panic(err) // static ABI literal; a parse failure is a build-time bug
		}
		erc20BalanceABIVal = parsed
	})
	return &erc20BalanceABIVal
}

// classifyLatency applies the {2s, 3s} degraded/error thresholds shared by
// every bridge health probe, the same convention swapproviders uses.
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
