package configs

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
)

// Deployment is the per-environment set of token addresses and provider
// contract bindings, the JSON-file equivalent of the teacher's
// contract_client YAML map (config.yml's ContractClientYAMLData), now
// carrying two chains' worth of addresses instead of one.
type Deployment struct {
	Tokens []TokenDeployment `json:"tokens"`

	OnChainQuoters  []OnChainQuoterDeployment  `json:"onChainQuoters"`
	Aggregators     []AggregatorDeployment     `json:"aggregators"`
	IntentProviders []IntentProviderDeployment `json:"intentProviders"`

	AttestedBridges []AttestedBridgeDeployment `json:"attestedBridges"`
	TunnelBridge    *TunnelBridgeDeployment    `json:"tunnelBridge"`
}

// TokenDeployment is one registry entry: a token's address on both chains,
// decimals, bridge route, and whether it is a stablecoin cycle endpoint
// rather than a target token.
type TokenDeployment struct {
	Symbol     string         `json:"symbol"`
	Decimals   uint8          `json:"decimals"`
	AddressL1  common.Address `json:"addressL1"`
	AddressL2  common.Address `json:"addressL2"`
	Route      string         `json:"route"` // "attested" or "tunnel"
	Stablecoin bool           `json:"stablecoin"`
}

type OnChainQuoterDeployment struct {
	Chain   string         `json:"chain"` // "L1" or "L2"
	Address common.Address `json:"address"`
	Router  common.Address `json:"router"`
}

type AggregatorDeployment struct {
	Name    string   `json:"name"`
	BaseURL string   `json:"baseURL"`
	Chains  []string `json:"chains"`
}

type IntentProviderDeployment struct {
	BaseURL string   `json:"baseURL"`
	Chains  []string `json:"chains"`
}

// AttestedBridgeDeployment binds one LayerZero-style OFT contract on L2 for
// a single target token's bridge-out leg, or on L1 for the USDC bridge-back
// leg (SourceChain distinguishes the two).
type AttestedBridgeDeployment struct {
	Name        string         `json:"name"`
	Token       string         `json:"token"` // registry symbol this bridge moves
	SourceChain string         `json:"sourceChain"`
	DestChain   string         `json:"destChain"`
	Address     common.Address `json:"address"`
	DstEID      uint32         `json:"dstEid"`
}

// TunnelBridgeDeployment binds the optimistic-rollup withdraw/prove/finalize
// contracts; one tunnel serves every token routed through it.
type TunnelBridgeDeployment struct {
	L2Bridge common.Address `json:"l2Bridge"`
	L1Portal common.Address `json:"l1Portal"`
}

// LoadDeployment reads the JSON file named by the DEPLOYMENT_FILE env var
// (default ./configs/deployment.json).
func LoadDeployment() (*Deployment, error) {
	path := envOr("DEPLOYMENT_FILE", "./configs/deployment.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployment file %s: %w", path, err)
	}
	var dep Deployment
	if err := json.Unmarshal(data, &dep); err != nil {
		return nil, fmt.Errorf("parse deployment file %s: %w", path, err)
	}
	return &dep, nil
}
