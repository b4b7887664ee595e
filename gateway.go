package keeperarb

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/jgarzik/keeper-arb/internal/nonce"
	"github.com/jgarzik/keeper-arb/pkg/contractclient"
	"github.com/jgarzik/keeper-arb/pkg/txlistener"
)

// erc20ABIJSON is the minimal ERC-20 surface the gateway needs: balanceOf,
// allowance, approve. Kept inline rather than loaded from a file since it
// never varies across tokens.
const erc20ABIJSON = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Gateway provides typed access to both chains' reads/writes, balances,
// allowances, and managed nonces, the way the teacher's Blackhole bound one
// ethclient.Client plus a map of ContractClients to a single wallet key.
type Gateway struct {
	privateKey *ecdsa.PrivateKey
	owner      common.Address

	clients        map[ChainID]*ethclient.Client
	nonces         *nonce.Manager
	erc20ABI       *abi.ABI
	receiptTimeout time.Duration
}

// defaultReceiptTimeout is spec.md §5's tx-receipt-wait bound.
const defaultReceiptTimeout = 120 * time.Second

// NewGateway wires l2Client/l1Client under ChainL2/ChainL1 with a shared
// operator key, waiting up to defaultReceiptTimeout for any one
// transaction's receipt; override with SetReceiptTimeout.
func NewGateway(privateKey *ecdsa.PrivateKey, l2Client, l1Client *ethclient.Client) (*Gateway, error) {
	owner := crypto.PubkeyToAddress(privateKey.PublicKey)
	clients := map[ChainID]*ethclient.Client{ChainL2: l2Client, ChainL1: l1Client}

	abiDef, err := parseERC20ABI()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		privateKey:     privateKey,
		owner:          owner,
		clients:        clients,
		erc20ABI:       abiDef,
		receiptTimeout: defaultReceiptTimeout,
	}
	g.nonces = nonce.New(gatewayNonceReader{g}, owner)
	return g, nil
}

// gatewayNonceReader adapts Gateway to nonce.ChainReader without exposing
// ethclient directly to the nonce package.
type gatewayNonceReader struct{ g *Gateway }

func (r gatewayNonceReader) NonceAt(ctx context.Context, account common.Address, chainID uint64) (uint64, error) {
	client, err := r.g.clientFor(ChainID(chainID))
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, account)
}

func (g *Gateway) clientFor(chain ChainID) (*ethclient.Client, error) {
	c, ok := g.clients[chain]
	if !ok {
		return nil, fmt.Errorf("no client configured for chain %s", chain)
	}
	return c, nil
}

// PublicClient returns the read-capable ethclient for chain.
func (g *Gateway) PublicClient(chain ChainID) (*ethclient.Client, error) { return g.clientFor(chain) }

// Owner returns the operator wallet address.
func (g *Gateway) Owner() common.Address { return g.owner }

// PrivateKey exposes the signing key for packages that build raw
// contractclient.ContractClient instances against chain-specific contracts.
func (g *Gateway) PrivateKey() *ecdsa.PrivateKey { return g.privateKey }

// SetReceiptTimeout overrides the per-transaction receipt wait bound.
func (g *Gateway) SetReceiptTimeout(d time.Duration) { g.receiptTimeout = d }

// NextNonce hands out the next managed nonce for chain.
func (g *Gateway) NextNonce(ctx context.Context, chain ChainID) (uint64, error) {
	return g.nonces.NextNonce(ctx, uint64(chain))
}

// ResetNonce drops the cached nonce for chain so the next NextNonce
// re-seeds purely from on-chain state.
func (g *Gateway) ResetNonce(chain ChainID) { g.nonces.Reset(uint64(chain)) }

// NativeBalance returns the wallet's native-coin balance on chain.
func (g *Gateway) NativeBalance(ctx context.Context, chain ChainID) (*big.Int, error) {
	client, err := g.clientFor(chain)
	if err != nil {
		return nil, err
	}
	bal, err := client.BalanceAt(ctx, g.owner, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance on %s: %w", chain, err)
	}
	return bal, nil
}

// TokenBalance returns the wallet's ERC-20 balance of token on chain.
func (g *Gateway) TokenBalance(chain ChainID, token common.Address) (*big.Int, error) {
	cc, err := g.erc20Bound(chain, token)
	if err != nil {
		return nil, err
	}
	out, err := cc.Call(&g.owner, "balanceOf", g.owner)
	if err != nil {
		return nil, fmt.Errorf("token balance of %s on %s: %w", token, chain, err)
	}
	return out[0].(*big.Int), nil
}

// TokenAllowance returns the wallet's current allowance of token for
// spender on chain.
func (g *Gateway) TokenAllowance(chain ChainID, token, spender common.Address) (*big.Int, error) {
	cc, err := g.erc20Bound(chain, token)
	if err != nil {
		return nil, err
	}
	out, err := cc.Call(&g.owner, "allowance", g.owner, spender)
	if err != nil {
		return nil, fmt.Errorf("allowance of %s for %s on %s: %w", token, spender, chain, err)
	}
	return out[0].(*big.Int), nil
}

// Approve submits an ERC-20 approve(spender, amount) tx for token on chain
// and returns its hash. The nonce is allocated through the gateway's own
// nonce.Manager so it cannot collide with a concurrent SendRaw dispatch.
func (g *Gateway) Approve(ctx context.Context, chain ChainID, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	cc, err := g.erc20Bound(chain, token)
	if err != nil {
		return common.Hash{}, err
	}
	nonceVal, err := g.NextNonce(ctx, chain)
	if err != nil {
		return common.Hash{}, fmt.Errorf("allocate nonce for approve: %w", err)
	}
	hash, err := cc.Send(contractclient.Standard, nil, &g.owner, g.privateKey, nonceVal, "approve", spender, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("approve %s for %s on %s: %w", token, spender, chain, err)
	}
	return hash, nil
}

// erc20Bound rebinds the chain's ERC-20 client to a specific token address;
// contractclient.ContractClient is bound to one address, so the gateway
// keeps only the ABI fixed and re-targets per call.
func (g *Gateway) erc20Bound(chain ChainID, token common.Address) (contractclient.ContractClient, error) {
	client, err := g.clientFor(chain)
	if err != nil {
		return nil, err
	}
	return contractclient.NewContractClient(client, token, g.erc20ABI), nil
}

func parseERC20ABI() (*abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &parsed, nil
}

// simulateCall performs an eth_call against an arbitrary raw TxCall (as
// returned by an off-chain swap or bridge provider, where no ABI is known
// locally), surfacing a revert before a real transaction is dispatched.
func simulateCall(ctx context.Context, client *ethclient.Client, from common.Address, tx TxCall) error {
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	msg := ethereum.CallMsg{From: from, To: &tx.To, Data: tx.Data, Value: value}
	if _, err := client.CallContract(ctx, msg, nil); err != nil {
		return err
	}
	return nil
}

// SimulateRaw eth_calls an arbitrary TxCall on chain as the wallet owner,
// for callers (swap/bridge providers) that hold raw calldata with no local
// ABI binding.
func (g *Gateway) SimulateRaw(ctx context.Context, chain ChainID, tx TxCall) error {
	client, err := g.clientFor(chain)
	if err != nil {
		return err
	}
	return simulateCall(ctx, client, g.owner, tx)
}

// SendRaw allocates the next managed nonce and dispatches an arbitrary
// TxCall on chain, signed by the wallet key. Used for payable calls (bridge
// sends with a native fee) that contractclient.Send cannot express.
func (g *Gateway) SendRaw(ctx context.Context, chain ChainID, tx TxCall) (common.Hash, error) {
	nonceVal, err := g.NextNonce(ctx, chain)
	if err != nil {
		return common.Hash{}, fmt.Errorf("allocate nonce: %w", err)
	}
	return dispatchRawTx(ctx, g, chain, tx, nonceVal)
}

// dispatchRawTx signs and broadcasts an arbitrary raw TxCall at the given
// nonce, estimating gas with the teacher's 20% headroom convention.
func dispatchRawTx(ctx context.Context, g *Gateway, chain ChainID, tx TxCall, nonceVal uint64) (common.Hash, error) {
	client, err := g.clientFor(chain)
	if err != nil {
		return common.Hash{}, err
	}
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}

	estimated, err := client.EstimateGas(ctx, ethereum.CallMsg{From: g.owner, To: &tx.To, Data: tx.Data, Value: value})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	limit := estimated + estimated/5

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch chain id: %w", err)
	}

	rawTx := types.NewTx(&types.LegacyTx{
		Nonce:    nonceVal,
		To:       &tx.To,
		Value:    value,
		Gas:      limit,
		GasPrice: gasPrice,
		Data:     tx.Data,
	})
	signer := types.LatestSignerForChainID(chainID)
	signedTx, err := types.SignTx(rawTx, signer, g.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast tx: %w", err)
	}
	return signedTx.Hash(), nil
}

// WaitForReceipt blocks until hash's transaction is mined, bounded by
// ctx, polling the way the teacher's cmd/main.go drives its TxListener
// rather than blocking on bind.WaitMined.
func (g *Gateway) WaitForReceipt(ctx context.Context, chain ChainID, hash common.Hash) (*types.Receipt, error) {
	client, err := g.clientFor(chain)
	if err != nil {
		return nil, err
	}
	listener := txlistener.NewTxListener(client, txlistener.WithPollInterval(3*time.Second), txlistener.WithTimeout(g.receiptTimeout))
	receipt, err := listener.WaitForTransaction(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch receipt %s on %s: %w", hash, chain, err)
	}
	return receipt, nil
}
