package bridgeproviders

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	keeperarb "github.com/jgarzik/keeper-arb"
	"github.com/jgarzik/keeper-arb/internal/util"
	"github.com/jgarzik/keeper-arb/pkg/contractclient"
)

// l2BridgeABIJSON is the L2 standard-bridge withdraw surface plus the
// L2-to-L1 message passer's MessagePassed event.
const l2BridgeABIJSON = `[
{"inputs":[
  {"internalType":"address","name":"l2Token","type":"address"},
  {"internalType":"uint256","name":"amount","type":"uint256"},
  {"internalType":"uint32","name":"minGasLimit","type":"uint32"},
  {"internalType":"bytes","name":"extraData","type":"bytes"}],
"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"anonymous":false,"inputs":[
  {"indexed":true,"internalType":"uint256","name":"nonce","type":"uint256"},
  {"indexed":true,"internalType":"address","name":"sender","type":"address"},
  {"indexed":true,"internalType":"address","name":"target","type":"address"},
  {"indexed":false,"internalType":"uint256","name":"value","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"gasLimit","type":"uint256"},
  {"indexed":false,"internalType":"bytes","name":"data","type":"bytes"},
  {"indexed":false,"internalType":"bytes32","name":"withdrawalHash","type":"bytes32"}
],"name":"MessagePassed","type":"event"}
]`

// l1PortalABIJSON is a reduced OptimismPortal-shaped surface: the real
// contract's proveWithdrawalTransaction takes an output-root merkle proof
// this keeper never constructs locally (that requires an L2 node's proof
// RPC), so proof bytes are threaded through opaquely as calldata the
// caller obtained out of band.
const l1PortalABIJSON = `[
{"inputs":[
  {"internalType":"uint256","name":"nonce","type":"uint256"},
  {"internalType":"address","name":"sender","type":"address"},
  {"internalType":"address","name":"target","type":"address"},
  {"internalType":"uint256","name":"value","type":"uint256"},
  {"internalType":"uint256","name":"gasLimit","type":"uint256"},
  {"internalType":"bytes","name":"data","type":"bytes"},
  {"internalType":"bytes","name":"proof","type":"bytes"}],
"name":"proveWithdrawalTransaction","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[
  {"internalType":"uint256","name":"nonce","type":"uint256"},
  {"internalType":"address","name":"sender","type":"address"},
  {"internalType":"address","name":"target","type":"address"},
  {"internalType":"uint256","name":"value","type":"uint256"},
  {"internalType":"uint256","name":"gasLimit","type":"uint256"},
  {"internalType":"bytes","name":"data","type":"bytes"}],
"name":"finalizeWithdrawalTransaction","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"withdrawalHash","type":"bytes32"}],
"name":"provenWithdrawals",
"outputs":[
  {"internalType":"bytes32","name":"outputRoot","type":"bytes32"},
  {"internalType":"uint128","name":"timestamp","type":"uint128"},
  {"internalType":"uint128","name":"l2OutputIndex","type":"uint128"}],
"stateMutability":"view","type":"function"}
]`

// TunnelBridgeProvider bridges via an optimistic-rollup's native
// withdraw/prove/finalize path: withdraw on L2, wait the challenge period,
// finalize on L1. Destination arrival is the wallet's L1 token balance.
type TunnelBridgeProvider struct {
	sourceChain     keeperarb.ChainID
	destChain       keeperarb.ChainID
	gw              *keeperarb.Gateway
	l2Client        *ethclient.Client
	l1Client        *ethclient.Client
	l2Bridge        common.Address
	l1Portal        common.Address
	l2BridgeABI     *abi.ABI
	l1PortalABI     *abi.ABI
	challengePeriod int64 // seconds; default 1 day
}

// NewTunnelBridgeProvider binds the L2 standard bridge and L1 portal
// contracts for a single token pair's withdraw path.
func NewTunnelBridgeProvider(sourceChain, destChain keeperarb.ChainID, gw *keeperarb.Gateway, l2Client, l1Client *ethclient.Client, l2Bridge, l1Portal common.Address) (*TunnelBridgeProvider, error) {
	l2ABI, err := abi.JSON(strings.NewReader(l2BridgeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse l2 bridge abi: %w", err)
	}
	l1ABI, err := abi.JSON(strings.NewReader(l1PortalABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse l1 portal abi: %w", err)
	}
	return &TunnelBridgeProvider{
		sourceChain: sourceChain, destChain: destChain, gw: gw,
		l2Client: l2Client, l1Client: l1Client,
		l2Bridge: l2Bridge, l1Portal: l1Portal,
		l2BridgeABI: &l2ABI, l1PortalABI: &l1ABI,
		challengePeriod: 24 * 60 * 60,
	}, nil
}

func (p *TunnelBridgeProvider) Name() string { return "optimistic-tunnel" }

func (p *TunnelBridgeProvider) SupportsChain(chain keeperarb.ChainID) bool {
	return chain == p.sourceChain
}

// ChallengePeriod implements keeperarb.BridgeProver.
func (p *TunnelBridgeProvider) ChallengePeriod() int64 { return p.challengePeriod }

// EstimateFee returns zero: L2 withdraw gas is paid in the L2 native
// token via ordinary tx gas, not a separate bridge fee.
func (p *TunnelBridgeProvider) EstimateFee(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (p *TunnelBridgeProvider) Send(ctx context.Context, token common.Address, amount *big.Int, recipient common.Address) (*keeperarb.BridgeSendResult, error) {
	cc := contractclient.NewContractClient(p.l2Client, p.l2Bridge, p.l2BridgeABI)
	owner := p.gw.Owner()

	if err := cc.Simulate(owner, "withdraw", token, amount, uint32(200000), []byte{}); err != nil {
		return nil, fmt.Errorf("withdraw simulation reverted: %w", err)
	}
	nonceVal, err := p.gw.NextNonce(ctx, p.sourceChain)
	if err != nil {
		return nil, fmt.Errorf("allocate nonce for withdraw: %w", err)
	}
	hash, err := cc.Send(contractclient.Standard, nil, &owner, p.gw.PrivateKey(), nonceVal, "withdraw", token, amount, uint32(200000), []byte{})
	if err != nil {
		return nil, fmt.Errorf("dispatch withdraw: %w", err)
	}

	receipt, err := p.gw.WaitForReceipt(ctx, p.sourceChain, hash)
	if err != nil {
		return nil, fmt.Errorf("await withdraw confirmation: %w", err)
	}

	envelope, withdrawalHash, err := p.decodeMessagePassed(receipt)
	if err != nil {
		return nil, fmt.Errorf("extract MessagePassed event: %w", err)
	}

	return &keeperarb.BridgeSendResult{
		TxHash:         hash,
		WithdrawalHash: withdrawalHash,
		Envelope:       envelope,
	}, nil
}

// decodeMessagePassed locates the MessagePassed log emitted by the L2
// bridge in receipt and decodes it into an envelope plus withdrawal hash,
// the same topics-then-data decoding contractclient.ParseReceipt uses.
func (p *TunnelBridgeProvider) decodeMessagePassed(receipt *types.Receipt) (*keeperarb.WithdrawalEnvelope, common.Hash, error) {
	ev, ok := p.l2BridgeABI.Events["MessagePassed"]
	if !ok {
		return nil, common.Hash{}, fmt.Errorf("abi missing MessagePassed event")
	}

	for _, lg := range receipt.Logs {
		if lg.Address != p.l2Bridge || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}

		params := make(map[string]interface{})
		if err := p.l2BridgeABI.UnpackIntoMap(params, "MessagePassed", lg.Data); err != nil {
			return nil, common.Hash{}, fmt.Errorf("unpack MessagePassed data: %w", err)
		}

		if len(lg.Topics) < 4 {
			return nil, common.Hash{}, fmt.Errorf("MessagePassed log missing indexed topics")
		}
		nonce := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		sender := common.BytesToAddress(lg.Topics[2].Bytes())
		target := common.BytesToAddress(lg.Topics[3].Bytes())

		value, _ := params["value"].(*big.Int)
		gasLimit, _ := params["gasLimit"].(*big.Int)
		data, _ := params["data"].([]byte)
		withdrawalHashBytes, _ := params["withdrawalHash"].([32]byte)

		envelope := &keeperarb.WithdrawalEnvelope{
			Nonce:    nonce,
			Sender:   sender,
			Target:   target,
			Value:    value,
			GasLimit: gasLimit,
			Data:     data,
		}
		return envelope, common.Hash(withdrawalHashBytes), nil
	}
	return nil, common.Hash{}, fmt.Errorf("no MessagePassed log found in receipt")
}

func (p *TunnelBridgeProvider) Status(ctx context.Context, result keeperarb.BridgeSendResult) (keeperarb.BridgeStatusKind, error) {
	_, err := p.l2Client.TransactionReceipt(ctx, result.TxHash)
	if err != nil {
		return keeperarb.BridgeStatusPending, nil
	}
	return keeperarb.BridgeStatusInFlight, nil
}

// Prove submits the output-root proof for a pending withdrawal. Building
// the actual merkle proof requires an L2 node's dedicated proof RPC, which
// this keeper does not call out to (a coarse polling model, per the
// reconciler's own recovery notes); proof is left empty and the portal's
// own simulation revert is what signals the output root is not yet posted.
func (p *TunnelBridgeProvider) Prove(ctx context.Context, withdrawalHash common.Hash, envelope keeperarb.WithdrawalEnvelope) (common.Hash, error) {
	cc := contractclient.NewContractClient(p.l1Client, p.l1Portal, p.l1PortalABI)
	owner := p.gw.Owner()

	args := []interface{}{envelope.Nonce, envelope.Sender, envelope.Target, envelope.Value, envelope.GasLimit, envelope.Data, []byte{}}
	if err := cc.Simulate(owner, "proveWithdrawalTransaction", args...); err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", keeperarb.OutputNotReady, err)
	}
	nonceVal, err := p.gw.NextNonce(ctx, p.destChain)
	if err != nil {
		return common.Hash{}, fmt.Errorf("allocate nonce for prove: %w", err)
	}
	hash, err := cc.Send(contractclient.Standard, nil, &owner, p.gw.PrivateKey(), nonceVal, "proveWithdrawalTransaction", args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("dispatch prove: %w", err)
	}
	return hash, nil
}

// Finalize completes a previously proved withdrawal. Callers must have
// already waited ChallengePeriod() since the prove confirmation.
func (p *TunnelBridgeProvider) Finalize(ctx context.Context, withdrawalHash common.Hash, envelope keeperarb.WithdrawalEnvelope) (common.Hash, error) {
	cc := contractclient.NewContractClient(p.l1Client, p.l1Portal, p.l1PortalABI)
	owner := p.gw.Owner()

	args := []interface{}{envelope.Nonce, envelope.Sender, envelope.Target, envelope.Value, envelope.GasLimit, envelope.Data}
	if err := cc.Simulate(owner, "finalizeWithdrawalTransaction", args...); err != nil {
		return common.Hash{}, fmt.Errorf("finalize simulation reverted: %w", err)
	}
	nonceVal, err := p.gw.NextNonce(ctx, p.destChain)
	if err != nil {
		return common.Hash{}, fmt.Errorf("allocate nonce for finalize: %w", err)
	}
	hash, err := cc.Send(contractclient.Standard, nil, &owner, p.gw.PrivateKey(), nonceVal, "finalizeWithdrawalTransaction", args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("dispatch finalize: %w", err)
	}
	return hash, nil
}

// ProvenAt returns the L1 timestamp recorded when withdrawalHash was
// proved, or zero if it has not been proved yet.
func (p *TunnelBridgeProvider) ProvenAt(ctx context.Context, withdrawalHash common.Hash) (time.Time, error) {
	cc := contractclient.NewContractClient(p.l1Client, p.l1Portal, p.l1PortalABI)
	owner := p.gw.Owner()
	out, err := cc.Call(&owner, "provenWithdrawals", withdrawalHash)
	if err != nil {
		return time.Time{}, fmt.Errorf("provenWithdrawals: %w", err)
	}
	ts, ok := out[1].(*big.Int)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected provenWithdrawals timestamp type")
	}
	if ts.Sign() == 0 {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64(), 0), nil
}

func (p *TunnelBridgeProvider) DetectArrival(ctx context.Context, token, recipient common.Address, expectedAmount *big.Int, toleranceBps int64) (bool, error) {
	cc := contractclient.NewContractClient(p.l1Client, token, erc20BalanceABI())
	out, err := cc.Call(&recipient, "balanceOf", recipient)
	if err != nil {
		return false, fmt.Errorf("l1 balance of %s: %w", token, err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("unexpected balanceOf return type")
	}
	floor := util.ApplyBpsTolerance(expectedAmount, toleranceBps)
	return balance.Cmp(floor) >= 0, nil
}

func (p *TunnelBridgeProvider) CheckHealth(ctx context.Context) keeperarb.ProviderHealth {
	start := time.Now()
	_, err := p.l1Client.BlockNumber(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return keeperarb.ProviderHealth{Status: keeperarb.HealthErr, LatencyMs: latency, Error: err.Error()}
	}
	return classifyLatency(latency)
}
