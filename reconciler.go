package keeperarb

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jgarzik/keeper-arb/internal/notify"
	"github.com/jgarzik/keeper-arb/internal/util"
)

// transferEventTopic is the standard ERC-20 Transfer(address,address,uint256)
// event signature hash, used to read a swap's actual output amount off the
// confirmed receipt rather than trusting the pre-trade quote estimate.
var transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// extractTransferAmount returns the value of the first Transfer(*, recipient,
// value) log emitted by token in receipt.
func extractTransferAmount(receipt *types.Receipt, token, recipient common.Address) (*big.Int, error) {
	for _, lg := range receipt.Logs {
		if lg.Address != token {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != transferEventTopic {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != recipient {
			continue
		}
		return new(big.Int).SetBytes(lg.Data), nil
	}
	return nil, fmt.Errorf("no Transfer log for %s found in receipt", token.Hex())
}

// advance applies the failure policy (§4.9's transient/permanent split)
// around one call to dispatch: transient errors leave the cycle state
// untouched for a later retry, permanent errors move the cycle to FAILED
// with the captured error string.
func (k *Keeper) advance(ctx context.Context, cycle *Cycle) (int, error) {
	used, err := k.dispatch(ctx, cycle)
	if err == nil {
		return used, nil
	}
	if util.IsTransient(err) {
		return used, err
	}
	if failErr := k.failCycle(cycle, err.Error()); failErr != nil {
		return used, failErr
	}
	return used, err
}

func (k *Keeper) dispatch(ctx context.Context, cycle *Cycle) (int, error) {
	switch cycle.State {
	case StateDetected:
		return k.handleDetected(ctx, cycle)
	case StateL2SwapDone:
		return k.handleL2SwapDone(ctx, cycle)
	case StateBridgeOutSent:
		return k.handleBridgeOutSent(ctx, cycle)
	case StateBridgeOutProveRequired:
		return k.handleBridgeOutProveRequired(ctx, cycle)
	case StateBridgeOutProved:
		return k.handleBridgeOutProved(ctx, cycle)
	case StateBridgeOutFinalizeRequired:
		return k.handleBridgeOutFinalizeRequired(ctx, cycle)
	case StateOnL1:
		return k.handleOnL1(ctx, cycle)
	case StateL1SwapDone:
		return k.handleL1SwapDone(ctx, cycle)
	case StateUSDCBridgeBackSent:
		return k.handleUSDCBridgeBackSent(ctx, cycle)
	case StateOnL2USDC:
		return k.handleOnL2USDC(ctx, cycle)
	case StateL2CloseSwapDone:
		return k.handleL2CloseSwapDone(ctx, cycle)
	default:
		return 0, nil // COMPLETED/FAILED never reach here; GetActiveCycles excludes them
	}
}

func (k *Keeper) failCycle(cycle *Cycle, reason string) error {
	if err := k.store.UpdateCycleState(cycle.ID, StateFailed, reason); err != nil {
		return fmt.Errorf("mark cycle %d failed: %w", cycle.ID, err)
	}
	k.sinks.LogMoney("cycle failed", map[string]interface{}{"cycleId": cycle.ID, "token": cycle.Token, "reason": reason})
	if k.notifier != nil {
		_ = k.notifier.Send(context.Background(), notify.EventCycleFailed, map[string]interface{}{
			"cycleId": cycle.ID, "token": cycle.Token, "reason": reason,
		})
	}
	return nil
}

// ensureSwapStep drives one swap-kind step through pending -> submitted ->
// confirmed, implementing the idempotency rule: a confirmed step is never
// re-dispatched. A submitted step is waited on via Gateway.WaitForReceipt
// within the same call, so it returns either the confirmed step plus its
// recorded output, or an error.
func (k *Keeper) ensureSwapStep(ctx context.Context, cycle *Cycle, kind StepKind, chain ChainID, tokenIn, tokenOut common.Address, tokenOutSymbol string, amountIn *big.Int) (*Step, *big.Int, int, error) {
	step, err := k.store.GetActiveStep(cycle.ID, kind)
	if err != nil {
		return nil, nil, 0, err
	}
	if step == nil {
		step, err = k.store.CreateStep(cycle.ID, kind, chain)
		if err != nil {
			return nil, nil, 0, err
		}
	}

	if step.Status == StepConfirmed {
		amountOut, err := k.swapOutputFor(cycle.ID, step.ID)
		if err != nil {
			return nil, nil, 0, err
		}
		return step, amountOut, 0, nil
	}

	if step.Status == StepPending {
		quote, err := GetBestSwapQuote(ctx, k.swapProviders, chain, tokenIn, tokenOut, amountIn, k.gw.Owner(), k.cfg.SlippageBps, k.onSkip)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("quote %s for cycle %d: %w", kind, cycle.ID, err)
		}
		if quote.IsStale(time.Now(), k.cfg.QuoteTTL) {
			return nil, nil, 0, fmt.Errorf("%s quote went stale before dispatch", kind)
		}
		hash, err := ExecuteSwap(ctx, k.gw, quote)
		if err != nil {
			return nil, nil, 0, err
		}
		if err := k.store.MarkStepSubmitted(step.ID, hash.Hex()); err != nil {
			return nil, nil, 0, err
		}
		if k.notifier != nil {
			_ = k.notifier.Send(ctx, notify.EventTxSubmitted, map[string]interface{}{
				"cycleId": cycle.ID, "step": string(kind), "txHash": hash.Hex(),
			})
		}
		step.TxHash, step.Status = hash.Hex(), StepSubmitted
	}

	receipt, err := k.gw.WaitForReceipt(ctx, chain, common.HexToHash(step.TxHash))
	if err != nil {
		return nil, nil, 0, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		_ = k.store.MarkStepFailed(step.ID, fmt.Sprintf("%s tx reverted (execution reverted)", kind))
		return nil, nil, 1, fmt.Errorf("%s tx reverted (execution reverted)", kind)
	}
	// The actual amount received is read from the confirmed receipt's
	// Transfer log rather than trusting the quote's pre-trade estimate,
	// so a step resumed after a crash (no quote in memory) still recovers
	// an exact figure.
	amountOut, err := extractTransferAmount(receipt, tokenOut, k.gw.Owner())
	if err != nil {
		return nil, nil, 1, fmt.Errorf("determine %s output for cycle %d: %w", kind, cycle.ID, err)
	}
	if err := k.store.RecordGas(cycle.ID, step.ID, chain, tokenOutSymbol, receipt.GasUsed, receipt.EffectiveGasPrice); err != nil {
		return nil, nil, 1, err
	}
	if err := k.store.CreateLedgerEntry(cycle.ID, step.ID, LedgerSwapOutput, chain, tokenOutSymbol, amountOut, step.TxHash); err != nil {
		return nil, nil, 1, err
	}
	if k.notifier != nil {
		_ = k.notifier.Send(ctx, notify.EventTxConfirmed, map[string]interface{}{"cycleId": cycle.ID, "step": string(kind)})
	}
	return step, amountOut, 1, nil
}

// swapOutputFor recovers the output amount a previously confirmed swap step
// produced, from its LedgerSwapOutput entry — used when a handler finds a
// step already confirmed from an earlier, crash-interrupted tick.
func (k *Keeper) swapOutputFor(cycleID, stepID int64) (*big.Int, error) {
	entries, err := k.store.GetLedgerEntriesByCycle(cycleID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.StepID == stepID && e.Kind == LedgerSwapOutput {
			return e.Amount, nil
		}
	}
	return nil, fmt.Errorf("no recorded output for step %d", stepID)
}

// ensureBridgeSendStep drives one bridge-send step through pending ->
// submitted -> confirmed, recording the withdrawal hash/envelope (tunnel) or
// message GUID (attested) the provider returns.
func (k *Keeper) ensureBridgeSendStep(ctx context.Context, cycle *Cycle, kind StepKind, chain ChainID, bridge BridgeProvider, token common.Address, amount *big.Int, recipient common.Address, tokenSymbol string) (*Step, int, error) {
	step, err := k.store.GetActiveStep(cycle.ID, kind)
	if err != nil {
		return nil, 0, err
	}
	if step == nil {
		step, err = k.store.CreateStep(cycle.ID, kind, chain)
		if err != nil {
			return nil, 0, err
		}
	}
	if step.Status == StepConfirmed {
		return step, 0, nil
	}

	if step.Status == StepPending {
		result, err := bridge.Send(ctx, token, amount, recipient)
		if err != nil {
			return nil, 0, fmt.Errorf("bridge send for cycle %d: %w", cycle.ID, err)
		}
		if err := k.store.MarkStepSubmitted(step.ID, result.TxHash.Hex()); err != nil {
			return nil, 0, err
		}
		if result.MessageGUID != "" {
			if err := k.store.SetStepMessageGUID(step.ID, result.MessageGUID); err != nil {
				return nil, 0, err
			}
		}
		if result.Envelope != nil {
			envJSON, err := json.Marshal(result.Envelope)
			if err != nil {
				return nil, 0, fmt.Errorf("marshal withdrawal envelope: %w", err)
			}
			if err := k.store.SetStepWithdrawal(step.ID, result.WithdrawalHash.Hex(), string(envJSON)); err != nil {
				return nil, 0, err
			}
		}
		step.TxHash, step.Status = result.TxHash.Hex(), StepSubmitted
		if k.notifier != nil {
			_ = k.notifier.Send(ctx, notify.EventTxSubmitted, map[string]interface{}{
				"cycleId": cycle.ID, "step": string(kind), "txHash": step.TxHash,
			})
		}
	}

	receipt, err := k.gw.WaitForReceipt(ctx, chain, common.HexToHash(step.TxHash))
	if err != nil {
		return nil, 0, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		_ = k.store.MarkStepFailed(step.ID, fmt.Sprintf("%s tx reverted (execution reverted)", kind))
		return nil, 1, fmt.Errorf("%s tx reverted (execution reverted)", kind)
	}
	if err := k.store.RecordGas(cycle.ID, step.ID, chain, tokenSymbol, receipt.GasUsed, receipt.EffectiveGasPrice); err != nil {
		return nil, 1, err
	}
	if k.notifier != nil {
		_ = k.notifier.Send(ctx, notify.EventTxConfirmed, map[string]interface{}{"cycleId": cycle.ID, "step": string(kind)})
	}
	return step, 1, nil
}

// handleDetected drives DETECTED -> L2_SWAP_DONE: swap source->X on L2.
func (k *Keeper) handleDetected(ctx context.Context, cycle *Cycle) (int, error) {
	token, err := k.registry.Lookup(cycle.Token)
	if err != nil {
		return 0, err
	}
	source, err := k.registry.Lookup(k.cfg.SourceToken)
	if err != nil {
		return 0, err
	}

	step, amountOut, used, err := k.ensureSwapStep(ctx, cycle, StepL2Swap, ChainL2, source.AddressL2, token.AddressL2, token.Symbol, cycle.InputAmount)
	if err != nil {
		return used, err
	}
	if step == nil {
		return used, nil
	}

	if err := k.store.UpdateCycleAmounts(cycle.ID, amountOut, cycle.USDCAmountL1, cycle.OutAmount); err != nil {
		return used, err
	}
	if err := k.store.UpdateCycleState(cycle.ID, StateL2SwapDone, ""); err != nil {
		return used, err
	}
	return used, nil
}

// handleL2SwapDone drives L2_SWAP_DONE -> BRIDGE_OUT_SENT (attested tokens)
// or BRIDGE_OUT_PROVE_REQUIRED (tunnel tokens): bridge X out to L1.
func (k *Keeper) handleL2SwapDone(ctx context.Context, cycle *Cycle) (int, error) {
	token, err := k.registry.Lookup(cycle.Token)
	if err != nil {
		return 0, err
	}
	bridge, err := k.bridgeForToken(token)
	if err != nil {
		return 0, err
	}

	step, used, err := k.ensureBridgeSendStep(ctx, cycle, StepBridgeOut, ChainL2, bridge, token.AddressL2, cycle.XAmountL2, k.gw.Owner(), token.Symbol)
	if err != nil {
		return used, err
	}
	if step == nil {
		return used, nil
	}

	next := StateBridgeOutSent
	if token.Route == RouteTunnel {
		next = StateBridgeOutProveRequired
	}
	if err := k.store.UpdateCycleState(cycle.ID, next, ""); err != nil {
		return used, err
	}
	return used, nil
}

// handleBridgeOutSent polls attested-bridge arrival: BRIDGE_OUT_SENT -> ON_L1.
func (k *Keeper) handleBridgeOutSent(ctx context.Context, cycle *Cycle) (int, error) {
	token, err := k.registry.Lookup(cycle.Token)
	if err != nil {
		return 0, err
	}
	bridge, err := k.bridgeForToken(token)
	if err != nil {
		return 0, err
	}
	arrived, err := bridge.DetectArrival(ctx, token.AddressL1, k.gw.Owner(), cycle.XAmountL2, k.cfg.BridgeToleranceBps)
	if err != nil {
		return 0, fmt.Errorf("detect bridge-out arrival for cycle %d: %w", cycle.ID, err)
	}
	if !arrived {
		return 0, nil
	}
	if err := k.store.UpdateCycleState(cycle.ID, StateOnL1, ""); err != nil {
		return 0, err
	}
	return 0, nil
}

// handleBridgeOutProveRequired drives the tunnel prove step:
// BRIDGE_OUT_PROVE_REQUIRED -> BRIDGE_OUT_PROVED. Prove returning an
// OUTPUT_NOT_READY error is classified transient by advance and retried.
func (k *Keeper) handleBridgeOutProveRequired(ctx context.Context, cycle *Cycle) (int, error) {
	token, err := k.registry.Lookup(cycle.Token)
	if err != nil {
		return 0, err
	}
	bridge, err := k.bridgeForToken(token)
	if err != nil {
		return 0, err
	}
	prover, ok := bridge.(BridgeProver)
	if !ok {
		return 0, fmt.Errorf("bridge for %s does not implement prove/finalize", token.Symbol)
	}

	proveStep, err := k.store.GetActiveStep(cycle.ID, StepBridgeProve)
	if err != nil {
		return 0, err
	}
	if proveStep != nil && proveStep.Status == StepConfirmed {
		if err := k.store.UpdateCycleState(cycle.ID, StateBridgeOutProved, ""); err != nil {
			return 0, err
		}
		return 0, nil
	}

	outStep, err := k.store.GetActiveStep(cycle.ID, StepBridgeOut)
	if err != nil {
		return 0, err
	}
	if outStep == nil || outStep.WithdrawalHash == "" {
		return 0, fmt.Errorf("cycle %d missing withdrawal hash from bridge-out step", cycle.ID)
	}
	var envelope WithdrawalEnvelope
	if err := json.Unmarshal([]byte(outStep.WithdrawalEnvelope), &envelope); err != nil {
		return 0, fmt.Errorf("decode withdrawal envelope for cycle %d: %w", cycle.ID, err)
	}
	withdrawalHash := common.HexToHash(outStep.WithdrawalHash)

	if proveStep == nil {
		proveStep, err = k.store.CreateStep(cycle.ID, StepBridgeProve, ChainL1)
		if err != nil {
			return 0, err
		}
	}

	hash, err := prover.Prove(ctx, withdrawalHash, envelope)
	if err != nil {
		return 0, err
	}
	if err := k.store.MarkStepSubmitted(proveStep.ID, hash.Hex()); err != nil {
		return 0, err
	}
	receipt, err := k.gw.WaitForReceipt(ctx, ChainL1, hash)
	if err != nil {
		return 1, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		_ = k.store.MarkStepFailed(proveStep.ID, "prove tx reverted (execution reverted)")
		return 1, fmt.Errorf("prove tx reverted (execution reverted)")
	}
	if err := k.store.RecordGas(cycle.ID, proveStep.ID, ChainL1, "ETH", receipt.GasUsed, receipt.EffectiveGasPrice); err != nil {
		return 1, err
	}
	if k.notifier != nil {
		_ = k.notifier.Send(ctx, notify.EventBridgeProveReady, map[string]interface{}{"cycleId": cycle.ID})
	}
	if err := k.store.UpdateCycleState(cycle.ID, StateBridgeOutProved, ""); err != nil {
		return 1, err
	}
	return 1, nil
}

// handleBridgeOutProved polls the challenge period:
// BRIDGE_OUT_PROVED -> BRIDGE_OUT_FINALIZE_REQUIRED once it has elapsed.
func (k *Keeper) handleBridgeOutProved(ctx context.Context, cycle *Cycle) (int, error) {
	token, err := k.registry.Lookup(cycle.Token)
	if err != nil {
		return 0, err
	}
	bridge, err := k.bridgeForToken(token)
	if err != nil {
		return 0, err
	}
	prover, ok := bridge.(BridgeProver)
	if !ok {
		return 0, fmt.Errorf("bridge for %s does not implement prove/finalize", token.Symbol)
	}

	proveStep, err := k.store.GetActiveStep(cycle.ID, StepBridgeProve)
	if err != nil {
		return 0, err
	}
	if proveStep == nil || proveStep.Status != StepConfirmed {
		return 0, fmt.Errorf("cycle %d has no confirmed prove step", cycle.ID)
	}

	outStep, err := k.store.GetActiveStep(cycle.ID, StepBridgeOut)
	if err != nil {
		return 0, err
	}
	if outStep == nil || outStep.WithdrawalHash == "" {
		return 0, fmt.Errorf("cycle %d missing withdrawal hash from bridge-out step", cycle.ID)
	}

	provenAt, err := prover.ProvenAt(ctx, common.HexToHash(outStep.WithdrawalHash))
	if err != nil {
		return 0, err
	}
	if provenAt.IsZero() {
		// Prove tx confirmed locally but not yet indexed by the L1 node;
		// fall back to our own confirmation time rather than stall.
		provenAt = proveStep.UpdatedAt
	}
	if time.Since(provenAt) < time.Duration(prover.ChallengePeriod())*time.Second {
		return 0, nil // still within the challenge period
	}
	if err := k.store.UpdateCycleState(cycle.ID, StateBridgeOutFinalizeRequired, ""); err != nil {
		return 0, err
	}
	return 0, nil
}

// handleBridgeOutFinalizeRequired drives the tunnel finalize step:
// BRIDGE_OUT_FINALIZE_REQUIRED -> ON_L1.
func (k *Keeper) handleBridgeOutFinalizeRequired(ctx context.Context, cycle *Cycle) (int, error) {
	token, err := k.registry.Lookup(cycle.Token)
	if err != nil {
		return 0, err
	}
	bridge, err := k.bridgeForToken(token)
	if err != nil {
		return 0, err
	}
	prover, ok := bridge.(BridgeProver)
	if !ok {
		return 0, fmt.Errorf("bridge for %s does not implement prove/finalize", token.Symbol)
	}

	finalizeStep, err := k.store.GetActiveStep(cycle.ID, StepBridgeFinalize)
	if err != nil {
		return 0, err
	}
	if finalizeStep != nil && finalizeStep.Status == StepConfirmed {
		if err := k.store.UpdateCycleState(cycle.ID, StateOnL1, ""); err != nil {
			return 0, err
		}
		return 0, nil
	}

	outStep, err := k.store.GetActiveStep(cycle.ID, StepBridgeOut)
	if err != nil {
		return 0, err
	}
	if outStep == nil || outStep.WithdrawalHash == "" {
		return 0, fmt.Errorf("cycle %d missing withdrawal hash from bridge-out step", cycle.ID)
	}
	var envelope WithdrawalEnvelope
	if err := json.Unmarshal([]byte(outStep.WithdrawalEnvelope), &envelope); err != nil {
		return 0, fmt.Errorf("decode withdrawal envelope for cycle %d: %w", cycle.ID, err)
	}
	withdrawalHash := common.HexToHash(outStep.WithdrawalHash)

	if finalizeStep == nil {
		finalizeStep, err = k.store.CreateStep(cycle.ID, StepBridgeFinalize, ChainL1)
		if err != nil {
			return 0, err
		}
	}

	hash, err := prover.Finalize(ctx, withdrawalHash, envelope)
	if err != nil {
		return 0, err
	}
	if err := k.store.MarkStepSubmitted(finalizeStep.ID, hash.Hex()); err != nil {
		return 0, err
	}
	receipt, err := k.gw.WaitForReceipt(ctx, ChainL1, hash)
	if err != nil {
		return 1, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		_ = k.store.MarkStepFailed(finalizeStep.ID, "finalize tx reverted (execution reverted)")
		return 1, fmt.Errorf("finalize tx reverted (execution reverted)")
	}
	if err := k.store.RecordGas(cycle.ID, finalizeStep.ID, ChainL1, "ETH", receipt.GasUsed, receipt.EffectiveGasPrice); err != nil {
		return 1, err
	}
	if k.notifier != nil {
		_ = k.notifier.Send(ctx, notify.EventBridgeFinalizeReady, map[string]interface{}{"cycleId": cycle.ID})
	}
	if err := k.store.UpdateCycleState(cycle.ID, StateOnL1, ""); err != nil {
		return 1, err
	}
	return 1, nil
}

// handleOnL1 drives ON_L1 -> L1_SWAP_DONE: swap X->USDC on L1.
func (k *Keeper) handleOnL1(ctx context.Context, cycle *Cycle) (int, error) {
	token, err := k.registry.Lookup(cycle.Token)
	if err != nil {
		return 0, err
	}
	usdc, err := k.registry.Lookup(k.cfg.USDCToken)
	if err != nil {
		return 0, err
	}

	balance, err := k.gw.TokenBalance(ChainL1, token.AddressL1)
	if err != nil {
		return 0, fmt.Errorf("read L1 %s balance: %w", token.Symbol, err)
	}
	if balance.Sign() <= 0 {
		return 0, fmt.Errorf("cycle %d has zero L1 %s balance to swap", cycle.ID, token.Symbol)
	}

	step, amountOut, used, err := k.ensureSwapStep(ctx, cycle, StepL1Swap, ChainL1, token.AddressL1, usdc.AddressL1, usdc.Symbol, balance)
	if err != nil {
		return used, err
	}
	if step == nil {
		return used, nil
	}

	if err := k.store.UpdateCycleAmounts(cycle.ID, cycle.XAmountL2, amountOut, cycle.OutAmount); err != nil {
		return used, err
	}
	if err := k.store.UpdateCycleState(cycle.ID, StateL1SwapDone, ""); err != nil {
		return used, err
	}
	return used, nil
}

// handleL1SwapDone drives L1_SWAP_DONE -> USDC_BRIDGE_BACK_SENT: bridge
// USDC back to L2.
func (k *Keeper) handleL1SwapDone(ctx context.Context, cycle *Cycle) (int, error) {
	usdc, err := k.registry.Lookup(k.cfg.USDCToken)
	if err != nil {
		return 0, err
	}
	step, used, err := k.ensureBridgeSendStep(ctx, cycle, StepBridgeBack, ChainL1, k.bridgeBack, usdc.AddressL1, cycle.USDCAmountL1, k.gw.Owner(), usdc.Symbol)
	if err != nil {
		return used, err
	}
	if step == nil {
		return used, nil
	}
	if err := k.store.UpdateCycleState(cycle.ID, StateUSDCBridgeBackSent, ""); err != nil {
		return used, err
	}
	return used, nil
}

// handleUSDCBridgeBackSent polls for USDC's L2 arrival:
// USDC_BRIDGE_BACK_SENT -> ON_L2_USDC.
func (k *Keeper) handleUSDCBridgeBackSent(ctx context.Context, cycle *Cycle) (int, error) {
	usdc, err := k.registry.Lookup(k.cfg.USDCToken)
	if err != nil {
		return 0, err
	}
	arrived, err := k.bridgeBack.DetectArrival(ctx, usdc.AddressL2, k.gw.Owner(), cycle.USDCAmountL1, k.cfg.BridgeToleranceBps)
	if err != nil {
		return 0, fmt.Errorf("detect bridge-back arrival for cycle %d: %w", cycle.ID, err)
	}
	if !arrived {
		return 0, nil
	}
	if err := k.store.UpdateCycleState(cycle.ID, StateOnL2USDC, ""); err != nil {
		return 0, err
	}
	return 0, nil
}

// handleOnL2USDC drives ON_L2_USDC -> L2_CLOSE_SWAP_DONE: swap USDC->source
// on L2, closing the cycle's position.
func (k *Keeper) handleOnL2USDC(ctx context.Context, cycle *Cycle) (int, error) {
	usdc, err := k.registry.Lookup(k.cfg.USDCToken)
	if err != nil {
		return 0, err
	}
	source, err := k.registry.Lookup(k.cfg.SourceToken)
	if err != nil {
		return 0, err
	}

	balance, err := k.gw.TokenBalance(ChainL2, usdc.AddressL2)
	if err != nil {
		return 0, fmt.Errorf("read L2 USDC balance: %w", err)
	}
	if balance.Sign() <= 0 {
		return 0, fmt.Errorf("cycle %d has zero L2 USDC balance to close", cycle.ID)
	}

	step, amountOut, used, err := k.ensureSwapStep(ctx, cycle, StepCloseSwap, ChainL2, usdc.AddressL2, source.AddressL2, source.Symbol, balance)
	if err != nil {
		return used, err
	}
	if step == nil {
		return used, nil
	}

	if err := k.store.UpdateCycleAmounts(cycle.ID, cycle.XAmountL2, cycle.USDCAmountL1, amountOut); err != nil {
		return used, err
	}
	if err := k.store.UpdateCycleState(cycle.ID, StateL2CloseSwapDone, ""); err != nil {
		return used, err
	}
	return used, nil
}

// handleL2CloseSwapDone completes the cycle: L2_CLOSE_SWAP_DONE -> COMPLETED.
func (k *Keeper) handleL2CloseSwapDone(ctx context.Context, cycle *Cycle) (int, error) {
	if err := k.store.UpdateCycleState(cycle.ID, StateCompleted, ""); err != nil {
		return 0, err
	}
	k.sinks.LogMoney("cycle completed", map[string]interface{}{
		"cycleId": cycle.ID, "token": cycle.Token,
		"input": cycle.InputAmount.String(), "output": cycle.OutAmount.String(),
	})
	if k.notifier != nil {
		_ = k.notifier.Send(ctx, notify.EventCycleCompleted, map[string]interface{}{"cycleId": cycle.ID, "token": cycle.Token})
	}
	return 0, nil
}
