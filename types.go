// Package keeperarb implements a long-running keeper that repeatedly drives
// a fixed cross-chain arbitrage cycle for a single operator wallet: source
// token (VCRED) on L2 -> target token X on L2 -> bridge to L1 -> X -> USDC on
// L1 -> bridge back to L2 -> USDC -> VCRED on L2.
package keeperarb

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID identifies one of the two configured chains.
type ChainID int

const (
	ChainL2 ChainID = iota
	ChainL1
)

func (c ChainID) String() string {
	switch c {
	case ChainL2:
		return "l2"
	case ChainL1:
		return "l1"
	default:
		return "unknown"
	}
}

// CycleState is the per-cycle state machine position. COMPLETED and FAILED
// are terminal; see reconciler.go for the transition handlers.
type CycleState string

const (
	StateDetected                  CycleState = "DETECTED"
	StateL2SwapDone                CycleState = "L2_SWAP_DONE"
	StateBridgeOutSent             CycleState = "BRIDGE_OUT_SENT"
	StateBridgeOutProveRequired    CycleState = "BRIDGE_OUT_PROVE_REQUIRED"
	StateBridgeOutProved           CycleState = "BRIDGE_OUT_PROVED"
	StateBridgeOutFinalizeRequired CycleState = "BRIDGE_OUT_FINALIZE_REQUIRED"
	StateOnL1                      CycleState = "ON_L1"
	StateL1SwapDone                CycleState = "L1_SWAP_DONE"
	StateUSDCBridgeBackSent        CycleState = "USDC_BRIDGE_BACK_SENT"
	StateOnL2USDC                  CycleState = "ON_L2_USDC"
	StateL2CloseSwapDone           CycleState = "L2_CLOSE_SWAP_DONE"
	StateCompleted                 CycleState = "COMPLETED"
	StateFailed                    CycleState = "FAILED"
)

// Terminal reports whether s admits no further transitions.
func (s CycleState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// RouteKind distinguishes the two bridge protocols a token may use.
type RouteKind string

const (
	RouteAttested RouteKind = "attested" // LayerZero-style
	RouteTunnel   RouteKind = "tunnel"   // optimistic-rollup withdrawal
)

// StepKind is one externally observable action kind taken for a cycle.
type StepKind string

const (
	StepL2Swap         StepKind = "L2_SWAP"
	StepBridgeOut      StepKind = "BRIDGE_OUT"
	StepBridgeProve    StepKind = "BRIDGE_PROVE"
	StepBridgeFinalize StepKind = "BRIDGE_FINALIZE"
	StepL1Swap         StepKind = "L1_SWAP"
	StepBridgeBack     StepKind = "BRIDGE_BACK"
	StepCloseSwap      StepKind = "CLOSE_SWAP"
)

// StepStatus is the lifecycle of one Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSubmitted StepStatus = "submitted"
	StepConfirmed StepStatus = "confirmed"
	StepFailed    StepStatus = "failed"
)

// Cycle is one arbitrage attempt. Mutated only through state transitions
// triggered by the reconciler; the store is the source of truth across
// restarts.
type Cycle struct {
	ID           int64
	Token        string // target token symbol, e.g. "WETH"
	InputAmount  *big.Int
	XAmountL2    *big.Int // X received on L2 from the opening swap
	USDCAmountL1 *big.Int // USDC received on L1 from the L1 swap
	OutAmount    *big.Int // source token received on L2 from the closing swap
	State        CycleState
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Step is one externally observable action taken for a cycle. A cycle may
// accrue multiple steps of the same kind only if prior attempts are failed;
// at most one non-failed step per (CycleID, Kind).
type Step struct {
	ID                 int64
	CycleID            int64
	Kind               StepKind
	Chain              ChainID
	TxHash             string
	Status             StepStatus
	GasUsed            uint64
	EffectiveGasPrice  *big.Int
	Error              string
	WithdrawalHash     string // tunnel-only
	WithdrawalEnvelope string // tunnel-only, JSON-encoded WithdrawalEnvelope
	MessageGUID        string // attested-bridge-only
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// LedgerEntryKind categorizes an append-only financial record.
type LedgerEntryKind string

const (
	LedgerGas LedgerEntryKind = "GAS"

	// LedgerSwapOutput records the exact amountOut a swap step produced,
	// so a crash-resumed handler can recover the figure without trusting
	// a wallet balance that other concurrently active cycles also touch.
	LedgerSwapOutput LedgerEntryKind = "SWAP_OUTPUT"
)

// LedgerEntry is an append-only financial record tied to a cycle and step.
type LedgerEntry struct {
	ID        int64
	CycleID   int64
	StepID    int64
	Kind      LedgerEntryKind
	Chain     ChainID
	Token     string
	Amount    *big.Int
	TxHash    string
	CreatedAt time.Time
}

// TokenMeta is the per-token metadata held by the address registry.
type TokenMeta struct {
	Symbol     string
	Decimals   uint8
	AddressL1  common.Address
	AddressL2  common.Address
	Route      RouteKind
	Stablecoin bool
}

// Opportunity is one candidate target token with its observed discount,
// as produced by the planner.
type Opportunity struct {
	Token        string
	L2AmountOut  *big.Int
	RefAmountOut *big.Int
	DiscountBps  int64
	InputAmount  *big.Int
}

// SizingResult is the outcome of the sizing binary search for a qualifying
// token.
type SizingResult struct {
	Token          string
	OptimalInput   *big.Int
	ExpectedL2Out  *big.Int
	ExpectedRefOut *big.Int
}

// TxCall is an unsigned transaction proposal: target, calldata, native value.
type TxCall struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Quote is the uniform shape returned by every SwapProvider.
type Quote struct {
	Provider       string
	Chain          ChainID
	TokenIn        common.Address
	TokenOut       common.Address
	AmountIn       *big.Int
	AmountOut      *big.Int
	Tx             TxCall
	Spender        common.Address
	QuotedAt       time.Time
	PriceImpactBps *int64 // optional
}

// IsStale reports whether q is older than ttl as of now.
func (q Quote) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.QuotedAt) > ttl
}

// ProviderHealthStatus is the coarse health classification of a provider.
type ProviderHealthStatus string

const (
	HealthOK       ProviderHealthStatus = "ok"
	HealthDegraded ProviderHealthStatus = "degraded"
	HealthErr      ProviderHealthStatus = "error"
)

// ProviderHealth is the result of one cheap liveness probe.
type ProviderHealth struct {
	Status    ProviderHealthStatus
	LatencyMs int64
	Error     string
}

// BridgeStatusKind reports where an in-flight bridge transfer stands.
type BridgeStatusKind string

const (
	BridgeStatusPending  BridgeStatusKind = "pending"
	BridgeStatusInFlight BridgeStatusKind = "inflight"
	BridgeStatusArrived  BridgeStatusKind = "arrived"
	BridgeStatusFailed   BridgeStatusKind = "failed"
)

// WithdrawalEnvelope is the MessagePassed payload for an optimistic-rollup
// tunnel withdrawal.
type WithdrawalEnvelope struct {
	Nonce    *big.Int       `json:"nonce"`
	Sender   common.Address `json:"sender"`
	Target   common.Address `json:"target"`
	Value    *big.Int       `json:"value"`
	GasLimit *big.Int       `json:"gasLimit"`
	Data     []byte         `json:"data"`
}

// CyclePnL is the pure-function output of ComputeCyclePnL.
type CyclePnL struct {
	CycleID int64
	Input   *big.Int
	Output  *big.Int
	Gross   *big.Int
	GasL2   *big.Int
	GasL1   *big.Int
	Net     *big.Int
}

// Report is one reconciler event record. No code in this repository
// produces or consumes Report values.
type Report struct {
	Timestamp time.Time
	EventType string
	CycleID   int64
	Message   string
	Error     string
}
