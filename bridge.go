package keeperarb

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OutputNotReady is the distinguished, retryable error string a tunnel
// bridge's Prove returns when the corresponding L2 output root has not
// yet been posted to L1.
const OutputNotReady = "OUTPUT_NOT_READY"

// BridgeSendResult is what Send returns once the source-chain leg of a
// transfer has been dispatched.
type BridgeSendResult struct {
	TxHash common.Hash

	// MessageGUID identifies an attested-bridge message for status
	// polling; empty for tunnel bridges.
	MessageGUID string

	// WithdrawalHash and Envelope identify a tunnel withdrawal pending
	// prove/finalize; zero/empty for attested bridges.
	WithdrawalHash common.Hash
	Envelope       *WithdrawalEnvelope
}

// BridgeProvider is the uniform surface both bridge variants implement.
// Send is payable-only for native tokens and payable-fee-plus-allowance
// for ERC-20 tokens; the caller is responsible for approving the bridge
// contract before calling Send on a token leg.
type BridgeProvider interface {
	Name() string

	// SupportsChain reports whether this provider sends from chain.
	SupportsChain(chain ChainID) bool

	// EstimateFee quotes the native fee required to bridge amount of
	// token, e.g. via the attested bridge's quoteSend.
	EstimateFee(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error)

	// Send dispatches the source-chain leg of a transfer to recipient
	// on the destination chain.
	Send(ctx context.Context, token common.Address, amount *big.Int, recipient common.Address) (*BridgeSendResult, error)

	// Status reports where a previously-sent transfer stands, given the
	// result Send returned for it.
	Status(ctx context.Context, result BridgeSendResult) (BridgeStatusKind, error)

	// DetectArrival reports whether expectedAmount of token has landed
	// in recipient's balance on the destination chain, within the given
	// tolerance in bps (applied against expectedAmount).
	DetectArrival(ctx context.Context, token, recipient common.Address, expectedAmount *big.Int, toleranceBps int64) (bool, error)

	CheckHealth(ctx context.Context) ProviderHealth
}

// BridgeProver is implemented only by tunnel-style bridges, whose
// transfers require an explicit prove+finalize step on the destination
// chain after the source withdrawal is confirmed. Reconciler handlers
// type-assert BridgeProvider to this interface to find out whether a
// given provider needs the extra states.
type BridgeProver interface {
	// Prove submits the output-root proof for a pending withdrawal. It
	// returns an error containing OutputNotReady if the L2 output root
	// has not yet been posted to L1; callers should retry later.
	Prove(ctx context.Context, withdrawalHash common.Hash, envelope WithdrawalEnvelope) (common.Hash, error)

	// Finalize completes a previously proved withdrawal. Callers must
	// not call this before the challenge period has elapsed since the
	// prove confirmation.
	Finalize(ctx context.Context, withdrawalHash common.Hash, envelope WithdrawalEnvelope) (common.Hash, error)

	// ChallengePeriod is the minimum wait between a successful prove
	// and a permitted finalize.
	ChallengePeriod() (secondsFromProve int64)

	// ProvenAt returns the L1 timestamp at which withdrawalHash was
	// proved, or the zero Time if it has not been proved yet (or is not
	// yet visible, e.g. the prove tx has not been indexed). Callers wait
	// ChallengePeriod() past this timestamp before finalizing.
	ProvenAt(ctx context.Context, withdrawalHash common.Hash) (time.Time, error)
}
