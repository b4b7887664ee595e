package keeperarb

import (
	"fmt"

	"github.com/jgarzik/keeper-arb/internal/logging"
	"github.com/jgarzik/keeper-arb/internal/util"
)

// Recover runs once at startup, after the single-instance lock is acquired:
// every FAILED cycle whose observed L1 balance of its target token is still
// within toleranceBps of the cycle's recorded xAmount is rewound to ON_L1 so
// the reconciler re-attempts the L1 swap, possibly via a different provider
// than the one that failed originally. A balance that fell short of that
// tolerance is treated as a real loss, not a recoverable one, and the cycle
// is left FAILED.
func Recover(gw *Gateway, registry *Registry, store *Store, toleranceBps int64, sinks *logging.Sinks) error {
	failed, err := store.GetCyclesByState(StateFailed)
	if err != nil {
		return fmt.Errorf("list failed cycles: %w", err)
	}

	for _, cycle := range failed {
		token, err := registry.Lookup(cycle.Token)
		if err != nil {
			// Unknown token (config changed since this cycle ran); nothing
			// to recover it into.
			continue
		}
		balance, err := gw.TokenBalance(ChainL1, token.AddressL1)
		if err != nil {
			// Leave it FAILED; a later restart will retry the read.
			continue
		}
		if !util.WithinTolerance(balance, cycle.XAmountL2, toleranceBps) {
			continue
		}

		if err := store.UpdateCycleAmounts(cycle.ID, cycle.XAmountL2, balance, cycle.OutAmount); err != nil {
			return fmt.Errorf("record recovered L1 balance for cycle %d: %w", cycle.ID, err)
		}
		if err := store.UpdateCycleState(cycle.ID, StateOnL1, ""); err != nil {
			return fmt.Errorf("rewind cycle %d to ON_L1: %w", cycle.ID, err)
		}
		if sinks != nil {
			sinks.Log(logging.LevelInfo, "recovered failed cycle to ON_L1", map[string]interface{}{
				"cycleId": cycle.ID,
				"token":   cycle.Token,
				"balance": balance.String(),
			})
		}
	}
	return nil
}
