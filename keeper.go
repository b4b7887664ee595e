package keeperarb

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jgarzik/keeper-arb/internal/logging"
	"github.com/jgarzik/keeper-arb/internal/notify"
)

// KeeperConfig is the fixed, config-derived set of parameters the reconciler
// loop needs at every tick.
type KeeperConfig struct {
	SourceToken string // e.g. "VCRED"
	USDCToken   string // L1 stablecoin symbol, e.g. "USDC"

	SlippageBps        int64
	ActionBudget       int           // K, default 3
	ReconcileInterval  time.Duration // default 30s
	QuoteTTL           time.Duration // default 30s
	BridgeToleranceBps int64         // default 200 (2%)

	TestSize      *big.Int // planner probe size
	MinInput      *big.Int
	MaxInputCap   *big.Int
	MaxQuoteCalls int // default 15
	Granularity   *big.Int
}

// Keeper is the central object wiring every component the reconciler loop
// touches: the wallet gateway, token registry, persistent store, swap and
// bridge providers, and the notification/logging sinks. One Keeper drives
// one operator wallet across exactly two chains.
type Keeper struct {
	cfg      KeeperConfig
	gw       *Gateway
	registry *Registry
	store    *Store

	swapProviders []SwapProvider
	bridgeOut     map[string]BridgeProvider // keyed by target token symbol, L2->L1
	bridgeBack    BridgeProvider            // USDC, L1->L2

	notifier *notify.Notifier
	sinks    *logging.Sinks

	running      int32
	paused       int32
	pausedTokens sync.Map

	lastRunMu sync.RWMutex
	lastRun   time.Time
}

// NewKeeper wires a Keeper from already-constructed dependencies; wiring
// concrete provider instances (RPC clients, contract addresses) is the
// responsibility of cmd/keeperd/main.go.
func NewKeeper(cfg KeeperConfig, gw *Gateway, registry *Registry, store *Store, swapProviders []SwapProvider, bridgeOut map[string]BridgeProvider, bridgeBack BridgeProvider, notifier *notify.Notifier, sinks *logging.Sinks) *Keeper {
	if cfg.ActionBudget <= 0 {
		cfg.ActionBudget = 3
	}
	return &Keeper{
		cfg: cfg, gw: gw, registry: registry, store: store,
		swapProviders: swapProviders, bridgeOut: bridgeOut, bridgeBack: bridgeBack,
		notifier: notifier, sinks: sinks,
	}
}

// Pause stops the reconciler from opening or advancing any cycle.
func (k *Keeper) Pause() { atomic.StoreInt32(&k.paused, 1) }

// Resume lifts a global Pause.
func (k *Keeper) Resume() { atomic.StoreInt32(&k.paused, 0) }

// IsPaused reports the global pause flag.
func (k *Keeper) IsPaused() bool { return atomic.LoadInt32(&k.paused) == 1 }

// PauseToken excludes symbol from new cycle creation and from further
// advancement of its already-active cycles.
func (k *Keeper) PauseToken(symbol string) { k.pausedTokens.Store(symbol, struct{}{}) }

// ResumeToken lifts a per-token pause.
func (k *Keeper) ResumeToken(symbol string) { k.pausedTokens.Delete(symbol) }

func (k *Keeper) isTokenPaused(symbol string) bool {
	_, paused := k.pausedTokens.Load(symbol)
	return paused
}

// PausedTokens lists every currently paused token symbol, for the dashboard
// status endpoint.
func (k *Keeper) PausedTokens() []string {
	var out []string
	k.pausedTokens.Range(func(key, _ interface{}) bool {
		out = append(out, key.(string))
		return true
	})
	return out
}

// LastRun reports when the most recent tick started, the zero value before
// the first tick fires.
func (k *Keeper) LastRun() time.Time {
	k.lastRunMu.RLock()
	defer k.lastRunMu.RUnlock()
	return k.lastRun
}

// Store exposes the keeper's persistent store to read-only callers like the
// dashboard.
func (k *Keeper) Store() *Store { return k.store }

// Registry exposes the keeper's token registry to read-only callers.
func (k *Keeper) Registry() *Registry { return k.registry }

// Gateway exposes the keeper's chain gateway to read-only callers.
func (k *Keeper) Gateway() *Gateway { return k.gw }

// Run drives the periodic reconciler loop until ctx is cancelled. It is the
// single logical task the concurrency model names: each fire is a tick; a
// running flag (checked inside tick) prevents two ticks from overlapping.
func (k *Keeper) Run(ctx context.Context) {
	interval := k.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			k.tick(ctx, now)
		}
	}
}

// tick is one reconciler pass: open at most one new cycle if an opportunity
// qualifies and no cycle is already active for that token, then advance up
// to ActionBudget actions across all active cycles. Concurrent invocations
// no-op via the running flag.
func (k *Keeper) tick(ctx context.Context, now time.Time) {
	if !atomic.CompareAndSwapInt32(&k.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&k.running, 0)

	k.lastRunMu.Lock()
	k.lastRun = now
	k.lastRunMu.Unlock()

	if k.IsPaused() {
		return
	}

	if err := k.detectAndOpen(ctx); err != nil {
		k.logError("detect", err)
	}

	cycles, err := k.store.GetActiveCycles()
	if err != nil {
		k.logError("load active cycles", err)
		return
	}

	actionsUsed := 0
	for _, cycle := range cycles {
		if actionsUsed >= k.cfg.ActionBudget {
			break
		}
		if k.isTokenPaused(cycle.Token) {
			continue
		}
		used, err := k.advance(ctx, cycle)
		if err != nil {
			k.logError(fmt.Sprintf("advance cycle %d (%s, state=%s)", cycle.ID, cycle.Token, cycle.State), err)
		}
		actionsUsed += used
	}
}

// detectAndOpen runs the planner, and opens the highest-discount qualifying
// opportunity that has no active cycle and is not paused. Only one new
// cycle is opened per tick, prioritizing progress on cycles already open.
func (k *Keeper) detectAndOpen(ctx context.Context) error {
	active, err := k.store.GetActiveCycles()
	if err != nil {
		return err
	}
	busy := make(map[string]bool, len(active))
	for _, c := range active {
		busy[c.Token] = true
	}

	opportunities, err := Detect(ctx, k.swapProviders, k.registry, k.cfg.SourceToken, k.cfg.USDCToken, k.cfg.TestSize, k.gw.Owner(), k.cfg.SlippageBps, k.onSkip)
	if err != nil {
		return err
	}

	for _, opp := range opportunities {
		if busy[opp.Token] || k.isTokenPaused(opp.Token) {
			continue
		}
		if k.notifier != nil {
			_ = k.notifier.Send(ctx, notify.EventOpportunityDetected, map[string]interface{}{
				"token": opp.Token, "discountBps": opp.DiscountBps,
			})
		}

		sizing, err := Size(ctx, k.swapProviders, k.registry, k.cfg.SourceToken, k.cfg.USDCToken, opp.Token,
			SizingConfig{MinInput: k.cfg.MinInput, MaxInputCap: k.cfg.MaxInputCap, MaxQuoteCalls: k.cfg.MaxQuoteCalls, Granularity: k.cfg.Granularity},
			k.gw.Owner(), k.cfg.SlippageBps, k.onSkip)
		if err != nil {
			k.logError(fmt.Sprintf("size %s", opp.Token), err)
			continue
		}
		if sizing == nil {
			continue // no profitable size found for this token this tick
		}

		cycle, err := k.store.CreateCycle(opp.Token, sizing.OptimalInput)
		if err != nil {
			return fmt.Errorf("create cycle for %s: %w", opp.Token, err)
		}
		k.sinks.LogMoney("cycle created", map[string]interface{}{
			"cycleId": cycle.ID, "token": cycle.Token, "input": cycle.InputAmount.String(),
		})
		if k.notifier != nil {
			_ = k.notifier.Send(ctx, notify.EventCycleCreated, map[string]interface{}{
				"cycleId": cycle.ID, "token": cycle.Token, "input": cycle.InputAmount.String(),
			})
		}
		break
	}
	return nil
}

func (k *Keeper) onSkip(provider string, err error) {
	k.sinks.Log(logging.LevelWarn, "swap provider skipped", map[string]interface{}{"provider": provider, "error": err.Error()})
}

func (k *Keeper) logError(where string, err error) {
	k.sinks.Log(logging.LevelError, where, map[string]interface{}{"error": err.Error()})
	if k.notifier != nil {
		_ = k.notifier.Send(context.Background(), notify.EventError, map[string]interface{}{"context": where, "error": err.Error()})
	}
}

func (k *Keeper) bridgeForToken(token TokenMeta) (BridgeProvider, error) {
	b, ok := k.bridgeOut[token.Symbol]
	if !ok {
		return nil, fmt.Errorf("no outbound bridge provider configured for %s", token.Symbol)
	}
	return b, nil
}
