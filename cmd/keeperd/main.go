// Command keeperd runs the cross-chain arbitrage keeper as a single
// long-lived process: it wires the chain gateway, token registry, store,
// swap/bridge providers, and dashboard, then drives the reconciler loop
// until terminated.
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	keeperarb "github.com/jgarzik/keeper-arb"
	"github.com/jgarzik/keeper-arb/configs"
	"github.com/jgarzik/keeper-arb/internal/dashboard"
	"github.com/jgarzik/keeper-arb/internal/logging"
	"github.com/jgarzik/keeper-arb/internal/notify"
	"github.com/jgarzik/keeper-arb/pkg/bridgeproviders"
	"github.com/jgarzik/keeper-arb/pkg/swapproviders"
)

const gracefulShutdownWindow = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("keeperd: %v", err)
	}
}

func run() error {
	cfg, err := configs.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dep, err := configs.LoadDeployment()
	if err != nil {
		return fmt.Errorf("load deployment: %w", err)
	}

	sinks, err := logging.NewSinks(cfg.LogsDir)
	if err != nil {
		return fmt.Errorf("open log sinks: %w", err)
	}
	defer sinks.Close()

	store, err := keeperarb.NewStore(cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := store.AcquireLock(); err != nil {
		return fmt.Errorf("acquire single-instance lock: %w", err)
	}
	defer store.ReleaseLock()

	l2Client, err := ethclient.Dial(cfg.L2RPCURL)
	if err != nil {
		return fmt.Errorf("dial L2 RPC: %w", err)
	}
	l1Client, err := ethclient.Dial(cfg.L1RPCURL)
	if err != nil {
		return fmt.Errorf("dial L1 RPC: %w", err)
	}

	gw, err := keeperarb.NewGateway(cfg.PrivateKey, l2Client, l1Client)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	registry, swapProviders, bridgeOut, bridgeBack, err := wireFromDeployment(dep, gw, l2Client, l1Client)
	if err != nil {
		return fmt.Errorf("wire deployment: %w", err)
	}

	notifier := notify.New(cfg.WebhookURL)

	const bridgeToleranceBps = 200 // 2%, same tolerance DetectArrival applies mid-cycle

	sinks.Log(logging.LevelInfo, "recovering failed cycles", nil)
	if err := keeperarb.Recover(gw, registry, store, bridgeToleranceBps, sinks); err != nil {
		return fmt.Errorf("recovery pass: %w", err)
	}

	var sourceSymbol, usdcSymbol string
	for _, t := range dep.Tokens {
		if !t.Stablecoin {
			continue
		}
		if isUSDCLike(t.Symbol) {
			usdcSymbol = t.Symbol
		} else {
			sourceSymbol = t.Symbol
		}
	}
	if sourceSymbol == "" || usdcSymbol == "" {
		return fmt.Errorf("deployment must name exactly one source stablecoin and one USDC-like stablecoin")
	}

	keeperCfg := keeperarb.KeeperConfig{
		SourceToken:        sourceSymbol,
		USDCToken:          usdcSymbol,
		SlippageBps:        50,
		ActionBudget:       3,
		ReconcileInterval:  cfg.ReconcileInterval,
		QuoteTTL:           cfg.QuoteTTL,
		BridgeToleranceBps: bridgeToleranceBps,
		TestSize:           cfg.MinSwapInput,
		MinInput:           cfg.MinSwapInput,
		MaxInputCap:        cfg.MaxSwapInputCap,
		MaxQuoteCalls:      15,
		Granularity:        new(big.Int).Set(cfg.MinSwapInput),
	}

	keeper := keeperarb.NewKeeper(keeperCfg, gw, registry, store, swapProviders, bridgeOut, bridgeBack, notifier, sinks)

	dash := dashboard.New(keeper, sinks, cfg.DashboardPassword, cfg.ExplorerURLL1, cfg.ExplorerURLL2)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.DashboardPort), Handler: dash.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		sinks.Log(logging.LevelInfo, "dashboard listening", map[string]interface{}{"port": cfg.DashboardPort})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sinks.Log(logging.LevelError, "dashboard server exited", map[string]interface{}{"error": err.Error()})
		}
	}()

	go keeper.Run(ctx)

	<-ctx.Done()
	sinks.Log(logging.LevelInfo, "shutdown signal received, waiting for in-flight tick", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownWindow)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	time.Sleep(gracefulShutdownWindow)

	return nil
}

// isUSDCLike names the bridge-back destination stablecoin; deployments may
// rename it, but the keeper only ever treats one stablecoin as the L1
// settlement currency.
func isUSDCLike(symbol string) bool {
	return symbol == "USDC" || symbol == "USDC.e" || symbol == "USDbC"
}

// wireFromDeployment builds the registry and every provider named in dep,
// the JSON-file equivalent of the teacher's config.yml contract_client map.
func wireFromDeployment(dep *configs.Deployment, gw *keeperarb.Gateway, l2Client, l1Client *ethclient.Client) (
	*keeperarb.Registry, []keeperarb.SwapProvider, map[string]keeperarb.BridgeProvider, keeperarb.BridgeProvider, error,
) {
	tokens := make([]keeperarb.TokenMeta, 0, len(dep.Tokens))
	for _, t := range dep.Tokens {
		tokens = append(tokens, keeperarb.TokenMeta{
			Symbol:     t.Symbol,
			Decimals:   t.Decimals,
			AddressL1:  t.AddressL1,
			AddressL2:  t.AddressL2,
			Route:      keeperarb.RouteKind(t.Route),
			Stablecoin: t.Stablecoin,
		})
	}
	registry := keeperarb.NewRegistry(tokens)

	var swapProviders []keeperarb.SwapProvider
	for _, a := range dep.Aggregators {
		swapProviders = append(swapProviders, swapproviders.NewAggregatorProvider(a.Name, a.BaseURL, parseChains(a.Chains)...))
	}
	for _, ip := range dep.IntentProviders {
		swapProviders = append(swapProviders, swapproviders.NewIntentProvider(ip.BaseURL, parseChains(ip.Chains)...))
	}
	for _, q := range dep.OnChainQuoters {
		client := l2Client
		if parseChain(q.Chain) == keeperarb.ChainL1 {
			client = l1Client
		}
		provider, err := swapproviders.NewOnChainQuoterProvider(parseChain(q.Chain), client, q.Address, q.Router)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("wire on-chain quoter on %s: %w", q.Chain, err)
		}
		swapProviders = append(swapProviders, provider)
	}

	bridgeOut := make(map[string]keeperarb.BridgeProvider, len(dep.AttestedBridges))
	var bridgeBack keeperarb.BridgeProvider
	for _, b := range dep.AttestedBridges {
		source, dest := parseChain(b.SourceChain), parseChain(b.DestChain)
		srcClient, destClient := l2Client, l1Client
		if source == keeperarb.ChainL1 {
			srcClient, destClient = l1Client, l2Client
		}
		provider, err := bridgeproviders.NewAttestedBridgeProvider(b.Name, source, dest, gw, srcClient, destClient, b.Address, b.DstEID)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("wire attested bridge %s: %w", b.Name, err)
		}
		if source == keeperarb.ChainL1 {
			bridgeBack = provider
		} else {
			bridgeOut[b.Token] = provider
		}
	}

	if dep.TunnelBridge != nil {
		tunnel, err := bridgeproviders.NewTunnelBridgeProvider(keeperarb.ChainL2, keeperarb.ChainL1, gw, l2Client, l1Client, dep.TunnelBridge.L2Bridge, dep.TunnelBridge.L1Portal)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("wire tunnel bridge: %w", err)
		}
		for _, t := range tokens {
			if t.Route == keeperarb.RouteTunnel && !t.Stablecoin {
				bridgeOut[t.Symbol] = tunnel
			}
		}
	}

	return registry, swapProviders, bridgeOut, bridgeBack, nil
}

func parseChain(s string) keeperarb.ChainID {
	if s == "L1" || s == "l1" {
		return keeperarb.ChainL1
	}
	return keeperarb.ChainL2
}

func parseChains(ss []string) []keeperarb.ChainID {
	out := make([]keeperarb.ChainID, len(ss))
	for i, s := range ss {
		out[i] = parseChain(s)
	}
	return out
}
