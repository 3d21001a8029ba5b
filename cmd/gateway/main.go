// The gateway server: loads config, wires the routing and enforcement
// stack, and serves the HTTP/WS surface until signalled.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hounfour/gateway/internal/api"
	"github.com/hounfour/gateway/internal/budget"
	"github.com/hounfour/gateway/internal/config"
	"github.com/hounfour/gateway/internal/events"
	"github.com/hounfour/gateway/internal/guard"
	"github.com/hounfour/gateway/internal/health"
	"github.com/hounfour/gateway/internal/pool"
	"github.com/hounfour/gateway/internal/provider"
	"github.com/hounfour/gateway/internal/ratelimit"
	"github.com/hounfour/gateway/internal/router"
	"github.com/hounfour/gateway/internal/tenant"
	"github.com/hounfour/gateway/internal/wal"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	configPath := flag.String("config", "", "path to gateway.yaml (empty runs built-in defaults)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	}

	hostname, _ := os.Hostname()
	buildSHA := os.Getenv("GATEWAY_BUILD_SHA")

	auditLog, err := wal.Open(cfg.WAL.Path, wal.Options{
		RunCtx:  wal.RunContext{PodID: hostname, BuildSHA: buildSHA},
		HMACKey: hmacKey(cfg.WAL.HMACKeyEnv),
	})
	if err != nil {
		log.Fatalf("wal: %v", err)
	}

	bus := events.NewBus()

	g := guard.New(guard.Config{
		Bypass:           guard.BypassFromEnv(),
		InitRetries:      cfg.Guard.InitRetries,
		InitBackoff:      time.Duration(cfg.Guard.InitBackoffSeconds) * time.Second,
		RecoveryInterval: time.Duration(cfg.Guard.RecoveryIntervalSeconds) * time.Second,
		RecoveryCapMult:  cfg.Guard.RecoveryCapMult,
		PodID:            hostname,
		BuildSHA:         buildSHA,
	}, auditLog, bus)
	g.Init()
	defer g.Stop()

	ledger, err := budget.OpenLedger(cfg.Budget.LedgerPath, 0)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	enforcer, err := budget.NewEnforcer(ledger, cfg.BudgetLimits(),
		budget.WriteFailurePolicy(cfg.Budget.Policy), budget.DefaultTable(), bus)
	if err != nil {
		log.Fatalf("budget: %v", err)
	}

	registry, err := pool.NewRegistry(nil)
	if err != nil {
		log.Fatalf("pool registry: %v", err)
	}

	tracker := health.NewTracker(health.DefaultConfig())
	limiter := ratelimit.NewProviderLimiter(cfg.RateLimitMap())
	providers := cfg.ProviderMap()

	rt := router.New(router.Options{
		Registry:       registry,
		Tracker:        tracker,
		Limiter:        limiter,
		Budget:         enforcer,
		Guard:          g,
		Invoker:        provider.NewInvoker(nil),
		Providers:      providers,
		Fallbacks:      cfg.FallbackMap(),
		DowngradeChain: config.RoutingPools(cfg.Routing.DowngradeChain),
		LocalRuntimes:  cfg.LocalRuntimeSet(),
		Retry:          provider.DefaultRetry(),
	})
	if err := rt.ValidateBindings(); err != nil {
		log.Fatalf("bindings: %v", err)
	}

	prober := health.NewProber(tracker, probeTargets(registry, providers), health.ProberConfig{})
	prober.Start()
	defer prober.Stop()

	server := api.NewServer(api.Options{
		Router:          rt,
		Guard:           g,
		Tracker:         tracker,
		Budget:          enforcer,
		Registry:        registry,
		Keys:            tenant.NewKeyManager(tenant.NewMemoryKeyStore()),
		JWTSecret:       []byte(os.Getenv("GATEWAY_JWT_SECRET")),
		DevTenantHeader: cfg.Server.DevTenantHeader,
		BudgetMode:      budget.Mode(cfg.Budget.Mode),
		ShutdownGrace:   time.Duration(cfg.Server.ShutdownGraceSeconds) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(":" + cfg.Server.Port) }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
	case <-ctx.Done():
		log.Println("shutting down")
		if err := server.Shutdown(context.Background()); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func hmacKey(envName string) []byte {
	if envName == "" {
		return nil
	}
	if v := os.Getenv(envName); v != "" {
		return []byte(v)
	}
	return nil
}

// probeTargets builds active health-probe targets for every pool whose
// preferred provider is configured.
func probeTargets(reg *pool.Registry, providers map[string]provider.Config) []health.ProbeTarget {
	var targets []health.ProbeTarget
	seen := map[string]bool{}
	for _, entry := range pool.DefaultEntries() {
		model, err := reg.Resolve(entry.Pool)
		if err != nil {
			continue
		}
		pcfg, ok := providers[model.Provider]
		if !ok {
			continue
		}
		key := health.Key(model.Provider, model.ModelID)
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, health.ProbeTarget{
			Provider:  model.Provider,
			Model:     model.ModelID,
			HealthURL: pcfg.HealthURL(),
		})
	}
	return targets
}
