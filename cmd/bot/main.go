// Command bot runs the straddle/strangle harvesting engine: a long ATM
// straddle hedged by recurring short OTM strangles, with a read-only
// dashboard alongside.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/finchtrading/straddleharvest/internal/broker"
	"github.com/finchtrading/straddleharvest/internal/config"
	"github.com/finchtrading/straddleharvest/internal/dashboard"
	"github.com/finchtrading/straddleharvest/internal/engine"
	"github.com/finchtrading/straddleharvest/internal/logging"
	"github.com/finchtrading/straddleharvest/internal/orders"
	"github.com/finchtrading/straddleharvest/internal/risk"
	"github.com/finchtrading/straddleharvest/internal/storage"
	"github.com/finchtrading/straddleharvest/internal/strategy"
	"github.com/finchtrading/straddleharvest/internal/telemetry"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Secrets like the broker API key are expanded into the config from the
	// environment; .env is optional.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	logger.Infof("starting straddle harvester in %s mode", cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Warn("LIVE TRADING MODE - real money at risk, starting in 10 seconds")
		time.Sleep(10 * time.Second)
	}

	var mkt broker.Broker
	if cfg.IsPaperTrading() {
		mkt = broker.NewSimBroker(450, 15)
	} else {
		mkt = broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox)
	}
	mkt = broker.NewCircuitBreakerBroker(mkt, logger)

	store, err := storage.NewJSONStore(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open ledger: %v", err)
	}

	sink := telemetry.NewLogSink(logger, 256)
	defer sink.Close()

	selector := strategy.NewStrikeSelector(mkt, strategy.SelectorConfig{
		Symbol:            cfg.Strategy.Symbol,
		Quantity:          cfg.Strategy.Quantity,
		TargetNetReturn:   cfg.Strategy.TargetNetReturn,
		MultiplierFloor:   cfg.Strategy.MultiplierFloor,
		MultiplierCeiling: cfg.Strategy.MultiplierCeiling,
		SafetyFloor:       cfg.Strategy.SafetyFloor,
		SymmetryTolerance: cfg.Strategy.SymmetryTolerance,
		MultiplierStep:    cfg.Strategy.MultiplierStep,
		StrikeIncrement:   cfg.Strategy.StrikeIncrement,
		WeeklyThetaPct:    cfg.Strategy.WeeklyThetaPct,
		FeePerContract:    cfg.Strategy.FeePerContract,
	}, logger)

	cushion := risk.NewCushionMonitor(risk.CushionSettings{
		VigilantCushion:       cfg.Monitoring.VigilantCushion,
		ChallengedCushion:     cfg.Monitoring.ChallengedCushion,
		EmergencyProximityPct: cfg.Monitoring.EmergencyProximityPct,
		LegacyChallengedPct:   cfg.Monitoring.LegacyChallengedPct,
		NormalInterval:        cfg.NormalInterval(),
		VigilantInterval:      cfg.VigilantInterval(),
	}, sink, logger)

	breaker := risk.NewCircuitBreaker(risk.BreakerSettings{
		Window:              cfg.Breaker.Window,
		Threshold:           cfg.Breaker.Threshold,
		PartialFillCooldown: cfg.PartialFillCooldown(),
		RollFailureCooldown: cfg.RollFailureCooldown(),
		EmergencyCooldown:   cfg.EmergencyCooldown(),
	}, sink, logger)

	manager := orders.NewManager(mkt, orders.Settings{
		MaxContractsPerOrder:      cfg.Orders.MaxContractsPerOrder,
		MaxContractsPerUnderlying: cfg.Orders.MaxContractsPerUnderlying,
		SlippageWarnPct:           cfg.Orders.SlippageWarnPct,
		SlippageCriticalPct:       cfg.Orders.SlippageCriticalPct,
	}, sink, logger)

	emergency := risk.NewEmergencyExitHandler(mkt, manager, risk.EmergencySettings{
		RetryCount:              cfg.Emergency.RetryCount,
		RetryDelay:              cfg.EmergencyRetryDelay(),
		MarketOrderFallback:     cfg.Emergency.MarketOrderFallback,
		SpreadNormalizeWait:     cfg.SpreadNormalizeWait(),
		SpreadNormalizeAttempts: cfg.Emergency.SpreadNormalizeAttempts,
		SpreadRatioThreshold:    cfg.Emergency.SpreadRatioThreshold,
		TickSize:                cfg.Orders.TickSize,
	}, sink, logger)

	orch, err := engine.New(engine.Params{
		Config:     cfg,
		Broker:     mkt,
		Store:      store,
		Orders:     manager,
		Selector:   selector,
		RollEngine: strategy.NewRollDecisionEngine(logger),
		Recenter:   strategy.NewRecenterManager(cfg.Strategy.RecenterThreshold, cfg.Strategy.StrikeIncrement, logger),
		Cushion:    cushion,
		Breaker:    breaker,
		Emergency:  emergency,
		Sink:       sink,
		Clock:      engine.RealClock(),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("Failed to build engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, store, orch.CurrentStatus, logger)
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatalf("Engine error: %v", err)
	}
	logger.Info("shutdown complete")
}
