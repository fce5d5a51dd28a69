package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"oxylend/config"
	"oxylend/gateway/middleware"
	"oxylend/gateway/routes"
	nativecommon "oxylend/native/common"
	"oxylend/native/lending"
	"oxylend/native/oracle"
	"oxylend/observability"
	"oxylend/observability/logging"
	oteltel "oxylend/observability/otel"
	"oxylend/rpc"
	"oxylend/storage"
)

const poolMetricsInterval = 30 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnvOverrides()

	logger := logging.SetupWithOptions(logging.Options{
		Service:    "lendingd",
		Env:        cfg.Environment,
		Level:      parseLevel(cfg.Logging.Level),
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	sanitized := cfg.Sanitized()
	logger.Info("configuration loaded",
		"rpc", sanitized.RPCAddress,
		"gateway", sanitized.GatewayAddress,
		"dataDir", sanitized.DataDir,
		"env", sanitized.Environment,
		"authSecret", sanitized.Gateway.AuthSecret,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := oteltel.Init(ctx, oteltel.Config{
			ServiceName: "lendingd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Traces:      true,
			Metrics:     true,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		logger.Error("open database failed", "error", err, "dir", cfg.DataDir)
		os.Exit(1)
	}
	defer db.Close()

	manual := oracle.NewManual()
	for _, price := range cfg.Prices {
		value, err := price.Rat()
		if err != nil {
			logger.Error("invalid static price", "error", err, "asset", price.Asset)
			os.Exit(1)
		}
		manual.SetPrice(price.Asset, value, time.Now())
	}
	prices := oracle.NewAggregator([]string{"manual"}, cfg.Lending.MaxPriceAge())
	prices.Register("manual", manual)

	engine := lending.NewEngine(lending.NewStore(db), prices)
	engine.SetPauses(cfg.Pauses)
	engine.SetQuota(nativecommon.Quota{
		MaxRequestsPerMin: cfg.Quota.MaxRequestsPerMin,
		MaxValuePerEpoch:  cfg.Quota.MaxValuePerEpoch,
		EpochSeconds:      cfg.Quota.EpochSeconds,
	})
	if err := cfg.Lending.Apply(engine); err != nil {
		logger.Error("apply lending config failed", "error", err)
		os.Exit(1)
	}

	go publishPoolMetrics(ctx, engine, logger)
	go recordEventMetrics(ctx, engine, logger)

	rpcSrv := rpc.NewServer(engine, logger)
	go func() {
		if err := rpcSrv.Start(cfg.RPCAddress); err != nil {
			logger.Error("rpc server stopped", "error", err)
			stop()
		}
	}()

	var authenticator *middleware.Authenticator
	if cfg.Gateway.AuthEnabled {
		authenticator = middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.Gateway.AuthSecret,
			Issuer:     cfg.Gateway.AuthIssuer,
		}, logger)
		logger.Info("gateway auth enabled",
			"issuer", cfg.Gateway.AuthIssuer,
			logging.MaskField("secret", cfg.Gateway.AuthSecret),
		)
	}
	rateLimits, err := config.LoadGatewayLimits(cfg.Gateway.LimitsFile, cfg.RateLimits())
	if err != nil {
		logger.Error("load gateway limits failed", "error", err)
		os.Exit(1)
	}
	gatewayHandler := routes.New(routes.Config{
		Engine:        engine,
		Authenticator: authenticator,
		RateLimiter:   middleware.NewRateLimiter(rateLimits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "lendingd",
			Enabled:     true,
			LogRequests: cfg.Environment == "local",
		}, logger),
		CORS: middleware.CORSConfig{AllowedOrigins: cfg.Gateway.AllowedOrigins},
	})
	gatewaySrv := &http.Server{
		Addr:              cfg.GatewayAddress,
		Handler:           otelhttp.NewHandler(gatewayHandler, "gateway"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting gateway", "addr", cfg.GatewayAddress)
		if err := gatewaySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway stopped", "error", err)
			stop()
		}
	}()

	logger.Info("lendingd started",
		"rpc", cfg.RPCAddress,
		"gateway", cfg.GatewayAddress,
		"pools", len(cfg.Lending.Pools),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gatewaySrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown failed", "error", err)
	}
	if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown failed", "error", err)
	}
}

// openDatabase picks the storage backend: ":memory:" runs without persistence,
// anything else is a LevelDB directory.
func openDatabase(dataDir string) (storage.Database, error) {
	dir := strings.TrimSpace(dataDir)
	if dir == ":memory:" {
		return storage.NewMemDB(), nil
	}
	return storage.NewLevelDB(filepath.Join(dir, "lending"))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// publishPoolMetrics periodically samples every pool into the prometheus
// gauges so utilisation and rates are visible between operations.
func publishPoolMetrics(ctx context.Context, engine *lending.Engine, logger *slog.Logger) {
	metrics := observability.Lending()
	ticker := time.NewTicker(poolMetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pools, err := engine.ListPools()
		if err != nil {
			logger.Warn("pool metrics sample failed", "error", err)
			continue
		}
		for _, pool := range pools {
			utilisation := lending.Utilisation(pool.TotalBorrowed, pool.TotalSupplied)
			rate := lending.NewInterestModel(pool.Params).BorrowRate(utilisation)
			metrics.RecordPool(pool.Asset, pool.TotalSupplied, pool.TotalBorrowed, pool.Reserves, utilisation, rate)
		}
	}
}

// recordEventMetrics mirrors the engine's event feed into counters and debug
// logs.
func recordEventMetrics(ctx context.Context, engine *lending.Engine, logger *slog.Logger) {
	metrics := observability.Events()
	events, cancel := engine.Events().Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			metrics.RecordPublished(evt.Type)
			logger.Debug("lending event", "type", evt.Type, "id", evt.ID)
		}
	}
}
