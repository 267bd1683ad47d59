package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authbridge/internal/adapter/gateway"
	"authbridge/internal/adapter/oracle"
	"authbridge/internal/adapter/results"
	"authbridge/internal/adapter/telephony"
	"authbridge/internal/domain"
	"authbridge/internal/infra/config"
	"authbridge/internal/infra/logger"
	"authbridge/internal/infra/middleware"
	"authbridge/internal/infra/tracer"
	"authbridge/internal/usecase"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Flags & config
	var (
		cfgPath     = flag.String("config", "config.yaml", "path to config file")
		addr        = flag.String("addr", "", "listen address (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("authbridge " + version)
		return nil
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg.ApplyEnvOverrides()
	if *addr != "" {
		cfg.Gateway.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	log.Info("starting authbridge",
		"version", version,
		"environment", cfg.Agent.Environment,
		"addr", cfg.Gateway.Addr)

	// 3. Telephony
	dialer, err := initDialer(cfg, log)
	if err != nil {
		return fmt.Errorf("telephony: %w", err)
	}

	// 4. Navigator oracle
	navigator, err := initNavigator(cfg, log)
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}

	// 5. Results sink
	sink := results.NewClient(cfg.Backend, log)

	// 6. Call-flow components
	governor := usecase.NewRetryGovernor(
		cfg.Agent.SilenceTimeout,
		cfg.Agent.MaxSilenceTimeouts,
		cfg.Agent.MaxRepeatedPrompts,
		log,
	)
	sessions := usecase.NewSessionRegistry()
	pending, err := usecase.NewPendingCalls(cfg.Agent.PendingCallTTL, cfg.Agent.ReapSchedule, log)
	if err != nil {
		return fmt.Errorf("pending calls: %w", err)
	}
	defer pending.Stop()

	controller := usecase.NewTurnController(navigator, dialer, sink, governor, sessions, pending, cfg.Agent, log)
	defer controller.Shutdown()

	// 7. Gateway
	srv := gateway.NewServer(controller, cfg.Gateway.Addr, log)
	limit := middleware.RateLimit(ctx, middleware.RateLimitConfig{
		RequestsPerMin: cfg.Gateway.RequestsPerMin,
		BurstSize:      cfg.Gateway.RateBurst,
		TrustedProxies: cfg.Gateway.TrustedProxies,
	})
	gateway.NewAPI(controller, cfg, log).Register(srv, limit)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("gateway shutdown", "error", err)
	}
	return nil
}

// initDialer picks the telephony adapter. Without credentials the mock
// dialer stands in, but only outside production.
func initDialer(cfg *config.Config, log *slog.Logger) (domain.Dialer, error) {
	if cfg.Telephony.Configured() {
		return telephony.NewTwilioDialer(cfg.Telephony, log), nil
	}
	if cfg.Agent.Environment == "production" {
		return nil, fmt.Errorf("telephony credentials are required in production")
	}
	log.Warn("telephony not configured, using mock dialer")
	return telephony.NewMockDialer(), nil
}

// initNavigator builds the provider adapter and wraps it in the circuit
// breaker. The composed navigator never returns an error to the turn
// controller.
func initNavigator(cfg *config.Config, log *slog.Logger) (domain.Navigator, error) {
	var inner domain.Navigator
	var err error

	switch cfg.Oracle.Provider {
	case "bedrock":
		inner, err = oracle.NewBedrockNavigator(cfg.Oracle, log)
	default:
		inner, err = oracle.NewAnthropicNavigator(cfg.Oracle, log)
	}
	if err != nil {
		return nil, err
	}

	return oracle.NewBreakerNavigator(inner, oracle.BreakerSettings{
		MaxFailures: cfg.Oracle.Breaker.MaxFailures,
		Timeout:     cfg.Oracle.Breaker.Timeout,
		Interval:    cfg.Oracle.Breaker.Interval,
	}, log), nil
}
