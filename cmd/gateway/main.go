package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/provider-gateway/internal/api/rest"
	"github.com/davidleathers/provider-gateway/internal/api/websocket"
	"github.com/davidleathers/provider-gateway/internal/discovery"
	"github.com/davidleathers/provider-gateway/internal/health"
	"github.com/davidleathers/provider-gateway/internal/infrastructure/cache"
	"github.com/davidleathers/provider-gateway/internal/infrastructure/config"
	"github.com/davidleathers/provider-gateway/internal/infrastructure/telemetry"
	"github.com/davidleathers/provider-gateway/internal/metrics"
	"github.com/davidleathers/provider-gateway/internal/providers/mfa"
	"github.com/davidleathers/provider-gateway/internal/providers/payment"
	"github.com/davidleathers/provider-gateway/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "path to the gateway config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := telemetry.Initialize(ctx, &telemetry.Config{
		ServiceName:    "provider-gateway",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	metricsReg, err := metrics.NewRegistry("provider-gateway")
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	var store cache.Store
	if cfg.Redis.Enabled {
		store, err = cache.NewRedisStore(&cfg.Redis, logger)
		if err != nil {
			// The gateway degrades to uncached execution rather than
			// refusing to start.
			logger.Warn("result cache unavailable", zap.Error(err))
			store = nil
		} else {
			defer store.Close()
		}
	}

	monitor := health.NewMonitor(health.Config{
		Interval:       cfg.Health.Interval,
		Timeout:        cfg.Health.Timeout,
		AlertThreshold: cfg.Health.AlertThreshold,
		HistorySize:    cfg.Health.HistorySize,
	}, logger)

	registries, err := buildRegistries(cfg, logger, monitor, metricsReg, store)
	if err != nil {
		return err
	}

	for category, reg := range registries {
		category := category
		reg := reg
		metricsReg.RegisterHealthyCount(category, func() int64 {
			var n int64
			for _, info := range reg.AllStats() {
				if info.Healthy {
					n++
				}
			}
			return n
		})
	}

	wsHandler := websocket.NewHandler(logger)
	wsHandler.Start(ctx)
	defer wsHandler.Stop()

	monitor.OnAlert(func(a health.Alert) {
		logger.Warn("provider health alert",
			zap.String("category", a.Category),
			zap.String("provider_id", a.ProviderID),
			zap.Int("consecutive_failures", a.ConsecutiveFailures),
			zap.String("last_error", a.LastError))
		metricsReg.ObserveHealthAlert(context.Background(), a.Category, a.ProviderID)
		wsHandler.Hub().PublishAlert(a)
	})
	monitor.OnStateChange(func(c health.StateChange) {
		logger.Info("provider health transition",
			zap.String("category", c.Category),
			zap.String("provider_id", c.ProviderID),
			zap.Bool("healthy", c.Healthy))
		wsHandler.Hub().PublishStateChange(c)
	})

	monitor.Start(ctx)
	defer monitor.Stop()

	disco := discovery.NewService(discovery.Config{
		AutoRegister: cfg.Discovery.AutoRegister,
		PollInterval: cfg.Discovery.PollInterval,
	}, newRegistrar(cfg, registries), logger)
	disco.AnnounceFromEnv("GATEWAY_DISCOVERY_")
	if cfg.Discovery.Enabled && cfg.Discovery.Endpoint != "" {
		disco.StartPolling(ctx, cfg.Discovery.Endpoint)
	}
	defer disco.Stop()

	server := rest.NewServer(&cfg.Server, rest.Deps{
		Registries: registries,
		Monitor:    monitor,
		Discovery:  disco,
		WebSocket:  wsHandler,
	}, logger)

	errCh := server.Start()
	logger.Info("provider gateway started",
		zap.String("environment", cfg.Environment),
		zap.Int("categories", len(registries)))

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining api server: %w", err)
	}

	logger.Info("provider gateway stopped")
	return nil
}

// buildRegistries wires the built-in provider categories: payment routing
// across the card and bank-transfer simulators, and mfa backed by the token
// service.
func buildRegistries(
	cfg *config.Config,
	logger *zap.Logger,
	monitor *health.Monitor,
	metricsReg *metrics.Registry,
	store cache.Store,
) (map[string]*registry.Registry, error) {
	breaker := registry.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		MonitoringWindow: cfg.Breaker.MonitoringWindow,
	}

	newRegistry := func(category string, required []string) *registry.Registry {
		scope := monitor.Scope(category)
		opts := []registry.Option{
			registry.WithHealthSource(scope),
			registry.WithHealthSink(scope),
			registry.WithObserver(metricsReg),
		}
		if store != nil {
			opts = append(opts, registry.WithCache(store))
		}
		return registry.New(registry.Config{
			Category:           category,
			RequiredOperations: required,
			Environment:        cfg.Environment,
			Strategy:           registry.ParseStrategy(cfg.Gateway.Strategy),
			DefaultTimeout:     cfg.Gateway.DefaultTimeout,
			DefaultMaxRetries:  cfg.Gateway.DefaultMaxRetries,
			BackoffBaseDelay:   cfg.Gateway.BackoffBaseDelay,
			CacheTTL:           cfg.Gateway.CacheTTL,
		}, logger, opts...)
	}

	payReg := newRegistry("payment", payment.RequiredOperations)
	stripe := payment.NewStripe()
	plaid := payment.NewPlaid()

	stripeCfg := registry.DefaultRegistrationConfig()
	stripeCfg.Priority = 1
	stripeCfg.Weight = 3
	stripeCfg.Breaker = breaker
	if err := payReg.Register("stripe", stripe, stripeCfg); err != nil {
		return nil, fmt.Errorf("registering stripe: %w", err)
	}

	plaidCfg := registry.DefaultRegistrationConfig()
	plaidCfg.Priority = 2
	plaidCfg.Weight = 1
	plaidCfg.Breaker = breaker
	if err := payReg.Register("plaid", plaid, plaidCfg); err != nil {
		return nil, fmt.Errorf("registering plaid: %w", err)
	}

	monitor.RegisterProvider("payment", "stripe", stripe.HealthCheck)
	monitor.RegisterProvider("payment", "plaid", plaid.HealthCheck)

	mfaReg := newRegistry("mfa", mfa.RequiredOperations)
	authkit := mfa.NewAuthKit("AuthKit", signingKey(logger))

	authkitCfg := registry.DefaultRegistrationConfig()
	authkitCfg.Breaker = breaker
	if err := mfaReg.Register("authkit", authkit, authkitCfg); err != nil {
		return nil, fmt.Errorf("registering authkit: %w", err)
	}
	monitor.RegisterProvider("mfa", "authkit", authkit.HealthCheck)

	return map[string]*registry.Registry{
		"payment": payReg,
		"mfa":     mfaReg,
	}, nil
}

// signingKey reads the MFA token key from the environment. Without one the
// gateway generates an ephemeral key, which invalidates outstanding tokens
// on every restart.
func signingKey(logger *zap.Logger) []byte {
	if key := os.Getenv("GATEWAY_MFA_SIGNING_KEY"); key != "" {
		return []byte(key)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("generating ephemeral signing key: %v", err))
	}
	logger.Warn("GATEWAY_MFA_SIGNING_KEY not set, using ephemeral signing key")
	return key
}

// registrar maps implementation references announced through discovery to
// the built-in provider constructors.
type registrar struct {
	cfg        *config.Config
	registries map[string]*registry.Registry
	builders   map[string]func() registry.Provider
}

func newRegistrar(cfg *config.Config, registries map[string]*registry.Registry) *registrar {
	return &registrar{
		cfg:        cfg,
		registries: registries,
		builders: map[string]func() registry.Provider{
			"builtin/stripe": func() registry.Provider { return payment.NewStripe() },
			"builtin/plaid":  func() registry.Provider { return payment.NewPlaid() },
		},
	}
}

// RegisterDiscovered implements discovery.Registrar.
func (r *registrar) RegisterDiscovered(d discovery.Descriptor) error {
	reg, ok := r.registries[d.Type]
	if !ok {
		return fmt.Errorf("no registry for provider type %q", d.Type)
	}
	build, ok := r.builders[d.ImplementationRef]
	if !ok {
		return fmt.Errorf("unknown implementation reference %q", d.ImplementationRef)
	}

	regCfg := registry.DefaultRegistrationConfig()
	regCfg.Breaker = registry.BreakerConfig{
		FailureThreshold: r.cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  r.cfg.Breaker.RecoveryTimeout,
		MonitoringWindow: r.cfg.Breaker.MonitoringWindow,
	}
	if weight, ok := d.Configuration["weight"].(float64); ok && weight > 0 {
		regCfg.Weight = int(weight)
	}

	return reg.Register(d.ID, build(), regCfg)
}
