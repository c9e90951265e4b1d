package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	httpapi "github.com/toolgate/toolgate/internal/adapter/inbound/http"
	auditsink "github.com/toolgate/toolgate/internal/adapter/outbound/audit"
	celcheck "github.com/toolgate/toolgate/internal/adapter/outbound/cel"
	"github.com/toolgate/toolgate/internal/adapter/outbound/memory"
	"github.com/toolgate/toolgate/internal/adapter/outbound/natskv"
	"github.com/toolgate/toolgate/internal/adapter/outbound/postgres"
	providerhttp "github.com/toolgate/toolgate/internal/adapter/outbound/provider"
	"github.com/toolgate/toolgate/internal/adapter/outbound/ristretto"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/cache"
	"github.com/toolgate/toolgate/internal/domain/compliance"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/provider"
	"github.com/toolgate/toolgate/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enforcement API server",
	Long: `Start the toolgate enforcement API server.

The server exposes the enforcement endpoint, the policy and compliance
administration APIs, Prometheus metrics, and a health probe. With no
database URL configured it runs entirely in memory, which suits local
development but loses all policies on restart.

Examples:
  # Start with config file settings
  toolgate serve

  # Start with a specific config file
  toolgate --config /path/to/toolgate.yaml serve`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, in-memory stores)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}

	// Signal context for graceful shutdown. stop() restores default
	// signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("development mode enabled; do not use in production")
	}

	if cfg.Tracing {
		shutdown, err := setupTracing()
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer shutdown()
	}

	// ===== Stores: PostgreSQL when configured, in-memory otherwise =====
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// ===== Shared cache backend =====
	cacheTTL := config.Duration(cfg.Cache.TTL, 5*time.Minute)
	backend, closeCache, err := openCache(ctx, cfg, cacheTTL)
	if err != nil {
		return err
	}
	defer closeCache()

	policySets := cache.NewPolicySets(backend, cacheTTL, logger)
	decisions := cache.NewDecisions(backend, cacheTTL, logger)

	regexes, err := ristretto.NewRegexCache(cfg.Cache.RegexCacheSize)
	if err != nil {
		return fmt.Errorf("failed to create regex cache: %w", err)
	}
	defer regexes.Close()

	// ===== Context providers =====
	enrichTimeout := config.Duration(cfg.Enrichment.Timeout, 2*time.Second)
	providers := provider.NewRegistry(enrichTimeout, cfg.Enrichment.MaxInFlight, logger)
	for _, pc := range cfg.Providers {
		providers.Register(pc.ToolSlug, providerhttp.NewHTTPProvider(pc.BaseURL, enrichTimeout))
	}
	logger.Info("context providers registered", "count", len(cfg.Providers))

	// ===== Audit pipeline =====
	sink, closeSink, err := createAuditSink(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit sink: %w", err)
	}
	defer closeSink()

	emitterOpts := []service.EmitterOption{
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithFlushInterval(config.Duration(cfg.Audit.FlushInterval, time.Second)),
	}
	if cfg.Audit.MaxRetries > 0 {
		emitterOpts = append(emitterOpts, service.WithRetry(cfg.Audit.MaxRetries, 50*time.Millisecond))
	}
	emitter := service.NewAuditEmitter(sink, logger, emitterOpts...)
	emitter.Start(ctx)
	defer emitter.Stop()

	// ===== Compliance assessor =====
	checker, err := celcheck.NewChecker()
	if err != nil {
		return fmt.Errorf("failed to create expression checker: %w", err)
	}

	assessor := service.NewComplianceService(
		st.rules, st.assessments, st.history, checker, emitter.AckRate, logger,
		service.WithAssessmentWindow(config.Duration(cfg.Compliance.Window, 24*time.Hour)),
		service.WithAssessmentInterval(config.Duration(cfg.Compliance.Interval, time.Hour)),
		service.WithContinuousGap(config.Duration(cfg.Compliance.ContinuousGap, time.Minute)),
	)
	assessor.Start(ctx)
	defer assessor.Stop()

	// ===== Enforcement engine and admin services =====
	engine := service.NewEnforcementService(
		st.policies, policySets, decisions, providers, emitter, st.history, regexes, logger,
		service.WithDecisionHook(func(toolSlug string) {
			assessor.OnDecision(ctx, toolSlug)
		}),
	)

	policyAdmin := service.NewPolicyAdminService(st.policies, policySets, decisions, emitter, logger)
	complianceAdmin := service.NewComplianceAdminService(st.rules, checker, emitter, logger)

	if err := seedStores(ctx, cfg, policyAdmin, complianceAdmin, logger); err != nil {
		return err
	}

	// ===== HTTP server =====
	handlers := &httpapi.Handlers{
		Enforcer:   engine,
		Policies:   policyAdmin,
		Compliance: complianceAdmin,
		Assessor:   assessor,
		Logger:     logger,
	}
	server := httpapi.NewServer(handlers,
		httpapi.WithAddr(cfg.Server.HTTPAddr),
		httpapi.WithLogger(logger),
		httpapi.WithHealthChecker(httpapi.NewHealthChecker(backend, emitter, Version)),
	)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("toolgate stopped")
	return nil
}

// newLogger builds the process logger from config. DevMode always
// forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// setupTracing installs a stdout trace exporter and returns a shutdown
// function. Traces go to stdout because the enforcement API is called
// by in-cluster adapters; a collector endpoint can front it later.
func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New()
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}

// stores bundles the persistence ports behind one selection: a shared
// PostgreSQL database, or per-process memory for development.
type stores struct {
	policies    policy.Store
	rules       compliance.RuleStore
	assessments compliance.AssessmentStore
	history     compliance.HistoryStore
	close       func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, using in-memory stores")
		complianceStore := memory.NewComplianceStore()
		return &stores{
			policies:    memory.NewPolicyStore(),
			rules:       complianceStore,
			assessments: complianceStore,
			history:     memory.NewDecisionStore(),
			close:       func() {},
		}, nil
	}

	if cfg.Database.Migrate {
		if err := postgres.RunMigrations(ctx, cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      cfg.Database.URL,
		MaxConns: int32(cfg.Database.MaxConns),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("connected to database")

	complianceStore := postgres.NewComplianceStore(pool)
	return &stores{
		policies:    postgres.NewPolicyStore(pool),
		rules:       complianceStore,
		assessments: complianceStore,
		history:     postgres.NewDecisionStore(pool),
		close:       pool.Close,
	}, nil
}

func openCache(ctx context.Context, cfg *config.Config, ttl time.Duration) (cache.Cache, func(), error) {
	if cfg.Cache.Backend == "nats" {
		c, err := natskv.Connect(ctx, cfg.Cache.NATSURL, cfg.Cache.Bucket, ttl)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect cache: %w", err)
		}
		return c, c.Close, nil
	}
	return memory.NewCache(), func() {}, nil
}

func createAuditSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Sink, func(), error) {
	output := cfg.Audit.Output
	switch {
	case strings.HasPrefix(output, "file://"):
		sink, err := auditsink.NewFileSink(auditsink.FileSinkConfig{
			Dir:           strings.TrimPrefix(output, "file://"),
			RetentionDays: cfg.Audit.RetentionDays,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	case strings.HasPrefix(output, "nats://"):
		sink, err := auditsink.ConnectNATSSink(ctx, cfg.Audit.NATSURL, strings.TrimPrefix(output, "nats://"))
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	default:
		return auditsink.NewStdoutSink(), func() {}, nil
	}
}

func seedStores(
	ctx context.Context,
	cfg *config.Config,
	policyAdmin *service.PolicyAdminService,
	complianceAdmin *service.ComplianceAdminService,
	logger *slog.Logger,
) error {
	if cfg.PolicySeedFile != "" {
		policies, err := config.LoadPolicySeed(cfg.PolicySeedFile)
		if err != nil {
			return fmt.Errorf("failed to load policy seed: %w", err)
		}
		if err := policyAdmin.Seed(ctx, policies); err != nil {
			return fmt.Errorf("failed to seed policies: %w", err)
		}
		logger.Info("seeded policies", "file", cfg.PolicySeedFile, "count", len(policies))
	}

	if cfg.ComplianceSeedFile != "" {
		rules, err := config.LoadComplianceSeed(cfg.ComplianceSeedFile)
		if err != nil {
			return fmt.Errorf("failed to load compliance seed: %w", err)
		}
		if err := complianceAdmin.Seed(ctx, rules); err != nil {
			return fmt.Errorf("failed to seed compliance rules: %w", err)
		}
		logger.Info("seeded compliance rules", "file", cfg.ComplianceSeedFile, "count", len(rules))
	}
	return nil
}
