package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/flairscan/flairscan/internal/api"
	censusapp "github.com/flairscan/flairscan/internal/census"
	"github.com/flairscan/flairscan/internal/census/membersrc"
	"github.com/flairscan/flairscan/internal/config"
	"github.com/flairscan/flairscan/internal/config/fileloader"
	domain "github.com/flairscan/flairscan/internal/domain/census"
	"github.com/flairscan/flairscan/internal/infra/storage/scanstate"
	"github.com/flairscan/flairscan/internal/infra/storage/scanstate/memory"
	postgresStore "github.com/flairscan/flairscan/internal/infra/storage/scanstate/postgres"
	redisStore "github.com/flairscan/flairscan/internal/infra/storage/scanstate/redis"
	"github.com/flairscan/flairscan/pkg/common/logger"
	"github.com/flairscan/flairscan/pkg/common/otel"
	"github.com/flairscan/flairscan/pkg/metrics"
)

var build = "develop"

const serviceType = "census-scanner"

func main() {
	// Set the correct number of threads for the service.
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("CENSUS-SCANNER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"build":    build,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, log, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// -------------------------------------------------------------------------
	// Configuration

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.CommunityID == "" {
		return fmt.Errorf("config: community_id is required")
	}
	if cfg.Listing.BaseURL == "" {
		return fmt.Errorf("config: listing.base_url is required")
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support

	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
			"/metrics":      {},
		},
		Probability: 0.05,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(serviceType)

	// -------------------------------------------------------------------------
	// Checkpoint Store

	log.Info(ctx, "startup", "status", "initializing checkpoint store",
		"backend", cfg.Storage.Backend)

	var kv domain.KVStore
	switch cfg.Storage.Backend {
	case config.StorageBackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("creating db pool: %w", err)
		}
		defer pool.Close()
		kv = postgresStore.New(pool, cfg.CommunityID, tracer)

	case config.StorageBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		kv = redisStore.New(client, cfg.CommunityID, tracer)

	case config.StorageBackendMemory, "":
		kv = memory.New()

	default:
		return fmt.Errorf("config: unknown storage backend %q", cfg.Storage.Backend)
	}

	repo := scanstate.NewRepository(kv)

	// -------------------------------------------------------------------------
	// Census Engine

	sourceOpts := []membersrc.HTTPOption{}
	if cfg.Listing.PageSize > 0 {
		sourceOpts = append(sourceOpts, membersrc.WithPageSize(cfg.Listing.PageSize))
	}
	if cfg.Listing.RateLimit > 0 {
		burst := cfg.Listing.Burst
		if burst <= 0 {
			burst = 1
		}
		sourceOpts = append(sourceOpts, membersrc.WithRateLimit(cfg.Listing.RateLimit, burst))
	}
	source := membersrc.NewHTTPSource(cfg.Listing.BaseURL, cfg.CommunityID, log, tracer, sourceOpts...)

	m := metrics.New("census")

	runnerOpts := []censusapp.RunnerOption{}
	if cfg.Scan.Timeout > 0 {
		runnerOpts = append(runnerOpts, censusapp.WithScanTimeout(cfg.Scan.Timeout))
	}
	if cfg.Scan.BudgetFraction > 0 {
		runnerOpts = append(runnerOpts, censusapp.WithBudgetFraction(cfg.Scan.BudgetFraction))
	}
	if cfg.Scan.PageInterval > 0 {
		runnerOpts = append(runnerOpts, censusapp.WithPageInterval(cfg.Scan.PageInterval))
	}
	runner := censusapp.NewChunkRunner(source, repo, log, m, tracer, runnerOpts...)

	svcOpts := []censusapp.ServiceOption{}
	if cfg.Scan.QuickScanDeadline > 0 {
		svcOpts = append(svcOpts, censusapp.WithQuickScanDeadline(cfg.Scan.QuickScanDeadline))
	}
	svc := censusapp.NewService(cfg.CommunityID, build, repo, runner, log, m, tracer, svcOpts...)

	// -------------------------------------------------------------------------
	// Metrics Endpoint

	metricsAddr := cfg.Server.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	go func() {
		log.Info(ctx, "startup", "status", "metrics endpoint started", "addr", metricsAddr)
		if err := metrics.StartServer(metricsAddr); err != nil {
			log.Error(ctx, "metrics server error", "error", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Operator API

	apiAddr := cfg.Server.APIAddr
	if apiAddr == "" {
		apiAddr = ":8080"
	}
	server := api.NewServer(apiAddr, svc, log, tracer)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		cancel()
	}()

	if err := server.Start(runCtx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info(ctx, "shutdown", "status", "shutdown complete")
	return nil
}
