package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-streams/pkg/config"
	"github.com/ekaya-inc/ekaya-streams/pkg/database"
	"github.com/ekaya-inc/ekaya-streams/pkg/ddl"
	"github.com/ekaya-inc/ekaya-streams/pkg/handlers"
	"github.com/ekaya-inc/ekaya-streams/pkg/kafka"
	"github.com/ekaya-inc/ekaya-streams/pkg/ksql"
	"github.com/ekaya-inc/ekaya-streams/pkg/ksqltext"
	"github.com/ekaya-inc/ekaya-streams/pkg/logging"
	"github.com/ekaya-inc/ekaya-streams/pkg/observability"
	"github.com/ekaya-inc/ekaya-streams/pkg/planner"
	"github.com/ekaya-inc/ekaya-streams/pkg/reports"
	"github.com/ekaya-inc/ekaya-streams/pkg/repositories"
	"github.com/ekaya-inc/ekaya-streams/pkg/retry"
	"github.com/ekaya-inc/ekaya-streams/pkg/services"
	"github.com/ekaya-inc/ekaya-streams/pkg/services/stages"
	"github.com/ekaya-inc/ekaya-streams/pkg/topology"
	"github.com/ekaya-inc/ekaya-streams/pkg/types"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("ksql_url", logging.SanitizeURL(cfg.Ksql.URL)),
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
		zap.Bool("metadata_db", cfg.Database.Enabled),
		zap.String("topology", cfg.TopologyPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Orchestration failed", zap.String("error", logging.SanitizeError(err)))
		os.Exit(1)
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "test" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	entries, err := topology.Load(cfg.TopologyPath)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewMetrics(registry)
	if err != nil {
		return err
	}

	tracker := services.NewRunStatusTracker()
	if cfg.Metrics.Addr != "" {
		srv := startHTTPServer(cfg, registry, tracker, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	metadata, closeMetadata, err := newMetadataRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeMetadata()

	// ksqlDB access: every statement goes through the retry policy.
	rest := ksql.NewRESTExecutor(ksql.RESTConfig{
		URL:      config.ResolveURLForDocker(cfg.Ksql.URL),
		Username: cfg.Ksql.Username,
		Password: cfg.Ksql.Password,
		Timeout:  cfg.Ksql.RequestTimeout,
	}, logger)
	statementRetry := retry.DefaultConfig()
	statementRetry.MaxRetries = cfg.Pipeline.RetryCount
	exec := ksql.NewRetryingExecutor(rest, statementRetry, metrics, logger)

	waitLog := reports.NewBlockWriter(cfg.Reports.WaitLogPath, logger.Named("wait-log"))
	wait := ksql.NewWaitClient(exec, ksql.WaitConfig{
		ShowQueriesAttempts: cfg.Wait.ShowQueriesAttempts,
		ShowQueriesInterval: cfg.Wait.ShowQueriesInterval,
		PollInterval:        cfg.Wait.PollInterval,
		RequiredConsecutive: cfg.Wait.RequiredConsecutive,
		StabilityWindow:     cfg.Wait.StabilityWindow,
		KeyLikeFields:       cfg.Wait.KeyLikeFields,
	}, waitLog, metrics, logger)

	// Optional Kafka admin and schema registry.
	var topics services.TopicInspector
	if len(cfg.Kafka.Brokers) > 0 {
		admin, err := kafka.NewAdmin(config.ResolveAddrsForDocker(cfg.Kafka.Brokers), logger)
		if err != nil {
			return err
		}
		defer admin.Close()
		topics = admin
	}
	var subjects ddl.SubjectChecker
	if cfg.Kafka.SchemaRegistryURL != "" {
		subjects = kafka.NewSchemaRegistry(config.ResolveURLForDocker(cfg.Kafka.SchemaRegistryURL), cfg.Ksql.RequestTimeout, logger)
	}

	builder := ksqltext.NewBuilder(cfg.Planner.KeyFormat, cfg.Planner.ValueFormat)
	ddlPlanner := ddl.NewDerivedEntityDdlPlanner(ddl.Config{
		DefaultRetentionMs: cfg.Planner.DefaultRetentionMs,
		DefaultPartitions:  cfg.Planner.DefaultPartitions,
		DefaultReplicas:    cfg.Planner.DefaultReplicas,
		Namespace:          cfg.Planner.Namespace,
	}, builder, types.NewFactory(), subjects, logger)

	typeRegistry := types.NewRegistry()
	pipeline := services.NewDerivedTumblingPipeline(
		services.PipelineConfig{
			Namespace:          cfg.Planner.Namespace,
			DefaultRetentionMs: cfg.Planner.DefaultRetentionMs,
		},
		planner.NewDerivationPlanner(),
		ddlPlanner,
		typeRegistry,
		types.NewMappingRegistry(metrics),
		metadata,
		services.NewDDLLog(cfg.Reports.DDLLogPath, logger),
		metrics,
		logger,
	)

	rowsLast := services.NewRowsLastOrchestrator(services.RowsLastConfig{
		SourceTimeout:  cfg.Wait.SourceTimeout,
		RunningTimeout: cfg.Wait.RunningTimeout,
		MinAttempts:    services.DefaultRowsLastConfig().MinAttempts,
	}, exec, wait, builder, logger)

	persistentQueries := services.NewPersistentQueryAdapter(services.PersistentQueryAdapterConfig{
		RunningTimeout:   cfg.Wait.RunningTimeout,
		ReadinessTimeout: cfg.Wait.ReadinessTimeout,
		OutputTimeout:    cfg.Wait.OutputTimeout,
		PollInterval:     cfg.Wait.PollInterval,
		KeyFormat:        cfg.Planner.KeyFormat,
	}, wait, topics, subjects, logger)

	pipelineStages := []stages.Stage{
		stages.NewRowsLastStage(services.NewRowsLastAdapter(rowsLast), logger),
		stages.NewPersistentQueryStage(persistentQueries, logger),
	}
	if cfg.Pipeline.RowMonitorBudget > 0 {
		pipelineStages = append(pipelineStages,
			stages.NewRowMonitorStage(services.NewRowMonitorAdapter(exec, typeRegistry, cfg.Pipeline.RowMonitorBudget), logger))
	}

	orchestrator := services.NewUnifiedPipelineOrchestrator(pipeline, pipelineStages, &retry.Config{
		MaxRetries:   cfg.Pipeline.StageRetries,
		InitialDelay: cfg.Pipeline.StageInitialDelay,
		MaxDelay:     cfg.Pipeline.StageMaxDelay,
		Multiplier:   2.0,
	}, metrics, logger)

	stabilizer := services.NewPersistentQueryStabilizer(services.StabilizerConfig{
		MaxAttempts: cfg.Pipeline.StabilizeAttempts,
		Delay:       cfg.Pipeline.StabilizeDelay,
	}, orchestrator, exec, wait, metrics, logger)

	runIDs := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		runIDs[i] = uuid.New()
		tracker.Pending(e.Base.Name, runIDs[i])
	}

	// Base entities are independent; each one is stabilized on its own.
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		runID := runIDs[i]
		g.Go(func() error {
			tracker.Started(e.Base.Name, runID)
			pc, err := stabilizer.Run(gctx, services.PipelineRequest{
				RunID: runID,
				Spec:  e.Spec,
				Base:  e.Base,
				Query: e.Query,
			})
			tracker.Finished(e.Base.Name, runID, pc, err)
			if err != nil {
				return fmt.Errorf("entity %s: %w", e.Base.Name, err)
			}
			for _, pe := range pc.PersistentExecutions() {
				logger.Debug("Persistent query running",
					zap.String("target", pe.TargetTopic),
					zap.String("query_id", pe.QueryID),
					zap.String("consumer_group", pe.ConsumerGroupID))
			}
			logger.Info("Entity stable",
				zap.String("entity", e.Base.Name),
				zap.String("run_id", runID.String()),
				zap.Int("persistent_queries", len(pc.PersistentExecutions())))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("All entities stable", zap.Int("entities", len(entries)))
	if cfg.Metrics.Addr != "" {
		// Keep serving status and metrics until shutdown.
		<-ctx.Done()
	}
	return nil
}

func newMetadataRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.QueryMetadataRepository, func(), error) {
	if !cfg.Database.Enabled {
		logger.Info("Metadata database disabled, keeping query metadata in memory")
		return repositories.NewMemoryQueryMetadataRepository(), func() {}, nil
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %s", logging.SanitizeURL(cfg.Database.ConnectionString()), logging.SanitizeError(err))
	}
	if err := database.Migrate(db, cfg.Database.MigrationsPath, logger); err != nil {
		db.Close()
		return nil, nil, err
	}
	return repositories.NewQueryMetadataRepository(db), db.Close, nil
}

func startHTTPServer(cfg *config.Config, registry *prometheus.Registry, tracker *services.RunStatusTracker, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observability.Handler(registry))
	handlers.NewHealthHandler(cfg, tracker, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics and status", zap.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return srv
}
