package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/database"
	"github.com/ekaya-inc/ekaya-import/pkg/events"
	"github.com/ekaya-inc/ekaya-import/pkg/handlers"
	"github.com/ekaya-inc/ekaya-import/pkg/llm"
	"github.com/ekaya-inc/ekaya-import/pkg/logging"
	"github.com/ekaya-inc/ekaya-import/pkg/mcp"
	"github.com/ekaya-inc/ekaya-import/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-import/pkg/middleware"
	"github.com/ekaya-inc/ekaya-import/pkg/repositories"
	"github.com/ekaya-inc/ekaya-import/pkg/services"
	"github.com/ekaya-inc/ekaya-import/pkg/services/approval"
	"github.com/ekaya-inc/ekaya-import/pkg/services/commit"
	"github.com/ekaya-inc/ekaya-import/pkg/services/extraction"
	"github.com/ekaya-inc/ekaya-import/pkg/services/mapping"
	"github.com/ekaya-inc/ekaya-import/pkg/services/recovery"
	"github.com/ekaya-inc/ekaya-import/pkg/services/validation"
	"github.com/ekaya-inc/ekaya-import/pkg/workerpool"

	// Catalog sinks register themselves with the sink registry.
	_ "github.com/ekaya-inc/ekaya-import/pkg/adapters/sink/mongo"
	_ "github.com/ekaya-inc/ekaya-import/pkg/adapters/sink/mssql"
	_ "github.com/ekaya-inc/ekaya-import/pkg/adapters/sink/postgres"
	_ "github.com/ekaya-inc/ekaya-import/pkg/adapters/sink/sqlite"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the import API server",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.Env)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("sink", cfg.Sink.Type),
		zap.Bool("redis", cfg.Redis.Host != ""),
		zap.Bool("classifier", cfg.Classifier.Enabled),
		zap.Bool("mcp", cfg.MCP.Enabled))

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	sqlDB := db.SQL()
	err = database.RunMigrations(sqlDB, cfg.MigrationsPath, logger)
	_ = sqlDB.Close()
	if err != nil {
		return err
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	var publishers []events.Publisher
	if redisClient != nil {
		defer redisClient.Close()
		publishers = append(publishers, events.NewRedisPublisher(redisClient, cfg.Redis.ChannelPrefix))
	}
	broker := events.NewBroker(cfg.Import.EventBuffer, logger, publishers...)

	target, err := sink.Open(ctx, cfg.Sink.Type, sink.Options{
		DSN:         cfg.Sink.DSN,
		Database:    cfg.Sink.Database,
		TablePrefix: cfg.Sink.Table,
		Pool:        db.Pool,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s sink: %w", cfg.Sink.Type, err)
	}
	defer target.Close()

	scope := database.ScopeFunc(database.NewScopeProvider(db).WithScope)

	external, err := newExternalStrategy(cfg, logger)
	if err != nil {
		return err
	}
	cache := mapping.NewCache(repositories.NewMappingCacheRepository(), scope, cfg.Mapping.CacheLearningRate, logger)
	engine := mapping.NewEngine(cache, external, cfg.Mapping, logger)
	validator := validation.NewValidator()
	recoverySvc := recovery.NewService(repositories.NewFixEffectivenessRepository(), scope, validator, cfg.Recovery, logger)

	table, err := approval.LoadRoutingTable(cfg.Approval.RoutingTablePath)
	if err != nil {
		return err
	}
	router := approval.NewRouter(repositories.NewApprovalRepository(), scope, table, cfg.Approval, logger)

	batchRepo := repositories.NewImportBatchRepository()
	commitPool := workerpool.New(workerpool.Config{MaxConcurrent: cfg.Import.CommitWorkers}, logger)
	committer := commit.NewCommitter(batchRepo, scope, target, commitPool, cfg.Import, logger)

	workflow := services.NewImportWorkflowService(
		repositories.NewImportSessionRepository(),
		batchRepo,
		scope,
		extraction.New(cfg.Import.SampleRows, logger),
		engine,
		cache,
		validator,
		recoverySvc,
		router,
		committer,
		broker,
		cfg,
		logger,
	)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	workflow.RunApprovalSweeper(sweepCtx, time.Duration(cfg.Approval.SweepIntervalSeconds)*time.Second)

	checks := map[string]handlers.PingFunc{
		"database": db.Ping,
		"sink":     target.Ping,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, checks, logger).RegisterRoutes(mux)
	handlers.NewImportHandler(workflow, cfg, logger).RegisterRoutes(mux)
	handlers.NewApprovalHandler(router, workflow, logger).RegisterRoutes(mux)
	handlers.NewSchemaHandler(logger).RegisterRoutes(mux)

	if cfg.MCP.Enabled {
		mcpServer := mcp.NewServer("ekaya-import", cfg.Version, mcp.NewAuditLogger(logger), logger)
		tools.RegisterImportTools(mcpServer.MCP(), &tools.ImportToolDeps{
			Workflow: workflow,
			Router:   router,
			Logger:   logger,
		})
		toolChecks := make(map[string]tools.HealthCheck, len(checks))
		for name, check := range checks {
			toolChecks[name] = tools.HealthCheck(check)
		}
		tools.RegisterHealthTool(mcpServer.MCP(), cfg.Version, toolChecks)
		handlers.NewMCPHandler(mcpServer, logger).RegisterRoutes(mux)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
	})

	// No WriteTimeout: the events endpoint holds its response open.
	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           corsHandler.Handler(middleware.RequestLogger(logger)(mux)),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-import", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", zap.Error(err))
	}
	stopSweeper()
	if err := workflow.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Import workflow did not drain before shutdown", zap.Error(err))
	}
	cache.Wait()

	logger.Info("Server exited")
	return nil
}

// newExternalStrategy returns nil when the classifier is disabled.
func newExternalStrategy(cfg *config.Config, logger *zap.Logger) (mapping.Strategy, error) {
	if !cfg.Classifier.Enabled {
		return nil, nil
	}
	client, err := llm.NewClient(&cfg.Classifier, logger)
	if err != nil {
		return nil, err
	}
	breaker := llm.NewCircuitBreaker(llm.CircuitBreakerConfig{
		Threshold:  cfg.Classifier.CircuitThreshold,
		ResetAfter: time.Duration(cfg.Classifier.CircuitResetSeconds) * time.Second,
	})
	pool := workerpool.New(workerpool.Config{MaxConcurrent: cfg.Classifier.MaxConcurrent}, logger)
	return mapping.NewExternalStrategy(client, breaker, pool, cfg.Classifier.Timeout(), logger), nil
}
