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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/akmatori/autopilot/internal/alerts/adapters"
	"github.com/akmatori/autopilot/internal/config"
	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/decision"
	"github.com/akmatori/autopilot/internal/events"
	"github.com/akmatori/autopilot/internal/handlers"
	"github.com/akmatori/autopilot/internal/jobs"
	"github.com/akmatori/autopilot/internal/learning"
	"github.com/akmatori/autopilot/internal/metrics"
	"github.com/akmatori/autopilot/internal/middleware"
	"github.com/akmatori/autopilot/internal/normalizer"
	"github.com/akmatori/autopilot/internal/observability"
	"github.com/akmatori/autopilot/internal/pipeline"
	"github.com/akmatori/autopilot/internal/ratelimit"
	"github.com/akmatori/autopilot/internal/scoring"
	"github.com/akmatori/autopilot/internal/services"
	slackutil "github.com/akmatori/autopilot/internal/slack"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingress, decision engine and pipeline orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, a.policy)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, policy *config.Policy) error {
	log := observability.GetLogger()
	defer observability.Sync()

	if cfg.AdminPassword == "" {
		return errors.New("ADMIN_PASSWORD is not set")
	}
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	db, err := database.Open(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()
	if err := database.AutoMigrate(db); err != nil {
		return err
	}

	// Event fan-out
	live := handlers.NewLiveHub(originChecker(cfg.AllowedOrigins), log)
	sinks := []events.Sink{events.NewLogSink(log), live}
	var kafka *events.KafkaSink
	if cfg.KafkaEnabled() {
		kafka = events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, kafka)
		log.Info("Kafka event stream enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	if cfg.SlackEnabled() {
		sinks = append(sinks, slackutil.NewNotifier(cfg.SlackBotToken, cfg.SlackEscalationChannel, log))
		log.Info("Slack escalations enabled", zap.String("channel", cfg.SlackEscalationChannel))
	}
	publisher := events.NewPublisher(log, 0, sinks...)
	publisher.Start()

	// Decision core
	norm := normalizer.New(db, policy.Normalizer.DedupWindow, log)
	for _, adapter := range adapters.All() {
		norm.RegisterAdapter(adapter)
	}
	log.Info("Source adapters registered", zap.Strings("sources", norm.Sources()))

	window, err := decision.NewChangeWindow(policy.ChangeWindow)
	if err != nil {
		return err
	}
	budget := ratelimit.NewWindow(policy.RateLimit.MaxAutoResolves, policy.RateLimit.Window)
	engine := decision.NewEngine(policy.Decision, budget, window)
	loop := learning.New(db, policy.Learning, log)

	collaborators := services.NewCollaboratorClient(services.CollaboratorEndpoints{
		AnalyzerURL:           cfg.AnalyzerURL,
		GeneratorURL:          cfg.FixGeneratorURL,
		ReviewerURL:           cfg.ReviewerURL,
		DeployerURL:           cfg.DeployerURL,
		Token:                 cfg.CollaboratorToken,
		ProductionEnvironment: policy.Pipeline.ProductionEnvironment,
	})

	coordinator := services.NewCoordinator(db, services.CoordinatorOptions{
		Normalizer:      norm,
		Analyzer:        collaborators,
		Scorer:          scoring.NewScorer(policy.Scoring, policy.Services),
		Engine:          engine,
		ChangeWindow:    window,
		Learning:        loop,
		Publisher:       publisher,
		AnalysisTimeout: time.Duration(cfg.AnalysisTimeoutSec) * time.Second,
		Logger:          log,
	})
	orchestrator := pipeline.NewOrchestrator(db, pipeline.Collaborators{
		Generator: collaborators,
		Reviewer:  collaborators,
		Deployer:  collaborators,
	}, pipeline.Options{
		Workers:  cfg.PipelineWorkers,
		Policy:   policy.Pipeline,
		Listener: coordinator,
		Logger:   log,
	})
	coordinator.SetOrchestrator(orchestrator)

	if err := coordinator.Boot(ctx); err != nil {
		return err
	}

	outcomes := services.NewOutcomeService(db, coordinator, loop, log)
	query := services.NewQueryService(db, budget, orchestrator)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(registry); err != nil {
		return err
	}

	// Background jobs
	jobsCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	go jobs.NewMaintenanceScheduler(coordinator, policy.Jobs.MaintenanceBatch, log).Start(jobsCtx, policy.Jobs.MaintenanceInterval)
	go jobs.NewArchiver(db, policy.Jobs.ArchiveRetention, log).Start(jobsCtx, policy.Jobs.ArchiveInterval)

	// HTTP surface
	jwtAuth := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths:         handlers.PublicPaths,
	}, log)
	var outcomeSecrets []string
	if cfg.OutcomeWebhookSecret != "" {
		outcomeSecrets = append(outcomeSecrets, cfg.OutcomeWebhookSecret)
	} else {
		log.Warn("OUTCOME_WEBHOOK_SECRET is not set; outcome callbacks are unauthenticated")
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Health:   handlers.NewHTTPHandler(registry, pingDB(db)),
		Auth:     handlers.NewAuthHandler(jwtAuth, log),
		API:      handlers.NewAPIHandler(query, log),
		Webhooks: handlers.NewWebhookHandler(coordinator, norm, outcomes, cfg.SecretFor, log),
		Live:     live,
		JWTAuth:  jwtAuth,
		CORS:     middleware.NewCORSMiddleware(cfg.AllowedOrigins...),
		Limiter: middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
			GlobalRPS:   cfg.WebhookRPS * 4,
			PerKeyRPS:   cfg.WebhookRPS,
			PerKeyBurst: cfg.WebhookBurst,
			Key:         func(r *http.Request) string { return r.PathValue("source") },
		}, log),
		OutcomeAuth: middleware.NewSecretAuthMiddleware(middleware.SecretAuthConfig{Secrets: outcomeSecrets}, log),
		Logger:      log,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, cleaning up...")
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server error", zap.Error(err))
		}
	}

	stopJobs()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("Error shutting down HTTP server", zap.Error(err))
	}
	live.Close()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Warn("Pipeline runners did not stop in time", zap.Error(err))
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Warn("Analyses did not stop in time", zap.Error(err))
	}
	if err := publisher.Close(shutdownCtx); err != nil {
		log.Warn("Event queue not drained", zap.Int64("dropped", publisher.Dropped()), zap.Error(err))
	}
	if kafka != nil {
		if err := kafka.Close(); err != nil {
			log.Warn("Error closing Kafka writer", zap.Error(err))
		}
	}

	log.Info("Shutdown complete")
	return nil
}

// originChecker allows websocket upgrades from the configured dashboard
// origins, or from anywhere when none are configured.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin] || set["*"]
	}
}

func pingDB(db *gorm.DB) func() error {
	return func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return sqlDB.PingContext(ctx)
	}
}
