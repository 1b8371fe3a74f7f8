// Command server runs the control plane's HTTP+WebSocket API, wiring
// every component package together and starting its background
// workers (session reaper, scheduled execution engine).
package main

import (
	"context"
	"crypto/sha256"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pilothq/controlplane/internal/activity"
	"github.com/pilothq/controlplane/internal/agentauth"
	"github.com/pilothq/controlplane/internal/bridge"
	"github.com/pilothq/controlplane/internal/cache"
	"github.com/pilothq/controlplane/internal/config"
	"github.com/pilothq/controlplane/internal/credentials"
	"github.com/pilothq/controlplane/internal/db"
	"github.com/pilothq/controlplane/internal/httpapi"
	"github.com/pilothq/controlplane/internal/identity"
	"github.com/pilothq/controlplane/internal/logger"
	"github.com/pilothq/controlplane/internal/middleware"
	"github.com/pilothq/controlplane/internal/models"
	"github.com/pilothq/controlplane/internal/runcontroller"
	"github.com/pilothq/controlplane/internal/scheduler"
	"github.com/pilothq/controlplane/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()
	log.Info().Msg("starting control plane")

	database, err := db.NewDatabase(db.Config{
		Host: cfg.DBHost, Port: cfg.DBPort, User: cfg.DBUser,
		Password: cfg.DBPassword, DBName: cfg.DBName, SSLMode: cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	cancelMigrate()

	redisCache, err := cache.NewCache(cache.Config{
		Host: cfg.RedisHost, Port: cfg.RedisPort, Password: cfg.RedisPassword,
		DB: cfg.RedisDB, Enabled: cfg.RedisEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis cache")
	}
	defer redisCache.Close()

	gateCtx, cancelGate := context.WithTimeout(context.Background(), 15*time.Second)
	gate, err := identity.New(gateCtx, cfg.AuthIssuerURL, cfg.AuthAudience)
	cancelGate()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize identity gate")
	}

	encryptionKey := sha256.Sum256([]byte(cfg.CredentialsEncryptionKey))
	credStore, err := credentials.New(database, encryptionKey[:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential store")
	}

	allocator, err := session.NewK8sAllocator(getEnv("K8S_NAMESPACE", "default"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize runtime allocator")
	}
	injector := session.NewHTTPInjector(nil)
	sessions := db.NewSessionsDB(database)
	sessionManager := session.NewManager(sessions, credStore, allocator, injector, redisCache,
		cfg.SessionIdleTTL, cfg.SessionWarmupTimeout)

	activityBus := activity.New(database, cfg.NATSURL)
	defer activityBus.Close()
	bridgeHub := bridge.NewHub(func(userID string, frame bridge.Frame) {
		ev := &models.ActivityEvent{UserID: userID, Action: models.ActivityAction("extension_alert"), Status: models.ActivitySuccess, Target: frame.Type}
		if err := activityBus.Publish(context.Background(), ev); err != nil {
			logger.Bridge().Warn().Err(err).Str("user_id", userID).Msg("failed to publish extension alert")
		}
	})

	runtimeClient := runcontroller.NewHTTPRuntime(getEnv("WORKFLOW_RUNTIME_URL", "http://localhost:9090"), &http.Client{Timeout: 30 * time.Second})
	runSink := runcontroller.NewWebSocketSink()
	dispatchMinter := agentauth.NewMinter(encryptionKey[:])
	runController := runcontroller.New(runtimeClient, activityBus, runSink, dispatchMinter)

	var missedPolicy scheduler.MissedPolicy
	if cfg.SchedulerMissedPolicy == "fire-once" {
		missedPolicy = scheduler.FireOnce
	} else {
		missedPolicy = scheduler.SkipMissed
	}

	publishPost := func(ctx context.Context, post *models.ScheduledPost) error {
		_, err := runController.Start(ctx, post.UserID, "publish_post", map[string]interface{}{
			"content": post.Content,
		})
		return err
	}
	runJob := func(ctx context.Context, job *models.CronJob, run *models.CronJobRun) error {
		token, err := dispatchMinter.Mint(job.JobID)
		if err != nil {
			return err
		}
		record, err := runController.StartScheduled(ctx, job.UserID, job.WorkflowName, map[string]interface{}{
			"user_id":     job.UserID,
			"cron_job_id": job.JobID,
		}, token)
		if err != nil {
			return err
		}
		run.ThreadID = record.ThreadID
		return nil
	}
	schedulerEngine := scheduler.New(database, missedPolicy, publishPost, runJob)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go sessionManager.StartReaper(ctx, 1*time.Minute)
	if err := schedulerEngine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduled execution engine")
	}
	defer schedulerEngine.Stop()

	rateLimiter := middleware.NewRateLimiter(10, 20)
	server := &httpapi.Server{
		Gate:                    gate,
		Credentials:             credStore,
		Sessions:                sessionManager,
		Bridge:                  bridgeHub,
		Runs:                    runController,
		RunSink:                 runSink,
		Scheduler:               schedulerEngine,
		Activity:                activityBus,
		ExtensionDefaultTimeout: cfg.ExtensionDefaultTimeout,
	}
	router := server.NewRouter(rateLimiter)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}
	stop()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
