package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/example/kyc-flow/internal/auth"
	"github.com/example/kyc-flow/internal/config"
	"github.com/example/kyc-flow/internal/handlers"
	"github.com/example/kyc-flow/internal/imagepipeline"
	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/logging"
	"github.com/example/kyc-flow/internal/repository"
	"github.com/example/kyc-flow/internal/sessionstore"
	"github.com/example/kyc-flow/internal/uploader"
	"github.com/example/kyc-flow/internal/verification"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config/config.yaml"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store := initStore(ctx, cfg, logger)
	repo := initRepository(ctx, cfg, logger)

	up := uploader.New(logger)
	pipeline := imagepipeline.New(
		cfg.Pipeline.CropMargin,
		imagepipeline.ParseBBoxFormat(cfg.Pipeline.BBoxFormat),
		logger,
	)
	poll := kycapi.PollOptions{
		Attempts: cfg.Polling.Attempts,
		Interval: cfg.Polling.Interval,
	}

	factory := func(userID string, mcfg verification.Config) *verification.Machine {
		api := kycapi.NewClient(cfg.Backend.APIBaseURL, cfg.Backend.DetectionURL, mcfg.AuthToken, logger)
		mcfg.OnComplete = auditCallback(repo, userID, logger)
		return verification.NewMachine(mcfg, verification.Deps{
			API: api,
			Dial: func(ctx context.Context, token string) (verification.DetectionConn, error) {
				return api.OpenDetectionSocket(ctx, token)
			},
			Uploader: up,
			Pipeline: pipeline,
			Sink:     snapshotSink(store),
			Logger:   logger,
		}, poll)
	}

	h := handlers.New(factory, store, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, h, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("kyc-flow API listening", zap.String("addr", cfg.Server.Addr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initStore picks the snapshot store: Redis when configured, in-process
// otherwise.
func initStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) sessionstore.Store {
	if cfg.Redis.Addr == "" {
		logger.Info("no redis configured, using in-memory snapshot store")
		return sessionstore.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	return sessionstore.NewRedisStore(client, cfg.Redis.Namespace)
}

// initRepository connects the audit database. Optional: without a DSN no
// audit records are written.
func initRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) *repository.FlowRepository {
	if cfg.Database.DSN == "" {
		logger.Info("no database configured, audit records disabled")
		return nil
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	repo := repository.NewFlowRepository(db)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

// snapshotSink adapts the session store to the machine's sink interface,
// keeping nil stores nil.
func snapshotSink(store sessionstore.Store) verification.SnapshotSink {
	if store == nil {
		return nil
	}
	return store
}

// auditCallback persists the terminal outcome of a flow.
func auditCallback(repo *repository.FlowRepository, userID string, logger *zap.Logger) verification.CompletionFunc {
	return func(success bool, data map[string]any) {
		status, _ := data["status"].(string)
		logger.Info("verification flow finished",
			zap.Bool("success", success), zap.String("status", status))
		if repo == nil {
			return
		}
		flowID, _ := data["flow_id"].(string)
		errorCode, _ := data["error_code"].(string)
		details, _ := data["error"].(string)
		record := &repository.FlowRecord{
			FlowID:    flowID,
			UserID:    userID,
			Status:    status,
			Success:   success,
			ErrorCode: errorCode,
			Details:   details,
			CreatedAt: time.Now().UTC(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.SaveResult(ctx, record); err != nil {
			logger.Error("failed to persist flow record",
				zap.String("flow_id", flowID), zap.Error(err))
		}
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
