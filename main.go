package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/lesion-triage/internal/auth"
	"github.com/example/lesion-triage/internal/config"
	"github.com/example/lesion-triage/internal/ensemble"
	"github.com/example/lesion-triage/internal/fusion"
	"github.com/example/lesion-triage/internal/grpcclient"
	"github.com/example/lesion-triage/internal/handlers"
	"github.com/example/lesion-triage/internal/logging"
	"github.com/example/lesion-triage/internal/repository"
	"github.com/example/lesion-triage/internal/uncertainty"
	"github.com/example/lesion-triage/internal/usecase"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if len(os.Args) > 1 && os.Args[1] == "train" {
		if err := runTrain(context.Background(), os.Args[2:], logger); err != nil {
			logger.Error("training failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Storage.DatabaseDSN, logger)
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Storage.RedisAddr, logger)

	client, conn, err := grpcclient.DialClassifier(ctx, cfg.Classifier.Addr, logger)
	if err != nil {
		logger.Fatal("failed to connect to classifier", zap.Error(err))
	}
	defer conn.Close()

	aggregator := ensemble.NewAggregator(logger)
	if err := aggregator.LoadFile(cfg.Model.Path); err != nil {
		// Serve anyway: analyses answer 503 until a clinician reloads a good artifact.
		logger.Warn("starting without an aggregator model", zap.String("path", cfg.Model.Path), zap.Error(err))
	}

	estimator, err := newEstimator(cfg.Estimator, aggregator, logger)
	if err != nil {
		logger.Fatal("invalid estimator configuration", zap.Error(err))
	}

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewAnalysisUseCase(repo, cache, client, estimator, cfg.Estimator.Draws, logger)
	models := usecase.NewModelUseCase(aggregator, cfg.Model.Path, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.HTTP.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Disposition", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	handlers.RegisterRoutes(r, uc, authMiddleware,
		handlers.WithModelService(models),
		handlers.WithRateLimiter(handlers.NewCallerLimiter(cfg.HTTP.AnalyzeRatePerMin)),
		handlers.WithLogger(logger),
	)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: r,
	}

	logger.Info("lesion triage API listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("model_loaded", aggregator.IsTrained()))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newEstimator(cfg config.EstimatorConfig, aggregator *ensemble.Aggregator, logger *zap.Logger) (*uncertainty.Estimator, error) {
	sampler, err := uncertainty.ParseSampler(cfg.Sampler, cfg.JitterSigma, cfg.KeepFraction, fusion.MetadataWidth)
	if err != nil {
		return nil, err
	}
	return uncertainty.NewEstimator(uncertainty.AggregatorSource{Aggregator: aggregator}, uncertainty.Options{
		Workers: cfg.Workers,
		Sampler: sampler,
		Rand:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, logger), nil
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
