package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/betterhub/hubsync/internal/config"
	"github.com/betterhub/hubsync/internal/githubfetch"
	"github.com/betterhub/hubsync/internal/ratelimit"
	"github.com/betterhub/hubsync/internal/store"
	"github.com/betterhub/hubsync/internal/telemetry"
	workerproc "github.com/betterhub/hubsync/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg.SQLitePath, store.Options{
		MaxAttempts:    cfg.MaxAttempts,
		LeaseTimeout:   cfg.LeaseTimeout,
		BackoffFloor:   cfg.BackoffFloor,
		BackoffCeiling: cfg.BackoffCeiling,
		ErrorMaxLen:    cfg.ErrorMaxLen,
		OnReclaim:      func(n int64) { telemetry.ReclaimCounter.Add(float64(n)) },
	})
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	budget := ratelimit.NewBudget(redisClient, cfg.APIBudgetCapacity, cfg.APIBudgetRefill, cfg.APIBudgetTTL)

	fetcher, err := githubfetch.New(st, budget, logger, cfg.GitHubToken, cfg.GitHubBaseURL)
	if err != nil {
		logger.Fatal("init github fetcher", zap.Error(err))
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = "worker-" + uuid.NewString()
		}
	}

	processor := workerproc.NewProcessor(cfg, st, logger, workerID)
	processor.RegisterHandler(githubfetch.JobTypeRepoSync, fetcher.SyncRepos)
	processor.RegisterHandler(githubfetch.JobTypePullRequestSync, fetcher.SyncPullRequests)
	processor.RegisterHandler(githubfetch.JobTypeIssueSync, fetcher.SyncIssues)
	processor.RegisterHandler(githubfetch.JobTypeNotificationSync, fetcher.SyncNotifications)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker starting",
		zap.String("worker_id", workerID),
		zap.Duration("lease_timeout", cfg.LeaseTimeout),
		zap.Int("max_attempts", cfg.MaxAttempts))
	if err := processor.Run(ctx); err != nil {
		logger.Info("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
