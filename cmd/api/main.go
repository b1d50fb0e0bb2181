package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/betterhub/hubsync/internal/api"
	"github.com/betterhub/hubsync/internal/config"
	"github.com/betterhub/hubsync/internal/ratelimit"
	"github.com/betterhub/hubsync/internal/store"
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
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg.SQLitePath, store.Options{
		MaxAttempts:    cfg.MaxAttempts,
		LeaseTimeout:   cfg.LeaseTimeout,
		BackoffFloor:   cfg.BackoffFloor,
		BackoffCeiling: cfg.BackoffCeiling,
		ErrorMaxLen:    cfg.ErrorMaxLen,
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

	server := api.New(cfg, st, budget, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
