package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/embermail/embermail/internal/api"
	"github.com/embermail/embermail/internal/config"
	"github.com/embermail/embermail/internal/pkg/distlock"
	"github.com/embermail/embermail/internal/pkg/logger"
	"github.com/embermail/embermail/internal/provider"
	"github.com/embermail/embermail/internal/repository/postgres"
	"github.com/embermail/embermail/internal/service/campaign"
	"github.com/embermail/embermail/internal/service/sending"
	"github.com/embermail/embermail/internal/worker"
)

func main() {
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}
	log.Println("[main] Database connection established")

	// Redis is optional: without it, campaign claim locks fall back to PG
	// advisory locks.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("[main] Redis unreachable (%v), using PG advisory locks", err)
			redisClient = nil
		} else {
			log.Println("[main] Redis connection established")
			defer redisClient.Close()
		}
	}

	store := postgres.NewPipelineStore(db)
	recipients := postgres.NewRecipientRepo(db)
	registry := provider.NewRegistry(time.Duration(cfg.Pipeline.ValidationCacheSeconds) * time.Second)
	creds := worker.HostedCredentials{
		SESAccessKey:       cfg.SES.AccessKey,
		SESSecretKey:       cfg.SES.SecretKey,
		SESRegion:          cfg.SES.Region,
		SESDefaultSender:   cfg.SES.DefaultSender,
		SparkPostAPIKey:    cfg.SparkPost.APIKey,
		SparkPostBaseURL:   cfg.SparkPost.BaseURL,
		SparkPostDefSender: cfg.SparkPost.DefaultSender,
		SparkPostTimeout:   time.Duration(cfg.SparkPost.TimeoutSeconds) * time.Second,
	}

	batcher := worker.NewBatcher(store, recipients, registry, creds,
		cfg.Pipeline.BatchSize, cfg.Pipeline.BatchPause())
	guard := worker.NewThroughputGuard(store, registry, creds, cfg.Pipeline.WarmupWindowDays)

	newLock := func(key string, ttl time.Duration) distlock.Lock {
		return distlock.New(redisClient, db, key, ttl)
	}
	monitor := worker.NewMonitor(store, guard, batcher, newLock)
	monitor.SetIntervals(
		time.Duration(cfg.Pipeline.ReadyPollSeconds)*time.Second,
		time.Duration(cfg.Pipeline.ScheduledPollSeconds)*time.Second,
	)

	retry := worker.NewRetryCoordinator(store, recipients, batcher,
		cfg.Pipeline.MaxRetries, cfg.Pipeline.RetryBaseDelay(), cfg.Pipeline.StaleRetrying())
	retry.SetInterval(time.Duration(cfg.Pipeline.RetryPollSeconds) * time.Second)

	recovery := worker.NewStallRecovery(store, recipients, batcher, cfg.Pipeline.StallThreshold())

	monitor.Start()
	retry.Start()
	recovery.Start()
	defer func() {
		monitor.Stop()
		retry.Stop()
		recovery.Stop()
	}()

	handlers := api.NewHandlers(
		campaign.NewService(postgres.NewCampaignRepo(db)),
		sending.NewService(postgres.NewSendingDomainRepo(db), nil),
		map[string]api.WorkerStats{
			"monitor":  monitor,
			"retry":    retry,
			"recovery": recovery,
		},
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      api.SetupRoutes(handlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("[main] Listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("[main] Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Server shutdown error: %v", err)
	}
	log.Println("[main] Server stopped")
}
