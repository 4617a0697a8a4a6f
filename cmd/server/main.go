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

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/pulsecrm/campaign-engine/internal/api"
	"github.com/pulsecrm/campaign-engine/internal/campaign"
	"github.com/pulsecrm/campaign-engine/internal/config"
	"github.com/pulsecrm/campaign-engine/internal/drain"
	"github.com/pulsecrm/campaign-engine/internal/enqueue"
	"github.com/pulsecrm/campaign-engine/internal/render"
	"github.com/pulsecrm/campaign-engine/internal/segment"
	"github.com/pulsecrm/campaign-engine/internal/stats"
	"github.com/pulsecrm/campaign-engine/internal/transport"
	"github.com/pulsecrm/campaign-engine/internal/webhook"
)

func main() {
	log.Println("Starting campaign engine API server...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("Database URL is required (config database.url or DATABASE_URL)")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	store := campaign.NewStore(db)
	resolver := segment.NewPostgresResolver(db)
	renderer := render.NewEngine()
	sender := transport.NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)

	var limiter drain.Limiter = drain.NopLimiter{}
	if cfg.Redis.Enabled && cfg.Queue.SendRatePerSecond > 0 {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unreachable, sending without rate limit: %v", err)
		} else {
			limiter = drain.NewRedisLimiter(redisClient, cfg.Queue.SendRatePerSecond)
			log.Printf("Send rate limited to %d/s", cfg.Queue.SendRatePerSecond)
		}
	}

	handlers := api.NewHandlers(
		enqueue.NewEnqueuer(store, resolver, cfg.Queue.PageSize),
		drain.NewDrainer(store, sender, renderer, limiter, cfg.Queue.BatchSize, cfg.SES.Timeout()),
		webhook.NewIngestor(store),
		stats.NewAggregator(db),
		resolver,
		store,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.SetupRoutes(handlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
