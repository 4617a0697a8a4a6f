package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/pulsecrm/campaign-engine/internal/campaign"
	"github.com/pulsecrm/campaign-engine/internal/config"
	"github.com/pulsecrm/campaign-engine/internal/drain"
	"github.com/pulsecrm/campaign-engine/internal/pkg/distlock"
	"github.com/pulsecrm/campaign-engine/internal/render"
	"github.com/pulsecrm/campaign-engine/internal/transport"
)

// The worker binary drains the send queue on a schedule and recovers rows
// stranded by crashed drains. Deployments that prefer an external scheduler
// can skip this binary and hit POST /api/queue/drain instead.
func main() {
	log.Println("Starting campaign engine drain worker...")

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
	sender := transport.NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)

	var redisClient *redis.Client
	var limiter drain.Limiter = drain.NopLimiter{}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unreachable, continuing without it: %v", err)
		} else {
			redisClient = client
			if cfg.Queue.SendRatePerSecond > 0 {
				limiter = drain.NewRedisLimiter(redisClient, cfg.Queue.SendRatePerSecond)
				log.Printf("Send rate limited to %d/s", cfg.Queue.SendRatePerSecond)
			}
		}
	}

	drainer := drain.NewDrainer(store, sender, render.NewEngine(), limiter,
		cfg.Queue.BatchSize, cfg.SES.Timeout())

	recoveryLock := distlock.New(redisClient, db, "queue_recovery", time.Minute)
	recovery := drain.NewRecoveryWorker(store, recoveryLock, 2*time.Minute, cfg.Queue.StaleClaimAge())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainer.Run(ctx, cfg.Queue.DrainInterval())
	}()
	go func() {
		defer wg.Done()
		recovery.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	cancel()
	wg.Wait()
	log.Println("Worker stopped")
}
