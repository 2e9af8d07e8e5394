package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"expocheckin/internal/checkin"
	"expocheckin/internal/clock"
	"expocheckin/internal/config"
	"expocheckin/internal/directory"
	"expocheckin/internal/leaderboard"
	"expocheckin/internal/nursery"
	"expocheckin/internal/queue"
	"expocheckin/internal/signature"
	"expocheckin/internal/store"
)

// Worker expires overdue nursery custody on a timer and re-warms the shared
// leaderboard cache after ledger changes reported by the API.
func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: .env not loaded: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	dsn := cfg.DatabaseURL
	if cfg.DatabaseDriver == "sqlite" && !strings.HasPrefix(dsn, "file:") {
		dsn = store.SQLiteDSN(dsn)
	}
	db, err := store.NewDB(cfg.DatabaseDriver, dsn)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	clk := clock.Real()
	cache := store.NewRedisCache(redisClient.Client)
	dir := directory.New(db.Client, cfg.BaseURL)

	if cfg.NurseryEnabled {
		signer, err := signature.NewSigner(cfg.QRSecret)
		if err != nil {
			log.Fatalf("signer: %v", err)
		}
		engine := nursery.NewEngine(nursery.NewRepository(db.Client), dir, cache, signer, clk, nursery.Options{
			BaseURL:       cfg.BaseURL,
			TokenKey:      cfg.NurseryTokenKey,
			DefaultWindow: cfg.NurseryDefaultWindow,
			Location:      cfg.Location(),
		})
		go sweep(ctx, engine, cfg.WorkerSweepInterval)
	}

	if cfg.QueueBackend != "redis" {
		log.Println("QUEUE_BACKEND is not redis, leaderboard warming disabled")
		<-ctx.Done()
		log.Println("worker stopped")
		return
	}

	lb := cfg.Leaderboard
	board := leaderboard.New(checkin.NewLedger(checkin.NewRepository(db.Client), nil, clk), dir, cache, leaderboard.Settings{
		Points: checkin.Points{
			Exhibitor: lb.PointsExhibitor,
			Session:   lb.PointsSession,
			Panel:     lb.PointsPanel,
			Speaker:   lb.PointsSpeaker,
		},
		DefaultScope:  lb.DefaultScope,
		ExcludeRoles:  lb.ExcludeRoles,
		RespectOptOut: lb.RespectOptOut,
		NameFormat:    lb.NameFormat,
		CacheTTL:      lb.CacheTTL,
	}, cfg.CurrentEventID)

	log.Println("worker started, waiting for ledger events...")
	if err := queue.Run(ctx, queue.NewRedisQueue(redisClient.Client, cfg.QueueKey), board.Refresh); err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker stopped")
}

func sweep(ctx context.Context, engine *nursery.Engine, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := engine.ExpireOverdue(ctx)
			if err != nil {
				log.Printf("nursery sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("nursery sweep expired %d record(s)", n)
			}
		}
	}
}
