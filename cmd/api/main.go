package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"expocheckin/internal/auth"
	"expocheckin/internal/checkin"
	"expocheckin/internal/clock"
	"expocheckin/internal/config"
	"expocheckin/internal/directory"
	"expocheckin/internal/events"
	"expocheckin/internal/httpapi"
	"expocheckin/internal/httpmiddleware"
	"expocheckin/internal/leaderboard"
	"expocheckin/internal/nursery"
	"expocheckin/internal/pending"
	"expocheckin/internal/qr"
	"expocheckin/internal/queue"
	"expocheckin/internal/signature"
	"expocheckin/internal/store"
	"expocheckin/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: .env not loaded: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	shutdownTracing := telemetry.Setup("expo-checkin")

	dsn := cfg.DatabaseURL
	if cfg.DatabaseDriver == "sqlite" && !strings.HasPrefix(dsn, "file:") {
		dsn = store.SQLiteDSN(dsn)
	}
	db, err := store.NewDB(cfg.DatabaseDriver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		return err
	}

	clk := clock.Real()
	health := map[string]httpapi.HealthChecker{"db": db}

	var redisClient *store.Redis
	if cfg.CacheBackend != "memory" || cfg.QueueBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		health["redis"] = redisClient
	}

	var cache store.Cache
	if cfg.CacheBackend == "memory" {
		cache = store.NewMemoryCache(clk)
	} else {
		cache = store.NewRedisCache(redisClient.Client)
	}

	signer, err := signature.NewSigner(cfg.QRSecret)
	if err != nil {
		return err
	}
	bus := events.NewBus()
	dir := directory.New(db.Client, cfg.BaseURL)
	ledger := checkin.NewLedger(checkin.NewRepository(db.Client), bus, clk)
	flow := qr.NewFlow(signer, dir, ledger, pending.NewJar(clk), qr.Options{
		BaseURL:        cfg.BaseURL,
		LoginURL:       cfg.LoginURL,
		CurrentEventID: cfg.CurrentEventID,
	})

	lb := cfg.Leaderboard
	board := leaderboard.New(ledger, dir, cache, leaderboard.Settings{
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
	board.Subscribe(bus)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	switch cfg.QueueBackend {
	case "redis":
		queue.Forward(bus, queue.NewRedisQueue(redisClient.Client, cfg.QueueKey), events.CheckinRecorded, events.CheckinDeleted)
	case "memory":
		q := queue.NewInMemory(256)
		queue.Forward(bus, q, events.CheckinRecorded, events.CheckinDeleted)
		go func() {
			if err := queue.Run(bgCtx, q, board.Refresh); err != nil {
				log.Printf("leaderboard warmer stopped: %v", err)
			}
		}()
	}

	var engine *nursery.Engine
	if cfg.NurseryEnabled {
		engine = nursery.NewEngine(nursery.NewRepository(db.Client), dir, cache, signer, clk, nursery.Options{
			BaseURL:       cfg.BaseURL,
			TokenKey:      cfg.NurseryTokenKey,
			DefaultWindow: cfg.NurseryDefaultWindow,
			Location:      cfg.Location(),
		})
		log.Println("nursery module enabled")
	}

	sessions := auth.NewSessions(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.SessionTTL, clk)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.SecurityHeaders(cfg.Production()))
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, clk).GinMiddleware())
	r.Use(auth.Session(sessions))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpapi.New(httpapi.Deps{
		Directory:      dir,
		Ledger:         ledger,
		Flow:           flow,
		Signer:         signer,
		Leaderboard:    board,
		Nursery:        engine,
		Sessions:       sessions,
		Clock:          clk,
		Health:         health,
		BaseURL:        cfg.BaseURL,
		LoginURL:       cfg.LoginURL,
		CurrentEventID: cfg.CurrentEventID,
	}).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(r, "expo-checkin"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s (event %s)", cfg.HTTPPort, cfg.CurrentEventID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	stopBackground()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracer shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}
