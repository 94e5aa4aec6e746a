package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"attendance/internal/attendance"
	"attendance/internal/config"
	"attendance/internal/faceclient"
	"attendance/internal/handler"
	"attendance/internal/httpmiddleware"
	"attendance/internal/relay"
	"attendance/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(cfg config.App) error {
	// Initialization order: detection capability first, then storage, then
	// the listener. If the detector is down there is nothing to serve.
	fc := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if cfg.FaceSkip {
		log.Println("FACE_SKIP set: using stub embeddings, do not use in production")
	} else {
		probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if !fc.Healthy(probeCtx) {
			log.Fatalf("face detection service unreachable at %s", cfg.FaceServiceURL)
		}
		log.Printf("face detection service: %s", cfg.FaceServiceURL)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var rl relay.Relay
	var redisClient *redis.Client
	if cfg.RelayBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  -1, // subscriptions block indefinitely
			WriteTimeout: 1 * time.Second,
		})
		rl = relay.NewRedisRelay(redisClient, "attendance:scans")
		log.Printf("scan relay: redis at %s", cfg.RedisAddr)
	} else {
		rl = relay.NewBroadcaster()
		log.Println("scan relay: in-memory")
	}

	svc := attendance.NewService(db, fc, rl, cfg.MatchThreshold)
	h := handler.New(svc, rl)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics", "/api/stream"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
	}))
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		dbHealthy := db.Healthy(c.Request.Context())
		faceHealthy := fc.Healthy(c.Request.Context())
		status := http.StatusOK
		if !dbHealthy || !faceHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "db": dbHealthy, "face": faceHealthy})
	})

	h.Routes(r.Group("/api"))

	// Static frontend, when present next to the binary.
	if index := filepath.Join(cfg.StaticDir, "index.html"); fileExists(index) {
		r.StaticFile("/", index)
		r.Static("/static", filepath.Join(cfg.StaticDir, "static"))
	}

	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /api/stream connections are open-ended.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	log.Println("server exited")
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
