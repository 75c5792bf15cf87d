package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khanhhung149/ChamCong-ESP32S3/internal/attendance"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/cloudinary"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/config"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/faceclient"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/handler"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/httpmiddleware"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/imagestore"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/queue"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/recognition"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/session"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "chamcong:attendance")
	}

	repo := attendance.NewRepository(db.Client)
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.FaceTimeout)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
		} else {
			log.Println("Face service connected")
		}
	}

	// Cloudinary when configured, local disk otherwise.
	var images imagestore.Store
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		images = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		images = imagestore.NewLocal(cfg.MediaDir)
		log.Println("Cloudinary not configured, storing images under", cfg.MediaDir)
	}

	captures := session.NewCaptureHub(cfg.CaptureBurstSize, cfg.CaptureStaleness)
	enrolls := session.NewEnrollHub(cfg.EnrollBatchSize)
	go captures.Run(ctx, time.Minute, 10*time.Minute)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				enrolls.Sweep(10 * time.Minute)
			case <-ctx.Done():
				return
			}
		}
	}()

	policy := attendance.DefaultPolicy()
	policy.Debounce = cfg.DebounceWindow

	var matcher recognition.Matcher
	if cfg.MatcherBackend == "linear" {
		matcher = recognition.NewLinearMatcher()
	} else {
		matcher = recognition.NewIndexMatcher()
	}

	svc := attendance.NewService(repo, matcher, face, images,
		queue.NewRecordNotifier(q), captures, enrolls,
		cfg.MatchThreshold, cfg.LivenessRelaxedMax,
		attendance.WithPolicy(policy))
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				svc.PruneLocks(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	go limiter.Run(ctx, time.Minute, 30*time.Minute)
	r.Use(limiter.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Static("/public", cfg.MediaDir)

	h := handler.New(svc, repo, redisClient, cfg.JWTSigningKey, cfg.JWTIssuer, cfg.AccessTTL, cfg.RefreshTTL)
	h.Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for dashboard browsers.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
