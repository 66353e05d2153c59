package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hphmeet/relay/internal/v1/auth"
	"github.com/hphmeet/relay/internal/v1/config"
	"github.com/hphmeet/relay/internal/v1/gateway"
	"github.com/hphmeet/relay/internal/v1/health"
	"github.com/hphmeet/relay/internal/v1/logging"
	"github.com/hphmeet/relay/internal/v1/ratelimit"
	"github.com/hphmeet/relay/internal/v1/relay"
	"github.com/hphmeet/relay/internal/v1/room"
	"github.com/hphmeet/relay/internal/v1/udp"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logging.Sync()

	// --- Credential store ---
	// A corrupt user database is a fatal startup error; silently starting
	// with an empty store would orphan every existing account.
	creds, err := auth.OpenStore(cfg.UsersDBPath)
	if err != nil {
		slog.Error("Failed to open credential store", "path", cfg.UsersDBPath, "error", err)
		os.Exit(1)
	}

	// --- Redis (optional) ---
	// Redis backs the rate limiter store so limits hold across restarts.
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis, falling back to in-memory rate limiting", "error", err)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			slog.Info("✅ Redis connected", "addr", cfg.RedisAddr)
		}
		cancel()
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	limiter, err := ratelimit.New(cfg.FileRateLimit, cfg.UDPRateLimit, redisClient)
	if err != nil {
		slog.Error("Invalid rate limit configuration", "error", err)
		os.Exit(1)
	}

	// --- Control server ---
	control := relay.NewServer(cfg, creds, auth.NewSessions(), room.NewRegistry(), limiter)
	if err := control.Listen(); err != nil {
		slog.Error("Failed to bind control port", "addr", cfg.TCPAddr(), "error", err)
		os.Exit(1)
	}
	go func() {
		if err := control.Serve(); err != nil {
			slog.Error("Control server failed", "error", err)
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Media relays ---
	voice := udp.NewRelay("voice", limiter)
	if err := voice.Listen(cfg.UDPVoiceAddr()); err != nil {
		slog.Error("Failed to bind voice port", "addr", cfg.UDPVoiceAddr(), "error", err)
		os.Exit(1)
	}
	video := udp.NewRelay("video", limiter)
	if err := video.Listen(cfg.UDPVideoAddr()); err != nil {
		slog.Error("Failed to bind video port", "addr", cfg.UDPVideoAddr(), "error", err)
		os.Exit(1)
	}
	for _, r := range []*udp.Relay{voice, video} {
		go func() {
			if err := r.Serve(); err != nil {
				slog.Error("Media relay failed", "error", err)
				_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
			}
		}()
	}

	// --- Gateway HTTP surface ---
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	allowedOrigins := originsFromEnv(cfg.AllowedOrigins)
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())

	gateway.New(cfg.TCPAddr(), allowedOrigins).RegisterRoutes(router)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(cfg.TCPAddr(), redisClient)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    cfg.GatewayAddr(),
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the gateway in a goroutine so it doesn't block.
	go func() {
		slog.Info("Gateway starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run gateway", "error", err)
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Gateway forced to shutdown:", "error", err)
	}
	if err := control.Shutdown(ctx); err != nil {
		slog.Error("Error during control server shutdown:", "error", err)
	}
	if err := voice.Close(); err != nil {
		slog.Error("Error closing voice relay:", "error", err)
	}
	if err := video.Close(); err != nil {
		slog.Error("Error closing video relay:", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}

// originsFromEnv parses the comma-separated ALLOWED_ORIGINS value, falling
// back to the local dev front-end.
func originsFromEnv(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
