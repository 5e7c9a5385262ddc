package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lernzeit/adaptive-engine/internal/common/database"
	"github.com/lernzeit/adaptive-engine/internal/common/middleware"
	"github.com/lernzeit/adaptive-engine/internal/engine/handlers"
	"github.com/lernzeit/adaptive-engine/internal/engine/metrics"
	"github.com/lernzeit/adaptive-engine/internal/engine/repository"
	"github.com/lernzeit/adaptive-engine/internal/engine/services"
	"github.com/lernzeit/adaptive-engine/pkg/config"
	"github.com/lernzeit/adaptive-engine/pkg/logger"
)

const (
	sweepInterval  = 5 * time.Minute
	pruneInterval  = 1 * time.Hour
	usageRetention = 7 * 24 * time.Hour
)

// startUsagePruneLoop periodically drops usage rows past the retention
// window. The usage log only backs the 24h freshness score, so old rows
// are dead weight.
func startUsagePruneLoop(usageRepo repository.UsageRepository, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				removed, err := usageRepo.Prune(context.Background(), time.Now().Add(-usageRetention))
				if err != nil {
					logger.Error("Usage log prune failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("Pruned usage log", zap.Int64("rows", removed))
				}
			}
		}
	}()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Get().Sync()

	// Load the tuning table (defaults plus optional YAML overrides)
	tuning, err := config.LoadTuning(cfg.Engine.TuningPath)
	if err != nil {
		log.Fatalf("Failed to load tuning table: %v", err)
	}

	// Initialize database (SQLite for development, PostgreSQL for production)
	db, err := database.Open(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close(db)

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.New(registry)

	// Repositories
	templateRepo := repository.NewTemplateRepository(db)
	profileRepo := repository.NewProfileRepository(db)
	usageRepo := repository.NewUsageRepository(db)

	pruneDone := make(chan struct{})
	defer close(pruneDone)
	startUsagePruneLoop(usageRepo, pruneDone)

	// Core services
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	tracker := services.NewSessionTracker(tuning.Session.Timeout, engineMetrics)
	tracker.StartSweepLoop(sweepInterval)
	defer tracker.Shutdown()

	selector := services.NewTemplateSelector(tracker, usageRepo, tuning.Selection, engineMetrics, rng)
	controller := services.NewDifficultyController(profileRepo, tuning.Difficulty, engineMetrics, rng)
	evaluator := services.NewQualityEvaluator(tuning.Quality, engineMetrics)
	optimizer := services.NewQualityOptimizer(evaluator, rng)

	engine := services.NewEngineService(tracker, selector, controller, evaluator, optimizer, templateRepo, tuning, engineMetrics)
	engineHandlers := handlers.NewEngineHandlers(engine)

	// Create Gin engine
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Apply middleware
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.ErrorHandler())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":          "ok",
			"app":             "adaptive-engine",
			"active_sessions": tracker.Len(),
		})
	})

	// Metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		engineGroup := v1.Group("/engine")
		engineHandlers.RegisterRoutes(engineGroup)
	}

	// Start server
	address := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.Info("Starting adaptive engine server",
		zap.String("address", address),
		zap.String("env", cfg.Server.Env),
		zap.String("database", cfg.Database.Type),
	)

	if err := router.Run(address); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
