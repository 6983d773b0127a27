package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/deconst/client/internal/config"
	"github.com/deconst/client/internal/coordinator"
	"github.com/deconst/client/internal/database"
	"github.com/deconst/client/internal/docker"
	"github.com/deconst/client/internal/eventbus"
	"github.com/deconst/client/internal/handler"
	"github.com/deconst/client/internal/launcher"
	"github.com/deconst/client/internal/resolver"
	"github.com/deconst/client/internal/service"
	"github.com/deconst/client/internal/snapshot"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

func serve(ctx context.Context, cfg *config.Config, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create data directories: %w", err)
	}

	// Initialize database
	db := database.Init(cfg.DBPath)
	history := service.NewHistoryService(db, logger)
	defer history.Close()

	// Connect to Docker and clear containers left behind by an earlier run
	dockerClient, err := docker.NewClient(cfg.DockerHost, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}
	defer dockerClient.Close()
	cleanOrphans(ctx, dockerClient, cfg.CleanupTimeout, logger)

	launch := launcher.New(dockerClient, launcher.Options{
		Registry:     cfg.ImageRegistry,
		Tag:          cfg.ImageTag,
		APIKey:       cfg.APIKey,
		OverrideRoot: cfg.OverrideDir,
	}, logger)

	snapshots := snapshot.NewWriter(cfg.SnapshotPath, logger)
	defer snapshots.Close()

	coord := coordinator.New(coordinator.Options{
		Runtime:        dockerClient,
		Launcher:       launch,
		Resolver:       resolver.New(nil, logger),
		History:        history,
		Snapshots:      snapshots,
		Bus:            eventbus.New(logger),
		PreviewHost:    cfg.PreviewHost,
		RuntimeTimeout: cfg.RuntimeTimeout,
		CleanupTimeout: cfg.CleanupTimeout,
		Logger:         logger,
	})
	// The coordinator outlives ctx so the final repository list can be read.
	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Run(context.Background()) }()

	// Restore the saved repository list
	entries, err := snapshot.Load(cfg.SnapshotPath, logger)
	if err != nil {
		logger.Warn("failed to load saved repositories", "path", cfg.SnapshotPath, "err", err)
	}
	if n := coord.Restore(entries); n > 0 {
		log.Printf("♻️  Restored %d repositories from %s", n, cfg.SnapshotPath)
	}

	scheduler := cron.New()
	snapshot.Schedule(scheduler, cfg.SnapshotInterval, coord.Entries, snapshots)
	scheduler.Start()

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newRouter(coord, history, db, dockerClient),
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	log.Printf("🚀 deconst starting on http://localhost:%s", cfg.Port)
	log.Printf("📁 Data directory: %s", cfg.DataDir)
	log.Printf("📄 Repository list: %s", cfg.SnapshotPath)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	stop()

	log.Printf("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown", "err", shutdownErr)
	}
	<-scheduler.Stop().Done()

	// Save the final list before containers are torn down.
	snapshots.Save(coord.Entries())
	coord.Close()
	<-coordDone
	cleanOrphans(context.Background(), dockerClient, cfg.CleanupTimeout, logger)
	return runErr
}

func cleanOrphans(ctx context.Context, c *docker.Client, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := docker.WithTimeout(ctx, timeout)
	defer cancel()
	ids, err := c.Orphans(ctx)
	if err != nil {
		logger.Warn("failed to list leftover containers", "err", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := c.CleanContainers(ctx, ids); err != nil {
		logger.Warn("failed to remove leftover containers", "count", len(ids), "err", err)
		return
	}
	logger.Info("removed leftover containers", "count", len(ids))
}

func newRouter(coord *coordinator.Coordinator, history *service.HistoryService, db *gorm.DB, pinger handler.Pinger) *gin.Engine {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	// ============ API Routes ============
	api := r.Group("/api")

	healthH := handler.NewHealthHandler(pinger, coord)
	api.GET("/health", healthH.Health)

	// Repository lifecycle
	repoH := handler.NewRepositoryHandler(coord, history, db)
	api.GET("/repositories", repoH.List)
	api.POST("/repositories", repoH.Create)
	api.GET("/repositories/:id", repoH.Get)
	api.PUT("/repositories/:id", repoH.Update)
	api.DELETE("/repositories/:id", repoH.Delete)
	api.POST("/repositories/:id/retry", repoH.Retry)
	api.POST("/repositories/:id/submit", repoH.Submit)
	api.GET("/repositories/:id/preparations", repoH.Preparations)

	// Live repository events
	eventH := handler.NewEventHandler(coord.Bus())
	api.GET("/events", eventH.Stream)

	auditH := handler.NewAuditHandler(db)
	api.GET("/audit", auditH.List)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
	return r
}
