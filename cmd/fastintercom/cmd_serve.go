package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"fastintercom/internal/client/intercom"
	"fastintercom/internal/config"
	cronrunner "fastintercom/internal/cron"
	"fastintercom/internal/db"
	"fastintercom/internal/handler"
	"fastintercom/internal/logger"
	"fastintercom/internal/service"

	_ "fastintercom/docs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the query API and keep the store current in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return serve(cmd.Context(), a)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	log := a.logger

	if err := config.Watch(cfgPath, envOnly(), func(next config.Config) {
		if verbose {
			return
		}
		if logger.SetLevel(a.level, next.Log.Level) {
			log.Info("log level changed", zap.String("level", next.Log.Level))
		}
	}); err != nil {
		log.Warn("config watch disabled", zap.Error(err))
	}

	progress := service.NewProgressHub()
	engine := newEngine(a, progress)

	appID := cfg.Intercom.AppID
	if appID == "" {
		lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client := intercom.NewFromConfig(cfg.Intercom, log.Named("intercom"))
		if id, err := client.AppID(lookupCtx); err != nil {
			log.Warn("app id lookup failed, conversation links disabled", zap.Error(err))
		} else {
			appID = id
		}
		cancel()
	}
	query := &service.QueryService{
		Repo:         a.store,
		Engine:       engine,
		Progress:     progress,
		AppID:        appID,
		DBSize:       func() int64 { return db.SizeBytes(a.db) },
		MaxStaleness: cfg.Health.MaxStaleness,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.CORS())
	router.Use(handler.RequireBearer(cfg.Server.AuthToken))

	healthHandler := &handler.HealthHandler{DB: a.db, Query: query, Logger: log}
	healthHandler.Register(router)
	conversationHandler := &handler.ConversationHandler{Query: query, Logger: log}
	conversationHandler.Register(router)
	syncHandler := &handler.SyncHandler{
		Engine:   engine,
		Repo:     a.store,
		Progress: progress,
		Logger:   log,
	}
	syncHandler.Register(router)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	cronRunner := cronrunner.New(log, ctx)
	if cfg.Cron.Enabled {
		background := &service.BackgroundSync{
			Engine:          engine,
			Store:           a.store,
			Logger:          log.Named("background"),
			InitialSyncDays: cfg.Sync.InitialSyncDays,
			Overlap:         cfg.Sync.Overlap,
			CheckpointTTL:   cfg.Sync.CheckpointTTL,
		}
		if _, err := cronRunner.Add("background_sync", cfg.Cron.BackgroundSync, background.Tick); err != nil {
			log.Warn("cron register background sync failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case serveErr = <-errCh:
		log.Error("server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return serveErr
}
