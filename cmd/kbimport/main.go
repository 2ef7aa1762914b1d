package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/config"
	"github.com/xxxsen/kbimport/internal/converter"
	"github.com/xxxsen/kbimport/internal/db"
	"github.com/xxxsen/kbimport/internal/filestore"
	"github.com/xxxsen/kbimport/internal/handler"
	"github.com/xxxsen/kbimport/internal/job"
	"github.com/xxxsen/kbimport/internal/middleware"
	"github.com/xxxsen/kbimport/internal/queue"
	"github.com/xxxsen/kbimport/internal/repo"
	"github.com/xxxsen/kbimport/internal/schedule"
	"github.com/xxxsen/kbimport/internal/service"
	"github.com/xxxsen/kbimport/internal/source"
	_ "github.com/xxxsen/kbimport/internal/source/notion"
	"github.com/xxxsen/kbimport/internal/upload"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "kbimport",
		Short: "knowledge base import server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run import server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sqlDB, err := setup(configPath)
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			return runServer(cfg, sqlDB)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sqlDB, err := setup(configPath)
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			logutil.GetLogger(context.Background()).Info("migrations applied")
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func setup(configPath string) (*config.Config, *sql.DB, error) {
	if configPath == "" {
		return nil, nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

	sqlDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return cfg, sqlDB, nil
}

func runServer(cfg *config.Config, sqlDB *sql.DB) error {
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("file_store", cfg.FileStore.Type),
		zap.Int("page_per_task", cfg.Import.PagePerTask),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := repo.NewPostgresStore(sqlDB)
	files, err := filestore.New(cfg.FileStore)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}

	uploads := upload.NewQueue(files, store, upload.Options{
		Workers:         cfg.Attachment.UploadWorkers,
		MaxBytes:        cfg.Attachment.MaxBytes,
		DownloadTimeout: time.Duration(cfg.Attachment.DownloadTimeoutSeconds) * time.Second,
	})
	uploads.Start()
	defer uploads.Stop()

	notionCfg := cfg.Notion
	resolver := service.NewConnectorResolver(store, func(name, token string) (source.Connector, error) {
		return source.New(name, token, notionCfg)
	}, cfg.Import.ConnectorCacheSize, time.Duration(cfg.Import.ConnectorCacheTTLSeconds)*time.Second)

	tasks := queue.New(cfg.Import.Workers)
	rehomer := service.NewAttachmentRehomer(store, uploads, cfg.PublicBaseURL, time.Duration(cfg.Attachment.ExpiryHours)*time.Hour)
	processor := service.NewTaskProcessor(store, resolver, converter.New(), rehomer, tasks, service.NewCompletionDetector(), service.ProcessorOptions{
		PagePerTask:     cfg.Import.PagePerTask,
		ItemConcurrency: cfg.Import.ItemConcurrency,
	})
	imports := service.NewImportService(store, resolver, tasks)
	tasks.Start(ctx, processor)
	defer tasks.Stop()

	scheduler := schedule.NewCronScheduler()
	periodic := []struct {
		task schedule.Job
		spec string
	}{
		{job.NewImportRedeliverJob(store, tasks, time.Duration(cfg.Import.RedeliverAfterSeconds)*time.Second), cfg.Schedule.RedeliverSpec},
		{job.NewImportTaskTimeoutJob(store, processor, time.Duration(cfg.Import.TaskTimeoutSeconds)*time.Second), cfg.Schedule.TaskTimeoutSpec},
		{job.NewAttachmentCleanupJob(store), cfg.Schedule.AttachmentCleanupSpec},
	}
	for _, item := range periodic {
		if err := scheduler.AddJob(item.task, item.spec); err != nil {
			return err
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	deps := handler.RouterDeps{
		Imports:      handler.NewImportHandler(imports),
		Attachments:  handler.NewAttachmentHandler(store, files, cfg.PublicBaseURL, time.Duration(cfg.Attachment.SignedURLTTLSeconds)*time.Second),
		Files:        handler.NewFileHandler(files),
		JWTSecret:    []byte(cfg.JWTSecret),
		CreateWindow: time.Duration(cfg.Import.CreateWindowSeconds) * time.Second,
	}
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.CORS(cfg.CORSOrigins...),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", addr))

	// the server drains before the deferred worker shutdowns run
	if err := serve(ctx, ln, engine, shutdownGrace); err != nil {
		return err
	}
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}
