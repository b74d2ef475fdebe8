package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/emre/mediadock-paas/internal/adapters/docker"
	apihttp "github.com/emre/mediadock-paas/internal/adapters/http"
	"github.com/emre/mediadock-paas/internal/adapters/mount"
	"github.com/emre/mediadock-paas/internal/adapters/storage"
	"github.com/emre/mediadock-paas/internal/adapters/store"
	"github.com/emre/mediadock-paas/internal/config"
	"github.com/emre/mediadock-paas/internal/core/service"
)

func main() {
	configPath := flag.String("config", "mediadock.yaml", "path to config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	if err := store.Migrate(db); err != nil {
		log.WithError(err).Fatal("migrate schema")
	}

	// Adapters. Each one is explicitly constructed here and injected;
	// nothing below holds a global client handle.
	storageMgr, err := storage.NewManager(storage.Config{
		SSH: storage.SSHConfig{
			Host:            cfg.Storage.Host,
			Port:            cfg.Storage.Port,
			User:            cfg.Storage.User,
			KeyFile:         cfg.Storage.KeyFile,
			KnownHostsFile:  cfg.Storage.KnownHostsFile,
			InsecureHostKey: cfg.Storage.InsecureHostKey,
			DialTimeout:     cfg.Storage.DialTimeout,
		},
		BaseDir:   cfg.Storage.BaseDir,
		BackupDir: cfg.Storage.BackupDir,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("initialize storage manager")
	}

	mountMgr := mount.NewManager(mount.Config{
		Remote:  cfg.Mounts.Remote,
		BaseDir: cfg.Mounts.BaseDir,
		Options: cfg.Mounts.Options,
	}, log)

	runtimeAdapter, err := docker.NewAdapter(log)
	if err != nil {
		log.WithError(err).Fatal("initialize docker adapter")
	}

	instanceStore := store.NewInstanceStore(db)
	activityLog := store.NewActivityLog(db, log)

	orchestrator := service.NewOrchestrator(
		storageMgr,
		mountMgr,
		runtimeAdapter,
		instanceStore,
		activityLog,
		service.DefaultTimeouts(),
		service.PlanLimits{
			CPULimit:       cfg.Plan.CPULimit,
			MemoryLimitMB:  cfg.Plan.MemoryLimitMB,
			StorageQuotaGB: cfg.Plan.StorageQuotaGB,
		},
		log,
	)
	ingestor := service.NewBillingIngestor(orchestrator, activityLog, log)
	reconciler := service.NewReconciler(orchestrator, cfg.Health.Interval, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reconciler.Run(ctx)

	instanceHandler := apihttp.NewInstanceHandler(orchestrator)
	webhookHandler := apihttp.NewWebhookHandler(ingestor, log)
	proxyHandler := apihttp.NewProxyHandler(instanceStore, cfg.BaseDomain)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	// Subdomain traffic is proxied before it can reach the API routes.
	app.Use(proxyHandler.ProxyRequest)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	instances := v1.Group("/instances")
	instances.Post("/", instanceHandler.CreateInstance)
	instances.Get("/:customerID", instanceHandler.GetStatus)
	instances.Get("/:customerID/logs", instanceHandler.GetLogs)
	instances.Post("/:customerID/start", instanceHandler.StartInstance)
	instances.Post("/:customerID/stop", instanceHandler.StopInstance)
	instances.Post("/:customerID/suspend", instanceHandler.SuspendInstance)
	instances.Post("/:customerID/resume", instanceHandler.ResumeInstance)
	instances.Post("/:customerID/backups", instanceHandler.CreateBackup)
	instances.Delete("/:customerID", instanceHandler.DeleteInstance)

	app.Post("/webhooks/billing", webhookHandler.HandleBillingEvent)

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		if err := app.Shutdown(); err != nil {
			log.WithError(err).Error("shutdown")
		}
	}()

	log.WithField("addr", cfg.ListenAddr).Info("server starting")
	if err := app.Listen(cfg.ListenAddr); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
