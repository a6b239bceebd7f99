package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailhaven/config"
	"mailhaven/fanout"
	"mailhaven/intake"
	"mailhaven/models"
	"mailhaven/queue"
	"mailhaven/smtpd"
	"mailhaven/spam"
	"mailhaven/storage"
	"mailhaven/store"
	"mailhaven/utils"
	"mailhaven/worker"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		})
		if err != nil {
			log.Warnf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := config.ConnectDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	rdb, err := config.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}

	cipher, err := utils.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Bad encryption key: %v", err)
	}

	blobs, err := storage.NewBlobStore(cfg.BlobRoot)
	if err != nil {
		log.Fatalf("Failed to open blob store: %v", err)
	}

	weights, err := spam.ParseWeightOverrides(cfg.SpamWeights)
	if err != nil {
		log.Fatalf("Bad spam weight overrides: %v", err)
	}
	engine := spam.NewEngine(weights, nil)

	creds := store.NewCredentialStore(db, cipher)
	keys := store.NewSigningKeyStore(db, cipher)
	ledger := store.NewQuotaLedger(db)
	fan := fanout.New(rdb, log, cfg.RecentListSize, cfg.RecentListTTL)
	deliveryQueue := queue.NewDeliveryQueue(rdb, "delivery", log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Requeue jobs stranded by a previous crash before any worker starts
	if _, err := deliveryQueue.Recover(ctx); err != nil {
		log.Errorf("Delivery queue recovery failed: %v", err)
	}

	inbound := intake.NewInbound(db, blobs, engine, ledger, fan, cfg.SpamThreshold, log)
	outbound := intake.NewOutbound(db, blobs, deliveryQueue, log)

	mxServer := smtpd.NewServer(
		smtpd.NewInboundBackend(inbound, smtpd.NewBasicVerdicts(log), log),
		smtpd.ServerConfig{
			Addr:            cfg.SMTPListenAddr,
			Domain:          cfg.Hostname,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
	)
	submissionServer := smtpd.NewServer(
		smtpd.NewSubmissionBackend(db, outbound, cfg.InternalHosts, log),
		smtpd.ServerConfig{
			Addr:            cfg.SubmissionListenAddr,
			Domain:          cfg.Hostname,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
	)

	go func() {
		log.Infof("MX listener on %s", cfg.SMTPListenAddr)
		if err := mxServer.ListenAndServe(); err != nil {
			log.Errorf("MX listener stopped: %v", err)
			stop()
		}
	}()
	go func() {
		log.Infof("Submission listener on %s", cfg.SubmissionListenAddr)
		if err := submissionServer.ListenAndServe(); err != nil {
			log.Errorf("Submission listener stopped: %v", err)
			stop()
		}
	}()

	relay := worker.NewSMTPRelay(cfg.RelayHost, cfg.RelayPort, cfg.RelayTimeout)
	pool := worker.NewDeliveryPool(db, deliveryQueue, creds, keys, blobs, fan, relay,
		cfg.DeliveryWorkers, cfg.DeliveryRatePerMinute, log)
	go pool.Start(ctx)

	// Health endpoint for the load balancer
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error {
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Context()) != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "database": "down"})
		}
		waiting, err := deliveryQueue.Len(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "redis": "down"})
		}
		completed, failed, _ := deliveryQueue.Counters(c.Context())
		return c.JSON(fiber.Map{
			"status":    "ok",
			"queue":     waiting,
			"completed": completed,
			"failed":    failed,
		})
	})
	go func() {
		if err := app.Listen(":" + cfg.ServerPort); err != nil {
			log.Errorf("Health server stopped: %v", err)
		}
	}()

	log.Info("✅ mailhaven is up")
	<-ctx.Done()

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = mxServer.Shutdown(shutdownCtx)
	_ = submissionServer.Shutdown(shutdownCtx)
	_ = app.ShutdownWithContext(shutdownCtx)
	log.Info("Goodbye")
}
