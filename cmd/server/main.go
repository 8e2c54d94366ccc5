package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banquesolidaire/ledger/internal/config"
	"github.com/banquesolidaire/ledger/internal/database"
	"github.com/banquesolidaire/ledger/internal/handlers"
	mW "github.com/banquesolidaire/ledger/internal/middleware"
	"github.com/banquesolidaire/ledger/internal/notifier"
	"github.com/banquesolidaire/ledger/internal/services"
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(".env")
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if len(os.Args) > 1 {
		if err := runCommand(cfg, log, os.Args[1], os.Args[2:]); err != nil {
			log.WithError(err).Fatalf("Command %s failed", os.Args[1])
		}
		return
	}

	if err := serve(cfg, log); err != nil {
		log.WithError(err).Fatal("Server stopped with error")
	}
}

// openStore returns the configured account store and a function releasing
// its resources.
func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (services.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("Using in-memory store, balances are lost on restart")
		return services.NewMemoryStore(), func() {}, nil
	}

	db, err := database.InitDB(cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return services.NewPostgresStore(db), func() { db.Close() }, nil
}

func serve(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient := database.InitRedis(cfg.Redis, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	dispatcher := services.NewEventDispatcher(cfg.Ledger.EventBufferSize, log, eventSinks(cfg, store, redisClient, log)...)

	ledger := services.NewLedgerService(store, dispatcher, log, cfg.Ledger.MaxAmount)
	if handle := cfg.Ledger.BootstrapApprover; handle != "" {
		approver, err := ledger.EnsureApprover(ctx, handle)
		if err != nil {
			return fmt.Errorf("failed to bootstrap approver %q: %w", handle, err)
		}
		log.WithFields(logrus.Fields{
			"account_id": approver.ID,
			"handle":     approver.Handle,
		}).Info("Approver account ready")
	}
	authority := services.NewRoleAuthority(store, log)
	transfers := services.NewTransferService(store, ledger, authority, dispatcher, log, services.TransferServiceOptions{
		AutoApprove: cfg.Ledger.AutoApprove,
		Idempotency: services.NewIdempotencyGuard(redisClient, cfg.Ledger.IdempotencyTTL, log),
	})
	qrService := services.NewQRService(store, ledger, redisClient)
	reconciler := services.NewReconciler(store, log)

	scheduler := cron.New()
	if _, err := reconciler.Schedule(scheduler, cfg.Ledger.ReconcileSchedule, time.Minute); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", cfg.Ledger.ReconcileSchedule, err)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Ledger:     ledger,
		Transfers:  transfers,
		QR:         qrService,
		Reconciler: reconciler,
		Auth:       mW.NewAuth(cfg.JWTSecret),
		Log:        log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"port":         cfg.Port,
			"store":        cfg.StoreDriver,
			"auto_approve": cfg.Ledger.AutoApprove,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		dispatcher.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

func eventSinks(cfg *config.Config, store services.Store, redisClient *redis.Client, log logrus.FieldLogger) []services.EventSink {
	sinks := []services.EventSink{
		notifier.NewEmailNotifier(notifier.SMTPConfig{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			SenderEmail: cfg.SMTP.SenderEmail,
		}, store, log),
	}
	if redisClient != nil {
		sinks = append(sinks, services.NewRedisEventSink(redisClient))
	}
	return sinks
}
