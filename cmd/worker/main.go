package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbellard/stockline-backend/internal/alerts"
	"github.com/jbellard/stockline-backend/internal/ledger"
	"github.com/jbellard/stockline-backend/internal/orders"
	"github.com/jbellard/stockline-backend/internal/worker"
	"github.com/jbellard/stockline-backend/pkg/broadcast"
	"github.com/jbellard/stockline-backend/pkg/config"
	"github.com/jbellard/stockline-backend/pkg/db"
	"github.com/jbellard/stockline-backend/pkg/logger"
	"github.com/jbellard/stockline-backend/pkg/metrics"
	"github.com/jbellard/stockline-backend/pkg/migrate"
	"github.com/jbellard/stockline-backend/pkg/queue"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	requireResource(context.Background(), logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	err = migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient)
	requireResource(context.Background(), logg, "migrations", err)

	requireResource(context.Background(), logg, "database ping", dbClient.Ping(context.Background()))

	queueMetrics := metrics.NewQueueMetrics(prometheus.DefaultRegisterer)
	queueService, err := queue.New(context.Background(), cfg.AMQP, logg, queueMetrics)
	requireResource(context.Background(), logg, "message queue", err)
	defer func() {
		if err := queueService.Close(); err != nil {
			logg.Error(context.Background(), "error closing queue", err)
		}
	}()

	broadcaster := newBroadcaster(context.Background(), cfg, logg)
	defer func() {
		if err := broadcaster.Close(); err != nil {
			logg.Error(context.Background(), "error closing broadcaster", err)
		}
	}()

	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()), dbClient)
	requireResource(context.Background(), logg, "stock ledger", err)

	alertService, err := alerts.NewService(alerts.NewRepository(dbClient.DB()), cfg.Alerts, logg, broadcaster)
	requireResource(context.Background(), logg, "alert service", err)

	service, err := worker.NewService(worker.ServiceParams{
		Logger: logg,
		Config: cfg.Worker,
		DB:     dbClient,
		Queue:  queueService,
		Orders: orders.NewRepository(dbClient.DB()),
		Stock:  ledgerService,
		Alerts: alertService,
	})
	requireResource(context.Background(), logg, "worker service", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting stock verification worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}

// newBroadcaster falls back to the no-op sink when GCP is not configured, so
// local runs work without a project.
func newBroadcaster(ctx context.Context, cfg *config.Config, logg *logger.Logger) broadcast.Broadcaster {
	if strings.TrimSpace(cfg.GCP.ProjectID) == "" {
		logg.Warn(ctx, "gcp project not configured, broadcast events disabled")
		return broadcast.Noop{}
	}
	broadcaster, err := broadcast.NewPubSub(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap pubsub broadcaster, events disabled", err)
		return broadcast.Noop{}
	}
	return broadcaster
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
