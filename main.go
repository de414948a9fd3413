package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/microsoftjulius/billing-sub001/config"
	"github.com/microsoftjulius/billing-sub001/internal/events"
	"github.com/microsoftjulius/billing-sub001/internal/gateway/collectug"
	"github.com/microsoftjulius/billing-sub001/internal/notify"
	"github.com/microsoftjulius/billing-sub001/internal/payments"
	"github.com/microsoftjulius/billing-sub001/internal/reconcile"
	"github.com/microsoftjulius/billing-sub001/internal/routeros"
	"github.com/microsoftjulius/billing-sub001/internal/routes"
	"github.com/microsoftjulius/billing-sub001/internal/settings"
	"github.com/microsoftjulius/billing-sub001/internal/settlement"
	"github.com/microsoftjulius/billing-sub001/internal/vouchers"
	"github.com/microsoftjulius/billing-sub001/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	config.LoadAuth()
	config.ConnectDB()
	// The migration creates the unique indexes settlement idempotency rests
	// on; running without them is worse than not running at all.
	if err := config.MigrateAll(config.DB); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}
	config.ConnectRedis()

	settingsProvider := settings.NewProvider(config.DB, config.RDB, 5*time.Minute, logger)

	gateway := collectug.NewClient(os.Getenv("COLLECTUG_BASE_URL"), os.Getenv("COLLECTUG_API_KEY"))

	var dispatcher notify.Dispatcher
	if smsURL := os.Getenv("SMS_API_URL"); smsURL != "" {
		dispatcher = notify.NewHTTPDispatcher(smsURL, os.Getenv("SMS_API_KEY"), os.Getenv("SMS_SENDER_ID"), logger)
	} else {
		dispatcher = &notify.NoopDispatcher{Logger: logger}
	}

	producer := events.NewProducer(os.Getenv("KAFKA_BROKER"), logger)
	defer producer.Close()

	voucherSvc := vouchers.NewService(config.DB, logger)
	coordinator := settlement.NewCoordinator(config.DB, dispatcher, producer, config.RDB, logger)
	paymentSvc := payments.NewService(config.DB, gateway, coordinator, config.WebhookSecret, logger)

	controllers := routeros.NewProvider(settingsProvider)
	reconciler := reconcile.NewReconciler(config.DB, controllers, logger)

	sweeper := worker.NewSweeper(voucherSvc, coordinator, reconciler, config.RDB, 5*time.Minute, logger)
	sweeper.Start()
	defer sweeper.Stop()

	r := gin.Default()
	routes.SetupRoutes(r, routes.Deps{
		DB:         config.DB,
		Payments:   paymentSvc,
		Vouchers:   voucherSvc,
		Reconciler: reconciler,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		slog.Info("server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
}
