package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/api"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/broker"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/config"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/notify"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/orders"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/payment"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/pricing"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/processor"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/queue"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/retry"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/telemetry"
)

type schemaOwner interface {
	EnsureSchema(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/order-pipeline")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry() // Ensure telemetry is properly shut down on exit

	reporter := telemetry.NewLogReporter(log.Default(), telemetry.Level(cfg.Observability.LogLevel))

	// Initialize the queue and order repositories
	queueRepo, err := queue.NewRepository(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize queue repository: ", err)
	}
	orderRepo, err := orders.NewRepository(ctx, cfg.OrderStore)
	if err != nil {
		log.Fatal("Failed to initialize order repository: ", err)
	}
	for _, r := range []any{queueRepo, orderRepo} {
		if owner, ok := r.(schemaOwner); ok {
			if err := owner.EnsureSchema(ctx); err != nil {
				log.Fatal("Failed to apply schema: ", err)
			}
		}
	}

	// Initialize the message broker
	msgBroker, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		log.Fatal("Failed to initialize broker: ", err)
	}
	defer msgBroker.Close()

	exec := retry.NewExecutor(reporter)
	writePolicy := retry.PolicyFromSettings(cfg.Retry)
	writePolicy.MaxRetries = cfg.OrderStore.WriteRetries
	if cfg.OrderStore.WriteBackoff > 0 {
		writePolicy.InitialDelay = cfg.OrderStore.WriteBackoff
	}

	calc := pricing.NewCalculator(pricing.RatesFromSettings(cfg.Pricing))
	store := orders.NewStore(orderRepo, orders.NewCache(), calc, exec, writePolicy, reporter)
	reconciler := payment.NewReconciler(store, payment.NewHTTPProvider(&cfg.Payment, nil), exec, retry.PolicyFromSettings(cfg.Retry), &cfg.Payment, reporter)
	notifier := notify.NewBrokerNotifier(msgBroker, cfg.Notify.Topic, cfg.Notify.Timeout, reporter)

	// Create the order processor
	proc := processor.NewOrderProcessor(queueRepo, store, reconciler, notifier, msgBroker, cfg, reporter)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(queueRepo, store, reconciler, cfg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server failed: %v", err)
			stop()
		}
	}()

	// Run the processor (blocks until the context is canceled)
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Order processor exited: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	if n, err := store.FlushDirty(shutdownCtx); err != nil {
		log.Printf("Unflushed orders remain in cache after %d flushed: %v", n, err)
	}
}
