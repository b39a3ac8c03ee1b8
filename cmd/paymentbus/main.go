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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maksmelnyk/paymentbus"
	"github.com/maksmelnyk/paymentbus/contracts"
	"github.com/maksmelnyk/paymentbus/internal/config"
	"github.com/maksmelnyk/paymentbus/internal/health"
	"github.com/maksmelnyk/paymentbus/internal/logger"
	"github.com/maksmelnyk/paymentbus/internal/metrics"
	"github.com/maksmelnyk/paymentbus/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const (
	shutdownTimeout = 15 * time.Second
	healthTimeout   = 5 * time.Second
	queueBacklog    = 1000
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "paymentbus",
		Short: "Run and operate the payment service messaging layer",
		Long: `paymentbus connects the payment service to RabbitMQ. It declares the
event topology, publishes payment events and watches the dead letter queue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddCommand(
		serveCommand(&configPath),
		topologyCommand(&configPath),
		publishCommand(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the logger every command shares
func bootstrap(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.App.Name, cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging layer and serve health and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewPrometheusCollector(cfg.Metrics.Namespace)
			manager := paymentbus.NewManager(cfg.RabbitMQ,
				paymentbus.WithLogger(log),
				paymentbus.WithMetrics(collector),
				paymentbus.WithServiceName(cfg.App.Name),
			)

			if err := manager.Startup(ctx); err != nil {
				return fmt.Errorf("failed to start messaging: %w", err)
			}

			var server *http.Server
			if cfg.Metrics.Enabled {
				server, err = startHTTP(cfg, log, manager, collector)
				if err != nil {
					_ = manager.Shutdown(context.Background())
					return err
				}
			}

			log.Info("payment messaging running", zap.String("version", version))
			<-ctx.Done()
			log.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			var errs []error
			if server != nil {
				errs = append(errs, server.Shutdown(shutdownCtx))
			}
			errs = append(errs, manager.Shutdown(shutdownCtx))
			return errors.Join(errs...)
		},
	}
}

func startHTTP(cfg *config.Config, log *zap.Logger, manager *paymentbus.Manager, collector *metrics.PrometheusCollector) (*http.Server, error) {
	provider, err := manager.Provider()
	if err != nil {
		return nil, err
	}
	topology, err := manager.Topology()
	if err != nil {
		return nil, err
	}
	runtime, err := manager.Consumers()
	if err != nil {
		return nil, err
	}

	registry := health.NewRegistry(log)
	registry.SetMetadata("service", cfg.App.Name)
	registry.SetMetadata("version", cfg.App.Version)
	registry.Register(health.NewBrokerChecker(provider))
	registry.Register(health.NewQueueChecker(rabbitmq.PaymentDLQName, topology, queueBacklog))
	registry.Register(health.NewConsumerChecker(runtime))

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.Handle("/health", health.NewHandler(registry, healthTimeout))
	mux.Handle("/live", health.LivenessHandler())

	server := &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	log.Info("http server listening", zap.String("address", cfg.Metrics.Address))
	return server, nil
}

func topologyCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Declare the exchanges and queues and print queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			provider := rabbitmq.NewConnectionProvider(cfg.RabbitMQ,
				rabbitmq.WithLogger(log),
				rabbitmq.WithServiceName(cfg.App.Name),
			)
			defer provider.Close()

			topology := rabbitmq.NewTopologyManager(provider, cfg.RabbitMQ, rabbitmq.WithTopologyLogger(log))
			if err := topology.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}

			fmt.Printf("%-30s %10s %10s\n", "QUEUE", "MESSAGES", "CONSUMERS")
			for _, name := range []string{rabbitmq.PaymentQueueName, rabbitmq.PaymentDLQName} {
				q, err := topology.QueueInfo(ctx, name)
				if err != nil {
					return fmt.Errorf("failed to inspect %s: %w", name, err)
				}
				fmt.Printf("%-30s %10d %10d\n", q.Name, q.Messages, q.Consumers)
			}
			return nil
		},
	}
}

func publishCommand(configPath *string) *cobra.Command {
	var (
		userID           string
		productID        int64
		scheduledEventID int64
		lessonIDs        []int64
		correlationID    string
	)

	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a payment event and wait for the broker to confirm it",
	}
	publishCmd.PersistentFlags().StringVar(&userID, "user", "", "User ID")
	publishCmd.PersistentFlags().Int64Var(&scheduledEventID, "scheduled-event", 0, "Scheduled event ID, 0 for none")
	publishCmd.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Correlation ID, defaults to a freshly generated ID")
	_ = publishCmd.MarkPersistentFlagRequired("user")

	scheduled := func() *int64 {
		if scheduledEventID == 0 {
			return nil
		}
		id := scheduledEventID
		return &id
	}

	send := func(cmd *cobra.Command, routingKey string, event contracts.Event) error {
		cfg, log, err := bootstrap(*configPath)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		if correlationID != "" {
			event.SetCorrelationID(correlationID)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		provider := rabbitmq.NewConnectionProvider(cfg.RabbitMQ,
			rabbitmq.WithLogger(log),
			rabbitmq.WithServiceName(cfg.App.Name),
		)
		defer provider.Close()

		if err := rabbitmq.NewTopologyManager(provider, cfg.RabbitMQ, rabbitmq.WithTopologyLogger(log)).Initialize(ctx); err != nil {
			return fmt.Errorf("failed to declare topology: %w", err)
		}

		publisher := rabbitmq.NewPublisher(provider, cfg.RabbitMQ,
			rabbitmq.WithPublisherLogger(log),
			rabbitmq.WithAppID(cfg.App.Name),
		)
		if !publisher.PublishEvent(ctx, routingKey, event) {
			return fmt.Errorf("event %s was not confirmed", event.GetID())
		}

		fmt.Printf("published %s %s\n", event.GetType(), event.GetID())
		return nil
	}

	completedCmd := &cobra.Command{
		Use:   "payment-completed",
		Short: "Publish PAYMENT_COMPLETED",
		RunE: func(cmd *cobra.Command, args []string) error {
			event := contracts.NewPaymentCompletedEvent(userID, productID, scheduled())
			return send(cmd, rabbitmq.PaymentCompletedKey, event)
		},
	}
	completedCmd.Flags().Int64Var(&productID, "product", 0, "Product ID")

	bookingCmd := &cobra.Command{
		Use:   "booking-requested",
		Short: "Publish BOOKING_CREATION_REQUESTED",
		RunE: func(cmd *cobra.Command, args []string) error {
			event := contracts.NewBookingCreationRequestedEvent(userID, scheduled(), lessonIDs)
			return send(cmd, rabbitmq.BookingCreationRequestedKey, event)
		},
	}
	bookingCmd.Flags().Int64SliceVar(&lessonIDs, "lessons", nil, "Lesson IDs to book")

	publishCmd.AddCommand(completedCmd, bookingCmd)
	return publishCmd
}
