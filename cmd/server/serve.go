package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/copay-engine/api"
	"github.com/warp/copay-engine/config"
	"github.com/warp/copay-engine/events"
	"github.com/warp/copay-engine/locker"
	"github.com/warp/copay-engine/payments"
	"github.com/warp/copay-engine/processor"
	"github.com/warp/copay-engine/telemetry"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API with the processor simulator and the pending
payment sweeper. SIGINT or SIGTERM drains in-flight requests for up to 30s.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.HTTP.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (HTTP_PORT)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := telemetry.NewLogger(cfg.App.LogLevel, cfg.App.Env)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing.Endpoint, "copay-engine", Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	lock, closeLock, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLock()

	publisher, err := events.New(events.Config{
		Backend:      cfg.Events.Backend,
		KafkaBrokers: cfg.Events.KafkaBrokers,
		KafkaTopic:   cfg.Events.KafkaTopic,
		AMQPURL:      cfg.Events.AMQPURL,
		AMQPQueue:    cfg.Events.AMQPQueue,
	}, logger)
	if err != nil {
		return fmt.Errorf("init events: %w", err)
	}
	defer publisher.Close()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	opts := []payments.Option{
		payments.WithLogger(logger),
		payments.WithPublisher(publisher),
		payments.WithMetrics(metrics),
		payments.WithLocker(lock),
	}

	credits := payments.NewCreditLedger(store, logger, metrics)
	reconciler := payments.NewReconciler(store, credits, opts...)

	var delivery processor.Delivery = processor.InProcess{Handler: reconciler}
	if cfg.Processor.Delivery == "http" {
		delivery = processor.NewHTTPDelivery(cfg.Processor.WebhookURL)
	}
	simulator := processor.NewSimulator(processor.Config{
		MinDelay: cfg.Processor.MinDelay,
		MaxDelay: cfg.Processor.MaxDelay,
	}, delivery, processor.RandomOutcome(cfg.Processor.SuccessRate, rand.New(rand.NewSource(time.Now().UnixNano()))), logger.Named("processor"))
	defer simulator.Close()

	settlement := payments.NewSettlement(store, simulator, credits, payments.SettlementConfig{
		OverpaymentMultiplier:     cfg.Billing.OverpaymentMultiplier,
		MergeDuplicateAllocations: cfg.Billing.MergeDuplicateAllocations,
	}, opts...)

	handler := api.NewHandler(settlement, reconciler, payments.NewQueries(store, credits), logger)
	if cfg.App.Env == "development" {
		handler.Seeder = store
	}
	router := api.NewRouter(handler, api.RouterOptions{Metrics: metrics, Gatherer: prometheus.DefaultGatherer})

	sweeper := api.NewPendingSweeper(store, settlement, cfg.Sweeper.Interval, cfg.Sweeper.StaleAfter, logger)
	sweeper.Gauge = metrics.StalePending

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("env", cfg.App.Env),
			zap.String("db_driver", string(store.Dialect())),
			zap.String("events", cfg.Events.Backend),
			zap.String("delivery", cfg.Processor.Delivery),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// newLocker returns the Redis lock when REDIS_ADDR is set and an
// in-process lock otherwise.
func newLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (payments.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Info("using in-process webhook lock")
		return locker.NewLocal(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("using redis webhook lock", zap.String("addr", cfg.Redis.Addr))
	return locker.NewRedis(client, locker.DefaultTTL), func() { client.Close() }, nil
}
