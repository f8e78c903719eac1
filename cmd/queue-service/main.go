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

	"qms/sector-queue/internal/config"
	"qms/sector-queue/internal/httpapi"
	"qms/sector-queue/internal/metrics"
	"qms/sector-queue/internal/notify"
	"qms/sector-queue/internal/queue"
	"qms/sector-queue/internal/realtime"
	"qms/sector-queue/internal/store"
	"qms/sector-queue/internal/store/memory"
	"qms/sector-queue/internal/store/postgres"
	"qms/sector-queue/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "queue-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    serviceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	metrics.Register(prometheus.DefaultRegisterer)

	ticketStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := realtime.NewHub(logger)
	fanout := notify.NewFanout()

	var relay *notify.RedisRelay
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			// Keep a Redis outage from stalling ticket requests on publish.
			DialTimeout:  time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			MaxRetries:   1,
		})
		defer client.Close()
		// Every instance relays the shared channel into its local hub, so the
		// hub is reached through Redis rather than published to directly.
		fanout.Add("redis", notify.NewRedisPublisher(client, cfg.RedisChannel))
		relay = notify.NewRedisRelay(client, cfg.RedisChannel, hub, logger)
	} else {
		fanout.Add("realtime", hub)
	}
	if cfg.AMQPURL != "" {
		amqpPublisher := notify.NewAMQPPublisher(notify.AMQPOptions{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Logger:   logger,
		})
		amqpPublisher.Start(ctx)
		defer amqpPublisher.Close()
		fanout.Add("amqp", amqpPublisher)
	}

	var rooms queue.RoomAssigner
	if len(cfg.Rooms) > 0 {
		rooms = queue.NewRoundRobinRooms(cfg.Rooms)
	}
	service := queue.NewService(ticketStore, fanout, queue.Options{
		Location: cfg.Location,
		Rooms:    rooms,
		Logger:   logger,
	})

	api := httpapi.NewHandler(service, httpapi.Options{Health: ticketStore, Logger: logger})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/realtime/", realtime.NewHandler("/realtime", hub, logger))
	mux.Handle("/", limiter.Middleware(api.Routes()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpapi.Instrument(logger, serviceName, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	if relay != nil {
		group.Go(func() error {
			return relay.Run(groupCtx)
		})
	}
	group.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if removed := limiter.Sweep(); removed > 0 {
					logger.Debug("rate limiter sweep", zap.Int("removed", removed))
				}
			}
		}
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("stopped", zap.Error(err))
		return err
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.TicketStore, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("using in-memory store, tickets are lost on restart")
		return memory.NewStore(memory.Options{
			Location: cfg.Location,
			Sectors:  memory.DefaultSectors(),
		}), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	st := postgres.NewStore(pool, postgres.Options{
		Location:             cfg.Location,
		AllocatorMaxAttempts: cfg.AllocatorMaxAttempts,
		ClaimMaxAttempts:     cfg.ClaimMaxAttempts,
		Logger:               logger,
	})
	return st, pool.Close, nil
}

func newLogger(level string) (*zap.Logger, error) {
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = atomic
	return cfg.Build(zap.Fields(zap.String("service", serviceName)))
}
