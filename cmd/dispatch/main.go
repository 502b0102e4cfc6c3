package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/samims/dispatch/internal/channel"
	"github.com/samims/dispatch/internal/config"
	"github.com/samims/dispatch/internal/delivery"
	"github.com/samims/dispatch/internal/envelope"
	"github.com/samims/dispatch/internal/events"
	"github.com/samims/dispatch/internal/handler"
	"github.com/samims/dispatch/internal/logger"
	"github.com/samims/dispatch/internal/metrics"
	"github.com/samims/dispatch/internal/push"
	"github.com/samims/dispatch/internal/queue"
	"github.com/samims/dispatch/internal/ratelimit"
	"github.com/samims/dispatch/internal/router"
	"github.com/samims/dispatch/internal/service"
	"github.com/samims/dispatch/internal/storage"
	"github.com/samims/dispatch/internal/webhook"
	"github.com/samims/dispatch/internal/workflow"
	observability "github.com/samims/dispatch/pkg/observability"
)

var version = "dev"

func main() {
	fs := pflag.NewFlagSet("dispatch", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	l := logger.NewLogger(cfg.LogLevel)
	slog.SetDefault(l)

	if err := run(cfg, l); err != nil {
		l.Error("dispatch exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	l.Info("dispatch exited cleanly")
}

func run(cfg *config.Config, l *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	// ---- OpenTelemetry Tracing Setup ----
	_, tracerShutdown, err := observability.NewTracerProvider(ctx, observability.Config{
		ServiceName: cfg.ServiceName,
		Version:     version,
		Role:        cfg.Role,
		Endpoint:    cfg.OTLPEndpoint,
	}, l)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracerShutdown()

	dbPool, err := storage.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer dbPool.Close()
	if err := storage.ApplySchema(ctx, dbPool); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	store := storage.NewPostgresStorage(dbPool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	crypt, err := envelope.New(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init envelope encryption: %w", err)
	}

	publisher, err := newPublisher(cfg, l)
	if err != nil {
		return err
	}
	defer publisher.Close()

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	providers := push.NewFactory(crypt, push.FactoryOptions{
		Timeout:      cfg.ProviderTimeout,
		VAPIDSubject: cfg.VAPIDSubject,
	})
	channels := channel.NewRegistry(channel.RegistryDeps{
		Channels:    store,
		Apps:        store,
		Inbox:       store,
		Crypt:       crypt,
		Push:        providers,
		Client:      httpClient,
		SMTPTimeout: cfg.ProviderTimeout,
		Logger:      l,
	})
	hooks := webhook.NewDispatcher(store, crypt, cfg.HookTimeout, l)
	queues := queue.NewRegistry(rdb, queue.Defaults{
		Attempts: cfg.Queue.Attempts,
		Backoff:  cfg.Queue.Backoff,
	}, l, queue.NotificationQueue, queue.WorkflowQueue)

	deliveryDeps := delivery.Deps{
		Store:     store,
		Providers: providers,
		Channels:  channels,
		Hooks:     hooks,
		Events:    publisher,
		Logger:    l,
	}
	engine := workflow.NewEngine(workflow.Deps{
		Store:    store,
		Channels: channels,
		Producer: queues,
		Hooks:    hooks,
		Events:   publisher,
		Logger:   l,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Role == config.RoleWorker || cfg.Role == config.RoleAll {
		workerOpts := func(concurrency int) queue.WorkerOptions {
			return queue.WorkerOptions{Concurrency: concurrency, PollInterval: cfg.Queue.PollInterval, Lease: cfg.Queue.Lease}
		}
		sends := queue.NewWorker(queues.Queue(queue.NotificationQueue), delivery.NewWorker(deliveryDeps).Handle, workerOpts(cfg.Queue.NotificationConcurrency))
		steps := queue.NewWorker(queues.Queue(queue.WorkflowQueue), engine.Handle, workerOpts(cfg.Queue.WorkflowConcurrency))
		g.Go(func() error { sends.Run(gctx); return nil })
		g.Go(func() error { steps.Run(gctx); return nil })
	}

	if cfg.Role == config.RoleAPI || cfg.Role == config.RoleAll {
		notificationSvc := service.NewNotificationService(store, queues, delivery.NewDirectSender(deliveryDeps, 0), l)
		healthSvc := service.NewHealthService(map[string]service.Pinger{
			"postgres": store,
			"redis":    service.RedisPinger{Client: rdb},
		}, l)

		r := router.NewRouter(router.Handlers{
			Notifications: handler.NewNotificationHandler(notificationSvc, l),
			Devices:       handler.NewDeviceHandler(service.NewDeviceService(store, l), l),
			Workflows:     handler.NewWorkflowHandler(engine, l),
			Health:        handler.NewHealthHandler(healthSvc, l),
		}, ratelimit.NewLimiter(rdb, cfg.RateLimit, cfg.RateLimitWindow, l))

		server := &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			l.Info("Server started", "addr", server.Addr, "role", cfg.Role)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			l.Info("Shutting down server...")
			ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctxTimeout)
		})
	}

	return g.Wait()
}

// newPublisher returns the Kafka publisher, or a no-op one without brokers.
func newPublisher(cfg *config.Config, l *slog.Logger) (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		l.Info("KAFKA_BROKERS not set, outcome events are not published")
		return events.NopPublisher{}, nil
	}
	producer, err := events.NewAsyncProducer(cfg.Kafka.Brokers, cfg.ServiceName+"-events")
	if err != nil {
		return nil, err
	}
	p, err := events.NewKafkaPublisher(producer, cfg.Kafka.Topic, l)
	if err != nil {
		producer.Close()
		return nil, err
	}
	p.Start()
	return p, nil
}
