package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httptransport "github.com/spec-kit/ticket-engine/internal/api/http"
	"github.com/spec-kit/ticket-engine/internal/api/http/handlers"
	"github.com/spec-kit/ticket-engine/internal/auth"
	"github.com/spec-kit/ticket-engine/internal/config"
	"github.com/spec-kit/ticket-engine/internal/events"
	"github.com/spec-kit/ticket-engine/internal/observability"
	"github.com/spec-kit/ticket-engine/internal/persistence"
	"github.com/spec-kit/ticket-engine/internal/repository"
	"github.com/spec-kit/ticket-engine/internal/resilience"
	"github.com/spec-kit/ticket-engine/internal/service"
	"github.com/spec-kit/ticket-engine/internal/sla"
	"github.com/spec-kit/ticket-engine/internal/worker"
)

const (
	shutdownTimeout     = 10 * time.Second
	intentStreamMaxLen  = 10000
	notificationBacklog = 256
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the notification worker and the SLA monitor",
		RunE:  runServe,
	}
}

type repositories struct {
	tickets     repository.TicketRepository
	assignments repository.AssignmentRepository
	history     repository.TicketHistoryRepository
}

// newRepositories picks Postgres when a pool is configured and the
// in-memory store otherwise.
func newRepositories(pg *persistence.Postgres, logger *zap.Logger) repositories {
	if pg.Enabled() {
		return repositories{
			tickets:     repository.NewTicketRepository(pg.Pool),
			assignments: repository.NewAssignmentRepository(pg.Pool),
			history:     repository.NewTicketHistoryRepository(pg.Pool),
		}
	}
	logger.Warn("POSTGRES_DSN not set, using the in-memory store")
	mem := repository.NewMemory()
	return repositories{tickets: mem.Tickets(), assignments: mem.Assignments(), history: mem.History()}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()
	if pg.Enabled() && cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.Pool, logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	rdb := persistence.NewRedis(cfg.Redis, logger)
	defer rdb.Close()

	settings, err := config.LoadSLAPolicy(cfg.SLA.PolicyFile)
	if err != nil {
		return err
	}
	policy, err := sla.NewPolicy(settings, cfg.SLA.WarningMargin)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	store := resilience.NewStore(resilience.ConfigFrom(cfg.Resilience),
		resilience.WithLogger(logger),
		resilience.WithMetrics(metrics),
	)
	dispatcher := events.NewInMemoryDispatcher()
	repos := newRepositories(pg, logger)

	sinks := []events.Sink{events.NewLogSink(logger)}
	var locker sla.Locker
	if rdb != nil {
		sinks = append(sinks, events.NewRedisStreamSink(rdb.Client, cfg.Redis.IntentStream, intentStreamMaxLen))
		locker = persistence.NewRedisLocker(rdb.Client, cfg.Redis.SweepLockKey)
	}
	if kafkaSink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.IntentsTopic); kafkaSink != nil {
		sinks = append(sinks, kafkaSink)
		defer kafkaSink.Close() //nolint:errcheck
	}
	notifier := service.NewNotificationService(logger, metrics, sinks...)
	notifications := worker.NewNotificationWorker(notifier, notificationBacklog, logger)
	worker.StartNotificationWorker(dispatcher, notifications)

	rt := service.Runtime{
		Store:      store,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
		Timeout:    cfg.Resilience.OperationTimeout,
	}
	tickets := service.NewTicketService(service.TicketDependencies{
		TicketRepo:     repos.tickets,
		AssignmentRepo: repos.assignments,
		HistoryRepo:    repos.history,
		Policy:         policy,
		Runtime:        rt,
	})
	coordinator := service.NewAssignmentCoordinator(service.AssignmentDependencies{
		TicketRepo:     repos.tickets,
		AssignmentRepo: repos.assignments,
		HistoryRepo:    repos.history,
		Runtime:        rt,
	})
	monitor := sla.NewMonitor(sla.Dependencies{
		Tickets:    repos.tickets,
		History:    repos.history,
		Store:      store,
		Policy:     policy,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
		Locker:     locker,
	})

	app := httptransport.NewServer(httptransport.ServerConfig{
		AppName:        cfg.App.Name,
		Logger:         logger,
		Metrics:        metrics,
		RequestTimeout: time.Duration(cfg.App.RequestTimeoutSeconds) * time.Second,
		Routes: httptransport.RouteConfig{
			Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, rdb),
			Tickets:        handlers.NewTicketsHandler(tickets, monitor),
			Assignments:    handlers.NewAssignmentsHandler(coordinator),
			SLA:            handlers.NewSLAHandler(monitor, cfg.SLA.Interval()),
			AuthMiddleware: auth.NewAuthMiddleware(auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)),
			Metrics:        metrics,
		},
	})

	if cfg.SLA.AutoStart {
		if _, err := monitor.Start(cfg.SLA.Interval()); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return notifications.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()), zap.Strings("sinks", notifier.Sinks()))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		monitor.Stop(shutdownCtx)
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
