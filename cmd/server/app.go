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

	"dispatch-system/internal/config"
	"dispatch-system/internal/database"
	"dispatch-system/internal/handlers"
	"dispatch-system/internal/kafka"
	"dispatch-system/internal/logger"
	"dispatch-system/internal/middleware"
	"dispatch-system/internal/models"
	"dispatch-system/internal/rabbitmq"
	"dispatch-system/internal/redis"
	"dispatch-system/internal/routing"
	"dispatch-system/internal/scheduler"
	"dispatch-system/internal/services"
)

const version = "1.0.0"

const (
	loopDispatch   = "dispatch"
	loopSLAMonitor = "sla_monitor"
	loopBatching   = "batching"
)

var loopNames = []string{loopDispatch, loopSLAMonitor, loopBatching}

// app holds every long-lived component of the engine.
type app struct {
	cfg *config.Config
	log *logger.Logger

	db       *database.DB
	redis    *redis.Client
	producer *kafka.Producer
	rabbit   *rabbitmq.Client
	notifier *rabbitmq.Notifier

	escalation   *services.EscalationService
	reassignment *services.ReassignmentService
	monitor      *services.SLAMonitor
	lifecycle    *services.LifecycleService
	planner      *services.RoutePlanner

	loops []*scheduler.Loop
}

func slaPolicy(cfg *config.SLAConfig) models.SLAPolicy {
	return models.SLAPolicy{
		UrgentMinutes:   cfg.UrgentMinutes,
		StandardMinutes: cfg.StandardMinutes,
		WarningPercent:  cfg.WarningPercent,
		CriticalPercent: cfg.CriticalPercent,
	}
}

// externalRouting returns nil interfaces for providers without a base URL so
// the planner skips those tiers.
func externalRouting(cfg *config.Config) (services.Solver, services.RoutingProvider) {
	var solver services.Solver
	var router services.RoutingProvider
	if cfg.Solver.BaseURL != "" {
		solver = routing.NewSolverClient(cfg.Solver.BaseURL, cfg.Solver.TimeLimit, cfg.Solver.Timeout)
	}
	if cfg.Routing.BaseURL != "" {
		router = routing.NewClient(cfg.Routing.BaseURL, cfg.Routing.Timeout)
	}
	return solver, router
}

func newApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if err := a.connect(); err != nil {
		a.close()
		return nil, err
	}
	a.notifier = rabbitmq.NewNotifier(a.rabbit, a.rabbit.Exchange(), cfg.RabbitMQ.BufferSize, log)

	policy := slaPolicy(&cfg.SLA)
	store := database.NewStore(a.db, policy, cfg.Database.QueryTimeout, log)
	tickets := redis.NewTicketStore(a.redis, cfg.Escalation.TicketTTL)
	streaks := redis.NewStreakCounter(a.redis, 0)
	solver, router := externalRouting(cfg)

	a.escalation = services.NewEscalationService(tickets, a.producer, a.notifier, log)
	a.planner = services.NewRoutePlanner(solver, router, cfg.Dispatch.LargeBatchThreshold, log)
	a.reassignment = services.NewReassignmentService(store, a.producer, a.notifier, &cfg.Reassignment, policy, log)
	a.lifecycle = services.NewLifecycleService(store, a.escalation, cfg.Dispatch.BreakThreshold, log)
	compensation := services.NewCompensationService(&cfg.SLA, log)
	a.monitor = services.NewSLAMonitor(store, a.producer, a.notifier, a.reassignment, a.escalation,
		compensation, &cfg.SLA, policy, log)

	queue := services.NewBatchQueue()
	dispatch := services.NewDispatchService(store, a.producer, a.notifier, streaks, a.escalation,
		a.planner, queue, &cfg.Dispatch, policy, log)
	batching := services.NewBatchingService(store, queue, &cfg.Batching, policy, log)

	onFailure := scheduler.WithFailureThreshold(cfg.Dispatch.FailureThreshold, a.escalation.RaiseSystemFailure)
	a.loops = []*scheduler.Loop{
		scheduler.New(loopDispatch, cfg.Dispatch.Interval, dispatch.Tick, log, onFailure),
		scheduler.New(loopSLAMonitor, cfg.SLA.MonitorInterval, a.monitor.Tick, log, onFailure),
		scheduler.New(loopBatching, cfg.Batching.Interval, batching.Tick, log, onFailure),
	}

	return a, nil
}

func (a *app) connect() error {
	var err error
	if a.db, err = database.Connect(&a.cfg.Database, a.log); err != nil {
		return err
	}
	if a.redis, err = redis.Connect(&a.cfg.Redis, a.log); err != nil {
		return err
	}
	if a.producer, err = kafka.NewProducer(&a.cfg.Kafka, a.log); err != nil {
		return err
	}
	if a.rabbit, err = rabbitmq.Connect(&a.cfg.RabbitMQ, a.log); err != nil {
		return err
	}
	return nil
}

func (a *app) loop(name string) (*scheduler.Loop, bool) {
	for _, l := range a.loops {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

func (a *app) router() http.Handler {
	var limiter middleware.Limiter
	if a.cfg.RateLimit.Enabled {
		limiter = redis.NewRateLimiter(a.redis, a.cfg.RateLimit.WritesPerMin, a.cfg.RateLimit.BanDuration, a.log)
	}

	return handlers.NewRouter(handlers.Handlers{
		Orders:      handlers.NewOrderHandler(a.monitor, a.reassignment, a.escalation, a.lifecycle, a.log),
		Drivers:     handlers.NewDriverHandler(a.lifecycle, a.log),
		Escalations: handlers.NewEscalationHandler(a.escalation, a.log),
		Routes:      handlers.NewRouteHandler(a.planner, a.log),
		Health: handlers.NewHealthHandler(map[string]handlers.HealthChecker{
			"database": a.db,
			"redis":    a.redis,
			"rabbitmq": a.rabbit,
		}, version),
	}, limiter, a.log)
}

// close releases whatever was opened, in reverse order.
func (a *app) close() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.rabbit != nil {
		if err := a.rabbit.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close RabbitMQ")
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close Kafka producer")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close Redis")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close database")
		}
	}
}

func load(configFile string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(&cfg.Logger), nil
}

var progressEvents = []models.EventType{
	models.EventTypeOrderPickedUp,
	models.EventTypeOrderInTransit,
	models.EventTypeOrderDelivered,
	models.EventTypeOrderFailed,
	models.EventTypeDriverArrived,
	models.EventTypeDriverBreakStart,
	models.EventTypeDriverBreakEnd,
}

func serve(configFile string) error {
	cfg, log, err := load(configFile)
	if err != nil {
		return err
	}
	log.WithField("version", version).Info("Starting dispatch engine")

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	consumer, err := kafka.NewConsumer(&cfg.Kafka, log)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	progress := kafka.ProgressHandler(a.lifecycle.HandleProgress)
	for _, eventType := range progressEvents {
		consumer.RegisterHandler(eventType, progress)
	}
	consumer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, l := range a.loops {
		l.Start(ctx)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("address", server.Addr).Info("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("Shutting down")
	case runErr = <-serverErr:
		log.WithError(runErr).Error("HTTP server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	cancel()
	for _, l := range a.loops {
		l.Stop()
	}
	if err := consumer.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop Kafka consumer")
	}

	log.Info("Dispatch engine stopped")
	return runErr
}

func tickOnce(configFile, name string) error {
	cfg, log, err := load(configFile)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	l, ok := a.loop(name)
	if !ok {
		return fmt.Errorf("unknown loop %q", name)
	}

	start := time.Now()
	if err := l.Tick(context.Background()); err != nil {
		return fmt.Errorf("%s tick failed: %w", name, err)
	}
	log.WithField("loop", name).WithField("duration", time.Since(start).String()).Info("Tick completed")
	return nil
}
