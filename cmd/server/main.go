package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/philocalist9/gym-manage-sub000/internal/config"
	"github.com/philocalist9/gym-manage-sub000/internal/database"
	"github.com/philocalist9/gym-manage-sub000/internal/events"
	"github.com/philocalist9/gym-manage-sub000/internal/jobs"
	"github.com/philocalist9/gym-manage-sub000/internal/logging"
	"github.com/philocalist9/gym-manage-sub000/internal/middleware"
	"github.com/philocalist9/gym-manage-sub000/internal/repository"
	"github.com/philocalist9/gym-manage-sub000/internal/routes"
	"github.com/philocalist9/gym-manage-sub000/internal/services"
	"github.com/philocalist9/gym-manage-sub000/internal/telemetry"
	appointmentws "github.com/philocalist9/gym-manage-sub000/internal/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
)

const (
	serviceName     = "gym-scheduling"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init(serviceName, cfg.AppEnv, cfg.LogLevel)

	policy, err := services.NewSchedulingPolicy(
		cfg.FacilityTimezone,
		cfg.OpeningTime,
		cfg.ClosingTime,
		cfg.CompletionPolicy,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid scheduling policy")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, serviceVersion, cfg.OTELEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to set up OpenTelemetry; continuing without trace export")
		shutdownTracing = func(context.Context) error { return nil }
	}

	// 2. Storage
	var (
		store  repository.AppointmentStore
		locker repository.TrainerLocker
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		memory := repository.NewMemoryStore()
		store, locker = memory, memory
		log.Warn().Msg("Using in-memory appointment store; data is lost on restart")
	default:
		pool, err := database.ConnectDB(ctx, cfg.DBUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pool.Close()
		store = repository.NewAppointmentRepository(pool)
		locker = repository.NewPostgresTrainerLocker(pool)
	}

	// 3. Events
	hub := appointmentws.NewHub()
	go hub.Run(ctx)

	publishers := []events.Publisher{events.LogPublisher{}}
	if cfg.RedisURL != "" {
		redisClient, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()

		publishers = append(publishers, events.NewRedisPublisher(redisClient, cfg.EventsChannel))
		go func() {
			if err := events.Relay(ctx, redisClient, cfg.EventsChannel, hub); err != nil {
				log.Error().Err(err).Msg("Event relay stopped")
			}
		}()
	} else {
		publishers = append(publishers, hub)
	}

	dispatcher := events.NewDispatcher(cfg.EventQueueSize, publishers...)
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	appointmentService := services.NewAppointmentService(
		store,
		locker,
		policy,
		services.WithEventPublisher(dispatcher),
	)

	// 4. Background jobs
	scheduler, err := jobs.Schedule(cfg.PendingExpirySchedule, jobs.NewPendingExpiryJob(appointmentService))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule pending expiry")
	}
	scheduler.Start()

	// 5. Setup Fiber
	app := fiber.New(fiber.Config{DisableStartupMessage: cfg.AppEnv != "development"})

	app.Use(cors.New())
	app.Use(middleware.Tracing(otel.GetTracerProvider(), otel.GetMeterProvider()))
	app.Use(middleware.RequestLogger())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
	if err := routes.RegisterRoutes(app, cfg, appointmentService, hub); err != nil {
		log.Fatal().Err(err).Msg("Failed to register routes")
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	// 6. Start Server
	log.Info().Str("port", cfg.Port).Str("store", cfg.StoreDriver).Msg("Server starting")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Error().Err(err).Msg("Server failed")
	}

	stop()
	<-scheduler.Stop().Done()
	<-dispatcherDone

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Error().Err(err).Msg("Trace exporter shutdown failed")
	}
	log.Info().Int64("dropped_events", dispatcher.Dropped()).Msg("Server stopped")
}
