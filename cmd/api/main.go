package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/email"
	availabilityh "github.com/jwalitptl/scheduling-api/internal/handler/availability"
	bookingh "github.com/jwalitptl/scheduling-api/internal/handler/booking"
	cancellationh "github.com/jwalitptl/scheduling-api/internal/handler/cancellation"
	"github.com/jwalitptl/scheduling-api/internal/handler/health"
	slotsh "github.com/jwalitptl/scheduling-api/internal/handler/slots"
	vacancyh "github.com/jwalitptl/scheduling-api/internal/handler/vacancy"
	"github.com/jwalitptl/scheduling-api/internal/middleware"
	"github.com/jwalitptl/scheduling-api/internal/repository/postgres"
	"github.com/jwalitptl/scheduling-api/internal/router"
	"github.com/jwalitptl/scheduling-api/internal/service/availability"
	"github.com/jwalitptl/scheduling-api/internal/service/booking"
	"github.com/jwalitptl/scheduling-api/internal/service/cancellation"
	"github.com/jwalitptl/scheduling-api/internal/service/eligibility"
	"github.com/jwalitptl/scheduling-api/internal/service/notification"
	"github.com/jwalitptl/scheduling-api/internal/service/payment"
	"github.com/jwalitptl/scheduling-api/internal/service/ranking"
	"github.com/jwalitptl/scheduling-api/internal/service/slots"
	"github.com/jwalitptl/scheduling-api/internal/service/vacancy"
	"github.com/jwalitptl/scheduling-api/pkg/logger"
	"github.com/jwalitptl/scheduling-api/pkg/meeting"
	redisbroker "github.com/jwalitptl/scheduling-api/pkg/messaging/redis"
	"github.com/jwalitptl/scheduling-api/pkg/metrics"
	"github.com/jwalitptl/scheduling-api/pkg/validator"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	appLogger := logger.NewLogger(nil)

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	broker, err := redisbroker.NewRedisBroker(redisbroker.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &log.Logger)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to redis")
	}
	defer broker.Close()

	m := metrics.NewMetrics("scheduling", "api")
	validate := validator.New()

	slotRepo := postgres.NewSlotRepository(db)
	providerRepo := postgres.NewProviderRepository(db)
	patientRepo := postgres.NewPatientRepository(db)
	policyRepo := postgres.NewPayerPolicyRepository(db)

	paymentSvc := payment.NewService(db)
	emailSender := email.NewService(email.Config{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
	})
	notifier := notification.NewService(broker, emailSender, appLogger)
	meetings := meeting.NewClient(meeting.ClientConfig{
		BaseURL: cfg.Meeting.BaseURL,
		APIKey:  cfg.Meeting.APIKey,
		Timeout: cfg.Meeting.Timeout,
	})

	eligibilitySvc := eligibility.NewService(patientRepo, providerRepo, policyRepo, slotRepo, paymentSvc, cfg.Policy)
	availabilitySvc := availability.NewService(slotRepo, cfg, m)
	rankingSvc := ranking.NewService(slotRepo, cfg.Policy)
	cancellationSvc := cancellation.NewService(slotRepo, paymentSvc, meetings, notifier, appLogger, m, cfg)
	bookingSvc := booking.NewService(slotRepo, eligibilitySvc, availabilitySvc, rankingSvc, cancellationSvc, paymentSvc, meetings, notifier, appLogger, m, cfg)
	slotsSvc := slots.NewService(slotRepo)
	vacancySvc := vacancy.NewService(slotRepo, providerRepo, eligibilitySvc, rankingSvc, meetings, notifier, appLogger, m, cfg)

	auth := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	r := router.NewRouter(
		cfg,
		auth,
		health.NewHandler(db),
		availabilityh.NewHandler(eligibilitySvc, availabilitySvc),
		bookingh.NewHandler(bookingSvc, validate),
		cancellationh.NewHandler(cancellationSvc),
		slotsh.NewHandler(slotsSvc, validate),
		vacancyh.NewHandler(vacancySvc, slotRepo, providerRepo),
	)
	r.Setup()

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		appLogger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal(err, "server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error(err, "forced shutdown")
	}
}
