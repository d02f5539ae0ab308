package main

import (
	"context"
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
	"github.com/jwalitptl/scheduling-api/internal/repository/postgres"
	"github.com/jwalitptl/scheduling-api/internal/service/eligibility"
	"github.com/jwalitptl/scheduling-api/internal/service/notification"
	"github.com/jwalitptl/scheduling-api/internal/service/payment"
	"github.com/jwalitptl/scheduling-api/internal/service/ranking"
	"github.com/jwalitptl/scheduling-api/internal/service/vacancy"
	"github.com/jwalitptl/scheduling-api/pkg/logger"
	"github.com/jwalitptl/scheduling-api/pkg/meeting"
	redisbroker "github.com/jwalitptl/scheduling-api/pkg/messaging/redis"
	"github.com/jwalitptl/scheduling-api/pkg/metrics"
)

// The worker runs the reassignment sweep and the waiting-link remap on a
// schedule. Both are idempotent, so an overlapping manual trigger through
// the API is harmless.
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

	m := metrics.NewMetrics("scheduling", "worker")

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
	rankingSvc := ranking.NewService(slotRepo, cfg.Policy)
	vacancySvc := vacancy.NewService(slotRepo, providerRepo, eligibilitySvc, rankingSvc, meetings, notifier, appLogger, m, cfg)

	setupHealthCheck(appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("shutting down")
		cancel()
	}()

	run(ctx, cfg, vacancySvc, appLogger)
}

func run(ctx context.Context, cfg *config.Config, svc *vacancy.Service, appLogger *logger.Logger) {
	ticker := time.NewTicker(cfg.Worker.SweepInterval)
	defer ticker.Stop()

	appLogger.Info("worker started", "interval", cfg.Worker.SweepInterval.String())

	for {
		select {
		case <-ctx.Done():
			appLogger.Info("worker stopped")
			return
		case <-ticker.C:
			report, err := svc.AutoAssignOverbooked(ctx)
			if err != nil {
				appLogger.Error(err, "reassignment sweep failed")
				continue
			}
			appLogger.Info("reassignment sweep done",
				"assigned", report.Assigned, "unable", report.Unable, "errored", report.Errored)

			now := time.Now()
			remap, err := svc.RemapWaitingLinks(ctx, now, now.AddDate(0, 0, 90))
			if err != nil {
				appLogger.Error(err, "waiting-link remap failed")
				continue
			}
			if remap.Success > 0 || remap.Error > 0 {
				appLogger.Info("waiting-link remap done", "success", remap.Success, "error", remap.Error)
			}
		}
	}
}

func setupHealthCheck(appLogger *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := http.ListenAndServe(":8081", mux); err != nil {
			appLogger.Fatal(err, "health check server failed")
		}
	}()
}
