// Package main provides the TISS transmitter entry point.
// Consumes valid submissions and delivers them to insurer web services.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/audit"
	"github.com/atendebem/go-atende/internal/config"
	"github.com/atendebem/go-atende/internal/domain/billing"
	"github.com/atendebem/go-atende/internal/infrastructure/postgres"
	"github.com/atendebem/go-atende/internal/infrastructure/redpanda"
	"github.com/atendebem/go-atende/internal/observability/metrics"
	"github.com/atendebem/go-atende/internal/observability/tracing"
	"github.com/atendebem/go-atende/internal/transmit"
	"github.com/atendebem/go-atende/pkg/circuitbreaker"
	"github.com/atendebem/go-atende/pkg/idempotency"
	"github.com/atendebem/go-atende/pkg/workerpool"
)

const serviceName = "tiss-transmitter"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, _ := zap.NewProduction()
	if cfg.IsDev() {
		logger, _ = zap.NewDevelopment()
	}
	logger = logger.With(zap.String("service", serviceName))
	defer logger.Sync()

	if cfg.TISSEndpointTemplate == "" {
		logger.Fatal("TISS_ENDPOINT_TEMPLATE is required")
	}

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("stale inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale transmissions", zap.Int64("count", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	billingSvc := billing.NewService(billing.NewPGRepository(pool), billing.NewPGSequencer(pool), audit.NewPGRecorder(pool),
		billing.WithMetrics(m),
		billing.WithLogger(logger),
	)

	breakerCfg := circuitbreaker.DefaultConfig("insurer")
	breakerCfg.IsStructural = transmit.IsRejection
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Code())
	}
	breakers := circuitbreaker.NewManager(breakerCfg, logger)

	transmitter := transmit.New(billingSvc, inbox, cfg.TISSEndpointTemplate,
		transmit.WithBreakers(breakers),
		transmit.WithMetrics(m),
		transmit.WithLogger(logger),
	)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.TISSTransmitWorkers
	poolCfg.ShouldRetry = transmit.ShouldRetry

	workers, err := workerpool.New(poolCfg, transmitter.Work, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workers.Start()
	defer workers.Stop()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	consumer, err := redpanda.NewConsumer(
		redpanda.DefaultConsumerConfig(cfg.KafkaBrokers, serviceName, redpanda.TopicTISSSubmissions),
		func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
			var req billing.TransmissionRequest
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				// Unparseable records would block the partition forever.
				logger.Error("dropping malformed transmission request",
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				return nil
			}
			res, err := workers.SubmitWait(ctx, &workerpool.Task{ID: req.SubmissionID, Payload: req, Context: ctx})
			if err != nil {
				return err
			}
			if !res.Success && transmit.ShouldRetry(res.Error) {
				return res.Error
			}
			return nil
		}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("tiss transmitter started",
		zap.Int("workers", poolCfg.Workers),
		zap.String("endpoint_template", cfg.TISSEndpointTemplate))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !workers.IsHealthy() {
			http.Error(w, "queue saturated", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"workers":  workers.Stats(),
			"breakers": breakers.GetHealthStatus(),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			logger.Warn("readiness: database", zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if err := admin.Ready(r.Context(), redpanda.TopicTISSSubmissions); err != nil {
			logger.Warn("readiness: redpanda", zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("tiss transmitter stopped")
}
