// Package main provides the prescription API service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/api"
	"github.com/atendebem/go-atende/internal/audit"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/config"
	"github.com/atendebem/go-atende/internal/domain/billing"
	"github.com/atendebem/go-atende/internal/domain/controlled"
	"github.com/atendebem/go-atende/internal/domain/prescription"
	"github.com/atendebem/go-atende/internal/infrastructure/postgres"
	"github.com/atendebem/go-atende/internal/observability/metrics"
	"github.com/atendebem/go-atende/internal/observability/tracing"
	"github.com/atendebem/go-atende/internal/signature"
	"github.com/atendebem/go-atende/internal/signature/vidaas"
	"github.com/atendebem/go-atende/pkg/circuitbreaker"
)

const serviceName = "prescription-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
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
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	table, err := controlled.LoadTable(cfg.ControlledTablePath)
	if err != nil {
		logger.Fatal("controlled substance table", zap.Error(err))
	}
	classifier := controlled.NewClassifier(table)
	logger.Info("controlled substance table loaded", zap.String("version", classifier.Version()))

	recorder := audit.NewPGRecorder(pool)

	prescriptions := prescription.NewService(
		prescription.NewPGRepository(pool, logger),
		prescription.NewPGDirectory(pool),
		classifier,
		recorder,
		prescription.WithDefaultValidity(cfg.DefaultValidityDays),
		prescription.WithMetrics(m),
		prescription.WithLogger(logger),
	)

	var seq billing.Sequencer = billing.NewPGSequencer(pool)
	if cfg.SequenceBackend == "redis" {
		seq = billing.NewRedisSequencer(rdb)
	}
	billingSvc := billing.NewService(billing.NewPGRepository(pool), seq, recorder,
		billing.WithMetrics(m),
		billing.WithLogger(logger),
	)

	breakerCfg := circuitbreaker.DefaultConfig("vidaas")
	breakerCfg.IsStructural = vidaas.IsStructural
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Code())
	}
	provider := vidaas.New(vidaas.Config{
		BaseURL:      cfg.VidaasBaseURL,
		ClientID:     cfg.VidaasClientID,
		ClientSecret: cfg.VidaasClientSecret,
		RedirectURI:  cfg.VidaasRedirectURI,
	},
		vidaas.WithBreakers(circuitbreaker.NewManager(breakerCfg, logger)),
		vidaas.WithMetrics(m),
		vidaas.WithLogger(logger),
	)
	signatures := signature.NewService(provider, signature.NewRedisStore(rdb), prescriptions, recorder,
		signature.WithTTL(cfg.SignatureSessionTTL),
		signature.WithMetrics(m),
		signature.WithLogger(logger),
	)

	handler := api.NewRouter(api.Deps{
		ServiceName:   serviceName,
		Prescriptions: prescriptions,
		Signatures:    signatures,
		Billing:       billingSvc,
		Classifier:    classifier,
		Verifier:      auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer),
		CORSOrigins:   cfg.CORSOrigins,
		Metrics:       metrics.Handler(reg),
		Ready: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting prescription API",
		zap.String("port", cfg.Port),
		zap.String("sequence_backend", cfg.SequenceBackend))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsDev() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger.With(zap.String("service", serviceName))
}
