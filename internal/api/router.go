// Package api assembles the HTTP surface of the prescription API.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atendebem/go-atende/internal/api/handlers"
	"github.com/atendebem/go-atende/internal/api/middleware"
	"github.com/atendebem/go-atende/internal/auth"
	"github.com/atendebem/go-atende/internal/domain/controlled"
)

// Deps are the services behind the routes. Metrics and Ready may be nil.
type Deps struct {
	ServiceName   string
	Prescriptions handlers.Prescriptions
	Signatures    handlers.Signatures
	Billing       handlers.Billing
	Classifier    *controlled.Classifier
	Verifier      *auth.Verifier
	CORSOrigins   []string
	Metrics       http.Handler
	Ready         func(ctx context.Context) error
	Logger        *zap.Logger
}

// NewRouter mounts the authenticated API under /api/v1 and the public
// validation page under /public.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(d.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, d.ServiceName)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	rx := handlers.NewPrescriptionHandler(d.Prescriptions, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(d.Verifier))
		r.Mount("/prescriptions", rx.Routes())
		r.Mount("/signature-sessions", handlers.NewSignatureHandler(d.Signatures, logger).Routes())
		r.Mount("/tiss", handlers.NewTISSHandler(d.Billing, logger).Routes())
		r.Get("/controlled/classify", handlers.NewControlledHandler(d.Classifier, logger).Classify)
	})

	r.Mount("/public/prescriptions", rx.PublicRoutes())
	return r
}
