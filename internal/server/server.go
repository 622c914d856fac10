// Package server assembles all HTTP handlers and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/activity"
	"github.com/matthewbaird/rentledger/internal/approval"
	"github.com/matthewbaird/rentledger/internal/eventbus"
	"github.com/matthewbaird/rentledger/internal/handler"
	"github.com/matthewbaird/rentledger/internal/leasing"
	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/metrics"
	"github.com/matthewbaird/rentledger/internal/reconcile"
	"github.com/matthewbaird/rentledger/internal/reporting"
	"github.com/matthewbaird/rentledger/internal/webhook"
)

// Config holds server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// Deps are the services the routes are bound to.
type Deps struct {
	Store     ledger.Store
	Activity  activity.Store
	Leasing   *leasing.Service
	Approval  *approval.Service
	Processor *reconcile.Processor
	Reports   *reporting.Service
	Verifier  *webhook.Verifier
	Guard     webhook.Guard
	Hub       *eventbus.Hub
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger
	// Now is the report clock; nil is the wall clock.
	Now func() time.Time
}

// NewRouter registers every route and the middleware stack.
func NewRouter(cfg Config, d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log, d.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type",
			handler.HeaderActor, handler.HeaderOrganization, handler.HeaderCorrelationID,
		},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	lh := handler.NewLeaseHandler(d.Leasing, d.Store, d.Log)
	ah := handler.NewApplicationHandler(d.Approval, d.Store, d.Log)
	ph := handler.NewPaymentHandler(d.Processor, d.Log)
	wh := handler.NewWebhookHandler(d.Verifier, d.Guard, d.Processor, d.Log, d.Metrics)
	rh := handler.NewReportHandler(d.Reports, d.Log, d.Now)
	acth := handler.NewActivityHandler(d.Activity, d.Log)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/leases", func(r chi.Router) {
			r.Post("/", lh.AssignLease)
			r.Get("/", lh.ListLeases)
			r.Get("/{id}", lh.GetLease)
		})
		r.Route("/applications", func(r chi.Router) {
			r.Post("/", ah.SubmitApplication)
			r.Get("/{id}", ah.GetApplication)
			r.Post("/{id}/decision", ah.DecideApplication)
		})
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", ph.RecordManualPayment)
			r.Post("/intents", ph.CreatePaymentIntent)
		})
		r.Post("/webhooks/payments", wh.HandlePaymentEvent)
		r.Route("/reports", func(r chi.Router) {
			r.Get("/overdue", rh.GetOverdueTenants)
			r.Get("/upcoming", rh.GetUpcomingPayments)
			r.Get("/occupancy", rh.GetOccupancy)
		})
		r.Get("/activity/{entity_type}/{entity_id}", acth.GetEntityActivity)
		if d.Hub != nil {
			r.Get("/events/stream", streamHandler(d.Hub))
		}
	})
	return r
}

// streamHandler takes the organization from the header or, for browsers
// that cannot set headers on a websocket, from ?org=.
func streamHandler(hub *eventbus.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		org := strings.TrimSpace(r.Header.Get(handler.HeaderOrganization))
		if org == "" {
			org = r.URL.Query().Get("org")
		}
		if org == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"organization is required","code":"MISSING_ORGANIZATION"}`))
			return
		}
		hub.Serve(w, r, org)
	}
}

// requestLogger logs each request and records its latency by route pattern.
func requestLogger(log logrus.FieldLogger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			took := time.Since(start)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(r.Method, route, status, took)

			entry := log.WithFields(logrus.Fields{
				"method":     r.Method,
				"route":      route,
				"path":       r.URL.Path,
				"status":     status,
				"bytes":      ww.BytesWritten(),
				"duration":   took.String(),
				"request_id": middleware.GetReqID(r.Context()),
			})
			switch {
			case status >= 500:
				entry.Error("request failed")
			case route == "/healthz" || route == "/metrics":
				entry.Debug("request")
			default:
				entry.Info("request")
			}
		})
	}
}

// Run serves h until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, h http.Handler, log logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	log.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
