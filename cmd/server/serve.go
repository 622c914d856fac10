package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matthewbaird/rentledger/internal/activity"
	"github.com/matthewbaird/rentledger/internal/approval"
	"github.com/matthewbaird/rentledger/internal/event"
	"github.com/matthewbaird/rentledger/internal/eventbus"
	"github.com/matthewbaird/rentledger/internal/leasing"
	"github.com/matthewbaird/rentledger/internal/metrics"
	"github.com/matthewbaird/rentledger/internal/reconcile"
	"github.com/matthewbaird/rentledger/internal/reporting"
	"github.com/matthewbaird/rentledger/internal/server"
	"github.com/matthewbaird/rentledger/internal/sweeper"
	"github.com/matthewbaird/rentledger/internal/webhook"
)

// newRecorder writes audit entries to acts, publishes them on bus when one
// is given, and counts failed writes.
func newRecorder(acts activity.Store, bus *eventbus.Bus, m *metrics.Metrics) event.Recorder {
	rec := event.NewActivityRecorder(acts)
	if bus != nil {
		rec.SetPublisher(bus)
	}
	return event.Counted(rec, m.AuditFailures)
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event bus and lease sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	_ = a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	mode, err := approval.ParseMode(cfg.Approval.Mode)
	if err != nil {
		return err
	}

	store, acts, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := migrate(ctx, store, acts); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	bus := eventbus.New(cfg.Events.BufferSize, log, m)
	hub := eventbus.NewHub(log)
	bus.Subscribe("log", eventbus.NewLogConsumer(log))
	bus.Subscribe("signals", eventbus.NewSignalConsumer(log, m))
	bus.Subscribe("stream", hub)
	if cfg.NATS.URL != "" {
		nc, err := eventbus.ConnectNATS(cfg.NATS.URL, cfg.NATS.Name, log)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Drain()
		bus.Subscribe("nats", eventbus.NewNATSPublisher(nc, log, m))
	}

	var guard webhook.Guard = webhook.NopGuard{}
	if rc := cfg.Webhook.Redis; rc.Addr != "" {
		rdb, err := webhook.DialRedis(ctx, rc.Addr, rc.Password, rc.DB)
		if err != nil {
			log.WithError(err).Warn("webhook delivery guard disabled")
		} else {
			defer rdb.Close()
			guard = webhook.NewRedisGuard(rdb, rc.TTL)
			log.WithField("addr", rc.Addr).Info("webhook delivery guard enabled")
		}
	}
	if cfg.Webhook.Secret == "" {
		log.Warn("webhook secret is not set; every payment webhook will be rejected")
	}

	rec := newRecorder(acts, bus, m)
	router := server.NewRouter(server.Config{AllowedOrigins: cfg.Server.CORS.AllowedOrigins}, server.Deps{
		Store:     store,
		Activity:  acts,
		Leasing:   leasing.NewService(store, rec, log, m),
		Approval:  approval.NewService(store, rec, log, m, mode),
		Processor: reconcile.NewProcessor(store, rec, log, m),
		Reports:   reporting.NewService(store),
		Verifier:  webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance),
		Guard:     guard,
		Hub:       hub,
		Metrics:   m,
		Log:       log,
	})

	// The bus outlives the request context; Stop drains it after shutdown.
	bus.Start(context.WithoutCancel(ctx))
	sw := sweeper.New(store, rec, log, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, server.Config{
			Addr:            cfg.Server.Addr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, router, log)
	})
	if cfg.Sweeper.Enabled {
		g.Go(func() error {
			// Catch up on transitions missed while the server was down.
			sw.Sweep(gctx)
			return sw.Start(cfg.Sweeper.Schedule)
		})
	}

	log.WithField("approval_mode", mode).Info("rentledger started")
	err = g.Wait()

	sw.Stop()
	bus.Stop()
	log.Info("rentledger stopped")
	return err
}
