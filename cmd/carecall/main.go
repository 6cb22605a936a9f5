package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carecall/carecall/internal/aisession"
	"github.com/carecall/carecall/internal/billing"
	"github.com/carecall/carecall/internal/bridge"
	"github.com/carecall/carecall/internal/config"
	"github.com/carecall/carecall/internal/database"
	"github.com/carecall/carecall/internal/database/models"
	"github.com/carecall/carecall/internal/detector"
	"github.com/carecall/carecall/internal/email"
	"github.com/carecall/carecall/internal/metrics"
	"github.com/carecall/carecall/internal/notify"
	"github.com/carecall/carecall/internal/orchestrator"
	"github.com/carecall/carecall/internal/push"
	"github.com/carecall/carecall/internal/scheduler"
	"github.com/carecall/carecall/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting carecall",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	orgs := database.NewOrganizationRepository(db)
	patients := database.NewPatientRepository(db)
	caregivers := database.NewCaregiverRepository(db)
	schedules := database.NewScheduleRepository(db)
	conversations := database.NewConversationRepository(db)
	alerts := database.NewAlertRepository(db)
	phrases := database.NewPhraseRepository(db)
	invoices := database.NewInvoiceRepository(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Scheduler job store: embedded SQLite by default, Postgres for
	// multi-node deployments.
	var jobs scheduler.JobStore
	if cfg.JobStoreDSN != "" {
		pg, err := scheduler.NewPGStore(appCtx, cfg.JobStoreDSN)
		if err != nil {
			slog.Error("failed to open postgres job store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		jobs = pg
		slog.Info("using postgres job store")
	} else {
		jobs = database.NewJobStore(db)
	}

	// Metrics registry and event counters.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	counters := metrics.NewCounters(promReg)

	// Telephony provider client.
	provider := telephony.NewClient(cfg.TelephonyBaseURL, cfg.TelephonyAccount, cfg.TelephonySecret, cfg.TelephonyFrom)
	if !provider.Configured() {
		slog.Warn("telephony provider not fully configured, outbound calls will fail")
	}

	// Notification transports. A missing transport drops out of the
	// fan-out; the others still deliver.
	var sms notify.SMSSender
	if provider.Configured() {
		sms = provider
	}
	var pushSender notify.PushSender
	if cfg.FCMCredsFile != "" {
		ps, err := push.NewSender(appCtx, cfg.FCMCredsFile, logger)
		if err != nil {
			slog.Warn("push transport unavailable", "error", err)
		} else {
			pushSender = ps
		}
	}
	fanout := notify.New(cfg, patients, caregivers, alerts,
		sms, email.NewSender(logger), pushSender, counters)

	// Emergency detector.
	det := detector.New(detector.Config{
		DebounceMinutes:        cfg.DebounceMinutes,
		MaxAlertsPerHour:       cfg.MaxAlertsPerHour,
		CriticalSkipsHypoCheck: cfg.CriticalSkipsHypoCheck,
	}, phrases, alerts, fanout)
	if err := det.Reload(appCtx); err != nil {
		slog.Error("failed to load detector vocabulary", "error", err)
		os.Exit(1)
	}
	det.Start(appCtx)

	// SIP media bridge.
	bridgeSrv, err := bridge.NewServer(cfg)
	if err != nil {
		slog.Error("failed to create media bridge", "error", err)
		os.Exit(1)
	}
	if err := bridgeSrv.Start(appCtx); err != nil {
		slog.Error("failed to start media bridge", "error", err)
		os.Exit(1)
	}

	// Orchestrator registry. The webhook handler and the registry refer
	// to each other, so the release path goes through a late-bound proxy.
	releaser := &releaserProxy{}
	registry := orchestrator.NewRegistry(cfg, orchestrator.Deps{
		Conversations: conversations,
		Orgs:          orgs,
		Patients:      patients,
		Alerts:        alerts,
		Dialer:        provider,
		Bridge:        &bridgeAdapter{srv: bridgeSrv},
		OpenSession:   sessionOpener(cfg),
		Screener:      det,
		Notifier:      fanout,
		Jobs:          jobs,
		Releaser:      releaser,
	})
	registry.Run(appCtx, bridgeSrv.Events())

	webhooks := telephony.NewHandler(cfg.TelephonySecret, registry, registry.VoiceDocument)
	releaser.handler = webhooks

	// Background workers: schedule firing and the daily billing rollup.
	rollup := billing.New(cfg, orgs, conversations, invoices)
	sched := scheduler.New(cfg, schedules, jobs, registry,
		&meteredBilling{inner: rollup, counters: counters})
	sched.Start(appCtx)

	promReg.MustRegister(metrics.NewCollector(registry, bridgeSrv, det, time.Now()))

	// HTTP surface: provider webhooks, health, metrics.
	root := chi.NewRouter()
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	root.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	root.Mount("/", webhooks.Routes())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      root,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Shutdown order: stop scheduling new work, drain live calls, then
	// tear transports down.
	slog.Info("shutting down")
	sched.Stop()
	registry.Shutdown(15 * time.Second)
	bridgeSrv.Stop()
	det.Stop()
	fanout.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("carecall stopped")
}

// sessionOpener builds the per-call model session factory.
func sessionOpener(cfg *config.Config) orchestrator.SessionOpener {
	return func(ctx context.Context, patient *models.Patient, callSid string) (orchestrator.Session, error) {
		return aisession.Open(ctx, aisession.Config{
			Endpoint:        cfg.AIEndpoint,
			APIKey:          cfg.AIKey,
			ReconnectWindow: cfg.ReconnectWindow,
			Instructions:    callInstructions(patient),
			Language:        patient.Language,
			Voice:           "warm",
		}, callSid)
	}
}

// callInstructions composes the per-call system prompt from the patient
// profile.
func callInstructions(p *models.Patient) string {
	base := fmt.Sprintf(
		"You are a friendly wellness check companion calling %s. "+
			"Speak slowly and clearly, one question at a time. "+
			"Ask how they are feeling today, whether they have taken their "+
			"medication, and whether they need anything. If they mention any "+
			"medical problem, gently ask for details. Keep the call warm and short.",
		p.Name,
	)
	if p.MedicalNotes != "" {
		base += " Relevant care notes: " + p.MedicalNotes
	}
	return base
}

// bridgeAdapter narrows the bridge server to the orchestrator's view. The
// indirection keeps a nil *bridge.Channel from turning into a non-nil
// interface value.
type bridgeAdapter struct {
	srv *bridge.Server
}

func (a *bridgeAdapter) Channel(id string) orchestrator.MediaChannel {
	ch := a.srv.Channel(id)
	if ch == nil {
		return nil
	}
	return ch
}

func (a *bridgeAdapter) CloseChannel(id, reason string) {
	a.srv.CloseChannel(id, reason)
}

// releaserProxy breaks the construction cycle between the webhook handler
// and the orchestrator registry.
type releaserProxy struct {
	handler *telephony.Handler
}

func (p *releaserProxy) ReleaseCall(callSid string) {
	if p.handler != nil {
		p.handler.ReleaseCall(callSid)
	}
}

// meteredBilling wraps the rollup with an outcome counter.
type meteredBilling struct {
	inner    *billing.Rollup
	counters *metrics.Counters
}

func (b *meteredBilling) RollupWindow(ctx context.Context, from, to time.Time) error {
	err := b.inner.RollupWindow(ctx, from, to)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	b.counters.BillingRollups.WithLabelValues(outcome).Inc()
	return err
}
