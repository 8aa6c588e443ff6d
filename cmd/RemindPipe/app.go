package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/api"
	"github.com/BTreeMap/RemindPipe/internal/cloudapi"
	"github.com/BTreeMap/RemindPipe/internal/flow"
	"github.com/BTreeMap/RemindPipe/internal/genai"
	"github.com/BTreeMap/RemindPipe/internal/lockfile"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/recovery"
	"github.com/BTreeMap/RemindPipe/internal/scheduler"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/RemindPipe/internal/whatsapp"
	"golang.org/x/sync/errgroup"
)

// MaxRetryDelay caps the exponential backoff of delivery retries.
const MaxRetryDelay = 30 * time.Minute

// backend is what a database store provides to the process.
type backend interface {
	store.Store
	store.SessionRepo
	store.JobRepo
	store.DedupRepo
}

var (
	_ backend = (*store.SQLiteStore)(nil)
	_ backend = (*store.PostgresStore)(nil)
)

// openBackend opens SQLite or Postgres depending on the DSN.
func openBackend(dsn string) (backend, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Using Postgres store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Info("Using SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildCapabilities creates the model-backed bots. The classifier gets its own
// client so a cheaper model can serve it.
func buildCapabilities(cfg Config) (flow.Capabilities, flow.MessageRenderer, error) {
	common := []genai.Option{
		genai.WithAPIKey(cfg.OpenAIKey),
		genai.WithTimeout(cfg.CapabilityTimeout),
		genai.WithDebugMode(cfg.GenAIDebug, cfg.StateDir),
	}
	if cfg.OpenAIBaseURL != "" {
		common = append(common, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}

	client, err := genai.NewClient(append(common, genai.WithModel(cfg.OpenAIModel))...)
	if err != nil {
		return flow.Capabilities{}, nil, fmt.Errorf("genai client: %w", err)
	}
	classifierClient, err := genai.NewClient(append(common, genai.WithModel(cfg.ClassifierModel), genai.WithTemperature(0))...)
	if err != nil {
		return flow.Capabilities{}, nil, fmt.Errorf("classifier client: %w", err)
	}

	caps := flow.Capabilities{
		Classifier: flow.NewClassifierBot(classifierClient),
		Responder:  flow.NewGeneralBot(client),
		Extractor:  flow.NewReminderBot(client),
	}
	return caps, flow.NewReminderMessageBot(client), nil
}

// channel is the selected messaging service and its HTTP surface.
type channel struct {
	svc     messaging.Service
	apiOpts []api.Option
}

func buildChannel(ctx context.Context, cfg Config, pending messaging.PendingChecker) (channel, error) {
	switch cfg.Channel {
	case ChannelCloudAPI:
		client, err := cloudapi.NewClient(
			cloudapi.WithPhoneNumberID(cfg.CloudPhoneID),
			cloudapi.WithAccessToken(cfg.CloudAccessToken),
			cloudapi.WithAPIVersion(cfg.CloudAPIVersion),
		)
		if err != nil {
			return channel{}, fmt.Errorf("cloud api client: %w", err)
		}
		if cfg.CloudVerifyToken == "" {
			slog.Warn("buildChannel: WHATSAPP_VERIFY_TOKEN not set, webhook verification will be rejected")
		}
		svc := messaging.NewCloudAPIService(client)
		return channel{svc: svc, apiOpts: []api.Option{api.WithCloudWebhook(svc, cfg.CloudVerifyToken, cfg.CloudAppSecret)}}, nil

	case ChannelWhatsmeow:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN)}
		if cfg.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return channel{}, fmt.Errorf("whatsapp client: %w", err)
		}
		return channel{svc: messaging.NewWhatsAppService(client, pending)}, nil

	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return channel{}, fmt.Errorf("twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioToken != "" {
			opts = append(opts, messaging.WithSignatureValidator(twiliowhatsapp.NewSignatureValidator(cfg.TwilioToken)))
		}
		if cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookURL(cfg.TwilioWebhookURL))
		}
		svc := messaging.NewTwilioService(client, pending, opts...)
		return channel{svc: svc, apiOpts: []api.Option{api.WithTwilioWebhook(svc)}}, nil
	}
	return channel{}, fmt.Errorf("unsupported channel %q", cfg.Channel)
}

// run wires every component and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, cfg Config) error {
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	db, err := openBackend(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	caps, renderer, err := buildCapabilities(cfg)
	if err != nil {
		return err
	}

	var sessionRepo store.SessionRepo = store.NewMemorySessionRepo()
	if cfg.SessionBackend == SessionBackendDatabase {
		sessionRepo = db
	}
	sessions := flow.NewSessionStore(sessionRepo,
		flow.WithIdleTimeout(cfg.SessionIdleTimeout),
		flow.WithHistoryLimit(cfg.HistoryTurns))
	pending := flow.NewPendingStore()

	ch, err := buildChannel(ctx, cfg, pending)
	if err != nil {
		return err
	}
	defer ch.svc.Stop()

	reminders := flow.NewReminderScheduler(db, flow.NewDeliveryDispatcher(db, cfg.DeliveryMaxAttempts))
	confirm := flow.NewConfirmationHandler(db, pending, reminders)
	orchestrator := flow.NewConversationOrchestrator(db, sessions, pending, caps,
		flow.WithCapabilityTimeout(cfg.CapabilityTimeout))

	runner := store.NewJobRunner(db, cfg.JobPollInterval, store.WithBackoff(cfg.RetryBaseDelay, MaxRetryDelay))
	flow.RegisterJobHandlers(runner, flow.NewDeliveryWorker(db, ch.svc, renderer))
	reconciler := flow.NewReminderReconciler(db, reminders)

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.StaleJobs(runner))
	rm.RegisterRecoverable(recovery.ExpiredSessions(sessions))
	rm.RegisterRecoverable(reconciler)
	if _, err := rm.RecoverAll(ctx); err != nil {
		// Partial recovery is healed by the periodic maintenance below.
		slog.Warn("run: recovery incomplete", "error", err)
	}

	cron := scheduler.NewScheduler(ctx)
	if err := scheduler.RegisterMaintenance(cron, scheduler.Maintenance{
		Sessions:   sessions,
		Jobs:       runner,
		Reconciler: reconciler,
		Inbound:    db,
	}); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	cron.Start()
	defer cron.Stop()

	router := messaging.NewInboundRouter(ch.svc, orchestrator, confirm,
		messaging.WithWorkers(cfg.InboundWorkers),
		messaging.WithDedup(db))
	if err := ch.svc.Start(ctx); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}

	server := api.NewServer(db, db, append(ch.apiOpts, api.WithAddr(cfg.APIAddr))...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	g.Go(func() error { return server.Run(gctx) })

	slog.Info("RemindPipe is running", "channel", cfg.Channel, "addr", cfg.APIAddr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
