package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/ApptPipe/internal/api"
	"github.com/BTreeMap/ApptPipe/internal/booking"
	"github.com/BTreeMap/ApptPipe/internal/config"
	"github.com/BTreeMap/ApptPipe/internal/genai"
	"github.com/BTreeMap/ApptPipe/internal/messaging"
	"github.com/BTreeMap/ApptPipe/internal/scheduler"
	"github.com/BTreeMap/ApptPipe/internal/store"
	"github.com/BTreeMap/ApptPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ApptPipe/internal/whatsapp"
)

// Serve runs the API, messaging, outbox, job runner and schedules until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	msgSvc, webhook, closeGateway, err := a.newMessaging(ctx)
	if err != nil {
		return err
	}
	defer closeGateway()

	var classifier booking.IntentClassifier
	if a.Config.OpenAIKey != "" {
		opts := []genai.Option{genai.WithAPIKey(a.Config.OpenAIKey)}
		if a.Config.OpenAIModel != "" {
			opts = append(opts, genai.WithModel(a.Config.OpenAIModel))
		}
		gc, err := genai.NewClient(opts...)
		if err != nil {
			return fmt.Errorf("create genai client: %w", err)
		}
		classifier = gc
	}
	bot := booking.NewBot(a.Booking, a.Store, a.Store, classifier)

	respHandler := messaging.NewResponseHandler(msgSvc, a.Store)
	if err := respHandler.Register(bot.HandleMessage); err != nil {
		return err
	}

	outbox := store.NewOutboxSender(a.Store, booking.NewOutboxSendFunc(msgSvc), a.Config.OutboxPoll)
	if err := outbox.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("App.Serve: outbox recovery failed", "error", err)
	}
	jobs := store.NewJobRunner(a.Store, a.Config.JobPoll)
	a.Booking.RegisterJobHandlers(jobs)
	if err := jobs.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("App.Serve: job recovery failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	sched := scheduler.NewScheduler(a.Location)
	stopStartup := func() {}
	if a.Sync != nil {
		stopStartup, err = a.Sync.Schedule(ctx, sched, a.Config.Sync.Interval, a.Config.Sync.StartupDelay)
		if err != nil {
			sched.Stop()
			return fmt.Errorf("schedule sync: %w", err)
		}
	}
	err = sched.AddJob(a.Config.LifecycleCron, func() {
		if _, _, err := a.Booking.ProcessLifecycle(ctx); err != nil {
			slog.Error("App.Serve: lifecycle pass failed", "error", err)
		}
	})
	if err != nil {
		stopStartup()
		sched.Stop()
		return fmt.Errorf("schedule lifecycle: %w", err)
	}

	if err := msgSvc.Start(ctx); err != nil {
		stopStartup()
		sched.Stop()
		return fmt.Errorf("start messaging: %w", err)
	}

	apiOpts := []api.Option{api.WithAddr(a.Config.APIAddr), api.WithGatherer(a.Registry)}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}
	var syncSvc api.SyncService
	if a.Sync != nil {
		syncSvc = a.Sync
	}
	server := api.NewServer(syncSvc, a.Store, apiOpts...)

	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return respHandler.Run(ctx) })
	g.Go(func() error { return outbox.Run(ctx) })
	g.Go(func() error { return jobs.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		stopStartup()
		sched.Stop()
		return msgSvc.Stop()
	})

	slog.Info("App.Serve: ApptPipe running", "addr", a.Config.APIAddr, "gateway", a.Config.Gateway,
		"calendar", a.Config.CalendarProvider(), "sync_interval", a.Config.Sync.Interval)
	err = g.Wait()
	slog.Info("App.Serve: stopped")
	return err
}

// newMessaging builds the configured gateway. The webhook is non-nil for Twilio.
func (a *App) newMessaging(ctx context.Context) (svc messaging.Service, webhook http.HandlerFunc, closeFn func(), err error) {
	cfg := a.Config
	switch cfg.Gateway {
	case config.GatewayTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.Twilio.AccountSID),
			twiliowhatsapp.WithAuthToken(cfg.Twilio.AuthToken),
			twiliowhatsapp.WithFromWhats(cfg.Twilio.From),
		)
		if err != nil {
			return nil, nil, nil, err
		}
		var validator *twiliowhatsapp.WebhookValidator
		if cfg.Twilio.WebhookURL != "" {
			validator = twiliowhatsapp.NewWebhookValidator(cfg.Twilio.AuthToken, cfg.Twilio.WebhookURL)
		} else {
			slog.Warn("App.newMessaging: TWILIO_WEBHOOK_URL not set, webhook signatures are not checked")
		}
		tw := messaging.NewTwilioService(client, validator, cfg.CountryCode)
		return tw, tw.TwilioWebhookHandler, func() {}, nil
	case config.GatewayNone:
		slog.Warn("App.newMessaging: no messaging gateway, outbound messages are only recorded")
		return messaging.NewWhatsAppService(whatsapp.NewMockClient(), cfg.CountryCode), nil, func() {}, nil
	default:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN()), whatsapp.WithLogLevel("WARN")}
		if cfg.WhatsApp.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsApp.QROutput))
		}
		if cfg.WhatsApp.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect whatsapp: %w", err)
		}
		return messaging.NewWhatsAppService(client, cfg.CountryCode), nil, client.Close, nil
	}
}
