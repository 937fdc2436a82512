// Package app wires the services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"librarydesk/internal/audit"
	"librarydesk/internal/catalog"
	"librarydesk/internal/circulation"
	"librarydesk/internal/config"
	"librarydesk/internal/httpapi"
	"librarydesk/internal/inventory"
	"librarydesk/internal/notify"
	"librarydesk/internal/reporting"
	"librarydesk/internal/store"
)

// App is the assembled service graph.
type App struct {
	DB          *store.DB
	Ledger      *inventory.Ledger
	Recorder    *audit.Recorder
	Catalog     catalog.Service
	Circulation *circulation.Engine
	Reporting   reporting.Service
	Dispatcher  *notify.Dispatcher

	webhook *notify.WebhookSink
	logger  *zap.Logger
}

// New opens and migrates the store and builds every service. Notifications
// go to the inbox table, the log and, when configured, a webhook.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	a := &App{DB: db, logger: logger}

	sinks := []notify.Sink{notify.NewStoreSink(db), notify.LogSink(logger.Named("notify"))}
	if cfg.Notify.WebhookURL != "" {
		a.webhook = notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.DeliveryTimeout)
		sinks = append(sinks, a.webhook)
	}
	a.Dispatcher = notify.NewDispatcher(sinks,
		notify.WithLogger(logger.Named("notify")),
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithDeliveryTimeout(cfg.Notify.DeliveryTimeout),
	)

	a.Ledger = inventory.NewLedger(db, inventory.WithLogger(logger.Named("inventory")))
	a.Recorder = audit.NewRecorder(db)
	a.Catalog = catalog.NewService(db, a.Ledger, a.Recorder, catalog.WithLogger(logger.Named("catalog")))
	a.Circulation = circulation.NewEngine(db, a.Ledger, a.Recorder,
		circulation.WithNotifier(a.Dispatcher),
		circulation.WithLogger(logger.Named("circulation")),
		circulation.WithPolicy(circulation.Policy{
			LoanPeriodDays: cfg.Circulation.LoanPeriodDays,
			MaxLoanDays:    cfg.Circulation.MaxLoanDays,
			MaxActiveLoans: cfg.Circulation.MaxActiveLoans,
		}),
	)
	a.Reporting = reporting.NewService(db, a.Recorder, notify.NewInbox(db),
		reporting.WithLoanPeriod(cfg.Circulation.LoanPeriodDays),
	)
	return a, nil
}

// Router returns the HTTP surface over the services.
func (a *App) Router(cfg *config.Config) http.Handler {
	return httpapi.NewRouter(httpapi.Deps{
		Catalog:     a.Catalog,
		Circulation: a.Circulation,
		Reporting:   a.Reporting,
		Store:       a.DB,
		Limiter:     httpapi.NewLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		Logger:      a.logger.Named("http"),
	})
}

// Close drains pending notifications and closes the store.
func (a *App) Close(ctx context.Context) error {
	err := a.Dispatcher.Close(ctx)
	if a.webhook != nil {
		a.webhook.Close()
	}
	return errors.Join(err, a.DB.Close())
}
