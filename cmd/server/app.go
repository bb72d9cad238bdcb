package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/feezero/payments/internal/coinbase"
	"github.com/feezero/payments/internal/config"
	"github.com/feezero/payments/internal/notify"
	"github.com/feezero/payments/internal/payment"
	"github.com/feezero/payments/internal/reconciliation"
	"github.com/feezero/payments/internal/repository"
)

// app holds the collaborators every command is built from.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	charges *repository.ChargeRepo
	ignored *repository.IgnoredEventRepo
	outbox  *repository.OutboxRepo
	escrow  *repository.EscrowRepo

	coinbase  *coinbase.Client
	issuer    *payment.Issuer
	processor *reconciliation.Processor
	syncer    *reconciliation.Syncer
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func openApp(cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	logger.Info("opening database", "path", cfg.DB.Path)
	db, err := repository.InitDB(cfg.DB.Path, cfg.DB.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		charges: repository.NewChargeRepo(db),
		ignored: repository.NewIgnoredEventRepo(db),
		outbox:  repository.NewOutboxRepo(db),
		escrow:  repository.NewEscrowRepo(db),
	}

	devMode := coinbase.IsTestKey(cfg.Coinbase.APIKey)
	if devMode {
		logger.Warn("coinbase api key missing or a test key, charges are faked")
	}
	a.coinbase = coinbase.NewClient(coinbase.Options{
		APIKey:  cfg.Coinbase.APIKey,
		BaseURL: cfg.Coinbase.BaseURL,
		Timeout: cfg.Coinbase.Timeout,
		DevMode: devMode,
		Logger:  logger,
	})

	a.issuer = payment.NewIssuer(a.charges, a.coinbase, payment.Options{
		RedirectBaseURL: cfg.Coinbase.RedirectBaseURL,
		ProviderTimeout: cfg.Coinbase.Timeout,
		Logger:          logger,
	})
	a.processor = reconciliation.NewProcessor(a.charges, a.ignored, reconciliation.Options{
		Logger: logger,
	})
	a.syncer = reconciliation.NewSyncer(a.processor, a.charges, a.coinbase, reconciliation.SyncOptions{
		StaleAfter:  cfg.Sync.StaleAfter,
		OrphanAfter: cfg.Sync.OrphanAfter,
		BatchSize:   cfg.Sync.BatchSize,
		Logger:      logger,
	})
	return a, nil
}

func (a *app) dispatcher() (*notify.Dispatcher, error) {
	templates, err := notify.LoadTemplates()
	if err != nil {
		return nil, fmt.Errorf("load email templates: %w", err)
	}

	devMode := notify.IsTestKey(a.cfg.Resend.APIKey)
	if devMode {
		a.logger.Warn("resend api key missing or a test key, emails are logged only")
	}
	mailer := notify.NewResendMailer(notify.ResendOptions{
		APIKey:  a.cfg.Resend.APIKey,
		From:    a.cfg.Resend.From,
		BaseURL: a.cfg.Resend.BaseURL,
		Timeout: a.cfg.Resend.Timeout,
		DevMode: devMode,
		Logger:  a.logger,
	})

	return notify.NewDispatcher(
		a.outbox,
		a.charges,
		notify.NewEscrowLedger(a.escrow, a.logger, nil),
		notify.NewEmailNotifier(mailer, templates, a.logger),
		notify.DispatcherOptions{
			Policy: notify.RetryPolicy{
				MaxAttempts: a.cfg.Outbox.MaxAttempts,
				BaseDelay:   a.cfg.Outbox.BaseDelay,
				MaxDelay:    a.cfg.Outbox.MaxDelay,
			},
			BatchSize: a.cfg.Outbox.BatchSize,
			Logger:    a.logger,
		},
	)
}

func (a *app) Close() error {
	return a.db.Close()
}

// loadApp reads configuration and opens the app for a one-shot command.
func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return openApp(cfg)
}
