package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/feezero/payments/internal/api"
	"github.com/feezero/payments/internal/config"
	"github.com/feezero/payments/internal/idempotency"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox dispatcher and provider sync",
		Long: `Run the payment service.

The HTTP API accepts charge creation requests and provider webhooks. The
outbox dispatcher delivers escrow releases and payer emails in the
background, and when sync.interval is set, charges whose webhooks never
arrived are refreshed from the provider.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	keys, err := idempotency.Open(cfg.Idempotency.Path, cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer keys.Close()

	dispatcher, err := a.dispatcher()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx, cfg.Outbox.PollInterval)
	}()
	go func() {
		defer wg.Done()
		pruneIdempotencyKeys(ctx, keys, cfg.Idempotency.TTL, logger)
	}()
	if cfg.Sync.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.syncer.Run(ctx, cfg.Sync.Interval)
		}()
	} else {
		logger.Info("provider sync disabled")
	}

	router := api.NewRouter(api.Deps{
		DB:             a.db,
		Charges:        a.charges,
		Ignored:        a.ignored,
		Outbox:         a.outbox,
		Escrow:         a.escrow,
		Issuer:         a.issuer,
		Processor:      a.processor,
		Syncer:         a.syncer,
		Idempotency:    keys,
		WebhookSecret:  []byte(cfg.Coinbase.WebhookSecret),
		WebhookTimeout: cfg.HTTP.WebhookTimeout,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", srv.Addr,
			"api_base", "/api/payment",
			"version", Version,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	wg.Wait()
	return nil
}

func pruneIdempotencyKeys(ctx context.Context, keys *idempotency.Store, ttl time.Duration, logger *slog.Logger) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := keys.Prune()
			if err != nil {
				logger.Error("prune idempotency keys", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned idempotency keys", "removed", n)
			}
		}
	}
}
