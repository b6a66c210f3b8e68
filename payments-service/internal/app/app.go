package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"intershop/payments-service/internal/config"
	"intershop/payments-service/internal/httpapi"
	"intershop/payments-service/internal/ledger"
	"intershop/payments-service/internal/storage"
	"intershop/pkg/auth"
	"intershop/pkg/messaging"
	"intershop/pkg/metrics"
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var l ledger.Ledger
	switch cfg.LedgerBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory ledger, balances are lost on restart")
		l = ledger.NewMemory()
	default:
		store, err := storage.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.store = store
		l = ledger.NewPostgres(store.Pool())

		if cfg.RabbitURL != "" {
			publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.PaymentsExchange)
			if err != nil {
				store.Close()
				return nil, err
			}
			a.publisher = publisher
			a.outbox = messaging.NewOutboxDispatcher(store.Pool(), publisher, messaging.PaymentOutboxTable, cfg.OutboxInterval, cfg.OutboxBatch, logger)
		}
	}

	reg := metrics.NewRegistry()
	api := httpapi.NewServer(l, auth.NewVerifier(cfg.TokenSecret, cfg.TokenAudience), httpapi.Options{
		Currency:       cfg.Currency,
		InitialBalance: cfg.InitialBalance,
		Metrics:        metrics.NewServerMetrics(reg, "payments"),
		MetricsHandler: metrics.Handler(reg),
		Debits:         metrics.NewOutcomeCounter(reg, "payments", "debits_total", "Debit attempts by outcome."),
	}, logger)

	a.httpSrv = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)

	if a.outbox != nil {
		a.outbox.Start(ctx)
	}

	go func() {
		a.logger.Info("payments http server listening", "addr", a.cfg.HTTPAddr, "ledger", a.cfg.LedgerBackend)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func Run() error {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
