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
	"time"

	"intershop/pkg/auth"
	"intershop/pkg/messaging"
	"intershop/pkg/metrics"
	"intershop/store-service/internal/cart"
	"intershop/store-service/internal/catalog"
	"intershop/store-service/internal/checkout"
	"intershop/store-service/internal/config"
	"intershop/store-service/internal/gateway"
	"intershop/store-service/internal/httpapi"
	"intershop/store-service/internal/order"
	"intershop/store-service/internal/storage"
	"intershop/store-service/internal/websocket"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

// tokenTTL bounds the service token minted for each payment call.
const tokenTTL = time.Minute

type App struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *storage.Store
	redis      *rd.Client
	wsHub      *websocket.Hub
	reconciler *checkout.Reconciler
	publisher  messaging.Publisher
	outbox     *messaging.OutboxDispatcher
	consumer   *messaging.Consumer
	httpSrv    *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: logger, store: store}

	a.redis = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		// Checkout answers 503 while the cart is down; the service still starts.
		logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "err", err)
	}

	orders := order.NewStore(store.Pool())
	items := catalog.New(store.Pool())
	carts := cart.NewStore(a.redis)
	payments := gateway.NewClient(cfg.PaymentServiceURL, auth.NewIssuer(cfg.TokenSecret, cfg.TokenAudience, tokenTTL), cfg.PaymentTimeout)

	reg := metrics.NewRegistry()
	coordinator := checkout.NewCoordinator(orders, payments, carts, items, checkout.Options{
		CartTimeout:    cfg.CartTimeout,
		ConfirmTimeout: cfg.PaymentTimeout,
		Outcomes:       metrics.NewOutcomeCounter(reg, "store", "checkouts_total", "Checkout attempts by outcome."),
	}, logger)
	a.reconciler = checkout.NewReconciler(orders, payments, cfg.ReconcileInterval, cfg.ReconcileStaleAfter, logger)

	a.wsHub = websocket.NewHub()

	if cfg.RabbitURL != "" {
		if err := a.connectBroker(); err != nil {
			a.Close(ctx)
			return nil, err
		}
	} else {
		logger.Warn("rabbitmq disabled, order events are not published and websockets only see the initial status")
	}

	gin.SetMode(gin.ReleaseMode)
	api := httpapi.NewServer(httpapi.Deps{
		Checkout:       coordinator,
		Orders:         orders,
		Cart:           carts,
		Catalog:        items,
		Stream:         websocket.NewHandler(a.wsHub, orders, logger),
		Metrics:        metrics.NewServerMetrics(reg, "store"),
		MetricsHandler: metrics.Handler(reg),
	}, logger)

	a.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

func (a *App) connectBroker() error {
	publisher, err := messaging.NewRabbitPublisher(a.cfg.RabbitURL, a.cfg.OrdersExchange)
	if err != nil {
		return err
	}
	a.publisher = publisher
	a.outbox = messaging.NewOutboxDispatcher(a.store.Pool(), publisher, messaging.OrderOutboxTable, a.cfg.OutboxInterval, a.cfg.OutboxBatchSize, a.logger)

	consumer, err := messaging.NewRabbitConsumer(messaging.ConsumerConfig{
		URL:      a.cfg.RabbitURL,
		Exchange: a.cfg.OrdersExchange,
		Queue:    a.cfg.EventsQueue,
	}, a.logger)
	if err != nil {
		return err
	}
	a.consumer = consumer
	return nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go a.wsHub.Run(ctx)
	a.reconciler.Start(ctx)

	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.consumer != nil {
		go func() {
			if err := a.consumer.Start(ctx, websocket.Relay(a.wsHub, a.logger)); err != nil {
				errCh <- err
			}
		}()
	}

	go func() {
		a.logger.Info("store http server listening", "addr", a.cfg.HTTPAddr)
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
	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(shutdownCtx)
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.store.Close()
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
