// Package app wires configuration, storage, domain services and the HTTP
// server together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/api"
	"github.com/xenking/kart-fulfillment/internal/domain/fulfillment"
	"github.com/xenking/kart-fulfillment/internal/domain/inventory"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/events"
	"github.com/xenking/kart-fulfillment/pkg/health"
	"github.com/xenking/kart-fulfillment/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.String("storage", cfg.Storage.Driver))

	stores, err := OpenStores(ctx, lg, cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer stores.Close()

	if cfg.BootstrapAPIKey != "" {
		if err := ProvisionBootstrapKey(ctx, stores.APIKeys, cfg.BootstrapAPIKey, []byte(cfg.APIKeyPepper)); err != nil {
			return err
		}
		lg.Info("Bootstrap API key provisioned", zap.String("key_id", BootstrapKeyID))
	}

	publisher, err := newPublisher(lg, m, cfg.Kafka)
	if err != nil {
		return errors.Wrap(err, "create event publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			lg.Warn("Close event publisher", zap.Error(err))
		}
	}()

	healthSvc := health.New()
	if stores.Ping != nil {
		healthSvc.AddReadinessCheck(cfg.Storage.Driver, 5*time.Second, stores.Ping)
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	ledger, err := inventory.NewLedger(stores.Products,
		inventory.Config{CompensationTimeout: cfg.Ledger.CompensationTimeout},
		m.TracerProvider(), m.MeterProvider(),
	)
	if err != nil {
		return errors.Wrap(err, "create inventory ledger")
	}
	orderSvc := order.NewService(stores.Products, stores.Orders)
	fulfillmentSvc := fulfillment.NewService(stores.Orders, ledger, publisher, m.TracerProvider())

	h := api.NewHandler(
		api.Config{APIKeyPepper: []byte(cfg.APIKeyPepper)},
		stores.Products,
		orderSvc,
		fulfillmentSvc,
		stores.APIKeys,
	)

	r := chi.NewRouter()
	r.Use(
		httpmiddleware.LogRequests(),
		middleware.Timeout(cfg.RequestTimeout),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	r.Route("/api", h.Mount)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(
			otelhttp.NewHandler(r, "kart-fulfillment",
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
				otelhttp.WithFilter(func(r *http.Request) bool {
					return r.URL.Path != "/livez" && r.URL.Path != "/readyz"
				}),
			),
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

func newPublisher(lg *zap.Logger, m *app.Telemetry, cfg KafkaConfig) (events.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		lg.Info("Kafka brokers not configured, events are discarded")
		return events.Nop{}, nil
	}
	lg.Info("Publishing events to Kafka", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
	}, m.TracerProvider())
}
