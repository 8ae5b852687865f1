package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/campuseats/ordering/internal/api"
	"github.com/campuseats/ordering/internal/app"
	"github.com/campuseats/ordering/internal/broker"
	"github.com/campuseats/ordering/internal/config"
	"github.com/campuseats/ordering/internal/outbox"
	"github.com/campuseats/ordering/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := telemetry.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("tracer init failed", zap.Error(err))
	}

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("unable to open store", zap.String("store", cfg.Store), zap.Error(err))
	}
	defer st.Close()

	a := app.New(st, cfg, logger)

	// Local mode runs jobs in this process; rabbitmq mode publishes them
	// for cmd/callworker.
	var dispatcher outbox.Dispatcher = a.Jobs
	if cfg.DispatchMode == config.DispatchRabbitMQ {
		mq, err := broker.Dial(cfg.AMQPURL, 0, logger)
		if err != nil {
			logger.Fatal("unable to connect to rabbitmq", zap.Error(err))
		}
		defer mq.Close()
		dispatcher = mq
	}

	relay := outbox.NewRelay(st, dispatcher, logger, app.RelayConfig(cfg))
	a.Services.Orders.OnEnqueue(relay.Nudge)

	handler := api.NewHandler(a.Services, st, logger, cfg.PaymentWebhookSecret)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.Store), zap.String("dispatch", cfg.DispatchMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
		return shutdownTracer(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
	logger.Info("server stopped")
}
