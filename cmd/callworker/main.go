// Command callworker consumes call and POS jobs from RabbitMQ when the API
// runs with DISPATCH_MODE=rabbitmq.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campuseats/ordering/internal/app"
	"github.com/campuseats/ordering/internal/broker"
	"github.com/campuseats/ordering/internal/config"
	"github.com/campuseats/ordering/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const prefetch = 10

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

	if cfg.Store == config.StoreMemory {
		logger.Fatal("callworker needs a shared store; STORE=memory is only usable in-process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName+"-worker", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("tracer init failed", zap.Error(err))
	}

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("unable to open store", zap.Error(err))
	}
	defer st.Close()

	mq, err := broker.Dial(cfg.AMQPURL, prefetch, logger)
	if err != nil {
		logger.Fatal("unable to connect to rabbitmq", zap.Error(err))
	}
	defer mq.Close()

	a := app.New(st, cfg, logger)

	consumer, _ := os.Hostname()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("callworker consuming", zap.String("queue", broker.Queue), zap.String("consumer", consumer))
		return mq.Consume(gctx, consumer, a.Jobs)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return shutdownTracer(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("callworker stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("callworker stopped")
}
