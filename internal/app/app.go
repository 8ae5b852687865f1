// Package app assembles the storage, collaborators and services shared by
// the API server and the call worker.
package app

import (
	"context"
	"fmt"

	"github.com/campuseats/ordering/internal/api"
	"github.com/campuseats/ordering/internal/config"
	"github.com/campuseats/ordering/internal/ledger"
	"github.com/campuseats/ordering/internal/outbox"
	"github.com/campuseats/ordering/internal/payments"
	"github.com/campuseats/ordering/internal/pos"
	"github.com/campuseats/ordering/internal/service"
	"github.com/campuseats/ordering/internal/store"
	"github.com/campuseats/ordering/internal/telephony"
	"go.uber.org/zap"
)

type App struct {
	Store    store.Store
	Services api.Services
	Jobs     *outbox.Local
}

// OpenStore connects to Postgres and applies the schema, or returns a fresh
// in-memory store.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store == config.StoreMemory {
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, nil
}

func New(st store.Store, cfg *config.Config, logger *zap.Logger) *App {
	lg := ledger.New(logger)
	registry := pos.NewRegistry(pos.Manual{}, pos.NewGenericREST())

	orders := service.NewOrderService(st, lg, logger, service.OrderOptions{
		RefundRequireCharge: cfg.RefundRequireCharge,
	})
	calls := service.NewCallService(st, orders,
		telephony.NewClient(cfg.TelephonyBaseURL, cfg.TelephonyAccountSID, cfg.TelephonyAuthToken),
		logger, service.CallConfig{
			PublicBaseURL: cfg.PublicBaseURL,
			FromNumber:    cfg.TelephonyFromNumber,
			RatePerMinute: cfg.CallRatePerMinute,
			MaxRepeats:    cfg.IVRMaxRepeats,
		})
	sync := service.NewPOSSyncService(st, registry, logger)

	jobs := outbox.NewLocal()
	service.RegisterJobs(jobs, calls, sync, logger)

	return &App{
		Store: st,
		Services: api.Services{
			Orders:      orders,
			Calls:       calls,
			Accounts:    service.NewAccountService(st, lg, payments.NewClient(cfg.PaymentBaseURL, cfg.PaymentAPIKey), logger),
			Restaurants: service.NewRestaurantService(st, registry, logger),
			POS:         sync,
		},
		Jobs: jobs,
	}
}

func RelayConfig(cfg *config.Config) outbox.RelayConfig {
	return outbox.RelayConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		Backoff:      cfg.OutboxRetryBackoff,
	}
}
