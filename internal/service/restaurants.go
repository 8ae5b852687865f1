package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/models"
	"github.com/campuseats/ordering/internal/pos"
	"github.com/campuseats/ordering/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RestaurantService struct {
	store    store.Store
	registry *pos.Registry
	logger   *zap.Logger
	now      func() time.Time
}

func NewRestaurantService(s store.Store, registry *pos.Registry, logger *zap.Logger) *RestaurantService {
	return &RestaurantService{store: s, registry: registry, logger: logger, now: utcNow}
}

func (s *RestaurantService) Create(ctx context.Context, req models.CreateRestaurantRequest) (*domain.Restaurant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", domain.ErrInvalidRequest)
	}
	retries := 2
	if req.CallRetries != nil {
		retries = *req.CallRetries
	}
	if retries < 0 || retries > domain.MaxCallRetries {
		return nil, fmt.Errorf("call_retries must be between 0 and %d: %w", domain.MaxCallRetries, domain.ErrInvalidRequest)
	}
	timeout := req.CallTimeoutSeconds
	if timeout == 0 {
		timeout = 30
	}
	if timeout < domain.MinCallTimeoutSeconds || timeout > domain.MaxCallTimeoutSeconds {
		return nil, fmt.Errorf("call_timeout_seconds must be between %d and %d: %w",
			domain.MinCallTimeoutSeconds, domain.MaxCallTimeoutSeconds, domain.ErrInvalidRequest)
	}

	integration, err := s.registry.Resolve(req.POSType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if err := integration.ValidateConfig(req.POSConfig); err != nil {
		return nil, err
	}

	if req.OwnerAccountID != "" {
		if _, err := s.store.GetAccount(ctx, req.OwnerAccountID); err != nil {
			return nil, fmt.Errorf("owner %s: %w", req.OwnerAccountID, err)
		}
	}

	r := &domain.Restaurant{
		ID:                 uuid.NewString(),
		Name:               name,
		OwnerAccountID:     req.OwnerAccountID,
		Phone:              req.Phone,
		CallPhone:          req.CallPhone,
		CallEnabled:        req.CallEnabled,
		CallRetries:        retries,
		CallTimeoutSeconds: timeout,
		POSType:            req.POSType,
		POSConfig:          req.POSConfig,
		CreatedAt:          s.now(),
	}
	if err := s.store.CreateRestaurant(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Info("restaurant created",
		zap.String("restaurant_id", r.ID),
		zap.Bool("call_enabled", r.CallEnabled),
		zap.String("pos_type", integration.Type()))
	return r, nil
}

func (s *RestaurantService) Get(ctx context.Context, id string) (*domain.Restaurant, error) {
	return s.store.GetRestaurant(ctx, id)
}

var hundredPercent = decimal.NewFromInt(100)

// SetPromotions replaces the restaurant's promotion settings.
func (s *RestaurantService) SetPromotions(ctx context.Context, restaurantID string, req models.PromotionConfigRequest) (*domain.PromotionConfig, error) {
	if req.FirstTimePercent.IsNegative() || req.FirstTimePercent.GreaterThan(hundredPercent) {
		return nil, fmt.Errorf("first_time_percent must be between 0 and 100: %w", domain.ErrInvalidRequest)
	}
	if req.LoyaltySpendThreshold.IsNegative() || req.LoyaltyRewardAmount.IsNegative() {
		return nil, fmt.Errorf("loyalty amounts must not be negative: %w", domain.ErrInvalidAmount)
	}
	if req.LoyaltyEnabled && !req.LoyaltySpendThreshold.IsPositive() {
		return nil, fmt.Errorf("loyalty needs a positive spend threshold: %w", domain.ErrInvalidAmount)
	}
	if _, err := s.store.GetRestaurant(ctx, restaurantID); err != nil {
		return nil, err
	}

	cfg := &domain.PromotionConfig{
		RestaurantID:          restaurantID,
		FirstTimeEnabled:      req.FirstTimeEnabled,
		FirstTimePercent:      req.FirstTimePercent,
		LoyaltyEnabled:        req.LoyaltyEnabled,
		LoyaltySpendThreshold: req.LoyaltySpendThreshold.Round(2),
		LoyaltyRewardAmount:   req.LoyaltyRewardAmount.Round(2),
	}
	if err := s.store.UpsertPromotionConfig(ctx, cfg); err != nil {
		return nil, err
	}
	s.logger.Info("promotions updated", zap.String("restaurant_id", restaurantID))
	return cfg, nil
}

// Promotions returns the restaurant's settings, or disabled defaults.
func (s *RestaurantService) Promotions(ctx context.Context, restaurantID string) (*domain.PromotionConfig, error) {
	if _, err := s.store.GetRestaurant(ctx, restaurantID); err != nil {
		return nil, err
	}
	cfg, err := s.store.GetPromotionConfig(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &domain.PromotionConfig{
			RestaurantID:          restaurantID,
			FirstTimePercent:      decimal.Zero,
			LoyaltySpendThreshold: decimal.Zero,
			LoyaltyRewardAmount:   decimal.Zero,
		}
	}
	return cfg, nil
}
