// Package pos pushes confirmed orders and pulls menus from restaurant
// point-of-sale systems. The set of vendors is fixed when the Registry is
// built at startup.
package pos

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/campuseats/ordering/internal/domain"
)

type MenuSyncResult struct {
	ItemsUpdated int      `json:"items_updated"`
	Errors       []string `json:"errors,omitempty"`
}

type OrderSyncResult struct {
	ExternalOrderID string `json:"external_order_id,omitempty"`
}

type Integration interface {
	Type() string
	ValidateConfig(cfg json.RawMessage) error
	SyncMenu(ctx context.Context, restaurantID string, cfg json.RawMessage) (*MenuSyncResult, error)
	SyncOrder(ctx context.Context, order *domain.Order, cfg json.RawMessage) (*OrderSyncResult, error)
	GetOrderStatus(ctx context.Context, externalOrderID string, cfg json.RawMessage) (string, error)
}

type Registry struct {
	integrations map[string]Integration
}

// NewRegistry indexes integrations by Type. Restaurants without a POS type
// resolve to Manual.
func NewRegistry(integrations ...Integration) *Registry {
	r := &Registry{integrations: map[string]Integration{}}
	for _, in := range integrations {
		r.integrations[in.Type()] = in
	}
	if _, ok := r.integrations[TypeManual]; !ok {
		r.integrations[TypeManual] = Manual{}
	}
	return r
}

func (r *Registry) Resolve(posType string) (Integration, error) {
	if posType == "" {
		posType = TypeManual
	}
	in, ok := r.integrations[posType]
	if !ok {
		return nil, fmt.Errorf("%q: %w", posType, domain.ErrUnsupportedPOS)
	}
	return in, nil
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.integrations))
	for t := range r.integrations {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

const TypeManual = "manual"

// Manual is for restaurants that key orders in by hand.
type Manual struct{}

func (Manual) Type() string { return TypeManual }

func (Manual) ValidateConfig(json.RawMessage) error { return nil }

func (Manual) SyncMenu(context.Context, string, json.RawMessage) (*MenuSyncResult, error) {
	return &MenuSyncResult{}, nil
}

func (Manual) SyncOrder(context.Context, *domain.Order, json.RawMessage) (*OrderSyncResult, error) {
	return &OrderSyncResult{}, nil
}

func (Manual) GetOrderStatus(context.Context, string, json.RawMessage) (string, error) {
	return "", nil
}
