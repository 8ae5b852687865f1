// Package promotion evaluates first-time discounts and loyalty rewards for an
// order. Evaluation is pure: the same input always yields the same Result and
// nothing is persisted here.
package promotion

import (
	"github.com/campuseats/ordering/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Input is a snapshot of everything the engine needs. A nil Config means the
// restaurant runs no promotions; a nil Relationship means the customer has
// never ordered from the restaurant.
type Input struct {
	Subtotal     decimal.Decimal
	Config       *domain.PromotionConfig
	Relationship *domain.CustomerRelationship
}

type Result struct {
	Subtotal               decimal.Decimal      `json:"subtotal"`
	DiscountAmount         decimal.Decimal      `json:"discount_amount"`
	FinalAmount            decimal.Decimal      `json:"final_amount"`
	PromotionApplied       domain.PromotionType `json:"promotion_applied,omitempty"`
	LoyaltyRewardEarned    decimal.Decimal      `json:"loyalty_reward_earned"`
	UpdatedLoyaltyProgress decimal.Decimal      `json:"updated_loyalty_progress"`
	UpdatedIsFirstTime     bool                 `json:"updated_is_first_time"`
}

// RewardEarned reports whether the order crossed the loyalty threshold.
func (r Result) RewardEarned() bool {
	return r.LoyaltyRewardEarned.IsPositive()
}

// Evaluate computes the discount and loyalty outcome for one order.
func Evaluate(in Input) Result {
	subtotal := in.Subtotal.Round(2)
	res := Result{
		Subtotal:            subtotal,
		DiscountAmount:      decimal.Zero,
		FinalAmount:         subtotal,
		LoyaltyRewardEarned: decimal.Zero,
		UpdatedIsFirstTime:  false,
	}

	firstTime := in.Relationship == nil || in.Relationship.IsFirstTime
	progress := decimal.Zero
	if in.Relationship != nil {
		progress = in.Relationship.LoyaltyProgress
	}

	// Progress accrues on the pre-discount subtotal.
	progress = progress.Add(subtotal)
	res.UpdatedLoyaltyProgress = progress

	cfg := in.Config
	if cfg == nil {
		return res
	}

	if cfg.FirstTimeEnabled && firstTime {
		pct := clampPercent(cfg.FirstTimePercent)
		discount := subtotal.Mul(pct).Div(hundred).Round(2)
		if discount.GreaterThan(subtotal) {
			discount = subtotal
		}
		if discount.IsPositive() {
			res.DiscountAmount = discount
			res.FinalAmount = subtotal.Sub(discount)
			res.PromotionApplied = domain.PromotionFirstTime
		}
	}

	if cfg.LoyaltyEnabled && cfg.LoyaltySpendThreshold.IsPositive() && progress.GreaterThanOrEqual(cfg.LoyaltySpendThreshold) {
		if cfg.LoyaltyRewardAmount.IsPositive() {
			res.LoyaltyRewardEarned = cfg.LoyaltyRewardAmount.Round(2)
		}
		res.UpdatedLoyaltyProgress = decimal.Max(decimal.Zero, progress.Sub(cfg.LoyaltySpendThreshold))
	}

	return res
}

func clampPercent(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}
