package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type CheckRequest struct {
	CustomerID string `json:"customer_id"`
	EntityID   string `json:"entity_id,omitempty"`
	FeatureID  string `json:"feature_id"`
	// RequiredBalance defaults to 1.
	RequiredBalance *float64 `json:"required_balance,omitempty"`
	// SendEvent records RequiredBalance as usage when the check passes.
	SendEvent      bool   `json:"send_event,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (r CheckRequest) Required() float64 {
	if r.RequiredBalance == nil {
		return 1
	}
	return *r.RequiredBalance
}

func (r *CheckRequest) Normalize() error {
	r.CustomerID = strings.TrimSpace(r.CustomerID)
	r.EntityID = strings.TrimSpace(r.EntityID)
	r.FeatureID = strings.TrimSpace(r.FeatureID)
	switch {
	case r.CustomerID == "":
		return fmt.Errorf("%w: customer_id is required", ErrInvalidRequest)
	case r.FeatureID == "":
		return fmt.Errorf("%w: feature_id is required", ErrInvalidRequest)
	}
	if v := r.Required(); math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: required_balance must be a non-negative number", ErrInvalidRequest)
	}
	return nil
}

type TrackRequest struct {
	CustomerID string `json:"customer_id"`
	EntityID   string `json:"entity_id,omitempty"`
	FeatureID  string `json:"feature_id,omitempty"`
	EventName  string `json:"event_name,omitempty"`
	// Value defaults to 1. Negative values return usage.
	Value           *float64 `json:"value,omitempty"`
	IdempotencyKey  string   `json:"idempotency_key,omitempty"`
	OverageBehavior string   `json:"overage_behavior,omitempty"`
}

func (r TrackRequest) Amount() float64 {
	if r.Value == nil {
		return 1
	}
	return *r.Value
}

func (r *TrackRequest) Normalize() (OverageBehavior, error) {
	r.CustomerID = strings.TrimSpace(r.CustomerID)
	r.EntityID = strings.TrimSpace(r.EntityID)
	r.FeatureID = strings.TrimSpace(r.FeatureID)
	r.EventName = strings.TrimSpace(r.EventName)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	if r.CustomerID == "" {
		return "", fmt.Errorf("%w: customer_id is required", ErrInvalidRequest)
	}
	return ParseOverageBehavior(r.OverageBehavior)
}

// FeatureBalance is the public view of one feature's balance.
type FeatureBalance struct {
	FeatureID     string     `json:"feature_id"`
	Balance       float64    `json:"balance"`
	Usage         float64    `json:"usage"`
	IncludedUsage float64    `json:"included_usage"`
	Unlimited     bool       `json:"unlimited"`
	UsageAllowed  bool       `json:"overage_allowed"`
	NextResetAt   *time.Time `json:"next_reset_at"`
	// Required is set on check responses.
	Required *float64 `json:"required_balance,omitempty"`
}

func NewFeatureBalance(s Summary) FeatureBalance {
	return FeatureBalance{
		FeatureID:     s.FeatureID,
		Balance:       s.Balance,
		Usage:         s.Usage,
		IncludedUsage: s.IncludedUsage,
		Unlimited:     s.Unlimited,
		UsageAllowed:  s.UsageAllowed,
		NextResetAt:   MillisToTime(s.NextResetAt),
	}
}

type CheckResponse struct {
	CustomerID      string  `json:"customer_id"`
	EntityID        string  `json:"entity_id,omitempty"`
	FeatureID       string  `json:"feature_id"`
	RequiredBalance float64 `json:"required_balance"`
	Allowed         bool    `json:"allowed"`
	// Balance is nil when the customer holds nothing for the feature.
	Balance *FeatureBalance `json:"balance"`
	// Balances lists underlying features when FeatureID is a credit system.
	Balances []FeatureBalance `json:"balances,omitempty"`
	// Tracked is set when send_event recorded the usage.
	Tracked bool `json:"tracked,omitempty"`
}

type TrackResponse struct {
	CustomerID string `json:"customer_id"`
	EntityID   string `json:"entity_id,omitempty"`
	// Balance is the first deducted feature; Balances has all of them.
	Balance   *FeatureBalance  `json:"balance"`
	Balances  []FeatureBalance `json:"balances"`
	Unmatched []string         `json:"unmatched,omitempty"`
	Path      string           `json:"path"`
	Replayed  bool             `json:"replayed,omitempty"`
}

// UpdateBalanceRequest overwrites one feature's balance. Exactly one of
// CurrentBalance, Usage and AdditionalBalance is set.
type UpdateBalanceRequest struct {
	CustomerID        string   `json:"customer_id"`
	EntityID          string   `json:"entity_id,omitempty"`
	FeatureID         string   `json:"feature_id"`
	CurrentBalance    *float64 `json:"current_balance,omitempty"`
	Usage             *float64 `json:"usage,omitempty"`
	AdditionalBalance *float64 `json:"additional_balance,omitempty"`
}

func (r *UpdateBalanceRequest) Normalize() error {
	r.CustomerID = strings.TrimSpace(r.CustomerID)
	r.EntityID = strings.TrimSpace(r.EntityID)
	r.FeatureID = strings.TrimSpace(r.FeatureID)
	switch {
	case r.CustomerID == "":
		return fmt.Errorf("%w: customer_id is required", ErrInvalidRequest)
	case r.FeatureID == "":
		return fmt.Errorf("%w: feature_id is required", ErrInvalidRequest)
	}

	set := 0
	for _, v := range []*float64{r.CurrentBalance, r.Usage, r.AdditionalBalance} {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			return fmt.Errorf("%w: balance values must be finite", ErrInvalidRequest)
		}
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one of current_balance, usage and additional_balance is required", ErrInvalidRequest)
	}
	return nil
}
