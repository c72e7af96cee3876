package domain

import (
	"context"
	"errors"
	"time"

	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
)

// Service receives plan lifecycle notifications from the billing layer.
// It seeds and retires customer entitlements; it never charges anything.
type Service interface {
	DefineEntitlement(ctx context.Context, req EntitlementRequest) (*entdomain.Entitlement, error)
	ListEntitlements(ctx context.Context, productID string) ([]entdomain.Entitlement, error)
	HandleAttached(ctx context.Context, req AttachRequest) (*AttachResponse, error)
	HandleDetached(ctx context.Context, req DetachRequest) (*DetachResponse, error)
}

// Invalidator drops a customer's cached balances.
type Invalidator interface {
	Invalidate(ctx context.Context, customerID string)
}

// EntitlementRequest defines how much of a feature a product grants.
type EntitlementRequest struct {
	ProductID string `json:"product_id"`
	FeatureID string `json:"feature_id"`
	// Allowance nil grants unlimited access.
	Allowance       *float64 `json:"allowance"`
	Interval        string   `json:"interval"`
	IntervalCount   int      `json:"interval_count"`
	UsageAllowed    bool     `json:"usage_allowed"`
	UsageLimit      *float64 `json:"usage_limit,omitempty"`
	EntityFeatureID string   `json:"entity_feature_id,omitempty"`
	Rollover        *struct {
		Max      *float64 `json:"max,omitempty"`
		Duration string   `json:"duration"`
		Length   int      `json:"length"`
	} `json:"rollover,omitempty"`
}

type AttachRequest struct {
	// ID is the billing layer's attachment id. Repeating an attach with the
	// same id returns the existing attachment.
	ID         string `json:"id,omitempty"`
	CustomerID string `json:"customer_id"`
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	// Options adds purchased units per feature on top of the plan grant.
	Options   map[string]float64 `json:"options,omitempty"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	// Replaces names an attachment this one upgrades or downgrades. It is
	// retired in the same transaction and usage of continuous features
	// (seats) carries over.
	Replaces string `json:"replaces,omitempty"`
}

type AttachResponse struct {
	CustomerProduct      entdomain.CustomerProduct       `json:"customer_product"`
	CustomerEntitlements []entdomain.CustomerEntitlement `json:"customer_entitlements"`
	Existing             bool                            `json:"existing,omitempty"`
}

type DetachRequest struct {
	ID string `json:"id"`
	// Status defaults to expired.
	Status string `json:"status,omitempty"`
}

type DetachResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Changed bool   `json:"changed"`
}

var (
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrNoEntitlements  = errors.New("product_has_no_entitlements")
	ErrInvalidQuantity = errors.New("invalid_quantity")
)
