package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	Get(ctx context.Context, id string) (*Response, error)
	List(ctx context.Context, req ListRequest) ([]Response, error)
	Update(ctx context.Context, req UpdateRequest) (*Response, error)
	Archive(ctx context.Context, id string) (*Response, error)
}

// Catalog is the read path used while resolving usage. Implementations may
// serve slightly stale data.
type Catalog interface {
	Get(ctx context.Context, id string) (*Feature, error)
	ListByEventName(ctx context.Context, eventName string) ([]Feature, error)
	Invalidate()
}

// UsageChecker answers whether any customer already holds a feature.
type UsageChecker interface {
	CountCustomerEntitlementsByFeature(ctx context.Context, featureID string) (int64, error)
}

type ListRequest struct {
	FeatureType     *FeatureType
	IncludeArchived bool
}

type CreateRequest struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	FeatureType  FeatureType        `json:"feature_type"`
	UsageType    UsageType          `json:"usage_type"`
	EventNames   []string           `json:"event_names"`
	CreditSchema []CreditSchemaItem `json:"credit_schema"`
}

type UpdateRequest struct {
	ID           string              `json:"id"`
	Name         *string             `json:"name,omitempty"`
	FeatureType  *FeatureType        `json:"feature_type,omitempty"`
	UsageType    *UsageType          `json:"usage_type,omitempty"`
	EventNames   *[]string           `json:"event_names,omitempty"`
	CreditSchema *[]CreditSchemaItem `json:"credit_schema,omitempty"`
}

type Response struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	FeatureType  FeatureType        `json:"feature_type"`
	UsageType    UsageType          `json:"usage_type,omitempty"`
	EventNames   []string           `json:"event_names"`
	CreditSchema []CreditSchemaItem `json:"credit_schema,omitempty"`
	Archived     bool               `json:"archived"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

var (
	ErrInvalidID           = errors.New("invalid_feature_id")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidType         = errors.New("invalid_feature_type")
	ErrInvalidUsageType    = errors.New("invalid_usage_type")
	ErrInvalidCreditSchema = errors.New("invalid_credit_schema")
	ErrAlreadyExists       = errors.New("feature_already_exists")
	ErrFeatureInUse        = errors.New("feature_in_use")
	ErrNotFound            = errors.New("feature_not_found")
)
