package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type CustomerProductStatus string

const (
	CustomerProductStatusActive    CustomerProductStatus = "active"
	CustomerProductStatusPastDue   CustomerProductStatus = "past_due"
	CustomerProductStatusScheduled CustomerProductStatus = "scheduled"
	CustomerProductStatusExpired   CustomerProductStatus = "expired"
)

// ActiveStatuses are the customer product states whose balances can be spent.
var ActiveStatuses = []CustomerProductStatus{
	CustomerProductStatusActive,
	CustomerProductStatusPastDue,
}

// Entitlement is the plan-level template: how much of a feature a product grants.
type Entitlement struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	ProductID string       `gorm:"type:text;not null;index" json:"product_id"`
	FeatureID string       `gorm:"type:text;not null" json:"feature_id"`

	// Allowance is the amount granted per period. Nil means unlimited.
	Allowance     *float64 `gorm:"column:allowance" json:"allowance"`
	Interval      Interval `gorm:"column:reset_interval;type:text;not null;default:''" json:"interval"`
	IntervalCount int      `gorm:"not null;default:1" json:"interval_count"`

	UsageAllowed bool     `gorm:"not null;default:false" json:"usage_allowed"`
	UsageLimit   *float64 `gorm:"column:usage_limit" json:"usage_limit,omitempty"`

	// EntityFeatureID links the balance to per-entity sub-balances keyed by
	// entities of this feature (e.g. credits per seat).
	EntityFeatureID *string `gorm:"type:text" json:"entity_feature_id,omitempty"`

	RolloverEnabled  bool     `gorm:"not null;default:false" json:"rollover_enabled"`
	RolloverMax      *float64 `gorm:"column:rollover_max" json:"rollover_max,omitempty"`
	RolloverDuration Interval `gorm:"type:text;not null;default:''" json:"rollover_duration"`
	RolloverLength   int      `gorm:"not null;default:0" json:"rollover_length"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Entitlement) TableName() string { return "entitlements" }

// Unlimited reports whether the template grants unbounded access.
func (e Entitlement) Unlimited() bool {
	return e.Allowance == nil
}

// AllowanceValue returns the per-period grant, zero when unlimited.
func (e Entitlement) AllowanceValue() float64 {
	if e.Allowance == nil {
		return 0
	}
	return *e.Allowance
}

// EntityScoped reports whether balances live per entity rather than on the customer.
func (e Entitlement) EntityScoped() bool {
	return e.EntityFeatureID != nil && *e.EntityFeatureID != ""
}

// Rollover returns the carry-over policy, or nil when unused balance is forfeited.
func (e Entitlement) Rollover() *RolloverPolicy {
	if !e.RolloverEnabled {
		return nil
	}
	return &RolloverPolicy{
		Max:      e.RolloverMax,
		Duration: e.RolloverDuration,
		Length:   e.RolloverLength,
	}
}

type RolloverPolicy struct {
	Max      *float64
	Duration Interval
	Length   int
}

// ExpiresAt returns when a rollover created at boundary lapses. Nil means never.
func (p RolloverPolicy) ExpiresAt(boundary time.Time) *time.Time {
	if p.Duration == IntervalNone || p.Length <= 0 {
		return nil
	}
	at := p.Duration.Add(boundary, p.Length)
	return &at
}

type CustomerProduct struct {
	ID         snowflake.ID                           `gorm:"primaryKey" json:"id"`
	CustomerID string                                 `gorm:"type:text;not null;index:idx_customer_products_customer,priority:1" json:"customer_id"`
	ProductID  string                                 `gorm:"type:text;not null" json:"product_id"`
	Status     CustomerProductStatus                  `gorm:"type:text;not null;index:idx_customer_products_customer,priority:2" json:"status"`
	Quantity   int                                    `gorm:"not null;default:1" json:"quantity"`
	Options    datatypes.JSONType[map[string]float64] `gorm:"column:options" json:"options"`
	StartedAt  time.Time                              `gorm:"not null" json:"started_at"`
	EndedAt    *time.Time                             `json:"ended_at,omitempty"`
	CreatedAt  time.Time                              `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time                              `gorm:"not null" json:"updated_at"`
}

func (CustomerProduct) TableName() string { return "customer_products" }

func (p CustomerProduct) Active() bool {
	for _, status := range ActiveStatuses {
		if p.Status == status {
			return true
		}
	}
	return false
}

// Rollover is unused balance carried into a later period.
type Rollover struct {
	ID        string     `json:"id"`
	Balance   float64    `json:"balance"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the rollover can no longer be spent at t.
func (r Rollover) Expired(t time.Time) bool {
	return r.ExpiresAt != nil && !t.Before(*r.ExpiresAt)
}

// EntityBalance is one entity's slice of an entity-scoped entitlement.
type EntityBalance struct {
	Balance    float64 `json:"balance"`
	Adjustment float64 `json:"adjustment"`
}

type EntityBalances map[string]EntityBalance

// CustomerEntitlement is a customer's live balance for one feature.
type CustomerEntitlement struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	CustomerProductID snowflake.ID `gorm:"not null;index" json:"customer_product_id"`
	CustomerID        string       `gorm:"type:text;not null;index" json:"customer_id"`
	EntitlementID     snowflake.ID `gorm:"not null" json:"entitlement_id"`
	FeatureID         string       `gorm:"type:text;not null" json:"feature_id"`

	// Granted is the per-period grant after quantity and options; resets
	// restore Balance to it.
	Granted           float64 `gorm:"not null;default:0" json:"granted"`
	Balance           float64 `gorm:"not null;default:0" json:"balance"`
	AdditionalBalance float64 `gorm:"not null;default:0" json:"additional_balance"`
	Unlimited         bool    `gorm:"not null;default:false" json:"unlimited"`
	UsageAllowed      bool    `gorm:"not null;default:false" json:"usage_allowed"`

	// ResetAnchor is where the reset schedule starts; every boundary is
	// computed from it. Rows without one use their current NextResetAt.
	ResetAnchor *time.Time                         `json:"reset_anchor,omitempty"`
	NextResetAt *time.Time                         `json:"next_reset_at,omitempty"`
	Rollovers   datatypes.JSONSlice[Rollover]      `gorm:"column:rollovers" json:"rollovers"`
	Entities    datatypes.JSONType[EntityBalances] `gorm:"column:entities" json:"entities"`

	// Version increases by one on every balance mutation and orders
	// write-behind updates. Revision is a globally increasing id used by the
	// change feed.
	Version  int64 `gorm:"not null;default:0" json:"version"`
	Revision int64 `gorm:"not null;default:0;index" json:"-"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	Entitlement Entitlement `gorm:"-" json:"-"`
}

func (CustomerEntitlement) TableName() string { return "customer_entitlements" }

// EntityMap returns a copy of the entity balances, never nil.
func (c *CustomerEntitlement) EntityMap() EntityBalances {
	out := EntityBalances{}
	for id, e := range c.Entities.Data() {
		out[id] = e
	}
	return out
}

func (c *CustomerEntitlement) SetEntities(entities EntityBalances) {
	if entities == nil {
		entities = EntityBalances{}
	}
	c.Entities = datatypes.NewJSONType(entities)
}

// Entity is a sub-unit of a customer (a seat, a workspace) that can own balances.
type Entity struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"-"`
	CustomerID string       `gorm:"type:text;not null;uniqueIndex:ux_customer_entities,priority:1" json:"customer_id"`
	EntityID   string       `gorm:"type:text;not null;uniqueIndex:ux_customer_entities,priority:2" json:"id"`
	FeatureID  string       `gorm:"type:text;not null" json:"feature_id"`
	Name       string       `gorm:"type:text" json:"name"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
}

func (Entity) TableName() string { return "customer_entities" }

// IdempotencyRecord stores the outcome of a keyed usage report so retries
// return the original result.
type IdempotencyRecord struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	CustomerID     string         `gorm:"type:text;not null;uniqueIndex:ux_balance_idempotency,priority:1"`
	IdempotencyKey string         `gorm:"type:text;not null;uniqueIndex:ux_balance_idempotency,priority:2"`
	Result         datatypes.JSON `gorm:"column:result"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (IdempotencyRecord) TableName() string { return "balance_idempotency_keys" }
