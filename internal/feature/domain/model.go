package domain

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

type FeatureType string

const (
	FeatureTypeBoolean      FeatureType = "boolean"
	FeatureTypeMetered      FeatureType = "metered"
	FeatureTypeCreditSystem FeatureType = "credit_system"
)

// UsageType tells whether metered consumption is spent once (API calls) or
// held while allocated (seats).
type UsageType string

const (
	UsageTypeSingle     UsageType = "single_use"
	UsageTypeContinuous UsageType = "continuous_use"
)

// CreditSchemaItem prices one underlying metered feature in credits.
type CreditSchemaItem struct {
	FeatureID  string  `json:"feature_id"`
	CreditCost float64 `json:"credit_cost"`
}

type Feature struct {
	ID           string                                `gorm:"primaryKey;type:text"`
	Name         string                                `gorm:"type:text;not null"`
	Type         FeatureType                           `gorm:"column:feature_type;type:text;not null"`
	UsageType    UsageType                             `gorm:"column:usage_type;type:text"`
	EventNames   datatypes.JSONSlice[string]           `gorm:"column:event_names"`
	CreditSchema datatypes.JSONSlice[CreditSchemaItem] `gorm:"column:credit_schema"`
	Archived     bool                                  `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Feature) TableName() string { return "features" }

// Trackable reports whether usage can be deducted against this feature.
func (f Feature) Trackable() bool {
	return f.Type == FeatureTypeMetered || f.Type == FeatureTypeCreditSystem
}

// Continuous reports whether the feature models an allocated resource.
func (f Feature) Continuous() bool {
	return f.Type == FeatureTypeMetered && f.UsageType == UsageTypeContinuous
}

// Handles reports whether an event with the given name counts toward this feature.
func (f Feature) Handles(eventName string) bool {
	return f.Trackable() && slices.Contains([]string(f.EventNames), eventName)
}
