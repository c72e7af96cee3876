package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
)

// Translator rewrites usage on a feature into deductions against metered
// features. Credit systems fan out over their schema; metered features pass
// through unchanged.
type Translator struct {
	catalog featuredomain.Catalog
}

func NewTranslator(catalog featuredomain.Catalog) *Translator {
	return &Translator{catalog: catalog}
}

// Translate returns one deduction per metered feature the usage lands on.
// Targets are left empty.
func (t *Translator) Translate(ctx context.Context, feature featuredomain.Feature, value float64, entityID string) ([]domain.FeatureDeduction, error) {
	switch feature.Type {
	case featuredomain.FeatureTypeMetered:
		return []domain.FeatureDeduction{{
			FeatureID:       feature.ID,
			SourceFeatureID: feature.ID,
			Amount:          value,
			EntityID:        entityID,
		}}, nil
	case featuredomain.FeatureTypeCreditSystem:
		return t.expand(ctx, feature, value, entityID)
	case featuredomain.FeatureTypeBoolean:
		return nil, fmt.Errorf("%w: %s", domain.ErrFeatureNotTrackable, feature.ID)
	default:
		return nil, fmt.Errorf("%w: %s has type %q", domain.ErrInvalidFeatureType, feature.ID, feature.Type)
	}
}

func (t *Translator) expand(ctx context.Context, feature featuredomain.Feature, value float64, entityID string) ([]domain.FeatureDeduction, error) {
	if len(feature.CreditSchema) == 0 {
		return nil, fmt.Errorf("%w: credit system %s has an empty schema", domain.ErrInvalidFeatureType, feature.ID)
	}

	v := decimal.NewFromFloat(value)
	out := make([]domain.FeatureDeduction, 0, len(feature.CreditSchema))
	for _, item := range feature.CreditSchema {
		underlying, err := t.catalog.Get(ctx, item.FeatureID)
		if err != nil {
			if errors.Is(err, featuredomain.ErrNotFound) {
				return nil, fmt.Errorf("%w: credit system %s references %s", domain.ErrFeatureNotFound, feature.ID, item.FeatureID)
			}
			return nil, err
		}
		if underlying.Type != featuredomain.FeatureTypeMetered {
			return nil, fmt.Errorf("%w: credit system %s references non-metered %s", domain.ErrInvalidFeatureType, feature.ID, item.FeatureID)
		}
		out = append(out, domain.FeatureDeduction{
			FeatureID:       underlying.ID,
			SourceFeatureID: feature.ID,
			Amount:          v.Mul(decimal.NewFromFloat(item.CreditCost)).InexactFloat64(),
			EntityID:        entityID,
		})
	}
	return out, nil
}
