package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
)

// Request names what was used. Exactly one of FeatureID or EventName is set.
type Request struct {
	FeatureID string
	EventName string
	Value     float64
	EntityID  string
}

func (r Request) validate() error {
	r.FeatureID = strings.TrimSpace(r.FeatureID)
	r.EventName = strings.TrimSpace(r.EventName)
	if r.FeatureID == "" && r.EventName == "" {
		return fmt.Errorf("%w: feature_id or event_name is required", domain.ErrInvalidRequest)
	}
	if r.FeatureID != "" && r.EventName != "" {
		return fmt.Errorf("%w: feature_id and event_name are mutually exclusive", domain.ErrInvalidRequest)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("%w: value must be finite", domain.ErrInvalidRequest)
	}
	return nil
}

type Resolver struct {
	catalog    featuredomain.Catalog
	translator *Translator
}

func New(catalog featuredomain.Catalog) *Resolver {
	return &Resolver{
		catalog:    catalog,
		translator: NewTranslator(catalog),
	}
}

// Features returns the features a request applies to: the named feature, or
// every trackable feature listening for the event, ordered by id.
func (r *Resolver) Features(ctx context.Context, req Request) ([]featuredomain.Feature, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if id := strings.TrimSpace(req.FeatureID); id != "" {
		f, err := r.catalog.Get(ctx, id)
		if err != nil {
			if errors.Is(err, featuredomain.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", domain.ErrFeatureNotFound, id)
			}
			return nil, err
		}
		if !f.Trackable() {
			return nil, fmt.Errorf("%w: %s", domain.ErrFeatureNotTrackable, id)
		}
		return []featuredomain.Feature{*f}, nil
	}

	name := strings.TrimSpace(req.EventName)
	features, err := r.catalog.ListByEventName(ctx, name)
	if err != nil {
		return nil, err
	}
	features = lo.Filter(features, func(f featuredomain.Feature, _ int) bool { return !f.Archived })
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownEvent, name)
	}
	return features, nil
}

// Resolve turns req into ordered deductions against states. Each matched
// feature receives the full value independently. Metered features the
// customer holds no balance for are reported in Unmatched rather than
// failing the resolution.
func (r *Resolver) Resolve(ctx context.Context, req Request, states []*domain.BalanceState) (*domain.Resolution, error) {
	features, err := r.Features(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &domain.Resolution{Deductions: make([]domain.FeatureDeduction, 0, len(features))}
	for _, f := range features {
		deductions, err := r.translator.Translate(ctx, f, req.Value, req.EntityID)
		if err != nil {
			return nil, err
		}
		for _, d := range deductions {
			targets := domain.SelectTargets(states, d.FeatureID, d.EntityID)
			if len(targets) == 0 {
				out.Unmatched = append(out.Unmatched, d.FeatureID)
				continue
			}
			d.Targets = lo.Map(targets, func(st *domain.BalanceState, _ int) string { return st.ID })
			out.Deductions = append(out.Deductions, d)
		}
	}
	out.Unmatched = lo.Uniq(out.Unmatched)
	return out, nil
}

// Translate exposes the credit expansion for callers that already hold the feature.
func (r *Resolver) Translate(ctx context.Context, feature featuredomain.Feature, value float64, entityID string) ([]domain.FeatureDeduction, error) {
	return r.translator.Translate(ctx, feature, value, entityID)
}
