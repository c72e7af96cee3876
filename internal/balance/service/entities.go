package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/guard"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/pkg/log/ctxlogger"
)

// CreateEntities provisions entities of featureID for the customer. The
// durable write hands the customer's snapshot back with the new
// sub-balances.
func (s *Service) CreateEntities(ctx context.Context, customerID, featureID string, inputs []guard.EntityInput) (_ []entdomain.Entity, err error) {
	ctx = ctxlogger.ContextWithCustomer(ctx, customerID)
	ctx, span := s.tracer.Start(ctx, "balance.CreateEntities")
	defer func() { endSpan(span, err) }()

	return s.provisioner.CreateEntities(ctx, customerID, featureID, inputs)
}

func (s *Service) DeleteEntity(ctx context.Context, customerID, entityID string) (_ *entdomain.Entity, err error) {
	ctx = ctxlogger.ContextWithCustomer(ctx, customerID)
	ctx, span := s.tracer.Start(ctx, "balance.DeleteEntity")
	defer func() { endSpan(span, err) }()

	return s.provisioner.DeleteEntity(ctx, customerID, entityID)
}

func (s *Service) ListEntities(ctx context.Context, customerID, featureID string) ([]entdomain.Entity, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer_id is required", domain.ErrInvalidRequest)
	}
	return s.repo.ListEntities(ctx, s.db.WithContext(ctx), customerID, strings.TrimSpace(featureID))
}

// Balances returns the customer's balance for every feature it holds, in
// feature id order.
func (s *Service) Balances(ctx context.Context, customerID, entityID string) ([]domain.FeatureBalance, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer_id is required", domain.ErrInvalidRequest)
	}
	v, err := s.read(ctx, customerID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UnixMilli()
	features := make([]string, 0)
	seen := map[string]struct{}{}
	for _, st := range v.states {
		if _, ok := seen[st.FeatureID]; ok {
			continue
		}
		seen[st.FeatureID] = struct{}{}
		features = append(features, st.FeatureID)
	}
	sort.Strings(features)

	out := make([]domain.FeatureBalance, 0, len(features))
	for _, featureID := range features {
		sum := domain.Summarize(v.states, featureID, entityID, now)
		if !sum.Found {
			continue
		}
		out = append(out, domain.NewFeatureBalance(sum))
	}
	return out, nil
}
