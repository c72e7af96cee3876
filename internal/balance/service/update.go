package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/durable"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
	"github.com/smallbiznis/metergate/pkg/log/ctxlogger"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UpdateBalance overwrites a feature's balance, usage or additional balance
// on the durable store. Cache commits not yet written are folded in first,
// and the snapshot comes back warm with the result.
func (s *Service) UpdateBalance(ctx context.Context, req domain.UpdateBalanceRequest) (_ *domain.FeatureBalance, err error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	ctx = ctxlogger.ContextWithCustomer(ctx, req.CustomerID)
	ctx, span := s.tracer.Start(ctx, "balance.UpdateBalance")
	span.SetAttributes(
		attribute.String("customer_id", req.CustomerID),
		attribute.String("feature_id", req.FeatureID),
	)
	defer func() { endSpan(span, err) }()

	feature, err := s.catalog.Get(ctx, req.FeatureID)
	if err != nil {
		if errors.Is(err, featuredomain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrFeatureNotFound, req.FeatureID)
		}
		return nil, err
	}
	if feature.Type == featuredomain.FeatureTypeBoolean {
		return nil, fmt.Errorf("%w: %s has no balance", domain.ErrInvalidFeatureType, feature.ID)
	}

	committed, err := s.durable.Transact(ctx, req.CustomerID, func(_ *gorm.DB, w *durable.Write) error {
		states := w.States()
		ids, err := domain.SetBalance(states, req)
		if err != nil {
			return err
		}
		for _, id := range ids {
			domain.ApplyToCustomerEntitlement(states[id], w.Row(id))
		}
		w.Touch(ids...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	states := lo.Map(committed, func(st domain.BalanceState, _ int) *domain.BalanceState { return &st })
	fb := domain.NewFeatureBalance(domain.Summarize(states, req.FeatureID, req.EntityID, s.clock.Now().UnixMilli()))
	s.log.Info("balance updated",
		zap.String("customer_id", req.CustomerID),
		zap.String("feature_id", req.FeatureID),
		zap.String("entity_id", req.EntityID),
		zap.Float64("balance", fb.Balance),
	)
	return &fb, nil
}
