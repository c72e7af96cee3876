package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/metergate/internal/balance/domain"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
	"github.com/smallbiznis/metergate/pkg/log/ctxlogger"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Check reports whether the customer can use req.RequiredBalance of a
// feature. Nothing is written unless SendEvent is set and the check passes.
func (s *Service) Check(ctx context.Context, req domain.CheckRequest) (resp *domain.CheckResponse, err error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	ctx = ctxlogger.ContextWithCustomer(ctx, req.CustomerID)
	ctx, span := s.tracer.Start(ctx, "balance.Check")
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

	v, err := s.read(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}

	resp = &domain.CheckResponse{
		CustomerID:      req.CustomerID,
		EntityID:        req.EntityID,
		FeatureID:       req.FeatureID,
		RequiredBalance: req.Required(),
	}
	now := s.clock.Now().UnixMilli()

	switch feature.Type {
	case featuredomain.FeatureTypeBoolean:
		sum := domain.Summarize(v.states, feature.ID, req.EntityID, now)
		resp.Allowed = sum.Found
		if sum.Found {
			fb := domain.NewFeatureBalance(sum)
			resp.Balance = &fb
		}
	case featuredomain.FeatureTypeMetered, featuredomain.FeatureTypeCreditSystem:
		if err := s.checkMetered(ctx, *feature, req, v.states, now, resp); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidFeatureType, feature.Type)
	}

	if resp.Allowed && req.SendEvent && feature.Trackable() {
		if err := s.record(ctx, req, resp); err != nil {
			return nil, err
		}
	}

	span.SetAttributes(
		attribute.Bool("allowed", resp.Allowed),
		attribute.String("path", v.path),
	)
	s.metrics.RecordCheck(ctx, req.FeatureID, resp.Allowed)
	return resp, nil
}

// checkMetered allows the request when every deduction it would make can be
// covered. Credit systems are checked against the features they spend.
func (s *Service) checkMetered(ctx context.Context, feature featuredomain.Feature, req domain.CheckRequest, states []*domain.BalanceState, now int64, resp *domain.CheckResponse) error {
	deductions, err := s.resolver.Translate(ctx, feature, req.Required(), req.EntityID)
	if err != nil {
		return err
	}

	allowed := len(deductions) > 0
	balances := make([]domain.FeatureBalance, 0, len(deductions))
	for _, d := range deductions {
		sum := domain.Summarize(states, d.FeatureID, d.EntityID, now)
		if !sum.Found {
			allowed = false
			continue
		}
		if !sum.Unlimited && !domain.CanCover(states, d.FeatureID, d.EntityID, d.Amount, now) {
			allowed = false
		}
		fb := domain.NewFeatureBalance(sum)
		amount := d.Amount
		fb.Required = &amount
		balances = append(balances, fb)
	}

	resp.Allowed = allowed
	if len(balances) > 0 {
		resp.Balance = &balances[0]
	}
	if feature.Type == featuredomain.FeatureTypeCreditSystem {
		resp.Balances = balances
	}
	return nil
}

// record tracks the checked amount with cap semantics. A concurrent spend
// that empties the balance between the read and the deduction turns the
// check into a denial.
func (s *Service) record(ctx context.Context, req domain.CheckRequest, resp *domain.CheckResponse) error {
	amount := req.Required()
	tracked, err := s.Track(ctx, domain.TrackRequest{
		CustomerID:      req.CustomerID,
		EntityID:        req.EntityID,
		FeatureID:       req.FeatureID,
		Value:           &amount,
		IdempotencyKey:  req.IdempotencyKey,
		OverageBehavior: string(domain.OverageCap),
	})
	var insufficient *domain.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		ctxlogger.WithContext(ctx, s.log).Debug("check denied at deduction",
			zap.String("feature_id", insufficient.FeatureID),
			zap.Float64("shortfall", insufficient.Shortfall()),
		)
		resp.Allowed = false
		return nil
	case err != nil:
		return err
	}

	resp.Tracked = true
	if len(tracked.Balances) == 0 {
		return nil
	}
	required := map[string]*float64{}
	for _, fb := range append(resp.Balances, derefBalance(resp.Balance)...) {
		required[fb.FeatureID] = fb.Required
	}
	for i := range tracked.Balances {
		tracked.Balances[i].Required = required[tracked.Balances[i].FeatureID]
	}
	resp.Balance = &tracked.Balances[0]
	if resp.Balances != nil {
		resp.Balances = tracked.Balances
	}
	return nil
}

func derefBalance(fb *domain.FeatureBalance) []domain.FeatureBalance {
	if fb == nil {
		return nil
	}
	return []domain.FeatureBalance{*fb}
}
