package service

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/lo"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/durable"
	"github.com/smallbiznis/metergate/internal/balance/resolver"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"github.com/smallbiznis/metergate/pkg/log/ctxlogger"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Track deducts req's value from every feature it resolves to.
func (s *Service) Track(ctx context.Context, req domain.TrackRequest) (resp *domain.TrackResponse, err error) {
	policy, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	ctx = ctxlogger.ContextWithCustomer(ctx, req.CustomerID)
	ctx, span := s.tracer.Start(ctx, "balance.Track")
	span.SetAttributes(
		attribute.String("customer_id", req.CustomerID),
		attribute.String("feature_id", req.FeatureID),
		attribute.String("event_name", req.EventName),
		attribute.String("overage_behavior", string(policy)),
	)
	defer func() { endSpan(span, err) }()

	rreq := resolver.Request{
		FeatureID: req.FeatureID,
		EventName: req.EventName,
		Value:     req.Amount(),
		EntityID:  req.EntityID,
	}
	res, resolution, err := s.commit(ctx, req, rreq, policy)
	if err != nil {
		path := domain.PathDurable
		if res != nil {
			path = res.Path
		}
		metrics.Balance().IncDeduction(path, outcome(err))
		s.metrics.RecordTrack(ctx, path, outcome(err), nil)
		return nil, err
	}

	out := metrics.OutcomeOK
	if res.Replayed {
		out = metrics.OutcomeReplayed
	}
	metrics.Balance().IncDeduction(res.Path, out)
	s.metrics.RecordTrack(ctx, res.Path, out, res.Applied)
	span.SetAttributes(attribute.String("path", res.Path))
	return s.trackResponse(req, res, resolution), nil
}

func (s *Service) commit(ctx context.Context, req domain.TrackRequest, rreq resolver.Request, policy domain.OverageBehavior) (*domain.CommitResult, *domain.Resolution, error) {
	log := ctxlogger.WithContext(ctx, s.log)

	switch {
	case req.IdempotencyKey != "":
		metrics.Balance().IncFallback(metrics.FallbackReasonIdempotent)
	case !s.cache.Enabled():
		metrics.Balance().IncFallback(metrics.FallbackReasonDisabled)
	default:
		res, resolution, err := s.commitCache(ctx, req.CustomerID, rreq, policy)
		if err == nil || !domain.IsRecoverable(err) {
			return res, resolution, err
		}
		reason := fallbackReason(err)
		metrics.Balance().IncFallback(reason)
		if reason == metrics.FallbackReasonUnavailable {
			log.Warn("cache path failed, using durable store", zap.String("reason", reason), zap.Error(err))
		} else {
			log.Debug("cache path skipped", zap.String("reason", reason), zap.Error(err))
		}
	}
	return s.commitDurable(ctx, req, rreq, policy)
}

func (s *Service) commitCache(ctx context.Context, customerID string, rreq resolver.Request, policy domain.OverageBehavior) (*domain.CommitResult, *domain.Resolution, error) {
	snap, err := s.cached(ctx, customerID)
	if err != nil {
		return nil, nil, err
	}

	resolution, err := s.resolver.Resolve(ctx, rreq, snap.States)
	if err != nil {
		return nil, nil, err
	}
	if len(resolution.Deductions) == 0 {
		return nil, resolution, noBalance(resolution)
	}

	res, err := s.cache.ExecuteAtomicDeduction(ctx, customerID, resolution.Deductions, policy)
	if err != nil {
		if errors.Is(err, domain.ErrOutcomeUnknown) {
			ctxlogger.WithContext(ctx, s.log).Error("cache commit outcome unknown",
				zap.Strings("entitlement_ids", resolution.TargetIDs()),
				zap.Error(err),
			)
		}
		return &domain.CommitResult{Path: domain.PathCache}, resolution, err
	}
	s.sync.Publish(ctx, customerID, res)
	return res, resolution, nil
}

// commitDurable resolves against the durable rows and deducts there. The
// executor hands the committed rows back to the cache.
func (s *Service) commitDurable(ctx context.Context, req domain.TrackRequest, rreq resolver.Request, policy domain.OverageBehavior) (*domain.CommitResult, *domain.Resolution, error) {
	states, err := s.loadDurable(ctx, req.CustomerID)
	if err != nil {
		return nil, nil, err
	}
	resolution, err := s.resolver.Resolve(ctx, rreq, states)
	if err != nil {
		return nil, nil, err
	}
	if len(resolution.Deductions) == 0 {
		return nil, resolution, noBalance(resolution)
	}

	res, err := s.durable.Execute(ctx, durable.Commit{
		CustomerID:     req.CustomerID,
		Deductions:     resolution.Deductions,
		Policy:         policy,
		IdempotencyKey: req.IdempotencyKey,
	})
	var partial *domain.PartialApplicationError
	switch {
	case err == nil:
	case errors.As(err, &partial):
		res = partial.Applied
	default:
		return nil, resolution, err
	}

	return res, resolution, err
}

func noBalance(resolution *domain.Resolution) error {
	if len(resolution.Unmatched) == 0 {
		return domain.ErrNoApplicableBalance
	}
	return &noBalanceError{features: resolution.Unmatched}
}

type noBalanceError struct {
	features []string
}

func (e *noBalanceError) Error() string {
	return domain.ErrNoApplicableBalance.Error() + ": " + strings.Join(e.features, ",")
}

func (e *noBalanceError) Unwrap() error { return domain.ErrNoApplicableBalance }

func (s *Service) trackResponse(req domain.TrackRequest, res *domain.CommitResult, resolution *domain.Resolution) *domain.TrackResponse {
	states := make([]*domain.BalanceState, 0, len(res.States))
	for i := range res.States {
		states = append(states, &res.States[i])
	}
	now := s.clock.Now().UnixMilli()

	featureIDs := lo.Uniq(lo.Map(resolution.Deductions, func(d domain.FeatureDeduction, _ int) string { return d.FeatureID }))
	balances := make([]domain.FeatureBalance, 0, len(featureIDs))
	for _, featureID := range featureIDs {
		balances = append(balances, domain.NewFeatureBalance(domain.Summarize(states, featureID, req.EntityID, now)))
	}

	resp := &domain.TrackResponse{
		CustomerID: req.CustomerID,
		EntityID:   req.EntityID,
		Balances:   balances,
		Unmatched:  resolution.Unmatched,
		Path:       res.Path,
		Replayed:   res.Replayed,
	}
	if len(balances) > 0 {
		resp.Balance = &balances[0]
	}
	return resp
}

func outcome(err error) string {
	switch {
	case domain.IsBusinessRejection(err):
		return metrics.OutcomeRejected
	case errors.Is(err, domain.ErrOutcomeUnknown):
		return metrics.OutcomeUnknown
	case domain.IsRecoverable(err):
		return metrics.OutcomeUnavailable
	default:
		return metrics.OutcomeError
	}
}
