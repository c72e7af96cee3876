package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/guard"
	"github.com/smallbiznis/metergate/internal/config"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/metergate/internal/plan/domain"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	"github.com/smallbiznis/metergate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockBalanceService struct {
	mock.Mock
}

func (m *mockBalanceService) Check(ctx context.Context, req balancedomain.CheckRequest) (*balancedomain.CheckResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*balancedomain.CheckResponse)
	return resp, args.Error(1)
}

func (m *mockBalanceService) Track(ctx context.Context, req balancedomain.TrackRequest) (*balancedomain.TrackResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*balancedomain.TrackResponse)
	return resp, args.Error(1)
}

func (m *mockBalanceService) Balances(ctx context.Context, customerID, entityID string) ([]balancedomain.FeatureBalance, error) {
	args := m.Called(ctx, customerID, entityID)
	out, _ := args.Get(0).([]balancedomain.FeatureBalance)
	return out, args.Error(1)
}

func (m *mockBalanceService) UpdateBalance(ctx context.Context, req balancedomain.UpdateBalanceRequest) (*balancedomain.FeatureBalance, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*balancedomain.FeatureBalance)
	return out, args.Error(1)
}

func (m *mockBalanceService) CreateEntities(ctx context.Context, customerID, featureID string, inputs []guard.EntityInput) ([]entdomain.Entity, error) {
	args := m.Called(ctx, customerID, featureID, inputs)
	out, _ := args.Get(0).([]entdomain.Entity)
	return out, args.Error(1)
}

func (m *mockBalanceService) DeleteEntity(ctx context.Context, customerID, entityID string) (*entdomain.Entity, error) {
	args := m.Called(ctx, customerID, entityID)
	out, _ := args.Get(0).(*entdomain.Entity)
	return out, args.Error(1)
}

func (m *mockBalanceService) ListEntities(ctx context.Context, customerID, featureID string) ([]entdomain.Entity, error) {
	args := m.Called(ctx, customerID, featureID)
	out, _ := args.Get(0).([]entdomain.Entity)
	return out, args.Error(1)
}

type mockPlanService struct {
	mock.Mock
}

func (m *mockPlanService) DefineEntitlement(ctx context.Context, req plandomain.EntitlementRequest) (*entdomain.Entitlement, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*entdomain.Entitlement)
	return out, args.Error(1)
}

func (m *mockPlanService) ListEntitlements(ctx context.Context, productID string) ([]entdomain.Entitlement, error) {
	args := m.Called(ctx, productID)
	out, _ := args.Get(0).([]entdomain.Entitlement)
	return out, args.Error(1)
}

func (m *mockPlanService) HandleAttached(ctx context.Context, req plandomain.AttachRequest) (*plandomain.AttachResponse, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*plandomain.AttachResponse)
	return out, args.Error(1)
}

func (m *mockPlanService) HandleDetached(ctx context.Context, req plandomain.DetachRequest) (*plandomain.DetachResponse, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*plandomain.DetachResponse)
	return out, args.Error(1)
}

var anyCtx = mock.Anything

// failingTrack answers every track with err.
func failingTrack(err error) *mockBalanceService {
	balances := &mockBalanceService{}
	balances.On("Track", anyCtx, mock.Anything).Return(nil, err)
	return balances
}

func newTestServer(t *testing.T, balances *mockBalanceService, limiter *ratelimit.CustomerLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:        router,
		Cfg:        config.Config{RequestTimeout: time.Second},
		BalanceSvc: balances,
		PlanSvc:    &mockPlanService{},
		Limiter:    limiter,
	})
	return router
}

func do(router *gin.Engine, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestCheckDeniedIsNotAnError(t *testing.T) {
	balances := &mockBalanceService{}
	withDeadline := mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})
	balances.On("Check", withDeadline, balancedomain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages"}).
		Return(&balancedomain.CheckResponse{CustomerID: "cus_1", FeatureID: "messages", Allowed: false}, nil).
		Once()
	router := newTestServer(t, balances, nil)

	resp := do(router, http.MethodPost, "/v1/check", `{"customer_id":"cus_1","feature_id":"messages"}`)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"customer_id":"cus_1","feature_id":"messages","required_balance":0,"allowed":false,"balance":null}`, resp.Body.String())
	balances.AssertExpectations(t)
}

func TestTrackErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{
			name:   "insufficient balance",
			err:    &balancedomain.InsufficientBalanceError{FeatureID: "messages", Requested: 5, Available: 2},
			status: http.StatusPaymentRequired,
			typ:    "insufficient_balance",
		},
		{
			name:   "no applicable balance",
			err:    fmt.Errorf("%w: messages", balancedomain.ErrNoApplicableBalance),
			status: http.StatusPaymentRequired,
			typ:    "no_applicable_balance",
		},
		{
			name:   "try again",
			err:    balancedomain.ErrTryAgain,
			status: http.StatusConflict,
			typ:    "try_again",
		},
		{
			name:   "reset raced",
			err:    fmt.Errorf("%w: reset of 1", entdomain.ErrVersionConflict),
			status: http.StatusConflict,
			typ:    "try_again",
		},
		{
			name:   "timeout",
			err:    fmt.Errorf("track: %w", context.DeadlineExceeded),
			status: http.StatusGatewayTimeout,
			typ:    "timeout",
		},
		{
			name:   "outcome unknown",
			err:    fmt.Errorf("commit timed out: %w", balancedomain.ErrOutcomeUnknown),
			status: http.StatusServiceUnavailable,
			typ:    "outcome_unknown",
		},
		{
			name:   "feature not found",
			err:    fmt.Errorf("%w: nope", balancedomain.ErrFeatureNotFound),
			status: http.StatusNotFound,
			typ:    "not_found",
		},
		{
			name:   "invalid request",
			err:    fmt.Errorf("%w: customer_id is required", balancedomain.ErrInvalidRequest),
			status: http.StatusBadRequest,
			typ:    "validation_error",
		},
		{
			name: "partial application",
			err: &balancedomain.PartialApplicationError{
				Applied: &balancedomain.CommitResult{Applied: map[string]float64{"tokens_a": 4}},
				Err:     balancedomain.ErrOutcomeUnknown,
			},
			status: http.StatusInternalServerError,
			typ:    "partial_application",
		},
		{
			name:   "anything else",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			typ:    "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestServer(t, failingTrack(tt.err), nil)

			resp := do(router, http.MethodPost, "/v1/track", `{"customer_id":"cus_1","feature_id":"messages","value":5}`)

			require.Equal(t, tt.status, resp.Code)
			assert.Equal(t, tt.typ, decodeError(t, resp).Type)
		})
	}
}

func TestInsufficientBalanceCarriesShortfall(t *testing.T) {
	router := newTestServer(t, failingTrack(
		&balancedomain.InsufficientBalanceError{FeatureID: "messages", Requested: 5, Available: 2},
	), nil)

	resp := do(router, http.MethodPost, "/v1/track", `{"customer_id":"cus_1","feature_id":"messages","value":5}`)

	payload := decodeError(t, resp)
	assert.Equal(t, "messages", payload.Details["feature_id"])
	assert.EqualValues(t, 3, payload.Details["shortfall"])
	assert.EqualValues(t, 2, payload.Details["available"])
}

func TestTryAgainSetsRetryAfter(t *testing.T) {
	balances := &mockBalanceService{}
	balances.On("CreateEntities", anyCtx, "cus_1", "seats", mock.Anything).Return(nil, balancedomain.ErrTryAgain)
	router := newTestServer(t, balances, nil)

	resp := do(router, http.MethodPost, "/v1/customers/cus_1/entities", `{"feature_id":"seats","entities":[{"id":"u1"}]}`)

	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "1", resp.Header().Get("Retry-After"))
}

func TestTrackTakesIdempotencyKeyFromHeader(t *testing.T) {
	balances := &mockBalanceService{}
	keyed := func(key string) interface{} {
		return mock.MatchedBy(func(req balancedomain.TrackRequest) bool { return req.IdempotencyKey == key })
	}
	ok := &balancedomain.TrackResponse{CustomerID: "cus_1", Path: "cache"}
	balances.On("Track", anyCtx, keyed("evt_1")).Return(ok, nil).Once()
	// the body wins over the header
	balances.On("Track", anyCtx, keyed("body")).Return(ok, nil).Once()
	router := newTestServer(t, balances, nil)

	resp := do(router, http.MethodPost, "/v1/track", `{"customer_id":"cus_1","feature_id":"messages"}`, "Idempotency-Key", "evt_1")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(router, http.MethodPost, "/v1/track", `{"customer_id":"cus_1","feature_id":"messages","idempotency_key":"body"}`, "Idempotency-Key", "evt_2")
	require.Equal(t, http.StatusOK, resp.Code)
	balances.AssertExpectations(t)
}

func TestTrackRejectsMalformedBody(t *testing.T) {
	balances := &mockBalanceService{}
	router := newTestServer(t, balances, nil)

	resp := do(router, http.MethodPost, "/v1/track", `{"customer_id":`)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "validation_error", decodeError(t, resp).Type)
	balances.AssertNotCalled(t, "Track", mock.Anything, mock.Anything)
}

func TestEntityRoutes(t *testing.T) {
	balances := &mockBalanceService{}
	balances.On("CreateEntities", anyCtx, "cus_1", "seats", []guard.EntityInput{{ID: "u1"}, {ID: "u2"}}).
		Return([]entdomain.Entity{
			{CustomerID: "cus_1", EntityID: "u1", FeatureID: "seats"},
			{CustomerID: "cus_1", EntityID: "u2", FeatureID: "seats"},
		}, nil).
		Once()
	balances.On("DeleteEntity", anyCtx, "cus_1", "u1").Return(&entdomain.Entity{CustomerID: "cus_1", EntityID: "u1"}, nil).Once()
	balances.On("Balances", anyCtx, "cus_1", "").Return([]balancedomain.FeatureBalance{{FeatureID: "messages", Balance: 10}}, nil).Once()
	router := newTestServer(t, balances, nil)

	resp := do(router, http.MethodPost, "/v1/customers/cus_1/entities", `{"feature_id":"seats","entities":[{"id":"u1"},{"id":"u2"}]}`)
	require.Equal(t, http.StatusCreated, resp.Code)
	var created struct {
		Data []entdomain.Entity `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.Len(t, created.Data, 2)

	resp = do(router, http.MethodPost, "/v1/customers/cus_1/entities", `{"entities":[{"id":"u1"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(router, http.MethodDelete, "/v1/customers/cus_1/entities/u1", "")
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = do(router, http.MethodGet, "/v1/customers/cus_1/balances", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	balances.AssertExpectations(t)
}

func TestEntityConflicts(t *testing.T) {
	balances := &mockBalanceService{}
	balances.On("CreateEntities", anyCtx, "cus_1", "seats", mock.Anything).Return(nil, fmt.Errorf("%w: u1", entdomain.ErrEntityExists))
	router := newTestServer(t, balances, nil)

	resp := do(router, http.MethodPost, "/v1/customers/cus_1/entities", `{"feature_id":"seats","entities":[{"id":"u1"}]}`)

	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "conflict", decodeError(t, resp).Type)
	assert.Empty(t, resp.Header().Get("Retry-After"))
}

func TestPlanAttachedReplayReturnsOK(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	plans := &mockPlanService{}
	plans.On("HandleAttached", anyCtx, mock.MatchedBy(func(req plandomain.AttachRequest) bool { return req.ID == "" })).
		Return(&plandomain.AttachResponse{}, nil).Once()
	plans.On("HandleAttached", anyCtx, mock.MatchedBy(func(req plandomain.AttachRequest) bool { return req.ID == "1" })).
		Return(&plandomain.AttachResponse{Existing: true}, nil).Once()
	plans.On("HandleDetached", anyCtx, mock.Anything).
		Return(&plandomain.DetachResponse{ID: "1", Status: "expired", Changed: true}, nil).Once()
	NewServer(ServerParams{Gin: router, BalanceSvc: &mockBalanceService{}, PlanSvc: plans})

	resp := do(router, http.MethodPost, "/internal/plans/attached", `{"customer_id":"cus_1","product_id":"pro"}`)
	assert.Equal(t, http.StatusCreated, resp.Code)

	resp = do(router, http.MethodPost, "/internal/plans/attached", `{"id":"1","customer_id":"cus_1","product_id":"pro"}`)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = do(router, http.MethodPost, "/internal/plans/detached", `{"id":"1"}`)
	assert.Equal(t, http.StatusOK, resp.Code)
	plans.AssertExpectations(t)
}

func TestUpdateBalance(t *testing.T) {
	balances := &mockBalanceService{}
	usage := 27.35
	balances.On("UpdateBalance", anyCtx, balancedomain.UpdateBalanceRequest{CustomerID: "cus_1", FeatureID: "messages", Usage: &usage}).
		Return(&balancedomain.FeatureBalance{FeatureID: "messages", Balance: 72.65, Usage: 27.35, IncludedUsage: 100}, nil).
		Once()
	balances.On("UpdateBalance", anyCtx, mock.MatchedBy(func(req balancedomain.UpdateBalanceRequest) bool { return req.FeatureID == "unlimited" })).
		Return(nil, fmt.Errorf("%w: unlimited is unlimited", balancedomain.ErrInvalidRequest)).
		Once()
	router := newTestServer(t, balances, nil)

	resp := do(router, http.MethodPost, "/v1/balances/update", `{"customer_id":"cus_1","feature_id":"messages","usage":27.35}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		CustomerID string                       `json:"customer_id"`
		Balance    balancedomain.FeatureBalance `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "cus_1", body.CustomerID)
	assert.Equal(t, 72.65, body.Balance.Balance)

	resp = do(router, http.MethodPost, "/v1/balances/update", `{"customer_id":"cus_1","feature_id":"unlimited","usage":1}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "validation_error", decodeError(t, resp).Type)
	balances.AssertExpectations(t)
}

func TestCustomerRateLimit(t *testing.T) {
	_, client := testutil.StartRedis(t)
	limiter := ratelimit.NewCustomerLimiter(config.Config{TrackRateLimit: 0.01, TrackRateBurst: 1}, client, zap.NewNop())
	balances := &mockBalanceService{}
	balances.On("Track", anyCtx, mock.Anything).Return(&balancedomain.TrackResponse{CustomerID: "cus_1", Path: "cache"}, nil)
	router := newTestServer(t, balances, limiter)

	body := `{"customer_id":"cus_1","feature_id":"messages"}`
	resp := do(router, http.MethodPost, "/v1/track", body)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(router, http.MethodPost, "/v1/track", body)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))

	resp = do(router, http.MethodPost, "/v1/track", `{"customer_id":"cus_2","feature_id":"messages"}`)
	assert.Equal(t, http.StatusOK, resp.Code)
}
