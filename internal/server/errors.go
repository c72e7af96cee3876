package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/metergate/internal/balance/domain"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
	plandomain "github.com/smallbiznis/metergate/internal/plan/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

var validationErrors = []error{
	ErrInvalidRequest,
	balancedomain.ErrInvalidRequest,
	balancedomain.ErrFeatureNotTrackable,
	balancedomain.ErrInvalidFeatureType,
	balancedomain.ErrUnknownEvent,
	entdomain.ErrInvalidInterval,
	entdomain.ErrInvalidAllowance,
	plandomain.ErrInvalidRequest,
	plandomain.ErrNoEntitlements,
	plandomain.ErrInvalidQuantity,
	featuredomain.ErrInvalidID,
	featuredomain.ErrInvalidName,
	featuredomain.ErrInvalidType,
	featuredomain.ErrInvalidUsageType,
	featuredomain.ErrInvalidCreditSchema,
}

var notFoundErrors = []error{
	ErrNotFound,
	balancedomain.ErrFeatureNotFound,
	featuredomain.ErrNotFound,
	entdomain.ErrEntityNotFound,
	entdomain.ErrCustomerProductMissing,
	gorm.ErrRecordNotFound,
}

var conflictErrors = []error{
	ErrConflict,
	entdomain.ErrEntityExists,
	featuredomain.ErrAlreadyExists,
	featuredomain.ErrFeatureInUse,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusConflict && payload.Type == "try_again" {
			c.Header("Retry-After", "1")
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	// checked before the sentinels, it wraps one of them
	var partial *balancedomain.PartialApplicationError
	if errors.As(err, &partial) {
		payload := errorPayload{
			Type:    "partial_application",
			Message: "usage was only partially recorded",
		}
		if partial.Applied != nil {
			payload.Details = map[string]any{"applied": partial.Applied.Applied}
		}
		return http.StatusInternalServerError, payload
	}

	var insufficient *balancedomain.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_balance",
			Message: insufficient.Error(),
			Details: map[string]any{
				"feature_id": insufficient.FeatureID,
				"requested":  insufficient.Requested,
				"available":  insufficient.Available,
				"shortfall":  insufficient.Shortfall(),
			},
		}
	}

	if code := matchAny(err, validationErrors); code != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   "request",
					Code:    code.Error(),
					Message: err.Error(),
				},
			},
		}
	}

	switch {
	case errors.Is(err, balancedomain.ErrNoApplicableBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "no_applicable_balance",
			Message: err.Error(),
		}
	case errors.Is(err, balancedomain.ErrTryAgain), errors.Is(err, entdomain.ErrVersionConflict):
		return http.StatusConflict, errorPayload{
			Type:    "try_again",
			Message: "a concurrent update is in progress, retry shortly",
		}
	case matchAny(err, conflictErrors) != nil:
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case matchAny(err, notFoundErrors) != nil:
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, balancedomain.ErrOutcomeUnknown):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "outcome_unknown",
			Message: "the usage may or may not have been recorded, read the balance before retrying",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorPayload{
			Type:    "timeout",
			Message: "request timed out",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same taxonomy clients see.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError {
		return "server", code
	}
	return "client", code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func matchAny(err error, targets []error) error {
	for _, target := range targets {
		if errors.Is(err, target) {
			return target
		}
	}
	return nil
}
