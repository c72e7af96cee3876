package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/metergate/internal/observability/logger"
	"go.uber.org/zap"
)

const contextCustomerIDKey = "customer_id"

// RequestTimeout bounds the request context. Handlers see the deadline
// through c.Request.Context().
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type customerKey struct {
	CustomerID string `json:"customer_id"`
}

// CustomerRateLimit throttles check and track per customer. Limiter
// failures let the request through; balances are protected elsewhere.
func (s *Server) CustomerRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		customerID, err := readCustomerKey(c)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		if customerID == "" {
			c.Next()
			return
		}

		res, err := s.limiter.Allow(ctx, customerID)
		if err != nil {
			logger.FromContext(ctx).Warn("customer rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			logger.FromContext(ctx).Debug("customer rate limited",
				zap.String("customer_id", customerID),
				zap.String("route", c.FullPath()),
			)
			retry := int(math.Ceil(res.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func readCustomerKey(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload customerKey
	if err := json.Unmarshal(body, &payload); err != nil {
		// the handler reports the malformed body
		return "", nil
	}
	return strings.TrimSpace(payload.CustomerID), nil
}
