package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/metergate/internal/balance/domain"
)

func (s *Server) Check(c *gin.Context) {
	var req balancedomain.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set(contextCustomerIDKey, strings.TrimSpace(req.CustomerID))

	resp, err := s.balanceSvc.Check(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// a denied check is an answer, not an error
	c.JSON(http.StatusOK, resp)
}

func (s *Server) Track(c *gin.Context) {
	var req balancedomain.TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	c.Set(contextCustomerIDKey, strings.TrimSpace(req.CustomerID))

	resp, err := s.balanceSvc.Track(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("balance_path", resp.Path)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListBalances(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("customer_id"))
	c.Set(contextCustomerIDKey, customerID)

	balances, err := s.balanceSvc.Balances(c.Request.Context(), customerID, strings.TrimSpace(c.Query("entity_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balances})
}

func (s *Server) UpdateBalance(c *gin.Context) {
	var req balancedomain.UpdateBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set(contextCustomerIDKey, strings.TrimSpace(req.CustomerID))

	balance, err := s.balanceSvc.UpdateBalance(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"customer_id": req.CustomerID,
		"entity_id":   req.EntityID,
		"balance":     balance,
	})
}
