package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/metergate/internal/plan/domain"
)

func (s *Server) PlanAttached(c *gin.Context) {
	var req plandomain.AttachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set(contextCustomerIDKey, strings.TrimSpace(req.CustomerID))

	resp, err := s.planSvc.HandleAttached(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Existing {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": resp})
}

func (s *Server) PlanDetached(c *gin.Context) {
	var req plandomain.DetachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.planSvc.HandleDetached(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DefineEntitlement(c *gin.Context) {
	var req plandomain.EntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ent, err := s.planSvc.DefineEntitlement(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": ent})
}

func (s *Server) ListEntitlements(c *gin.Context) {
	items, err := s.planSvc.ListEntitlements(c.Request.Context(), c.Param("product_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}
