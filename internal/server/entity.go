package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/metergate/internal/balance/guard"
)

type createEntitiesRequest struct {
	FeatureID string              `json:"feature_id"`
	Entities  []guard.EntityInput `json:"entities"`
}

func (s *Server) CreateEntities(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("customer_id"))
	c.Set(contextCustomerIDKey, customerID)

	var req createEntitiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	featureID := strings.TrimSpace(req.FeatureID)
	if featureID == "" {
		AbortWithError(c, newValidationError("feature_id", "required", "feature_id is required"))
		return
	}
	if len(req.Entities) == 0 {
		AbortWithError(c, newValidationError("entities", "required", "at least one entity is required"))
		return
	}

	entities, err := s.balanceSvc.CreateEntities(c.Request.Context(), customerID, featureID, req.Entities)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": entities})
}

func (s *Server) ListEntities(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("customer_id"))
	c.Set(contextCustomerIDKey, customerID)

	entities, err := s.balanceSvc.ListEntities(c.Request.Context(), customerID, strings.TrimSpace(c.Query("feature_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entities})
}

func (s *Server) DeleteEntity(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("customer_id"))
	c.Set(contextCustomerIDKey, customerID)

	entity, err := s.balanceSvc.DeleteEntity(c.Request.Context(), customerID, strings.TrimSpace(c.Param("entity_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entity})
}
