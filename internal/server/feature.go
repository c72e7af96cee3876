package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
)

type updateFeatureRequest struct {
	Name         *string                           `json:"name,omitempty"`
	FeatureType  *string                           `json:"feature_type,omitempty"`
	UsageType    *string                           `json:"usage_type,omitempty"`
	EventNames   *[]string                         `json:"event_names,omitempty"`
	CreditSchema *[]featuredomain.CreditSchemaItem `json:"credit_schema,omitempty"`
}

func (s *Server) CreateFeature(c *gin.Context) {
	var req featuredomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)

	resp, err := s.featureSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetFeature(c *gin.Context) {
	resp, err := s.featureSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListFeatures(c *gin.Context) {
	var query struct {
		FeatureType     string `form:"feature_type"`
		IncludeArchived string `form:"include_archived"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	includeArchived, err := parseOptionalBool(query.IncludeArchived)
	if err != nil {
		AbortWithError(c, newValidationError("include_archived", "invalid_include_archived", "invalid include_archived"))
		return
	}

	var featureType *featuredomain.FeatureType
	if rawType := strings.TrimSpace(query.FeatureType); rawType != "" {
		parsed := featuredomain.FeatureType(strings.ToLower(rawType))
		switch parsed {
		case featuredomain.FeatureTypeBoolean, featuredomain.FeatureTypeMetered, featuredomain.FeatureTypeCreditSystem:
		default:
			AbortWithError(c, newValidationError("feature_type", "invalid_feature_type", "invalid feature type"))
			return
		}
		featureType = &parsed
	}

	resp, err := s.featureSvc.List(c.Request.Context(), featuredomain.ListRequest{
		FeatureType:     featureType,
		IncludeArchived: includeArchived != nil && *includeArchived,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateFeature(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	var req updateFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	update := featuredomain.UpdateRequest{
		ID:           id,
		Name:         trimFeatureString(req.Name),
		EventNames:   req.EventNames,
		CreditSchema: req.CreditSchema,
	}
	if v := trimFeatureString(req.FeatureType); v != nil {
		parsed := featuredomain.FeatureType(*v)
		update.FeatureType = &parsed
	}
	if v := trimFeatureString(req.UsageType); v != nil {
		parsed := featuredomain.UsageType(*v)
		update.UsageType = &parsed
	}

	resp, err := s.featureSvc.Update(c.Request.Context(), update)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ArchiveFeature(c *gin.Context) {
	resp, err := s.featureSvc.Archive(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func trimFeatureString(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}
