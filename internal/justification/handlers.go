package justification

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stepup/internal/validation"
)

// Handler provides HTTP endpoints for assessment explanations.
type Handler struct {
	service *Service
}

// NewHandler creates a new justification handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the justification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/risk-assessment/:id", validation.UUIDParamMiddleware("id"))
	g.GET("/justification", h.GetJustification)
	g.POST("/justification", h.RegenerateJustification)
}

// GetJustification handles GET /risk-assessment/:id/justification
func (h *Handler) GetJustification(c *gin.Context) {
	h.respond(c, h.service.GetOrGenerate)
}

// RegenerateJustification handles POST /risk-assessment/:id/justification
func (h *Handler) RegenerateJustification(c *gin.Context) {
	h.respond(c, h.service.Regenerate)
}

func (h *Handler) respond(c *gin.Context, fn func(ctx context.Context, id string) (*Result, error)) {
	id := c.Param("id")
	res, err := fn(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrAssessmentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "assessment_not_found",
				"message": "Risk assessment not found",
			})
		case errors.Is(err, ErrUpstreamFailure):
			c.Header("Retry-After", "30")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "upstream_unavailable",
				"message": "Justification is temporarily unavailable. Try again shortly.",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to load justification",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"assessmentId":             id,
		"justification":            res.Justification,
		"justificationGeneratedAt": res.GeneratedAt.UTC().Format(time.RFC3339),
		"cached":                   res.Cached,
	})
}
