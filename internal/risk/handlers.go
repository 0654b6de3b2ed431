package risk

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/pagination"
	"github.com/mbd888/stepup/internal/validation"
)

// Handler serves the assessment audit trail to back-office callers.
type Handler struct {
	store Store
}

// NewHandler creates a new risk assessment handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the audit routes. The group must be guarded by
// the internal secret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk-assessment/:id", validation.UUIDParamMiddleware("id"), h.GetAssessment)
	r.GET("/users/:userId/risk-assessments", h.ListAssessments)
}

// GetAssessment handles GET /risk-assessment/:id
func (h *Handler) GetAssessment(c *gin.Context) {
	a, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAssessmentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "assessment_not_found",
				"message": "Risk assessment not found",
			})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// ListAssessments handles GET /users/:userId/risk-assessments?limit=&cursor=
func (h *Handler) ListAssessments(c *gin.Context) {
	userID := c.Param("userId")
	if errs := validation.Validate(validation.MaxLength("userId", userID, 128)); len(errs) > 0 {
		validation.BadRequest(c, errs)
		return
	}
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		validation.BadRequest(c, validation.ValidationErrors{{Field: "limit", Message: err.Error()}})
		return
	}
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		validation.BadRequest(c, validation.ValidationErrors{{Field: "cursor", Message: err.Error()}})
		return
	}

	list, err := h.store.ListByUser(c.Request.Context(), userID, before, limit+1)
	if err != nil {
		h.internalError(c, err)
		return
	}
	page, next := pagination.Trim(list, limit, func(a *Assessment) pagination.Cursor {
		return pagination.Cursor{CreatedAt: a.CreatedAt, ID: a.ID}
	})
	if page == nil {
		page = []*Assessment{}
	}

	c.JSON(http.StatusOK, gin.H{
		"assessments": page,
		"nextCursor":  next,
		"hasMore":     next != "",
	})
}

func (h *Handler) internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("risk assessment lookup failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to load risk assessments",
	})
}
