package reconcile

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ahedlund/peermarket/internal/ledger"
	"github.com/ahedlund/peermarket/internal/validation"
)

// Handler provides the operator HTTP surface for reconciliation.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up operator routes. Mount under an admin group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/interventions", h.ListInterventions)
	r.POST("/interventions/:id/resolve", h.ResolveIntervention)
	r.POST("/sweep", h.RunSweep)
	r.GET("/accounts/:account/lease", h.GetLease)
}

// ListInterventions handles GET /v1/admin/interventions
func (h *Handler) ListInterventions(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	records, err := h.service.PendingInterventions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"interventions": records,
		"count":         len(records),
	})
}

// ResolveIntervention handles POST /v1/admin/interventions/:id/resolve
func (h *Handler) ResolveIntervention(c *gin.Context) {
	var req struct {
		Note string `json:"note" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "note is required",
		})
		return
	}

	err := h.service.ResolveIntervention(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Note, 1000))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ledger.ErrRecordNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ledger.ErrRecordFinal):
			status = http.StatusConflict
			code = "already_resolved"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

// RunSweep handles POST /v1/admin/sweep
func (h *Handler) RunSweep(c *gin.Context) {
	report, err := h.service.SweepStuckEscrows(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// GetLease handles GET /v1/admin/accounts/:account/lease
func (h *Handler) GetLease(c *gin.Context) {
	tokenType := c.Query("token")
	if tokenType == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token query parameter is required",
		})
		return
	}

	lease, err := h.service.orch.Ledger().Store().ActiveLease(
		c.Request.Context(), c.Param("account"), tokenType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if lease == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no active lease",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"lease": lease})
}
