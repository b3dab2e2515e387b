package trade

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ahedlund/peermarket/internal/validation"
)

// Handler provides HTTP endpoints for trade lifecycle operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/accounts/:account/trades", h.ListTrades)
	r.POST("/trades/:id/paid", h.MarkPaid)
	r.POST("/trades/:id/confirm", h.ConfirmPayment)
	r.POST("/trades/:id/cancel", h.CancelTrade)
	r.POST("/trades/:id/dispute", h.DisputeTrade)
	r.POST("/trades/:id/resolve", h.ResolveDispute)
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAccount("buyerId", req.BuyerID),
		validation.ValidAccount("sellerId", req.SellerID),
		validation.ValidToken("tokenType", req.TokenType),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidAmount("pricePerUnit", req.PricePerUnit),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	t, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrSelfTrade) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Buyer and seller cannot be the same account",
			})
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_lock_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTradeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Trade not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ListTrades handles GET /v1/accounts/:account/trades
func (h *Handler) ListTrades(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	trades, err := h.service.ListByAccount(c.Request.Context(), c.Param("account"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

type actorRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

// MarkPaid handles POST /v1/trades/:id/paid
func (h *Handler) MarkPaid(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountId is required",
		})
		return
	}

	t, err := h.service.MarkPaid(c.Request.Context(), c.Param("id"), req.AccountID)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ConfirmPayment handles POST /v1/trades/:id/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountId is required",
		})
		return
	}

	t, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("id"), req.AccountID)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// CancelTrade handles POST /v1/trades/:id/cancel
func (h *Handler) CancelTrade(c *gin.Context) {
	var req struct {
		AccountID string `json:"accountId" binding:"required"`
		Reason    string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountId is required",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, 500)
	if reason == "" {
		reason = "cancelled by " + req.AccountID
	}

	result, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.AccountID, reason)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		// Not an error: the caller has to wait for the timelock or an
		// operator has to step in.
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// DisputeTrade handles POST /v1/trades/:id/dispute
func (h *Handler) DisputeTrade(c *gin.Context) {
	var req struct {
		AccountID string `json:"accountId" binding:"required"`
		Evidence  string `json:"evidence"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountId is required",
		})
		return
	}

	t, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.AccountID,
		validation.SanitizeString(req.Evidence, validation.MaxStringLength))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ResolveDispute handles POST /v1/trades/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Resolution string `json:"resolution" binding:"required"`
		Moderator  string `json:"moderator" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution and moderator are required",
		})
		return
	}

	resolution := Resolution(req.Resolution)
	if resolution != ResolutionBuyerWins && resolution != ResolutionSellerWins {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution must be buyer_wins or seller_wins",
		})
		return
	}

	t, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), resolution, req.Moderator)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

func (h *Handler) writeTransitionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTradeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidTradeState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrNotParticipant):
		status = http.StatusForbidden
		code = "not_participant"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
