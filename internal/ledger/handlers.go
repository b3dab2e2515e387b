package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ahedlund/peermarket/internal/validation"
)

// Handler provides read-only HTTP endpoints over the ledger.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:account/balance", h.GetBalance)
	r.GET("/accounts/:account/statement", h.GetStatement)
	r.GET("/records/:id", h.GetRecord)
}

// RegisterAdminRoutes sets up account provisioning and deposit routes.
// Mount behind admin auth; in production deposits arrive from a chain
// indexer webhook.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.PutAccount)
	r.POST("/deposits", h.RecordDeposit)
}

// GetBalance handles GET /v1/accounts/:account/balance
func (h *Handler) GetBalance(c *gin.Context) {
	tokenType := c.Query("token")
	if tokenType == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token query parameter is required",
		})
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("account"), tokenType)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetStatement handles GET /v1/accounts/:account/statement
func (h *Handler) GetStatement(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	records, err := h.ledger.Statement(c.Request.Context(), c.Param("account"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// GetRecord handles GET /v1/records/:id
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.ledger.Store().GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Record not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// PutAccount handles POST /v1/admin/accounts
func (h *Handler) PutAccount(c *gin.Context) {
	var req struct {
		AccountID    string `json:"accountId" binding:"required"`
		ChainAddress string `json:"chainAddress"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountId is required",
		})
		return
	}
	if !validation.IsValidAccountID(req.AccountID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "accountId must be a valid account identifier",
		})
		return
	}

	if err := h.ledger.Store().PutAccount(c.Request.Context(), req.AccountID, req.ChainAddress); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"accountId": req.AccountID})
}

// RecordDeposit handles POST /v1/admin/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req struct {
		AccountID string `json:"accountId" binding:"required"`
		TokenType string `json:"tokenType" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountId, tokenType and amount are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAccount("accountId", req.AccountID),
		validation.ValidToken("tokenType", req.TokenType),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	err := h.ledger.WithBalanceLock(req.AccountID, req.TokenType, func() error {
		return h.ledger.Store().CreditAvailable(c.Request.Context(), req.AccountID, req.TokenType, req.Amount)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"credited": req.Amount})
}
