package billing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/herbbie/server/internal/utils/metrics"
)

// Handler handles HTTP requests for billing.
type Handler struct {
	evaluator *Evaluator
	deduction *DeductionService
	service   ServiceInterface
	metrics   *metrics.Metrics
}

// NewHandler creates a new billing handler.
func NewHandler(evaluator *Evaluator, deduction *DeductionService, service ServiceInterface, m *metrics.Metrics) *Handler {
	return &Handler{
		evaluator: evaluator,
		deduction: deduction,
		service:   service,
		metrics:   m,
	}
}

// RegisterRoutes registers public billing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	billing := r.Group("/billing")
	{
		billing.GET("/plans", h.ListPlans)
		billing.POST("/check-permission", h.CheckPermission)
		billing.POST("/deduct-tokens", h.DeductTokens)
	}
}

// RegisterProtectedRoutes registers billing routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	billing := r.Group("/billing")
	{
		billing.GET("/subscription", h.GetSubscription)
		billing.GET("/balance", h.GetBalance)
	}
}

// ListPlans returns the active plan catalog.
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.service.ListPlans(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load plans"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// CheckPermission evaluates whether a user may generate a piece of content.
// Business denials come back 200 with hasPermission=false; only malformed
// requests and infrastructure failures are HTTP errors.
func (h *Handler) CheckPermission(c *gin.Context) {
	var req CheckPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"hasPermission": false,
			"reason":        ReasonMissingParameters,
			"error":         err.Error(),
		})
		return
	}

	result, err := h.evaluator.Evaluate(c.Request.Context(), req.UserID, ContentType(req.ContentType), req.Options())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"hasPermission": false,
			"reason":        ReasonProfileError,
			"error":         "permission check failed",
		})
		return
	}

	if h.metrics != nil {
		h.metrics.PermissionChecksTotal.WithLabelValues(req.ContentType, string(result.Reason)).Inc()
	}

	switch result.Reason {
	case ReasonMissingParameters:
		c.JSON(http.StatusBadRequest, result)
	case ReasonProfileError:
		c.JSON(http.StatusInternalServerError, result)
	default:
		c.JSON(http.StatusOK, result)
	}
}

// DeductTokens commits a token charge for a confirmed generation. Replays of
// the same transactionId return the original outcome.
func (h *Handler) DeductTokens(c *gin.Context) {
	var req DeductTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	contentType := ContentType(req.ContentType)
	result, err := h.deduction.Deduct(c.Request.Context(), DeductionRequest{
		UserID:        req.UserID,
		ContentType:   contentType,
		Tokens:        req.TokensUsed,
		TransactionID: req.TransactionID,
		Options:       req.Options(),
	})
	if err != nil {
		if errors.Is(err, ErrMissingTransactionID) || errors.Is(err, ErrInvalidTokenAmount) || errors.Is(err, ErrUnknownContentType) {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "deduction failed",
		})
		return
	}

	if h.metrics != nil {
		outcome := "rejected"
		if result.Success {
			outcome = "committed"
			if result.AlreadyProcessed {
				outcome = "replayed"
			} else {
				h.metrics.TokensDeductedTotal.WithLabelValues(req.ContentType).Add(float64(result.TokensDeducted))
			}
		}
		h.metrics.DeductionsTotal.WithLabelValues(string(result.FundingSource), outcome).Inc()
	}

	c.JSON(http.StatusOK, result)
}

// GetSubscription returns the caller's active subscription.
func (h *Handler) GetSubscription(c *gin.Context) {
	userID := getUserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sub, err := h.service.GetSubscription(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusOK, gin.H{"subscription": nil})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// GetBalance returns the caller's token balance across funding sources.
func (h *Handler) GetBalance(c *gin.Context) {
	userID := getUserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	balance, err := h.service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load balance"})
		return
	}

	c.JSON(http.StatusOK, balance)
}

// getUserID extracts the authenticated user ID from context.
func getUserID(c *gin.Context) uuid.UUID {
	if val, exists := c.Get("user_id"); exists {
		if id, ok := val.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
