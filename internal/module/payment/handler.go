package payment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/herbbie/server/internal/module/billing"
	"github.com/herbbie/server/internal/module/payment/provider"
)

// Handler handles HTTP requests for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes registers payment routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	payments := r.Group("/payments")
	{
		payments.POST("/subscription", h.CreateSubscription)
		payments.POST("/subscription/cancel", h.CancelSubscription)
		payments.POST("/tokens/checkout", h.CreateTokenCheckout)
	}
}

// RegisterAdminRoutes registers payment routes that require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/sync-plans", h.SyncPlans)
}

// CreateSubscription opens a provider subscription for the selected plan.
func (h *Handler) CreateSubscription(c *gin.Context) {
	userID := getUserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	checkout, err := h.service.CreateSubscription(c.Request.Context(), userID, req.PlanID)
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, checkout)
}

// CancelSubscription flags the caller's subscription for cancellation at
// period end.
func (h *Handler) CancelSubscription(c *gin.Context) {
	userID := getUserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sub, err := h.service.CancelSubscription(c.Request.Context(), userID)
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// CreateTokenCheckout opens a hosted checkout for a token pack.
func (h *Handler) CreateTokenCheckout(c *gin.Context) {
	userID := getUserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateTokenCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	checkout, err := h.service.CreateTokenCheckout(c.Request.Context(), userID, req.Tokens)
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, checkout)
}

// SyncPlans pushes unsynced plans to the provider catalog.
func (h *Handler) SyncPlans(c *gin.Context) {
	result, err := h.service.SyncPlans(c.Request.Context())
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handlePaymentError maps service errors to HTTP responses.
func handlePaymentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, billing.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
	case errors.Is(err, billing.ErrPlanNotActive), errors.Is(err, ErrPlanNotPurchasable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, billing.ErrSubscriptionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "active subscription already exists"})
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active subscription"})
	case errors.Is(err, ErrInvalidTokenAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, provider.ErrPaymentUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "payment provider unavailable",
			"reason": "payment_error",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment operation failed"})
	}
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
