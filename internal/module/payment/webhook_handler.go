package payment

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/herbbie/server/internal/utils/metrics"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// WebhookHandler handles Stripe webhook events.
//
// Processing failures are acknowledged with 200 anyway: the event is stored
// with its error for replay, and a non-2xx would make the provider retry
// into the same failure while blocking later events.
type WebhookHandler struct {
	service    *Service
	reconciler *Reconciler
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(service *Service, reconciler *Reconciler, m *metrics.Metrics, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		service:    service,
		reconciler: reconciler,
		metrics:    m,
		logger:     logger,
	}
}

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook handles incoming Stripe webhook events.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	// Signature failures are the only rejection: nothing has been applied
	// yet and the sender is not a trusted provider.
	signature := c.GetHeader("Stripe-Signature")
	if err := h.service.VerifyWebhookSignature(payload, signature); err != nil {
		h.logger.Warn("invalid webhook signature", zap.Error(err))
		h.countEvent("unknown", "rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Error("failed to parse webhook event", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
		return
	}

	ctx := c.Request.Context()

	// The stored event id is the idempotency key. A redelivery is
	// acknowledged without reprocessing.
	isNew, err := h.service.StoreWebhookEvent(ctx, event.ID, string(event.Type), string(payload))
	if err != nil {
		h.logger.Error("failed to store webhook event",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		h.countEvent(string(event.Type), "error")
		c.JSON(http.StatusOK, gin.H{"received": true, "status": "deferred"})
		return
	}
	if !isNew {
		h.logger.Info("webhook event already processed", zap.String("event_id", event.ID))
		h.countEvent(string(event.Type), "duplicate")
		c.JSON(http.StatusOK, gin.H{"received": true, "status": "already_processed"})
		return
	}

	processErr := h.reconciler.Apply(ctx, &event)

	if err := h.service.MarkWebhookEventProcessed(ctx, event.ID, processErr); err != nil {
		h.logger.Error("failed to mark event processed",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}

	if processErr != nil {
		h.logger.Error("failed to process webhook event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Error(processErr),
		)
		h.countEvent(string(event.Type), "error")
		c.JSON(http.StatusOK, gin.H{"received": true, "status": "error_recorded"})
		return
	}

	h.countEvent(string(event.Type), "processed")
	c.JSON(http.StatusOK, gin.H{"received": true, "status": "processed"})
}

func (h *WebhookHandler) countEvent(eventType, outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	}
}
