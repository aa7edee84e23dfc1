package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/herbbie/server/internal/module/billing"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// Reconciler applies provider events to the billing core. It is the only
// writer of provider-driven subscription state; request handlers never
// mutate local records from unverified provider responses.
type Reconciler struct {
	billing billing.ServiceInterface
	logger  *zap.Logger
}

// NewReconciler creates a new event reconciler.
func NewReconciler(billingService billing.ServiceInterface, logger *zap.Logger) *Reconciler {
	return &Reconciler{billing: billingService, logger: logger}
}

// Apply dispatches one verified event. Unhandled event types are ignored.
func (r *Reconciler) Apply(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return r.applySubscriptionUpdate(ctx, event)
	case "customer.subscription.deleted":
		return r.applySubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return r.applyInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return r.applyInvoiceFailed(ctx, event)
	case "checkout.session.completed":
		return r.applyCheckoutCompleted(ctx, event)
	default:
		r.logger.Debug("unhandled webhook event type", zap.String("type", string(event.Type)))
		return nil
	}
}

func (r *Reconciler) applySubscriptionUpdate(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}

	status, known := mapSubscriptionStatus(sub.Status)
	if !known {
		r.logger.Debug("ignoring subscription status",
			zap.String("subscription_id", sub.ID),
			zap.String("status", string(sub.Status)),
		)
		return nil
	}

	return r.billing.UpsertProviderSubscription(ctx,
		sub.ID,
		status,
		time.Unix(sub.CurrentPeriodStart, 0),
		time.Unix(sub.CurrentPeriodEnd, 0),
		sub.CancelAtPeriodEnd,
	)
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}

	r.logger.Info("subscription deleted at provider", zap.String("subscription_id", sub.ID))
	return r.billing.CancelByProviderRef(ctx, sub.ID)
}

// applyInvoicePaid creates the local subscription record on the first
// payment and rolls the period over on renewals, driven by the invoice
// billing reason.
func (r *Reconciler) applyInvoicePaid(ctx context.Context, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("unmarshal invoice: %w", err)
	}

	if inv.Subscription == nil {
		return nil
	}
	ref := inv.Subscription.ID

	switch inv.BillingReason {
	case stripe.InvoiceBillingReasonSubscriptionCreate:
		return r.fulfillFirstPayment(ctx, &inv, ref)
	case stripe.InvoiceBillingReasonSubscriptionCycle:
		return r.billing.ApplyRenewal(ctx, ref)
	default:
		r.logger.Debug("ignoring invoice billing reason",
			zap.String("invoice_id", inv.ID),
			zap.String("billing_reason", string(inv.BillingReason)),
		)
		return nil
	}
}

// fulfillFirstPayment opens the local subscription record once the first
// invoice is paid. The user and plan come from the subscription metadata
// set at checkout.
func (r *Reconciler) fulfillFirstPayment(ctx context.Context, inv *stripe.Invoice, ref string) error {
	var meta map[string]string
	if inv.SubscriptionDetails != nil {
		meta = inv.SubscriptionDetails.Metadata
	}

	userID, err := uuid.Parse(meta["user_id"])
	if err != nil {
		return fmt.Errorf("%w: invoice %s has no user_id", ErrMissingMetadata, inv.ID)
	}
	planID := meta["plan_id"]
	if planID == "" {
		return fmt.Errorf("%w: invoice %s has no plan_id", ErrMissingMetadata, inv.ID)
	}

	periodStart, periodEnd := invoicePeriod(inv)

	_, err = r.billing.CreateSubscriptionRecord(ctx, billing.CreateSubscriptionParams{
		UserID:               userID,
		PlanID:               planID,
		StripeCustomerID:     customerRef(inv),
		StripeSubscriptionID: ref,
		PeriodStart:          periodStart,
		PeriodEnd:            periodEnd,
	})
	if err != nil {
		// A redelivered first invoice hits the one-active-subscription
		// guard; the record already exists.
		if errors.Is(err, billing.ErrSubscriptionExists) {
			r.logger.Info("subscription record already exists", zap.String("ref", ref))
			return nil
		}
		return err
	}

	r.logger.Info("subscription fulfilled",
		zap.String("user_id", userID.String()),
		zap.String("plan_id", planID),
		zap.String("ref", ref),
	)
	return nil
}

func (r *Reconciler) applyInvoiceFailed(ctx context.Context, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("unmarshal invoice: %w", err)
	}

	if inv.Subscription == nil {
		return nil
	}

	r.logger.Warn("invoice payment failed",
		zap.String("invoice_id", inv.ID),
		zap.String("subscription_id", inv.Subscription.ID),
	)
	return r.billing.MarkPastDue(ctx, inv.Subscription.ID)
}

// applyCheckoutCompleted credits a one-off token purchase from the session
// metadata written at checkout creation.
func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}

	tokensRaw := session.Metadata["tokens_amount"]
	if tokensRaw == "" {
		// Not a token purchase session.
		return nil
	}

	userID, err := uuid.Parse(session.Metadata["user_id"])
	if err != nil {
		return fmt.Errorf("%w: session %s has no user_id", ErrMissingMetadata, session.ID)
	}
	tokens, err := strconv.ParseInt(tokensRaw, 10, 64)
	if err != nil || tokens <= 0 {
		return fmt.Errorf("%w: session %s has invalid tokens_amount %q", ErrMissingMetadata, session.ID, tokensRaw)
	}

	paymentRef := session.ID
	if session.PaymentIntent != nil {
		paymentRef = session.PaymentIntent.ID
	}

	return r.billing.AddPurchasedTokens(ctx, userID, tokens, paymentRef)
}

// mapSubscriptionStatus folds provider statuses onto the local lifecycle.
// Incomplete states are not mapped: the record only exists after the first
// payment succeeds.
func mapSubscriptionStatus(status stripe.SubscriptionStatus) (billing.SubscriptionStatus, bool) {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return billing.SubscriptionStatusActive, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return billing.SubscriptionStatusPastDue, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return billing.SubscriptionStatusCanceled, true
	default:
		return "", false
	}
}

func invoicePeriod(inv *stripe.Invoice) (time.Time, time.Time) {
	if inv.Lines != nil && len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period != nil {
		p := inv.Lines.Data[0].Period
		return time.Unix(p.Start, 0), time.Unix(p.End, 0)
	}
	return time.Unix(inv.PeriodStart, 0), time.Unix(inv.PeriodEnd, 0)
}

func customerRef(inv *stripe.Invoice) string {
	if inv.Customer != nil {
		return inv.Customer.ID
	}
	return ""
}
