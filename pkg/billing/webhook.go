package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/invoice"
	"github.com/stripe/stripe-go/v74/webhook"
	"gorm.io/gorm"

	"mealpage_backend/internal/model"
)

// Processing stages, in order of progress through one delivery. Failure
// responses carry the exact stage reached so operators can tell "never
// received" from "received but failed to persist".
const (
	StageSignatureValidation      = "signature_validation"
	StageStripeClientInit         = "stripe_client_init"
	StageReadPayload              = "read_payload"
	StageConstructEvent           = "construct_event"
	StageRouteEvent               = "route_event"
	StageHandleCheckoutCompleted  = "handle_checkout_completed"
	StageHandleSubscriptionChange = "handle_subscription_change"
	StageHandleInvoiceChange      = "handle_invoice_change"
	StageHandleInvoicePaymentPaid = "handle_invoice_payment_paid"
	StageCompleted                = "completed"
)

// ErrSignatureUnavailable means signature material or the webhook secret
// is missing entirely. Fail closed: no state is touched.
var ErrSignatureUnavailable = errors.New("webhook signature or signing secret not available")

// WebhookError tags a failed delivery with the stage it died in, so the
// provider's at-least-once retry loop and our operators both know where.
type WebhookError struct {
	Stage     string
	EventID   string
	EventType string
	Err       error
}

func (e *WebhookError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("webhook event %s (%s) failed at %s: %v", e.EventID, e.EventType, e.Stage, e.Err)
	}
	return fmt.Sprintf("webhook processing failed at %s: %v", e.Stage, e.Err)
}

func (e *WebhookError) Unwrap() error { return e.Err }

// stagedError lets a handler override its group's default stage, e.g. when
// it dies initializing the Stripe client rather than in business logic.
type stagedError struct {
	stage string
	err   error
}

func (e *stagedError) Error() string { return e.err.Error() }
func (e *stagedError) Unwrap() error { return e.err }

// ProcessWebhook verifies and dispatches one raw delivery. Every
// downstream write is an idempotent upsert keyed by business identity, so
// replaying the same event id, sequentially or concurrently, is safe and
// expected. Returns nil on success, including for unrecognized event
// types (accepted no-ops).
func ProcessWebhook(db *gorm.DB, payload []byte, signature string, now time.Time) *WebhookError {
	if cfg.Billing.StripeWebhookSecret == "" || signature == "" {
		return &WebhookError{Stage: StageSignatureValidation, Err: ErrSignatureUnavailable}
	}
	if len(payload) == 0 {
		return &WebhookError{Stage: StageReadPayload, Err: errors.New("empty webhook payload")}
	}

	event, err := webhook.ConstructEvent(payload, signature, cfg.Billing.StripeWebhookSecret)
	if err != nil {
		return &WebhookError{Stage: StageConstructEvent, Err: err}
	}

	eventType := string(event.Type)
	log.Printf("Processing Stripe webhook event %s (%s)", event.ID, eventType)

	var stage string
	switch eventType {
	case "checkout.session.completed":
		stage = StageHandleCheckoutCompleted
		err = handleCheckoutCompleted(db, event.Data.Raw, event.ID, now)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		stage = StageHandleSubscriptionChange
		err = handleSubscriptionChange(db, event.Data.Raw, eventType, event.ID, now)

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		stage = StageHandleInvoiceChange
		err = handleInvoiceChange(db, event.Data.Raw, eventType, event.ID, now)

	case "invoice_payment.paid":
		stage = StageHandleInvoicePaymentPaid
		err = handleInvoicePaymentPaid(db, event.Data.Raw, event.ID, now)

	default:
		// accepted no-op terminal state, never an error
		log.Printf("Ignoring unhandled Stripe event type %s", eventType)
		return nil
	}

	if err != nil {
		var staged *stagedError
		if errors.As(err, &staged) {
			return &WebhookError{Stage: staged.stage, EventID: event.ID, EventType: eventType, Err: staged.err}
		}
		return &WebhookError{Stage: stage, EventID: event.ID, EventType: eventType, Err: err}
	}
	return nil
}

// handleCheckoutCompleted records the customer/subscription mapping a
// completed checkout establishes. The session carries no subscription
// status, so only the identifiers are stored; the following
// customer.subscription.* event drives the plan and the ledger.
func handleCheckoutCompleted(db *gorm.DB, raw []byte, eventID string, now time.Time) error {
	var sess struct {
		ID                string            `json:"id"`
		Customer          StripeRef         `json:"customer"`
		Subscription      StripeRef         `json:"subscription"`
		ClientReferenceID string            `json:"client_reference_id"`
		Metadata          map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &sess); err != nil {
		return err
	}

	user, err := ResolveUser(db, ResolveInput{
		MetadataUserID:    sess.Metadata["user_id"],
		ClientReferenceID: sess.ClientReferenceID,
		SubscriptionID:    sess.Subscription.ID,
		CustomerID:        sess.Customer.ID,
	})
	if err != nil {
		return err
	}
	if user == nil {
		log.Printf("Checkout session %s resolves to no known user, skipping", sess.ID)
		return nil
	}

	snap := SubscriptionSnapshot{ID: sess.Subscription.ID, CustomerID: sess.Customer.ID}
	return ApplySubscriptionSnapshot(db, user.ID, snap, eventID, now)
}

func handleSubscriptionChange(db *gorm.DB, raw []byte, eventType, eventID string, now time.Time) error {
	var subObj struct {
		ID                 string    `json:"id"`
		Status             string    `json:"status"`
		Customer           StripeRef `json:"customer"`
		CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
		CurrentPeriodStart int64     `json:"current_period_start"`
		CurrentPeriodEnd   int64     `json:"current_period_end"`
		Items              struct {
			Data []struct {
				Price struct {
					ID string `json:"id"`
				} `json:"price"`
			} `json:"data"`
		} `json:"items"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &subObj); err != nil {
		return err
	}

	user, err := ResolveUser(db, ResolveInput{
		MetadataUserID: subObj.Metadata["user_id"],
		SubscriptionID: subObj.ID,
		CustomerID:     subObj.Customer.ID,
	})
	if err != nil {
		return err
	}
	if user == nil {
		log.Printf("Subscription %s resolves to no known user, skipping", subObj.ID)
		return nil
	}

	status := subObj.Status
	if eventType == "customer.subscription.deleted" && status == "" {
		status = model.SubStatusCanceled
	}

	snap := SubscriptionSnapshot{
		ID:                subObj.ID,
		Status:            status,
		CustomerID:        subObj.Customer.ID,
		CancelAtPeriodEnd: &subObj.CancelAtPeriodEnd,
	}
	if len(subObj.Items.Data) > 0 {
		snap.PriceID = subObj.Items.Data[0].Price.ID
	}
	if subObj.CurrentPeriodStart > 0 {
		snap.CurrentPeriodStart = time.Unix(subObj.CurrentPeriodStart, 0).UTC()
	}
	if subObj.CurrentPeriodEnd > 0 {
		snap.CurrentPeriodEnd = time.Unix(subObj.CurrentPeriodEnd, 0).UTC()
	}

	return ApplySubscriptionSnapshot(db, user.ID, snap, eventID, now)
}

// handleInvoiceChange reconciles payment outcomes onto the stored
// subscription: a paid invoice confirms active, a failed payment moves it
// into past_due with its grace window.
func handleInvoiceChange(db *gorm.DB, raw []byte, eventType, eventID string, now time.Time) error {
	var inv struct {
		ID                  string            `json:"id"`
		Customer            StripeRef         `json:"customer"`
		Subscription        StripeRef         `json:"subscription"`
		Metadata            map[string]string `json:"metadata"`
		SubscriptionDetails struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	}
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}

	metaUserID := inv.Metadata["user_id"]
	if metaUserID == "" {
		metaUserID = inv.SubscriptionDetails.Metadata["user_id"]
	}

	return applyInvoiceOutcome(db, ResolveInput{
		MetadataUserID: metaUserID,
		SubscriptionID: inv.Subscription.ID,
		CustomerID:     inv.Customer.ID,
	}, eventType == "invoice.payment_failed", eventID, now)
}

// FetchInvoice resolves the customer/subscription linkage of an invoice via
// the Stripe API. Swappable for tests.
var FetchInvoice = fetchStripeInvoice

func fetchStripeInvoice(invoiceID string) (customerID, subscriptionID string, err error) {
	stripe.Key = cfg.Billing.StripeSecretKey

	inv, err := invoice.Get(invoiceID, nil)
	if err != nil {
		return "", "", err
	}
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		subscriptionID = inv.Subscription.ID
	}
	return customerID, subscriptionID, nil
}

// handleInvoicePaymentPaid covers the decoupled invoice_payment objects
// where the payment no longer embeds the invoice's customer/subscription
// linkage; the invoice has to be looked up.
func handleInvoicePaymentPaid(db *gorm.DB, raw []byte, eventID string, now time.Time) error {
	var pay struct {
		ID      string    `json:"id"`
		Invoice StripeRef `json:"invoice"`
	}
	if err := json.Unmarshal(raw, &pay); err != nil {
		return err
	}
	if pay.Invoice.ID == "" {
		log.Printf("Invoice payment %s carries no invoice reference, skipping", pay.ID)
		return nil
	}

	if cfg.Billing.StripeSecretKey == "" {
		return &stagedError{stage: StageStripeClientInit, err: errors.New("stripe secret key not configured")}
	}

	customerID, subscriptionID, err := FetchInvoice(pay.Invoice.ID)
	if err != nil {
		return err
	}

	return applyInvoiceOutcome(db, ResolveInput{
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
	}, false, eventID, now)
}

func applyInvoiceOutcome(db *gorm.DB, in ResolveInput, paymentFailed bool, eventID string, now time.Time) error {
	user, err := ResolveUser(db, in)
	if err != nil {
		return err
	}
	if user == nil {
		log.Printf("Invoice event resolves to no known user, skipping")
		return nil
	}

	status := model.SubStatusActive
	if paymentFailed {
		status = model.SubStatusPastDue
	}

	snap := SubscriptionSnapshot{
		ID:         in.SubscriptionID,
		Status:     status,
		CustomerID: in.CustomerID,
	}
	return ApplySubscriptionSnapshot(db, user.ID, snap, eventID, now)
}
