package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealpage_backend/internal/model"
)

// signPayload builds a valid Stripe-Signature header for the test secret.
func signPayload(payload string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte("whsec_test"))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(id, eventType, object string) string {
	return fmt.Sprintf(`{"id":%q,"type":%q,"api_version":"2022-11-15","data":{"object":%s}}`, id, eventType, object)
}

func TestProcessWebhookFailsClosedWithoutSignatureMaterial(t *testing.T) {
	db := newTestDB(t)
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	werr := ProcessWebhook(db, payload, "", time.Now())
	require.NotNil(t, werr)
	assert.Equal(t, StageSignatureValidation, werr.Stage)
	assert.ErrorIs(t, werr, ErrSignatureUnavailable)

	// missing secret is the same terminal condition
	broken := newTestConfig()
	broken.Billing.StripeWebhookSecret = ""
	Init(broken)
	defer Init(newTestConfig())

	werr = ProcessWebhook(db, payload, signPayload(string(payload)), time.Now())
	require.NotNil(t, werr)
	assert.Equal(t, StageSignatureValidation, werr.Stage)
	assert.ErrorIs(t, werr, ErrSignatureUnavailable)
}

func TestProcessWebhookRejectsBadSignature(t *testing.T) {
	db := newTestDB(t)
	payload := eventPayload("evt_1", "invoice.paid", `{"id":"in_1"}`)

	werr := ProcessWebhook(db, []byte(payload), "t=123,v1=deadbeef", time.Now())
	require.NotNil(t, werr)
	assert.Equal(t, StageConstructEvent, werr.Stage)
}

func TestProcessWebhookEmptyPayload(t *testing.T) {
	db := newTestDB(t)

	werr := ProcessWebhook(db, nil, "t=123,v1=deadbeef", time.Now())
	require.NotNil(t, werr)
	assert.Equal(t, StageReadPayload, werr.Stage)
}

func TestProcessWebhookIgnoresUnknownEventType(t *testing.T) {
	db := newTestDB(t)
	payload := eventPayload("evt_1", "customer.created", `{"id":"cus_1"}`)

	assert.Nil(t, ProcessWebhook(db, []byte(payload), signPayload(payload), time.Now()))
}

func TestCheckoutThenSubscriptionUpdateGrantsProAllotment(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 9)
	now := time.Now()

	checkout := eventPayload("evt_1", "checkout.session.completed", `{
		"id": "cs_1",
		"customer": "cus_1",
		"subscription": "sub_1",
		"client_reference_id": "user-9"
	}`)
	require.Nil(t, ProcessWebhook(db, []byte(checkout), signPayload(checkout), now))

	sub, err := loadSubscription(db, user.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.Equal(t, "sub_1", sub.StripeSubID)

	// checkout alone grants nothing
	_, err = accountByUser(db, user.ID)
	assert.Error(t, err)

	periodStart := now.Add(-time.Hour).Unix()
	periodEnd := now.Add(30 * 24 * time.Hour).Unix()
	update := eventPayload("evt_2", "customer.subscription.updated", fmt.Sprintf(`{
		"id": "sub_1",
		"status": "active",
		"customer": "cus_1",
		"current_period_start": %d,
		"current_period_end": %d,
		"items": {"data": [{"price": {"id": %q}}]}
	}`, periodStart, periodEnd, testProPriceID))
	require.Nil(t, ProcessWebhook(db, []byte(update), signPayload(update), now))

	acct, err := accountByUser(db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanPro, acct.PlanTier)
	assert.Equal(t, 400, acct.MonthlyCredits)
	assert.Equal(t, 400, allocationFor(t, db, user.ID).CreditsDelta)

	// redelivery of the same event converges to the identical state
	require.Nil(t, ProcessWebhook(db, []byte(update), signPayload(update), now))
	assert.EqualValues(t, 1, countAllocations(t, db, user.ID))
}

func TestSubscriptionDeletedDowngrades(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)
	now := time.Now()

	require.NoError(t, ApplySubscriptionSnapshot(db, user.ID, SubscriptionSnapshot{
		ID: "sub_1", Status: "active", CustomerID: "cus_1", PriceID: testProPriceID,
	}, "evt_0", now))

	deleted := eventPayload("evt_1", "customer.subscription.deleted", `{
		"id": "sub_1",
		"customer": "cus_1"
	}`)
	require.Nil(t, ProcessWebhook(db, []byte(deleted), signPayload(deleted), now))

	sub, err := loadSubscription(db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusCanceled, sub.Status)

	acct, err := accountByUser(db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanFree, acct.PlanTier)
}

func TestInvoicePaymentFailedEntersGrace(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)
	now := time.Now()

	require.NoError(t, ApplySubscriptionSnapshot(db, user.ID, SubscriptionSnapshot{
		ID: "sub_1", Status: "active", CustomerID: "cus_1", PriceID: testProPriceID,
		CurrentPeriodStart: now.Add(-time.Hour),
		CurrentPeriodEnd:   now.Add(30 * 24 * time.Hour),
	}, "evt_0", now))

	failed := eventPayload("evt_1", "invoice.payment_failed", `{
		"id": "in_1",
		"customer": "cus_1",
		"subscription": "sub_1"
	}`)
	require.Nil(t, ProcessWebhook(db, []byte(failed), signPayload(failed), now))

	sub, err := loadSubscription(db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusPastDue, sub.Status)
	require.NotNil(t, sub.GraceUntil)
	assert.True(t, sub.GraceUntil.After(now))

	// still inside grace, so the pro ledger survives
	acct, err := accountByUser(db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanPro, acct.PlanTier)
}

func TestInvoicePaidConfirmsActive(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)
	now := time.Now()

	require.NoError(t, ApplySubscriptionSnapshot(db, user.ID, SubscriptionSnapshot{
		ID: "sub_1", Status: "past_due", CustomerID: "cus_1", PriceID: testProPriceID,
		CurrentPeriodStart: now.Add(-time.Hour),
		CurrentPeriodEnd:   now.Add(30 * 24 * time.Hour),
	}, "evt_0", now))

	paid := eventPayload("evt_1", "invoice.paid", `{
		"id": "in_1",
		"customer": "cus_1",
		"subscription": "sub_1"
	}`)
	require.Nil(t, ProcessWebhook(db, []byte(paid), signPayload(paid), now))

	sub, err := loadSubscription(db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusActive, sub.Status)
	assert.Nil(t, sub.GraceUntil)
}

func TestInvoicePaymentPaidLooksUpInvoice(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)
	now := time.Now()

	require.NoError(t, ApplySubscriptionSnapshot(db, user.ID, SubscriptionSnapshot{
		ID: "sub_1", Status: "past_due", CustomerID: "cus_1", PriceID: testProPriceID,
	}, "evt_0", now))

	withKey := newTestConfig()
	withKey.Billing.StripeSecretKey = "sk_test"
	Init(withKey)
	defer Init(newTestConfig())

	orig := FetchInvoice
	FetchInvoice = func(invoiceID string) (string, string, error) {
		assert.Equal(t, "in_1", invoiceID)
		return "cus_1", "sub_1", nil
	}
	defer func() { FetchInvoice = orig }()

	payment := eventPayload("evt_1", "invoice_payment.paid", `{
		"id": "inpay_1",
		"invoice": "in_1"
	}`)
	require.Nil(t, ProcessWebhook(db, []byte(payment), signPayload(payment), now))

	sub, err := loadSubscription(db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusActive, sub.Status)
}

func TestInvoicePaymentPaidWithoutSecretKey(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	payment := eventPayload("evt_1", "invoice_payment.paid", `{
		"id": "inpay_1",
		"invoice": "in_1"
	}`)
	werr := ProcessWebhook(db, []byte(payment), signPayload(payment), now)
	require.NotNil(t, werr)
	assert.Equal(t, StageStripeClientInit, werr.Stage)
	assert.Equal(t, "evt_1", werr.EventID)
	assert.Equal(t, "invoice_payment.paid", werr.EventType)
}

func TestInvoiceEventPreservesCancelAtPeriodEnd(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, 1)
	now := time.Now()

	cancel := true
	require.NoError(t, ApplySubscriptionSnapshot(db, user.ID, SubscriptionSnapshot{
		ID: "sub_1", Status: "active", CustomerID: "cus_1", PriceID: testProPriceID,
		CancelAtPeriodEnd: &cancel,
	}, "evt_0", now))

	// invoice payloads carry no subscription object; the stored flag survives
	paid := eventPayload("evt_1", "invoice.paid", `{
		"id": "in_1",
		"customer": "cus_1",
		"subscription": "sub_1"
	}`)
	require.Nil(t, ProcessWebhook(db, []byte(paid), signPayload(paid), now))

	sub, err := loadSubscription(db, user.ID)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)

	// a subscription event carrying the flag may still clear it
	update := eventPayload("evt_2", "customer.subscription.updated", `{
		"id": "sub_1",
		"status": "active",
		"customer": "cus_1",
		"cancel_at_period_end": false
	}`)
	require.Nil(t, ProcessWebhook(db, []byte(update), signPayload(update), now))

	sub, err = loadSubscription(db, user.ID)
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)
}

func TestWebhookForUnknownUserIsAcceptedNoOp(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	update := eventPayload("evt_1", "customer.subscription.updated", `{
		"id": "sub_unknown",
		"status": "active",
		"customer": "cus_unknown"
	}`)
	assert.Nil(t, ProcessWebhook(db, []byte(update), signPayload(update), now))

	var count int64
	require.NoError(t, db.Model(&model.Subscription{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}
