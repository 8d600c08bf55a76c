package application

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"crowdx/internal/service/payment/domain"
	"crowdx/internal/service/payment/domain/port"
	"crowdx/internal/service/payment/infrastructure"
	"crowdx/internal/service/payment/infrastructure/adapter"
)

const webhookSecret = "whsec_app_test"

func (h *harness) withStripeWebhooks() {
	h.registry.RegisterVerifier(adapter.NewStripeVerifier(webhookSecret, 5*time.Minute))
}

func signedStripeEvent(t *testing.T, eventID, eventType, sessionID string) ([]byte, http.Header) {
	t.Helper()
	now := time.Now()
	body := []byte(fmt.Sprintf(`{"id":%q,"object":"event","api_version":"2020-08-27","created":%d,"type":%q,"data":{"object":{"id":%q,"object":"checkout.session"}}}`,
		eventID, now.Unix(), eventType, sessionID))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: webhookSecret, Timestamp: now})
	h := http.Header{}
	h.Set("Stripe-Signature", signed.Header)
	return body, h
}

func TestCreateOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateOrder(ctx, CreateOrderCommand{CampaignID: 1, NetAmount: dec("100"), Method: domain.MethodPayPal})
	require.NoError(t, err)
	assert.Equal(t, "paypal-order-1", res.ProviderOrderID)
	assert.Equal(t, "104.12", res.Quote.Gross.StringFixed(2))
	assert.Equal(t, "4.12", res.Quote.Fee.StringFixed(2))
	assert.Contains(t, res.Quote.Message, "$4.12")
	require.Len(t, res.Links, 1)

	tx, err := h.svc.GetTransaction(ctx, res.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, res.TransactionID, tx.ID)
	assert.Equal(t, domain.StatusPending, tx.Status)
	assert.Equal(t, "USD", tx.Currency)
	assert.Equal(t, "104.12", tx.Amount.StringFixed(2))

	require.Len(t, h.broadcaster.notices, 1)
	assert.Equal(t, domain.UpdateTypePaymentStatus, h.broadcaster.notices[0].Type)
	assert.Equal(t, res.ProviderOrderID, h.broadcaster.notices[0].ProviderOrderID)
}

func TestCreateOrder_DefaultsToStripe(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.CreateOrder(context.Background(), CreateOrderCommand{CampaignID: 1, NetAmount: dec("50")})
	require.NoError(t, err)
	assert.Equal(t, domain.MethodStripe, res.Method)
	assert.Equal(t, int32(1), h.stripe.created.Load())
}

func TestCreateOrder_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.db.Create(&infrastructure.CampaignModel{ID: 2, GoalAmount: dec("10"), IsActive: true}).Error)
	require.NoError(t, h.db.Model(&infrastructure.CampaignModel{}).Where("id = ?", 2).Update("is_active", false).Error)

	tests := []struct {
		name string
		cmd  CreateOrderCommand
		want error
	}{
		{"zero amount", CreateOrderCommand{CampaignID: 1, NetAmount: dec("0")}, domain.ErrInvalidAmount},
		{"negative amount", CreateOrderCommand{CampaignID: 1, NetAmount: dec("-5")}, domain.ErrInvalidAmount},
		{"manual", CreateOrderCommand{CampaignID: 1, NetAmount: dec("5"), Method: domain.MethodManual}, domain.ErrProviderRejected},
		{"unknown campaign", CreateOrderCommand{CampaignID: 404, NetAmount: dec("5")}, domain.ErrCampaignNotFound},
		{"inactive campaign", CreateOrderCommand{CampaignID: 2, NetAmount: dec("5")}, domain.ErrCampaignInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateOrder(ctx, tt.cmd)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, h.stripe.created.Load(), "nothing reaches the provider on rejection")
}

func TestFeeEstimate(t *testing.T) {
	h := newHarness(t)
	q, err := h.svc.FeeEstimate(dec("100"), domain.MethodPayPal)
	require.NoError(t, err)
	assert.Equal(t, "104.12", q.Gross.StringFixed(2))

	_, err = h.svc.FeeEstimate(dec("100"), domain.MethodManual)
	assert.ErrorIs(t, err, domain.ErrUnsupportedMethod)
}

func TestCaptureAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pendingOrder(t, 1, "ORDER-CAP")
	h.pendingOrder(t, 1, "ORDER-CXL")

	res, err := h.svc.Capture(ctx, "ORDER-CAP")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, RedirectSuccess, res.RedirectHint)
	require.NotNil(t, res.CurrentAmount)
	assert.Equal(t, "100.00", res.CurrentAmount.StringFixed(2))

	// the payer never approved the second order
	h.paypal.set(port.CapturePending, nil)
	tx, err := h.svc.Cancel(ctx, "ORDER-CXL", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	assert.Equal(t, "cancelled by payer", tx.FailureReason)
	assert.Equal(t, int32(1), h.paypal.cancels.Load())

	again, err := h.svc.Capture(ctx, "ORDER-CXL")
	require.NoError(t, err)
	assert.Equal(t, RedirectCancel, again.RedirectHint)
	assert.Equal(t, "100.00", h.currentAmount(t, 1))

	_, err = h.svc.Cancel(ctx, "missing", "")
	assert.ErrorIs(t, err, domain.ErrUnknownOrder)
}

func TestCancel_OrderAlreadyPaidAtProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pendingOrder(t, 1, "ORDER-PAID")

	tx, err := h.svc.Cancel(ctx, "ORDER-PAID", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, tx.Status)
	assert.Zero(t, h.paypal.cancels.Load(), "a paid order is not cancelled at the provider")
	assert.Equal(t, "100.00", h.currentAmount(t, 1))
	h.reconciler.Wait()
	assert.Len(t, h.broadcaster.fundingUpdates(), 1)

	// the provider's completion webhook arriving afterwards changes nothing
	require.NoError(t, h.svc.HandleEvent(ctx, &domain.ProviderEvent{ID: "WH-PAID", Method: domain.MethodPayPal, Kind: domain.EventCaptureCompleted, ProviderOrderID: "ORDER-PAID"}))
	assert.Equal(t, "100.00", h.currentAmount(t, 1))
}

func TestCancel_PaidWhileCancelling(t *testing.T) {
	h := newHarness(t)
	h.pendingOrder(t, 1, "ORDER-RACE")
	h.paypal.set(port.CapturePending, nil)
	h.paypal.onCancel = func() error {
		h.paypal.set(port.CaptureCompleted, nil)
		return fmt.Errorf("%w: approved moments ago", domain.ErrOrderAlreadyPaid)
	}

	tx, err := h.svc.Cancel(context.Background(), "ORDER-RACE", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, tx.Status)
	assert.Equal(t, int32(1), h.paypal.cancels.Load())
	assert.Equal(t, int32(2), h.paypal.captures.Load())
	assert.Equal(t, "100.00", h.currentAmount(t, 1))
}

func TestCancel_ProviderUnavailableKeepsOrderPending(t *testing.T) {
	h := newHarness(t)
	h.pendingOrder(t, 1, "ORDER-DOWN")
	h.paypal.set("", domain.ErrProviderUnavailable)

	_, err := h.svc.Cancel(context.Background(), "ORDER-DOWN", "")
	require.Error(t, err)
	assert.True(t, domain.Retryable(err))
	assert.Equal(t, domain.StatusPending, h.status(t, "ORDER-DOWN"))
	assert.Zero(t, h.paypal.cancels.Load())
}

func TestListCampaignTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pendingOrder(t, 1, "ORDER-L1")
	h.pendingOrder(t, 1, "ORDER-L2")
	_, err := h.svc.Capture(ctx, "ORDER-L1")
	require.NoError(t, err)

	all, err := h.svc.ListCampaignTransactions(ctx, domain.ListFilter{CampaignID: 1})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	done, err := h.svc.ListCampaignTransactions(ctx, domain.ListFilter{CampaignID: 1, Status: domain.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "ORDER-L1", done[0].ProviderOrderID)

	_, err = h.svc.ListCampaignTransactions(ctx, domain.ListFilter{CampaignID: 1, Status: "refunded"})
	assert.Error(t, err)
}

func TestIngestWebhook_AcceptsAndDeduplicates(t *testing.T) {
	h := newHarness(t)
	h.withStripeWebhooks()
	ctx := context.Background()

	body, headers := signedStripeEvent(t, "evt_1", "checkout.session.completed", "cs_1")
	ack, err := h.svc.IngestWebhook(ctx, domain.MethodStripe, body, headers)
	require.NoError(t, err)
	assert.Equal(t, AckAccepted, ack)

	ack, err = h.svc.IngestWebhook(ctx, domain.MethodStripe, body, headers)
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, ack)

	require.Len(t, h.queue.events, 1)
	assert.Equal(t, "cs_1", h.queue.events[0].ProviderOrderID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookReceived.WithLabelValues("stripe", "capture_completed")))
}

func TestIngestWebhook_IgnoredEvent(t *testing.T) {
	h := newHarness(t)
	h.withStripeWebhooks()

	body, headers := signedStripeEvent(t, "evt_2", "invoice.paid", "in_1")
	ack, err := h.svc.IngestWebhook(context.Background(), domain.MethodStripe, body, headers)
	require.NoError(t, err)
	assert.Equal(t, AckIgnored, ack)
	assert.Empty(t, h.queue.events)
}

func TestIngestWebhook_TamperedBodyRejectedBeforeLookup(t *testing.T) {
	h := newHarness(t)
	h.withStripeWebhooks()
	h.pendingOrder(t, 1, "cs_real")
	finds := h.ledger.finds.Load()

	body, headers := signedStripeEvent(t, "evt_3", "checkout.session.completed", "cs_real")
	body[len(body)-3] = 'X'

	_, err := h.svc.IngestWebhook(context.Background(), domain.MethodStripe, body, headers)
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
	assert.Equal(t, finds, h.ledger.finds.Load(), "ledger must not be consulted")
	assert.Empty(t, h.queue.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookRejected.WithLabelValues("stripe", "signature")))
}

func TestIngestWebhook_UnsupportedProvider(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.IngestWebhook(context.Background(), domain.MethodPayPal, []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedMethod)
}

func TestIngestWebhook_EnqueueFailureForgetsEvent(t *testing.T) {
	h := newHarness(t)
	h.withStripeWebhooks()
	h.queue.err = fmt.Errorf("%w: queue full", domain.ErrProviderUnavailable)
	ctx := context.Background()

	body, headers := signedStripeEvent(t, "evt_4", "checkout.session.completed", "cs_4")
	_, err := h.svc.IngestWebhook(ctx, domain.MethodStripe, body, headers)
	require.Error(t, err)
	assert.True(t, domain.Retryable(err))
	assert.Equal(t, 1, h.deduper.forgets)

	// the provider's redelivery is accepted once the queue recovers
	h.queue.err = nil
	ack, err := h.svc.IngestWebhook(ctx, domain.MethodStripe, body, headers)
	require.NoError(t, err)
	assert.Equal(t, AckAccepted, ack)
}

func TestHandleEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pendingOrder(t, 1, "ORDER-H1")
	h.pendingOrder(t, 1, "ORDER-H2")

	t.Run("unknown order is acknowledged", func(t *testing.T) {
		err := h.svc.HandleEvent(ctx, &domain.ProviderEvent{ID: "WH-0", Method: domain.MethodPayPal, Kind: domain.EventCaptureCompleted, ProviderOrderID: "nobody"})
		assert.NoError(t, err)
	})

	t.Run("approved order is captured", func(t *testing.T) {
		err := h.svc.HandleEvent(ctx, &domain.ProviderEvent{ID: "WH-1", Method: domain.MethodPayPal, Kind: domain.EventOrderApproved, ProviderOrderID: "ORDER-H1"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, h.status(t, "ORDER-H1"))
	})

	t.Run("replayed completion is a no-op", func(t *testing.T) {
		err := h.svc.HandleEvent(ctx, &domain.ProviderEvent{ID: "WH-2", Method: domain.MethodPayPal, Kind: domain.EventCaptureCompleted, ProviderOrderID: "ORDER-H1"})
		require.NoError(t, err)
		assert.Equal(t, "100.00", h.currentAmount(t, 1))
	})

	t.Run("failure event fails the order", func(t *testing.T) {
		err := h.svc.HandleEvent(ctx, &domain.ProviderEvent{ID: "WH-3", Method: domain.MethodPayPal, Kind: domain.EventPaymentFailed, Type: "PAYMENT.CAPTURE.DENIED", ProviderOrderID: "ORDER-H2"})
		require.NoError(t, err)
		tx, err := h.svc.GetTransaction(ctx, "ORDER-H2")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, tx.Status)
		assert.Equal(t, "PAYMENT.CAPTURE.DENIED", tx.FailureReason)
	})

	t.Run("failure event from another provider is rejected", func(t *testing.T) {
		h.pendingOrder(t, 1, "ORDER-H4")
		err := h.svc.HandleEvent(ctx, &domain.ProviderEvent{ID: "evt_x", Method: domain.MethodStripe, Kind: domain.EventPaymentFailed, Type: "checkout.session.expired", ProviderOrderID: "ORDER-H4"})
		assert.ErrorIs(t, err, domain.ErrProviderRejected)
		assert.Equal(t, domain.StatusPending, h.status(t, "ORDER-H4"))
		assert.Equal(t, "100.00", h.currentAmount(t, 1))
	})

	t.Run("provider outage is returned for retry", func(t *testing.T) {
		h.pendingOrder(t, 1, "ORDER-H3")
		h.paypal.set("", domain.ErrProviderUnavailable)
		err := h.svc.HandleEvent(ctx, &domain.ProviderEvent{ID: "WH-4", Method: domain.MethodPayPal, Kind: domain.EventCaptureCompleted, ProviderOrderID: "ORDER-H3"})
		assert.True(t, domain.Retryable(err))
	})
}

func TestIngestWebhook_RedeliveredAfterQueueGivesUp(t *testing.T) {
	h := newHarness(t)
	h.withStripeWebhooks()
	ctx := context.Background()

	q := domain.Quote{Net: dec("100"), Gross: dec("104.12"), Fee: dec("4.12")}
	tx, err := domain.NewPendingTransaction(1, "cs_9", domain.MethodStripe, q, "USD", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, h.ledger.Create(ctx, tx))

	pool := adapter.NewWorkerPoolQueue(h.svc.HandleEvent, 1, 4, domain.Retryable,
		adapter.WithRetry(2, time.Millisecond), adapter.WithDropHandler(h.svc.ReleaseEvent))
	h.svc.SetQueue(pool)
	pool.Start(ctx)
	defer func() { _ = pool.Stop(ctx) }()

	h.stripe.set("", domain.ErrProviderUnavailable)
	body, headers := signedStripeEvent(t, "evt_9", "checkout.session.completed", "cs_9")
	ack, err := h.svc.IngestWebhook(ctx, domain.MethodStripe, body, headers)
	require.NoError(t, err)
	assert.Equal(t, AckAccepted, ack)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.WebhookReleased.WithLabelValues("stripe")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusPending, h.status(t, "cs_9"))

	// the provider recovers and redelivers the same signed event
	h.stripe.set(port.CaptureCompleted, nil)
	ack, err = h.svc.IngestWebhook(ctx, domain.MethodStripe, body, headers)
	require.NoError(t, err)
	assert.Equal(t, AckAccepted, ack)
	require.Eventually(t, func() bool {
		got, err := h.ledger.FindByProviderOrderID(ctx, "cs_9")
		return err == nil && got.Status == domain.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "100.00", h.currentAmount(t, 1))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.WebhookReceived.WithLabelValues("stripe", "capture_completed")))
}
