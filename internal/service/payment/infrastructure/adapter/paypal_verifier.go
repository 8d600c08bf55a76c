package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"crowdx/internal/service/payment/domain"
)

// Headers PayPal signs every webhook transmission with.
const (
	hdrTransmissionID   = "Paypal-Transmission-Id"
	hdrTransmissionTime = "Paypal-Transmission-Time"
	hdrTransmissionSig  = "Paypal-Transmission-Sig"
	hdrCertURL          = "Paypal-Cert-Url"
	hdrAuthAlgo         = "Paypal-Auth-Algo"

	verificationSuccess = "SUCCESS"
)

// PayPalVerifier asks PayPal to confirm a transmission signature
// (challenge/response) and rejects transmissions outside the replay window.
type PayPalVerifier struct {
	client       *PayPalClient
	webhookID    string
	replayWindow time.Duration
	now          func() time.Time
}

func NewPayPalVerifier(client *PayPalClient, webhookID string, replayWindow time.Duration) *PayPalVerifier {
	return &PayPalVerifier{client: client, webhookID: webhookID, replayWindow: replayWindow, now: time.Now}
}

func (v *PayPalVerifier) Method() domain.PaymentMethod { return domain.MethodPayPal }

type paypalWebhookEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime time.Time       `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

func (v *PayPalVerifier) Verify(ctx context.Context, rawBody []byte, headers http.Header) (*domain.ProviderEvent, error) {
	for _, h := range []string{hdrTransmissionID, hdrTransmissionTime, hdrTransmissionSig, hdrCertURL, hdrAuthAlgo} {
		if headers.Get(h) == "" {
			return nil, fmt.Errorf("%w: missing %s header", domain.ErrSignatureInvalid, h)
		}
	}
	sentAt, err := time.Parse(time.RFC3339, headers.Get(hdrTransmissionTime))
	if err != nil {
		return nil, fmt.Errorf("%w: bad transmission time", domain.ErrSignatureInvalid)
	}
	if age := v.now().Sub(sentAt); age > v.replayWindow || age < -v.replayWindow {
		return nil, fmt.Errorf("%w: transmission outside replay window (%s)", domain.ErrSignatureInvalid, age.Round(time.Second))
	}
	if !json.Valid(rawBody) {
		return nil, fmt.Errorf("%w: body is not JSON", domain.ErrSignatureInvalid)
	}

	req := map[string]interface{}{
		"auth_algo":         headers.Get(hdrAuthAlgo),
		"cert_url":          headers.Get(hdrCertURL),
		"transmission_id":   headers.Get(hdrTransmissionID),
		"transmission_sig":  headers.Get(hdrTransmissionSig),
		"transmission_time": headers.Get(hdrTransmissionTime),
		"webhook_id":        v.webhookID,
		"webhook_event":     json.RawMessage(rawBody),
	}
	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := v.client.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "paypal.VerifyWebhook", req, &resp); err != nil {
		// a 4xx here means PayPal refused to vouch for the transmission
		if errors.Is(err, domain.ErrProviderRejected) {
			return nil, fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
		}
		return nil, err
	}
	if resp.VerificationStatus != verificationSuccess {
		return nil, fmt.Errorf("%w: verification_status=%s", domain.ErrSignatureInvalid, resp.VerificationStatus)
	}

	var evt paypalWebhookEvent
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	return mapPayPalEvent(&evt, v.now())
}

func mapPayPalEvent(evt *paypalWebhookEvent, receivedAt time.Time) (*domain.ProviderEvent, error) {
	out := &domain.ProviderEvent{
		ID:         evt.ID,
		Method:     domain.MethodPayPal,
		Type:       evt.EventType,
		Kind:       domain.EventIgnored,
		OccurredAt: evt.CreateTime.UTC(),
		ReceivedAt: receivedAt.UTC(),
		Payload:    evt.Resource,
	}

	var res struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	}
	if len(evt.Resource) > 0 {
		if err := json.Unmarshal(evt.Resource, &res); err != nil {
			return nil, fmt.Errorf("%w: resource: %v", domain.ErrMalformedPayload, err)
		}
	}

	switch evt.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		out.Kind = domain.EventOrderApproved
		out.ProviderOrderID = res.ID
	case "CHECKOUT.ORDER.COMPLETED":
		out.Kind = domain.EventCaptureCompleted
		out.ProviderOrderID = res.ID
	case "CHECKOUT.ORDER.VOIDED":
		out.Kind = domain.EventPaymentFailed
		out.ProviderOrderID = res.ID
		out.Reason = "order voided"
	case "PAYMENT.CAPTURE.COMPLETED":
		out.Kind = domain.EventCaptureCompleted
		out.ProviderOrderID = res.SupplementaryData.RelatedIDs.OrderID
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.Kind = domain.EventPaymentFailed
		out.ProviderOrderID = res.SupplementaryData.RelatedIDs.OrderID
		out.Reason = evt.EventType
	default:
		return out, nil
	}
	if out.ProviderOrderID == "" {
		return nil, fmt.Errorf("%w: %s without order id", domain.ErrMalformedPayload, evt.EventType)
	}
	return out, nil
}
