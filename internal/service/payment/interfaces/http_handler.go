package interfaces

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"crowdx/internal/pkg/logger"
	"crowdx/internal/service/payment/application"
	"crowdx/internal/service/payment/domain"
	"crowdx/internal/service/payment/domain/port"
)

// maxWebhookBody bounds what is read from a provider callback.
const maxWebhookBody = 1 << 20

// PaymentHandler exposes the payment service over HTTP.
type PaymentHandler struct {
	service *application.PaymentService
	metrics http.Handler
}

func NewPaymentHandler(service *application.PaymentService, metricsHandler http.Handler) *PaymentHandler {
	return &PaymentHandler{service: service, metrics: metricsHandler}
}

func (h *PaymentHandler) RegisterRoutes(mux *http.ServeMux) {
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	mux.HandleFunc("POST /payments/orders", h.traced(h.handleCreateOrder))
	mux.HandleFunc("GET /payments/orders/{id}", h.traced(h.handleGetOrder))
	mux.HandleFunc("POST /payments/orders/{id}/capture", h.traced(h.handleCapture))
	mux.HandleFunc("POST /payments/orders/{id}/cancel", h.traced(h.handleCancel))
	mux.HandleFunc("GET /payments/fee-estimate", h.traced(h.handleFeeEstimate))
	mux.HandleFunc("GET /payments/campaigns/{id}/transactions", h.traced(h.handleListTransactions))
	mux.HandleFunc("POST /payments/webhook", h.traced(h.handleWebhook))
	mux.HandleFunc("POST /payments/webhook/{provider}", h.traced(h.handleWebhook))
}

// traced continues the caller's trace and tags the request logger with a
// request id.
func (h *PaymentHandler) traced(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		ctx = logger.With(ctx, "request_id", requestID)
		next(w, r.WithContext(ctx))
	}
}

type createOrderRequest struct {
	NetAmount  decimal.Decimal `json:"netAmount"`
	CampaignID int64           `json:"campaignID"`
	Method     string          `json:"method,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	ReturnURL  string          `json:"returnURL,omitempty"`
	CancelURL  string          `json:"cancelURL,omitempty"`
}

type createOrderResponse struct {
	TransactionID         int64       `json:"transactionID"`
	ProviderOrderID       string      `json:"providerOrderID"`
	Method                string      `json:"method"`
	Gross                 string      `json:"gross"`
	FeeAdded              string      `json:"feeAdded"`
	Message               string      `json:"message"`
	ProviderRedirectLinks []port.Link `json:"providerRedirectLinks"`
}

func (h *PaymentHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd := application.CreateOrderCommand{
		CampaignID: req.CampaignID,
		NetAmount:  req.NetAmount,
		Currency:   req.Currency,
		ReturnURL:  req.ReturnURL,
		CancelURL:  req.CancelURL,
	}
	if req.Method != "" {
		m, err := domain.ParsePaymentMethod(req.Method)
		if err != nil {
			writeError(w, r, err)
			return
		}
		cmd.Method = m
	}

	res, err := h.service.CreateOrder(r.Context(), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	links := res.Links
	if links == nil {
		links = []port.Link{}
	}
	writeJSON(w, http.StatusCreated, createOrderResponse{
		TransactionID:         res.TransactionID,
		ProviderOrderID:       res.ProviderOrderID,
		Method:                res.Method.String(),
		Gross:                 res.Quote.Gross.StringFixed(2),
		FeeAdded:              res.Quote.Fee.StringFixed(2),
		Message:               res.Quote.Message,
		ProviderRedirectLinks: links,
	})
}

type captureResponse struct {
	Status        string  `json:"status"`
	RedirectHint  string  `json:"redirectHint"`
	CurrentAmount *string `json:"currentAmount,omitempty"`
}

func (h *PaymentHandler) handleCapture(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Capture(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := captureResponse{Status: string(res.Status), RedirectHint: string(res.RedirectHint)}
	if res.CurrentAmount != nil {
		s := res.CurrentAmount.StringFixed(2)
		out.CurrentAmount = &s
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PaymentHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.Cancel(r.Context(), r.PathValue("id"), r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(tx.Status)})
}

type transactionView struct {
	ID              int64      `json:"id"`
	CampaignID      int64      `json:"campaignID"`
	ProviderOrderID string     `json:"providerOrderID"`
	Amount          string     `json:"amount"`
	Fee             string     `json:"fee"`
	NetAmount       string     `json:"netAmount"`
	Currency        string     `json:"currency"`
	PaymentMethod   string     `json:"paymentMethod"`
	Status          string     `json:"status"`
	FailureReason   string     `json:"failureReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

func toView(tx *domain.Transaction) transactionView {
	return transactionView{
		ID:              tx.ID,
		CampaignID:      tx.CampaignID,
		ProviderOrderID: tx.ProviderOrderID,
		Amount:          tx.Amount.StringFixed(2),
		Fee:             tx.Fee.StringFixed(2),
		NetAmount:       tx.NetAmount.StringFixed(2),
		Currency:        tx.Currency,
		PaymentMethod:   tx.PaymentMethod.String(),
		Status:          string(tx.Status),
		FailureReason:   tx.FailureReason,
		CreatedAt:       tx.CreatedAt,
		CompletedAt:     tx.CompletedAt,
	}
}

func (h *PaymentHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(tx))
}

func (h *PaymentHandler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	campaignID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || campaignID <= 0 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := h.service.ListCampaignTransactions(r.Context(), domain.ListFilter{
		CampaignID: campaignID,
		Status:     domain.Status(strings.ToLower(r.URL.Query().Get("status"))),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, toView(tx))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": views})
}

func (h *PaymentHandler) handleFeeEstimate(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		http.Error(w, "amount must be a decimal number", http.StatusBadRequest)
		return
	}
	var method domain.PaymentMethod
	if raw := r.URL.Query().Get("method"); raw != "" {
		if method, err = domain.ParsePaymentMethod(raw); err != nil {
			writeError(w, r, err)
			return
		}
	}
	q, err := h.service.FeeEstimate(amount, method)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"gross":    q.Gross.StringFixed(2),
		"feeAdded": q.Fee.StringFixed(2),
		"message":  q.Message,
	})
}

// handleWebhook answers 200 for anything verified, including events that are
// duplicates or irrelevant, so providers stop redelivering them.
func (h *PaymentHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	method := domain.MethodStripe
	if p := r.PathValue("provider"); p != "" {
		m, err := domain.ParsePaymentMethod(p)
		if err != nil || m == domain.MethodManual {
			http.Error(w, "unknown provider", http.StatusNotFound)
			return
		}
		method = m
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	ack, err := h.service.IngestWebhook(r.Context(), method, body, r.Header)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(ack)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSignatureInvalid),
		errors.Is(err, domain.ErrMalformedPayload),
		errors.Is(err, domain.ErrUnsupportedMethod):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownOrder),
		errors.Is(err, domain.ErrCampaignNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCampaignInactive),
		errors.Is(err, domain.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConflictingState):
		return http.StatusOK
	case errors.Is(err, domain.ErrProviderRejected):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = http.StatusText(status)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
