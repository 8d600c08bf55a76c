package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"gorm.io/gorm"

	"crowdx/internal/pkg/metrics"
	"crowdx/internal/pkg/testdb"
	"crowdx/internal/service/payment/domain"
	"crowdx/internal/service/payment/domain/port"
	"crowdx/internal/service/payment/infrastructure"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var tracer = noop.NewTracerProvider().Tracer("test")

type fakeGateway struct {
	method   domain.PaymentMethod
	captures atomic.Int32
	cancels  atomic.Int32
	created  atomic.Int32

	mu      sync.Mutex
	outcome port.CaptureOutcome
	err     error
	delay   time.Duration
	// onCancel, when set, decides what CancelOrder returns.
	onCancel func() error
}

func newFakeGateway(method domain.PaymentMethod) *fakeGateway {
	return &fakeGateway{method: method, outcome: port.CaptureCompleted}
}

func (g *fakeGateway) set(outcome port.CaptureOutcome, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcome, g.err = outcome, err
}

func (g *fakeGateway) Method() domain.PaymentMethod { return g.method }

func (g *fakeGateway) CreateOrder(_ context.Context, _ port.CreateOrderRequest) (*port.ProviderOrderHandle, error) {
	n := g.created.Add(1)
	id := fmt.Sprintf("%s-order-%d", g.method, n)
	return &port.ProviderOrderHandle{
		ProviderOrderID: id,
		Status:          "CREATED",
		Links:           []port.Link{{Rel: "approve", Href: "https://provider.test/approve/" + id}},
	}, nil
}

func (g *fakeGateway) CaptureOrder(_ context.Context, _ string) (*port.CaptureResult, error) {
	g.captures.Add(1)
	g.mu.Lock()
	outcome, err, delay := g.outcome, g.err, g.delay
	g.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	res := &port.CaptureResult{ProviderStatus: string(outcome), Outcome: outcome}
	switch outcome {
	case port.CaptureCompleted:
		res.Breakdown = domain.Breakdown{Gross: dec("104.12"), Fee: dec("4.12"), Net: dec("100.00")}
	case port.CaptureFailed:
		res.Reason = "declined"
	}
	return res, nil
}

func (g *fakeGateway) CancelOrder(context.Context, string) error {
	g.cancels.Add(1)
	g.mu.Lock()
	onCancel := g.onCancel
	g.mu.Unlock()
	if onCancel != nil {
		return onCancel()
	}
	return nil
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	updates  []domain.FundingUpdate
	notices  []domain.PaymentStatusNotice
	failWith error
}

func (b *recordingBroadcaster) PublishFunding(_ context.Context, u domain.FundingUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.updates = append(b.updates, u)
	return nil
}

func (b *recordingBroadcaster) PublishPaymentStatus(_ context.Context, n domain.PaymentStatusNotice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, n)
	return nil
}

func (b *recordingBroadcaster) fundingUpdates() []domain.FundingUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.FundingUpdate(nil), b.updates...)
}

type memQueue struct {
	mu     sync.Mutex
	events []*domain.ProviderEvent
	err    error
}

func (q *memQueue) Enqueue(_ context.Context, e *domain.ProviderEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, e)
	return nil
}

type memDeduper struct {
	mu      sync.Mutex
	seen    map[string]bool
	forgets int
}

func (d *memDeduper) FirstSeen(_ context.Context, m domain.PaymentMethod, id string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	key := string(m) + ":" + id
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *memDeduper) Forget(_ context.Context, m domain.PaymentMethod, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, string(m)+":"+id)
	d.forgets++
	return nil
}

// countingLedger records how often the ledger is consulted.
type countingLedger struct {
	domain.TransactionRepository
	finds atomic.Int32
}

func (l *countingLedger) FindByProviderOrderID(ctx context.Context, id string) (*domain.Transaction, error) {
	l.finds.Add(1)
	return l.TransactionRepository.FindByProviderOrderID(ctx, id)
}

type harness struct {
	db          *gorm.DB
	ledger      *countingLedger
	campaigns   *infrastructure.GormCampaignStore
	stripe      *fakeGateway
	paypal      *fakeGateway
	broadcaster *recordingBroadcaster
	queue       *memQueue
	deduper     *memDeduper
	metrics     *metrics.Metrics
	reconciler  *Reconciler
	svc         *PaymentService
	registry    *port.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testdb.Open(t, &infrastructure.TransactionModel{}, &infrastructure.CampaignModel{})
	require.NoError(t, db.Create(&infrastructure.CampaignModel{
		ID: 1, GoalAmount: dec("1000"), CurrentAmount: dec("0"), IsActive: true, LastActivityAt: time.Unix(0, 0).UTC(),
	}).Error)

	h := &harness{
		db:          db,
		campaigns:   infrastructure.NewGormCampaignStore(db),
		stripe:      newFakeGateway(domain.MethodStripe),
		paypal:      newFakeGateway(domain.MethodPayPal),
		broadcaster: &recordingBroadcaster{},
		queue:       &memQueue{},
		deduper:     &memDeduper{},
		metrics:     metrics.New("test"),
	}
	h.ledger = &countingLedger{TransactionRepository: infrastructure.NewGormLedger(db, h.campaigns)}
	h.registry = port.NewRegistry().RegisterGateway(h.stripe).RegisterGateway(h.paypal)
	h.reconciler = NewReconciler(h.ledger, h.campaigns, h.registry, h.broadcaster, tracer, h.metrics, time.Second)

	stripeFee, err := domain.NewFeeModel("0.029", "0.30")
	require.NoError(t, err)
	paypalFee, err := domain.NewFeeModel("0.0349", "0.49")
	require.NoError(t, err)
	h.svc = NewPaymentService(h.ledger, h.campaigns, h.registry, h.reconciler, h.broadcaster, h.deduper, tracer, h.metrics, Options{
		Currency:      "USD",
		DefaultMethod: domain.MethodStripe,
		PublicBaseURL: "https://crowdx.test/",
		DedupeTTL:     time.Hour,
		Fees: map[domain.PaymentMethod]domain.FeeModel{
			domain.MethodStripe: stripeFee,
			domain.MethodPayPal: paypalFee,
		},
	})
	h.svc.SetQueue(h.queue)
	return h
}

// pendingOrder records a pending PayPal transaction for campaignID.
func (h *harness) pendingOrder(t *testing.T, campaignID int64, orderID string) *domain.Transaction {
	t.Helper()
	q := domain.Quote{Net: dec("100"), Gross: dec("104.12"), Fee: dec("4.12")}
	tx, err := domain.NewPendingTransaction(campaignID, orderID, domain.MethodPayPal, q, "USD", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, h.ledger.Create(context.Background(), tx))
	return tx
}

func (h *harness) currentAmount(t *testing.T, campaignID int64) string {
	t.Helper()
	c, err := h.campaigns.GetCampaign(context.Background(), campaignID)
	require.NoError(t, err)
	return c.CurrentAmount.StringFixed(2)
}

func (h *harness) status(t *testing.T, orderID string) domain.Status {
	t.Helper()
	tx, err := h.ledger.FindByProviderOrderID(context.Background(), orderID)
	require.NoError(t, err)
	return tx.Status
}

var errBoom = errors.New("boom")
