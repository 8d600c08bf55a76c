package pushgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdx/internal/pkg/redis"
	"crowdx/internal/service/payment/domain"
	"crowdx/internal/service/payment/infrastructure/adapter"
)

type gateway struct {
	hub         *Hub
	server      *httptest.Server
	client      *redis.Client
	broadcaster *adapter.RedisBroadcaster
}

func startGateway(t *testing.T) *gateway {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub("test-node")
	go hub.Run(ctx)

	ready := make(chan struct{})
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		_ = NewSubscriber(client, hub).Run(ctx, ready)
	}()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never became ready")
	}

	mux := http.NewServeMux()
	NewHandler(hub, func(ctx context.Context, id int64) ([]byte, error) {
		return adapter.LatestSnapshot(ctx, client, id)
	}, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-subDone
	})

	b, err := adapter.NewRedisBroadcaster(client, time.Hour)
	require.NoError(t, err)
	return &gateway{hub: hub, server: srv, client: client, broadcaster: b}
}

func (g *gateway) dial(t *testing.T, campaign string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws/campaigns/" + campaign
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func funding(campaignID int64, amount string) domain.FundingUpdate {
	return domain.FundingUpdate{
		CampaignID:    campaignID,
		CurrentAmount: decimal.RequireFromString(amount),
		GoalAmount:    decimal.NewFromInt(1000),
		NetAmount:     decimal.NewFromInt(100),
		At:            time.Now().UTC(),
	}
}

func TestViewerGetsSnapshotThenLiveUpdates(t *testing.T) {
	g := startGateway(t)
	ctx := context.Background()
	require.NoError(t, g.broadcaster.PublishFunding(ctx, funding(1, "100")))

	conn := g.dial(t, "1")
	snap := readJSON(t, conn)
	assert.Equal(t, "funding_update", snap["type"])
	assert.Equal(t, "100", snap["current_amount"])

	require.Eventually(t, func() bool { return g.hub.Viewers(1) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, g.broadcaster.PublishFunding(ctx, funding(1, "200")))
	live := readJSON(t, conn)
	assert.Equal(t, "200", live["current_amount"])
}

func TestUpdatesStayInTheirRoom(t *testing.T) {
	g := startGateway(t)
	ctx := context.Background()

	one := g.dial(t, "1")
	two := g.dial(t, "2")
	require.Eventually(t, func() bool { return g.hub.Viewers(1) == 1 && g.hub.Viewers(2) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, g.broadcaster.PublishFunding(ctx, funding(2, "50")))
	require.NoError(t, g.broadcaster.PublishPaymentStatus(ctx, domain.PaymentStatusNotice{CampaignID: 1, ProviderOrderID: "PP-1", Message: "started"}))

	got := readJSON(t, two)
	assert.Equal(t, float64(2), got["campaign_id"])

	got = readJSON(t, one)
	assert.Equal(t, "payment_status", got["type"])
	assert.Equal(t, "PP-1", got["provider_order_id"])
}

func TestViewerLeaves(t *testing.T) {
	g := startGateway(t)
	conn := g.dial(t, "7")
	require.Eventually(t, func() bool { return g.hub.Viewers(7) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return g.hub.Viewers(7) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBadCampaignID(t *testing.T) {
	g := startGateway(t)
	resp, err := http.Get(g.server.URL + "/ws/campaigns/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCampaignOf(t *testing.T) {
	id, err := campaignOf("campaign:42", "{}")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	id, err = campaignOf(adapter.PaymentStatusChannel, `{"campaign_id":9}`)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)

	_, err = campaignOf("campaign:abc", "{}")
	assert.Error(t, err)
	_, err = campaignOf(adapter.PaymentStatusChannel, `{}`)
	assert.Error(t, err)
}

func TestOriginAllowList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub("origin-node")
	go hub.Run(ctx)

	mux := http.NewServeMux()
	NewHandler(hub, nil, []string{"https://crowdx.test"}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/campaigns/1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://elsewhere.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://crowdx.test"}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Viewers(1) == 1 }, time.Second, 5*time.Millisecond)
}
