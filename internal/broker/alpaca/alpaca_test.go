package alpaca

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/clock"
	wirecrypto "github.com/rcmckee/tradewire/internal/crypto"
	"github.com/rcmckee/tradewire/internal/domain"
)

// stubTransport answers requests from a canned route table.
type stubTransport struct {
	routes   map[string]stubResponse // "METHOD /path" -> response
	requests []*http.Request
}

type stubResponse struct {
	status int
	body   string
}

func (s *stubTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	s.requests = append(s.requests, r)
	key := r.Method + " " + r.URL.Path
	resp, ok := s.routes[key]
	if !ok {
		resp = stubResponse{status: http.StatusNotFound, body: `{"message":"not found"}`}
	}
	return &http.Response{
		StatusCode: resp.status,
		Body:       io.NopCloser(strings.NewReader(resp.body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    r,
	}, nil
}

func newTestAdapter(t *testing.T, routes map[string]stubResponse) (*Adapter, *stubTransport) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	a := New(broker.Config{
		APIKey:             "key",
		APISecret:          "secret",
		WebhookSecret:      "whsec",
		PaperTrading:       true,
		RateLimitPerMinute: 1000,
	}, fake, slog.Default())

	transport := &stubTransport{routes: routes}
	a.SetTransportForTest(transport)
	return a, transport
}

const wireOrderBody = `{
	"id": "904837e3-3b76-47ec-b432-046db621571b",
	"client_order_id": "my-ref",
	"symbol": "AAPL",
	"side": "buy",
	"qty": "10",
	"type": "limit",
	"time_in_force": "day",
	"limit_price": "150.00",
	"status": "new",
	"filled_qty": "0",
	"extended_hours": false,
	"created_at": "2025-06-02T14:00:00Z",
	"updated_at": "2025-06-02T14:00:00Z",
	"submitted_at": "2025-06-02T14:00:00Z"
}`

func TestPlaceConvertsWireOrder(t *testing.T) {
	a, transport := newTestAdapter(t, map[string]stubResponse{
		"POST /v2/orders": {status: http.StatusOK, body: wireOrderBody},
	})

	px := decimal.RequireFromString("150.00")
	order, err := a.Place(context.Background(), domain.OrderRequest{
		ClientRef:   "my-ref",
		Symbol:      "aapl",
		Side:        domain.OrderSideBuy,
		Quantity:    decimal.RequireFromString("10"),
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TIFDay,
		LimitPrice:  &px,
	}, "ACC1")
	require.NoError(t, err)

	assert.Equal(t, "904837e3-3b76-47ec-b432-046db621571b", order.ID)
	assert.Equal(t, "AAPL", order.Symbol)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status, `"new" maps to submitted`)
	assert.Equal(t, domain.OrderTypeLimit, order.Type)
	assert.True(t, order.Quantity.Equal(decimal.RequireFromString("10")))
	assert.NotNil(t, order.SubmittedAt)
	assert.Equal(t, "ACC1", order.AccountID)

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, "key", req.Header.Get("APCA-API-KEY-ID"))
	assert.Equal(t, "secret", req.Header.Get("APCA-API-SECRET-KEY"))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ErrorKind
	}{
		{http.StatusUnauthorized, domain.KindAuthentication},
		{http.StatusForbidden, domain.KindInsufficientFunds},
		{http.StatusNotFound, domain.KindOrderNotFound},
		{http.StatusUnprocessableEntity, domain.KindValidation},
		{http.StatusTooManyRequests, domain.KindRateLimit},
		{http.StatusBadGateway, domain.KindConnection},
	}
	for _, tc := range tests {
		a, _ := newTestAdapter(t, map[string]stubResponse{
			"GET /v2/orders/x": {status: tc.status, body: `{"message":"nope"}`},
		})
		_, err := a.Get(context.Background(), "x")
		require.Error(t, err)
		assert.Equal(t, tc.want, domain.KindOf(err), "status %d", tc.status)
	}
}

func TestStatusMappingTables(t *testing.T) {
	for wire, want := range map[string]domain.OrderStatus{
		"new":          domain.OrderStatusSubmitted,
		"accepted":     domain.OrderStatusAccepted,
		"partial_fill": domain.OrderStatusPartiallyFilled,
		"filled":       domain.OrderStatusFilled,
		"canceled":     domain.OrderStatusCanceled,
		"rejected":     domain.OrderStatusRejected,
		"done_for_day": domain.OrderStatusExpired,
		"pending_new":  domain.OrderStatusPending,
	} {
		assert.Equal(t, want, statusFromWire[wire], "wire status %q", wire)
	}

	// Round trip through the reverse table for the canonical states.
	for _, status := range []domain.OrderStatus{
		domain.OrderStatusSubmitted, domain.OrderStatusAccepted,
		domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled,
		domain.OrderStatusCanceled, domain.OrderStatusRejected,
	} {
		wire := statusToWire[status]
		assert.Equal(t, status, statusFromWire[wire], "status %q", status)
	}
}

func TestTIFAndTypeTablesBidirectional(t *testing.T) {
	for tif, wire := range tifToWire {
		assert.Equal(t, tif, tifFromWire[wire])
	}
	for typ, wire := range orderTypeToWire {
		assert.Equal(t, typ, orderTypeFromWire[wire])
	}
}

func TestVerifyWebhookConstantTimeHMAC(t *testing.T) {
	a, _ := newTestAdapter(t, nil)

	body := []byte(`{"webhook_id":"wh-1","event_type":"order_filled","data":{"order_id":"o1","status":"filled"}}`)
	sig := wirecrypto.SignWebhookHex("whsec", body)

	assert.NoError(t, a.VerifyWebhook(body, map[string]string{signatureHeader: sig}))

	err := a.VerifyWebhook(body, map[string]string{signatureHeader: "deadbeef"})
	require.Error(t, err)
	assert.Equal(t, domain.KindAuthentication, domain.KindOf(err))

	err = a.VerifyWebhook(body, nil)
	require.Error(t, err, "missing signature is rejected")
}

func TestParseWebhookFillEvent(t *testing.T) {
	a, _ := newTestAdapter(t, nil)

	body := []byte(`{
		"webhook_id": "wh-5",
		"event_type": "order_partially_filled",
		"data": {
			"order_id": "o1",
			"status": "partial_fill",
			"fill": {"quantity": "3", "price": "10.00"},
			"cumulative_filled_quantity": "3",
			"total_quantity": "5"
		}
	}`)

	events, err := a.ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0]
	assert.Equal(t, "wh-5", evt.WebhookID)
	assert.Equal(t, "o1", evt.OrderID)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, evt.Status)
	assert.True(t, evt.FillQty.Equal(decimal.RequireFromString("3")))
	assert.True(t, evt.TotalQty.Equal(decimal.RequireFromString("5")))
}

func TestParseWebhookRejectsUnknownStatus(t *testing.T) {
	a, _ := newTestAdapter(t, nil)

	_, err := a.ParseWebhook([]byte(`{"webhook_id":"w","event_type":"x","data":{"order_id":"o1","status":"warp"}}`))
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = a.ParseWebhook([]byte(`{"webhook_id":"w","event_type":"x","data":{}}`))
	require.Error(t, err, "missing order_id is rejected")
}

func TestRetryOnServerError(t *testing.T) {
	// Every attempt hits a 502; three attempts then the Connection error
	// surfaces.
	calls := 0
	a, _ := newTestAdapter(t, nil)
	a.SetTransportForTest(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			Body:       io.NopCloser(strings.NewReader(`{}`)),
			Request:    r,
		}, nil
	}))

	_, err := a.Place(context.Background(), domain.OrderRequest{
		Symbol: "AAPL", Side: domain.OrderSideBuy,
		Quantity: decimal.NewFromInt(1), Type: domain.OrderTypeMarket,
		TimeInForce: domain.TIFDay,
	}, "ACC1")
	require.Error(t, err)
	assert.Equal(t, domain.KindConnection, domain.KindOf(err))
	assert.Equal(t, 3, calls)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
