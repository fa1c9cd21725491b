// Package alpaca implements the Alpaca-like HTTP broker adapter: bearer-style
// header pair auth, bidirectional status/type/TIF mapping tables, and
// HMAC-SHA256 webhook verification.
package alpaca

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/clock"
	wirecrypto "github.com/rcmckee/tradewire/internal/crypto"
	"github.com/rcmckee/tradewire/internal/domain"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"

	signatureHeader = "X-Alpaca-Signature"
)

// Adapter is the Alpaca-like venue client.
type Adapter struct {
	*broker.Base
	http      *resty.Client
	connected bool
}

// New creates an adapter against the configured base URL, defaulting to the
// venue's paper or live host.
func New(cfg broker.Config, c clock.Clock, logger *slog.Logger) *Adapter {
	cfg.Kind = broker.KindAlpaca
	if cfg.BaseURL == "" {
		if cfg.PaperTrading {
			cfg.BaseURL = paperBaseURL
		} else {
			cfg.BaseURL = liveBaseURL
		}
	}

	base := broker.NewBase(cfg, c, logger)
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.APISecret).
		SetHeader("Accept", "application/json")

	return &Adapter{Base: base, http: client}
}

func (a *Adapter) Kind() broker.Kind { return broker.KindAlpaca }

// Connect verifies credentials with an account probe.
func (a *Adapter) Connect(ctx context.Context) error {
	var acct wireAccount
	if err := a.do(ctx, http.MethodGet, "/v2/account", nil, &acct); err != nil {
		return err
	}
	a.connected = true
	a.Logger.InfoContext(ctx, "alpaca: connected",
		slog.Bool("paper", a.Cfg.PaperTrading),
	)
	return nil
}

// Disconnect drops the session state; resty holds no persistent connection.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected = false
	a.Orders.Clear()
	a.Positions.Clear()
	a.Accounts.Clear()
	return nil
}

// MarketOpen asks the venue clock.
func (a *Adapter) MarketOpen(ctx context.Context) (bool, error) {
	var out struct {
		IsOpen bool `json:"is_open"`
	}
	if err := a.do(ctx, http.MethodGet, "/v2/clock", nil, &out); err != nil {
		return false, err
	}
	return out.IsOpen, nil
}

// Place submits a new order.
func (a *Adapter) Place(ctx context.Context, req domain.OrderRequest, accountID string) (domain.Order, error) {
	if err := a.CheckRateLimit(); err != nil {
		return domain.Order{}, err
	}
	if err := a.ValidateOrder(req); err != nil {
		return domain.Order{}, err
	}

	body := map[string]any{
		"symbol":        a.FormatSymbol(req.Symbol),
		"qty":           req.Quantity.String(),
		"side":          string(req.Side),
		"type":          orderTypeToWire[req.Type],
		"time_in_force": tifToWire[req.TimeInForce],
	}
	if req.LimitPrice != nil {
		body["limit_price"] = req.LimitPrice.String()
	}
	if req.StopPrice != nil {
		body["stop_price"] = req.StopPrice.String()
	}
	if req.TrailAmount != nil {
		body["trail_price"] = req.TrailAmount.String()
	}
	if req.TrailPercent != nil {
		body["trail_percent"] = req.TrailPercent.String()
	}
	if req.ExtendedHours {
		body["extended_hours"] = true
	}
	if req.ClientRef != "" {
		body["client_order_id"] = req.ClientRef
	}

	var wire wireOrder
	err := a.Retry(ctx, func() error {
		return a.do(ctx, http.MethodPost, "/v2/orders", body, &wire)
	})
	if err != nil {
		return domain.Order{}, err
	}

	order := wire.toDomain(accountID)
	a.Orders.Put(order.ID, order)
	return order, nil
}

// Cancel cancels an order and returns its refreshed state.
func (a *Adapter) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	if err := a.CheckRateLimit(); err != nil {
		return domain.Order{}, err
	}

	err := a.Retry(ctx, func() error {
		return a.do(ctx, http.MethodDelete, "/v2/orders/"+orderID, nil, nil)
	})
	if err != nil {
		return domain.Order{}, err
	}

	a.InvalidateEntity(orderID, "", "")
	return a.Get(ctx, orderID)
}

// Modify patches a resting order.
func (a *Adapter) Modify(ctx context.Context, upd domain.OrderUpdate) (domain.Order, error) {
	if err := a.CheckRateLimit(); err != nil {
		return domain.Order{}, err
	}

	body := map[string]any{}
	if upd.Quantity != nil {
		body["qty"] = upd.Quantity.String()
	}
	if upd.LimitPrice != nil {
		body["limit_price"] = upd.LimitPrice.String()
	}
	if upd.StopPrice != nil {
		body["stop_price"] = upd.StopPrice.String()
	}
	if upd.TimeInForce != nil {
		body["time_in_force"] = tifToWire[*upd.TimeInForce]
	}

	var wire wireOrder
	err := a.Retry(ctx, func() error {
		return a.do(ctx, http.MethodPatch, "/v2/orders/"+upd.OrderID, body, &wire)
	})
	if err != nil {
		return domain.Order{}, err
	}

	order := wire.toDomain("")
	a.Orders.Put(order.ID, order)
	return order, nil
}

// Get fetches one order, serving the TTL cache first.
func (a *Adapter) Get(ctx context.Context, orderID string) (domain.Order, error) {
	if cached, ok := a.Orders.Get(orderID); ok {
		return cached, nil
	}

	var wire wireOrder
	if err := a.do(ctx, http.MethodGet, "/v2/orders/"+orderID, nil, &wire); err != nil {
		return domain.Order{}, err
	}
	order := wire.toDomain("")
	a.Orders.Put(order.ID, order)
	return order, nil
}

// List fetches orders matching the filter.
func (a *Adapter) List(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	path := "/v2/orders?direction=desc&limit=" + strconv.Itoa(limit)
	if f.Status != nil {
		path += "&status=" + statusToWire[*f.Status]
	}
	if f.Symbol != "" {
		path += "&symbols=" + f.Symbol
	}

	var wires []wireOrder
	if err := a.do(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}

	out := make([]domain.Order, 0, len(wires))
	for _, w := range wires {
		out = append(out, w.toDomain(""))
	}
	return out, nil
}

// Positions fetches positions, optionally narrowed to one symbol.
func (a *Adapter) Positions(ctx context.Context, accountID, symbol string) ([]domain.Position, error) {
	var wires []wirePosition
	if err := a.do(ctx, http.MethodGet, "/v2/positions", nil, &wires); err != nil {
		return nil, err
	}

	var out []domain.Position
	for _, w := range wires {
		if symbol != "" && w.Symbol != symbol {
			continue
		}
		pos := w.toDomain(accountID, a.Clock.Now())
		a.Positions.Put(pos.Symbol, pos)
		out = append(out, pos)
	}
	return out, nil
}

// Account fetches the account, serving the TTL cache first.
func (a *Adapter) Account(ctx context.Context, accountID string) (domain.Account, error) {
	if cached, ok := a.Accounts.Get(accountID); ok {
		return cached, nil
	}

	var wire wireAccount
	if err := a.do(ctx, http.MethodGet, "/v2/account", nil, &wire); err != nil {
		return domain.Account{}, err
	}
	acct := wire.toDomain(a.Clock.Now())
	a.Accounts.Put(acct.ID, acct)
	return acct, nil
}

// VerifyWebhook checks the HMAC-SHA256 hex signature over the raw body in
// constant time.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers map[string]string) error {
	if a.Cfg.WebhookSecret == "" {
		return domain.NewBrokerError(domain.KindAuthentication, "no webhook secret configured")
	}
	sig := headers[signatureHeader]
	if sig == "" {
		return domain.NewBrokerError(domain.KindAuthentication, "missing webhook signature")
	}
	if !wirecrypto.VerifyWebhookHex(a.Cfg.WebhookSecret, rawBody, sig) {
		return domain.NewBrokerError(domain.KindAuthentication, "invalid webhook signature")
	}
	return nil
}

// do executes one request and classifies failures into the error taxonomy.
func (a *Adapter) do(ctx context.Context, method, path string, body any, out any) error {
	req := a.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	var (
		resp *resty.Response
		err  error
	)
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodPatch:
		resp, err = req.Patch(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return domain.NewBrokerError(domain.KindInternal, "unsupported method "+method)
	}

	if err != nil {
		return domain.WrapBrokerError(domain.KindConnection, "alpaca request failed", err)
	}
	return a.classifyStatus(resp.StatusCode(), resp.String(), path)
}

func (a *Adapter) classifyStatus(status int, body, path string) error {
	if status >= 200 && status < 300 {
		return nil
	}

	msg := fmt.Sprintf("alpaca %s returned %d: %s", path, status, body)
	switch status {
	case http.StatusUnauthorized:
		return domain.NewBrokerError(domain.KindAuthentication, msg)
	case http.StatusForbidden:
		return domain.NewBrokerError(domain.KindInsufficientFunds, msg)
	case http.StatusNotFound:
		return domain.NewBrokerError(domain.KindOrderNotFound, msg)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return domain.NewBrokerError(domain.KindValidation, msg)
	case http.StatusTooManyRequests:
		return domain.NewBrokerError(domain.KindRateLimit, msg)
	default:
		if status >= 500 {
			return domain.NewBrokerError(domain.KindConnection, msg)
		}
		return domain.NewBrokerError(domain.KindInternal, msg)
	}
}

// SetTransportForTest swaps the underlying HTTP transport; adapter tests use
// it to stub the venue.
func (a *Adapter) SetTransportForTest(rt http.RoundTripper) {
	a.http.SetTransport(rt)
}

// Compile-time interface check.
var _ broker.Adapter = (*Adapter)(nil)

// mustP parses a wire decimal into a pointer, ignoring empty strings.
func mustP(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}
