// Package broker defines the venue adapter contract and the mechanisms every
// adapter shares: token-bucket rate limiting, retry with backoff, TTL entity
// caches, and pre-submit validation.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rcmckee/tradewire/internal/domain"
)

// Kind identifies a broker back-end.
type Kind string

const (
	KindPaper  Kind = "paper"
	KindAlpaca Kind = "alpaca"
	KindIB     Kind = "ib"
)

// WebhookEvent is the normalized form of one broker callback entry. Adapters
// translate venue payloads into these; webhook intake feeds them to the
// lifecycle in order.
type WebhookEvent struct {
	WebhookID     string
	OrderID       string
	EventType     string
	Status        domain.OrderStatus
	FillQty       *decimal.Decimal
	FillPrice     *decimal.Decimal
	CumulativeQty *decimal.Decimal
	TotalQty      *decimal.Decimal
	Reason        string
}

// Adapter is the closed operation set every venue implements. All failures
// are classified into the domain error taxonomy before they leave the
// adapter.
type Adapter interface {
	Kind() Kind
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	MarketOpen(ctx context.Context) (bool, error)

	Place(ctx context.Context, req domain.OrderRequest, accountID string) (domain.Order, error)
	Cancel(ctx context.Context, orderID string) (domain.Order, error)
	Modify(ctx context.Context, upd domain.OrderUpdate) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)

	Positions(ctx context.Context, accountID, symbol string) ([]domain.Position, error)
	Account(ctx context.Context, accountID string) (domain.Account, error)

	// VerifyWebhook checks the venue signature over the raw body. A nil error
	// means the payload is authentic.
	VerifyWebhook(rawBody []byte, headers map[string]string) error
	// ParseWebhook maps the raw payload to normalized events, in order.
	ParseWebhook(rawBody []byte) ([]WebhookEvent, error)
}

// QuoteStreamer is implemented by adapters with streaming market data.
type QuoteStreamer interface {
	StreamQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error)
}

// Registry holds the process's broker adapters, constructed at startup and
// passed by reference. Tests inject alternates.
type Registry struct {
	adapters map[Kind]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Kind]Adapter)}
}

// Register installs an adapter under its kind. The last registration wins.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind Kind) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds lists the registered broker kinds.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	return out
}
