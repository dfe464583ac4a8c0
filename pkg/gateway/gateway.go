package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/gregtusar/coveredcall/pkg/models"
)

var (
	ErrNotConnected = errors.New("gateway not connected")
	ErrUnknownOrder = errors.New("unknown order")
	ErrUnknownQuote = errors.New("unknown quote subscription")
)

type QuoteHandler func(models.Quote)

type OrderHandler func(models.OrderEvent)

type ConnectionHandler func(models.ConnectionEvent)

// QuoteHandle identifies one market-data subscription.
type QuoteHandle string

// Gateway is the broker surface the trader needs. Order placement and cancellation
// are asynchronous: the call returns once the request is sent and the outcome is
// reported later through OnOrderEvent. Handlers are invoked one at a time in
// emission order.
type Gateway interface {
	SubscribeQuote(ctx context.Context, inst models.Instrument, h QuoteHandler) (QuoteHandle, error)
	CancelQuote(h QuoteHandle) error

	PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error

	OpenOrders(ctx context.Context) ([]models.OrderView, error)
	OpenTrades(ctx context.Context) ([]models.OrderView, error)
	Positions(ctx context.Context) ([]models.Holding, error)

	// The returned func removes the handler.
	OnOrderEvent(h OrderHandler) func()
	OnConnection(h ConnectionHandler) func()
	OnPositionChange(h func()) func()
}

// listeners is a small registry of callbacks keyed by registration order.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]T
}

func (l *listeners[T]) add(fn T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]T)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

// snapshot returns the handlers in registration order.
func (l *listeners[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.fns[id])
	}
	return out
}

// subscriptionKey identifies an instrument across kinds, unlike Instrument.Key
// which collapses all equities.
func subscriptionKey(inst models.Instrument) string {
	return string(inst.Kind) + ":" + inst.Symbol + ":" + inst.Key()
}
