package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/sirupsen/logrus"
)

type paperOrder struct {
	view     models.OrderView
	placedAt time.Time
}

type quoteSub struct {
	inst    models.Instrument
	handler QuoteHandler
}

// Paper is an in-memory broker. Broker effects are queued and delivered in order by
// Drain (tests) or Run (paper trading), so every handler runs to completion before
// the next event is dispatched.
type Paper struct {
	mu        sync.Mutex
	drainMu   sync.Mutex
	connected bool
	queue     []func()
	notify    chan struct{}

	quotes    map[QuoteHandle]quoteSub
	lastQuote map[string]models.Quote
	orders    map[string]*paperOrder
	order     []string // open order ids in placement order
	ghosts    []models.OrderView
	positions []models.Holding
	tradesLag int
	dropAcks  bool
	autoFill  bool
	permSeq   int64
	now       func() time.Time

	orderListeners    listeners[OrderHandler]
	connListeners     listeners[ConnectionHandler]
	positionListeners listeners[func()]

	logger *logrus.Logger
}

type PaperOption func(*Paper)

// WithAutoFill fills resting orders whose limit crosses the latest quote.
func WithAutoFill() PaperOption { return func(p *Paper) { p.autoFill = true } }

func WithClock(now func() time.Time) PaperOption { return func(p *Paper) { p.now = now } }

func NewPaper(logger *logrus.Logger, opts ...PaperOption) *Paper {
	p := &Paper{
		connected: true,
		notify:    make(chan struct{}, 1),
		quotes:    make(map[QuoteHandle]quoteSub),
		lastQuote: make(map[string]models.Quote),
		orders:    make(map[string]*paperOrder),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// enqueue must be called with p.mu held.
func (p *Paper) enqueue(fn func()) {
	p.queue = append(p.queue, fn)
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Drain delivers queued events, including any queued by handlers, until the queue
// is empty. It returns the number of deliveries.
func (p *Paper) Drain() int {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	n := 0
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return n
		}
		fn := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		fn()
		n++
	}
}

// Run drains the queue whenever new events arrive until ctx is done.
func (p *Paper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
			p.Drain()
		}
	}
}

func (p *Paper) SubscribeQuote(ctx context.Context, inst models.Instrument, h QuoteHandler) (QuoteHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return "", ErrNotConnected
	}
	handle := QuoteHandle(uuid.NewString())
	p.quotes[handle] = quoteSub{inst: inst, handler: h}
	return handle, nil
}

func (p *Paper) CancelQuote(h QuoteHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.quotes[h]; !ok {
		return ErrUnknownQuote
	}
	delete(p.quotes, h)
	return nil
}

// Subscriptions lists the instruments with live quote subscriptions.
func (p *Paper) Subscriptions() []models.Instrument {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Instrument, 0, len(p.quotes))
	for _, s := range p.quotes {
		out = append(out, s.inst)
	}
	return out
}

func (p *Paper) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("paper order rejected: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return "", ErrNotConnected
	}

	p.permSeq++
	id := uuid.NewString()
	o := &paperOrder{
		view: models.OrderView{
			OrderID:    id,
			PermID:     p.permSeq,
			Instrument: req.Instrument,
			Side:       req.Side,
			Remaining:  req.Quantity,
			LimitPrice: req.LimitPrice,
			Status:     "Submitted",
		},
		placedAt: p.now(),
	}
	p.orders[id] = o
	p.order = append(p.order, id)

	if !p.dropAcks {
		ev := models.OrderEvent{OrderID: id, Kind: models.OrderSubmitted, Price: req.LimitPrice, Remaining: req.Quantity, Time: p.now()}
		p.enqueue(func() { p.emitOrder(ev) })
	}

	if p.autoFill {
		if q, ok := p.lastQuote[subscriptionKey(req.Instrument)]; ok && crosses(o.view, q) {
			p.fillLocked(id)
		}
	}
	return id, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	o, ok := p.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	p.removeLocked(orderID)
	ev := models.OrderEvent{OrderID: orderID, Kind: models.OrderCancelled, Price: o.view.LimitPrice, Remaining: o.view.Remaining, Time: p.now()}
	p.enqueue(func() { p.emitOrder(ev) })
	return nil
}

// Fill fully fills an open order and books the position change.
func (p *Paper) Fill(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return ErrUnknownOrder
	}
	p.fillLocked(orderID)
	return nil
}

func (p *Paper) fillLocked(orderID string) {
	o := p.orders[orderID]
	p.removeLocked(orderID)

	qty := o.view.Remaining
	signed := qty
	if o.view.Side == models.SideSell {
		signed = -qty
	}
	p.applyLocked(o.view.Instrument, signed)

	ev := models.OrderEvent{OrderID: orderID, Kind: models.OrderFilled, Price: o.view.LimitPrice, Filled: qty, Time: p.now()}
	p.enqueue(func() { p.emitOrder(ev) })
	p.enqueue(p.emitPositionChange)
}

// CancelOutOfBand cancels an order the way a manual cancel in another client would:
// the open orders view drops it immediately while the trades view keeps a stale entry.
func (p *Paper) CancelOutOfBand(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	p.removeLocked(orderID)
	p.ghosts = append(p.ghosts, o.view)
	ev := models.OrderEvent{OrderID: orderID, Kind: models.OrderCancelled, Price: o.view.LimitPrice, Remaining: o.view.Remaining, Time: p.now()}
	p.enqueue(func() { p.emitOrder(ev) })
	return nil
}

// SetTradesLag hides the n most recent open orders from OpenTrades.
func (p *Paper) SetTradesLag(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tradesLag = n
}

// Redeliver queues ev again, the way a broker may repeat a status update.
func (p *Paper) Redeliver(ev models.OrderEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueue(func() { p.emitOrder(ev) })
}

// DropAcks suppresses submitted events for orders placed while set.
func (p *Paper) DropAcks(drop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropAcks = drop
}

// ClearGhosts lets the trades view catch up with out-of-band cancels.
func (p *Paper) ClearGhosts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ghosts = nil
}

func (p *Paper) removeLocked(orderID string) {
	delete(p.orders, orderID)
	for i, id := range p.order {
		if id == orderID {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *Paper) applyLocked(inst models.Instrument, signed int64) {
	key := subscriptionKey(inst)
	for i := range p.positions {
		if subscriptionKey(p.positions[i].Instrument) == key {
			p.positions[i].Quantity += signed
			if p.positions[i].Quantity == 0 {
				p.positions = append(p.positions[:i:i], p.positions[i+1:]...)
			}
			return
		}
	}
	p.positions = append(p.positions, models.Holding{Instrument: inst, Quantity: signed})
}

func (p *Paper) OpenOrders(ctx context.Context) ([]models.OrderView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]models.OrderView, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.orders[id].view)
	}
	return out, nil
}

func (p *Paper) OpenTrades(ctx context.Context) ([]models.OrderView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	visible := len(p.order) - p.tradesLag
	if visible < 0 {
		visible = 0
	}
	out := make([]models.OrderView, 0, visible+len(p.ghosts))
	for _, id := range p.order[:visible] {
		out = append(out, p.orders[id].view)
	}
	out = append(out, p.ghosts...)
	return out, nil
}

func (p *Paper) Positions(ctx context.Context) ([]models.Holding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]models.Holding, len(p.positions))
	copy(out, p.positions)
	return out, nil
}

// SetPositions replaces the account holdings and notifies position listeners.
func (p *Paper) SetPositions(holdings []models.Holding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = append([]models.Holding(nil), holdings...)
	p.enqueue(p.emitPositionChange)
}

// PublishQuote records q as the latest quote and delivers it to subscribers.
func (p *Paper) PublishQuote(q models.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := subscriptionKey(q.Instrument)
	p.lastQuote[key] = q

	for handle, sub := range p.quotes {
		if subscriptionKey(sub.inst) != key {
			continue
		}
		handle, h := handle, sub.handler
		p.enqueue(func() {
			p.mu.Lock()
			_, live := p.quotes[handle]
			p.mu.Unlock()
			if live {
				h(q)
			}
		})
	}

	if p.autoFill {
		for _, id := range append([]string(nil), p.order...) {
			o := p.orders[id]
			if subscriptionKey(o.view.Instrument) == key && crosses(o.view, q) {
				p.fillLocked(id)
			}
		}
	}
}

func (p *Paper) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return
	}
	p.connected = false
	p.enqueue(func() { p.emitConnection(models.Disconnected) })
}

func (p *Paper) Reconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return
	}
	p.connected = true
	p.enqueue(func() { p.emitConnection(models.Connected) })
}

func (p *Paper) OnOrderEvent(h OrderHandler) func() { return p.orderListeners.add(h) }

func (p *Paper) OnConnection(h ConnectionHandler) func() { return p.connListeners.add(h) }

func (p *Paper) OnPositionChange(h func()) func() { return p.positionListeners.add(h) }

func (p *Paper) emitOrder(ev models.OrderEvent) {
	if p.logger != nil {
		p.logger.WithFields(logrus.Fields{
			"order_id": ev.OrderID,
			"kind":     ev.Kind,
			"price":    ev.Price.String(),
		}).Debug("Paper order event")
	}
	for _, h := range p.orderListeners.snapshot() {
		h(ev)
	}
}

func (p *Paper) emitConnection(ev models.ConnectionEvent) {
	for _, h := range p.connListeners.snapshot() {
		h(ev)
	}
}

func (p *Paper) emitPositionChange() {
	for _, h := range p.positionListeners.snapshot() {
		h()
	}
}

func crosses(o models.OrderView, q models.Quote) bool {
	if o.Side == models.SideSell {
		return q.Bid.IsPositive() && o.LimitPrice.LessThanOrEqual(q.Bid)
	}
	return q.Ask.IsPositive() && o.LimitPrice.GreaterThanOrEqual(q.Ask)
}
