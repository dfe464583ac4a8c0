package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Bridge talks JSON over a websocket to a broker bridge process that owns the
// actual brokerage session.
type Bridge struct {
	url            string
	conn           *websocket.Conn
	mu             sync.Mutex
	writeMu        sync.Mutex
	connected      bool
	closed         bool
	subscriptions  map[QuoteHandle]quoteSub
	pending        map[string]chan bridgeMessage
	events         chan func()
	limiter        *rate.Limiter
	requestTimeout time.Duration
	reconnectDelay time.Duration
	maxReconnects  int
	logger         *logrus.Logger

	orderListeners    listeners[OrderHandler]
	connListeners     listeners[ConnectionHandler]
	positionListeners listeners[func()]
}

type BridgeConfig struct {
	URL             string
	ReconnectDelay  time.Duration
	MaxReconnects   int
	RequestTimeout  time.Duration
	MessagesPerSec  float64
	MessageBurst    int
	EventBufferSize int
}

type bridgeMessage struct {
	Type       string               `json:"type"`
	ReqID      string               `json:"req_id,omitempty"`
	Handle     QuoteHandle          `json:"handle,omitempty"`
	OrderID    string               `json:"order_id,omitempty"`
	Instrument *models.Instrument   `json:"instrument,omitempty"`
	Order      *models.OrderRequest `json:"order,omitempty"`
	Quote      *models.Quote        `json:"quote,omitempty"`
	Event      *models.OrderEvent   `json:"event,omitempty"`
	Error      string               `json:"error,omitempty"`
	Data       json.RawMessage      `json:"data,omitempty"`
}

const (
	msgSubscribe       = "subscribe"
	msgUnsubscribe     = "unsubscribe"
	msgPlaceOrder      = "place_order"
	msgCancelOrder     = "cancel_order"
	msgOpenOrders      = "open_orders"
	msgOpenTrades      = "open_trades"
	msgPositions       = "positions"
	msgResponse        = "response"
	msgQuote           = "quote"
	msgOrder           = "order"
	msgPositionChanged = "position_changed"
)

// errUnknownOrder is the response error the bridge reports for an order id it
// does not hold.
const errUnknownOrder = "unknown_order"

func NewBridge(cfg BridgeConfig, logger *logrus.Logger) *Bridge {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MessagesPerSec <= 0 {
		cfg.MessagesPerSec = 45
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 10
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 1024
	}
	return &Bridge{
		url:            cfg.URL,
		subscriptions:  make(map[QuoteHandle]quoteSub),
		pending:        make(map[string]chan bridgeMessage),
		events:         make(chan func(), cfg.EventBufferSize),
		limiter:        rate.NewLimiter(rate.Limit(cfg.MessagesPerSec), cfg.MessageBurst),
		requestTimeout: cfg.RequestTimeout,
		reconnectDelay: cfg.ReconnectDelay,
		maxReconnects:  cfg.MaxReconnects,
		logger:         logger,
	}
}

// Connect dials the bridge and starts the reader and dispatcher goroutines.
func (b *Bridge) Connect(ctx context.Context) error {
	if err := b.dial(ctx); err != nil {
		return err
	}
	go b.dispatch(ctx)
	return nil
}

func (b *Bridge) dial(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to bridge: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()

	go b.readLoop(ctx, conn)
	b.events <- func() { b.emitConnection(models.Connected) }
	return nil
}

// Close stops reconnect attempts and closes the connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.connected = false
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg bridgeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				b.logger.WithError(err).Error("Failed to read bridge message")
			}
			b.handleDisconnect(ctx, conn)
			return
		}

		switch msg.Type {
		case msgResponse:
			b.mu.Lock()
			ch, ok := b.pending[msg.ReqID]
			delete(b.pending, msg.ReqID)
			b.mu.Unlock()
			if ok {
				ch <- msg
			}
		case msgQuote:
			if msg.Quote == nil {
				continue
			}
			b.mu.Lock()
			sub, ok := b.subscriptions[msg.Handle]
			b.mu.Unlock()
			if ok {
				q := *msg.Quote
				b.events <- func() { sub.handler(q) }
			}
		case msgOrder:
			if msg.Event != nil {
				ev := *msg.Event
				b.events <- func() { b.emitOrder(ev) }
			}
		case msgPositionChanged:
			b.events <- b.emitPositionChange
		default:
			b.logger.WithField("type", msg.Type).Warn("Unknown bridge message")
		}
	}
}

// dispatch runs handlers one at a time so each event is fully processed before
// the next; handlers may block on bridge queries since responses bypass it.
func (b *Bridge) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-b.events:
			fn()
		}
	}
}

func (b *Bridge) handleDisconnect(ctx context.Context, conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.connected = false
	conn.Close()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	closed := b.closed
	b.mu.Unlock()

	b.events <- func() { b.emitConnection(models.Disconnected) }
	if !closed {
		go b.reconnect(ctx)
	}
}

func (b *Bridge) reconnect(ctx context.Context) {
	for attempt := 1; b.maxReconnects <= 0 || attempt <= b.maxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.reconnectDelay):
		}

		if err := b.dial(ctx); err != nil {
			b.logger.WithError(err).WithField("attempt", attempt).Warn("Bridge reconnect failed")
			continue
		}
		b.resubscribe(ctx)
		b.logger.WithField("attempt", attempt).Info("Bridge reconnected")
		return
	}
	b.logger.WithField("max_reconnects", b.maxReconnects).Error("Giving up on bridge reconnect")
}

func (b *Bridge) resubscribe(ctx context.Context) {
	b.mu.Lock()
	subs := make(map[QuoteHandle]models.Instrument, len(b.subscriptions))
	for h, s := range b.subscriptions {
		subs[h] = s.inst
	}
	b.mu.Unlock()

	for h, inst := range subs {
		inst := inst
		if err := b.send(ctx, bridgeMessage{Type: msgSubscribe, Handle: h, Instrument: &inst}); err != nil {
			b.logger.WithError(err).WithField("instrument", inst.String()).Warn("Failed to restore subscription")
		}
	}
}

func (b *Bridge) send(ctx context.Context, msg bridgeMessage) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	conn, connected := b.conn, b.connected
	b.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// request sends msg under a fresh request id and waits for the matching response.
// A nil out ignores the response payload.
func (b *Bridge) request(ctx context.Context, msg bridgeMessage, out interface{}) error {
	msg.ReqID = uuid.NewString()
	ch := make(chan bridgeMessage, 1)

	b.mu.Lock()
	b.pending[msg.ReqID] = ch
	b.mu.Unlock()

	if err := b.send(ctx, msg); err != nil {
		b.forget(msg.ReqID)
		return err
	}

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		b.forget(msg.ReqID)
		return ctx.Err()
	case <-timer.C:
		b.forget(msg.ReqID)
		return fmt.Errorf("bridge %s request timed out", msg.Type)
	case resp, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if resp.Error == errUnknownOrder {
			return fmt.Errorf("bridge %s %s: %w", msg.Type, msg.OrderID, ErrUnknownOrder)
		}
		if resp.Error != "" {
			return fmt.Errorf("bridge %s: %s", msg.Type, resp.Error)
		}
		if out == nil || len(resp.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", msg.Type, err)
		}
		return nil
	}
}

func (b *Bridge) forget(reqID string) {
	b.mu.Lock()
	delete(b.pending, reqID)
	b.mu.Unlock()
}

func (b *Bridge) SubscribeQuote(ctx context.Context, inst models.Instrument, h QuoteHandler) (QuoteHandle, error) {
	handle := QuoteHandle(uuid.NewString())
	b.mu.Lock()
	b.subscriptions[handle] = quoteSub{inst: inst, handler: h}
	b.mu.Unlock()

	if err := b.send(ctx, bridgeMessage{Type: msgSubscribe, Handle: handle, Instrument: &inst}); err != nil {
		b.mu.Lock()
		delete(b.subscriptions, handle)
		b.mu.Unlock()
		return "", err
	}
	return handle, nil
}

func (b *Bridge) CancelQuote(h QuoteHandle) error {
	b.mu.Lock()
	_, ok := b.subscriptions[h]
	delete(b.subscriptions, h)
	b.mu.Unlock()
	if !ok {
		return ErrUnknownQuote
	}
	err := b.send(context.Background(), bridgeMessage{Type: msgUnsubscribe, Handle: h})
	if err == ErrNotConnected {
		return nil
	}
	return err
}

// PlaceOrder assigns the order id locally so the call does not wait on the bridge.
func (b *Bridge) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("order rejected: %w", err)
	}
	id := uuid.NewString()
	if err := b.send(ctx, bridgeMessage{Type: msgPlaceOrder, OrderID: id, Order: &req}); err != nil {
		return "", err
	}
	return id, nil
}

// CancelOrder waits for the bridge to accept the cancel. The cancelled event itself
// still arrives through OnOrderEvent.
func (b *Bridge) CancelOrder(ctx context.Context, orderID string) error {
	return b.request(ctx, bridgeMessage{Type: msgCancelOrder, OrderID: orderID}, nil)
}

func (b *Bridge) OpenOrders(ctx context.Context) ([]models.OrderView, error) {
	var out []models.OrderView
	err := b.request(ctx, bridgeMessage{Type: msgOpenOrders}, &out)
	return out, err
}

func (b *Bridge) OpenTrades(ctx context.Context) ([]models.OrderView, error) {
	var out []models.OrderView
	err := b.request(ctx, bridgeMessage{Type: msgOpenTrades}, &out)
	return out, err
}

func (b *Bridge) Positions(ctx context.Context) ([]models.Holding, error) {
	var out []models.Holding
	err := b.request(ctx, bridgeMessage{Type: msgPositions}, &out)
	return out, err
}

func (b *Bridge) OnOrderEvent(h OrderHandler) func() { return b.orderListeners.add(h) }

func (b *Bridge) OnConnection(h ConnectionHandler) func() { return b.connListeners.add(h) }

func (b *Bridge) OnPositionChange(h func()) func() { return b.positionListeners.add(h) }

func (b *Bridge) emitOrder(ev models.OrderEvent) {
	for _, h := range b.orderListeners.snapshot() {
		h(ev)
	}
}

func (b *Bridge) emitConnection(ev models.ConnectionEvent) {
	b.logger.WithField("event", ev).Info("Bridge connection event")
	for _, h := range b.connListeners.snapshot() {
		h(ev)
	}
}

func (b *Bridge) emitPositionChange() {
	for _, h := range b.positionListeners.snapshot() {
		h()
	}
}
