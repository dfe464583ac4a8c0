package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/coveredcall/pkg/gateway"
	"github.com/gregtusar/coveredcall/pkg/metrics"
	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/gregtusar/coveredcall/pkg/pricing"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const DefaultAckTimeout = 30 * time.Second

// Conflicts finds pending broker orders that overlap an instrument.
type Conflicts interface {
	FindConflict(ctx context.Context, inst models.Instrument) (*models.OrderView, error)
}

// Recorder receives every lifecycle transition.
type Recorder interface {
	Record(ev models.TradeEvent) error
}

type Options struct {
	Symbol  string
	Side    models.Side
	Pricing pricing.Factory
	// AckTimeout cancels an order the broker has not acknowledged and repeats a
	// cancel the broker has not confirmed. Zero selects DefaultAckTimeout; a
	// negative value disables both.
	AckTimeout time.Duration
	Recorder   Recorder
	Now        func() time.Time
}

type TradeRequest struct {
	Symbol     string
	Instrument models.Instrument
	Side       models.Side
	Quantity   int64
	MinPrice   decimal.Decimal
	MaxPrice   decimal.Decimal
}

// Engine executes one trade at a time for a (symbol, side) pair. ExecuteTrade
// submits at the strategy's first price; every cancellation, whether driven by
// pacing ticks or by the broker, resubmits the remaining quantity at the next price
// until the order fills or the prices run out.
type Engine struct {
	gw        gateway.Gateway
	conflicts Conflicts
	opts      Options
	logger    *logrus.Logger

	lock atomic.Bool

	mu          sync.Mutex
	state       State
	trade       *models.Trade
	strategy    pricing.Strategy
	orders      map[string]struct{} // order ids owned by the in-flight trade
	remaining   int64
	quoteHandle gateway.QuoteHandle
	disabled    bool
	cancelAt    time.Time // last cancel request still awaiting its event
	seq         int

	lmu       sync.Mutex
	nextID    int
	listeners map[int]func(Outcome)

	unregister []func()
}

func New(gw gateway.Gateway, conflicts Conflicts, opts Options, logger *logrus.Logger) (*Engine, error) {
	if !opts.Side.Valid() {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidInput, opts.Side)
	}
	if opts.Symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrInvalidInput)
	}
	if opts.Pricing == nil {
		opts.Pricing = pricing.NewDeterministicLadder
	}
	if opts.AckTimeout == 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		gw:        gw,
		conflicts: conflicts,
		opts:      opts,
		logger:    logger,
		state:     StateIdle,
		orders:    make(map[string]struct{}),
		listeners: make(map[int]func(Outcome)),
	}
	e.unregister = append(e.unregister,
		gw.OnOrderEvent(e.onOrderEvent),
		gw.OnConnection(e.onConnection),
	)
	metrics.SetEngineBusy(opts.Symbol, string(opts.Side), false)
	return e, nil
}

// Close detaches the engine from the gateway.
func (e *Engine) Close() {
	for _, fn := range e.unregister {
		fn()
	}
	e.unregister = nil
}

func (e *Engine) Symbol() string { return e.opts.Symbol }

func (e *Engine) Side() models.Side { return e.opts.Side }

// Busy reports whether a trade is in flight.
func (e *Engine) Busy() bool { return e.lock.Load() }

// OnTerminate registers fn to run after every terminal transition. Listeners run
// outside the engine's lock, so they may call ExecuteTrade.
func (e *Engine) OnTerminate(fn func(Outcome)) func() {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.lmu.Lock()
		defer e.lmu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Symbol:   e.opts.Symbol,
		Side:     e.opts.Side,
		Busy:     e.lock.Load(),
		State:    e.state,
		Disabled: e.disabled,
	}
	if e.strategy != nil {
		s.Pricing = e.strategy.Name()
	}
	if e.trade != nil {
		t := *e.trade
		s.Trade = &t
	}
	return s
}

func (e *Engine) validate(req TradeRequest) error {
	switch {
	case req.Side != e.opts.Side:
		return fmt.Errorf("%w: side %q on %s engine", ErrInvalidInput, req.Side, e.opts.Side)
	case req.Symbol != e.opts.Symbol:
		return fmt.Errorf("%w: symbol %q on %s engine", ErrInvalidInput, req.Symbol, e.opts.Symbol)
	case req.Instrument.Symbol != req.Symbol:
		return fmt.Errorf("%w: instrument %s does not match symbol %s", ErrInvalidInput, req.Instrument, req.Symbol)
	case req.Quantity <= 0:
		return fmt.Errorf("%w: quantity %d", ErrInvalidInput, req.Quantity)
	case req.MaxPrice.LessThan(req.MinPrice):
		return fmt.Errorf("%w: max %s below min %s", ErrInvalidInput, req.MaxPrice, req.MinPrice)
	}
	if err := req.Instrument.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ExecuteTrade starts a trade and returns once the first order is sent. The
// outcome is reported later through OnTerminate.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (*models.Trade, error) {
	if err := e.validate(req); err != nil {
		e.reject("invalid")
		return nil, err
	}
	if !e.lock.CompareAndSwap(false, true) {
		e.reject("busy")
		return nil, ErrBusy
	}
	metrics.SetEngineBusy(e.opts.Symbol, string(e.opts.Side), true)

	trade, err := e.start(ctx, req)
	if err != nil {
		e.mu.Lock()
		e.resetLocked()
		e.mu.Unlock()
		e.release()
		return nil, err
	}
	return trade, nil
}

func (e *Engine) start(ctx context.Context, req TradeRequest) (*models.Trade, error) {
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()

	conflict, err := e.conflicts.FindConflict(ctx, req.Instrument)
	if err != nil {
		if errors.Is(err, ErrStaleStateView) {
			e.reject("stale")
			return nil, err
		}
		e.reject("gateway")
		return nil, fmt.Errorf("conflict check failed: %w", err)
	}
	if conflict != nil {
		e.reject("duplicate")
		e.logger.WithFields(logrus.Fields{
			"instrument": req.Instrument.String(),
			"pending":    conflict.Instrument.String(),
			"order_id":   conflict.OrderID,
		}).Info("Overlapping order pending, skipping trade")
		return nil, fmt.Errorf("%w: order %s on %s", ErrDuplicate, conflict.OrderID, conflict.Instrument)
	}

	strat, err := e.opts.Pricing(req.Side, req.MinPrice, req.MaxPrice)
	if err != nil {
		e.reject("invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	handle, err := e.gw.SubscribeQuote(ctx, models.Equity(req.Symbol), e.onTick)
	if err != nil {
		e.reject("gateway")
		return nil, fmt.Errorf("failed to subscribe to %s: %w", req.Symbol, err)
	}

	now := e.opts.Now()
	e.trade = &models.Trade{
		ID:         uuid.NewString(),
		Instrument: req.Instrument,
		Side:       req.Side,
		Quantity:   req.Quantity,
		StartedAt:  now,
	}
	e.strategy = strat
	e.quoteHandle = handle
	e.recordLocked("started", fmt.Sprintf("range [%s, %s] via %s", req.MinPrice, req.MaxPrice, strat.Name()))

	if err := e.placeLocked(ctx, req.Quantity, strat.Current()); err != nil {
		e.reject("gateway")
		e.recordLocked("terminated", "submit_failed")
		if cerr := e.gw.CancelQuote(handle); cerr != nil {
			e.logger.WithError(cerr).Debug("Failed to cancel pacing subscription")
		}
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}

	metrics.TradeStarted(e.opts.Symbol, string(e.opts.Side))
	e.logger.WithFields(e.fieldsLocked()).WithField("pricing", strat.Name()).Info("Trade started")

	t := *e.trade
	return &t, nil
}

func (e *Engine) placeLocked(ctx context.Context, qty int64, price decimal.Decimal) error {
	id, err := e.gw.PlaceOrder(ctx, models.OrderRequest{
		Instrument: e.trade.Instrument,
		Side:       e.trade.Side,
		Quantity:   qty,
		LimitPrice: price,
	})
	if err != nil {
		return err
	}
	e.orders[id] = struct{}{}
	e.remaining = qty
	e.trade.OrderID = id
	e.trade.LimitPrice = price
	e.trade.Attempts++
	e.trade.RepricedAt = e.opts.Now()
	e.state = StateAwaitingSubmit
	e.cancelAt = time.Time{}

	metrics.OrderSubmitted(e.opts.Symbol, string(e.opts.Side))
	e.recordLocked("order_placed", "")
	return nil
}

func (e *Engine) onOrderEvent(ev models.OrderEvent) {
	e.mu.Lock()
	if _, ok := e.orders[ev.OrderID]; !ok || !e.state.inFlight() {
		e.mu.Unlock()
		return
	}

	var out *Outcome
	switch ev.Kind {
	case models.OrderSubmitted:
		e.onSubmittedLocked(ev)
	case models.OrderCancelled:
		out = e.onCancelledLocked(ev)
	case models.OrderFilled:
		out = e.onFilledLocked(ev)
	}
	e.mu.Unlock()

	if out != nil {
		e.notify(*out)
	}
}

func (e *Engine) onSubmittedLocked(ev models.OrderEvent) {
	if ev.OrderID != e.trade.OrderID || e.state != StateAwaitingSubmit {
		return
	}
	price := ev.Price
	if price.IsZero() {
		price = e.trade.LimitPrice
	}
	e.strategy.RecordSubmission(price, e.opts.Now())
	e.trade.Status = models.TradeStatusSubmitted
	e.state = StateLive
	e.recordLocked("submitted", "")
}

func (e *Engine) onCancelledLocked(ev models.OrderEvent) *Outcome {
	if ev.OrderID != e.trade.OrderID {
		return nil
	}
	e.trade.Status = models.TradeStatusCancelled
	e.recordLocked("cancelled", fmt.Sprintf("remaining %d", ev.Remaining))

	switch {
	case e.disabled:
		return e.terminateLocked(OutcomeDisconnectReconciled)
	case ev.Remaining == 0:
		e.trade.Status = models.TradeStatusFilled
		return e.terminateLocked(OutcomeFilled)
	}
	if e.state == StateAwaitingSubmit {
		// Cancelled before its ack: the strategy never saw this price go out.
		e.strategy.RecordSubmission(e.trade.LimitPrice, e.trade.RepricedAt)
	}
	return e.escalateLocked(ev.Remaining)
}

func (e *Engine) escalateLocked(remaining int64) *Outcome {
	current := e.strategy.Current()
	next := e.strategy.Next()
	if next.Equal(current) {
		return e.terminateLocked(OutcomeLadderExhausted)
	}

	e.state = StateEscalating
	if err := e.placeLocked(context.Background(), remaining, next); err != nil {
		if errors.Is(err, gateway.ErrNotConnected) {
			// The reconnect cancel on the last order id reconciles this trade.
			e.disabled = true
			e.logger.WithFields(e.fieldsLocked()).Warn("Gateway down during resubmission, awaiting reconnect")
			return nil
		}
		e.logger.WithError(err).WithFields(e.fieldsLocked()).Error("Resubmission rejected")
		return e.terminateLocked(OutcomeAborted)
	}
	e.logger.WithFields(e.fieldsLocked()).WithField("from", current.String()).Info("Order repriced")
	return nil
}

func (e *Engine) onFilledLocked(ev models.OrderEvent) *Outcome {
	e.trade.Filled += ev.Filled
	if ev.Remaining > 0 {
		if ev.OrderID == e.trade.OrderID {
			e.remaining = ev.Remaining
		}
		e.recordLocked("partial_fill", fmt.Sprintf("filled %d remaining %d", ev.Filled, ev.Remaining))
		return nil
	}
	if ev.OrderID != e.trade.OrderID {
		e.logger.WithFields(e.fieldsLocked()).WithField("filled_order", ev.OrderID).Warn("Earlier order filled, cancelling current order")
		if err := e.gw.CancelOrder(context.Background(), e.trade.OrderID); err != nil {
			e.logger.WithError(err).Warn("Failed to cancel current order after fill")
		}
	}
	e.trade.Status = models.TradeStatusFilled
	if !ev.Price.IsZero() {
		e.trade.LimitPrice = ev.Price
	}
	return e.terminateLocked(OutcomeFilled)
}

// onTick drives pacing from the underlying's quote stream.
func (e *Engine) onTick(models.Quote) {
	e.mu.Lock()
	if e.trade == nil {
		e.mu.Unlock()
		return
	}

	var out *Outcome
	now := e.opts.Now()
	switch {
	case e.state == StateEscalating:
		if e.opts.AckTimeout > 0 && !e.cancelAt.IsZero() && now.Sub(e.cancelAt) >= e.opts.AckTimeout {
			out = e.recancelLocked(now)
		}
	case e.disabled:
	case e.state == StateLive:
		if e.strategy.ShouldReprice(now) {
			out = e.cancelLocked("reprice")
		}
	case e.state == StateAwaitingSubmit:
		if e.opts.AckTimeout > 0 && now.Sub(e.trade.RepricedAt) >= e.opts.AckTimeout {
			e.logger.WithFields(e.fieldsLocked()).Warn("Order not acknowledged, cancelling")
			// Advance the strategy past the unacknowledged price.
			e.strategy.RecordSubmission(e.trade.LimitPrice, e.trade.RepricedAt)
			out = e.cancelLocked("ack_timeout")
		}
	}
	e.mu.Unlock()

	if out != nil {
		e.notify(*out)
	}
}

func (e *Engine) cancelLocked(cause string) *Outcome {
	err := e.gw.CancelOrder(context.Background(), e.trade.OrderID)
	switch {
	case err == nil:
		e.state = StateEscalating
		e.cancelAt = e.opts.Now()
		metrics.OrderCancelled(e.opts.Symbol, string(e.opts.Side), cause)
		e.recordLocked("cancel_requested", cause)
		return nil
	case errors.Is(err, gateway.ErrUnknownOrder) && cause == "ack_timeout":
		// The broker never saw the order.
		return e.escalateLocked(e.remaining)
	case errors.Is(err, gateway.ErrUnknownOrder):
		// Already done at the broker; its terminal event is on the way.
		e.state = StateEscalating
		e.cancelAt = e.opts.Now()
		return nil
	default:
		e.logger.WithError(err).WithFields(e.fieldsLocked()).Warn("Cancel failed, retrying on next tick")
		return nil
	}
}

// recancelLocked repeats a cancel whose terminal event never arrived. A broker
// that no longer knows the order ends the trade instead of leaving it escalating.
func (e *Engine) recancelLocked(now time.Time) *Outcome {
	e.cancelAt = now
	err := e.gw.CancelOrder(context.Background(), e.trade.OrderID)
	switch {
	case err == nil:
		e.logger.WithFields(e.fieldsLocked()).Warn("Cancel not confirmed, requested again")
		e.recordLocked("cancel_requested", "unconfirmed")
		return nil
	case errors.Is(err, gateway.ErrUnknownOrder) && e.disabled:
		return e.terminateLocked(OutcomeDisconnectReconciled)
	case errors.Is(err, gateway.ErrUnknownOrder):
		e.logger.WithFields(e.fieldsLocked()).Error("Broker dropped the order without a terminal event")
		return e.terminateLocked(OutcomeAborted)
	default:
		e.logger.WithError(err).WithFields(e.fieldsLocked()).Warn("Repeat cancel failed")
		return nil
	}
}

func (e *Engine) onConnection(ev models.ConnectionEvent) {
	e.mu.Lock()
	if !e.state.inFlight() {
		e.mu.Unlock()
		return
	}

	var out *Outcome
	switch ev {
	case models.Disconnected:
		e.disabled = true
		e.recordLocked("disconnected", "")
		e.logger.WithFields(e.fieldsLocked()).Warn("Gateway disconnected with trade in flight")
	case models.Connected:
		e.disabled = true
		e.recordLocked("reconnected", "")
		err := e.gw.CancelOrder(context.Background(), e.trade.OrderID)
		switch {
		case err == nil:
			e.state = StateEscalating
			e.cancelAt = e.opts.Now()
			metrics.OrderCancelled(e.opts.Symbol, string(e.opts.Side), "reconnect")
		case errors.Is(err, gateway.ErrUnknownOrder):
			out = e.terminateLocked(OutcomeDisconnectReconciled)
		default:
			// Retried from the pacing ticks.
			e.state = StateEscalating
			e.cancelAt = e.opts.Now()
			e.logger.WithError(err).WithFields(e.fieldsLocked()).Error("Failed to cancel in-flight order after reconnect")
		}
	}
	e.mu.Unlock()

	if out != nil {
		e.notify(*out)
	}
}

// terminateLocked ends the trade and releases the engine lock. It runs at most once
// per trade because every caller requires an in-flight state.
func (e *Engine) terminateLocked(kind OutcomeKind) *Outcome {
	e.state = StateTerminal
	if e.quoteHandle != "" {
		if err := e.gw.CancelQuote(e.quoteHandle); err != nil {
			e.logger.WithError(err).Debug("Failed to cancel pacing subscription")
		}
	}
	out := &Outcome{Kind: kind, Trade: *e.trade}

	e.recordLocked("terminated", string(kind))
	metrics.TradeOutcome(e.opts.Symbol, string(e.opts.Side), string(kind))
	e.logger.WithFields(e.fieldsLocked()).WithField("outcome", kind).Info("Trade finished")

	e.resetLocked()
	e.release()
	return out
}

func (e *Engine) resetLocked() {
	e.state = StateIdle
	e.trade = nil
	e.strategy = nil
	e.orders = make(map[string]struct{})
	e.remaining = 0
	e.quoteHandle = ""
	e.disabled = false
	e.cancelAt = time.Time{}
	e.seq = 0
}

func (e *Engine) release() {
	e.lock.Store(false)
	metrics.SetEngineBusy(e.opts.Symbol, string(e.opts.Side), false)
}

func (e *Engine) notify(out Outcome) {
	e.lmu.Lock()
	fns := make([]func(Outcome), 0, len(e.listeners))
	for id := 0; id < e.nextID; id++ {
		if fn, ok := e.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	e.lmu.Unlock()

	for _, fn := range fns {
		fn(out)
	}
}

func (e *Engine) reject(reason string) {
	metrics.TradeRejected(e.opts.Symbol, string(e.opts.Side), reason)
}

func (e *Engine) recordLocked(kind, detail string) {
	if e.opts.Recorder == nil || e.trade == nil {
		return
	}
	e.seq++
	ev := models.TradeEvent{
		TradeID:    e.trade.ID,
		Seq:        e.seq,
		Type:       kind,
		Instrument: e.trade.Instrument,
		Side:       e.trade.Side,
		OrderID:    e.trade.OrderID,
		Price:      e.trade.LimitPrice,
		Quantity:   e.remaining,
		Detail:     detail,
		Time:       e.opts.Now(),
	}
	if err := e.opts.Recorder.Record(ev); err != nil {
		e.logger.WithError(err).WithField("trade_id", e.trade.ID).Warn("Failed to journal trade event")
	}
}

func (e *Engine) fieldsLocked() logrus.Fields {
	f := logrus.Fields{"symbol": e.opts.Symbol, "side": e.opts.Side}
	if e.trade != nil {
		f["trade_id"] = e.trade.ID
		f["instrument"] = e.trade.Instrument.String()
		f["order_id"] = e.trade.OrderID
		f["price"] = e.trade.LimitPrice.String()
		f["attempt"] = e.trade.Attempts
	}
	return f
}
