package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/coveredcall/pkg/gateway"
	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/gregtusar/coveredcall/pkg/pricing"
	"github.com/gregtusar/coveredcall/pkg/reconcile"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memRecorder struct {
	events []models.TradeEvent
}

func (m *memRecorder) Record(ev models.TradeEvent) error {
	m.events = append(m.events, ev)
	return nil
}

type harness struct {
	paper    *gateway.Paper
	engine   *Engine
	clock    *fakeClock
	rec      *memRecorder
	outcomes []Outcome
}

var start = time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testCall(strike int64, days int) models.Instrument {
	return models.Option("AFRM", decimal.NewFromInt(strike), start.AddDate(0, 0, days), models.RightCall)
}

func newHarness(t *testing.T, side models.Side, opts ...func(*Options)) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clock := &fakeClock{t: start}
	p := gateway.NewPaper(logger, gateway.WithClock(clock.Now))
	cfg := reconcile.DefaultConfig()
	cfg.SettlePause = 0

	h := &harness{paper: p, clock: clock, rec: &memRecorder{}}
	o := Options{Symbol: "AFRM", Side: side, Recorder: h.rec, Now: clock.Now}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := New(p, reconcile.New(p, cfg, logger), o, logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	e.OnTerminate(func(out Outcome) { h.outcomes = append(h.outcomes, out) })
	h.engine = e
	return h
}

func sellRequest(inst models.Instrument, min, max string) TradeRequest {
	return TradeRequest{
		Symbol:     "AFRM",
		Instrument: inst,
		Side:       models.SideSell,
		Quantity:   2,
		MinPrice:   d(min),
		MaxPrice:   d(max),
	}
}

// tick advances the clock and publishes an underlying quote, then drains.
func (h *harness) tick(dt time.Duration) {
	h.clock.Advance(dt)
	h.paper.PublishQuote(models.Quote{Instrument: models.Equity("AFRM"), Bid: d("70.00"), Ask: d("70.05")})
	h.paper.Drain()
}

func (h *harness) openOrders(t *testing.T) []models.OrderView {
	t.Helper()
	orders, err := h.paper.OpenOrders(context.Background())
	if err != nil {
		t.Fatalf("Failed to list open orders: %v", err)
	}
	return orders
}

func TestFirstSubmissionAtTopOfSellLadder(t *testing.T) {
	h := newHarness(t, models.SideSell)

	trade, err := h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30"))
	if err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	if !trade.LimitPrice.Equal(d("1.25")) {
		t.Errorf("Expected first submission at 1.25, got %s", trade.LimitPrice)
	}
	if !h.engine.Busy() {
		t.Errorf("Expected engine to hold its lock")
	}

	h.paper.Drain()
	snap := h.engine.Snapshot()
	if snap.State != StateLive || snap.Pricing != "ladder" {
		t.Errorf("Expected live ladder trade, got %+v", snap)
	}
	orders := h.openOrders(t)
	if len(orders) != 1 || orders[0].Remaining != 2 || !orders[0].LimitPrice.Equal(d("1.25")) {
		t.Fatalf("Expected one order for 2 at 1.25, got %+v", orders)
	}
}

func TestSecondExecuteIsBusy(t *testing.T) {
	h := newHarness(t, models.SideSell)
	ctx := context.Background()

	first, err := h.engine.ExecuteTrade(ctx, sellRequest(testCall(80, 20), "1.00", "1.30"))
	if err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	if _, err := h.engine.ExecuteTrade(ctx, sellRequest(testCall(120, 60), "2.00", "2.50")); !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected ErrBusy, got %v", err)
	}

	snap := h.engine.Snapshot()
	if snap.Trade == nil || snap.Trade.ID != first.ID || snap.Trade.OrderID != first.OrderID {
		t.Errorf("Expected first trade untouched, got %+v", snap.Trade)
	}
	if n := len(h.openOrders(t)); n != 1 {
		t.Errorf("Expected a single open order, got %d", n)
	}
}

func TestFillThenStrayCancel(t *testing.T) {
	h := newHarness(t, models.SideSell)
	ctx := context.Background()

	trade, err := h.engine.ExecuteTrade(ctx, sellRequest(testCall(80, 20), "1.00", "1.30"))
	if err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	h.paper.Drain()
	if err := h.paper.Fill(trade.OrderID); err != nil {
		t.Fatalf("Failed to fill: %v", err)
	}
	h.paper.Drain()

	if len(h.outcomes) != 1 || h.outcomes[0].Kind != OutcomeFilled {
		t.Fatalf("Expected one filled outcome, got %+v", h.outcomes)
	}
	if h.engine.Busy() {
		t.Fatalf("Expected lock released after fill")
	}

	// A new trade takes the lock; a late cancel for the filled order must not touch it.
	next, err := h.engine.ExecuteTrade(ctx, sellRequest(testCall(85, 20), "1.00", "1.30"))
	if err != nil {
		t.Fatalf("Failed to execute second trade: %v", err)
	}
	h.paper.Redeliver(models.OrderEvent{OrderID: trade.OrderID, Kind: models.OrderCancelled, Remaining: 2})
	h.paper.Redeliver(models.OrderEvent{OrderID: trade.OrderID, Kind: models.OrderFilled, Filled: 2})
	h.paper.Drain()

	if len(h.outcomes) != 1 {
		t.Errorf("Expected stray events to be ignored, got %+v", h.outcomes)
	}
	if !h.engine.Busy() {
		t.Errorf("Expected second trade to keep the lock")
	}
	orders := h.openOrders(t)
	if len(orders) != 1 || orders[0].OrderID != next.OrderID {
		t.Errorf("Expected only the second trade's order, got %+v", orders)
	}
}

func TestEscalatesThroughLadderToExhaustion(t *testing.T) {
	h := newHarness(t, models.SideSell)

	var submitted []string
	h.paper.OnOrderEvent(func(ev models.OrderEvent) {
		if ev.Kind == models.OrderSubmitted {
			submitted = append(submitted, ev.Price.StringFixed(2))
		}
	})

	if _, err := h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30")); err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	h.paper.Drain()

	// Ladder of 5: 24s unit, first position rests 8s.
	h.tick(7 * time.Second)
	if got := h.engine.Snapshot().Trade.Attempts; got != 1 {
		t.Fatalf("Expected no reprice before 8s, got %d attempts", got)
	}
	h.tick(time.Second)
	if got := h.engine.Snapshot().Trade.LimitPrice; !got.Equal(d("1.20")) {
		t.Fatalf("Expected reprice to 1.20, got %s", got)
	}

	for i := 0; i < 3; i++ {
		h.tick(time.Minute)
	}
	if !h.engine.Busy() {
		t.Fatalf("Expected trade still working at the last rung")
	}
	h.tick(time.Minute)

	want := []string{"1.25", "1.20", "1.15", "1.10", "1.05"}
	if len(submitted) != len(want) {
		t.Fatalf("Expected submissions %v, got %v", want, submitted)
	}
	for i := range want {
		if submitted[i] != want[i] {
			t.Errorf("Submission %d: expected %s, got %s", i, want[i], submitted[i])
		}
	}
	if len(h.outcomes) != 1 || h.outcomes[0].Kind != OutcomeLadderExhausted {
		t.Fatalf("Expected ladder exhausted, got %+v", h.outcomes)
	}
	if h.outcomes[0].Trade.Attempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", h.outcomes[0].Trade.Attempts)
	}
	if h.engine.Busy() || len(h.openOrders(t)) != 0 {
		t.Errorf("Expected idle engine with no resting orders")
	}
	if subs := h.paper.Subscriptions(); len(subs) != 0 {
		t.Errorf("Expected pacing subscription dropped, got %v", subs)
	}
}

func TestCancelWithNothingRemainingTerminates(t *testing.T) {
	h := newHarness(t, models.SideSell)
	trade, _ := h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30"))
	h.paper.Drain()

	h.paper.Redeliver(models.OrderEvent{OrderID: trade.OrderID, Kind: models.OrderCancelled, Remaining: 0})
	h.paper.Drain()

	if len(h.outcomes) != 1 || h.outcomes[0].Kind != OutcomeFilled {
		t.Fatalf("Expected a zero-remaining cancel to end the trade, got %+v", h.outcomes)
	}
}

func TestDuplicateWithinTolerance(t *testing.T) {
	h := newHarness(t, models.SideSell)
	ctx := context.Background()

	// Pending order on a different contract: +10 strike, +10 days.
	if _, err := h.paper.PlaceOrder(ctx, models.OrderRequest{Instrument: testCall(90, 30), Side: models.SideSell, Quantity: 1, LimitPrice: d("1.10")}); err != nil {
		t.Fatalf("Failed to seed order: %v", err)
	}

	_, err := h.engine.ExecuteTrade(ctx, sellRequest(testCall(80, 20), "1.00", "1.30"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got %v", err)
	}
	if h.engine.Busy() {
		t.Errorf("Expected lock released after duplicate rejection")
	}
	if n := len(h.openOrders(t)); n != 1 {
		t.Errorf("Expected no new order, got %d open", n)
	}
}

func TestStaleViewDefers(t *testing.T) {
	h := newHarness(t, models.SideSell)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.paper.PlaceOrder(ctx, models.OrderRequest{Instrument: models.Equity("TSLA"), Side: models.SideBuy, Quantity: 1, LimitPrice: d("200")})
	}
	h.paper.SetTradesLag(1)

	_, err := h.engine.ExecuteTrade(ctx, sellRequest(testCall(80, 20), "1.00", "1.30"))
	if !errors.Is(err, ErrStaleStateView) {
		t.Fatalf("Expected ErrStaleStateView, got %v", err)
	}
	if h.engine.Busy() {
		t.Errorf("Expected lock released")
	}
}

func TestDisconnectThenReconnectReconciles(t *testing.T) {
	h := newHarness(t, models.SideSell)
	if _, err := h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30")); err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	h.paper.Drain()

	h.paper.Disconnect()
	h.paper.Drain()
	snap := h.engine.Snapshot()
	if !snap.Busy || !snap.Disabled {
		t.Fatalf("Expected disabled trade holding the lock, got %+v", snap)
	}

	h.tick(time.Minute)
	if got := h.engine.Snapshot().Trade.Attempts; got != 1 {
		t.Errorf("Expected pacing suspended while disconnected, got %d attempts", got)
	}

	h.paper.Reconnect()
	h.paper.Drain()

	if len(h.outcomes) != 1 || h.outcomes[0].Kind != OutcomeDisconnectReconciled {
		t.Fatalf("Expected disconnect-reconciled outcome, got %+v", h.outcomes)
	}
	if h.engine.Busy() {
		t.Errorf("Expected lock released after reconcile")
	}
	if n := len(h.openOrders(t)); n != 0 {
		t.Errorf("Expected in-flight order cancelled, got %d open", n)
	}
}

func TestFillDuringDisconnectEndsOnce(t *testing.T) {
	h := newHarness(t, models.SideSell)
	trade, _ := h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30"))
	h.paper.Drain()

	h.paper.Disconnect()
	h.paper.Drain()
	h.paper.Fill(trade.OrderID)
	h.paper.Reconnect()
	h.paper.Drain()

	if len(h.outcomes) != 1 || h.outcomes[0].Kind != OutcomeFilled {
		t.Fatalf("Expected exactly one filled outcome, got %+v", h.outcomes)
	}
	if h.engine.Busy() {
		t.Errorf("Expected lock released")
	}
}

// forgetful is a broker that lost track of every order across the reconnect.
type forgetful struct {
	*gateway.Paper
}

func (f forgetful) CancelOrder(ctx context.Context, orderID string) error {
	return gateway.ErrUnknownOrder
}

func TestReconnectWhenBrokerForgotOrder(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p := gateway.NewPaper(logger)
	cfg := reconcile.DefaultConfig()
	cfg.SettlePause = 0

	e, err := New(forgetful{p}, reconcile.New(p, cfg, logger), Options{Symbol: "AFRM", Side: models.SideSell}, logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	var outcomes []Outcome
	e.OnTerminate(func(out Outcome) { outcomes = append(outcomes, out) })

	if _, err := e.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30")); err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	p.Drain()
	p.Disconnect()
	p.Reconnect()
	p.Drain()

	if len(outcomes) != 1 || outcomes[0].Kind != OutcomeDisconnectReconciled {
		t.Fatalf("Expected disconnect-reconciled outcome, got %+v", outcomes)
	}
	if e.Busy() {
		t.Errorf("Expected lock released")
	}
}

func TestAckTimeoutEscalates(t *testing.T) {
	h := newHarness(t, models.SideSell)
	h.paper.DropAcks(true)

	if _, err := h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30")); err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	h.paper.Drain()

	h.tick(29 * time.Second)
	if snap := h.engine.Snapshot(); snap.State != StateAwaitingSubmit || snap.Trade.Attempts != 1 {
		t.Fatalf("Expected to keep waiting before the timeout, got %+v", snap)
	}

	h.tick(2 * time.Second)
	snap := h.engine.Snapshot()
	if snap.Trade == nil || snap.Trade.Attempts != 2 || !snap.Trade.LimitPrice.Equal(d("1.20")) {
		t.Fatalf("Expected resubmission at 1.20 after the ack timeout, got %+v", snap.Trade)
	}
	if n := len(h.openOrders(t)); n != 1 {
		t.Errorf("Expected exactly one resting order, got %d", n)
	}
}

func TestAckTimeoutDisabled(t *testing.T) {
	h := newHarness(t, models.SideSell, func(o *Options) { o.AckTimeout = -1 })
	h.paper.DropAcks(true)
	h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30"))
	h.paper.Drain()

	h.tick(time.Hour)
	if got := h.engine.Snapshot().Trade.Attempts; got != 1 {
		t.Errorf("Expected no escalation with the timeout disabled, got %d attempts", got)
	}
}

func TestInvalidInput(t *testing.T) {
	h := newHarness(t, models.SideSell)
	ctx := context.Background()

	wrongSymbol := sellRequest(testCall(80, 20), "1.00", "1.30")
	wrongSymbol.Instrument = models.Option("TSLA", decimal.NewFromInt(80), start.AddDate(0, 0, 20), models.RightCall)

	buy := sellRequest(testCall(80, 20), "1.00", "1.30")
	buy.Side = models.SideBuy

	zero := sellRequest(testCall(80, 20), "1.00", "1.30")
	zero.Quantity = 0

	tests := []struct {
		name string
		req  TradeRequest
	}{
		{"side mismatch", buy},
		{"symbol mismatch", wrongSymbol},
		{"zero quantity", zero},
		{"inverted bounds", sellRequest(testCall(80, 20), "1.30", "1.00")},
		{"too narrow", sellRequest(testCall(80, 20), "1.00", "1.05")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.engine.ExecuteTrade(ctx, tt.req); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Expected ErrInvalidInput, got %v", err)
			}
			if h.engine.Busy() {
				t.Errorf("Expected lock free after rejection")
			}
		})
	}

	if _, err := New(h.paper, nil, Options{Symbol: "AFRM", Side: "HOLD"}, logrus.New()); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected construction to reject an invalid side, got %v", err)
	}
}

func TestBuyEngineClimbsLadder(t *testing.T) {
	h := newHarness(t, models.SideBuy)
	trade, err := h.engine.ExecuteTrade(context.Background(), TradeRequest{
		Symbol:     "AFRM",
		Instrument: testCall(80, 20),
		Side:       models.SideBuy,
		Quantity:   1,
		MinPrice:   d("0.40"),
		MaxPrice:   d("0.70"),
	})
	if err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	if !trade.LimitPrice.Equal(d("0.45")) {
		t.Errorf("Expected buy to start at 0.45, got %s", trade.LimitPrice)
	}
	h.paper.Drain()
	h.tick(time.Minute)
	if got := h.engine.Snapshot().Trade.LimitPrice; !got.Equal(d("0.50")) {
		t.Errorf("Expected buy to step up to 0.50, got %s", got)
	}
}

func TestJitteredPricingStaysInRange(t *testing.T) {
	h := newHarness(t, models.SideSell, func(o *Options) { o.Pricing = pricing.JitteredFactory(7) })
	trade, err := h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30"))
	if err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	if !trade.LimitPrice.Equal(d("1.30")) {
		t.Errorf("Expected jittered sell to open at the top, got %s", trade.LimitPrice)
	}
	h.paper.Drain()

	for i := 0; i < 10 && h.engine.Busy(); i++ {
		h.tick(pricing.JitterMinGap)
		if snap := h.engine.Snapshot(); snap.Trade != nil {
			p := snap.Trade.LimitPrice
			if p.LessThan(d("1.05")) || p.GreaterThan(d("1.30")) {
				t.Fatalf("Price %s escaped [1.05, 1.30]", p)
			}
		}
	}
}

func TestJournalsLifecycle(t *testing.T) {
	h := newHarness(t, models.SideSell)
	trade, _ := h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30"))
	h.paper.Drain()
	h.paper.Fill(trade.OrderID)
	h.paper.Drain()

	want := []string{"started", "order_placed", "submitted", "terminated"}
	if len(h.rec.events) != len(want) {
		t.Fatalf("Expected %d journal entries, got %+v", len(want), h.rec.events)
	}
	for i, ev := range h.rec.events {
		if ev.Type != want[i] || ev.Seq != i+1 || ev.TradeID != trade.ID {
			t.Errorf("Entry %d: expected %s seq %d, got %+v", i, want[i], i+1, ev)
		}
	}
	if h.rec.events[3].Detail != string(OutcomeFilled) {
		t.Errorf("Expected terminal detail filled, got %q", h.rec.events[3].Detail)
	}
}

func TestCancelBeforeAckAdvancesLadder(t *testing.T) {
	h := newHarness(t, models.SideSell)
	h.paper.DropAcks(true)

	trade, err := h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30"))
	if err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	h.paper.Drain()

	// Every order is cancelled elsewhere before the broker acknowledges it.
	prices := []string{trade.LimitPrice.StringFixed(2)}
	for i := 0; i < 10 && h.engine.Busy(); i++ {
		if err := h.paper.CancelOutOfBand(h.engine.Snapshot().Trade.OrderID); err != nil {
			t.Fatalf("Failed to cancel: %v", err)
		}
		h.paper.Drain()
		if snap := h.engine.Snapshot(); snap.Trade != nil {
			prices = append(prices, snap.Trade.LimitPrice.StringFixed(2))
		}
	}

	want := []string{"1.25", "1.20", "1.15", "1.10", "1.05"}
	if len(prices) != len(want) {
		t.Fatalf("Expected prices %v, got %v", want, prices)
	}
	for i := range want {
		if prices[i] != want[i] {
			t.Errorf("Attempt %d: expected %s, got %s", i, want[i], prices[i])
		}
	}
	if len(h.outcomes) != 1 || h.outcomes[0].Kind != OutcomeLadderExhausted {
		t.Fatalf("Expected ladder exhausted, got %+v", h.outcomes)
	}
	if h.engine.Busy() {
		t.Errorf("Expected lock released")
	}
}

func TestPartialFillOnEarlierOrder(t *testing.T) {
	h := newHarness(t, models.SideSell)
	first, err := h.engine.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30"))
	if err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	h.paper.Drain()
	h.tick(8 * time.Second)
	if snap := h.engine.Snapshot(); snap.Trade.OrderID == first.OrderID {
		t.Fatalf("Expected a repriced order")
	}

	h.paper.Redeliver(models.OrderEvent{OrderID: first.OrderID, Kind: models.OrderFilled, Filled: 1, Remaining: 1})
	h.paper.Drain()

	last := h.rec.events[len(h.rec.events)-1]
	if last.Type != "partial_fill" || last.Quantity != 2 {
		t.Errorf("Expected the current order to keep 2 remaining, got %+v", last)
	}
	if got := h.engine.Snapshot().Trade.Filled; got != 1 {
		t.Errorf("Expected 1 filled, got %d", got)
	}
}

// deafCancel accepts the first cancel without ever reporting it, then forgets the order.
type deafCancel struct {
	*gateway.Paper
	mu    sync.Mutex
	calls int
}

func (g *deafCancel) CancelOrder(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls == 1 {
		return nil
	}
	return gateway.ErrUnknownOrder
}

func (g *deafCancel) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestUnconfirmedReconnectCancelIsRepeated(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := &fakeClock{t: start}
	p := gateway.NewPaper(logger, gateway.WithClock(clock.Now))
	g := &deafCancel{Paper: p}
	cfg := reconcile.DefaultConfig()
	cfg.SettlePause = 0

	e, err := New(g, reconcile.New(p, cfg, logger), Options{Symbol: "AFRM", Side: models.SideSell, Now: clock.Now}, logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	var outcomes []Outcome
	e.OnTerminate(func(out Outcome) { outcomes = append(outcomes, out) })

	if _, err := e.ExecuteTrade(context.Background(), sellRequest(testCall(80, 20), "1.00", "1.30")); err != nil {
		t.Fatalf("Failed to execute trade: %v", err)
	}
	p.Drain()
	p.Disconnect()
	p.Reconnect()
	p.Drain()
	if snap := e.Snapshot(); snap.State != StateEscalating || !snap.Busy {
		t.Fatalf("Expected an escalating trade after the reconnect cancel, got %+v", snap)
	}

	tick := func(dt time.Duration) {
		clock.Advance(dt)
		p.PublishQuote(models.Quote{Instrument: models.Equity("AFRM"), Bid: d("70.00"), Ask: d("70.05")})
		p.Drain()
	}
	tick(29 * time.Second)
	if g.count() != 1 || len(outcomes) != 0 {
		t.Fatalf("Expected to wait for the cancel before the timeout, got %d cancels %+v", g.count(), outcomes)
	}

	tick(2 * time.Second)
	if g.count() != 2 {
		t.Errorf("Expected the cancel to be repeated, got %d cancels", g.count())
	}
	if len(outcomes) != 1 || outcomes[0].Kind != OutcomeDisconnectReconciled {
		t.Fatalf("Expected disconnect-reconciled outcome, got %+v", outcomes)
	}
	if e.Busy() {
		t.Errorf("Expected lock released")
	}
}
