package trader

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/coveredcall/pkg/account"
	"github.com/gregtusar/coveredcall/pkg/engine"
	"github.com/gregtusar/coveredcall/pkg/gateway"
	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/gregtusar/coveredcall/pkg/reconcile"
	"github.com/gregtusar/coveredcall/pkg/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Monday; candidate Fridays are Oct 23, Oct 30, Nov 6 and Nov 13.
var now = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func call(strike string, days int) models.Instrument {
	return models.Option("AFRM", d(strike), now.AddDate(0, 0, days), models.RightCall)
}

type fixture struct {
	paper  *gateway.Paper
	views  *countingViews
	trader *CoveredCallTrader
}

// countingViews counts reads of the open trades view.
type countingViews struct {
	*gateway.Paper
	mu    sync.Mutex
	reads int
}

func (c *countingViews) OpenTrades(ctx context.Context) ([]models.OrderView, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Paper.OpenTrades(ctx)
}

func (c *countingViews) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func newFixture(t *testing.T, holdings ...models.Holding) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	p := gateway.NewPaper(logger, gateway.WithClock(clock))
	p.SetPositions(holdings)
	p.Drain()

	cfg := reconcile.DefaultConfig()
	cfg.SettlePause = 0
	views := &countingViews{Paper: p}
	rec := reconcile.New(views, cfg, logger)

	sell, err := engine.New(p, rec, engine.Options{Symbol: "AFRM", Side: models.SideSell, Now: clock}, logger)
	if err != nil {
		t.Fatalf("Failed to create sell engine: %v", err)
	}
	buy, err := engine.New(p, rec, engine.Options{Symbol: "AFRM", Side: models.SideBuy, Now: clock}, logger)
	if err != nil {
		t.Fatalf("Failed to create buy engine: %v", err)
	}

	strat := strategy.NewThreshold(strategy.DefaultThresholdConfig("AFRM"), clock)
	tr, err := NewCoveredCallTrader(p, strat, rec, sell, buy, account.NewManager(100), Config{Symbol: "AFRM", DTELow: 0, DTEHigh: 45}, logger)
	if err != nil {
		t.Fatalf("Failed to create trader: %v", err)
	}
	tr.SetClock(clock)
	return &fixture{paper: p, views: views, trader: tr}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.trader.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start trader: %v", err)
	}
	f.paper.Drain()
}

func (f *fixture) underlying(last string) {
	f.paper.PublishQuote(models.Quote{Instrument: models.Equity("AFRM"), Bid: d(last), Ask: d(last).Add(d("0.05")), Last: d(last)})
	f.paper.Drain()
}

func (f *fixture) quote(inst models.Instrument, bid, ask string) {
	f.paper.PublishQuote(models.Quote{Instrument: inst, Bid: d(bid), Ask: d(ask)})
	f.paper.Drain()
}

func (f *fixture) openOrders(t *testing.T) []models.OrderView {
	t.Helper()
	orders, err := f.paper.OpenOrders(context.Background())
	if err != nil {
		t.Fatalf("Failed to list orders: %v", err)
	}
	return orders
}

func shares(n int64) models.Holding {
	return models.Holding{Instrument: models.Equity("AFRM"), Quantity: n}
}

func TestRefreshPicksFirstShortCallInWindow(t *testing.T) {
	f := newFixture(t,
		models.Holding{Instrument: call("90", 60), Quantity: -1},
		models.Holding{Instrument: call("85", 10), Quantity: -1},
		models.Holding{Instrument: call("80", 5), Quantity: -1},
		models.Holding{Instrument: call("70", 3), Quantity: 1},
		shares(300),
	)
	if err := f.trader.RefreshPositions(context.Background()); err != nil {
		t.Fatalf("Failed to refresh: %v", err)
	}

	snap := f.trader.Snapshot()
	if snap.ShortCall == nil || !snap.ShortCall.Instrument.Strike.Equal(d("85")) {
		t.Fatalf("Expected the first in-window short call (85), got %+v", snap.ShortCall)
	}
	if snap.Position.Shares != 300 || len(snap.Position.Options) != 4 {
		t.Errorf("Expected 300 shares and 4 options, got %+v", snap.Position)
	}
	if snap.NetPosition != 300-300+100 {
		t.Errorf("Expected net position 100, got %d", snap.NetPosition)
	}
}

func TestOpenPathSellsCandidate(t *testing.T) {
	f := newFixture(t, shares(300))
	f.start(t)

	if snap := f.trader.Snapshot(); snap.Mode != ModeOpen || len(snap.Subscriptions) != 0 {
		t.Fatalf("Expected open mode waiting for a price, got %+v", snap)
	}

	// 63.40 * 1.2 = 76.08: strikes 80, 85, 90 over four Fridays.
	f.underlying("63.40")
	if n := len(f.trader.Snapshot().Subscriptions); n != 12 {
		t.Fatalf("Expected 12 candidate subscriptions, got %d", n)
	}

	// Mid 1.55 over 11 days clears 0.12; min price 1.6, ladder 1.75 -> 1.65.
	f.quote(call("80", 11), "1.30", "1.80")

	orders := f.openOrders(t)
	if len(orders) != 1 {
		t.Fatalf("Expected one sell order, got %+v", orders)
	}
	o := orders[0]
	if o.Side != models.SideSell || o.Remaining != 3 || !o.LimitPrice.Equal(d("1.75")) {
		t.Errorf("Expected sell 3 at 1.75, got %+v", o)
	}

	// Fill flips the trader to watching the written call.
	if err := f.paper.Fill(o.OrderID); err != nil {
		t.Fatalf("Failed to fill: %v", err)
	}
	f.paper.Drain()

	snap := f.trader.Snapshot()
	if snap.Mode != ModeClose || snap.ShortCall == nil || snap.ShortCall.Quantity != -3 {
		t.Fatalf("Expected close mode on -3 calls, got %+v", snap)
	}
	if len(snap.Subscriptions) != 1 {
		t.Errorf("Expected only the short call subscribed, got %v", snap.Subscriptions)
	}
}

func TestSellDecisionReadsBrokerViewsOnce(t *testing.T) {
	f := newFixture(t, shares(300))
	f.start(t)
	f.underlying("63.40")

	before := f.views.count()
	f.quote(call("80", 11), "1.30", "1.80")
	if n := len(f.openOrders(t)); n != 1 {
		t.Fatalf("Expected one sell order, got %d", n)
	}
	if reads := f.views.count() - before; reads != 1 {
		t.Errorf("Expected the pending, sizing and conflict checks to share one read, got %d", reads)
	}
}

func TestOpenPathSkipsIneligibleQuote(t *testing.T) {
	f := newFixture(t, shares(300))
	f.start(t)
	f.underlying("63.40")

	f.quote(call("80", 11), "0.50", "0.70")
	if n := len(f.openOrders(t)); n != 0 {
		t.Errorf("Expected low theta to be skipped, got %d orders", n)
	}
}

func TestPendingOrderInWindowBlocksSell(t *testing.T) {
	f := newFixture(t, shares(300))
	if _, err := f.paper.PlaceOrder(context.Background(), models.OrderRequest{
		Instrument: call("200", 20),
		Side:       models.SideSell,
		Quantity:   1,
		LimitPrice: d("0.20"),
	}); err != nil {
		t.Fatalf("Failed to seed order: %v", err)
	}
	f.start(t)
	f.underlying("63.40")

	f.quote(call("80", 11), "1.30", "1.80")
	if n := len(f.openOrders(t)); n != 1 {
		t.Errorf("Expected no new order while one is pending in window, got %d", n)
	}
}

func TestNoSharesNoSell(t *testing.T) {
	f := newFixture(t, shares(50))
	f.start(t)
	f.underlying("63.40")

	f.quote(call("80", 11), "1.30", "1.80")
	if n := len(f.openOrders(t)); n != 0 {
		t.Errorf("Expected no uncovered call, got %d orders", n)
	}
}

func TestClosePathBuysBack(t *testing.T) {
	f := newFixture(t, shares(300), models.Holding{Instrument: call("80", 5), Quantity: -2})
	f.start(t)

	snap := f.trader.Snapshot()
	if snap.Mode != ModeClose {
		t.Fatalf("Expected close mode, got %s", snap.Mode)
	}

	// Unsubscribed candidate quotes are ignored.
	f.underlying("63.40")
	f.quote(call("85", 11), "1.30", "1.80")
	if n := len(f.openOrders(t)); n != 0 {
		t.Fatalf("Expected no sell while a short call is open, got %d orders", n)
	}

	// 0.15 over 5 days is under 0.04 a day.
	f.quote(call("80", 5), "0.05", "0.25")
	orders := f.openOrders(t)
	if len(orders) != 1 {
		t.Fatalf("Expected one buy order, got %+v", orders)
	}
	if o := orders[0]; o.Side != models.SideBuy || o.Remaining != 2 || !o.LimitPrice.Equal(d("0.10")) {
		t.Errorf("Expected buy 2 at 0.10, got %+v", o)
	}
}

func TestPausedTraderDoesNotTrade(t *testing.T) {
	f := newFixture(t, shares(300))
	f.start(t)
	f.underlying("63.40")

	f.trader.Pause()
	f.quote(call("80", 11), "1.30", "1.80")
	if n := len(f.openOrders(t)); n != 0 {
		t.Fatalf("Expected no order while paused, got %d", n)
	}

	f.trader.Resume()
	f.quote(call("80", 11), "1.30", "1.80")
	if n := len(f.openOrders(t)); n != 1 {
		t.Errorf("Expected an order after resume, got %d", n)
	}
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	f := newFixture(t, shares(300))
	f.start(t)
	f.underlying("63.40")

	f.paper.Disconnect()
	f.paper.Drain()
	if n := len(f.trader.Snapshot().Subscriptions); n != 0 {
		t.Fatalf("Expected option subscriptions dropped, got %d", n)
	}

	f.paper.Reconnect()
	f.paper.Drain()
	if n := len(f.trader.Snapshot().Subscriptions); n != 12 {
		t.Errorf("Expected candidates restored after reconnect, got %d", n)
	}
}

func TestStopReleasesSubscriptions(t *testing.T) {
	f := newFixture(t, shares(300))
	f.start(t)
	f.underlying("63.40")

	f.trader.Stop()
	if subs := f.paper.Subscriptions(); len(subs) != 0 {
		t.Errorf("Expected every subscription cancelled, got %v", subs)
	}
}

func TestPendingOrderBlocksBuyBack(t *testing.T) {
	f := newFixture(t, shares(300), models.Holding{Instrument: call("80", 5), Quantity: -2})
	if _, err := f.paper.PlaceOrder(context.Background(), models.OrderRequest{
		Instrument: call("80", 5),
		Side:       models.SideBuy,
		Quantity:   2,
		LimitPrice: d("0.05"),
	}); err != nil {
		t.Fatalf("Failed to seed order: %v", err)
	}
	f.start(t)

	f.quote(call("80", 5), "0.05", "0.25")
	if n := len(f.openOrders(t)); n != 1 {
		t.Errorf("Expected the manual buy back to block a second one, got %d orders", n)
	}
}
