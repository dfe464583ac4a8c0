package journal

import (
	"testing"
	"time"

	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/shopspring/decimal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func lifecycle(tradeID string, started time.Time, types ...string) []models.TradeEvent {
	inst := models.Option("AFRM", decimal.NewFromInt(80), started.AddDate(0, 0, 20), models.RightCall)
	out := make([]models.TradeEvent, len(types))
	for i, typ := range types {
		out[i] = models.TradeEvent{
			TradeID:    tradeID,
			Seq:        i + 1,
			Type:       typ,
			Instrument: inst,
			Side:       models.SideSell,
			Price:      decimal.RequireFromString("1.25"),
			Quantity:   2,
			Time:       started.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestEventsRoundTripInOrder(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)

	// More than nine events checks that sequence keys sort numerically.
	types := []string{"started", "order_placed", "submitted", "cancel_requested", "cancelled",
		"order_placed", "submitted", "cancel_requested", "cancelled", "order_placed", "submitted", "terminated"}
	for _, ev := range lifecycle("t1", start, types...) {
		if err := s.Record(ev); err != nil {
			t.Fatalf("Failed to record: %v", err)
		}
	}

	got, err := s.Events("t1")
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(got) != len(types) {
		t.Fatalf("Expected %d events, got %d", len(types), len(got))
	}
	for i := range types {
		if got[i].Type != types[i] || got[i].Seq != i+1 {
			t.Errorf("Event %d: expected %s, got %s seq %d", i, types[i], got[i].Type, got[i].Seq)
		}
	}
	if !got[0].Price.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("Expected price to survive, got %s", got[0].Price)
	}
}

func TestTradesNewestFirst(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)

	for _, ev := range lifecycle("old", start, "started", "order_placed", "terminated") {
		if ev.Type == "terminated" {
			ev.Detail = "filled"
		}
		s.Record(ev)
	}
	for _, ev := range lifecycle("new", start.Add(time.Hour), "started", "order_placed", "order_placed") {
		s.Record(ev)
	}

	trades, err := s.Trades(10)
	if err != nil {
		t.Fatalf("Failed to list trades: %v", err)
	}
	if len(trades) != 2 || trades[0].TradeID != "new" || trades[1].TradeID != "old" {
		t.Fatalf("Expected new then old, got %+v", trades)
	}
	if trades[0].Attempts != 2 || trades[0].Outcome != "" {
		t.Errorf("Expected in-flight trade with 2 attempts, got %+v", trades[0])
	}
	if trades[1].Outcome != "filled" || trades[1].LastEvent != "terminated" {
		t.Errorf("Expected finished trade, got %+v", trades[1])
	}

	one, _ := s.Trades(1)
	if len(one) != 1 || one[0].TradeID != "new" {
		t.Errorf("Expected limit to keep the newest, got %+v", one)
	}
}

func TestEventsUnknownTrade(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Events("missing")
	if err != nil || len(got) != 0 {
		t.Errorf("Expected empty journal, got %v, %v", got, err)
	}
}
