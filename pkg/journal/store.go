package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/gregtusar/coveredcall/pkg/models"
)

// Store is a pebble-backed journal of trade lifecycle events.
type Store struct {
	db *pebble.DB
}

// TradeSummary condenses a trade's journal for listing.
type TradeSummary struct {
	TradeID    string            `json:"trade_id"`
	Instrument models.Instrument `json:"instrument"`
	Side       models.Side       `json:"side"`
	StartedAt  time.Time         `json:"started_at"`
	LastEvent  string            `json:"last_event"`
	Outcome    string            `json:"outcome,omitempty"`
	Attempts   int               `json:"attempts"`
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// keys: e:<trade>:<seq>, t:<started unix nanos>:<trade>
func eventPrefix(tradeID string) []byte { return []byte("e:" + tradeID + ":") }

func eventKey(tradeID string, seq int) []byte {
	return append(eventPrefix(tradeID), []byte(fmt.Sprintf("%08d", seq))...)
}

func indexKey(started time.Time, tradeID string) []byte {
	return []byte(fmt.Sprintf("t:%020d:%s", started.UnixNano(), tradeID))
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Record persists ev. The first event of a trade also indexes it by start time.
func (s *Store) Record(ev models.TradeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal trade event: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(eventKey(ev.TradeID, ev.Seq), data, nil); err != nil {
		return err
	}
	if ev.Seq == 1 {
		if err := b.Set(indexKey(ev.Time, ev.TradeID), []byte(ev.TradeID), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save trade event: %w", err)
	}
	return nil
}

// Events returns a trade's journal in sequence order.
func (s *Store) Events(tradeID string) ([]models.TradeEvent, error) {
	prefix := eventPrefix(tradeID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.TradeEvent
	for iter.First(); iter.Valid(); iter.Next() {
		var ev models.TradeEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade event %s: %w", iter.Key(), err)
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

// Trades lists up to limit trades, newest first.
func (s *Store) Trades(limit int) ([]TradeSummary, error) {
	prefix := []byte("t:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.Last(); iter.Valid() && len(ids) < limit; iter.Prev() {
		ids = append(ids, string(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]TradeSummary, 0, len(ids))
	for _, id := range ids {
		events, err := s.Events(id)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			continue
		}
		out = append(out, summarize(events))
	}
	return out, nil
}

func summarize(events []models.TradeEvent) TradeSummary {
	first, last := events[0], events[len(events)-1]
	sum := TradeSummary{
		TradeID:    first.TradeID,
		Instrument: first.Instrument,
		Side:       first.Side,
		StartedAt:  first.Time,
		LastEvent:  last.Type,
	}
	for _, ev := range events {
		switch ev.Type {
		case "order_placed":
			sum.Attempts++
		case "terminated":
			sum.Outcome = ev.Detail
		}
	}
	return sum
}
