package pricing

import (
	"math"
	"time"

	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/shopspring/decimal"
)

// LadderWindow is the total time an order is expected to walk the whole ladder.
const LadderWindow = 120 * time.Second

// RepriceInterval is how long an order resting at position idx (0-based) of a
// ladder of length n should wait before it is cancelled and re-priced. The first
// third moves fast, the last third slow.
func RepriceInterval(n, idx int) time.Duration {
	if n <= 0 {
		return 0
	}
	unit := LadderWindow.Seconds() / float64(n)

	var secs float64
	switch {
	case float64(idx) <= float64(n)/3:
		secs = math.Max(unit/3, 2)
	case float64(idx) >= float64(2*n)/3:
		secs = math.Max(5*unit/3, 5)
	default:
		secs = math.Max(unit, 3)
	}
	return time.Duration(secs * float64(time.Second))
}

// Strategy decides limit prices and re-pricing cadence for one trade.
//
// RecordSubmission must be called on every acknowledged submission. Without it
// ShouldReprice measures from a stale timestamp.
type Strategy interface {
	Name() string
	Current() decimal.Decimal
	RecordSubmission(price decimal.Decimal, at time.Time)
	ShouldReprice(now time.Time) bool
	// Next returns Current when no further price is available.
	Next() decimal.Decimal
}

// Factory builds a fresh Strategy for a trade over [min, max].
type Factory func(side models.Side, min, max decimal.Decimal) (Strategy, error)

// DeterministicLadder walks a Ladder one step per cancellation, pacing by RepriceInterval.
type DeterministicLadder struct {
	ladder      *Ladder
	current     decimal.Decimal
	submittedAt time.Time
}

func NewDeterministicLadder(side models.Side, min, max decimal.Decimal) (Strategy, error) {
	l, err := NewLadder(side, min, max)
	if err != nil {
		return nil, err
	}
	return &DeterministicLadder{ladder: l, current: l.First()}, nil
}

func (d *DeterministicLadder) Name() string { return "ladder" }

func (d *DeterministicLadder) Ladder() *Ladder { return d.ladder }

func (d *DeterministicLadder) Current() decimal.Decimal { return d.current }

func (d *DeterministicLadder) RecordSubmission(price decimal.Decimal, at time.Time) {
	d.current = price
	d.submittedAt = at
}

func (d *DeterministicLadder) ShouldReprice(now time.Time) bool {
	if d.submittedAt.IsZero() {
		return false
	}
	idx := d.ladder.Index(d.current)
	if idx < 0 {
		idx = 0
	}
	return now.Sub(d.submittedAt) >= RepriceInterval(d.ladder.Len(), idx)
}

func (d *DeterministicLadder) Next() decimal.Decimal {
	return d.ladder.Next(d.current)
}

// Schedule lists the resting interval for every ladder position.
func Schedule(l *Ladder) []time.Duration {
	out := make([]time.Duration, l.Len())
	for i := range out {
		out[i] = RepriceInterval(l.Len(), i)
	}
	return out
}
