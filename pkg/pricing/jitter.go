package pricing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	JitterMinGap = 5 * time.Second
	JitterBudget = 180 * time.Second
)

var midOffset = decimal.RequireFromString("0.10")

type nudge struct {
	weight int
	cents  int64
}

// Nudges are expressed as a move toward the counterparty (positive = more generous).
var (
	restingAtTopNudges = []nudge{{3, 10}, {5, 5}, {1, -20}, {1, -10}}
	insideNudges       = []nudge{{4, 15}, {5, 10}, {1, 5}}
)

// JitteredCompetitive re-prices on a fixed minimum gap with a randomized move toward
// the counterparty, bounded by the mid of the original range. Once the time budget is
// spent Next reports exhaustion.
type JitteredCompetitive struct {
	side        models.Side
	top         decimal.Decimal // best price for us: max for sells, min for buys
	limit       decimal.Decimal // most generous price we accept
	rng         *rand.Rand
	current     decimal.Decimal
	startedAt   time.Time
	submittedAt time.Time
	seen        time.Time // latest time observed through ShouldReprice or RecordSubmission
}

func NewJitteredCompetitive(side models.Side, min, max decimal.Decimal, rng *rand.Rand) (*JitteredCompetitive, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidBounds, side)
	}
	if min.IsNegative() || !max.GreaterThan(min) {
		return nil, fmt.Errorf("%w: [%s, %s]", ErrInvalidBounds, min, max)
	}
	mid := min.Add(max).Div(decimal.NewFromInt(2))

	j := &JitteredCompetitive{side: side, rng: rng}
	if side == models.SideSell {
		j.top = max
		j.limit = decimal.Max(min, mid.Sub(midOffset)).Round(2)
	} else {
		j.top = min
		j.limit = decimal.Min(max, mid.Add(midOffset)).Round(2)
	}
	j.current = j.top
	return j, nil
}

// JitteredFactory returns a Factory whose strategies draw from reproducible
// sources seeded from seed, one per trade in creation order.
func JitteredFactory(seed int64) Factory {
	var n atomic.Int64
	return func(side models.Side, min, max decimal.Decimal) (Strategy, error) {
		rng := rand.New(rand.NewSource(seed + n.Add(1)))
		return NewJitteredCompetitive(side, min, max, rng)
	}
}

func (j *JitteredCompetitive) Name() string { return "jitter" }

func (j *JitteredCompetitive) Current() decimal.Decimal { return j.current }

func (j *JitteredCompetitive) RecordSubmission(price decimal.Decimal, at time.Time) {
	if j.startedAt.IsZero() {
		j.startedAt = at
	}
	j.current = price
	j.submittedAt = at
	j.seen = at
}

func (j *JitteredCompetitive) ShouldReprice(now time.Time) bool {
	if j.submittedAt.IsZero() {
		return false
	}
	if now.After(j.seen) {
		j.seen = now
	}
	return now.Sub(j.submittedAt) >= JitterMinGap
}

func (j *JitteredCompetitive) Next() decimal.Decimal {
	if !j.startedAt.IsZero() && j.seen.Sub(j.startedAt) >= JitterBudget {
		return j.current
	}

	table := insideNudges
	if j.current.Equal(j.top) {
		table = restingAtTopNudges
	}
	candidate := j.clamp(j.toward(j.current, pick(j.rng, table)))
	if candidate.Equal(j.current) {
		candidate = j.clamp(j.toward(j.current, 5))
	}
	return candidate
}

// toward moves price by cents in the counterparty's favour.
func (j *JitteredCompetitive) toward(price decimal.Decimal, cents int64) decimal.Decimal {
	delta := decimal.New(cents, -2)
	if j.side == models.SideSell {
		return price.Sub(delta)
	}
	return price.Add(delta)
}

func (j *JitteredCompetitive) clamp(p decimal.Decimal) decimal.Decimal {
	lo, hi := j.limit, j.top
	if j.side == models.SideBuy {
		lo, hi = j.top, j.limit
	}
	if p.LessThan(lo) {
		return lo
	}
	if p.GreaterThan(hi) {
		return hi
	}
	return p.Round(2)
}

func pick(rng *rand.Rand, table []nudge) int64 {
	total := 0
	for _, n := range table {
		total += n.weight
	}
	r := rng.Intn(total)
	for _, n := range table {
		if r < n.weight {
			return n.cents
		}
		r -= n.weight
	}
	return table[len(table)-1].cents
}
