package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidBounds   = errors.New("invalid price bounds")
	ErrLadderTooNarrow = errors.New("price range too narrow for a ladder")
)

var (
	fineStep     = decimal.RequireFromString("0.05")
	coarseStep   = decimal.RequireFromString("0.10")
	coarseSpread = decimal.NewFromInt(3)
	minTick      = decimal.RequireFromString("0.01")
)

// Ladder is a strictly monotonic sequence of candidate limit prices. Sell ladders
// descend from just below max; buy ladders ascend from just above min.
type Ladder struct {
	side   models.Side
	prices []decimal.Decimal
}

// NewLadder builds the candidate prices strictly between min and max.
func NewLadder(side models.Side, min, max decimal.Decimal) (*Ladder, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidBounds, side)
	}
	if min.IsNegative() || max.LessThan(min) {
		return nil, fmt.Errorf("%w: [%s, %s]", ErrInvalidBounds, min, max)
	}

	prices := candidates(min, max)
	if len(prices) <= 1 {
		return nil, fmt.Errorf("%w: [%s, %s] yields %d candidates", ErrLadderTooNarrow, min, max, len(prices))
	}

	if side == models.SideSell {
		for i, j := 0, len(prices)-1; i < j; i, j = i+1, j-1 {
			prices[i], prices[j] = prices[j], prices[i]
		}
	}
	return &Ladder{side: side, prices: prices}, nil
}

// LadderFeasible reports whether NewLadder would accept the range.
func LadderFeasible(min, max decimal.Decimal) bool {
	if min.IsNegative() || max.LessThan(min) {
		return false
	}
	return len(candidates(min, max)) > 1
}

func candidates(min, max decimal.Decimal) []decimal.Decimal {
	step := fineStep
	if max.Sub(min).GreaterThanOrEqual(coarseSpread) {
		step = coarseStep
	}
	var out []decimal.Decimal
	for p := min.Add(step); p.LessThan(max); p = p.Add(step) {
		out = append(out, p.Round(2))
	}
	return out
}

func (l *Ladder) Side() models.Side { return l.side }

func (l *Ladder) Len() int { return len(l.prices) }

func (l *Ladder) First() decimal.Decimal { return l.prices[0] }

func (l *Ladder) Last() decimal.Decimal { return l.prices[len(l.prices)-1] }

func (l *Ladder) At(i int) decimal.Decimal { return l.prices[i] }

// Prices returns a copy of the ladder in submission order.
func (l *Ladder) Prices() []decimal.Decimal {
	out := make([]decimal.Decimal, len(l.prices))
	copy(out, l.prices)
	return out
}

// Index returns the 0-based position of price, or -1.
func (l *Ladder) Index(price decimal.Decimal) int {
	for i, p := range l.prices {
		if p.Equal(price) {
			return i
		}
	}
	return -1
}

// Next returns the element after current. At the last element, or for a price that
// is not on the ladder, current is returned unchanged; callers treat that equality
// as exhaustion.
func (l *Ladder) Next(current decimal.Decimal) decimal.Decimal {
	i := l.Index(current)
	if i < 0 || i == len(l.prices)-1 {
		return current
	}
	return l.prices[i+1]
}

// GeometricCandidates returns limit prices that converge geometrically from one side
// of the spread toward the other: bid + spread/base^n when anchored by bid, or
// ask - spread/base^n (reversed) when anchored by ask. Prices below floor end the list.
func GeometricCandidates(bid, ask decimal.Decimal, base float64, floor decimal.Decimal, anchorAsk bool) ([]decimal.Decimal, error) {
	if base <= 1 || base > 2 {
		return nil, fmt.Errorf("%w: base factor %v outside (1, 2]", ErrInvalidBounds, base)
	}
	if bid.LessThan(minTick) || ask.LessThan(bid) {
		return nil, fmt.Errorf("%w: bid %s ask %s", ErrInvalidBounds, bid, ask)
	}

	spread := ask.Sub(bid)
	var raw []decimal.Decimal
	for n := 1; ; n++ {
		delta := spread.Div(decimal.NewFromFloat(math.Pow(base, float64(n))))
		if delta.LessThan(minTick) {
			break
		}
		if anchorAsk {
			raw = append(raw, ask.Sub(delta).Round(2))
		} else {
			raw = append(raw, bid.Add(delta).Round(2))
		}
	}
	if anchorAsk {
		for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
			raw[i], raw[j] = raw[j], raw[i]
		}
	}

	out := make([]decimal.Decimal, 0, len(raw))
	for i, p := range raw {
		if p.LessThan(floor) {
			break
		}
		if i > 0 && p.Equal(raw[i-1]) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
