package strategy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/shopspring/decimal"
)

var ErrNoUnderlyingPrice = errors.New("no underlying price observed yet")

// SellingCondition is an eligible sell: Score ranks candidates, MinPrice is the
// lowest acceptable premium.
type SellingCondition struct {
	Score    decimal.Decimal
	MinPrice decimal.Decimal
}

// Strategy decides which calls to watch and when to sell or buy them back.
type Strategy interface {
	CandidateContracts(ctx context.Context) ([]models.Instrument, error)
	MinimumSellingCondition(inst models.Instrument, q models.Quote) (SellingCondition, bool)
	ShouldTriggerClosing(inst models.Instrument, q models.Quote) bool
}

// UnderlyingObserver is implemented by strategies that track the underlying's price.
type UnderlyingObserver interface {
	ObserveUnderlying(q models.Quote)
}

type ThresholdConfig struct {
	Symbol          string
	Weeks           int
	StrikeSteps     int
	StrikeIncrement decimal.Decimal
	// StrikePremium scales the underlying price before strikes are laid out above it.
	StrikePremium decimal.Decimal
	MinTheta      decimal.Decimal
	CloseDTE      int
	CloseTheta    decimal.Decimal
}

func DefaultThresholdConfig(symbol string) ThresholdConfig {
	return ThresholdConfig{
		Symbol:          symbol,
		Weeks:           4,
		StrikeSteps:     3,
		StrikeIncrement: decimal.NewFromInt(5),
		StrikePremium:   decimal.RequireFromString("1.2"),
		MinTheta:        decimal.RequireFromString("0.12"),
		CloseDTE:        8,
		CloseTheta:      decimal.RequireFromString("0.04"),
	}
}

// Threshold sells calls whose premium per remaining day clears MinTheta and buys
// them back in the final week once little decay is left.
type Threshold struct {
	cfg ThresholdConfig
	now func() time.Time

	mu   sync.RWMutex
	last decimal.Decimal
}

func NewThreshold(cfg ThresholdConfig, now func() time.Time) *Threshold {
	if now == nil {
		now = time.Now
	}
	return &Threshold{cfg: cfg, now: now}
}

func (t *Threshold) ObserveUnderlying(q models.Quote) {
	price := q.Last
	if !price.IsPositive() && q.Valid() {
		price = q.Mid()
	}
	if !price.IsPositive() {
		return
	}
	t.mu.Lock()
	t.last = price
	t.mu.Unlock()
}

func (t *Threshold) CandidateContracts(ctx context.Context) ([]models.Instrument, error) {
	t.mu.RLock()
	last := t.last
	t.mu.RUnlock()
	if !last.IsPositive() {
		return nil, ErrNoUnderlyingPrice
	}

	inc := t.cfg.StrikeIncrement
	base := last.Mul(t.cfg.StrikePremium).Div(inc).Floor().Mul(inc)

	var out []models.Instrument
	for _, exp := range NextFridays(t.now(), t.cfg.Weeks) {
		for k := 1; k <= t.cfg.StrikeSteps; k++ {
			strike := base.Add(inc.Mul(decimal.NewFromInt(int64(k))))
			out = append(out, models.Option(t.cfg.Symbol, strike, exp, models.RightCall))
		}
	}
	return out, nil
}

func (t *Threshold) MinimumSellingCondition(inst models.Instrument, q models.Quote) (SellingCondition, bool) {
	if !inst.IsCall() || !q.Valid() {
		return SellingCondition{}, false
	}
	dte := inst.DTE(t.now())
	if dte <= 0 {
		return SellingCondition{}, false
	}
	mid := q.Mid()
	theta := mid.Div(decimal.NewFromInt(int64(dte)))
	if theta.LessThan(t.cfg.MinTheta) {
		return SellingCondition{}, false
	}
	return SellingCondition{Score: theta, MinPrice: mid.Round(1)}, true
}

func (t *Threshold) ShouldTriggerClosing(inst models.Instrument, q models.Quote) bool {
	if !q.Valid() {
		return false
	}
	dte := inst.DTE(t.now())
	if dte <= 0 {
		return true
	}
	if dte >= t.cfg.CloseDTE {
		return false
	}
	return q.Mid().Div(decimal.NewFromInt(int64(dte))).LessThan(t.cfg.CloseTheta)
}

// NextFridays returns the next n Fridays starting with from's date, as UTC days.
func NextFridays(from time.Time, n int) []time.Time {
	y, m, d := from.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for day.Weekday() != time.Friday {
		day = day.AddDate(0, 0, 1)
	}
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, day.AddDate(0, 0, 7*i))
	}
	return out
}
