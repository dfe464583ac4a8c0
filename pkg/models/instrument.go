package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind tags which variant of Instrument is populated.
type InstrumentKind string

const (
	KindEquity InstrumentKind = "equity"
	KindOption InstrumentKind = "option"
)

type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// equityKey is shared by every equity; the controller only ever tracks one underlying.
const equityKey = "stock_key"

// ExpirationLayout is the broker's day-granularity expiration format.
const ExpirationLayout = "20060102"

// Instrument is either an equity or an option on an equity. Strike, Expiration and
// Right are only meaningful when Kind is KindOption.
type Instrument struct {
	Kind       InstrumentKind  `json:"kind"`
	Symbol     string          `json:"symbol"`
	Strike     decimal.Decimal `json:"strike,omitempty"`
	Expiration time.Time       `json:"expiration,omitempty"`
	Right      Right           `json:"right,omitempty"`
}

func Equity(symbol string) Instrument {
	return Instrument{Kind: KindEquity, Symbol: symbol}
}

func Option(symbol string, strike decimal.Decimal, expiration time.Time, right Right) Instrument {
	y, m, d := expiration.Date()
	return Instrument{
		Kind:       KindOption,
		Symbol:     symbol,
		Strike:     strike,
		Expiration: time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Right:      right,
	}
}

func (i Instrument) IsOption() bool { return i.Kind == KindOption }

func (i Instrument) IsCall() bool { return i.Kind == KindOption && i.Right == RightCall }

// Key identifies an instrument for state lookups. Options are keyed on
// symbol, integral strike and expiration day.
func (i Instrument) Key() string {
	switch i.Kind {
	case KindOption:
		return fmt.Sprintf("%s_%s_%s", i.Symbol, i.Strike.Truncate(0).String(), i.Expiration.Format(ExpirationLayout))
	case KindEquity:
		return equityKey
	default:
		return ""
	}
}

// DTE is the number of whole days between now and expiration. Equities return 0.
func (i Instrument) DTE(now time.Time) int {
	if i.Kind != KindOption {
		return 0
	}
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(i.Expiration.Sub(today).Hours() / 24)
}

func (i Instrument) String() string {
	switch i.Kind {
	case KindOption:
		return fmt.Sprintf("%s %s %s%s", i.Symbol, i.Expiration.Format(ExpirationLayout), i.Strike.StringFixed(2), i.Right)
	case KindEquity:
		return i.Symbol
	default:
		return "unknown"
	}
}

// Validate rejects instruments that cannot be traded.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("instrument has no symbol")
	}
	switch i.Kind {
	case KindEquity:
		return nil
	case KindOption:
		if !i.Strike.IsPositive() {
			return fmt.Errorf("option %s has non-positive strike", i.Symbol)
		}
		if i.Expiration.IsZero() {
			return fmt.Errorf("option %s has no expiration", i.Symbol)
		}
		if i.Right != RightCall && i.Right != RightPut {
			return fmt.Errorf("option %s has invalid right %q", i.Symbol, i.Right)
		}
		return nil
	default:
		return fmt.Errorf("unknown instrument kind %q", i.Kind)
	}
}
