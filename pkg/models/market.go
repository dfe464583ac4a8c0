package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Quote struct {
	Instrument Instrument      `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	Volume     int64           `json:"volume"`
	Time       time.Time       `json:"time"`
}

func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Valid reports whether both sides of the book are present and uncrossed.
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive() && q.Ask.GreaterThanOrEqual(q.Bid)
}

// Holding is a broker-reported position entry. Negative quantity means short.
type Holding struct {
	Instrument Instrument `json:"instrument"`
	Quantity   int64      `json:"quantity"`
}

// Position is the tracked state for one symbol. It is replaced wholesale on refresh.
type Position struct {
	Symbol    string    `json:"symbol"`
	Shares    int64     `json:"shares"`
	Options   []Holding `json:"options"`
	UpdatedAt time.Time `json:"updated_at"`
}
