package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is exactly one of buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type TradeStatus string

const (
	TradeStatusSubmitted TradeStatus = "submitted"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusFilled    TradeStatus = "filled"
)

// Trade is the engine-owned record of one execute-trade lifecycle. A trade may span
// several broker orders as the price is escalated; OrderID is the current one.
type Trade struct {
	ID         string          `json:"id"`
	Instrument Instrument      `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Filled     int64           `json:"filled"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Status     TradeStatus     `json:"status"`
	OrderID    string          `json:"order_id"`
	Attempts   int             `json:"attempts"`
	StartedAt  time.Time       `json:"started_at"`
	RepricedAt time.Time       `json:"repriced_at"`
}

type OrderRequest struct {
	Instrument Instrument
	Side       Side
	Quantity   int64
	LimitPrice decimal.Decimal
}

func (r OrderRequest) Validate() error {
	if err := r.Instrument.Validate(); err != nil {
		return err
	}
	if !r.Side.Valid() {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", r.Quantity)
	}
	if !r.LimitPrice.IsPositive() {
		return fmt.Errorf("limit price must be positive, got %s", r.LimitPrice)
	}
	return nil
}

// OrderView is one entry of the broker's open orders or open trades listing.
type OrderView struct {
	OrderID    string          `json:"order_id"`
	PermID     int64           `json:"perm_id"`
	Instrument Instrument      `json:"instrument"`
	Side       Side            `json:"side"`
	Remaining  int64           `json:"remaining"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Status     string          `json:"status"`
}

type OrderEventKind string

const (
	OrderSubmitted OrderEventKind = "submitted"
	OrderCancelled OrderEventKind = "cancelled"
	OrderFilled    OrderEventKind = "filled"
)

// OrderEvent is an asynchronous lifecycle notification for a broker order.
type OrderEvent struct {
	OrderID   string          `json:"order_id"`
	Kind      OrderEventKind  `json:"kind"`
	Price     decimal.Decimal `json:"price"`
	Remaining int64           `json:"remaining"`
	Filled    int64           `json:"filled"`
	Time      time.Time       `json:"time"`
}

type ConnectionEvent string

const (
	Connected    ConnectionEvent = "connected"
	Disconnected ConnectionEvent = "disconnected"
)

// TradeEvent is one journaled step of a trade lifecycle.
type TradeEvent struct {
	TradeID    string          `json:"trade_id"`
	Seq        int             `json:"seq"`
	Type       string          `json:"type"`
	Instrument Instrument      `json:"instrument"`
	Side       Side            `json:"side"`
	OrderID    string          `json:"order_id,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	Detail     string          `json:"detail,omitempty"`
	Time       time.Time       `json:"time"`
}
