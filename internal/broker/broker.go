// Package broker routes orders from the execution layer to a venue.
// The paper broker fills instantly for dry runs; the Binance broker
// submits real orders. Both are idempotent per client order id.
package broker

import (
	"context"
	"time"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Status is the terminal state reported for a placement.
type Status string

const (
	StatusComplete Status = "COMPLETE"
	StatusPending  Status = "PENDING"
	StatusRejected Status = "REJECTED"
)

// OrderRequest is one bracket order. ClientID makes retries safe: the
// same id never fills twice.
type OrderRequest struct {
	ClientID   string  `json:"client_id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// OrderResult is the venue's answer.
type OrderResult struct {
	OrderID        string    `json:"order_id"`
	ClientID       string    `json:"client_id"`
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	FilledPrice    float64   `json:"filled_price"`
	FilledQuantity float64   `json:"filled_quantity"`
	Fees           float64   `json:"fees,omitempty"`
	StopLoss       float64   `json:"stop_loss,omitempty"`
	TakeProfit     float64   `json:"take_profit,omitempty"`
	Status         Status    `json:"status"`
	Message        string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Broker places orders on a venue.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

func validSide(s Side) bool {
	return s == SideBuy || s == SideSell
}
