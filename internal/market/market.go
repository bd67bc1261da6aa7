// Package market supplies the engine's view of the outside world: data
// source interfaces, the Redis tick/bundle cache, and the Binance
// reference adapter.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoData means the source has nothing for the instrument right now.
// Callers treat it as a tolerated condition, not a failure.
var ErrNoData = errors.New("no market data")

// ErrCapabilityDisabled means the instrument profile does not support
// the requested data kind (options chain on a spot venue, for example).
var ErrCapabilityDisabled = errors.New("capability disabled for instrument")

// Timeframes supported by RecentOHLC, smallest first.
var Timeframes = []string{"1m", "5m", "15m", "1h", "1d"}

// ValidTimeframe reports whether tf is one of the supported intervals.
func ValidTimeframe(tf string) bool {
	for _, known := range Timeframes {
		if tf == known {
			return true
		}
	}
	return false
}

// Level is one order-book level, best price first in a slice.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Tick is the latest top-of-book view for one instrument. It is what
// the execution loop polls and what the cache stores under
// price:<symbol>:latest.
type Tick struct {
	Symbol       string    `json:"symbol"`
	Price        float64   `json:"price"`
	BestBid      float64   `json:"best_bid"`
	BestAsk      float64   `json:"best_ask"`
	Bids         []Level   `json:"bids"` // top 5
	Asks         []Level   `json:"asks"` // top 5
	TotalBuyQty  float64   `json:"total_buy_qty"`
	TotalSellQty float64   `json:"total_sell_qty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Candle is one OHLC bar, oldest first in a slice.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// NewsItem is one news entry with a precomputed sentiment score.
type NewsItem struct {
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Sentiment   float64   `json:"sentiment"` // -1..+1
}

// SentimentStats summarizes recent news sentiment over a window.
type SentimentStats struct {
	Average  float64 `json:"average"`
	Trend    string  `json:"trend"` // "improving", "deteriorating", "stable"
	Positive int     `json:"positive"`
	Negative int     `json:"negative"`
	Neutral  int     `json:"neutral"`
}

// StrikeOI is open interest at one strike, split by option side.
type StrikeOI struct {
	Strike float64 `json:"strike"`
	CallOI float64 `json:"call_oi"`
	PutOI  float64 `json:"put_oi"`
}

// FuturesSnapshot is the derivatives view stored under
// futures:<symbol>:latest. Strikes is populated only on venues that
// publish per-strike open interest.
type FuturesSnapshot struct {
	Symbol          string     `json:"symbol"`
	MarkPrice       float64    `json:"mark_price"`
	FundingRate     float64    `json:"funding_rate"`
	NextFundingTime time.Time  `json:"next_funding_time"`
	OpenInterest    float64    `json:"open_interest,omitempty"`
	Strikes         []StrikeOI `json:"strikes,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// OptionsChain is the per-strike open-interest table for instruments
// with listed options.
type OptionsChain struct {
	Symbol    string     `json:"symbol"`
	Expiry    string     `json:"expiry"`
	Spot      float64    `json:"spot"`
	Strikes   []StrikeOI `json:"strikes"`
	Timestamp time.Time  `json:"timestamp"`
}

// Data serves price and candle history for one instrument.
type Data interface {
	// LatestTick returns the current top-of-book view, or ErrNoData.
	LatestTick(ctx context.Context, symbol string) (*Tick, error)
	// RecentOHLC returns up to n bars of the timeframe, oldest first.
	RecentOHLC(ctx context.Context, symbol, timeframe string, n int) ([]Candle, error)
}

// News serves recent headlines and aggregate sentiment.
type News interface {
	LatestNews(ctx context.Context, symbol string, limit int) ([]NewsItem, error)
	SentimentSummary(ctx context.Context, symbol string, windowHours int) (*SentimentStats, error)
}

// Derivatives serves futures and options data where the instrument
// profile enables them.
type Derivatives interface {
	FetchFutures(ctx context.Context, symbol string) (*FuturesSnapshot, error)
	FetchOptionsChain(ctx context.Context, symbol string) (*OptionsChain, error)
}

// Mid returns the midpoint of the best bid and ask, falling back to
// the last price when one side is empty.
func (t *Tick) Mid() float64 {
	if t.BestBid > 0 && t.BestAsk > 0 {
		return (t.BestBid + t.BestAsk) / 2
	}
	return t.Price
}

// Spread returns the bid/ask spread as a fraction of the mid price.
func (t *Tick) Spread() float64 {
	mid := t.Mid()
	if mid <= 0 || t.BestBid <= 0 || t.BestAsk <= 0 {
		return 0
	}
	return (t.BestAsk - t.BestBid) / mid
}

func timeframeSeconds(tf string) (int, error) {
	switch tf {
	case "1m":
		return 60, nil
	case "5m":
		return 300, nil
	case "15m":
		return 900, nil
	case "1h":
		return 3600, nil
	case "1d":
		return 86400, nil
	default:
		return 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
}
