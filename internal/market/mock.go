package market

import (
	"context"
	"sync"
	"time"
)

// MockSource serves canned market data. It backs the "mock" data
// source profile and the package tests that need a deterministic feed.
type MockSource struct {
	mu      sync.RWMutex
	ticks   map[string]*Tick
	candles map[string]map[string][]Candle
	news    map[string][]NewsItem
	futures map[string]*FuturesSnapshot
	chains  map[string]*OptionsChain
	tickErr error
}

// NewMockSource creates an empty mock feed.
func NewMockSource() *MockSource {
	return &MockSource{
		ticks:   make(map[string]*Tick),
		candles: make(map[string]map[string][]Candle),
		news:    make(map[string][]NewsItem),
		futures: make(map[string]*FuturesSnapshot),
		chains:  make(map[string]*OptionsChain),
	}
}

// SetTick installs the tick returned for its symbol.
func (m *MockSource) SetTick(tick *Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks[tick.Symbol] = tick
}

// SetCandles installs bars for a symbol and timeframe, oldest first.
func (m *MockSource) SetCandles(symbol, timeframe string, bars []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candles[symbol] == nil {
		m.candles[symbol] = make(map[string][]Candle)
	}
	m.candles[symbol][timeframe] = bars
}

// SetNews installs news items for a symbol, newest first.
func (m *MockSource) SetNews(symbol string, items []NewsItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.news[symbol] = items
}

// SetFutures installs the derivatives snapshot for a symbol.
func (m *MockSource) SetFutures(snap *FuturesSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.futures[snap.Symbol] = snap
}

// SetOptionsChain installs the options chain for a symbol.
func (m *MockSource) SetOptionsChain(chain *OptionsChain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[chain.Symbol] = chain
}

// FailTicks makes every LatestTick call return err until cleared.
func (m *MockSource) FailTicks(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickErr = err
}

func (m *MockSource) LatestTick(ctx context.Context, symbol string) (*Tick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tickErr != nil {
		return nil, m.tickErr
	}
	tick, ok := m.ticks[symbol]
	if !ok {
		return nil, ErrNoData
	}
	copied := *tick
	return &copied, nil
}

func (m *MockSource) RecentOHLC(ctx context.Context, symbol, timeframe string, n int) ([]Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bars := m.candles[symbol][timeframe]
	if len(bars) == 0 {
		return nil, nil
	}
	if n > len(bars) {
		n = len(bars)
	}
	out := make([]Candle, n)
	copy(out, bars[len(bars)-n:])
	return out, nil
}

func (m *MockSource) LatestNews(ctx context.Context, symbol string, limit int) ([]NewsItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.news[symbol]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]NewsItem, len(items))
	copy(out, items)
	return out, nil
}

func (m *MockSource) SentimentSummary(ctx context.Context, symbol string, windowHours int) (*SentimentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(windowHours) * time.Hour)
	var inWindow []NewsItem
	for _, item := range m.news[symbol] {
		if windowHours <= 0 || item.PublishedAt.After(cutoff) {
			inWindow = append(inWindow, item)
		}
	}
	return Summarize(inWindow), nil
}

func (m *MockSource) FetchFutures(ctx context.Context, symbol string) (*FuturesSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.futures[symbol]
	if !ok {
		return nil, ErrNoData
	}
	copied := *snap
	return &copied, nil
}

func (m *MockSource) FetchOptionsChain(ctx context.Context, symbol string) (*OptionsChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain, ok := m.chains[symbol]
	if !ok {
		return nil, ErrCapabilityDisabled
	}
	copied := *chain
	return &copied, nil
}

// Summarize aggregates sentiment over news items ordered newest first.
func Summarize(items []NewsItem) *SentimentStats {
	stats := &SentimentStats{Trend: "stable"}
	if len(items) == 0 {
		return stats
	}

	var sum float64
	for _, item := range items {
		sum += item.Sentiment
		switch {
		case item.Sentiment > 0.1:
			stats.Positive++
		case item.Sentiment < -0.1:
			stats.Negative++
		default:
			stats.Neutral++
		}
	}
	stats.Average = sum / float64(len(items))

	if len(items) >= 4 {
		half := len(items) / 2
		var newer, older float64
		for _, item := range items[:half] {
			newer += item.Sentiment
		}
		for _, item := range items[half:] {
			older += item.Sentiment
		}
		newerAvg := newer / float64(half)
		olderAvg := older / float64(len(items)-half)
		switch {
		case newerAvg-olderAvg > 0.1:
			stats.Trend = "improving"
		case olderAvg-newerAvg > 0.1:
			stats.Trend = "deteriorating"
		}
	}
	return stats
}

// SyntheticCandles builds n bars of a timeframe with linear drift per
// bar, for tests and dry runs.
func SyntheticCandles(start time.Time, timeframe string, n int, startPrice, driftPerBar float64) []Candle {
	seconds, err := timeframeSeconds(timeframe)
	if err != nil {
		seconds = 60
	}
	step := time.Duration(seconds) * time.Second

	bars := make([]Candle, 0, n)
	price := startPrice
	for i := 0; i < n; i++ {
		next := price + driftPerBar
		high := price
		low := next
		if next > price {
			high = next
			low = price
		}
		bars = append(bars, Candle{
			OpenTime: start.Add(time.Duration(i) * step),
			Open:     price,
			High:     high * 1.001,
			Low:      low * 0.999,
			Close:    next,
			Volume:   1000 + 10*float64(i),
		})
		price = next
	}
	return bars
}
