// Package state defines the shared record one orchestration run passes
// through its agent nodes, and the reducer that merges concurrent partial
// updates from a parallel cohort. Every non-list field has exactly one
// writer; the explanation stream is append-only with a commutative concat.
package state

import (
	"sort"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/instrument"
)

// Signal is the final trading decision
type Signal string

const (
	SignalStrongBuy  Signal = "STRONG_BUY"
	SignalBuy        Signal = "BUY"
	SignalWeakBuy    Signal = "WEAK_BUY"
	SignalStrongSell Signal = "STRONG_SELL"
	SignalSell       Signal = "SELL"
	SignalWeakSell   Signal = "WEAK_SELL"
	SignalHold       Signal = "HOLD"
	SignalAdjust     Signal = "ADJUST"
)

// IsBuy reports whether the signal is any buy variant
func (s Signal) IsBuy() bool {
	return s == SignalStrongBuy || s == SignalBuy || s == SignalWeakBuy
}

// IsSell reports whether the signal is any sell variant
func (s Signal) IsSell() bool {
	return s == SignalStrongSell || s == SignalSell || s == SignalWeakSell
}

// Trend is the directional read of the market
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// IncompleteJSONKey marks an agent slot whose structured response was
// truncated or unparseable; finalization collects these into an alert.
const IncompleteJSONKey = "__incomplete_json"

// Candle is one OHLC bar
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// DepthLevel is one order-book level
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// NewsItem is one news entry, newest first in the snapshot
type NewsItem struct {
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Sentiment   float64   `json:"sentiment"` // -1..+1
}

// MarketSnapshot is the externally-written market view; agents read only
type MarketSnapshot struct {
	Price          float64             `json:"price"`
	Candles        map[string][]Candle `json:"candles"` // keyed by timeframe: 1m 5m 15m 1h 1d
	BestBid        float64             `json:"best_bid"`
	BestAsk        float64             `json:"best_ask"`
	Bids           []DepthLevel        `json:"bids"` // top 5
	Asks           []DepthLevel        `json:"asks"` // top 5
	TotalBuyQty    float64             `json:"total_buy_qty"`
	TotalSellQty   float64             `json:"total_sell_qty"`
	SentimentScore float64             `json:"sentiment_score"` // -1..+1
	News           []NewsItem          `json:"news"`
	Timestamp      time.Time           `json:"timestamp"`
}

// MacroInputs are externally-written macro observations
type MacroInputs struct {
	PolicyRate      float64  `json:"policy_rate"`
	InflationRate   float64  `json:"inflation_rate"`
	HealthIndicator *float64 `json:"health_indicator,omitempty"`
}

// ExecutionResult is the broker's answer for a routed decision
type ExecutionResult struct {
	OrderID        string    `json:"order_id"`
	FilledPrice    float64   `json:"filled_price"`
	FilledQuantity float64   `json:"filled_quantity"`
	Timestamp      time.Time `json:"timestamp"`
}

// DecisionState is the shared record for one orchestration run
type DecisionState struct {
	RunID      string
	Instrument *instrument.Profile
	Market     MarketSnapshot
	MacroIn    MacroInputs

	// Analysis slots, one writer each
	Technical   map[string]any
	Fundamental map[string]any
	Sentiment   map[string]any
	Macro       map[string]any

	// Debate
	BullThesis     string
	BullConfidence float64
	BearThesis     string
	BearConfidence float64

	// Risk recommendations
	AggressiveRisk   map[string]any
	ConservativeRisk map[string]any
	NeutralRisk      map[string]any

	// Final decision
	FinalSignal  Signal
	TrendSignal  Trend
	PositionSize float64
	EntryPrice   float64
	StopLoss     float64
	TakeProfit   float64

	Execution *ExecutionResult

	// Append-only rationale stream; entries are tagged with agent names
	AgentExplanations []string

	// Providers maps each agent to the LLM endpoint that served its
	// completion; agents running on local fallbacks leave no entry
	Providers map[string]string

	// Survives downstream copies; the portfolio manager's full output lives
	// under "portfolio_manager_output"
	DecisionAuditTrail map[string]any

	CreatedAt time.Time
}

// New creates the state for a graph run
func New(runID string, profile *instrument.Profile, market MarketSnapshot, macro MacroInputs) *DecisionState {
	return &DecisionState{
		RunID:              runID,
		Instrument:         profile,
		Market:             market,
		MacroIn:            macro,
		FinalSignal:        SignalHold,
		TrendSignal:        TrendNeutral,
		Providers:          make(map[string]string),
		DecisionAuditTrail: make(map[string]any),
		CreatedAt:          time.Now().UTC(),
	}
}

// IncompleteAgents lists the agents whose slot carries the incomplete marker
func (s *DecisionState) IncompleteAgents() []string {
	var names []string
	for _, slot := range []struct {
		name string
		m    map[string]any
	}{
		{"technical", s.Technical},
		{"fundamental", s.Fundamental},
		{"sentiment", s.Sentiment},
		{"macro", s.Macro},
		{"aggressive_risk", s.AggressiveRisk},
		{"conservative_risk", s.ConservativeRisk},
		{"neutral_risk", s.NeutralRisk},
	} {
		if slot.m == nil {
			continue
		}
		if flagged, ok := slot.m[IncompleteJSONKey].(bool); ok && flagged {
			names = append(names, slot.name)
		}
	}
	return names
}

// ProviderNames lists the distinct LLM providers that served this run,
// sorted for stable persistence
func (s *DecisionState) ProviderNames() []string {
	if len(s.Providers) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(s.Providers))
	names := make([]string, 0, len(s.Providers))
	for _, p := range s.Providers {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// LatestCloses returns the last n closes of a timeframe, oldest first
func (s *DecisionState) LatestCloses(timeframe string, n int) []float64 {
	bars := s.Market.Candles[timeframe]
	if len(bars) == 0 {
		return nil
	}
	if n > len(bars) {
		n = len(bars)
	}
	closes := make([]float64, 0, n)
	for _, b := range bars[len(bars)-n:] {
		closes = append(closes, b.Close)
	}
	return closes
}
