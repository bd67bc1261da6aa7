package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

func marketState(t *testing.T) *state.DecisionState {
	t.Helper()
	bars := make([]state.Candle, 0, 40)
	price := 59000.0
	for i := 0; i < 40; i++ {
		bars = append(bars, state.Candle{
			Open: price, High: price + 80, Low: price - 50, Close: price + 25, Volume: 12,
		})
		price += 25
	}
	return state.New("run-1", testProfile(t), state.MarketSnapshot{
		Price:   60000,
		BestBid: 59995,
		BestAsk: 60005,
		Candles: map[string][]state.Candle{"15m": bars},
		News: []state.NewsItem{
			{Title: "ETF inflows continue", Source: "wire", Sentiment: 0.6},
			{Title: "Exchange outage resolved", Source: "wire", Sentiment: -0.1},
		},
		SentimentScore: 0.3,
	}, state.MacroInputs{PolicyRate: 5.25, InflationRate: 3.1})
}

func TestTechnicalAgentParsesReply(t *testing.T) {
	completer := &scriptedCompleter{text: `{
		"trend": "up", "strength": 72, "momentum": "rising",
		"support": 59400, "resistance": 60600,
		"summary": "higher highs", "confidence": 0.8
	}`}
	agent := NewTechnicalAgent(testOptions(t, completer))
	st := marketState(t)

	update, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, update))

	assert.Equal(t, "UP", st.Technical["trend"])
	assert.Equal(t, 72.0, st.Technical["strength"])
	assert.Equal(t, 0.8, st.Technical["confidence"])
	// locally-computed indicators ride along in the slot
	assert.Contains(t, st.Technical, "rsi")
	assert.Contains(t, st.Technical, "atr")
	assert.Empty(t, st.IncompleteAgents())
	assert.Equal(t, "test", st.Providers["technical"], "serving provider is attributed")
}

func TestTechnicalAgentFallsBackOnError(t *testing.T) {
	agent := NewTechnicalAgent(testOptions(t, &scriptedCompleter{err: errors.New("all providers failed")}))
	st := marketState(t)

	update, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, update))

	assert.Equal(t, "SIDEWAYS", st.Technical["trend"])
	assert.Equal(t, 0.2, st.Technical["confidence"])
	assert.Greater(t, st.Technical["resistance"].(float64), st.Technical["support"].(float64))
	assert.NotContains(t, st.Providers, "technical", "a local fallback names no provider")
}

func TestSentimentAgentMarksTruncatedReply(t *testing.T) {
	// unbalanced braces: no JSON object can be extracted
	completer := &scriptedCompleter{text: `{"score": 0.4, "shift": "IMPROVING", "summ`}
	agent := NewSentimentAgent(testOptions(t, completer))
	st := marketState(t)

	update, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, update))

	// the slot is populated with defaults and carries the marker
	assert.Equal(t, 0.3, st.Sentiment["score"], "falls back to the raw feed score")
	assert.Equal(t, "STABLE", st.Sentiment["shift"])
	assert.Equal(t, []string{"sentiment"}, st.IncompleteAgents())
}

func TestSentimentAgentRetriesOnceWhenEnabled(t *testing.T) {
	completer := &scriptedCompleter{text: `{"score": 0.4, "shift`}
	opts := testOptions(t, completer)
	opts.RetryIncomplete = true
	agent := NewSentimentAgent(opts)

	_, err := agent.Process(context.Background(), marketState(t))
	require.NoError(t, err)
	assert.Equal(t, 2, completer.calls)
}

func TestFundamentalAgentClampsFactors(t *testing.T) {
	completer := &scriptedCompleter{text: `{
		"bullish_factors": 1.8, "bearish_factors": -0.3,
		"flow_bias": "buy", "summary": "bid heavy", "confidence": 0.7
	}`}
	agent := NewFundamentalAgent(testOptions(t, completer))
	st := marketState(t)

	update, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, update))

	assert.Equal(t, 1.0, st.Fundamental["bullish_factors"])
	assert.Equal(t, 0.0, st.Fundamental["bearish_factors"])
	assert.Equal(t, "BUY", st.Fundamental["flow_bias"])
}

func TestMacroAgentDefaultsOnFailure(t *testing.T) {
	agent := NewMacroAgent(testOptions(t, &scriptedCompleter{err: errors.New("down")}))
	st := marketState(t)

	update, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, update))

	assert.Equal(t, 0.0, st.Macro["sector_headwind"])
	assert.Equal(t, "NEUTRAL", st.Macro["rate_pressure"])
}

func TestDebateAgentsWriteBothSides(t *testing.T) {
	bullCompleter := &scriptedCompleter{text: `{"thesis": "momentum and flows favor longs", "confidence": 0.8}`}
	bearCompleter := &scriptedCompleter{text: `{"thesis": "macro headwind caps upside", "confidence": 0.35}`}
	st := marketState(t)

	bullUpdate, err := NewBullAgent(testOptions(t, bullCompleter)).Process(context.Background(), st)
	require.NoError(t, err)
	bearUpdate, err := NewBearAgent(testOptions(t, bearCompleter)).Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, bullUpdate, bearUpdate))

	assert.Equal(t, "momentum and flows favor longs", st.BullThesis)
	assert.Equal(t, 0.8, st.BullConfidence)
	assert.Equal(t, "macro headwind caps upside", st.BearThesis)
	assert.Equal(t, 0.35, st.BearConfidence)
}

func TestDebateAgentLowConfidenceOnFailure(t *testing.T) {
	st := marketState(t)
	update, err := NewBullAgent(testOptions(t, &scriptedCompleter{err: errors.New("down")})).Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, update))

	assert.NotEmpty(t, st.BullThesis)
	assert.Equal(t, 0.2, st.BullConfidence)
}

func TestRiskAgentEnforcesProfileCap(t *testing.T) {
	completer := &scriptedCompleter{text: `{
		"position_size": 0.5, "stop_loss_pct": 0.02, "take_profit": 0.04,
		"reasoning": "max conviction", "confidence": 0.9
	}`}
	rp := config.RiskProfile{MaxPositionSize: 0.10, RiskPerTrade: 0.02, StopLossPct: 0.015, TakeProfitPct: 0.03}
	agent := NewRiskAgent("neutral", rp, testOptions(t, completer))
	st := marketState(t)

	update, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, update))

	assert.Equal(t, 0.10, st.NeutralRisk["position_size"], "the profile cap is a hard ceiling")
}

func TestRiskAgentVariantsWriteDistinctSlots(t *testing.T) {
	reply := `{"position_size": 0.03, "stop_loss_pct": 0.015, "take_profit": 0.03, "reasoning": "ok", "confidence": 0.6}`
	rp := config.RiskProfile{MaxPositionSize: 0.20, RiskPerTrade: 0.02, StopLossPct: 0.015, TakeProfitPct: 0.03}
	st := marketState(t)

	var updates []*state.Update
	for _, variant := range []string{"aggressive", "conservative", "neutral"} {
		u, err := NewRiskAgent(variant, rp, testOptions(t, &scriptedCompleter{text: reply})).Process(context.Background(), st)
		require.NoError(t, err)
		updates = append(updates, u)
	}
	require.NoError(t, state.Reduce(st, updates...))

	assert.NotNil(t, st.AggressiveRisk)
	assert.NotNil(t, st.ConservativeRisk)
	assert.NotNil(t, st.NeutralRisk)
}

func TestContextCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	agent := NewTechnicalAgent(testOptions(t, &scriptedCompleter{err: context.Canceled}))
	_, err := agent.Process(ctx, marketState(t))
	assert.Error(t, err)
}
