package state

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/tradecouncil/internal/instrument"
)

func testProfile(t *testing.T) *instrument.Profile {
	t.Helper()
	p, err := instrument.Detect("BTCUSDT", "binance", "binance")
	require.NoError(t, err)
	return p
}

func analysisCohortUpdates() []*Update {
	return []*Update{
		NewUpdate("technical").
			SetTechnical(map[string]any{"trend": "UP", "strength": 80.0}).
			Explain("trend UP with strength 80"),
		NewUpdate("fundamental").
			SetFundamental(map[string]any{"bullish": 0.75, "bearish": 0.25}).
			Explain("on-chain flows bullish"),
		NewUpdate("sentiment").
			SetSentiment(map[string]any{"score": 0.5}).
			Explain("news tone positive"),
		NewUpdate("macro").
			SetMacro(map[string]any{"headwind": 0.4}).
			Explain("mild macro headwind"),
	}
}

func TestReduce_AssignsDisjointSlots(t *testing.T) {
	s := New("run-1", testProfile(t), MarketSnapshot{Price: 60000}, MacroInputs{})

	require.NoError(t, Reduce(s, analysisCohortUpdates()...))

	assert.Equal(t, "UP", s.Technical["trend"])
	assert.Equal(t, 0.75, s.Fundamental["bullish"])
	assert.Equal(t, 0.5, s.Sentiment["score"])
	assert.Equal(t, 0.4, s.Macro["headwind"])
	assert.Len(t, s.AgentExplanations, 4)
}

func TestReduce_DeterministicUnderInterleaving(t *testing.T) {
	reference := New("run-ref", testProfile(t), MarketSnapshot{Price: 60000}, MacroInputs{})
	require.NoError(t, Reduce(reference, analysisCohortUpdates()...))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		updates := analysisCohortUpdates()
		rng.Shuffle(len(updates), func(a, b int) {
			updates[a], updates[b] = updates[b], updates[a]
		})

		s := New("run-ref", testProfile(t), MarketSnapshot{Price: 60000}, MacroInputs{})
		require.NoError(t, Reduce(s, updates...))

		assert.Equal(t, reference.Technical, s.Technical)
		assert.Equal(t, reference.Fundamental, s.Fundamental)
		assert.Equal(t, reference.Sentiment, s.Sentiment)
		assert.Equal(t, reference.Macro, s.Macro)

		// Explanation order inside a cohort is free; the multiset is not.
		got := append([]string(nil), s.AgentExplanations...)
		want := append([]string(nil), reference.AgentExplanations...)
		sort.Strings(got)
		sort.Strings(want)
		assert.Equal(t, want, got)
	}
}

func TestReduce_RejectsDoubleWrite(t *testing.T) {
	s := New("run-2", testProfile(t), MarketSnapshot{}, MacroInputs{})

	err := Reduce(s,
		NewUpdate("technical").SetTechnical(map[string]any{"trend": "UP"}),
		NewUpdate("impostor").SetTechnical(map[string]any{"trend": "DOWN"}),
	)

	require.Error(t, err)
	assert.Contains(t, err.Error(), `slot "technical"`)
	assert.Contains(t, err.Error(), "impostor")
}

func TestReduce_ExplanationsTaggedWithAgent(t *testing.T) {
	s := New("run-3", testProfile(t), MarketSnapshot{}, MacroInputs{})

	require.NoError(t, Reduce(s,
		NewUpdate("bull").SetBullCase("momentum building", 0.8).Explain("momentum building"),
	))

	require.Len(t, s.AgentExplanations, 1)
	assert.Equal(t, "[bull] momentum building", s.AgentExplanations[0])
	assert.Equal(t, 0.8, s.BullConfidence)
}

func TestReduce_ConfidenceClamped(t *testing.T) {
	s := New("run-4", testProfile(t), MarketSnapshot{}, MacroInputs{})

	require.NoError(t, Reduce(s,
		NewUpdate("bull").SetBullCase("over-excited", 1.7),
		NewUpdate("bear").SetBearCase("under-excited", -0.3),
	))

	assert.Equal(t, 1.0, s.BullConfidence)
	assert.Equal(t, 0.0, s.BearConfidence)
}

func TestReduce_AuditTrailMerges(t *testing.T) {
	s := New("run-5", testProfile(t), MarketSnapshot{}, MacroInputs{})

	pm := NewUpdate("portfolio_manager").
		SetDecision(SignalBuy, TrendBullish, 0.5, 60000, 59100, 61800).
		AddAudit("portfolio_manager_output", map[string]any{"bullish_score": 0.72})

	require.NoError(t, Reduce(s, pm))

	out, ok := s.DecisionAuditTrail["portfolio_manager_output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.72, out["bullish_score"])
	assert.Equal(t, SignalBuy, s.FinalSignal)
	assert.Equal(t, TrendBullish, s.TrendSignal)
}

func TestReduce_RecordsProviderAttribution(t *testing.T) {
	s := New("run-7", testProfile(t), MarketSnapshot{}, MacroInputs{})

	require.NoError(t, Reduce(s,
		NewUpdate("technical").SetTechnical(map[string]any{"trend": "UP"}).SetProvider("groq"),
		NewUpdate("sentiment").SetSentiment(map[string]any{"score": 0.2}).SetProvider("openrouter"),
		NewUpdate("fundamental").SetFundamental(map[string]any{"bullish": 0.6}).SetProvider("groq"),
		// fallback output, no model served it
		NewUpdate("macro").SetMacro(map[string]any{"headwind": 0.0}),
	))

	assert.Equal(t, "groq", s.Providers["technical"])
	assert.Equal(t, "openrouter", s.Providers["sentiment"])
	assert.NotContains(t, s.Providers, "macro")
	assert.Equal(t, []string{"groq", "openrouter"}, s.ProviderNames())
}

func TestProviderNamesEmptyWithoutAttribution(t *testing.T) {
	s := New("run-8", testProfile(t), MarketSnapshot{}, MacroInputs{})
	assert.Nil(t, s.ProviderNames())
}

func TestIncompleteAgents(t *testing.T) {
	s := New("run-6", testProfile(t), MarketSnapshot{}, MacroInputs{})

	require.NoError(t, Reduce(s,
		NewUpdate("technical").SetTechnical(map[string]any{"trend": "UP"}),
		NewUpdate("sentiment").SetSentiment(map[string]any{
			"score":           0.0,
			IncompleteJSONKey: true,
		}),
	))

	assert.Equal(t, []string{"sentiment"}, s.IncompleteAgents())
}

func TestLatestCloses(t *testing.T) {
	s := New("run-7", testProfile(t), MarketSnapshot{
		Candles: map[string][]Candle{
			"1m": {
				{Close: 1}, {Close: 2}, {Close: 3}, {Close: 4},
			},
		},
	}, MacroInputs{})

	assert.Equal(t, []float64{3, 4}, s.LatestCloses("1m", 2))
	assert.Equal(t, []float64{1, 2, 3, 4}, s.LatestCloses("1m", 10))
	assert.Nil(t, s.LatestCloses("5m", 3))
}
