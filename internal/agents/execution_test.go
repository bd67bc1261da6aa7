package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/tradecouncil/internal/broker"
	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

func executionSetup(t *testing.T) (*ExecutionAgent, *broker.PaperBroker) {
	t.Helper()
	pb := broker.NewPaperBroker(config.FeeConfig{})
	pb.SetMarketPrice("BTCUSDT", 60000)
	return NewExecutionAgent(testProfile(t), pb, 100000), pb
}

func buyDecision(t *testing.T, runID string) *state.DecisionState {
	t.Helper()
	st := state.New(runID, testProfile(t), state.MarketSnapshot{Price: 60000}, state.MacroInputs{})
	st.FinalSignal = state.SignalBuy
	st.TrendSignal = state.TrendBullish
	st.PositionSize = 0.06
	st.EntryPrice = 60000
	st.StopLoss = 59100
	st.TakeProfit = 61800
	return st
}

func TestExecutionPlacesBuyOrder(t *testing.T) {
	agent, pb := executionSetup(t)
	st := buyDecision(t, "run-7")

	update, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, update))

	require.NotNil(t, st.Execution)
	assert.NotEmpty(t, st.Execution.OrderID)
	// 100000 * 0.06 / 60000 = 0.1 BTC
	assert.InDelta(t, 0.1, st.Execution.FilledQuantity, 1e-9)

	qty, _, ok := pb.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.1, qty, 1e-9)
}

func TestExecutionSkipsHold(t *testing.T) {
	agent, pb := executionSetup(t)
	st := buyDecision(t, "run-8")
	st.FinalSignal = state.SignalHold
	st.PositionSize = 0

	update, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, update))

	assert.Nil(t, st.Execution)
	_, _, ok := pb.Position("BTCUSDT")
	assert.False(t, ok)
}

func TestExecutionIsIdempotentPerRun(t *testing.T) {
	agent, pb := executionSetup(t)
	st := buyDecision(t, "run-9")

	first, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	second, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, state.Reduce(st, first))

	// the replayed client id returns the original fill, no double order
	_ = second
	qty, _, ok := pb.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.1, qty, 1e-9)
}

func TestExecutionZeroSizeSkips(t *testing.T) {
	agent, _ := executionSetup(t)
	st := buyDecision(t, "run-10")
	st.PositionSize = 0

	update, err := agent.Process(context.Background(), st)
	require.NoError(t, err)
	assert.False(t, update.IsEmpty())
	require.NoError(t, state.Reduce(st, update))
	assert.Nil(t, st.Execution)
}
