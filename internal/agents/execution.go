package agents

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradecouncil/tradecouncil/internal/broker"
	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/instrument"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// ExecutionAgent routes an actionable decision to the broker. It is
// the only graph node with side effects and makes no LLM calls.
type ExecutionAgent struct {
	name    string
	profile *instrument.Profile
	broker  broker.Broker
	capital float64
	logger  zerolog.Logger
}

func NewExecutionAgent(profile *instrument.Profile, b broker.Broker, capital float64) *ExecutionAgent {
	return &ExecutionAgent{
		name:    "execution",
		profile: profile,
		broker:  b,
		capital: capital,
		logger:  config.NewAgentLogger("execution", "execution"),
	}
}

func (a *ExecutionAgent) Name() string { return a.name }

// Process places at most one order per run. The client id is derived
// from the run id, so a replayed run cannot double-fill.
func (a *ExecutionAgent) Process(ctx context.Context, st *state.DecisionState) (*state.Update, error) {
	if !st.FinalSignal.IsBuy() && !st.FinalSignal.IsSell() {
		return state.NewUpdate(a.name).Explain("no order: signal %s", st.FinalSignal), nil
	}
	if st.PositionSize <= 0 || st.Market.Price <= 0 {
		return state.NewUpdate(a.name).Explain("no order: zero size for %s", st.FinalSignal), nil
	}

	side := broker.SideBuy
	if st.FinalSignal.IsSell() {
		side = broker.SideSell
	}

	qty := a.quantity(st.PositionSize, st.Market.Price)
	if qty <= 0 {
		return state.NewUpdate(a.name).Explain("no order: sized quantity rounds to zero"), nil
	}

	req := broker.OrderRequest{
		ClientID:   "decision-" + st.RunID,
		Symbol:     a.profile.Symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: st.EntryPrice,
		StopLoss:   st.StopLoss,
		TakeProfit: st.TakeProfit,
	}

	start := time.Now()
	res, err := a.broker.PlaceOrder(ctx, req)
	elapsed := float64(time.Since(start).Milliseconds())
	if err != nil {
		metrics.RecordOrder(string(side), "error", elapsed)
		return nil, fmt.Errorf("order placement failed: %w", err)
	}
	if res.Status == broker.StatusRejected {
		metrics.RecordOrder(string(side), "rejected", elapsed)
		return state.NewUpdate(a.name).
			Explain("order rejected: %s", res.Message), nil
	}

	metrics.RecordOrder(string(side), "filled", elapsed)
	a.logger.Info().
		Str("order_id", res.OrderID).
		Str("side", string(side)).
		Float64("quantity", res.FilledQuantity).
		Float64("price", res.FilledPrice).
		Msg("Order placed")

	return state.NewUpdate(a.name).
		SetExecution(&state.ExecutionResult{
			OrderID:        res.OrderID,
			FilledPrice:    res.FilledPrice,
			FilledQuantity: res.FilledQuantity,
			Timestamp:      res.Timestamp,
		}).
		Explain("%s %.6f %s at %.4f (order %s)", side, res.FilledQuantity, a.profile.Symbol, res.FilledPrice, res.OrderID), nil
}

// quantity converts a capital fraction into units. Lot-based
// instruments round down to whole units.
func (a *ExecutionAgent) quantity(fraction, price float64) float64 {
	qty := a.capital * fraction / price
	if !a.profile.Type.IsCrypto() {
		qty = math.Floor(qty)
	}
	return qty
}
