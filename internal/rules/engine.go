package rules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradecouncil/tradecouncil/internal/alerts"
	"github.com/tradecouncil/tradecouncil/internal/broker"
	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/indicators"
	"github.com/tradecouncil/tradecouncil/internal/instrument"
	"github.com/tradecouncil/tradecouncil/internal/market"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
)

// Signal is one trade the engine decided to take. EntryPrice is the
// latest tick at evaluation time.
type Signal struct {
	RuleID          string    `json:"rule_id"`
	RuleName        string    `json:"rule_name"`
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	EntryPrice      float64   `json:"entry_price"`
	RiskPercent     float64   `json:"risk_percent"`
	StopLossPercent float64   `json:"stop_loss_percent"`
	TargetPercent   float64   `json:"target_percent"`
	Timestamp       time.Time `json:"timestamp"`
}

// StopLoss returns the bracket stop for the signal's direction.
func (s *Signal) StopLoss() float64 {
	if s.Direction == DirectionSell {
		return s.EntryPrice * (1 + s.StopLossPercent/100)
	}
	return s.EntryPrice * (1 - s.StopLossPercent/100)
}

// TakeProfit returns the bracket target for the signal's direction.
func (s *Signal) TakeProfit() float64 {
	if s.Direction == DirectionSell {
		return s.EntryPrice * (1 - s.TargetPercent/100)
	}
	return s.EntryPrice * (1 + s.TargetPercent/100)
}

// TradeRecorder persists one executed rule trade.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, sig Signal, res *broker.OrderResult) error
}

// Engine evaluates the active bundle against each tick and routes
// matches to the broker. One engine serves one instrument profile.
type Engine struct {
	profile *instrument.Profile
	cache   *market.Cache
	broker  broker.Broker
	trades  TradeRecorder
	alerter *alerts.Manager
	logger  zerolog.Logger

	ctx     *Context
	capital float64
}

// NewEngine wires the rule engine. The trade recorder and alerter may
// be nil; capital sizes rule-driven positions.
func NewEngine(profile *instrument.Profile, cache *market.Cache, brk broker.Broker, trades TradeRecorder, alerter *alerts.Manager, capital float64) *Engine {
	return &Engine{
		profile: profile,
		cache:   cache,
		broker:  brk,
		trades:  trades,
		alerter: alerter,
		logger:  config.NewLogger("rules"),
		ctx:     NewContext(),
		capital: capital,
	}
}

// Context exposes the live indicator context for observers and tests.
func (e *Engine) Context() *Context { return e.ctx }

// LoadBundle fetches the active bundle from the cache. Absence or a
// schema mismatch reads as "no active rules".
func (e *Engine) LoadBundle(ctx context.Context) (*RuleBundle, bool) {
	var bundle RuleBundle
	if !e.cache.GetJSON(ctx, market.BundleKey, &bundle) {
		return nil, false
	}
	if err := bundle.CheckSchema(); err != nil {
		e.logger.Warn().Err(err).Msg("Ignoring rule bundle with incompatible schema")
		metrics.RecordRuleRejection("schema version mismatch")
		return nil, false
	}
	if bundle.Expired(time.Now()) {
		return nil, false
	}
	return &bundle, true
}

// SaveBundle writes updated trade counters back so max-trades caps
// survive across polls. TTL stays at the remaining validity.
func (e *Engine) SaveBundle(ctx context.Context, bundle *RuleBundle) {
	ttl := bundle.RemainingValidity(time.Now())
	if ttl <= 0 {
		return
	}
	if err := e.cache.SetJSON(ctx, market.BundleKey, bundle, ttl); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to persist bundle counters")
	}
}

// Step is one execution-loop iteration: observe the tick, evaluate the
// active bundle, execute matches. Returns how many trades were placed.
func (e *Engine) Step(ctx context.Context, tick *market.Tick) (int, error) {
	if tick == nil {
		return 0, nil
	}
	e.ctx.ObserveTick(tick)

	if snap, ok := e.cache.GetFutures(ctx, tick.Symbol); ok {
		e.ctx.ObserveFutures(snap)
	}

	bundle, ok := e.LoadBundle(ctx)
	if !ok {
		return 0, nil
	}

	signals := e.Evaluate(bundle, tick)
	if len(signals) == 0 {
		return 0, nil
	}

	placed := 0
	for _, sig := range signals {
		if err := e.Execute(ctx, sig); err != nil {
			e.logger.Error().Err(err).Str("rule", sig.RuleName).Msg("Rule trade failed")
			continue
		}
		placed++
		for i := range bundle.Rules {
			if bundle.Rules[i].ID == sig.RuleID {
				bundle.Rules[i].TradesExecuted++
			}
		}
	}
	if placed > 0 {
		e.SaveBundle(ctx, bundle)
	}
	return placed, nil
}

// Evaluate checks every rule in the bundle against the current context.
// Evaluation is pure: the same bundle and context yield the same
// signals. Trade counters are not advanced here.
func (e *Engine) Evaluate(bundle *RuleBundle, tick *market.Tick) []Signal {
	start := time.Now()
	metrics.ActiveRules.Set(float64(len(bundle.Rules)))

	var signals []Signal
	for i := range bundle.Rules {
		rule := &bundle.Rules[i]
		if rule.Symbol != tick.Symbol {
			continue
		}
		if rule.Exhausted() {
			metrics.RecordRuleEvaluation("exhausted", 0)
			continue
		}
		if !e.match(rule, tick.Symbol) {
			metrics.RecordRuleEvaluation("no_match", 0)
			continue
		}
		metrics.RecordRuleEvaluation("match", float64(time.Since(start).Milliseconds()))
		e.logger.Info().
			Str("rule", rule.Name).
			Str("direction", string(rule.Direction)).
			Float64("price", tick.Price).
			Msg("Rule matched")

		signals = append(signals, Signal{
			RuleID:          rule.ID,
			RuleName:        rule.Name,
			Symbol:          rule.Symbol,
			Direction:       rule.Direction,
			EntryPrice:      tick.Price,
			RiskPercent:     rule.RiskPercent,
			StopLossPercent: rule.StopLossPercent,
			TargetPercent:   rule.TargetPercent,
			Timestamp:       tick.Timestamp,
		})
	}

	metrics.RuleEvalDuration.Observe(float64(time.Since(start).Milliseconds()))
	return signals
}

// match requires every condition of the rule to hold.
func (e *Engine) match(rule *Rule, symbol string) bool {
	st, ok := e.ctx.snapshot(symbol)
	if !ok {
		return false
	}
	for _, cond := range rule.Conditions {
		if !evalCondition(cond, &st) {
			return false
		}
	}
	return true
}

func evalCondition(cond Condition, st *instrumentState) bool {
	switch cond.Type {
	case CondPriceAbove:
		return st.latestPrice > cond.Value
	case CondPriceBelow:
		return st.latestPrice > 0 && st.latestPrice < cond.Value

	case CondRSIAbove, CondRSIBelow:
		value, err := indicators.RSI(st.prices, indicators.FastRSIPeriod)
		if err != nil {
			return false
		}
		if cond.Type == CondRSIAbove {
			return value > cond.Value
		}
		return value < cond.Value

	case CondOISpikeCE:
		s := st.strikes[cond.Strike]
		return s != nil && s.callChange >= cond.MinPercent
	case CondOISpikePE:
		s := st.strikes[cond.Strike]
		return s != nil && s.putChange >= cond.MinPercent

	case CondFundingRateAbove:
		return st.hasFunding && st.fundingRate > cond.Value
	case CondFundingRateBelow:
		return st.hasFunding && st.fundingRate < cond.Value

	case CondVolumeSpike:
		return volumeSpike(st.volumes, cond.MinPercent)
	case CondPremiumAcceleration:
		return premiumAcceleration(st.premiums, cond.MinPercent)

	case CondPriceBreaksResist:
		return st.latestPrice > cond.Value
	case CondPriceBreaksSupport:
		return st.latestPrice > 0 && st.latestPrice < cond.Value
	}
	return false
}

// volumeSpike holds when the latest volume exceeds the rolling mean of
// the preceding samples by min percent. Below five samples the mean is
// noise, so the predicate is false.
func volumeSpike(volumes []float64, minPercent float64) bool {
	if len(volumes) < volumeMinSamples {
		return false
	}
	latest := volumes[len(volumes)-1]
	prev := volumes[:len(volumes)-1]
	var sum float64
	for _, v := range prev {
		sum += v
	}
	mean := sum / float64(len(prev))
	if mean <= 0 {
		return false
	}
	return latest >= mean*(1+minPercent/100)
}

// premiumAcceleration holds when the premium has moved at least min
// percent over the last three samples and each tick delta grows.
func premiumAcceleration(premiums []float64, minPercent float64) bool {
	if len(premiums) < premiumWindow+1 {
		return false
	}
	window := premiums[len(premiums)-premiumWindow-1:]
	first, last := window[0], window[len(window)-1]
	if first <= 0 {
		return false
	}
	if (last-first)/first*100 < minPercent {
		return false
	}
	prevDelta := math.Inf(-1)
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta <= prevDelta {
			return false
		}
		prevDelta = delta
	}
	return true
}

// Execute sizes and places one signal's order and persists the trade.
func (e *Engine) Execute(ctx context.Context, sig Signal) error {
	qty := e.Quantity(sig.EntryPrice, sig.RiskPercent)
	if qty <= 0 {
		return fmt.Errorf("rule %q sized to zero quantity at price %.2f", sig.RuleName, sig.EntryPrice)
	}

	req := broker.OrderRequest{
		ClientID:   clientID(sig.RuleID, sig.Timestamp),
		Symbol:     sig.Symbol,
		Side:       broker.Side(sig.Direction),
		Quantity:   qty,
		EntryPrice: sig.EntryPrice,
		StopLoss:   sig.StopLoss(),
		TakeProfit: sig.TakeProfit(),
	}

	res, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		e.alerter.Dispatch(alerts.OrderFailed(sig.Symbol, string(sig.Direction), qty, err))
		return fmt.Errorf("failed to place rule order: %w", err)
	}
	if res.Status == broker.StatusRejected {
		rejErr := fmt.Errorf("order rejected: %s", res.Message)
		e.alerter.Dispatch(alerts.OrderFailed(sig.Symbol, string(sig.Direction), qty, rejErr))
		return rejErr
	}

	e.logger.Info().
		Str("rule", sig.RuleName).
		Str("order_id", res.OrderID).
		Float64("filled_price", res.FilledPrice).
		Float64("quantity", res.FilledQuantity).
		Msg("Rule trade executed")

	if e.trades != nil {
		if err := e.trades.RecordTrade(ctx, sig, res); err != nil {
			e.logger.Warn().Err(err).Str("rule", sig.RuleName).Msg("Failed to persist trade record")
		}
	}
	return nil
}

// Quantity applies the instrument-aware sizing rule: risk percent of
// capital at the entry price, fractional on crypto venues and floored
// to whole units everywhere else.
func (e *Engine) Quantity(price, riskPercent float64) float64 {
	if price <= 0 || riskPercent <= 0 || e.capital <= 0 {
		return 0
	}
	qty := e.capital * riskPercent / 100 / price
	if e.profile != nil && !e.profile.Type.IsCrypto() {
		qty = math.Floor(qty)
	}
	return qty
}

// clientID is deterministic per rule per minute bucket, so a retried
// submission within the bucket cannot double-fill.
func clientID(ruleID string, at time.Time) string {
	return fmt.Sprintf("rule-%s-%d", ruleID, at.Unix()/60)
}
