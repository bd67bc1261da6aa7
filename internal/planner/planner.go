// Package planner turns the latest strategic decision into a bundle of
// machine-evaluable trading rules. It runs on the strategic tick, after
// the orchestration graph, and publishes its bundle to the shared cache
// where the rule engine picks it up.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/indicators"
	"github.com/tradecouncil/tradecouncil/internal/instrument"
	"github.com/tradecouncil/tradecouncil/internal/llm"
	"github.com/tradecouncil/tradecouncil/internal/market"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/rules"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

const (
	// maxRules caps how many rules one bundle may carry.
	maxRules = 5
	// validityGrace extends the bundle past the next strategic tick so
	// a slow graph run does not leave the execution loop ruleless.
	validityGrace = 5 * time.Minute

	plannerTemperature = 0.4
)

// Completer is the slice of the provider manager the planner needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error)
}

// Planner builds rule bundles from decision state snapshots.
type Planner struct {
	profile   *instrument.Profile
	completer Completer
	cache     *market.Cache
	cadence   time.Duration
	logger    zerolog.Logger
}

// New wires the planner. cadence is the strategic loop period; bundle
// validity is cadence plus a grace window.
func New(profile *instrument.Profile, completer Completer, cache *market.Cache, cadence time.Duration) *Planner {
	return &Planner{
		profile:   profile,
		completer: completer,
		cache:     cache,
		cadence:   cadence,
		logger:    config.NewLogger("planner"),
	}
}

// ruleWire is the JSON shape the model replies with.
type ruleWire struct {
	Name            string            `json:"name"`
	Direction       string            `json:"direction"`
	Scenario        string            `json:"scenario"`
	Conditions      []rules.Condition `json:"conditions"`
	RiskPercent     float64           `json:"risk_percent"`
	StopLossPercent float64           `json:"stop_loss_percent"`
	TargetPercent   float64           `json:"target_percent"`
	MaxTrades       int               `json:"max_trades"`
}

type bundleWire struct {
	Rules []ruleWire `json:"rules"`
}

// Plan derives a rule bundle from the finished graph run and publishes
// it. The returned bundle is already in the cache.
func (p *Planner) Plan(ctx context.Context, st *state.DecisionState) (*rules.RuleBundle, error) {
	if st == nil || st.Market.Price <= 0 {
		metrics.PlannerRuns.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("planner needs a priced market snapshot")
	}

	prompt := p.buildPrompt(ctx, st)

	result, err := p.completer.Complete(ctx, llm.CompletionRequest{
		AgentName:   "strategy_planner",
		System:      plannerSystemPrompt,
		User:        prompt,
		Temperature: plannerTemperature,
		Schema: map[string]string{
			"rules": "array of 3-5 rule objects, each with name (string), direction (BUY or SELL), scenario (CURRENT or FUTURE), conditions (array of {type, value, strike, min_percent}), risk_percent, stop_loss_percent, target_percent, max_trades",
		},
	})
	if err != nil {
		metrics.PlannerRuns.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("planner completion failed: %w", err)
	}

	raw, err := llm.ExtractJSONObject(result.Text)
	if err != nil {
		metrics.PlannerRuns.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("planner response unparseable: %w", err)
	}
	var wire bundleWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		metrics.PlannerRuns.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("planner response decode: %w", err)
	}

	now := time.Now().UTC()
	bundle := &rules.RuleBundle{
		SchemaVersion: rules.SchemaVersion,
		StrategyID:    uuid.New().String(),
		Symbol:        p.profile.Symbol,
		BasePrice:     st.Market.Price,
		PlanSignal:    st.FinalSignal,
		CreatedAt:     now,
		ValidUntil:    now.Add(p.cadence + validityGrace),
	}

	for _, rw := range wire.Rules {
		rule := rules.Rule{
			ID:              uuid.New().String(),
			Name:            rw.Name,
			Direction:       rules.Direction(strings.ToUpper(rw.Direction)),
			Symbol:          p.profile.Symbol,
			Conditions:      rw.Conditions,
			RiskPercent:     rw.RiskPercent,
			StopLossPercent: rw.StopLossPercent,
			TargetPercent:   rw.TargetPercent,
			MaxTrades:       rw.MaxTrades,
			Scenario:        rules.Scenario(strings.ToUpper(rw.Scenario)),
		}
		applyRuleDefaults(&rule)
		if err := rule.Validate(); err != nil {
			p.logger.Warn().Err(err).Msg("Dropping invalid planner rule")
			metrics.RecordRuleRejection(err.Error())
			continue
		}
		bundle.Rules = append(bundle.Rules, rule)
		if len(bundle.Rules) == maxRules {
			break
		}
	}

	if len(bundle.Rules) == 0 {
		metrics.PlannerRuns.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("planner produced no valid rules")
	}

	if err := p.Publish(ctx, bundle); err != nil {
		return nil, err
	}

	metrics.PlannerRuns.WithLabelValues(metrics.OutcomeSuccess).Inc()
	p.logger.Info().
		Str("strategy_id", bundle.StrategyID).
		Int("rules", len(bundle.Rules)).
		Time("valid_until", bundle.ValidUntil).
		Msg("Rule bundle published")

	return bundle, nil
}

// Publish writes the bundle under the well-known key with TTL equal to
// its remaining validity.
func (p *Planner) Publish(ctx context.Context, bundle *rules.RuleBundle) error {
	ttl := bundle.RemainingValidity(time.Now())
	if ttl <= 0 {
		return fmt.Errorf("refusing to publish an already-expired bundle")
	}
	if err := p.cache.SetJSON(ctx, market.BundleKey, bundle, ttl); err != nil {
		return fmt.Errorf("failed to publish rule bundle: %w", err)
	}
	return nil
}

// applyRuleDefaults fills sane risk parameters when the model leaves
// them out.
func applyRuleDefaults(r *rules.Rule) {
	if r.RiskPercent <= 0 || r.RiskPercent > 10 {
		r.RiskPercent = 2
	}
	if r.StopLossPercent <= 0 {
		r.StopLossPercent = 1.5
	}
	if r.TargetPercent <= 0 {
		r.TargetPercent = 3
	}
	if r.MaxTrades <= 0 {
		r.MaxTrades = 1
	}
	if r.Scenario != rules.ScenarioCurrent && r.Scenario != rules.ScenarioFuture {
		r.Scenario = rules.ScenarioCurrent
	}
}

const plannerSystemPrompt = `You are a trading strategy planner. You convert a completed market analysis into a small set of precise, machine-evaluable trading rules. Mix CURRENT-scenario rules (conditions already near) with FUTURE-scenario rules (what-if setups such as funding reversals, breakouts, or open-interest build-ups). Only use the condition types you are given. Be conservative: fewer good rules beat many weak ones.`

// buildPrompt renders the market picture plus what-if scaffolding.
func (p *Planner) buildPrompt(ctx context.Context, st *state.DecisionState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Instrument: %s on %s (%s)\n", p.profile.Symbol, p.profile.Venue, p.profile.Type)
	fmt.Fprintf(&b, "Current price: %.4f\n", st.Market.Price)
	fmt.Fprintf(&b, "Latest decision: %s (trend %s)\n", st.FinalSignal, st.TrendSignal)

	closes := st.LatestCloses("1m", 20)
	if rsi, err := indicators.RSI(closes, indicators.FastRSIPeriod); err == nil {
		fmt.Fprintf(&b, "RSI(5): %.1f (%s)\n", rsi, indicators.ClassifyRSI(rsi))
	}

	if bars := st.Market.Candles["1m"]; len(bars) > 0 {
		highs := make([]float64, len(bars))
		lows := make([]float64, len(bars))
		for i, bar := range bars {
			highs[i] = bar.High
			lows[i] = bar.Low
		}
		if lv, err := indicators.RecentLevels(highs, lows, indicators.DefaultLevelBars); err == nil {
			fmt.Fprintf(&b, "Support: %.4f  Resistance: %.4f (last %d bars)\n", lv.Support, lv.Resistance, lv.Bars)
		}
	}

	if p.profile.HasFutures && p.cache != nil {
		if snap, ok := p.cache.GetFutures(ctx, p.profile.Symbol); ok {
			fmt.Fprintf(&b, "Funding rate: %.6f  Open interest: %.0f\n", snap.FundingRate, snap.OpenInterest)
			for _, s := range snap.Strikes {
				fmt.Fprintf(&b, "Strike %.0f: call OI %.0f, put OI %.0f\n", s.Strike, s.CallOI, s.PutOI)
			}
		}
	}

	b.WriteString("\nAllowed condition types: price_above, price_below, rsi_above, rsi_below, ")
	b.WriteString("oi_spike_ce, oi_spike_pe, funding_rate_above, funding_rate_below, ")
	b.WriteString("volume_spike, premium_acceleration, price_breaks_resistance, price_breaks_support.\n")
	b.WriteString("Consider what-if scenarios: a funding-rate reversal, a breakout above resistance, ")
	b.WriteString("a breakdown below support, a call or put open-interest spike at a nearby strike.\n")
	b.WriteString("Produce 3 to 5 rules.")

	return b.String()
}
