// Package rules defines the machine-evaluable trading rules the strategy
// planner emits and the engine that evaluates them against live ticks. A
// RuleBundle is the canonical hand-off from the strategic layer to the
// execution layer; it lives in the shared cache under rule_bundle:active
// with a TTL equal to its remaining validity.
package rules

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/tradecouncil/tradecouncil/internal/state"
)

// SchemaVersion is the bundle wire format this build reads and writes.
// Bundles with a different major version are rejected on load.
const SchemaVersion = "1.0.0"

// Direction is the trade side a rule fires in.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Scenario tags whether a rule targets current conditions or a
// predicted future setup.
type Scenario string

const (
	ScenarioCurrent Scenario = "CURRENT"
	ScenarioFuture  Scenario = "FUTURE"
)

// ConditionType enumerates the supported predicates.
type ConditionType string

const (
	CondPriceAbove          ConditionType = "price_above"
	CondPriceBelow          ConditionType = "price_below"
	CondRSIAbove            ConditionType = "rsi_above"
	CondRSIBelow            ConditionType = "rsi_below"
	CondOISpikeCE           ConditionType = "oi_spike_ce"
	CondOISpikePE           ConditionType = "oi_spike_pe"
	CondFundingRateAbove    ConditionType = "funding_rate_above"
	CondFundingRateBelow    ConditionType = "funding_rate_below"
	CondVolumeSpike         ConditionType = "volume_spike"
	CondPremiumAcceleration ConditionType = "premium_acceleration"
	CondPriceBreaksResist   ConditionType = "price_breaks_resistance"
	CondPriceBreaksSupport  ConditionType = "price_breaks_support"
)

var knownConditions = map[ConditionType]bool{
	CondPriceAbove:          true,
	CondPriceBelow:          true,
	CondRSIAbove:            true,
	CondRSIBelow:            true,
	CondOISpikeCE:           true,
	CondOISpikePE:           true,
	CondFundingRateAbove:    true,
	CondFundingRateBelow:    true,
	CondVolumeSpike:         true,
	CondPremiumAcceleration: true,
	CondPriceBreaksResist:   true,
	CondPriceBreaksSupport:  true,
}

// Condition is one tagged predicate. Value carries the price, RSI,
// funding-rate, or level threshold; Strike and MinPercent apply to the
// open-interest and spike variants.
type Condition struct {
	Type       ConditionType `json:"type"`
	Value      float64       `json:"value,omitempty"`
	Strike     float64       `json:"strike,omitempty"`
	MinPercent float64       `json:"min_percent,omitempty"`
}

// Rule is one planner-issued trading rule. All conditions must hold for
// the rule to fire; TradesExecuted caps how often it may fire.
type Rule struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Direction       Direction   `json:"direction"`
	Symbol          string      `json:"symbol"`
	Conditions      []Condition `json:"conditions"`
	RiskPercent     float64     `json:"risk_percent"`
	StopLossPercent float64     `json:"stop_loss_percent"`
	TargetPercent   float64     `json:"target_percent"`
	MaxTrades       int         `json:"max_trades"`
	TradesExecuted  int         `json:"trades_executed"`
	Scenario        Scenario    `json:"scenario,omitempty"`
}

// Validate checks the structural requirements: a name, a direction, an
// instrument, and at least one known condition. The planner drops rules
// that fail this before publishing.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	if r.Direction != DirectionBuy && r.Direction != DirectionSell {
		return fmt.Errorf("rule %q has invalid direction %q", r.Name, r.Direction)
	}
	if r.Symbol == "" {
		return fmt.Errorf("rule %q has no instrument", r.Name)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %q has no conditions", r.Name)
	}
	for _, c := range r.Conditions {
		if !knownConditions[c.Type] {
			return fmt.Errorf("rule %q has unknown condition type %q", r.Name, c.Type)
		}
	}
	return nil
}

// Exhausted reports whether the rule has hit its trade cap.
func (r *Rule) Exhausted() bool {
	return r.MaxTrades > 0 && r.TradesExecuted >= r.MaxTrades
}

// RuleBundle pairs a rule set with a strategy id and validity deadline.
// BasePrice and PlanSignal record the market state at planning time so
// the tactical loop can measure drift.
type RuleBundle struct {
	SchemaVersion string       `json:"schema_version"`
	StrategyID    string       `json:"strategy_id"`
	Symbol        string       `json:"symbol"`
	Rules         []Rule       `json:"rules"`
	BasePrice     float64      `json:"base_price"`
	PlanSignal    state.Signal `json:"plan_signal"`
	CreatedAt     time.Time    `json:"created_at"`
	ValidUntil    time.Time    `json:"valid_until"`
}

// Expired reports whether the bundle's validity window has passed.
func (b *RuleBundle) Expired(now time.Time) bool {
	return now.After(b.ValidUntil)
}

// RemainingValidity returns the time left before expiry, clamped to zero
// so clock skew never yields a negative TTL.
func (b *RuleBundle) RemainingValidity(now time.Time) time.Duration {
	d := b.ValidUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CheckSchema verifies the bundle was written by a compatible build.
// Readers and writers may differ in minor version, never in major.
func (b *RuleBundle) CheckSchema() error {
	if b.SchemaVersion == "" {
		return fmt.Errorf("bundle has no schema version")
	}
	have, err := semver.NewVersion(b.SchemaVersion)
	if err != nil {
		return fmt.Errorf("bundle schema version %q: %w", b.SchemaVersion, err)
	}
	want := semver.MustParse(SchemaVersion)
	if have.Major() != want.Major() {
		return fmt.Errorf("bundle schema version %s incompatible with %s", b.SchemaVersion, SchemaVersion)
	}
	return nil
}
