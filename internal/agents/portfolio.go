package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tradecouncil/tradecouncil/internal/llm"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// Scoring weights across the analysis sources. They sum to 1.
const (
	weightTechnical   = 0.30
	weightFundamental = 0.25
	weightSentiment   = 0.15
	weightMacro       = 0.15
	weightDebate      = 0.15
)

// trendMargin is the bull-bear score gap that flips the trend signal
// off NEUTRAL.
const trendMargin = 0.15

// Deterministic backstop limits for an accepted BUY.
const (
	maxBearProbability = 0.45
	minUpsidePct       = 0.25
)

// Scores is the weighted bull/bear pair the signal selection runs on.
type Scores struct {
	Bullish float64 `json:"bullish"`
	Bearish float64 `json:"bearish"`
}

// Scenario is one forward-looking price path.
type Scenario struct {
	Target15m   float64  `json:"target_15m"`
	Target60m   float64  `json:"target_60m"`
	Probability float64  `json:"probability"`
	Catalysts   []string `json:"catalysts"`
}

// ScenarioMap carries the base, bull, and bear paths.
type ScenarioMap struct {
	Base Scenario `json:"base"`
	Bull Scenario `json:"bull"`
	Bear Scenario `json:"bear"`
}

// PortfolioAgent is the decision node: it scores the finished slots,
// picks the signal against adaptive thresholds, builds the scenario
// map, and gates accepted buys.
type PortfolioAgent struct {
	base
}

func NewPortfolioAgent(opts Options) *PortfolioAgent {
	return &PortfolioAgent{base: newBase("portfolio_manager", "decision", opts)}
}

// Process is deterministic except for the veto head; a dead model can
// only make the decision more conservative, never less.
func (a *PortfolioAgent) Process(ctx context.Context, st *state.DecisionState) (*state.Update, error) {
	scores := Score(st)
	v := VolatilityFactor(atrRatio(st))
	signal, sizeModifier := SelectSignal(scores, v)
	trend := trendOf(scores)

	size, stop, take := a.sizing(st, signal, sizeModifier)
	scenarios := buildScenarios(st, signal)

	var gatingReasons []string
	var vetoProvider string
	if signal.IsBuy() {
		signal, size, gatingReasons, vetoProvider = a.gate(ctx, st, signal, size, scenarios)
	}
	if signal == state.SignalHold {
		size = 0
	}

	entry := st.Market.Price
	summary := fmt.Sprintf("%s %s: bullish %.3f vs bearish %.3f (volatility factor %.2f), size %.4f",
		signal, a.profile().Symbol, scores.Bullish, scores.Bearish, v, size)

	output := map[string]any{
		"signal":            signal,
		"trend":             trend,
		"scores":            scores,
		"volatility_factor": v,
		"position_size":     size,
		"entry_price":       entry,
		"stop_loss":         stop,
		"take_profit":       take,
		"scenarios":         scenarios,
		"gating_reasons":    gatingReasons,
		"adaptive_strategy": map[string]any{
			"strong_threshold":   0.70 * v,
			"moderate_threshold": 0.60 * v,
			"weak_threshold":     0.55 * v,
			"opposite_threshold": 0.35 / v,
		},
		"executive_summary": summary,
	}

	metrics.RecordDecision(string(signal))
	a.logger.Info().
		Str("signal", string(signal)).
		Float64("bullish", scores.Bullish).
		Float64("bearish", scores.Bearish).
		Float64("size", size).
		Strs("gating_reasons", gatingReasons).
		Msg("Decision made")

	u := state.NewUpdate(a.name).
		SetDecision(signal, trend, size, entry, stop, take).
		AddAudit("portfolio_manager_output", output).
		Explain("%s", summary)
	if vetoProvider != "" {
		u.SetProvider(vetoProvider)
	}
	return u, nil
}

// Score maps the analysis slots and the debate into the weighted
// bull/bear pair. Missing slots contribute their neutral midpoint.
func Score(st *state.DecisionState) Scores {
	var s Scores

	trend := strings.ToUpper(getString(st.Technical, "trend", "SIDEWAYS"))
	strength := clamp(getFloat(st.Technical, "strength", 30), 0, 100) / 100
	switch trend {
	case "UP":
		s.Bullish += weightTechnical * strength
	case "DOWN":
		s.Bearish += weightTechnical * strength
	default:
		s.Bullish += weightTechnical * strength * 0.5
		s.Bearish += weightTechnical * strength * 0.5
	}

	s.Bullish += weightFundamental * clamp01(getFloat(st.Fundamental, "bullish_factors", 0.5))
	s.Bearish += weightFundamental * clamp01(getFloat(st.Fundamental, "bearish_factors", 0.5))

	sentiment := clamp(getFloat(st.Sentiment, "score", 0), -1, 1)
	s.Bullish += weightSentiment * (1 + sentiment) / 2
	s.Bearish += weightSentiment * (1 - sentiment) / 2

	headwind := clamp(getFloat(st.Macro, "sector_headwind", 0), -1, 1)
	s.Bullish += weightMacro * (1 - headwind) / 2
	s.Bearish += weightMacro * (1 + headwind) / 2

	s.Bullish += weightDebate * clamp01(st.BullConfidence)
	s.Bearish += weightDebate * clamp01(st.BearConfidence)

	return s
}

// VolatilityFactor widens thresholds in choppy markets and tightens
// them in quiet ones.
func VolatilityFactor(atrOverPrice float64) float64 {
	switch {
	case atrOverPrice > 0.02:
		return 1.15
	case atrOverPrice > 0 && atrOverPrice < 0.005:
		return 0.9
	default:
		return 1.0
	}
}

// SelectSignal picks the first matching signal tier and its size
// modifier.
func SelectSignal(s Scores, v float64) (state.Signal, float64) {
	strong := 0.70 * v
	moderate := 0.60 * v
	weak := 0.55 * v
	opposite := 0.35 / v

	switch {
	case s.Bullish > strong && s.Bearish < opposite:
		return state.SignalStrongBuy, 1
	case s.Bullish > moderate && s.Bearish < 1-moderate:
		return state.SignalBuy, 1
	case s.Bullish > weak && s.Bearish < 1-weak:
		return state.SignalWeakBuy, 0.7
	case s.Bearish > strong && s.Bullish < opposite:
		return state.SignalStrongSell, 1
	case s.Bearish > moderate && s.Bullish < 1-moderate:
		return state.SignalSell, 1
	case s.Bearish > weak && s.Bullish < 1-weak:
		return state.SignalWeakSell, 0.7
	default:
		return state.SignalHold, 0
	}
}

func trendOf(s Scores) state.Trend {
	switch {
	case s.Bullish-s.Bearish > trendMargin:
		return state.TrendBullish
	case s.Bearish-s.Bullish > trendMargin:
		return state.TrendBearish
	default:
		return state.TrendNeutral
	}
}

// sizing takes the neutral risk slot's recommendation, applies the
// tier's modifier, and derives stop/target levels around the entry.
func (a *PortfolioAgent) sizing(st *state.DecisionState, signal state.Signal, modifier float64) (size, stop, take float64) {
	if signal == state.SignalHold {
		return 0, 0, 0
	}

	size = clamp01(getFloat(st.NeutralRisk, "position_size", 0.05)) * modifier

	price := st.Market.Price
	stopPct := getFloat(st.NeutralRisk, "stop_loss_pct", 0.015)
	takePct := getFloat(st.NeutralRisk, "take_profit", 0.03)
	if signal == state.SignalWeakBuy || signal == state.SignalWeakSell {
		takePct = 0.02
	}

	if signal.IsSell() {
		return size, price * (1 + stopPct), price * (1 - takePct)
	}
	return size, price * (1 - stopPct), price * (1 + takePct)
}

// buildScenarios derives the base/bull/bear paths from price,
// support/resistance, and an ATR-based expected range.
func buildScenarios(st *state.DecisionState, signal state.Signal) ScenarioMap {
	price := st.Market.Price
	atr := getFloat(st.Technical, "atr", price*0.01)
	if atr <= 0 {
		atr = price * 0.01
	}
	support := getFloat(st.Technical, "support", price*0.99)
	resistance := getFloat(st.Technical, "resistance", price*1.01)

	range15 := atr * 0.5
	range60 := atr * 1.5

	bullTarget15 := price + range15
	if resistance > price && resistance < bullTarget15 {
		bullTarget15 = resistance
	}
	bearTarget15 := price - range15
	if support < price && support > bearTarget15 {
		bearTarget15 = support
	}

	return ScenarioMap{
		Base: Scenario{
			Target15m:   price,
			Target60m:   price + (range60 * drift(signal)),
			Probability: 0.55,
			Catalysts:   []string{"no new information", "range-bound flow"},
		},
		Bull: Scenario{
			Target15m:   bullTarget15,
			Target60m:   price + range60,
			Probability: clamp01(0.8 * st.BullConfidence),
			Catalysts:   []string{"break above resistance", "positive order flow"},
		},
		Bear: Scenario{
			Target15m:   bearTarget15,
			Target60m:   price - range60,
			Probability: clamp01(0.8 * st.BearConfidence),
			Catalysts:   []string{"break below support", "negative order flow"},
		},
	}
}

func drift(signal state.Signal) float64 {
	switch {
	case signal.IsBuy():
		return 0.25
	case signal.IsSell():
		return -0.25
	default:
		return 0
	}
}

// gate applies the veto head and the deterministic backstop to an
// accepted buy. It returns the possibly-downgraded signal and size,
// the reasons for any downgrade, and the provider that served the veto.
func (a *PortfolioAgent) gate(ctx context.Context, st *state.DecisionState, signal state.Signal, size float64, scenarios ScenarioMap) (state.Signal, float64, []string, string) {
	var reasons []string

	decision, reason, provider := a.veto(ctx, st, signal, size)
	switch decision {
	case "HOLD":
		reasons = append(reasons, "veto: "+reason)
		return state.SignalHold, 0, reasons, provider
	case "REDUCE":
		reasons = append(reasons, "reduced: "+reason)
		size *= 0.5
	}

	if scenarios.Bear.Probability > maxBearProbability {
		reasons = append(reasons, fmt.Sprintf("bear scenario probability %.2f exceeds %.2f", scenarios.Bear.Probability, maxBearProbability))
		return state.SignalHold, 0, reasons, provider
	}
	upsidePct := (scenarios.Bull.Target15m - st.Market.Price) / st.Market.Price * 100
	if upsidePct < minUpsidePct {
		reasons = append(reasons, fmt.Sprintf("15m upside %.3f%% below %.2f%%", upsidePct, minUpsidePct))
		return state.SignalHold, 0, reasons, provider
	}

	return signal, size, reasons, provider
}

// veto runs the short EXECUTE / REDUCE / HOLD query. Any failure,
// including an unparseable reply, defaults to EXECUTE so a dead model
// cannot block trading by itself.
func (a *PortfolioAgent) veto(ctx context.Context, st *state.DecisionState, signal state.Signal, size float64) (decision, reason, provider string) {
	user := fmt.Sprintf("Proposed %s of %s at %.4f, size %.4f of capital.\nBull case: %s\nBear case: %s\nEXECUTE as sized, REDUCE to half, or HOLD off?",
		signal, a.profile().Symbol, st.Market.Price, size, st.BullThesis, st.BearThesis)

	res, err := a.opts.Completer.Complete(ctx, llm.CompletionRequest{
		AgentName:   a.name,
		System:      a.system(),
		User:        user,
		Temperature: 0.2,
		Schema: map[string]string{
			"decision": "EXECUTE, REDUCE, or HOLD",
			"reason":   "one-line reason",
		},
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("Veto head unavailable, defaulting to EXECUTE")
		return "EXECUTE", "", ""
	}

	raw, err := llm.ExtractJSONObject(res.Text)
	if err != nil {
		return "EXECUTE", "", res.Provider
	}
	var reply struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return "EXECUTE", "", res.Provider
	}

	switch strings.ToUpper(strings.TrimSpace(reply.Decision)) {
	case "HOLD":
		return "HOLD", reply.Reason, res.Provider
	case "REDUCE":
		return "REDUCE", reply.Reason, res.Provider
	default:
		return "EXECUTE", reply.Reason, res.Provider
	}
}

func atrRatio(st *state.DecisionState) float64 {
	if st.Market.Price <= 0 {
		return 0
	}
	return getFloat(st.Technical, "atr", 0) / st.Market.Price
}
