// Package agents holds the graph's agent nodes: four parallel analysts,
// the bull/bear debate, three risk-profile variants, the portfolio
// manager, and the execution node. Every agent returns a partial state
// update covering only the slots it owns, so the graph's reducer can
// merge a parallel cohort without conflicts.
package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/instrument"
	"github.com/tradecouncil/tradecouncil/internal/llm"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// Agent is one node of the orchestration graph. Process must not
// mutate the state it is given; all writes go through the returned
// update.
type Agent interface {
	Name() string
	Process(ctx context.Context, st *state.DecisionState) (*state.Update, error)
}

// Completer is the slice of the provider manager agents call through.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error)
}

// Options carries the shared wiring every agent receives.
type Options struct {
	Completer Completer
	Prompts   *PromptStore
	Profile   *instrument.Profile

	// MinKeyFraction is the share of schema keys a structured reply
	// must contain to count as complete. Zero means the default 0.6.
	MinKeyFraction float64
	// RetryIncomplete allows one retry with a scaled token budget when
	// a structured reply comes back truncated.
	RetryIncomplete bool
}

const defaultMinKeyFraction = 0.6

// base carries the plumbing shared by all LLM-backed agents.
type base struct {
	name   string
	opts   Options
	logger zerolog.Logger
}

func newBase(name, agentType string, opts Options) base {
	return base{
		name:   name,
		opts:   opts,
		logger: config.NewAgentLogger(name, agentType),
	}
}

func (b *base) Name() string { return b.name }

func (b *base) profile() *instrument.Profile { return b.opts.Profile }

func (b *base) system() string {
	return b.opts.Prompts.System(b.name)
}

// structuredResult is one parsed structured reply plus its
// completeness verdict and the provider that served it.
type structuredResult struct {
	fields   map[string]any
	complete bool
	provider string
}

// structured runs one structured completion with the completeness
// gate: brace balance on the raw reply, then a minimum fraction of the
// expected keys. An incomplete reply is retried once with a scaled
// token budget when the retry flag is on.
func (b *base) structured(ctx context.Context, cohortID, user string, schema map[string]string, temperature float64) (*structuredResult, error) {
	req := llm.CompletionRequest{
		AgentName:   b.name,
		CohortID:    cohortID,
		System:      b.system(),
		User:        user,
		Temperature: temperature,
		Schema:      schema,
	}

	res, err := b.call(ctx, req)
	if err != nil {
		return nil, err
	}

	provider := res.Provider
	fields, ok := b.parse(res.Text, schema)
	if ok {
		return &structuredResult{fields: fields, complete: true, provider: provider}, nil
	}

	if b.opts.RetryIncomplete {
		b.logger.Warn().Msg("Structured reply incomplete, retrying with scaled token budget")
		retry := req
		retry.MaxTokens = llm.EstimateMaxTokens(len(schema), 0) * 2
		if res, err = b.call(ctx, retry); err == nil {
			provider = res.Provider
			if fields, ok = b.parse(res.Text, schema); ok {
				return &structuredResult{fields: fields, complete: true, provider: provider}, nil
			}
		}
	}

	metrics.RecordAgentOutcome(b.name, metrics.OutcomeIncomplete, 0)
	if fields == nil {
		fields = map[string]any{}
	}
	return &structuredResult{fields: fields, complete: false, provider: provider}, nil
}

func (b *base) call(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
	res, err := b.opts.Completer.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s completion: %w", b.name, err)
	}
	return res, nil
}

// parse extracts the reply's outermost JSON object and checks key
// coverage against the schema.
func (b *base) parse(text string, schema map[string]string) (map[string]any, bool) {
	raw, err := llm.ExtractJSONObject(text)
	if err != nil {
		b.logger.Warn().Err(err).Msg("No balanced JSON object in reply")
		return nil, false
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		b.logger.Warn().Err(err).Msg("Structured reply is not valid JSON")
		return nil, false
	}

	minFraction := b.opts.MinKeyFraction
	if minFraction <= 0 {
		minFraction = defaultMinKeyFraction
	}
	present := 0
	for key := range schema {
		if _, ok := fields[key]; ok {
			present++
		}
	}
	if len(schema) > 0 && float64(present) < minFraction*float64(len(schema)) {
		b.logger.Warn().
			Int("present", present).
			Int("expected", len(schema)).
			Msg("Structured reply missing too many keys")
		return fields, false
	}
	return fields, true
}

// Field helpers: structured replies decode into map[string]any with
// float64 numbers; each helper falls back to the given default.

func getFloat(m map[string]any, key string, def float64) float64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f
			}
		}
	}
	return def
}

func getString(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }
