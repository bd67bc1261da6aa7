package agents

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tradecouncil/tradecouncil/internal/config"
)

// PromptStore serves the system prompt for each agent. Prompts load
// from an optional YAML pack; agents missing from the pack fall back
// to the compiled defaults, so the engine always runs.
type PromptStore struct {
	mu      sync.RWMutex
	prompts map[string]Prompt
}

// Prompt is one versioned system prompt.
type Prompt struct {
	Version string `yaml:"version"`
	System  string `yaml:"system"`
}

type promptPack struct {
	Version string            `yaml:"version"`
	Prompts map[string]Prompt `yaml:"prompts"`
}

// NewPromptStore creates a store serving only the compiled defaults.
func NewPromptStore() *PromptStore {
	return &PromptStore{prompts: make(map[string]Prompt)}
}

// LoadPromptPack reads a YAML prompt pack and overlays it on the
// defaults. A missing file is not an error; a malformed one is.
func LoadPromptPack(path string) (*PromptStore, error) {
	ps := NewPromptStore()
	if path == "" {
		return ps, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger := config.NewLogger("prompts")
			logger.Warn().Str("path", path).Msg("Prompt pack not found, using compiled defaults")
			return ps, nil
		}
		return nil, fmt.Errorf("failed to read prompt pack: %w", err)
	}

	var pack promptPack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("failed to parse prompt pack: %w", err)
	}

	for name, prompt := range pack.Prompts {
		if prompt.System == "" {
			continue
		}
		ps.prompts[name] = prompt
	}

	logger := config.NewLogger("prompts")
	logger.Info().
		Str("path", path).
		Str("pack_version", pack.Version).
		Int("prompts", len(ps.prompts)).
		Msg("Prompt pack loaded")
	return ps, nil
}

// System returns the system prompt for an agent, falling back to the
// compiled default, then to a generic analyst prompt.
func (ps *PromptStore) System(agent string) string {
	if ps != nil {
		ps.mu.RLock()
		p, ok := ps.prompts[agent]
		ps.mu.RUnlock()
		if ok {
			return p.System
		}
	}
	if def, ok := defaultPrompts[agent]; ok {
		return def
	}
	return genericPrompt
}

// Set installs or replaces one agent's prompt at runtime.
func (ps *PromptStore) Set(agent string, prompt Prompt) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.prompts[agent] = prompt
}

const genericPrompt = `You are a trading analyst. Answer precisely and reply in the requested JSON format only.`

var defaultPrompts = map[string]string{
	"technical": `You are a technical analyst. You read price action, momentum oscillators, moving averages, and support/resistance levels. You are given precomputed indicator values; interpret them, do not recompute. Be decisive about trend direction and honest about strength.`,

	"fundamental": `You are a fundamental analyst. You weigh order-flow imbalance, liquidity, market structure, and any macro inputs to judge whether the instrument is fundamentally attractive at the current price. Express your view as separate bullish and bearish factors.`,

	"sentiment": `You are a sentiment analyst. You read recent headlines and aggregate sentiment scores and judge the crowd's positioning. Distinguish noise from genuine shifts; a handful of repetitive headlines is not a trend.`,

	"macro": `You are a macro analyst. You assess how policy rates, inflation, and broad risk appetite bear on this instrument over the next few sessions. Score the sector headwind from -1 (strong tailwind) to +1 (strong headwind).`,

	"bull": `You argue the bull case. Build the strongest honest argument for a long position from the four analysis reports you are given. State your thesis in a few sentences and your confidence in it. Do not invent data; if the case is weak, say so with low confidence.`,

	"bear": `You argue the bear case. Build the strongest honest argument against a long position (or for a short) from the four analysis reports you are given. State your thesis in a few sentences and your confidence in it. Do not invent data; if the case is weak, say so with low confidence.`,

	"aggressive_risk": `You size positions for an aggressive risk profile: larger size, wider stops, higher conviction requirements are relaxed. Respect the hard caps you are given.`,

	"conservative_risk": `You size positions for a conservative risk profile: small size, tight stops, and you prefer skipping marginal setups entirely. Respect the hard caps you are given.`,

	"neutral_risk": `You size positions for a balanced risk profile between aggressive and conservative. Respect the hard caps you are given.`,

	"portfolio_manager": `You are the portfolio manager's execution gate. Given a proposed BUY with its scores and scenarios, answer whether to EXECUTE it as sized, REDUCE it to half size, or HOLD off entirely. One-line reason.`,
}
