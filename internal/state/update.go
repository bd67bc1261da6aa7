package state

import (
	"fmt"
)

// Slot identifies one single-writer field of the DecisionState
type Slot string

const (
	SlotTechnical        Slot = "technical"
	SlotFundamental      Slot = "fundamental"
	SlotSentiment        Slot = "sentiment"
	SlotMacro            Slot = "macro"
	SlotBullThesis       Slot = "bull_thesis"
	SlotBullConfidence   Slot = "bull_confidence"
	SlotBearThesis       Slot = "bear_thesis"
	SlotBearConfidence   Slot = "bear_confidence"
	SlotAggressiveRisk   Slot = "aggressive_risk"
	SlotConservativeRisk Slot = "conservative_risk"
	SlotNeutralRisk      Slot = "neutral_risk"
	SlotFinalSignal      Slot = "final_signal"
	SlotTrendSignal      Slot = "trend_signal"
	SlotPositionSize     Slot = "position_size"
	SlotEntryPrice       Slot = "entry_price"
	SlotStopLoss         Slot = "stop_loss"
	SlotTakeProfit       Slot = "take_profit"
	SlotExecution        Slot = "execution"
)

// Update is the partial result one agent returns: a set of writes to the
// slots it owns, at most one explanation entry, and optional audit-trail
// additions. Agents never touch the DecisionState directly.
type Update struct {
	agent       string
	writes      map[Slot]any
	explanation string
	audit       map[string]any
	provider    string
}

// NewUpdate creates an empty partial update attributed to an agent
func NewUpdate(agent string) *Update {
	return &Update{
		agent:  agent,
		writes: make(map[Slot]any),
	}
}

// Agent returns the name the update is attributed to
func (u *Update) Agent() string { return u.agent }

// IsEmpty reports whether the update carries no writes at all
func (u *Update) IsEmpty() bool {
	return len(u.writes) == 0 && u.explanation == "" && len(u.audit) == 0
}

// SetTechnical writes the technical analysis slot
func (u *Update) SetTechnical(m map[string]any) *Update {
	u.writes[SlotTechnical] = m
	return u
}

// SetFundamental writes the fundamental analysis slot
func (u *Update) SetFundamental(m map[string]any) *Update {
	u.writes[SlotFundamental] = m
	return u
}

// SetSentiment writes the sentiment analysis slot
func (u *Update) SetSentiment(m map[string]any) *Update {
	u.writes[SlotSentiment] = m
	return u
}

// SetMacro writes the macro analysis slot
func (u *Update) SetMacro(m map[string]any) *Update {
	u.writes[SlotMacro] = m
	return u
}

// SetBullCase writes the bull side of the debate
func (u *Update) SetBullCase(thesis string, confidence float64) *Update {
	u.writes[SlotBullThesis] = thesis
	u.writes[SlotBullConfidence] = clamp01(confidence)
	return u
}

// SetBearCase writes the bear side of the debate
func (u *Update) SetBearCase(thesis string, confidence float64) *Update {
	u.writes[SlotBearThesis] = thesis
	u.writes[SlotBearConfidence] = clamp01(confidence)
	return u
}

// SetAggressiveRisk writes the aggressive risk recommendation
func (u *Update) SetAggressiveRisk(m map[string]any) *Update {
	u.writes[SlotAggressiveRisk] = m
	return u
}

// SetConservativeRisk writes the conservative risk recommendation
func (u *Update) SetConservativeRisk(m map[string]any) *Update {
	u.writes[SlotConservativeRisk] = m
	return u
}

// SetNeutralRisk writes the neutral risk recommendation
func (u *Update) SetNeutralRisk(m map[string]any) *Update {
	u.writes[SlotNeutralRisk] = m
	return u
}

// SetDecision writes the final decision slots
func (u *Update) SetDecision(signal Signal, trend Trend, size, entry, stop, take float64) *Update {
	u.writes[SlotFinalSignal] = signal
	u.writes[SlotTrendSignal] = trend
	u.writes[SlotPositionSize] = size
	u.writes[SlotEntryPrice] = entry
	u.writes[SlotStopLoss] = stop
	u.writes[SlotTakeProfit] = take
	return u
}

// SetExecution writes the execution result slot
func (u *Update) SetExecution(res *ExecutionResult) *Update {
	u.writes[SlotExecution] = res
	return u
}

// Explain attaches the update's single explanation entry
func (u *Update) Explain(format string, args ...any) *Update {
	u.explanation = fmt.Sprintf(format, args...)
	return u
}

// SetProvider names the LLM endpoint that served this agent's
// completion, for audit attribution on the persisted decision
func (u *Update) SetProvider(name string) *Update {
	u.provider = name
	return u
}

// AddAudit stores a value in the audit trail under the given key
func (u *Update) AddAudit(key string, value any) *Update {
	if u.audit == nil {
		u.audit = make(map[string]any)
	}
	u.audit[key] = value
	return u
}

// Reduce merges a cohort's partial updates into the state. Slot writes are
// assignments; the explanation stream concatenates. Two updates writing the
// same slot in one reduction is a programming error and fails the merge.
func Reduce(s *DecisionState, updates ...*Update) error {
	seen := make(map[Slot]string, 8)

	for _, u := range updates {
		if u == nil {
			continue
		}
		for slot, value := range u.writes {
			if prev, dup := seen[slot]; dup {
				return fmt.Errorf("reduce: slot %q written by both %q and %q", slot, prev, u.agent)
			}
			seen[slot] = u.agent
			if err := assign(s, slot, value); err != nil {
				return fmt.Errorf("reduce: agent %q: %w", u.agent, err)
			}
		}
		if u.explanation != "" {
			s.AgentExplanations = append(s.AgentExplanations, "["+u.agent+"] "+u.explanation)
		}
		if u.provider != "" {
			if s.Providers == nil {
				s.Providers = make(map[string]string)
			}
			s.Providers[u.agent] = u.provider
		}
		for k, v := range u.audit {
			s.DecisionAuditTrail[k] = v
		}
	}
	return nil
}

func assign(s *DecisionState, slot Slot, value any) error {
	switch slot {
	case SlotTechnical:
		s.Technical = value.(map[string]any)
	case SlotFundamental:
		s.Fundamental = value.(map[string]any)
	case SlotSentiment:
		s.Sentiment = value.(map[string]any)
	case SlotMacro:
		s.Macro = value.(map[string]any)
	case SlotBullThesis:
		s.BullThesis = value.(string)
	case SlotBullConfidence:
		s.BullConfidence = value.(float64)
	case SlotBearThesis:
		s.BearThesis = value.(string)
	case SlotBearConfidence:
		s.BearConfidence = value.(float64)
	case SlotAggressiveRisk:
		s.AggressiveRisk = value.(map[string]any)
	case SlotConservativeRisk:
		s.ConservativeRisk = value.(map[string]any)
	case SlotNeutralRisk:
		s.NeutralRisk = value.(map[string]any)
	case SlotFinalSignal:
		s.FinalSignal = value.(Signal)
	case SlotTrendSignal:
		s.TrendSignal = value.(Trend)
	case SlotPositionSize:
		s.PositionSize = value.(float64)
	case SlotEntryPrice:
		s.EntryPrice = value.(float64)
	case SlotStopLoss:
		s.StopLoss = value.(float64)
	case SlotTakeProfit:
		s.TakeProfit = value.(float64)
	case SlotExecution:
		s.Execution = value.(*ExecutionResult)
	default:
		return fmt.Errorf("unknown slot %q", slot)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
