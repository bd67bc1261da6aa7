package llm

import (
	"context"
	"time"
)

// Strategy selects how the manager picks among available providers
type Strategy string

const (
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyWeighted   Strategy = "weighted" // weight = 1/(priority+1)
	StrategyHash       Strategy = "hash"     // deterministic per agent name
	StrategySingle     Strategy = "single"   // always the configured primary
)

// ProviderStatus is the health state of one provider
type ProviderStatus string

const (
	StatusAvailable   ProviderStatus = "AVAILABLE"
	StatusRateLimited ProviderStatus = "RATE_LIMITED" // cooling down until reset
	StatusError       ProviderStatus = "ERROR"        // transient, 5 min cooldown
	StatusUnavailable ProviderStatus = "UNAVAILABLE"  // model error, no auto-recovery
)

// CompletionRequest is the single entry point callers build.
// The caller never names a provider; selection, key and model rotation,
// accounting, and fallback happen inside the manager.
type CompletionRequest struct {
	AgentName   string
	CohortID    string // agents in the same cohort prefer distinct providers
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	// Schema, when set, makes the manager append a field-by-field JSON
	// instruction to the user prompt and scale max tokens to fit the reply.
	Schema map[string]string
}

// CompletionResult carries the model text plus attribution for audit trails
type CompletionResult struct {
	Text       string
	Provider   string
	Model      string
	TokensUsed int // whitespace-token estimate of prompt + completion
	Attempts   int
	Duration   time.Duration
}

// ProviderInfo is a read-only snapshot of one provider's runtime state
type ProviderInfo struct {
	Name          string         `json:"name"`
	Status        ProviderStatus `json:"status"`
	Priority      int            `json:"priority"`
	Models        []string       `json:"models"`
	Keys          int            `json:"keys"`
	MinuteCount   int            `json:"minute_count"`
	DayCount      int            `json:"day_count"`
	TokensToday   int64          `json:"tokens_today"`
	CooldownUntil time.Time      `json:"cooldown_until,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

// UsageRecord is one accepted call, written through the UsageRecorder
type UsageRecord struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	AgentName string    `json:"agent_name"`
	Tokens    int       `json:"tokens"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageRecorder persists per-provider usage counters. Implementations
// upsert a single document per provider per day.
type UsageRecorder interface {
	RecordProviderUsage(ctx context.Context, rec UsageRecord) error
}

// ChatRequest represents a request to the LLM API
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatMessage represents a single message in the chat
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatResponse represents the response from the LLM API
type ChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ErrorResponse represents an error from the LLM API
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
