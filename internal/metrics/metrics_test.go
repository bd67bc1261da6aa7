package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRejectReason(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"schema version 2.0.0 not compatible", RejectReasonSchemaInvalid},
		{"bundle expired at 10:31", RejectReasonExpired},
		{"max_trades reached", RejectReasonMaxTrades},
		{"condition rsi_above not met", RejectReasonConditions},
		{"risk cap exceeded", RejectReasonRiskCap},
		{"something odd", RejectReasonOther},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRejectReason(tt.reason), "reason %q", tt.reason)
	}
}

func TestNormalizeBrokerError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("context deadline exceeded"), BrokerErrorTimeout},
		{errors.New("429 too many requests"), BrokerErrorRateLimit},
		{errors.New("401 unauthorized"), BrokerErrorAuth},
		{errors.New("connection refused"), BrokerErrorNetwork},
		{errors.New("invalid order quantity"), BrokerErrorInvalidReq},
		{errors.New("502 bad gateway"), BrokerErrorServer},
		{errors.New("mystery"), BrokerErrorOther},
		{nil, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeBrokerError(tt.err))
	}
}

func TestHelpersDoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordLoopRun(LoopStrategic, "ok", 1200)
		RecordLoopRun(LoopTactical, "error", 15)
		RecordLoopRun(LoopExecution, "ok", 2)
		RecordGraphRun("completed", 45000)
		RecordGraphNode("technical", 3200)
		RecordAgentOutcome("bull", OutcomeSuccess, 0.72)
		RecordAgentOutcome("macro", OutcomeFallback, 0.3)
		RecordDecision("BUY")
		RecordLLMCall("groq", OutcomeSuccess, 850, 420)
		RecordLLMCall("groq", OutcomeRateLimit, 120, 0)
		SetProviderAvailable("groq", false)
		SetProviderAvailable("groq", true)
		RecordRuleEvaluation("triggered", 3.5)
		RecordRuleRejection("bundle expired")
		RecordOrder("BUY", "filled", 95)
		RecordBrokerError(errors.New("timeout"))
		RecordBrokerError(nil)
		RecordDatabaseQuery("insert_decision", 12)
		RecordCacheOperation("get")
		RecordAlert("provider_rate_limited")
		RecordError("parse", "planner")
	})
}
