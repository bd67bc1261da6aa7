package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Loop names (bounded set)
	LoopStrategic = "strategic"
	LoopTactical  = "tactical"
	LoopExecution = "execution"

	// Agent/LLM call outcomes (bounded set)
	OutcomeSuccess    = "success"
	OutcomeFallback   = "fallback"
	OutcomeIncomplete = "incomplete"
	OutcomeError      = "error"
	OutcomeRateLimit  = "rate_limit"

	// Rule rejection reasons (bounded set)
	RejectReasonSchemaInvalid = "schema_invalid"
	RejectReasonExpired       = "expired"
	RejectReasonMaxTrades     = "max_trades"
	RejectReasonConditions    = "conditions"
	RejectReasonRiskCap       = "risk_cap"
	RejectReasonOther         = "other"

	// Broker error categories (bounded set)
	BrokerErrorTimeout    = "timeout"
	BrokerErrorRateLimit  = "rate_limit"
	BrokerErrorAuth       = "authentication"
	BrokerErrorNetwork    = "network"
	BrokerErrorInvalidReq = "invalid_request"
	BrokerErrorServer     = "server_error"
	BrokerErrorOther      = "other"
)

// NormalizeRejectReason maps arbitrary rule rejections to bounded set
func NormalizeRejectReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "schema") || strings.Contains(lower, "version"):
		return RejectReasonSchemaInvalid
	case strings.Contains(lower, "expire") || strings.Contains(lower, "stale"):
		return RejectReasonExpired
	case strings.Contains(lower, "max_trades") || strings.Contains(lower, "trade cap"):
		return RejectReasonMaxTrades
	case strings.Contains(lower, "condition"):
		return RejectReasonConditions
	case strings.Contains(lower, "risk") || strings.Contains(lower, "exposure"):
		return RejectReasonRiskCap
	default:
		return RejectReasonOther
	}
}

// NormalizeBrokerError maps arbitrary broker errors to bounded set
func NormalizeBrokerError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return BrokerErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return BrokerErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return BrokerErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return BrokerErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return BrokerErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return BrokerErrorServer
	default:
		return BrokerErrorOther
	}
}

// Scheduler Loop Metrics
var (
	// Loop iterations by loop and outcome
	LoopRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_loop_runs_total",
		Help: "Total scheduler loop iterations by loop and outcome",
	}, []string{"loop", "outcome"})

	// Loop iteration duration
	LoopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradecouncil_loop_duration_ms",
		Help:    "Scheduler loop iteration duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 120000},
	}, []string{"loop"})

	// Tactical drift between planning price and live price
	TacticalDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecouncil_tactical_drift_pct",
		Help: "Price drift since last strategic run as a percentage",
	})

	// Plan invalidations raised by the tactical loop
	PlanInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_plan_invalidations_total",
		Help: "Total tactical plan invalidations by reason",
	}, []string{"reason"})
)

// Decision Graph Metrics
var (
	// Graph runs by outcome
	GraphRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_graph_runs_total",
		Help: "Total decision graph runs by outcome",
	}, []string{"outcome"})

	// End-to-end graph run duration
	GraphRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradecouncil_graph_run_duration_ms",
		Help:    "Decision graph run duration in milliseconds",
		Buckets: []float64{500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
	})

	// Per-node wall time
	GraphNodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradecouncil_graph_node_duration_ms",
		Help:    "Decision graph node duration in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
	}, []string{"node"})

	// Agent completions by outcome
	AgentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_agent_outcomes_total",
		Help: "Total agent completions by agent and outcome",
	}, []string{"agent", "outcome"})

	// Latest confidence per agent
	AgentConfidence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradecouncil_agent_confidence",
		Help: "Latest agent confidence (0.0 to 1.0)",
	}, []string{"agent"})

	// Final decisions by signal
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_decisions_total",
		Help: "Total final decisions by signal",
	}, []string{"signal"})
)

// LLM Provider Metrics
var (
	// Completion calls by provider and outcome
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_llm_calls_total",
		Help: "Total LLM completion calls by provider and outcome",
	}, []string{"provider", "outcome"})

	// Completion call duration
	LLMCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradecouncil_llm_call_duration_ms",
		Help:    "LLM completion call duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	}, []string{"provider"})

	// Estimated tokens consumed
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_llm_tokens_total",
		Help: "Estimated LLM tokens consumed by provider",
	}, []string{"provider"})

	// Provider availability (1 = AVAILABLE, 0 = anything else)
	LLMProviderAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradecouncil_llm_provider_available",
		Help: "LLM provider availability (1 = available, 0 = not)",
	}, []string{"provider"})

	// Rate limit hits
	LLMRateLimits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_llm_rate_limits_total",
		Help: "Total rate-limit responses by provider",
	}, []string{"provider"})

	// Calls answered by the fallback pass after the primary attempts failed
	LLMFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecouncil_llm_fallbacks_total",
		Help: "Total completions served by the multi-provider fallback pass",
	})
)

// Rule Engine Metrics
var (
	// Rule evaluations by outcome
	RuleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_rule_evaluations_total",
		Help: "Total rule evaluations by outcome",
	}, []string{"outcome"})

	// Tick evaluation latency across the active bundle
	RuleEvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradecouncil_rule_eval_duration_ms",
		Help:    "Per-tick rule evaluation duration in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
	})

	// Rules in the active bundle
	ActiveRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecouncil_active_rules",
		Help: "Number of rules in the active bundle",
	})

	// Rule rejections by reason
	RuleRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_rule_rejections_total",
		Help: "Total rule rejections by reason",
	}, []string{"reason"})

	// Planner outputs by outcome
	PlannerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_planner_runs_total",
		Help: "Total strategy planner runs by outcome",
	}, []string{"outcome"})
)

// Execution Metrics
var (
	// Orders by side and status
	Orders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_orders_total",
		Help: "Total orders by side and status",
	}, []string{"side", "status"})

	// Order placement latency
	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradecouncil_order_latency_ms",
		Help:    "Order placement latency in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	// Broker API errors by category
	BrokerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_broker_errors_total",
		Help: "Total broker API errors by category",
	}, []string{"error_type"})

	// Open positions
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecouncil_open_positions",
		Help: "Number of currently open positions",
	})

	// Realized P&L
	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecouncil_realized_pnl",
		Help: "Realized profit and loss in quote currency",
	})
)

// Storage and Messaging Metrics
var (
	// Database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradecouncil_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	// Cache operations by type
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_cache_operations_total",
		Help: "Total cache operations by type",
	}, []string{"operation"})

	// Cache hit rate
	CacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecouncil_cache_hit_rate",
		Help: "Cache hit rate as a ratio (0.0 to 1.0)",
	})

	// NATS messages
	NATSMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecouncil_nats_messages_published_total",
		Help: "Total number of NATS messages published",
	})

	// Alerts by type
	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_alerts_total",
		Help: "Total alerts raised by type",
	}, []string{"type"})

	// Errors by component
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecouncil_errors_total",
		Help: "Total number of errors by type and component",
	}, []string{"type", "component"})
)

// Helper functions to update metrics

// RecordLoopRun records one scheduler loop iteration
func RecordLoopRun(loop, outcome string, durationMs float64) {
	LoopRuns.WithLabelValues(loop, outcome).Inc()
	LoopDuration.WithLabelValues(loop).Observe(durationMs)
}

// RecordGraphRun records a completed decision graph run
func RecordGraphRun(outcome string, durationMs float64) {
	GraphRuns.WithLabelValues(outcome).Inc()
	GraphRunDuration.Observe(durationMs)
}

// RecordGraphNode records one node's wall time
func RecordGraphNode(node string, durationMs float64) {
	GraphNodeDuration.WithLabelValues(node).Observe(durationMs)
}

// RecordAgentOutcome records an agent completion with its confidence
func RecordAgentOutcome(agent, outcome string, confidence float64) {
	AgentOutcomes.WithLabelValues(agent, outcome).Inc()
	AgentConfidence.WithLabelValues(agent).Set(confidence)
}

// RecordDecision records a final decision
func RecordDecision(signal string) {
	Decisions.WithLabelValues(signal).Inc()
}

// RecordLLMCall records one completion call against a provider
func RecordLLMCall(provider, outcome string, durationMs float64, tokens int) {
	LLMCalls.WithLabelValues(provider, outcome).Inc()
	LLMCallDuration.WithLabelValues(provider).Observe(durationMs)
	if tokens > 0 {
		LLMTokens.WithLabelValues(provider).Add(float64(tokens))
	}
}

// SetProviderAvailable sets provider availability
func SetProviderAvailable(provider string, available bool) {
	v := 0.0
	if available {
		v = 1.0
	}
	LLMProviderAvailable.WithLabelValues(provider).Set(v)
}

// RecordRuleEvaluation records one per-tick evaluation pass
func RecordRuleEvaluation(outcome string, durationMs float64) {
	RuleEvaluations.WithLabelValues(outcome).Inc()
	RuleEvalDuration.Observe(durationMs)
}

// RecordRuleRejection records a rejected rule with normalized reason
func RecordRuleRejection(reason string) {
	RuleRejections.WithLabelValues(NormalizeRejectReason(reason)).Inc()
}

// RecordOrder records an order placement
func RecordOrder(side, status string, durationMs float64) {
	Orders.WithLabelValues(side, status).Inc()
	OrderLatency.Observe(durationMs)
}

// RecordBrokerError records a broker API error with normalized category
func RecordBrokerError(err error) {
	if err == nil {
		return
	}
	BrokerErrors.WithLabelValues(NormalizeBrokerError(err)).Inc()
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordCacheOperation records a cache operation
func RecordCacheOperation(operation string) {
	CacheOperations.WithLabelValues(operation).Inc()
}

// RecordAlert records a raised alert
func RecordAlert(alertType string) {
	Alerts.WithLabelValues(alertType).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}
