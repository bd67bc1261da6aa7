// Package alerts defines operational alerts and the router that fans them
// out to delivery channels. Delivery never blocks or fails the main path:
// channel errors are logged and swallowed.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Well-known alert types
const (
	TypeProviderRateLimited = "provider_rate_limited"
	TypeProviderError       = "provider_error"
	TypeAnalysisIncomplete  = "analysis_incomplete"
	TypeOrderFailed         = "order_failed"
	TypeRuleRejected        = "rule_rejected"
	TypeLoopError           = "loop_error"
	TypeStrategyDrift       = "strategy_drift"
)

// Alert represents an operational alert
type Alert struct {
	Type      string                 `json:"type"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Alerter defines the interface for a delivery channel
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager routes alerts to all configured channels
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
	}
}

// Add registers an additional delivery channel
func (m *Manager) Add(a Alerter) {
	m.alerters = append(m.alerters, a)
}

// Send delivers an alert to every channel synchronously. Channel failures
// are logged; the last one is returned for callers that care.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("alert_type", alert.Type).
				Msg("Failed to send alert")
			lastErr = err
		}
	}

	return lastErr
}

// Dispatch delivers an alert without blocking the caller. Errors are logged
// inside Send; the detached context caps delivery at five seconds.
func (m *Manager) Dispatch(alert Alert) {
	if m == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Send(ctx, alert)
	}()
}

// ProviderRateLimited builds the alert for a rate-limited provider
func ProviderRateLimited(provider string, resetAt time.Time) Alert {
	return Alert{
		Type:     TypeProviderRateLimited,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("Provider %s rate limited until %s", provider, resetAt.Format(time.RFC3339)),
		Details: map[string]interface{}{
			"provider": provider,
			"reset_at": resetAt,
		},
	}
}

// ProviderError builds the alert for a provider marked unavailable
func ProviderError(provider, reason string) Alert {
	return Alert{
		Type:     TypeProviderError,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("Provider %s unavailable: %s", provider, reason),
		Details: map[string]interface{}{
			"provider": provider,
			"reason":   reason,
		},
	}
}

// AnalysisIncomplete builds the alert naming agents with truncated output
func AnalysisIncomplete(runID string, agents []string) Alert {
	return Alert{
		Type:     TypeAnalysisIncomplete,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("Analysis incomplete for agents: %v", agents),
		Details: map[string]interface{}{
			"run_id": runID,
			"agents": agents,
		},
	}
}

// OrderFailed builds the alert for a failed order placement
func OrderFailed(symbol, side string, quantity float64, err error) Alert {
	return Alert{
		Type:     TypeOrderFailed,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("Failed to place %s order for %s: %v", side, symbol, err),
		Details: map[string]interface{}{
			"symbol":   symbol,
			"side":     side,
			"quantity": quantity,
			"error":    err.Error(),
		},
	}
}

// StrategyDrift builds the warning the tactical loop raises when price has
// moved beyond the validation threshold since the strategy was planned
func StrategyDrift(symbol string, driftPct, threshold float64) Alert {
	return Alert{
		Type:     TypeStrategyDrift,
		Severity: SeverityWarning,
		Message: fmt.Sprintf("Price drift %.2f%% on %s exceeds %.2f%% since last strategy",
			driftPct, symbol, threshold),
		Details: map[string]interface{}{
			"symbol":    symbol,
			"drift_pct": driftPct,
			"threshold": threshold,
		},
	}
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send sends an alert by logging it
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()

	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	if alert.Details != nil {
		for key, value := range alert.Details {
			event = event.Interface(key, value)
		}
	}

	event.
		Str("alert_type", alert.Type).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg("ALERT: " + alert.Message)

	return nil
}
