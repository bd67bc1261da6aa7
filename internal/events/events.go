// Package events publishes decision, trade, and alert events to NATS
// for downstream consumers (dashboards, recorders, paper-trade
// monitors). Publishing is fire-and-forget; a dead bus never blocks
// the decision path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tradecouncil/tradecouncil/internal/alerts"
	"github.com/tradecouncil/tradecouncil/internal/broker"
	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/rules"
	"github.com/tradecouncil/tradecouncil/internal/state"
)

// Subjects carried on the bus.
const (
	SubjectDecisions = "council.decisions"
	SubjectTrades    = "council.trades"
	SubjectAlerts    = "council.alerts"
)

// DecisionEvent is the wire form of a finished graph run.
type DecisionEvent struct {
	RunID        string    `json:"run_id"`
	Symbol       string    `json:"symbol"`
	Signal       string    `json:"signal"`
	Trend        string    `json:"trend"`
	PositionSize float64   `json:"position_size"`
	EntryPrice   float64   `json:"entry_price"`
	Executed     bool      `json:"executed"`
	Timestamp    time.Time `json:"timestamp"`
}

// TradeEvent is the wire form of a rule-engine fill.
type TradeEvent struct {
	RuleID         string    `json:"rule_id"`
	RuleName       string    `json:"rule_name"`
	Symbol         string    `json:"symbol"`
	Direction      string    `json:"direction"`
	OrderID        string    `json:"order_id"`
	FilledPrice    float64   `json:"filled_price"`
	FilledQuantity float64   `json:"filled_quantity"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher writes events to NATS.
type Publisher struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// Connect dials the bus with infinite reconnects.
func Connect(url string) (*Publisher, error) {
	logger := config.NewLogger("events")

	nc, err := nats.Connect(
		url,
		nats.Name("tradecouncil"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info().Str("url", url).Msg("Event publisher connected")
	return &Publisher{nc: nc, logger: logger}, nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// PublishDecision emits a finished graph run.
func (p *Publisher) PublishDecision(st *state.DecisionState) error {
	ev := DecisionEvent{
		RunID:        st.RunID,
		Signal:       string(st.FinalSignal),
		Trend:        string(st.TrendSignal),
		PositionSize: st.PositionSize,
		EntryPrice:   st.EntryPrice,
		Executed:     st.Execution != nil,
		Timestamp:    time.Now().UTC(),
	}
	if st.Instrument != nil {
		ev.Symbol = st.Instrument.Symbol
	}
	return p.publish(SubjectDecisions, ev)
}

// PublishTrade emits a rule-engine fill.
func (p *Publisher) PublishTrade(sig rules.Signal, res *broker.OrderResult) error {
	if res == nil {
		return fmt.Errorf("trade event for rule %s has no order result", sig.RuleID)
	}
	return p.publish(SubjectTrades, TradeEvent{
		RuleID:         sig.RuleID,
		RuleName:       sig.RuleName,
		Symbol:         sig.Symbol,
		Direction:      string(sig.Direction),
		OrderID:        res.OrderID,
		FilledPrice:    res.FilledPrice,
		FilledQuantity: res.FilledQuantity,
		Timestamp:      res.Timestamp,
	})
}

// Send puts the publisher on the alert router as a delivery channel.
func (p *Publisher) Send(_ context.Context, alert alerts.Alert) error {
	return p.publish(SubjectAlerts, alert)
}

func (p *Publisher) publish(subject string, payload any) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("event bus not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.logger.Debug().Str("subject", subject).Msg("Event published")
	return nil
}
