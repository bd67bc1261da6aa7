package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tradecouncil/tradecouncil/internal/broker"
	"github.com/tradecouncil/tradecouncil/internal/rules"
)

const insertTradeSQL = `
	INSERT INTO trades (
		id, rule_id, rule_name, symbol, direction, order_id, client_id,
		entry_price, filled_price, filled_quantity, fees,
		stop_loss, take_profit, status, created_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
	)`

// RecordTrade persists one rule-engine fill. The engine calls this
// after every placed order.
func (s *Store) RecordTrade(ctx context.Context, sig rules.Signal, res *broker.OrderResult) error {
	if res == nil {
		return fmt.Errorf("trade for rule %s has no order result", sig.RuleID)
	}

	if err := s.exec(ctx, "insert_trade", insertTradeSQL,
		uuid.New(), sig.RuleID, sig.RuleName, sig.Symbol, string(sig.Direction),
		res.OrderID, res.ClientID, sig.EntryPrice, res.FilledPrice,
		res.FilledQuantity, res.Fees, res.StopLoss, res.TakeProfit,
		string(res.Status), res.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to persist trade for rule %s: %w", sig.RuleID, err)
	}

	s.logger.Info().
		Str("rule_id", sig.RuleID).
		Str("order_id", res.OrderID).
		Str("direction", string(sig.Direction)).
		Float64("quantity", res.FilledQuantity).
		Msg("Trade persisted")
	return nil
}
