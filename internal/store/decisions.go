package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradecouncil/tradecouncil/internal/state"
)

// Decision record status tags. HOLD-only runs and executed trades
// share one collection; readers filter on status.
const (
	StatusAnalysis = "ANALYSIS"
	StatusExecuted = "EXECUTED"
)

// DecisionRecord is the persisted form of one graph run.
type DecisionRecord struct {
	ID               uuid.UUID       `json:"id"`
	RunID            string          `json:"run_id"`
	Symbol           string          `json:"symbol"`
	Venue            string          `json:"venue"`
	InstrumentType   string          `json:"instrument_type"`
	Status           string          `json:"status"`
	FinalSignal      string          `json:"final_signal"`
	TrendSignal      string          `json:"trend_signal"`
	PositionSize     float64         `json:"position_size"`
	EntryPrice       float64         `json:"entry_price"`
	StopLoss         float64         `json:"stop_loss"`
	TakeProfit       float64         `json:"take_profit"`
	MarketPrice      float64         `json:"market_price"`
	BestBid          float64         `json:"best_bid"`
	BestAsk          float64         `json:"best_ask"`
	SentimentScore   float64         `json:"sentiment_score"`
	Analyses         json.RawMessage `json:"analyses"`
	Explanations     json.RawMessage `json:"explanations"`
	AuditTrail       json.RawMessage `json:"audit_trail"`
	IncompleteAgents []string        `json:"incomplete_agents"`
	Providers        []string        `json:"providers"`
	OrderID          string          `json:"order_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

const insertDecisionSQL = `
	INSERT INTO decisions (
		id, run_id, symbol, venue, instrument_type, status,
		final_signal, trend_signal, position_size, entry_price,
		stop_loss, take_profit, market_price, best_bid, best_ask,
		sentiment_score, analyses, explanations, audit_trail,
		incomplete_agents, providers, order_id, created_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
	)`

// RecordDecision persists a finished graph run, HOLD included. The
// graph calls this during finalization.
func (s *Store) RecordDecision(ctx context.Context, st *state.DecisionState) error {
	rec, err := buildDecisionRecord(st)
	if err != nil {
		return err
	}

	if err := s.exec(ctx, "insert_decision", insertDecisionSQL,
		rec.ID, rec.RunID, rec.Symbol, rec.Venue, rec.InstrumentType, rec.Status,
		rec.FinalSignal, rec.TrendSignal, rec.PositionSize, rec.EntryPrice,
		rec.StopLoss, rec.TakeProfit, rec.MarketPrice, rec.BestBid, rec.BestAsk,
		rec.SentimentScore, rec.Analyses, rec.Explanations, rec.AuditTrail,
		rec.IncompleteAgents, rec.Providers, rec.OrderID, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to persist decision %s: %w", st.RunID, err)
	}

	s.logger.Info().
		Str("run_id", rec.RunID).
		Str("status", rec.Status).
		Str("signal", rec.FinalSignal).
		Msg("Decision persisted")
	return nil
}

func buildDecisionRecord(st *state.DecisionState) (*DecisionRecord, error) {
	analyses, err := json.Marshal(map[string]any{
		"technical":         st.Technical,
		"fundamental":       st.Fundamental,
		"sentiment":         st.Sentiment,
		"macro":             st.Macro,
		"bull_thesis":       st.BullThesis,
		"bull_confidence":   st.BullConfidence,
		"bear_thesis":       st.BearThesis,
		"bear_confidence":   st.BearConfidence,
		"aggressive_risk":   st.AggressiveRisk,
		"conservative_risk": st.ConservativeRisk,
		"neutral_risk":      st.NeutralRisk,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analyses for %s: %w", st.RunID, err)
	}
	explanations, err := json.Marshal(st.AgentExplanations)
	if err != nil {
		return nil, fmt.Errorf("failed to encode explanations for %s: %w", st.RunID, err)
	}
	audit, err := json.Marshal(st.DecisionAuditTrail)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit trail for %s: %w", st.RunID, err)
	}

	// nil slices would encode as SQL NULL and trip the NOT NULL arrays
	incomplete := st.IncompleteAgents()
	if incomplete == nil {
		incomplete = []string{}
	}
	providers := st.ProviderNames()
	if providers == nil {
		providers = []string{}
	}

	rec := &DecisionRecord{
		ID:               uuid.New(),
		RunID:            st.RunID,
		Status:           StatusAnalysis,
		FinalSignal:      string(st.FinalSignal),
		TrendSignal:      string(st.TrendSignal),
		PositionSize:     st.PositionSize,
		EntryPrice:       st.EntryPrice,
		StopLoss:         st.StopLoss,
		TakeProfit:       st.TakeProfit,
		MarketPrice:      st.Market.Price,
		BestBid:          st.Market.BestBid,
		BestAsk:          st.Market.BestAsk,
		SentimentScore:   st.Market.SentimentScore,
		Analyses:         analyses,
		Explanations:     explanations,
		AuditTrail:       audit,
		IncompleteAgents: incomplete,
		Providers:        providers,
		CreatedAt:        time.Now().UTC(),
	}
	if st.Instrument != nil {
		rec.Symbol = st.Instrument.Symbol
		rec.Venue = st.Instrument.Venue
		rec.InstrumentType = string(st.Instrument.Type)
	}
	if st.Execution != nil {
		rec.Status = StatusExecuted
		rec.OrderID = st.Execution.OrderID
	}
	return rec, nil
}

// DecisionsSince lists records newer than the cutoff, newest first,
// for dashboards and the maintenance loop.
func (s *Store) DecisionsSince(ctx context.Context, cutoff time.Time, limit int) ([]DecisionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, symbol, status, final_signal, trend_signal,
		       position_size, entry_price, market_price, created_at
		FROM decisions
		WHERE created_at > $1
		ORDER BY created_at DESC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		if err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.Symbol, &rec.Status, &rec.FinalSignal,
			&rec.TrendSignal, &rec.PositionSize, &rec.EntryPrice, &rec.MarketPrice,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
