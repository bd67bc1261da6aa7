package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/llm"
)

const upsertUsageSQL = `
	INSERT INTO provider_usage (provider, day, calls, failures, tokens, last_model, last_agent, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (provider, day) DO UPDATE SET
		calls      = provider_usage.calls + EXCLUDED.calls,
		failures   = provider_usage.failures + EXCLUDED.failures,
		tokens     = provider_usage.tokens + EXCLUDED.tokens,
		last_model = EXCLUDED.last_model,
		last_agent = EXCLUDED.last_agent,
		updated_at = EXCLUDED.updated_at`

// RecordProviderUsage upserts one provider's daily counters; one
// document per provider per day.
func (s *Store) RecordProviderUsage(ctx context.Context, rec llm.UsageRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	day := ts.Format("2006-01-02")

	failures := 0
	if !rec.Success {
		failures = 1
	}

	if err := s.exec(ctx, "upsert_provider_usage", upsertUsageSQL,
		rec.Provider, day, 1, failures, rec.Tokens, rec.Model, rec.AgentName, ts,
	); err != nil {
		return fmt.Errorf("failed to upsert usage for provider %s: %w", rec.Provider, err)
	}
	return nil
}
