package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradecouncil/tradecouncil/internal/alerts"
)

const insertAlertSQL = `
	INSERT INTO alerts (id, type, severity, message, details, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

// Send persists an alert, making the store a delivery channel on the
// alert router alongside the log and Telegram sinks.
func (s *Store) Send(ctx context.Context, alert alerts.Alert) error {
	details, err := json.Marshal(alert.Details)
	if err != nil {
		return fmt.Errorf("failed to encode alert details: %w", err)
	}
	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if err := s.exec(ctx, "insert_alert", insertAlertSQL,
		uuid.New(), alert.Type, string(alert.Severity), alert.Message, details, ts,
	); err != nil {
		return fmt.Errorf("failed to persist alert %s: %w", alert.Type, err)
	}
	return nil
}
