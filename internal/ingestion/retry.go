package ingestion

import (
	"context"
	"database/sql"
	"time"
)

// DefaultMaxRetries is the bounded-retry ceiling at which a message is
// dead-lettered without requeue (spec.md §4.1 step 6).
const DefaultMaxRetries = 3

// RetryTracker persists per-message-signature retry counts so retries
// survive a process restart (MessageRetryCount table).
type RetryTracker struct {
	db    *sql.DB
	table string
}

// NewRetryTracker wires a RetryTracker to the named table ("message_retry_counts"
// for C1, "metric_engine_message_retries" for C2).
func NewRetryTracker(db *sql.DB, table string) *RetryTracker {
	return &RetryTracker{db: db, table: table}
}

// Increment bumps the retry count for messageID, recording lastErr, and
// returns the new count.
func (t *RetryTracker) Increment(ctx context.Context, messageID string, lastErr error) (int, error) {
	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}

	var count int
	query := `
		INSERT INTO ` + t.table + ` (message_id, count, last_error, first_attempt_at, last_attempt_at)
		VALUES ($1, 1, $2, now(), now())
		ON CONFLICT (message_id) DO UPDATE SET
			count = ` + t.table + `.count + 1,
			last_error = EXCLUDED.last_error,
			last_attempt_at = now()
		RETURNING count`
	err := t.db.QueryRowContext(ctx, query, messageID, errText).Scan(&count)
	return count, err
}

// Count returns the current retry count for messageID (0 if never seen).
func (t *RetryTracker) Count(ctx context.Context, messageID string) (int, error) {
	var count int
	err := t.db.QueryRowContext(ctx, "SELECT count FROM "+t.table+" WHERE message_id = $1", messageID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// Reset clears the retry count for messageID.
func (t *RetryTracker) Reset(ctx context.Context, messageID string) error {
	_, err := t.db.ExecContext(ctx, "DELETE FROM "+t.table+" WHERE message_id = $1", messageID)
	return err
}

// SweepOlderThan deletes retry-count rows whose last_attempt_at predates
// cutoff.
func (t *RetryTracker) SweepOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := t.db.ExecContext(ctx, "DELETE FROM "+t.table+" WHERE last_attempt_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
