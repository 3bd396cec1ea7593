package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// OutboxEntry is a message waiting to be published. The field order
// matches the columns of sqlClaimBatch.
type OutboxEntry struct {
	ID          int64
	AggregateID string
	EventType   string
	Payload     json.RawMessage
	Topic       string
	Key         string
	CreatedAt   time.Time
	RetryCount  int
	LastError   *string
}

const sqlInsertEntry = `
	INSERT INTO outbox (aggregate_id, event_type, payload, kafka_topic, kafka_key)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id, created_at`

// WriteEntry adds entry to the outbox within tx and fills its ID and
// CreatedAt. The entry is published only if tx commits.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	if entry.Topic == "" {
		return fmt.Errorf("outbox entry %s has no topic", entry.EventType)
	}
	err := tx.QueryRow(ctx, sqlInsertEntry,
		entry.AggregateID, entry.EventType, entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// DeadLetter wraps an entry that exhausted its publish attempts.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func deadLetterOf(e *OutboxEntry) ([]byte, error) {
	return json.Marshal(DeadLetter{
		OriginalTopic: e.Topic,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		RetryCount:    e.RetryCount,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
	})
}
