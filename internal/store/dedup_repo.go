package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Phone       string     `json:"phone"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo drops inbound messages the gateway delivers more than once.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, phone string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

var (
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
)

func (b *sqlBase) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (b *sqlBase) RecordInbound(ctx context.Context, messageID, phone string) (bool, error) {
	result, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO inbound_dedup (message_id, phone, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`),
		messageID, phone, utcNow(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (b *sqlBase) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), utcNow(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
