package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"argus/metrics"

	"go.uber.org/zap"
)

// FailedEvent is an input that could not be decoded.
type FailedEvent struct {
	Protocol     string // "unixgram" or "stdin"
	RawEvent     []byte
	ErrorReason  string // e.g. "decode_failure"
	ErrorDetails string
}

// DLQEvent is a dead letter queue row.
type DLQEvent struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Protocol     string    `json:"protocol"`
	RawEvent     []byte    `json:"raw_event"`
	Size         int       `json:"size"`
	ErrorReason  string    `json:"error_reason"`
	ErrorDetails string    `json:"error_details"`
}

// DLQ records malformed inputs in the dead_letter_queue table.
type DLQ struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewDLQ creates a new DLQ instance
func NewDLQ(db *sql.DB, logger *zap.SugaredLogger) *DLQ {
	return &DLQ{db: db, logger: logger}
}

// Add writes a failed event to the DLQ.
func (d *DLQ) Add(ctx context.Context, event *FailedEvent) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO dead_letter_queue (protocol, raw_event, size, error_reason, error_details)
		VALUES (?, ?, ?, ?, ?)`,
		event.Protocol, event.RawEvent, len(event.RawEvent), event.ErrorReason, event.ErrorDetails)
	if err != nil {
		metrics.DeadLetterInsertFailures.Inc()
		d.logger.Errorw("Failed to write event to DLQ", "error", err, "protocol", event.Protocol, "reason", event.ErrorReason)
		return fmt.Errorf("failed to write event to DLQ: %w", err)
	}
	metrics.DeadLetterInserts.Inc()
	d.logger.Debugw("Event written to DLQ", "protocol", event.Protocol, "reason", event.ErrorReason, "size", len(event.RawEvent))
	return nil
}

// List returns up to limit entries, newest first.
func (d *DLQ) List(ctx context.Context, limit int) ([]*DLQEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, timestamp, protocol, raw_event, size, error_reason, error_details
		FROM dead_letter_queue ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ events: %w", err)
	}
	defer rows.Close()

	var out []*DLQEvent
	for rows.Next() {
		var e DLQEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Protocol, &e.RawEvent, &e.Size, &e.ErrorReason, &e.ErrorDetails); err != nil {
			return nil, fmt.Errorf("failed to scan DLQ event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Count returns the number of entries.
func (d *DLQ) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count DLQ events: %w", err)
	}
	return n, nil
}
