package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// dedupQueries is the inbound_dedup SQL of one dialect.
type dedupQueries struct {
	exists    string
	insert    string
	processed string
	purge     string
}

var sqliteDedupQueries = dedupQueries{
	exists:    `SELECT 1 FROM inbound_dedup WHERE message_id = ?`,
	insert:    `INSERT OR IGNORE INTO inbound_dedup (message_id, conversation_id, received_at) VALUES (?, ?, ?)`,
	processed: `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
	purge:     `DELETE FROM inbound_dedup WHERE received_at < ?`,
}

var postgresDedupQueries = dedupQueries{
	exists:    `SELECT 1 FROM inbound_dedup WHERE message_id = $1`,
	insert:    `INSERT INTO inbound_dedup (message_id, conversation_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
	processed: `UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
	purge:     `DELETE FROM inbound_dedup WHERE received_at < $1`,
}

// sqlDedup implements DedupRepo over a database/sql handle.
type sqlDedup struct {
	db *sql.DB
	q  dedupQueries
}

func (d sqlDedup) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, d.q.exists, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check %s: %w", messageID, err)
	}
	return true, nil
}

func (d sqlDedup) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.q.insert, messageID, conversationID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound %s: rows affected: %w", messageID, err)
	}
	return n > 0, nil
}

func (d sqlDedup) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := d.db.ExecContext(ctx, d.q.processed, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	return nil
}

func (d sqlDedup) PurgeDedup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.q.purge, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge dedup: %w", err)
	}
	return res.RowsAffected()
}
