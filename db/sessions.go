package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/nadeko-bot/event"
)

// SessionLog stores one row per finished event session.
type SessionLog struct {
	DB *sql.DB
}

// RecordSession inserts s.
func (l *SessionLog) RecordSession(ctx context.Context, s event.Summary) error {
	_, err := l.DB.ExecContext(ctx, `INSERT INTO event_sessions
		(channel, generation, reason, final_stage, outcome, started_at, finished_at, deleted_messages, delete_failures)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.Channel, int64(s.Generation), s.Reason, s.FinalStage, s.Outcome, s.StartedAt, s.FinishedAt, s.Deleted, s.DeleteFailures)
	if err != nil {
		return fmt.Errorf("record event session: %w", err)
	}
	return nil
}

// Recent returns up to limit sessions of channel, newest first.
func (l *SessionLog) Recent(ctx context.Context, channel string, limit int) ([]event.Summary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT channel, generation, reason, final_stage, outcome, started_at, finished_at, deleted_messages, delete_failures
		FROM event_sessions WHERE channel=$1 ORDER BY started_at DESC, id DESC LIMIT $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query event sessions: %w", err)
	}
	defer rows.Close()

	var out []event.Summary
	for rows.Next() {
		var s event.Summary
		var gen int64
		if err := rows.Scan(&s.Channel, &gen, &s.Reason, &s.FinalStage, &s.Outcome, &s.StartedAt, &s.FinishedAt, &s.Deleted, &s.DeleteFailures); err != nil {
			return nil, fmt.Errorf("scan event session: %w", err)
		}
		s.Generation = uint64(gen)
		out = append(out, s)
	}
	return out, rows.Err()
}
