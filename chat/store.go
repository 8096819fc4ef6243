package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Store persists chat traffic in the chat_messages table.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store backed by db. The schema is created by db.RunMigrations.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Record stores an inbound message. Duplicate platform ids are ignored.
func (s *Store) Record(ctx context.Context, m Message) error {
	at := m.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO chat_messages (channel, message_id, user_id, username, message, is_self, mentions_bot, abs_timestamp)
		VALUES ($1,$2,$3,$4,$5,FALSE,$6,$7) ON CONFLICT (channel, message_id) DO NOTHING`,
		m.Channel, m.ID, m.UserID, m.UserName, m.Text, m.MentionsBot, at)
	if err != nil {
		return fmt.Errorf("record chat message: %w", err)
	}
	return nil
}

// RecordOutput stores a message the bot sent.
func (s *Store) RecordOutput(ctx context.Context, ref Ref, text string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO chat_messages (channel, message_id, message, is_self, mentions_bot, abs_timestamp)
		VALUES ($1,$2,$3,TRUE,FALSE,$4) ON CONFLICT (channel, message_id) DO NOTHING`,
		ref.Channel, ref.ID, text, ref.At)
	if err != nil {
		return fmt.Errorf("record chat output: %w", err)
	}
	return nil
}

// MarkDeleted flags a stored message as removed from the platform.
func (s *Store) MarkDeleted(ctx context.Context, ref Ref) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET deleted_at=NOW() WHERE channel=$1 AND message_id=$2 AND deleted_at IS NULL`, ref.Channel, ref.ID)
	if err != nil {
		return fmt.Errorf("mark chat message deleted: %w", err)
	}
	return nil
}

// Between implements History. Deleted messages are skipped; results are ordered by time.
func (s *Store) Between(ctx context.Context, channel string, since, until time.Time) ([]Ref, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, abs_timestamp, is_self, mentions_bot FROM chat_messages
		WHERE channel=$1 AND abs_timestamp>=$2 AND abs_timestamp<=$3 AND deleted_at IS NULL
		ORDER BY abs_timestamp ASC, id ASC`, channel, since, until)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []Ref
	for rows.Next() {
		r := Ref{Channel: channel}
		if err := rows.Scan(&r.ID, &r.At, &r.Self, &r.MentionsBot); err != nil {
			return nil, fmt.Errorf("scan chat history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordingTransport writes every sent message to a Store and marks deletions.
// Store failures are logged and never fail the underlying call.
type RecordingTransport struct {
	Transport
	Store *Store
}

func (t *RecordingTransport) Send(ctx context.Context, channel, text string) (Ref, error) {
	ref, err := t.Transport.Send(ctx, channel, text)
	if err != nil {
		return ref, err
	}
	if err := t.Store.RecordOutput(ctx, ref, text); err != nil {
		slog.Warn("chat store: record output", slog.Any("err", err), slog.String("component", "chat_store"))
	}
	return ref, nil
}

func (t *RecordingTransport) Delete(ctx context.Context, ref Ref) error {
	if err := t.Transport.Delete(ctx, ref); err != nil {
		return err
	}
	if err := t.Store.MarkDeleted(ctx, ref); err != nil {
		slog.Warn("chat store: mark deleted", slog.Any("err", err), slog.String("component", "chat_store"))
	}
	return nil
}
