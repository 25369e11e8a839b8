package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/maynero/youtube-to-m3u/internal/status"
)

// Store persists status transitions so operators can see when a channel
// went live or dropped off, across restarts. The in-memory snapshot stays
// authoritative; this is history only.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Transition is one recorded state change.
type Transition struct {
	ID        int64        `db:"id" json:"id"`
	ChannelID string       `db:"channel_id" json:"channelId"`
	State     status.State `db:"state" json:"state"`
	VideoID   *string      `db:"video_id" json:"videoId,omitempty"`
	Detail    *string      `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
}

const schema = `
CREATE TABLE IF NOT EXISTS status_transition (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT NOT NULL,
	state TEXT NOT NULL,
	video_id TEXT NULL,
	detail TEXT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_status_transition_channel
	ON status_transition (channel_id, created_at);
`

// Migrate creates the schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate status_transition: %w", err)
	}
	return nil
}

// RecordTransition appends one state change.
func (s *Store) RecordTransition(ctx context.Context, channelID string, state status.State, videoID, detail string) error {
	query := s.db.Rebind(`
		INSERT INTO status_transition (channel_id, state, video_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)

	var vid, det *string
	if videoID != "" {
		vid = &videoID
	}
	if detail != "" {
		det = &detail
	}

	if _, err := s.db.ExecContext(ctx, query, channelID, string(state), vid, det, time.Now().UTC()); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecentTransitions returns up to limit transitions for the channel, newest
// first.
func (s *Store) RecentTransitions(ctx context.Context, channelID string, limit int) ([]Transition, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := s.db.Rebind(`
		SELECT id, channel_id, state, video_id, detail, created_at
		FROM status_transition
		WHERE channel_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)

	rows := []Transition{}
	if err := s.db.SelectContext(ctx, &rows, query, channelID, limit); err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return rows, nil
}
