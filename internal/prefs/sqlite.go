package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const createPreferencesTableSQL = `
CREATE TABLE IF NOT EXISTS user_preferences (
	user_id INTEGER NOT NULL,
	channel TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT 'sonar',
	focus TEXT NOT NULL DEFAULT 'web',
	mode TEXT NOT NULL DEFAULT 'busca',
	reasoning INTEGER NOT NULL DEFAULT 0,
	return_citations INTEGER NOT NULL DEFAULT 1,
	return_images INTEGER NOT NULL DEFAULT 1,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, channel)
);`

const upsertPreferencesSQL = `INSERT INTO user_preferences
	(user_id, channel, model, focus, mode, reasoning, return_citations, return_images, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(user_id, channel) DO UPDATE SET
		model = excluded.model,
		focus = excluded.focus,
		mode = excluded.mode,
		reasoning = excluded.reasoning,
		return_citations = excluded.return_citations,
		return_images = excluded.return_images,
		updated_at = CURRENT_TIMESTAMP`

const selectPreferencesSQL = `SELECT model, focus, mode, reasoning, return_citations, return_images
	FROM user_preferences WHERE user_id = ? AND channel = ?`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteStore keeps preferences in the user_preferences table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := db.Exec(createPreferencesTableSQL); err != nil {
		return nil, fmt.Errorf("create user_preferences table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID int64, channel string) (Preferences, error) {
	return get(ctx, s.db, userID, channel)
}

func (s *SQLiteStore) Set(ctx context.Context, userID int64, channel string, p Preferences) error {
	return set(ctx, s.db, userID, channel, p)
}

func (s *SQLiteStore) Toggle(ctx context.Context, userID int64, channel, setting string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	p, err := get(ctx, tx, userID, channel)
	if err != nil {
		return false, err
	}
	v, err := toggle(&p, setting)
	if err != nil {
		return false, err
	}
	if err := set(ctx, tx, userID, channel, p); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return v, nil
}

func get(ctx context.Context, q queryer, userID int64, channel string) (Preferences, error) {
	var p Preferences
	err := q.QueryRowContext(ctx, selectPreferencesSQL, userID, channel).
		Scan(&p.Model, &p.Focus, &p.Mode, &p.Reasoning, &p.ReturnCitations, &p.ReturnImages)
	if errors.Is(err, sql.ErrNoRows) {
		return Default(), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("read preferences: %w", err)
	}
	return p, nil
}

func set(ctx context.Context, q queryer, userID int64, channel string, p Preferences) error {
	_, err := q.ExecContext(ctx, upsertPreferencesSQL,
		userID, channel, p.Model, p.Focus, p.Mode, p.Reasoning, p.ReturnCitations, p.ReturnImages)
	if err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}
