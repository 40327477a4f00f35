package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

const createRateLimitsTableSQL = `
CREATE TABLE IF NOT EXISTS rate_limits (
	user_id INTEGER NOT NULL,
	channel TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 1,
	window_start INTEGER NOT NULL,
	PRIMARY KEY (user_id, channel)
);`

// SQLiteStore keeps quota records in the rate_limits table.
// Update wraps the read and the conditional write in one transaction.
//
// The *sql.DB may be shared with other components; Close does not close it.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// NewSQLiteStore creates the schema if needed and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := db.Exec(createRateLimitsTableSQL); err != nil {
		return nil, fmt.Errorf("create rate_limits table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	if s.closed.Load() {
		return Record{}, false, ErrClosed
	}
	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT request_count, window_start FROM rate_limits WHERE user_id=? AND channel=?`,
		key.UserID, key.Channel), key)
}

func (s *SQLiteStore) Update(ctx context.Context, key Key, fn func(tx Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quota tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{ctx: ctx, tx: tx, key: key}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit quota tx: %w", err)
	}
	return nil
}

// Close stops the store from accepting operations.
func (s *SQLiteStore) Close() error {
	s.closed.Store(true)
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
	key Key
}

func (t *sqliteTx) Get() (Record, bool, error) {
	return scanRecord(t.tx.QueryRowContext(t.ctx,
		`SELECT request_count, window_start FROM rate_limits WHERE user_id=? AND channel=?`,
		t.key.UserID, t.key.Channel), t.key)
}

func (t *sqliteTx) UpsertReset(now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO rate_limits(user_id,channel,request_count,window_start) VALUES(?,?,1,?)
	ON CONFLICT(user_id,channel) DO UPDATE SET request_count=1, window_start=excluded.window_start`,
		t.key.UserID, t.key.Channel, now.UnixNano())
	if err != nil {
		return fmt.Errorf("reset quota %s: %w", t.key, err)
	}
	return nil
}

func (t *sqliteTx) Increment() error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE rate_limits SET request_count=request_count+1 WHERE user_id=? AND channel=?`,
		t.key.UserID, t.key.Channel)
	if err != nil {
		return fmt.Errorf("increment quota %s: %w", t.key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment quota %s: %w", t.key, err)
	}
	if n == 0 {
		return ErrNoRecord
	}
	return nil
}

func scanRecord(row *sql.Row, key Key) (Record, bool, error) {
	var (
		count int
		start int64
	)
	if err := row.Scan(&count, &start); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read quota %s: %w", key, err)
	}
	return Record{
		UserID:       key.UserID,
		Channel:      key.Channel,
		RequestCount: count,
		WindowStart:  time.Unix(0, start),
	}, true, nil
}
