package querylog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS query_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		channel TEXT NOT NULL,
		query TEXT NOT NULL,
		model TEXT NOT NULL,
		focus TEXT NOT NULL,
		response_time_ms INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL,
		error_message TEXT,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_query_logs_user_id ON query_logs(user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_query_logs_created_at ON query_logs(created_at);`,
}

// SQLiteStore keeps log entries in the query_logs table.
// The *sql.DB is shared; Close does not close it.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create query_logs schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Log(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var errMsg sql.NullString
	if e.ErrorMessage != "" {
		errMsg = sql.NullString{String: e.ErrorMessage, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO query_logs
		(user_id, channel, query, model, focus, response_time_ms, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Channel, e.Query, e.Model, e.Focus, e.ResponseTimeMs, boolToInt(e.Success), errMsg, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UserStats(ctx context.Context, userID int64, channel string) (UserStats, error) {
	st := UserStats{UserID: userID, Channel: channel, FavoriteModel: FavoriteModelNone}

	var successful sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(success)
		FROM query_logs WHERE user_id = ? AND channel = ?`, userID, channel).
		Scan(&st.TotalQueries, &successful)
	if err != nil {
		return UserStats{}, fmt.Errorf("query user stats: %w", err)
	}
	st.SuccessfulQueries = successful.Int64
	if st.TotalQueries == 0 {
		return st, nil
	}

	err = s.db.QueryRowContext(ctx, `SELECT model FROM query_logs
		WHERE user_id = ? AND channel = ?
		GROUP BY model ORDER BY COUNT(*) DESC, model ASC LIMIT 1`, userID, channel).
		Scan(&st.FavoriteModel)
	if err != nil {
		return UserStats{}, fmt.Errorf("query favorite model: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) GlobalStats(ctx context.Context) (GlobalStats, error) {
	var (
		st  GlobalStats
		avg sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id), COUNT(*), AVG(response_time_ms)
		FROM query_logs`).Scan(&st.TotalUsers, &st.TotalQueries, &avg)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("query global stats: %w", err)
	}
	st.AvgResponseTimeMs = roundMs(avg.Float64)
	return st, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_logs WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune query logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune query logs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return nil }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
