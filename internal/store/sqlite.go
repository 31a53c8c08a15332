package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
	"github.com/ashureev/site-insights/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while a snapshot is being written.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen_at);

	CREATE TABLE IF NOT EXISTS app_state (
		user_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, last_seen_at, created_at, updated_at FROM users WHERE user_id = ?`, userID)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// UpsertUser creates or updates a user record. CreatedAt is kept on update.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, s.retry, "upsert user", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix())
		return err
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	var rows int64
	err := shared.RetryOnConflict(ctx, s.retry, "update last_seen", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`,
			lastSeen.Unix(), time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// LoadState returns the stored snapshot for userID.
func (s *SQLiteStore) LoadState(ctx context.Context, userID string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM app_state WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return []byte(data), nil
}

// SaveState overwrites the stored snapshot for userID.
func (s *SQLiteStore) SaveState(ctx context.Context, userID string, data []byte) error {
	query := `
	INSERT INTO app_state (user_id, state_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		state_json = excluded.state_json,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, s.retry, "save state", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, userID, string(data), time.Now().Unix())
		return err
	})
}

// DeleteState removes the stored snapshot for userID.
func (s *SQLiteStore) DeleteState(ctx context.Context, userID string) error {
	return shared.RetryOnConflict(ctx, s.retry, "delete state", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM app_state WHERE user_id = ?`, userID)
		return err
	})
}

// GetIdleUsers returns users with stored state whose last visit is older than idle.
func (s *SQLiteStore) GetIdleUsers(ctx context.Context, idle time.Duration) ([]*domain.User, error) {
	threshold := time.Now().Add(-idle).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.user_id, u.last_seen_at, u.created_at, u.updated_at
		FROM users u JOIN app_state a ON a.user_id = u.user_id
		WHERE u.last_seen_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle users rows", "error", closeErr)
		}
	}()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle users: %w", err)
	}
	return users, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*domain.User, error) {
	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	if err := r.Scan(&user.UserID, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}
