package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"agentcore/pkg/logx"
)

// CurrentSchemaVersion defines the store schema version for migration
// support.
const CurrentSchemaVersion = 1

// SQLiteStore implements Store on a single SQLite database. WAL mode with
// a busy timeout keeps concurrent readers cheap; writes are serialized
// through a single connection because SQLite allows one writer.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// OpenSQLite opens (and if necessary creates) the store database at path.
// ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping store database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logx.NewLogger("store"),
	}
	s.logger.Info("store opened: %s (schema v%d)", path, CurrentSchemaVersion)
	return s, nil
}

func initializeSchema(db *sql.DB) error {
	var version int
	err := db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version == 0 {
		if err := createSchema(db); err != nil {
			return err
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", CurrentSchemaVersion)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
		return nil
	}

	if version == CurrentSchemaVersion {
		return nil
	}
	return fmt.Errorf("unknown store schema version %d (current is %d)", version, CurrentSchemaVersion)
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS zsets (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			score  REAL NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_zsets_key_score ON zsets (key, score, member)`,
		`CREATE TABLE IF NOT EXISTS lists (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			key   TEXT NOT NULL,
			value BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lists_key ON lists (key, id)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Get returns the value for key, treating expired entries as absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		// Lazy expiry: reads never return stale values; PurgeExpired
		// reclaims the rows.
		_, _ = s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ? AND expires_at <= ?", key, time.Now().UnixMilli())
		return nil, false, nil
	}
	return value, true, nil
}

// Set writes key=value with an optional TTL.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ZAdd inserts or updates a sorted-set member.
func (s *SQLiteStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO zsets (key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key, member) DO UPDATE SET score = excluded.score
	`, key, member, score)
	if err != nil {
		return fmt.Errorf("failed to zadd %s/%s: %w", key, member, err)
	}
	return nil
}

// ZScore returns the score of member in the set at key.
func (s *SQLiteStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	var score float64
	err := s.db.QueryRowContext(ctx,
		"SELECT score FROM zsets WHERE key = ? AND member = ?", key, member,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to zscore %s/%s: %w", key, member, err)
	}
	return score, true, nil
}

// ZPopMin atomically removes and returns the lowest-scored member.
func (s *SQLiteStore) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to begin zpopmin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var member string
	var score float64
	err = tx.QueryRowContext(ctx, `
		SELECT member, score FROM zsets WHERE key = ?
		ORDER BY score ASC, member ASC LIMIT 1
	`, key).Scan(&member, &score)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to zpopmin %s: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM zsets WHERE key = ? AND member = ?", key, member,
	); err != nil {
		return "", 0, false, fmt.Errorf("failed to zpopmin delete %s/%s: %w", key, member, err)
	}
	if err := tx.Commit(); err != nil {
		return "", 0, false, fmt.Errorf("failed to commit zpopmin %s: %w", key, err)
	}
	return member, score, true, nil
}

// ZRangeByScore returns members with min <= score <= max in ascending
// score order.
func (s *SQLiteStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member, score FROM zsets
		WHERE key = ? AND score >= ? AND score <= ?
		ORDER BY score ASC, member ASC
	`, key, min, max)
	if err != nil {
		return nil, fmt.Errorf("failed to zrangebyscore %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Member, &m.Score); err != nil {
			return nil, fmt.Errorf("failed to scan zset row: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate zset rows: %w", err)
	}
	return members, nil
}

// ZRem removes member from the set, reporting whether it was present.
func (s *SQLiteStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM zsets WHERE key = ? AND member = ?", key, member,
	)
	if err != nil {
		return false, fmt.Errorf("failed to zrem %s/%s: %w", key, member, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read zrem result: %w", err)
	}
	return affected > 0, nil
}

// ZCard returns the cardinality of the set at key.
func (s *SQLiteStore) ZCard(ctx context.Context, key string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM zsets WHERE key = ?", key,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to zcard %s: %w", key, err)
	}
	return count, nil
}

// RPush appends value to the list at key.
func (s *SQLiteStore) RPush(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO lists (key, value) VALUES (?, ?)", key, value,
	); err != nil {
		return fmt.Errorf("failed to rpush %s: %w", key, err)
	}
	return nil
}

// LLen returns the length of the list at key.
func (s *SQLiteStore) LLen(ctx context.Context, key string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM lists WHERE key = ?", key,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to llen %s: %w", key, err)
	}
	return count, nil
}

// LRange returns elements from start to stop inclusive; negative indices
// count from the end.
func (s *SQLiteStore) LRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	length, err := s.LLen(ctx, key)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}

	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM lists WHERE key = ?
		ORDER BY id ASC LIMIT ? OFFSET ?
	`, key, stop-start+1, start)
	if err != nil {
		return nil, fmt.Errorf("failed to lrange %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	var values [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan list row: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate list rows: %w", err)
	}
	return values, nil
}

// PurgeExpired removes expired KV entries and returns how many.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?",
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired keys: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	if affected > 0 {
		s.logger.Debug("purged %d expired keys", affected)
	}
	return int(affected), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store database: %w", err)
	}
	return nil
}
