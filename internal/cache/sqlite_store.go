package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_generations (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	generation TEXT NOT NULL,
	cache_key  TEXT NOT NULL,
	method     TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     BLOB NOT NULL,
	body       BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (generation, cache_key)
);`

// SQLiteStorage 将全部 generation 存放在单个 SQLite 文件中。
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLiteStorage 打开（必要时创建）path 指向的数据库并初始化表结构。
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", classifyFSError(err))
	}
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.ensureGeneration(ctx, name); err != nil {
		return nil, err
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *SQLiteStorage) ensureGeneration(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_generations (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli(),
	)
	return classifySQLiteError(err)
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_generations WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_generations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close 关闭数据库句柄。
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Put(ctx context.Context, key Key, snapshot Snapshot) error {
	header, err := json.Marshal(snapshot.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	storedAt := snapshot.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := snapshot.Body
	if body == nil {
		body = []byte{}
	}

	// generation 行可能已被并发的 Delete 移除，这里与条目一起重新登记。
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_generations (name, created_at) VALUES (?, ?)`,
		s.name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return classifySQLiteError(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		   (generation, cache_key, method, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.name, key.String(), key.Method, key.URL, snapshot.Status, header, body, storedAt.UnixMilli(),
	)
	return classifySQLiteError(err)
}

func (s *sqliteStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE generation = ? AND cache_key = ?`,
		s.name, key.String(),
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	snapshot := Snapshot{
		Status:   status,
		Header:   http.Header{},
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &snapshot.Header); err != nil {
			return nil, fmt.Errorf("decode header: %w", err)
		}
	}
	return &snapshot, nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE generation = ? ORDER BY cache_key`, s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_FULL {
		return fmt.Errorf("%w: %v", ErrStorageQuotaExceeded, err)
	}
	return err
}

var _ Storage = (*SQLiteStorage)(nil)
