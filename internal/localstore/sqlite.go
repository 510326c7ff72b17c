package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteTableName        = "local_drafts"
	sqliteOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLiteStore keeps drafts in a single database file, for hosts where a
// directory of loose files is awkward (one roaming cache file, one fsync
// domain). The schema is created lazily on first use.
type SQLiteStore struct {
	path   string
	quota  int64
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu     sync.Mutex
	closed bool
}

func NewSQLiteStore(path string, quotaBytes int64) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrInvalidDSN)
	}
	if quotaBytes <= 0 {
		quotaBytes = DefaultQuotaBytes
	}
	return &SQLiteStore{
		path:   path,
		quota:  quotaBytes,
		openDB: sql.Open,
	}, nil
}

func (s *SQLiteStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		// The store is accessed from timer goroutines one call at a time.
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				draft_key TEXT PRIMARY KEY,
				payload BLOB NOT NULL,
				updated_at TEXT NOT NULL
			)`, sqliteTableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) SetItem(key string, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var used int64
	query := fmt.Sprintf("SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM %s WHERE draft_key != ?", sqliteTableName)
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&used); err != nil {
		return err
	}
	if used+int64(len(data)) > s.quota {
		return fmt.Errorf("%w: %d of %d bytes", ErrQuotaExceeded, used+int64(len(data)), s.quota)
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (draft_key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (draft_key)
		DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`, sqliteTableName)
	_, err := s.db.ExecContext(ctx, upsert, key, data, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) GetItem(key string) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE draft_key = ?", sqliteTableName)
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *SQLiteStore) RemoveItem(key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE draft_key = ?", sqliteTableName)
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *SQLiteStore) Keys() ([]string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT draft_key FROM %s ORDER BY draft_key", sqliteTableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if scanErr := rows.Scan(&key); scanErr != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
