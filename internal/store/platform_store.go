// Package store persists the sensor-platform cache in SQLite so provenance
// lookups survive across runs and are shared by batch workers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
)

// PlatformRecord is one cached platform decision.
type PlatformRecord struct {
	Key       string // <PPP_RRR>|<YYYYMMDD>
	Platform  string // landsat-8, landsat-9, ... or "" when undetermined
	Source    string // how it was decided: metadata, local-sr, filename
	UpdatedAt time.Time
}

// PlatformStore is a SQLite-backed platform cache.
type PlatformStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewPlatformStore opens (creating if needed) the database at path.
func NewPlatformStore(path string) (*PlatformStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewPlatformStore")
	defer timer.Stop()

	logging.Store("Opening platform store at %s", path)
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &PlatformStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PlatformStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS platform_cache (
		key TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create platform_cache: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *PlatformStore) Path() string { return s.dbPath }

// Get returns a cached record.
func (s *PlatformStore) Get(ctx context.Context, key string) (PlatformRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec PlatformRecord
	var ts int64
	err := s.db.QueryRowContext(ctx,
		"SELECT key, platform, source, updated_at FROM platform_cache WHERE key = ?", key,
	).Scan(&rec.Key, &rec.Platform, &rec.Source, &ts)
	if err == sql.ErrNoRows {
		return PlatformRecord{}, false, nil
	}
	if err != nil {
		return PlatformRecord{}, false, fmt.Errorf("failed to read platform %s: %w", key, err)
	}
	rec.UpdatedAt = time.Unix(ts, 0)
	return rec, true, nil
}

// Put inserts or replaces a record.
func (s *PlatformStore) Put(ctx context.Context, rec PlatformRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_cache (key, platform, source, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET platform = excluded.platform, source = excluded.source, updated_at = excluded.updated_at`,
		rec.Key, rec.Platform, rec.Source, rec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to store platform %s: %w", rec.Key, err)
	}
	logging.StoreDebug("Stored platform %s=%q (%s)", rec.Key, rec.Platform, rec.Source)
	return nil
}

// All returns every record ordered by key.
func (s *PlatformStore) All(ctx context.Context) ([]PlatformRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT key, platform, source, updated_at FROM platform_cache ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	defer rows.Close()

	var out []PlatformRecord
	for rows.Next() {
		var rec PlatformRecord
		var ts int64
		if err := rows.Scan(&rec.Key, &rec.Platform, &rec.Source, &ts); err != nil {
			return nil, err
		}
		rec.UpdatedAt = time.Unix(ts, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge deletes every record and returns how many were removed.
func (s *PlatformStore) Purge(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM platform_cache")
	if err != nil {
		return 0, fmt.Errorf("failed to purge platform cache: %w", err)
	}
	n, _ := res.RowsAffected()
	logging.Store("Purged %d cached platform(s)", n)
	return n, nil
}

// Close closes the database.
func (s *PlatformStore) Close() error {
	return s.db.Close()
}
