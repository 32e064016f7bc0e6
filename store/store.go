// Package store provides the database storage layer.
// All database operations should go through this package.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"gridbot/grid"
	"gridbot/logger"
)

// Document keys. Each key holds one JSON document, overwritten whole on
// every save.
const (
	keyGrids   = "grids"
	keyHistory = "grid_history"
	keyStats   = "module_stats"
)

// Store persists engine state as JSON documents in SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("✅ Database initialized (%s)", dbPath)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

// ============================================================================
// Document access
// ============================================================================

// saveDocument upserts one document. Last write wins.
func (s *Store) saveDocument(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO documents (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, string(data))
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", key, err)
	}
	return nil
}

// loadDocument reads one document into dst. A missing or corrupt
// document leaves dst untouched and reports found=false, so the caller
// starts from empty state.
func (s *Store) loadDocument(key string, dst interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM documents WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load document %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(value), dst); err != nil {
		logger.Warnf("Document %s is corrupt, ignoring: %v", key, err)
		return false, nil
	}
	return true, nil
}

// ============================================================================
// grid.Persistence
// ============================================================================

// SaveGrids overwrites the active-grids document.
func (s *Store) SaveGrids(grids map[string]*grid.Grid) error {
	return s.saveDocument(keyGrids, grids)
}

// SaveHistory overwrites the completed-grids document.
func (s *Store) SaveHistory(history []*grid.Grid) error {
	return s.saveDocument(keyHistory, history)
}

// SaveStats overwrites the aggregate stats document.
func (s *Store) SaveStats(stats *grid.ModuleStats) error {
	return s.saveDocument(keyStats, stats)
}

// LoadGrids returns the persisted active grids, empty when absent.
func (s *Store) LoadGrids() (map[string]*grid.Grid, error) {
	grids := make(map[string]*grid.Grid)
	if _, err := s.loadDocument(keyGrids, &grids); err != nil {
		return nil, err
	}
	return grids, nil
}

// LoadHistory returns the persisted completed grids, empty when absent.
func (s *Store) LoadHistory() ([]*grid.Grid, error) {
	var history []*grid.Grid
	if _, err := s.loadDocument(keyHistory, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// LoadStats returns the persisted aggregate stats, zeroed when absent.
func (s *Store) LoadStats() (*grid.ModuleStats, error) {
	stats := &grid.ModuleStats{}
	if _, err := s.loadDocument(keyStats, stats); err != nil {
		return nil, err
	}
	return stats, nil
}
