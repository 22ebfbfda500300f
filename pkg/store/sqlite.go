package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/retry"
)

// writeRetry covers transient SQLITE_BUSY failures on the write path
var writeRetry = retry.DefaultConfig()

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _cache_size=-8000: 8MB memory cache for better performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool limits to prevent too many concurrent writes
	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1) // Serialize writes to avoid SQLITE_BUSY
	db.SetMaxIdleConns(1) // Keep one connection ready
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_state_updated ON pipeline_state(updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) putKey(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// External readers of the same file (the CLI inspecting a live
	// database) can hold the lock past the driver's busy timeout.
	return retry.Do(context.Background(), writeRetry, func() error {
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO pipeline_state (key, value, updated_at)
			VALUES (?, ?, ?)
		`, key, string(data), time.Now().UTC())
		return err
	})
}

func (s *SQLiteStore) getKey(key string, v interface{}) error {
	var data string
	err := s.db.QueryRow(`SELECT value FROM pipeline_state WHERE key = ?`, key).Scan(&data)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), v)
}

// SaveQueue replaces the persisted queue with the given snapshot.
// The scheduler calls this on every queue mutation so a restart can
// recover every non-terminal job.
func (s *SQLiteStore) SaveQueue(jobs []*models.Job) error {
	return s.putKey(queueKey, jobs)
}

// LoadQueue returns the persisted queue snapshot, or an empty slice
// when nothing has been persisted yet
func (s *SQLiteStore) LoadQueue() ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.getKey(queueKey, &jobs)
	if err == sql.ErrNoRows {
		return []*models.Job{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return jobs, nil
}

// SaveResult stores the terminal result for a job
func (s *SQLiteStore) SaveResult(res *models.JobResult) error {
	return s.putKey(resultKeyPrefix+res.JobID, res)
}

// GetResult retrieves the terminal result for a job
func (s *SQLiteStore) GetResult(jobID string) (*models.JobResult, error) {
	var res models.JobResult
	err := s.getKey(resultKeyPrefix+jobID, &res)
	if err == sql.ErrNoRows {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteResult removes the terminal result for a job
func (s *SQLiteStore) DeleteResult(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.db.Exec(`DELETE FROM pipeline_state WHERE key = ?`, resultKeyPrefix+jobID)
	if err != nil {
		return err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrResultNotFound
	}
	return nil
}

// ListResults returns all stored terminal results
func (s *SQLiteStore) ListResults() ([]*models.JobResult, error) {
	rows, err := s.db.Query(`
		SELECT value FROM pipeline_state WHERE key LIKE ? ORDER BY updated_at DESC
	`, resultKeyPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.JobResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var res models.JobResult
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		results = append(results, &res)
	}
	return results, rows.Err()
}

// PurgeResultsBefore deletes results persisted before cutoff and
// returns the number of rows removed
func (s *SQLiteStore) PurgeResultsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.db.Exec(`
		DELETE FROM pipeline_state WHERE key LIKE ? AND updated_at < ?
	`, resultKeyPrefix+"%", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// SaveDeviceProfile stores the device profile
func (s *SQLiteStore) SaveDeviceProfile(p *models.DeviceProfile) error {
	return s.putKey(profileKey, p)
}

// GetDeviceProfile retrieves the stored device profile
func (s *SQLiteStore) GetDeviceProfile() (*models.DeviceProfile, error) {
	var p models.DeviceProfile
	err := s.getKey(profileKey, &p)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection is usable
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum reclaims space left behind by purged results
func (s *SQLiteStore) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("VACUUM")
	return err
}

// Ensure both implementations satisfy the interface
var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLiteStore)(nil)
