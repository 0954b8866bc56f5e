// Package persistence provides SQLite-backed state persistence so device
// session configuration and task history survive server restarts.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SessionConfig is the persisted per-device session configuration. It holds
// everything needed to recreate the device's agent after a restart.
type SessionConfig struct {
	DeviceID  string `json:"deviceId"`
	ModelJSON string `json:"modelJson"` // serialized agent.ModelConfig
	AgentJSON string `json:"agentJson"` // serialized agent.Config
	UpdatedAt string `json:"updatedAt"` // ISO 8601
}

// TaskRun is one completed (or aborted) task execution for a device.
type TaskRun struct {
	ID          string `json:"id"`
	DeviceID    string `json:"deviceId"`
	Instruction string `json:"instruction"`
	Message     string `json:"message"` // final agent message or error text
	Steps       int    `json:"steps"`
	Success     bool   `json:"success"`
	Finished    bool   `json:"finished"`  // false when the step budget ran out
	CreatedAt   string `json:"createdAt"` // ISO 8601
}

// Store provides persistent state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the per-device session configuration table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_configs (
			device_id TEXT PRIMARY KEY,
			model_json TEXT NOT NULL DEFAULT '',
			agent_json TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 creates the task run history table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			instruction TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			steps INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			finished INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_runs_device ON task_runs(device_id, created_at);
	`)
	return err
}

// UpsertSessionConfig persists the session configuration for a device.
// Called after a successful init so the session can be recreated on restart.
func (s *Store) UpsertSessionConfig(cfg SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.UpdatedAt == "" {
		cfg.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO session_configs (device_id, model_json, agent_json, updated_at)
		VALUES (?, ?, ?, ?)`,
		cfg.DeviceID, cfg.ModelJSON, cfg.AgentJSON, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session config: %w", err)
	}
	return nil
}

// GetSessionConfig retrieves the persisted configuration for a device.
// Returns nil, nil if no configuration exists.
func (s *Store) GetSessionConfig(deviceID string) (*SessionConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c SessionConfig
	err := s.db.QueryRow(
		`SELECT device_id, model_json, agent_json, updated_at
		FROM session_configs WHERE device_id = ?`,
		deviceID,
	).Scan(&c.DeviceID, &c.ModelJSON, &c.AgentJSON, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session config: %w", err)
	}
	return &c, nil
}

// ListSessionConfigs returns every persisted session configuration.
func (s *Store) ListSessionConfigs() ([]SessionConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT device_id, model_json, agent_json, updated_at
		FROM session_configs ORDER BY device_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list session configs: %w", err)
	}
	defer rows.Close()

	var configs []SessionConfig
	for rows.Next() {
		var c SessionConfig
		if err := rows.Scan(&c.DeviceID, &c.ModelJSON, &c.AgentJSON, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session config: %w", err)
		}
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session configs: %w", err)
	}

	if configs == nil {
		configs = []SessionConfig{}
	}
	return configs, nil
}

// DeleteSessionConfig removes the persisted configuration for a device.
func (s *Store) DeleteSessionConfig(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM session_configs WHERE device_id = ?", deviceID)
	if err != nil {
		return fmt.Errorf("delete session config: %w", err)
	}
	return nil
}

// InsertTaskRun records a completed task execution.
func (s *Store) InsertTaskRun(run TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.CreatedAt == "" {
		run.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO task_runs (id, device_id, instruction, message, steps, success, finished, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DeviceID, run.Instruction, run.Message, run.Steps,
		boolToInt(run.Success), boolToInt(run.Finished), run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

// ListTaskRuns returns the most recent task runs for a device, newest first.
// An empty deviceID returns runs across all devices.
func (s *Store) ListTaskRuns(deviceID string, limit int) ([]TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, device_id, instruction, message, steps, success, finished, created_at
		FROM task_runs`
	args := []any{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		var r TaskRun
		var success, finished int
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Instruction, &r.Message, &r.Steps, &success, &finished, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		r.Success = success != 0
		r.Finished = finished != 0
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task runs: %w", err)
	}

	if runs == nil {
		runs = []TaskRun{}
	}
	return runs, nil
}

// TaskRunCount returns the number of recorded runs for a device.
func (s *Store) TaskRunCount(deviceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM task_runs WHERE device_id = ?", deviceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count task runs: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
