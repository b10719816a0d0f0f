package outcomes

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"taskforge/internal"
)

// Store persists outcome records in sqlite.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		`CREATE TABLE IF NOT EXISTS outcomes (
			id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			cpu_ms INTEGER NOT NULL,
			peak_memory INTEGER NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			final_state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_graph ON outcomes(graph_id);`,
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, record internal.OutcomeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (
			id, graph_id, task_id, tool, attempts, duration_ms,
			cpu_ms, peak_memory, elapsed_ms, final_state, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Graph,
		record.Task,
		record.Tool,
		record.Attempts,
		record.Duration.Milliseconds(),
		record.Usage.CPU.Milliseconds(),
		record.Usage.PeakMemory,
		record.Usage.Elapsed.Milliseconds(),
		string(record.FinalState),
		record.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert outcome %s: %w", record.ID, err)
	}
	return nil
}

// List returns the records of a graph in insertion order.
func (s *Store) List(ctx context.Context, graphID string) ([]internal.OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, graph_id, task_id, tool, attempts, duration_ms,
			cpu_ms, peak_memory, elapsed_ms, final_state, reason
		FROM outcomes
		WHERE graph_id = ?
		ORDER BY rowid`,
		graphID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var ret []internal.OutcomeRecord
	for rows.Next() {
		var record internal.OutcomeRecord
		var duration, cpu, elapsed int64
		var state string
		if err := rows.Scan(
			&record.ID,
			&record.Graph,
			&record.Task,
			&record.Tool,
			&record.Attempts,
			&duration,
			&cpu,
			&record.Usage.PeakMemory,
			&elapsed,
			&state,
			&record.Reason,
		); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		record.Duration = time.Duration(duration) * time.Millisecond
		record.Usage.CPU = time.Duration(cpu) * time.Millisecond
		record.Usage.Elapsed = time.Duration(elapsed) * time.Millisecond
		record.FinalState = internal.State(state)
		ret = append(ret, record)
	}
	return ret, rows.Err()
}
