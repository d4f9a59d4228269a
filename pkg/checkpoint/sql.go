package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/pkg/config"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on database/sql.
// Supports PostgreSQL, MySQL, and SQLite.
//
// Timestamps and deadlines are stored as epoch-millisecond integers so the
// three backends agree on time semantics.
type SQLStore struct {
	db      *sql.DB
	dialect string // "postgres", "mysql", or "sqlite"
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS paused_task (
    task_id VARCHAR(255) PRIMARY KEY,
    agent_name VARCHAR(255) NOT NULL,
    tec_blob TEXT NOT NULL,
    created_at_ms BIGINT NOT NULL,
    updated_at_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS peer_sub_task (
    sub_task_id VARCHAR(255) PRIMARY KEY,
    task_id VARCHAR(255) NOT NULL,
    agent_name VARCHAR(255) NOT NULL,
    peer_tool_name VARCHAR(255) NOT NULL,
    peer_agent_name VARCHAR(255) NOT NULL,
    function_call_id VARCHAR(255) NOT NULL,
    invocation_id VARCHAR(255) NOT NULL,
    deadline_epoch_ms BIGINT NOT NULL,
    claimed BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_peer_sub_task_task_id ON peer_sub_task(task_id);
CREATE INDEX IF NOT EXISTS idx_peer_sub_task_deadline ON peer_sub_task(agent_name, claimed, deadline_epoch_ms);

CREATE TABLE IF NOT EXISTS parallel_invocation (
    task_id VARCHAR(255) NOT NULL,
    invocation_id VARCHAR(255) NOT NULL,
    total INTEGER NOT NULL,
    completed INTEGER NOT NULL,
    results_blob TEXT NOT NULL,
    PRIMARY KEY (task_id, invocation_id)
);
`

// NewSQLStore creates a checkpoint store on an open database connection.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLStoreFromConfig opens the configured database and creates a store.
func NewSQLStoreFromConfig(cfg *config.CheckpointConfig) (*SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("checkpoint configuration is required")
	}

	// Config uses "sqlite" but the go-sqlite3 driver registers as "sqlite3".
	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewSQLStore(db, cfg.Driver)
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// MySQL cannot run multiple statements in one Exec by default.
	for _, stmt := range strings.Split(createSchemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// MySQL lacks CREATE INDEX IF NOT EXISTS; ignore duplicate
			// index errors on re-init.
			if s.dialect == "mysql" && strings.HasPrefix(stmt, "CREATE INDEX") {
				continue
			}
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// bind rewrites "?" placeholders to "$n" for postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Checkpoint implements Store.
func (s *SQLStore) Checkpoint(ctx context.Context, snap *TaskSnapshot, subTasks []*PeerSubTask, invocations []*ParallelInvocation) error {
	if snap == nil || snap.TaskID == "" {
		return fmt.Errorf("task snapshot with a task_id is required")
	}
	blob, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowMs()
	if err := s.upsertPausedTask(ctx, tx, snap, string(blob), now); err != nil {
		return err
	}

	if subTasks != nil {
		if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM peer_sub_task WHERE task_id = ?`), snap.TaskID); err != nil {
			return fmt.Errorf("failed to clear sub-task rows: %w", err)
		}
		for _, st := range subTasks {
			_, err := tx.ExecContext(ctx, s.bind(`
INSERT INTO peer_sub_task (sub_task_id, task_id, agent_name, peer_tool_name, peer_agent_name, function_call_id, invocation_id, deadline_epoch_ms, claimed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE)`),
				st.SubTaskID, st.TaskID, st.AgentName, st.PeerToolName,
				st.PeerAgentName, st.FunctionCallID, st.InvocationID, st.DeadlineEpochMs,
			)
			if err != nil {
				return fmt.Errorf("failed to insert sub-task %s: %w", st.SubTaskID, err)
			}
		}
	}

	if invocations != nil {
		if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM parallel_invocation WHERE task_id = ?`), snap.TaskID); err != nil {
			return fmt.Errorf("failed to clear invocation rows: %w", err)
		}
		for _, inv := range invocations {
			results := inv.Results
			if results == nil {
				results = []map[string]any{}
			}
			resultsBlob, err := json.Marshal(results)
			if err != nil {
				return fmt.Errorf("failed to serialize results: %w", err)
			}
			_, err = tx.ExecContext(ctx, s.bind(`
INSERT INTO parallel_invocation (task_id, invocation_id, total, completed, results_blob)
VALUES (?, ?, ?, ?, ?)`),
				inv.TaskID, inv.InvocationID, inv.Total, inv.Completed, string(resultsBlob),
			)
			if err != nil {
				return fmt.Errorf("failed to insert invocation %s: %w", inv.InvocationID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *SQLStore) upsertPausedTask(ctx context.Context, tx *sql.Tx, snap *TaskSnapshot, blob string, now int64) error {
	res, err := tx.ExecContext(ctx, s.bind(`
UPDATE paused_task SET agent_name = ?, tec_blob = ?, updated_at_ms = ? WHERE task_id = ?`),
		snap.AgentName, blob, now, snap.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update paused task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update count: %w", err)
	}
	if affected > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, s.bind(`
INSERT INTO paused_task (task_id, agent_name, tec_blob, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?)`),
		snap.TaskID, snap.AgentName, blob, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert paused task: %w", err)
	}
	return nil
}

// Restore implements Store.
func (s *SQLStore) Restore(ctx context.Context, taskID string) (map[string]any, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		s.bind(`SELECT tec_blob FROM paused_task WHERE task_id = ?`), taskID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query paused task: %w", err)
	}

	var state map[string]any
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize snapshot: %w", err)
	}
	return state, nil
}

// ClaimPeerSubTask implements Store. The conditional UPDATE on
// claimed = FALSE is the atomic step: of any number of concurrent callers,
// exactly one observes RowsAffected == 1.
func (s *SQLStore) ClaimPeerSubTask(ctx context.Context, subTaskID string) (*PeerSubTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row, err := s.scanSubTask(tx.QueryRowContext(ctx, s.bind(`
SELECT sub_task_id, task_id, agent_name, peer_tool_name, peer_agent_name, function_call_id, invocation_id, deadline_epoch_ms
FROM peer_sub_task WHERE sub_task_id = ? AND claimed = FALSE`), subTaskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sub-task: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.bind(`
UPDATE peer_sub_task SET claimed = TRUE WHERE sub_task_id = ? AND claimed = FALSE`), subTaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim sub-task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim count: %w", err)
	}
	if affected == 0 {
		// Lost the race to a concurrent claimer.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return row, nil
}

// RecordParallelResult implements Store.
func (s *SQLStore) RecordParallelResult(ctx context.Context, taskID, invocationID string, result map[string]any) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
SELECT total, completed, results_blob FROM parallel_invocation
WHERE task_id = ? AND invocation_id = ?`
	if s.dialect != "sqlite" {
		query += " FOR UPDATE"
	}

	var total, completed int
	var resultsBlob string
	err = tx.QueryRowContext(ctx, s.bind(query), taskID, invocationID).Scan(&total, &completed, &resultsBlob)
	if err == sql.ErrNoRows {
		return 0, 0, ErrInvocationNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query invocation: %w", err)
	}
	if completed >= total {
		return 0, 0, fmt.Errorf("invocation %s/%s already complete (%d/%d)", taskID, invocationID, completed, total)
	}

	var results []map[string]any
	if err := json.Unmarshal([]byte(resultsBlob), &results); err != nil {
		return 0, 0, fmt.Errorf("failed to deserialize results: %w", err)
	}
	results = append(results, result)
	newBlob, err := json.Marshal(results)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to serialize results: %w", err)
	}

	completed++
	_, err = tx.ExecContext(ctx, s.bind(`
UPDATE parallel_invocation SET completed = ?, results_blob = ?
WHERE task_id = ? AND invocation_id = ?`),
		completed, string(newBlob), taskID, invocationID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to update invocation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit result: %w", err)
	}
	return completed, total, nil
}

// ConsumeParallelInvocation implements Store.
func (s *SQLStore) ConsumeParallelInvocation(ctx context.Context, taskID, invocationID string) ([]map[string]any, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var resultsBlob string
	err = tx.QueryRowContext(ctx, s.bind(`
SELECT results_blob FROM parallel_invocation WHERE task_id = ? AND invocation_id = ?`),
		taskID, invocationID).Scan(&resultsBlob)
	if err == sql.ErrNoRows {
		return nil, ErrInvocationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query invocation: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.bind(`
DELETE FROM parallel_invocation WHERE task_id = ? AND invocation_id = ?`), taskID, invocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete invocation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read delete count: %w", err)
	}
	if affected == 0 {
		return nil, ErrInvocationNotFound
	}

	var results []map[string]any
	if err := json.Unmarshal([]byte(resultsBlob), &results); err != nil {
		return nil, fmt.Errorf("failed to deserialize results: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit consume: %w", err)
	}
	return results, nil
}

// ResetTimeoutDeadline implements Store.
func (s *SQLStore) ResetTimeoutDeadline(ctx context.Context, subTaskID string, newDeadlineEpochMs int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`
UPDATE peer_sub_task SET deadline_epoch_ms = ? WHERE sub_task_id = ? AND claimed = FALSE`),
		newDeadlineEpochMs, subTaskID)
	if err != nil {
		return false, fmt.Errorf("failed to reset deadline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update count: %w", err)
	}
	return affected > 0, nil
}

// SweepExpiredTimeouts implements Store. Equivalent to claiming each expired
// row individually inside one transaction.
func (s *SQLStore) SweepExpiredTimeouts(ctx context.Context, agentName string, nowEpochMs int64) ([]*PeerSubTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.bind(`
SELECT sub_task_id, task_id, agent_name, peer_tool_name, peer_agent_name, function_call_id, invocation_id, deadline_epoch_ms
FROM peer_sub_task
WHERE agent_name = ? AND claimed = FALSE AND deadline_epoch_ms <= ?`),
		agentName, nowEpochMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sub-tasks: %w", err)
	}

	var candidates []*PeerSubTask
	for rows.Next() {
		st, err := s.scanSubTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan sub-task: %w", err)
		}
		candidates = append(candidates, st)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to read expired sub-tasks: %w", err)
	}

	var claimed []*PeerSubTask
	for _, st := range candidates {
		res, err := tx.ExecContext(ctx, s.bind(`
UPDATE peer_sub_task SET claimed = TRUE WHERE sub_task_id = ? AND claimed = FALSE`), st.SubTaskID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim expired sub-task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim count: %w", err)
		}
		if affected == 1 {
			claimed = append(claimed, st)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sweep: %w", err)
	}
	return claimed, nil
}

// CleanupTask implements Store.
func (s *SQLStore) CleanupTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"peer_sub_task", "parallel_invocation", "paused_task"} {
		if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM `+table+` WHERE task_id = ?`), taskID); err != nil {
			return fmt.Errorf("failed to clean %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanSubTask(row rowScanner) (*PeerSubTask, error) {
	var st PeerSubTask
	err := row.Scan(
		&st.SubTaskID, &st.TaskID, &st.AgentName, &st.PeerToolName,
		&st.PeerAgentName, &st.FunctionCallID, &st.InvocationID, &st.DeadlineEpochMs,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
