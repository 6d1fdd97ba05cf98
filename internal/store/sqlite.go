package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentnet/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	requirements TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	assigned_agent TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	assigned_at INTEGER NULL,
	completed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent);

CREATE TABLE IF NOT EXISTS agent_statuses (
	agent_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	current_task TEXT NULL,
	last_heartbeat INTEGER NOT NULL,
	last_activity INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS activities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	activity_type TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_agent_ts ON activities(agent_id, ts DESC);
`

// SQLite is the embedded store backend. Timestamps are stored as unix
// milliseconds.
type SQLite struct {
	db            *sql.DB
	activityLimit int
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(ctx context.Context, path string, activityLimit int) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	if activityLimit < 1 {
		activityLimit = 50
	}
	return &SQLite{db: db, activityLimit: activityLimit}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, description, requirements, status, assigned_agent, created_at, assigned_at, completed_at
		FROM tasks WHERE id = ?`, id)
	task, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// PutTask upserts the record. Description, requirements and creation time are
// immutable and never overwritten on conflict.
func (s *SQLite) PutTask(ctx context.Context, task models.Task) error {
	reqJSON, err := json.Marshal(task.Requirements)
	if err != nil {
		return fmt.Errorf("marshal requirements: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, description, requirements, status, assigned_agent, created_at, assigned_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			assigned_agent = excluded.assigned_agent,
			assigned_at = excluded.assigned_at,
			completed_at = excluded.completed_at`,
		task.ID, task.Description, string(reqJSON), string(task.Status), task.AssignedAgent,
		task.CreatedAt.UnixMilli(), nullableMilli(task.AssignedAt), nullableMilli(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("put task %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLite) QueryTasks(ctx context.Context, q TaskQuery) ([]models.Task, error) {
	query := "SELECT id, description, requirements, status, assigned_agent, created_at, assigned_at, completed_at FROM tasks"
	var where []string
	var args []any
	if len(q.Statuses) > 0 {
		ph := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(ph, ", ")))
	}
	if q.AssignedAgent != "" {
		where = append(where, "assigned_agent = ?")
		args = append(args, q.AssignedAgent)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	switch q.Order {
	case OrderCompletedDesc:
		query += " ORDER BY completed_at DESC NULLS LAST, id DESC"
	default:
		query += " ORDER BY created_at DESC, id DESC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLite) GetAgentStatus(ctx context.Context, agentID string) (models.AgentStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, state, current_task, last_heartbeat, last_activity
		FROM agent_statuses WHERE agent_id = ?`, agentID)

	var status models.AgentStatus
	var state string
	var current sql.NullString
	var heartbeat, activity int64
	if err := row.Scan(&status.AgentID, &state, &current, &heartbeat, &activity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AgentStatus{}, fmt.Errorf("get agent %s: %w", agentID, ErrNotFound)
		}
		return models.AgentStatus{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	status.State = models.AgentState(state)
	if current.Valid {
		status.CurrentTask = &current.String
	}
	status.LastHeartbeat = milliToTime(heartbeat)
	status.LastActivity = milliToTime(activity)

	acts, err := s.RecentActivities(ctx, agentID, s.activityLimit)
	if err != nil {
		return models.AgentStatus{}, err
	}
	status.RecentActivities = acts
	return status, nil
}

func (s *SQLite) PutAgentStatus(ctx context.Context, status models.AgentStatus) error {
	var current any
	if status.CurrentTask != nil {
		current = *status.CurrentTask
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_statuses (agent_id, state, current_task, last_heartbeat, last_activity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			state = excluded.state,
			current_task = excluded.current_task,
			last_heartbeat = excluded.last_heartbeat,
			last_activity = excluded.last_activity`,
		status.AgentID, string(status.State), current,
		status.LastHeartbeat.UnixMilli(), status.LastActivity.UnixMilli())
	if err != nil {
		return fmt.Errorf("put agent %s: %w", status.AgentID, err)
	}
	return nil
}

// AppendActivity inserts an audit entry and prunes the agent's log to the
// configured bound.
func (s *SQLite) AppendActivity(ctx context.Context, act models.Activity) error {
	ts := act.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (agent_id, activity_type, detail, ts)
		VALUES (?, ?, ?, ?)`,
		act.AgentID, act.Type, act.Detail, ts.UnixMilli()); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM activities WHERE agent_id = ? AND id NOT IN (
			SELECT id FROM activities WHERE agent_id = ? ORDER BY ts DESC, id DESC LIMIT ?)`,
		act.AgentID, act.AgentID, s.activityLimit); err != nil {
		return fmt.Errorf("prune activities: %w", err)
	}
	return nil
}

func (s *SQLite) RecentActivities(ctx context.Context, agentID string, limit int) ([]models.Activity, error) {
	return s.queryActivities(ctx, `
		SELECT agent_id, activity_type, detail, ts FROM activities
		WHERE agent_id = ? ORDER BY ts DESC, id DESC LIMIT ?`, agentID, limit)
}

func (s *SQLite) SystemActivities(ctx context.Context, limit int) ([]models.Activity, error) {
	return s.queryActivities(ctx, `
		SELECT agent_id, activity_type, detail, ts FROM activities
		ORDER BY ts DESC, id DESC LIMIT ?`, limit)
}

func (s *SQLite) queryActivities(ctx context.Context, query string, args ...any) ([]models.Activity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var acts []models.Activity
	for rows.Next() {
		var act models.Activity
		var ts int64
		if err := rows.Scan(&act.AgentID, &act.Type, &act.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		act.Timestamp = milliToTime(ts)
		acts = append(acts, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return acts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (models.Task, error) {
	var task models.Task
	var reqJSON, status string
	var created int64
	var assigned, completed sql.NullInt64
	if err := row.Scan(&task.ID, &task.Description, &reqJSON, &status, &task.AssignedAgent, &created, &assigned, &completed); err != nil {
		return models.Task{}, err
	}
	if err := json.Unmarshal([]byte(reqJSON), &task.Requirements); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal requirements: %w", err)
	}
	task.Status = models.TaskStatus(status)
	task.CreatedAt = milliToTime(created)
	task.AssignedAt = milliToTimePtr(assigned)
	task.CompletedAt = milliToTimePtr(completed)
	return task, nil
}

func milliToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func milliToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := milliToTime(v.Int64)
	return &t
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
