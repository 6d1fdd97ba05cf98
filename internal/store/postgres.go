package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentnet/internal/models"
)

// Postgres wraps pgxpool for server-backed persistence.
type Postgres struct {
	pool          *pgxpool.Pool
	activityLimit int
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, activityLimit int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if activityLimit < 1 {
		activityLimit = 50
	}
	return &Postgres{pool: pool, activityLimit: activityLimit}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, description, requirements, status, assigned_agent, created_at, assigned_at, completed_at
		FROM tasks WHERE id = $1`, id)

	var task models.Task
	var reqJSON []byte
	var status string
	if err := row.Scan(&task.ID, &task.Description, &reqJSON, &status, &task.AssignedAgent, &task.CreatedAt, &task.AssignedAt, &task.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, fmt.Errorf("get task %s: %w", id, ErrNotFound)
		}
		return models.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	if err := json.Unmarshal(reqJSON, &task.Requirements); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal requirements: %w", err)
	}
	task.Status = models.TaskStatus(status)
	return task, nil
}

// PutTask upserts the record. Description, requirements and creation time are
// immutable and never overwritten on conflict.
func (s *Postgres) PutTask(ctx context.Context, task models.Task) error {
	reqJSON, err := json.Marshal(task.Requirements)
	if err != nil {
		return fmt.Errorf("marshal requirements: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, description, requirements, status, assigned_agent, created_at, assigned_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_agent = EXCLUDED.assigned_agent,
			assigned_at = EXCLUDED.assigned_at,
			completed_at = EXCLUDED.completed_at`,
		task.ID, task.Description, reqJSON, string(task.Status), task.AssignedAgent,
		task.CreatedAt, task.AssignedAt, task.CompletedAt)
	if err != nil {
		return fmt.Errorf("put task %s: %w", task.ID, err)
	}
	return nil
}

func (s *Postgres) QueryTasks(ctx context.Context, q TaskQuery) ([]models.Task, error) {
	query := "SELECT id, description, requirements, status, assigned_agent, created_at, assigned_at, completed_at FROM tasks"
	var where []string
	var args []any
	if len(q.Statuses) > 0 {
		ph := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			args = append(args, string(st))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(ph, ", ")))
	}
	if q.AssignedAgent != "" {
		args = append(args, q.AssignedAgent)
		where = append(where, fmt.Sprintf("assigned_agent = $%d", len(args)))
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
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var task models.Task
		var reqJSON []byte
		var status string
		if err := rows.Scan(&task.ID, &task.Description, &reqJSON, &status, &task.AssignedAgent, &task.CreatedAt, &task.AssignedAt, &task.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal(reqJSON, &task.Requirements); err != nil {
			return nil, fmt.Errorf("unmarshal requirements: %w", err)
		}
		task.Status = models.TaskStatus(status)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *Postgres) GetAgentStatus(ctx context.Context, agentID string) (models.AgentStatus, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, state, current_task, last_heartbeat, last_activity
		FROM agent_statuses WHERE agent_id = $1`, agentID)

	var status models.AgentStatus
	var state string
	var current pgtype.Text
	if err := row.Scan(&status.AgentID, &state, &current, &status.LastHeartbeat, &status.LastActivity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AgentStatus{}, fmt.Errorf("get agent %s: %w", agentID, ErrNotFound)
		}
		return models.AgentStatus{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	status.State = models.AgentState(state)
	status.CurrentTask = textPtr(current)

	acts, err := s.RecentActivities(ctx, agentID, s.activityLimit)
	if err != nil {
		return models.AgentStatus{}, err
	}
	status.RecentActivities = acts
	return status, nil
}

func (s *Postgres) PutAgentStatus(ctx context.Context, status models.AgentStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_statuses (agent_id, state, current_task, last_heartbeat, last_activity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id) DO UPDATE SET
			state = EXCLUDED.state,
			current_task = EXCLUDED.current_task,
			last_heartbeat = EXCLUDED.last_heartbeat,
			last_activity = EXCLUDED.last_activity`,
		status.AgentID, string(status.State), status.CurrentTask, status.LastHeartbeat, status.LastActivity)
	if err != nil {
		return fmt.Errorf("put agent %s: %w", status.AgentID, err)
	}
	return nil
}

// AppendActivity inserts an audit row and prunes the agent's log to the
// configured bound.
func (s *Postgres) AppendActivity(ctx context.Context, act models.Activity) error {
	ts := act.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO activities (agent_id, activity_type, detail, ts)
		VALUES ($1, $2, $3, $4)`,
		act.AgentID, act.Type, act.Detail, ts); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM activities WHERE agent_id = $1 AND id NOT IN (
			SELECT id FROM activities WHERE agent_id = $1 ORDER BY ts DESC, id DESC LIMIT $2)`,
		act.AgentID, s.activityLimit); err != nil {
		return fmt.Errorf("prune activities: %w", err)
	}
	return nil
}

func (s *Postgres) RecentActivities(ctx context.Context, agentID string, limit int) ([]models.Activity, error) {
	return s.queryActivities(ctx, `
		SELECT agent_id, activity_type, detail, ts FROM activities
		WHERE agent_id = $1 ORDER BY ts DESC, id DESC LIMIT $2`, agentID, limit)
}

func (s *Postgres) SystemActivities(ctx context.Context, limit int) ([]models.Activity, error) {
	return s.queryActivities(ctx, `
		SELECT agent_id, activity_type, detail, ts FROM activities
		ORDER BY ts DESC, id DESC LIMIT $1`, limit)
}

func (s *Postgres) queryActivities(ctx context.Context, query string, args ...any) ([]models.Activity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var acts []models.Activity
	for rows.Next() {
		var act models.Activity
		if err := rows.Scan(&act.AgentID, &act.Type, &act.Detail, &act.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		acts = append(acts, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return acts, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
