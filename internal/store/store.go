// Package store is the single mutation surface for Task and AgentStatus
// records. Both roles share one store; each writes its own AgentStatus record
// and touches Task records only through these operations.
package store

import (
	"context"
	"errors"
	"strings"

	"agentnet/internal/models"
)

// ErrNotFound marks a lookup for a record that does not exist. Any other
// error from a store operation is a persistence failure: callers must abort
// the in-flight transition and never publish after a failed write.
var ErrNotFound = errors.New("record not found")

// Order selects the sort for task queries.
type Order string

const (
	OrderCreatedDesc   Order = "created_desc"
	OrderCompletedDesc Order = "completed_desc"
)

// TaskQuery filters and orders task projections.
type TaskQuery struct {
	Statuses      []models.TaskStatus
	AssignedAgent string
	Order         Order
	Limit         int
}

// Store is implemented by the Postgres and SQLite backends. All writes are
// atomic per record.
type Store interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	PutTask(ctx context.Context, task models.Task) error
	QueryTasks(ctx context.Context, q TaskQuery) ([]models.Task, error)

	GetAgentStatus(ctx context.Context, agentID string) (models.AgentStatus, error)
	PutAgentStatus(ctx context.Context, status models.AgentStatus) error

	AppendActivity(ctx context.Context, act models.Activity) error
	RecentActivities(ctx context.Context, agentID string, limit int) ([]models.Activity, error)
	SystemActivities(ctx context.Context, limit int) ([]models.Activity, error)

	Close() error
}

// Open selects a backend by DSN and runs migrations: postgres:// DSNs use the
// pgx backend, anything else is treated as a SQLite database path.
func Open(ctx context.Context, dsn string, activityLimit int) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		st, err := NewPostgres(ctx, dsn, activityLimit)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	}
	st, err := NewSQLite(ctx, dsn, activityLimit)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
