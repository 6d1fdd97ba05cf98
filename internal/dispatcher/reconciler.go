package dispatcher

import (
	"context"
	"fmt"
	"time"

	"agentnet/internal/models"
	"agentnet/internal/protocol"
	"agentnet/internal/store"
	"agentnet/internal/telemetry"
)

// Reconcile re-publishes assignments for tasks that have been sitting in
// assigned longer than the stale-assignment age. It repairs the gap where a
// task record was persisted but the matching message was lost: a crash
// between persist and publish, a publish refused by the broker, or a queue
// purge. The sweep only ever re-emits messages for existing records; it never
// creates or rewrites tasks. Duplicate deliveries are harmless because the
// consumer treats assignments idempotently.
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	tasks, err := d.store.QueryTasks(ctx, store.TaskQuery{
		Statuses: []models.TaskStatus{models.StatusAssigned},
		Order:    store.OrderCreatedDesc,
	})
	if err != nil {
		return 0, fmt.Errorf("list assigned tasks: %w", err)
	}

	now := time.Now().UTC()
	republished := 0
	for _, task := range tasks {
		if task.AssignedAt == nil || now.Sub(*task.AssignedAt) < d.cfg.StaleAssignmentAge {
			continue
		}
		env, err := protocol.NewAssignment(d.cfg.ManagerID, task.AssignedAgent, task)
		if err != nil {
			d.logger.Printf("reconcile: task %s: %v", task.ID, err)
			continue
		}
		if err := d.broker.Publish(ctx, d.cfg.Broker.DeveloperQueue, env); err != nil {
			d.logger.Printf("reconcile: republish %s: %v", task.ID, err)
			continue
		}
		republished++
		telemetry.ReconcileRepublishes.Inc()
		_ = d.store.AppendActivity(ctx, models.Activity{
			AgentID:   d.cfg.ManagerID,
			Type:      models.ActivityReconcile,
			Detail:    fmt.Sprintf("republished assignment for %s (assigned %s ago)", task.ID, now.Sub(*task.AssignedAt).Round(time.Second)),
			Timestamp: now,
		})
	}
	return republished, nil
}
