// Package dispatcher implements the manager role: it creates tasks, publishes
// assignments to the developer queue, archives completion reports, and
// periodically re-publishes assignments that have produced no evidence of
// progress.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"agentnet/internal/broker"
	"agentnet/internal/config"
	"agentnet/internal/models"
	"agentnet/internal/protocol"
	"agentnet/internal/store"
	"agentnet/internal/telemetry"
)

// Dispatcher owns the manager side of the task lifecycle. All task mutations
// it performs are persisted before the corresponding message is published, so
// a crash between the two leaves a record the reconciler can recover from.
type Dispatcher struct {
	cfg    config.Config
	store  store.Store
	broker broker.Broker
	logger *log.Logger
}

func New(cfg config.Config, st store.Store, bk broker.Broker, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{cfg: cfg, store: st, broker: bk, logger: logger}
}

// CreateTask persists a new pending task. Nothing is published until the task
// is assigned.
func (d *Dispatcher) CreateTask(ctx context.Context, description string, requirements []string) (models.Task, error) {
	if description == "" {
		return models.Task{}, errors.New("create task: description required")
	}
	id, err := models.NewTaskID()
	if err != nil {
		return models.Task{}, fmt.Errorf("create task: %w", err)
	}
	task := models.Task{
		ID:           id,
		Description:  description,
		Requirements: requirements,
		Status:       models.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.store.PutTask(ctx, task); err != nil {
		return models.Task{}, fmt.Errorf("create task: %w", err)
	}
	_ = d.store.AppendActivity(ctx, models.Activity{
		AgentID:   d.cfg.ManagerID,
		Type:      models.ActivityTaskCreated,
		Detail:    fmt.Sprintf("created %s: %s", task.ID, task.Description),
		Timestamp: task.CreatedAt,
	})
	telemetry.TasksCreated.Inc()
	d.logger.Printf("created task %s", task.ID)
	return task, nil
}

// AssignTask moves a pending task to assigned and publishes the assignment.
// The status change is persisted first; if the publish then fails the task
// stays assigned and the reconciler re-publishes it on a later sweep.
func (d *Dispatcher) AssignTask(ctx context.Context, taskID, agentID string) error {
	if agentID == "" {
		return errors.New("assign task: agent id required")
	}
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("assign task %s: %w", taskID, err)
	}
	if task.Status != models.StatusPending {
		return fmt.Errorf("assign task %s: status is %s, want %s", taskID, task.Status, models.StatusPending)
	}

	now := time.Now().UTC()
	task.Status = models.StatusAssigned
	task.AssignedAgent = agentID
	task.AssignedAt = &now
	if err := d.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("assign task %s: persist: %w", taskID, err)
	}

	env, err := protocol.NewAssignment(d.cfg.ManagerID, agentID, task)
	if err != nil {
		return fmt.Errorf("assign task %s: %w", taskID, err)
	}
	_ = d.store.AppendActivity(ctx, models.Activity{
		AgentID:   d.cfg.ManagerID,
		Type:      models.ActivityTaskAssigned,
		Detail:    fmt.Sprintf("assigned %s to %s", task.ID, agentID),
		Timestamp: now,
	})
	telemetry.TasksAssigned.Inc()

	if err := d.broker.Publish(ctx, d.cfg.Broker.DeveloperQueue, env); err != nil {
		d.logger.Printf("assign task %s: publish failed, reconciler will retry: %v", taskID, err)
		return fmt.Errorf("assign task %s: %w", taskID, err)
	}
	d.logger.Printf("assigned task %s to %s", task.ID, agentID)
	return nil
}

// HandleMessage is the consume handler for the manager queue. Every
// acknowledged message also refreshes the manager's own heartbeat.
func (d *Dispatcher) HandleMessage(ctx context.Context, env protocol.Envelope) broker.Disposition {
	disp := d.dispatch(ctx, env)
	if disp == broker.Ack {
		d.heartbeat(ctx)
	}
	return disp
}

func (d *Dispatcher) dispatch(ctx context.Context, env protocol.Envelope) broker.Disposition {
	switch env.Type {
	case protocol.TypeTaskCompletion:
		return d.handleCompletion(ctx, env)
	case protocol.TypeStatusReply:
		return d.handleStatusReply(ctx, env)
	case protocol.TypeStatusQuery:
		return d.handleStatusQuery(ctx, env)
	default:
		d.logger.Printf("dropping %s message %s: not addressed to the manager", env.Type, env.MessageID)
		return broker.Drop
	}
}

// handleCompletion archives a terminal result. Completions are idempotent:
// a report for an already-terminal or unknown task is acknowledged without
// any state change.
func (d *Dispatcher) handleCompletion(ctx context.Context, env protocol.Envelope) broker.Disposition {
	c, err := env.Completion()
	if err != nil {
		d.logger.Printf("dropping completion %s: %v", env.MessageID, err)
		telemetry.SchemaErrors.Inc()
		return broker.Drop
	}

	task, err := d.store.GetTask(ctx, c.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Printf("completion for unknown task %s from %s ignored", c.TaskID, env.Sender)
		return broker.Ack
	}
	if err != nil {
		d.logger.Printf("completion for %s: read task: %v", c.TaskID, err)
		return d.requeueAfterPause(ctx)
	}
	if task.Status.Terminal() {
		telemetry.DuplicateCompletions.Inc()
		d.logger.Printf("duplicate completion for %s ignored (already %s)", task.ID, task.Status)
		return broker.Ack
	}

	if !models.CanTransition(task.Status, c.Result) {
		d.logger.Printf("completion for %s arrived while %s; archiving anyway", task.ID, task.Status)
	}
	now := time.Now().UTC()
	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}
	task.Status = c.Result
	task.CompletedAt = &completedAt
	if task.AssignedAgent == "" {
		task.AssignedAgent = env.Sender
	}
	if err := d.store.PutTask(ctx, task); err != nil {
		d.logger.Printf("completion for %s: persist: %v", task.ID, err)
		return d.requeueAfterPause(ctx)
	}

	detail := fmt.Sprintf("archived %s as %s", task.ID, c.Result)
	if c.Summary != "" {
		detail += ": " + c.Summary
	}
	_ = d.store.AppendActivity(ctx, models.Activity{
		AgentID:   d.cfg.ManagerID,
		Type:      models.ActivityTaskCompleted,
		Detail:    detail,
		Timestamp: now,
	})
	if c.Result == models.StatusCompleted {
		telemetry.TasksCompleted.Inc()
	} else {
		telemetry.TasksFailed.Inc()
	}
	d.logger.Printf("task %s archived as %s", task.ID, c.Result)
	return broker.Ack
}

// handleStatusReply records the observation. Liveness itself is always
// derived from the store, so the reply is informational.
func (d *Dispatcher) handleStatusReply(ctx context.Context, env protocol.Envelope) broker.Disposition {
	r, err := env.Reply()
	if err != nil {
		d.logger.Printf("dropping status reply %s: %v", env.MessageID, err)
		telemetry.SchemaErrors.Inc()
		return broker.Drop
	}
	detail := fmt.Sprintf("reported state=%s", r.State)
	if r.CurrentTask != nil {
		detail += " task=" + *r.CurrentTask
	}
	_ = d.store.AppendActivity(ctx, models.Activity{
		AgentID:   r.AgentID,
		Type:      models.ActivityStatusReply,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
	d.logger.Printf("status reply from %s: state=%s last_heartbeat=%s",
		r.AgentID, r.State, r.LastHeartbeat.Format(time.RFC3339))
	return broker.Ack
}

// handleStatusQuery answers a query addressed to the manager with its own
// status record.
func (d *Dispatcher) handleStatusQuery(ctx context.Context, env protocol.Envelope) broker.Disposition {
	status, err := d.store.GetAgentStatus(ctx, d.cfg.ManagerID)
	if errors.Is(err, store.ErrNotFound) {
		status = models.AgentStatus{AgentID: d.cfg.ManagerID, State: models.StateReady}
	} else if err != nil {
		d.logger.Printf("status query %s: read own status: %v", env.CorrelationID, err)
		return d.requeueAfterPause(ctx)
	}
	reply, err := protocol.NewStatusReply(d.cfg.ManagerID, env.Sender, env.CorrelationID, status)
	if err != nil {
		d.logger.Printf("status query %s: build reply: %v", env.CorrelationID, err)
		return broker.Drop
	}
	if err := d.broker.Publish(ctx, d.cfg.Broker.DeveloperQueue, reply); err != nil {
		d.logger.Printf("status query %s: publish reply: %v", env.CorrelationID, err)
		return d.requeueAfterPause(ctx)
	}
	return broker.Ack
}

// RequestStatus publishes a status query to the developer queue.
func (d *Dispatcher) RequestStatus(ctx context.Context) error {
	env, err := protocol.NewStatusQuery(d.cfg.ManagerID, d.cfg.DeveloperID)
	if err != nil {
		return fmt.Errorf("request status: %w", err)
	}
	if err := d.broker.Publish(ctx, d.cfg.Broker.DeveloperQueue, env); err != nil {
		return fmt.Errorf("request status: %w", err)
	}
	return nil
}

// ListActive returns non-terminal tasks, newest first.
func (d *Dispatcher) ListActive(ctx context.Context, limit int) ([]models.Task, error) {
	return d.store.QueryTasks(ctx, store.TaskQuery{
		Statuses: []models.TaskStatus{models.StatusPending, models.StatusAssigned, models.StatusInProgress},
		Order:    store.OrderCreatedDesc,
		Limit:    limit,
	})
}

// ListCompleted returns archived tasks, most recently finished first.
func (d *Dispatcher) ListCompleted(ctx context.Context, limit int) ([]models.Task, error) {
	return d.store.QueryTasks(ctx, store.TaskQuery{
		Statuses: []models.TaskStatus{models.StatusCompleted, models.StatusFailed},
		Order:    store.OrderCompletedDesc,
		Limit:    limit,
	})
}

// Run consumes the manager queue and drives the heartbeat and reconcile
// tickers until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.broker.Consume(d.cfg.Broker.ManagerQueue, d.HandleMessage); err != nil {
		return fmt.Errorf("consume %s: %w", d.cfg.Broker.ManagerQueue, err)
	}
	d.heartbeat(ctx)

	heartbeats := time.NewTicker(d.cfg.HeartbeatInterval)
	defer heartbeats.Stop()
	reconciles := time.NewTicker(d.cfg.ReconcileInterval)
	defer reconciles.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeats.C:
			d.heartbeat(ctx)
		case <-reconciles.C:
			if n, err := d.Reconcile(ctx); err != nil {
				d.logger.Printf("reconcile: %v", err)
			} else if n > 0 {
				d.logger.Printf("reconcile: republished %d assignment(s)", n)
			}
			d.heartbeat(ctx)
		}
	}
}

// heartbeat refreshes the manager's own status record. The manager has no
// working lifecycle; it is ready whenever its loop runs.
func (d *Dispatcher) heartbeat(ctx context.Context) {
	now := time.Now().UTC()
	status, err := d.store.GetAgentStatus(ctx, d.cfg.ManagerID)
	if errors.Is(err, store.ErrNotFound) {
		status = models.AgentStatus{AgentID: d.cfg.ManagerID, State: models.StateReady, LastActivity: now}
	} else if err != nil {
		d.logger.Printf("heartbeat: read status: %v", err)
		return
	}
	if status.State == models.StateUninitialized {
		status.State = models.StateReady
	}
	status.LastHeartbeat = now
	if err := d.store.PutAgentStatus(ctx, status); err != nil {
		d.logger.Printf("heartbeat: %v", err)
	}
}

// requeueAfterPause backs off before redelivery so a failing store does not
// spin the prefetch-1 consumer.
func (d *Dispatcher) requeueAfterPause(ctx context.Context) broker.Disposition {
	select {
	case <-ctx.Done():
	case <-time.After(d.cfg.RequeueDelay):
	}
	return broker.Requeue
}
