// Package consumer implements the developer role: a single-task worker that
// consumes assignments from its queue, runs them through an executor, and
// reports terminal results to the manager queue. The in-memory status is the
// source of truth for the running process; the store carries its durable
// mirror, refreshed on every transition and heartbeat.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"agentnet/internal/broker"
	"agentnet/internal/config"
	"agentnet/internal/models"
	"agentnet/internal/protocol"
	"agentnet/internal/store"
	"agentnet/internal/telemetry"
)

// Consumer processes one assignment at a time. Deliveries arrive serialized
// (prefetch 1), and an assignment that lands while a task is in flight is
// rejected back to the queue.
type Consumer struct {
	cfg      config.Config
	store    store.Store
	broker   broker.Broker
	executor Executor
	logger   *log.Logger

	mu     sync.Mutex
	status models.AgentStatus
}

func New(cfg config.Config, st store.Store, bk broker.Broker, ex Executor, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Default()
	}
	return &Consumer{
		cfg:      cfg,
		store:    st,
		broker:   bk,
		executor: ex,
		logger:   logger,
		status:   models.AgentStatus{AgentID: cfg.DeveloperID, State: models.StateUninitialized},
	}
}

// Initialize moves the agent to ready and persists the status record. A
// record left behind by a previous run is reset: any task it claimed to be
// working on will come back through redelivery or the reconciler.
func (c *Consumer) Initialize(ctx context.Context) error {
	now := time.Now().UTC()
	prev, err := c.store.GetAgentStatus(ctx, c.cfg.DeveloperID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("initialize %s: %w", c.cfg.DeveloperID, err)
	}
	if err == nil && prev.State == models.StateWorking && prev.CurrentTask != nil {
		c.logger.Printf("previous run left task %s in flight; it will be redelivered", *prev.CurrentTask)
	}

	status := models.AgentStatus{
		AgentID:       c.cfg.DeveloperID,
		State:         models.StateReady,
		LastHeartbeat: now,
		LastActivity:  now,
	}
	if err := c.store.PutAgentStatus(ctx, status); err != nil {
		return fmt.Errorf("initialize %s: %w", c.cfg.DeveloperID, err)
	}
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	_ = c.store.AppendActivity(ctx, models.Activity{
		AgentID:   c.cfg.DeveloperID,
		Type:      models.ActivityStateChange,
		Detail:    "initialized, ready for work",
		Timestamp: now,
	})
	c.logger.Printf("agent %s ready", c.cfg.DeveloperID)
	return nil
}

// Status returns a snapshot of the agent's current status.
func (c *Consumer) Status() models.AgentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// HandleMessage is the consume handler for the developer queue.
func (c *Consumer) HandleMessage(ctx context.Context, env protocol.Envelope) broker.Disposition {
	switch env.Type {
	case protocol.TypeTaskAssignment:
		return c.handleAssignment(ctx, env)
	case protocol.TypeStatusQuery:
		return c.handleStatusQuery(ctx, env)
	default:
		c.logger.Printf("dropping %s message %s: not addressed to the developer", env.Type, env.MessageID)
		return broker.Drop
	}
}

func (c *Consumer) handleAssignment(ctx context.Context, env protocol.Envelope) broker.Disposition {
	a, err := env.Assignment()
	if err != nil {
		c.logger.Printf("dropping assignment %s: %v", env.MessageID, err)
		telemetry.SchemaErrors.Inc()
		return broker.Drop
	}

	task, err := c.store.GetTask(ctx, a.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// The record was lost while the message survived. Rebuild it from
		// the assignment so the work is not stranded.
		c.logger.Printf("assignment for unknown task %s, recreating from message", a.TaskID)
		task = models.Task{
			ID:            a.TaskID,
			Description:   a.Description,
			Requirements:  a.Requirements,
			Status:        models.StatusAssigned,
			AssignedAgent: c.cfg.DeveloperID,
			CreatedAt:     a.AssignedAt,
			AssignedAt:    &a.AssignedAt,
		}
	} else if err != nil {
		c.logger.Printf("assignment %s: read task: %v", a.TaskID, err)
		return c.requeueAfterPause(ctx)
	}
	if task.Status.Terminal() {
		c.logger.Printf("assignment for archived task %s ignored (already %s)", task.ID, task.Status)
		return broker.Ack
	}

	switch state := c.Status().State; state {
	case models.StateWorking:
		telemetry.ProtocolViolations.Inc()
		c.logger.Printf("assignment %s rejected: already working on %s", task.ID, c.currentTask())
		return c.requeueAfterPause(ctx)
	case models.StateUninitialized:
		c.logger.Printf("assignment %s rejected: agent not initialized", task.ID)
		return c.requeueAfterPause(ctx)
	case models.StateIdle:
		if err := c.setState(ctx, models.StateReady, nil, "woke on assignment"); err != nil {
			c.logger.Printf("assignment %s: wake: %v", task.ID, err)
			return c.requeueAfterPause(ctx)
		}
	}

	return c.work(ctx, env.Sender, task)
}

// work persists the in-progress transition, executes the task, and reports
// the terminal result. The developer never writes terminal task state; the
// manager archives it when the completion arrives.
func (c *Consumer) work(ctx context.Context, manager string, task models.Task) broker.Disposition {
	task.Status = models.StatusInProgress
	if task.AssignedAgent == "" {
		task.AssignedAgent = c.cfg.DeveloperID
	}
	if err := c.store.PutTask(ctx, task); err != nil {
		c.logger.Printf("task %s: persist in_progress: %v", task.ID, err)
		return c.requeueAfterPause(ctx)
	}
	if err := c.setState(ctx, models.StateWorking, &task.ID, "picked up "+task.ID); err != nil {
		c.logger.Printf("task %s: %v", task.ID, err)
		return c.requeueAfterPause(ctx)
	}
	_ = c.store.AppendActivity(ctx, models.Activity{
		AgentID:   c.cfg.DeveloperID,
		Type:      models.ActivityTaskReceived,
		Detail:    fmt.Sprintf("started %s: %s", task.ID, task.Description),
		Timestamp: time.Now().UTC(),
	})
	c.logger.Printf("working on task %s", task.ID)

	res, execErr := c.executor.Execute(ctx, task)
	comp := protocol.Completion{
		TaskID:       task.ID,
		Result:       models.StatusCompleted,
		Summary:      res.Summary,
		Deliverables: res.Deliverables,
		CompletedAt:  time.Now().UTC(),
	}
	if execErr != nil {
		comp.Result = models.StatusFailed
		comp.Error = execErr.Error()
		c.logger.Printf("task %s failed: %v", task.ID, execErr)
	}

	env, err := protocol.NewCompletion(c.cfg.DeveloperID, manager, comp)
	if err != nil {
		c.logger.Printf("task %s: build completion: %v", task.ID, err)
		c.finishWork(ctx)
		return broker.Drop
	}
	if err := c.publishWithRetry(ctx, c.cfg.Broker.ManagerQueue, env); err != nil {
		// Shutdown mid-report: leave the delivery unacked so the
		// assignment comes back and the task is re-run.
		c.logger.Printf("task %s: completion not published: %v", task.ID, err)
		return broker.Requeue
	}

	c.finishWork(ctx)
	_ = c.store.AppendActivity(ctx, models.Activity{
		AgentID:   c.cfg.DeveloperID,
		Type:      models.ActivityTaskCompleted,
		Detail:    fmt.Sprintf("reported %s as %s", task.ID, comp.Result),
		Timestamp: time.Now().UTC(),
	})
	c.logger.Printf("task %s reported as %s", task.ID, comp.Result)
	return broker.Ack
}

// handleStatusQuery answers with the agent's current status on the manager
// queue, correlated to the query id. A query counts as activity, so it wakes
// an idle agent before the snapshot is taken.
func (c *Consumer) handleStatusQuery(ctx context.Context, env protocol.Envelope) broker.Disposition {
	if c.Status().State == models.StateIdle {
		if err := c.setState(ctx, models.StateReady, nil, "woke on status query"); err != nil {
			c.logger.Printf("status query %s: wake: %v", env.CorrelationID, err)
		}
	}
	status := c.Status()
	reply, err := protocol.NewStatusReply(c.cfg.DeveloperID, env.Sender, env.CorrelationID, status)
	if err != nil {
		c.logger.Printf("status query %s: build reply: %v", env.CorrelationID, err)
		return broker.Drop
	}
	if err := c.broker.Publish(ctx, c.cfg.Broker.ManagerQueue, reply); err != nil {
		c.logger.Printf("status query %s: publish reply: %v", env.CorrelationID, err)
		return c.requeueAfterPause(ctx)
	}
	c.heartbeat(ctx, time.Now().UTC())
	_ = c.store.AppendActivity(ctx, models.Activity{
		AgentID:   c.cfg.DeveloperID,
		Type:      models.ActivityStatusReply,
		Detail:    fmt.Sprintf("answered status query from %s: %s", env.Sender, status.State),
		Timestamp: time.Now().UTC(),
	})
	return broker.Ack
}

// Tick refreshes the heartbeat and applies the inactivity transition: an
// agent that has been ready with nothing to do for longer than IdleAfter
// goes idle until the next message wakes it.
func (c *Consumer) Tick(ctx context.Context, now time.Time) {
	status := c.Status()
	if status.State == models.StateReady && c.cfg.IdleAfter > 0 && now.Sub(status.LastActivity) > c.cfg.IdleAfter {
		if err := c.setState(ctx, models.StateIdle, nil, "no work, going idle"); err != nil {
			c.logger.Printf("idle transition: %v", err)
		}
	}
	c.heartbeat(ctx, now)
}

// Run initializes the agent, consumes the developer queue, and drives the
// heartbeat ticker until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	if err := c.broker.Consume(c.cfg.Broker.DeveloperQueue, c.HandleMessage); err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Broker.DeveloperQueue, err)
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.Tick(ctx, now.UTC())
		}
	}
}

// setState performs a legal state transition. The lock is held across the
// store write so a heartbeat tick and a delivery cannot interleave
// transitions; every transition refreshes the heartbeat.
func (c *Consumer) setState(ctx context.Context, to models.AgentState, currentTask *string, detail string) error {
	c.mu.Lock()
	from := c.status.State
	if !models.CanTransitionState(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("illegal state transition %s -> %s", from, to)
	}
	now := time.Now().UTC()
	next := c.status
	next.State = to
	next.CurrentTask = currentTask
	next.LastHeartbeat = now
	next.LastActivity = now
	if err := next.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.store.PutAgentStatus(ctx, next); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist state %s: %w", to, err)
	}
	c.status = next
	c.mu.Unlock()

	_ = c.store.AppendActivity(ctx, models.Activity{
		AgentID:   c.cfg.DeveloperID,
		Type:      models.ActivityStateChange,
		Detail:    fmt.Sprintf("%s -> %s: %s", from, to, detail),
		Timestamp: now,
	})
	c.logger.Printf("state %s -> %s", from, to)
	return nil
}

// finishWork returns to ready after a completion was published. The
// in-memory state moves even if the persist fails; the next heartbeat
// rewrites the current snapshot and repairs the store.
func (c *Consumer) finishWork(ctx context.Context) {
	now := time.Now().UTC()
	c.mu.Lock()
	from := c.status.State
	c.status.State = models.StateReady
	c.status.CurrentTask = nil
	c.status.LastHeartbeat = now
	c.status.LastActivity = now
	status := c.status
	err := c.store.PutAgentStatus(ctx, status)
	c.mu.Unlock()

	if err != nil {
		c.logger.Printf("persist ready state: %v", err)
	}
	c.logger.Printf("state %s -> %s", from, status.State)
}

func (c *Consumer) heartbeat(ctx context.Context, now time.Time) {
	c.mu.Lock()
	c.status.LastHeartbeat = now
	status := c.status
	err := c.store.PutAgentStatus(ctx, status)
	c.mu.Unlock()
	if err != nil {
		c.logger.Printf("heartbeat: %v", err)
	}
}

func (c *Consumer) currentTask() string {
	status := c.Status()
	if status.CurrentTask == nil {
		return "<none>"
	}
	return *status.CurrentTask
}

// publishWithRetry republishes the envelope with capped backoff until the
// broker accepts it or the context is cancelled. Redelivering the same
// envelope is safe because completion processing is idempotent.
func (c *Consumer) publishWithRetry(ctx context.Context, queue string, env protocol.Envelope) error {
	for attempt := 1; ; attempt++ {
		err := c.broker.Publish(ctx, queue, env)
		if err == nil {
			return nil
		}
		wait := broker.Backoff(c.cfg.Broker.RetryBase, c.cfg.Broker.RetryMax, attempt)
		c.logger.Printf("publish to %s attempt %d failed: %v (retry in %s)", queue, attempt, err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// requeueAfterPause backs off before redelivery so a rejected message does
// not spin the prefetch-1 consumer.
func (c *Consumer) requeueAfterPause(ctx context.Context) broker.Disposition {
	select {
	case <-ctx.Done():
	case <-time.After(c.cfg.RequeueDelay):
	}
	return broker.Requeue
}
