// Package monitor derives agent liveness and queue depth for the
// observability surface. It only reads; liveness is computed from heartbeat
// age on every look, never stored back.
package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"agentnet/internal/broker"
	"agentnet/internal/config"
	"agentnet/internal/models"
	"agentnet/internal/store"
	"agentnet/internal/telemetry"
)

// AgentReport is an agent status with its derived liveness.
type AgentReport struct {
	models.AgentStatus
	Active bool `json:"active"`
}

type Monitor struct {
	cfg    config.Config
	store  store.Store
	broker broker.Broker
	logger *log.Logger

	mu         sync.Mutex
	lastActive map[string]bool
}

func New(cfg config.Config, st store.Store, bk broker.Broker, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		cfg:        cfg,
		store:      st,
		broker:     bk,
		logger:     logger,
		lastActive: make(map[string]bool),
	}
}

// Snapshot reports both roles' statuses with liveness derived at now. Agents
// that have never written a status record are omitted.
func (m *Monitor) Snapshot(ctx context.Context, now time.Time) ([]AgentReport, error) {
	var reports []AgentReport
	for _, id := range []string{m.cfg.ManagerID, m.cfg.DeveloperID} {
		status, err := m.store.GetAgentStatus(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		reports = append(reports, AgentReport{
			AgentStatus: status,
			Active:      models.IsActive(status, now, m.cfg.ActiveWindow),
		})
	}
	return reports, nil
}

// Sweep refreshes the gauges and logs liveness edges: an agent crossing from
// active to stale or back, and in-flight tasks whose agent has gone stale.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) {
	reports, err := m.Snapshot(ctx, now)
	if err != nil {
		m.logger.Printf("monitor: snapshot: %v", err)
		return
	}
	staleAgents := make(map[string]bool)
	for _, r := range reports {
		active := 0.0
		if r.Active {
			active = 1.0
		} else {
			staleAgents[r.AgentID] = true
		}
		telemetry.AgentActiveGauge.WithLabelValues(r.AgentID).Set(active)

		m.mu.Lock()
		prev, seen := m.lastActive[r.AgentID]
		m.lastActive[r.AgentID] = r.Active
		m.mu.Unlock()
		if seen && prev && !r.Active {
			m.logger.Printf("monitor: agent %s went stale, last heartbeat %s",
				r.AgentID, r.LastHeartbeat.Format(time.RFC3339))
		}
		if seen && !prev && r.Active {
			m.logger.Printf("monitor: agent %s is active again", r.AgentID)
		}
	}

	inFlight, err := m.store.QueryTasks(ctx, store.TaskQuery{
		Statuses: []models.TaskStatus{models.StatusInProgress},
		Order:    store.OrderCreatedDesc,
	})
	if err != nil {
		m.logger.Printf("monitor: list in-flight tasks: %v", err)
	} else {
		for _, task := range inFlight {
			if staleAgents[task.AssignedAgent] {
				m.logger.Printf("monitor: task %s is in progress but agent %s is stale",
					task.ID, task.AssignedAgent)
			}
		}
	}

	for _, q := range []string{m.cfg.Broker.ManagerQueue, m.cfg.Broker.DeveloperQueue} {
		info, err := m.broker.QueueInfo(ctx, q)
		if err != nil {
			continue
		}
		telemetry.QueueDepthGauge.WithLabelValues(q).Set(float64(info.MessageCount))
	}
}

// Run sweeps immediately and then on every interval tick.
func (m *Monitor) Run(ctx context.Context) error {
	m.Sweep(ctx, time.Now().UTC())
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.Sweep(ctx, now.UTC())
		}
	}
}
