package models

import (
	"fmt"
	"time"
)

// AgentState enumerates agent lifecycle states.
type AgentState string

const (
	StateUninitialized AgentState = "uninitialized"
	StateReady         AgentState = "ready"
	StateWorking       AgentState = "working"
	StateIdle          AgentState = "idle"
)

// Activity types recorded in the per-agent audit log.
const (
	ActivityTaskCreated   = "task_created"
	ActivityTaskAssigned  = "task_assigned"
	ActivityTaskReceived  = "task_received"
	ActivityTaskCompleted = "task_completed"
	ActivityStateChange   = "state_change"
	ActivityStatusReply   = "status_reply"
	ActivityReconcile     = "reconcile_republish"
)

// AgentStatus is the durable status record owned by one role instance.
type AgentStatus struct {
	AgentID          string     `json:"agent_id"`
	State            AgentState `json:"state"`
	CurrentTask      *string    `json:"current_task,omitempty"`
	LastHeartbeat    time.Time  `json:"last_heartbeat"`
	LastActivity     time.Time  `json:"last_activity"`
	RecentActivities []Activity `json:"recent_activities,omitempty"`
}

// Activity is one audit entry in an agent's bounded activity log.
type Activity struct {
	AgentID   string    `json:"agent_id"`
	Type      string    `json:"activity_type"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

var agentTransitions = map[AgentState][]AgentState{
	StateUninitialized: {StateReady},
	StateReady:         {StateWorking, StateIdle},
	StateWorking:       {StateReady},
	StateIdle:          {StateReady},
}

// CanTransitionState reports whether an agent may move between two states.
func CanTransitionState(from, to AgentState) bool {
	for _, next := range agentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks the structural invariant: current_task is set exactly when
// the agent is working.
func (a AgentStatus) Validate() error {
	switch a.State {
	case StateUninitialized, StateReady, StateWorking, StateIdle:
	default:
		return fmt.Errorf("unknown agent state %q", a.State)
	}
	if a.State == StateWorking && (a.CurrentTask == nil || *a.CurrentTask == "") {
		return fmt.Errorf("agent %s working without a current task", a.AgentID)
	}
	if a.State != StateWorking && a.CurrentTask != nil {
		return fmt.Errorf("agent %s holds task %s while %s", a.AgentID, *a.CurrentTask, a.State)
	}
	return nil
}

// IsActive derives liveness from the last heartbeat. Liveness is computed by
// readers, never stored.
func IsActive(status AgentStatus, now time.Time, window time.Duration) bool {
	if status.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(status.LastHeartbeat) < window
}
