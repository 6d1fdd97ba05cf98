package models

import (
	"testing"
	"time"
)

func TestCanTransitionState(t *testing.T) {
	cases := []struct {
		from, to AgentState
		want     bool
	}{
		{StateUninitialized, StateReady, true},
		{StateReady, StateWorking, true},
		{StateReady, StateIdle, true},
		{StateWorking, StateReady, true},
		{StateIdle, StateReady, true},
		{StateUninitialized, StateWorking, false},
		{StateIdle, StateWorking, false},
		{StateWorking, StateIdle, false},
		{StateWorking, StateWorking, false},
	}
	for _, c := range cases {
		if got := CanTransitionState(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionState(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestAgentStatusValidate(t *testing.T) {
	taskID := "task_1755945600_0a1b2c3d"

	ok := AgentStatus{AgentID: "developer", State: StateWorking, CurrentTask: &taskID}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid working status rejected: %v", err)
	}

	idle := AgentStatus{AgentID: "developer", State: StateReady}
	if err := idle.Validate(); err != nil {
		t.Fatalf("valid ready status rejected: %v", err)
	}

	noTask := AgentStatus{AgentID: "developer", State: StateWorking}
	if err := noTask.Validate(); err == nil {
		t.Error("working without current task should fail validation")
	}

	heldTask := AgentStatus{AgentID: "developer", State: StateReady, CurrentTask: &taskID}
	if err := heldTask.Validate(); err == nil {
		t.Error("ready with current task should fail validation")
	}

	unknown := AgentStatus{AgentID: "developer", State: AgentState("sleeping")}
	if err := unknown.Validate(); err == nil {
		t.Error("unknown state should fail validation")
	}
}

func TestIsActive(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	window := time.Hour

	stale := AgentStatus{AgentID: "developer", LastHeartbeat: now.Add(-2 * time.Hour)}
	if IsActive(stale, now, window) {
		t.Error("heartbeat 2h old with 1h window should be inactive")
	}

	fresh := AgentStatus{AgentID: "developer", LastHeartbeat: now.Add(-30 * time.Minute)}
	if !IsActive(fresh, now, window) {
		t.Error("heartbeat 30m old with 1h window should be active")
	}

	never := AgentStatus{AgentID: "developer"}
	if IsActive(never, now, window) {
		t.Error("agent with no heartbeat should be inactive")
	}
}
