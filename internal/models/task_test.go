package models

import (
	"strings"
	"testing"
)

func TestNewTaskID(t *testing.T) {
	id, err := NewTaskID()
	if err != nil {
		t.Fatalf("NewTaskID returned error: %v", err)
	}
	if !ValidTaskID(id) {
		t.Errorf("generated id %q does not match format", id)
	}
	if !strings.HasPrefix(id, "task_") {
		t.Errorf("expected task_ prefix, got %q", id)
	}
}

func TestNewTaskID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewTaskID()
		if err != nil {
			t.Fatalf("NewTaskID returned error: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q after %d iterations", id, i)
		}
		seen[id] = true
	}
}

func TestValidTaskID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"task_1755945600_0a1b2c3d", true},
		{"task_1755945600_0A1B2C3D", false},
		{"task_175594560_0a1b2c3d", false},
		{"job_1755945600_0a1b2c3d", false},
		{"task_1755945600", false},
		{"", false},
	}
	for _, c := range cases {
		if got := ValidTaskID(c.id); got != c.want {
			t.Errorf("ValidTaskID(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusAssigned, StatusInProgress, true},
		{StatusAssigned, StatusCompleted, true},
		{StatusAssigned, StatusFailed, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusPending, StatusInProgress, false},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusAssigned, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusCompleted, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{StatusPending, StatusAssigned, StatusInProgress} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
