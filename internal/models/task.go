package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// TaskStatus enumerates task lifecycle states persisted in the state store.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusAssigned   TaskStatus = "assigned"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is a unit of work exchanged between the manager and developer roles.
// Description, Requirements and AssignedAgent are immutable once set.
type Task struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Requirements  []string   `json:"requirements,omitempty"`
	Status        TaskStatus `json:"status"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

var taskIDRegex = regexp.MustCompile(`^task_[0-9]{10}_[0-9a-f]{8}$`)

// NewTaskID returns a time-ordered task identifier: a unix timestamp
// followed by a random hex suffix.
func NewTaskID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate id suffix: %w", err)
	}
	return fmt.Sprintf("task_%010d_%s", time.Now().Unix(), hex.EncodeToString(buf)), nil
}

// ValidTaskID reports whether id matches the generated task id format.
func ValidTaskID(id string) bool {
	return taskIDRegex.MatchString(id)
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusAssigned},
	StatusAssigned:   {StatusInProgress, StatusCompleted, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal states have no outgoing transitions.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
