// Package protocol defines the wire format exchanged between the manager and
// developer roles. Every message is validated before publish and after
// receipt; malformed messages fail with a SchemaError and are dropped, never
// retried.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentnet/internal/models"
)

// MessageType tags the payload variant carried by an envelope.
type MessageType string

const (
	TypeTaskAssignment MessageType = "task_assignment"
	TypeTaskCompletion MessageType = "task_completion"
	TypeStatusQuery    MessageType = "status_query"
	TypeStatusReply    MessageType = "status_reply"
)

// Known reports whether t is one of the closed set of message types.
func (t MessageType) Known() bool {
	switch t {
	case TypeTaskAssignment, TypeTaskCompletion, TypeStatusQuery, TypeStatusReply:
		return true
	}
	return false
}

// Envelope is the unit exchanged over a queue. CorrelationID equals the task
// id for assignment/completion pairs and the query id for query/reply pairs.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	Type          MessageType     `json:"message_type"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Assignment is the payload of a TaskAssignment message.
type Assignment struct {
	TaskID       string    `json:"task_id"`
	Description  string    `json:"description"`
	Requirements []string  `json:"requirements,omitempty"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Completion is the payload of a TaskCompletion message. Result is either
// "completed" or "failed".
type Completion struct {
	TaskID       string            `json:"task_id"`
	Result       models.TaskStatus `json:"result"`
	Summary      string            `json:"summary,omitempty"`
	Deliverables []string          `json:"deliverables,omitempty"`
	Error        string            `json:"error,omitempty"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// StatusReply is the payload answering a StatusQuery.
type StatusReply struct {
	AgentID       string            `json:"agent_id"`
	State         models.AgentState `json:"state"`
	CurrentTask   *string           `json:"current_task,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// SchemaError marks a message that failed validation. Such messages are
// logged and dropped; they cannot self-correct on retry.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

func schemaErr(field, reason string) *SchemaError {
	return &SchemaError{Field: field, Reason: reason}
}

// NewAssignment builds a TaskAssignment envelope for a task. The correlation
// id is the task id.
func NewAssignment(sender, recipient string, task models.Task) (Envelope, error) {
	assignedAt := time.Now().UTC()
	if task.AssignedAt != nil {
		assignedAt = *task.AssignedAt
	}
	return build(TypeTaskAssignment, sender, recipient, task.ID, Assignment{
		TaskID:       task.ID,
		Description:  task.Description,
		Requirements: task.Requirements,
		AssignedAt:   assignedAt,
	})
}

// NewCompletion builds a TaskCompletion envelope. The correlation id is the
// task id carried in the completion.
func NewCompletion(sender, recipient string, c Completion) (Envelope, error) {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	return build(TypeTaskCompletion, sender, recipient, c.TaskID, c)
}

// NewStatusQuery builds a StatusQuery envelope with a fresh query id as its
// correlation id.
func NewStatusQuery(sender, recipient string) (Envelope, error) {
	return build(TypeStatusQuery, sender, recipient, uuid.NewString(), nil)
}

// NewStatusReply builds a StatusReply answering the query identified by
// queryID.
func NewStatusReply(sender, recipient, queryID string, status models.AgentStatus) (Envelope, error) {
	return build(TypeStatusReply, sender, recipient, queryID, StatusReply{
		AgentID:       status.AgentID,
		State:         status.State,
		CurrentTask:   status.CurrentTask,
		LastHeartbeat: status.LastHeartbeat,
	})
}

func build(t MessageType, sender, recipient, correlation string, payload any) (Envelope, error) {
	env := Envelope{
		MessageID:     uuid.NewString(),
		Type:          t,
		Sender:        sender,
		Recipient:     recipient,
		CorrelationID: correlation,
		Timestamp:     time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope and its payload against the schema. It
// returns a *SchemaError naming the first offending field.
func (e Envelope) Validate() error {
	if !e.Type.Known() {
		return schemaErr("message_type", fmt.Sprintf("unrecognized %q", e.Type))
	}
	if e.Sender == "" {
		return schemaErr("sender", "missing")
	}
	if e.Recipient == "" {
		return schemaErr("recipient", "missing")
	}
	if e.Timestamp.IsZero() {
		return schemaErr("timestamp", "missing")
	}

	switch e.Type {
	case TypeTaskAssignment:
		if e.CorrelationID == "" {
			return schemaErr("correlation_id", "required for task_assignment")
		}
		a, err := e.Assignment()
		if err != nil {
			return err
		}
		if !models.ValidTaskID(a.TaskID) {
			return schemaErr("payload.task_id", fmt.Sprintf("malformed id %q", a.TaskID))
		}
		if a.TaskID != e.CorrelationID {
			return schemaErr("correlation_id", "does not match payload task_id")
		}
		if a.Description == "" {
			return schemaErr("payload.description", "missing")
		}
	case TypeTaskCompletion:
		if e.CorrelationID == "" {
			return schemaErr("correlation_id", "required for task_completion")
		}
		c, err := e.Completion()
		if err != nil {
			return err
		}
		if c.TaskID != e.CorrelationID {
			return schemaErr("correlation_id", "does not match payload task_id")
		}
		if c.Result != models.StatusCompleted && c.Result != models.StatusFailed {
			return schemaErr("payload.result", fmt.Sprintf("must be terminal, got %q", c.Result))
		}
	case TypeStatusReply:
		r, err := e.Reply()
		if err != nil {
			return err
		}
		if r.AgentID == "" {
			return schemaErr("payload.agent_id", "missing")
		}
	}
	return nil
}

// Assignment decodes the payload of a TaskAssignment envelope.
func (e Envelope) Assignment() (Assignment, error) {
	if e.Type != TypeTaskAssignment {
		return Assignment{}, schemaErr("message_type", fmt.Sprintf("want task_assignment, got %q", e.Type))
	}
	var a Assignment
	if err := json.Unmarshal(e.Payload, &a); err != nil {
		return Assignment{}, schemaErr("payload", fmt.Sprintf("malformed assignment: %v", err))
	}
	return a, nil
}

// Completion decodes the payload of a TaskCompletion envelope.
func (e Envelope) Completion() (Completion, error) {
	if e.Type != TypeTaskCompletion {
		return Completion{}, schemaErr("message_type", fmt.Sprintf("want task_completion, got %q", e.Type))
	}
	var c Completion
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return Completion{}, schemaErr("payload", fmt.Sprintf("malformed completion: %v", err))
	}
	return c, nil
}

// Reply decodes the payload of a StatusReply envelope.
func (e Envelope) Reply() (StatusReply, error) {
	if e.Type != TypeStatusReply {
		return StatusReply{}, schemaErr("message_type", fmt.Sprintf("want status_reply, got %q", e.Type))
	}
	var r StatusReply
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return StatusReply{}, schemaErr("payload", fmt.Sprintf("malformed status reply: %v", err))
	}
	return r, nil
}

// Encode validates the envelope and marshals it for the wire.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode unmarshals and validates a wire message.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, schemaErr("envelope", fmt.Sprintf("malformed json: %v", err))
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
