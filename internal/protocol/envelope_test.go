package protocol

import (
	"errors"
	"testing"
	"time"

	"agentnet/internal/models"
)

func testTask() models.Task {
	return models.Task{
		ID:           "task_1755945600_0a1b2c3d",
		Description:  "implement X",
		Requirements: []string{"tests pass", "docs updated"},
		Status:       models.StatusAssigned,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestAssignmentRoundTrip(t *testing.T) {
	env, err := NewAssignment("manager", "developer", testTask())
	if err != nil {
		t.Fatalf("NewAssignment: %v", err)
	}
	if env.CorrelationID != "task_1755945600_0a1b2c3d" {
		t.Fatalf("correlation id = %q, want task id", env.CorrelationID)
	}
	if env.MessageID == "" {
		t.Fatal("message id not assigned")
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a, err := got.Assignment()
	if err != nil {
		t.Fatalf("Assignment: %v", err)
	}
	if a.TaskID != "task_1755945600_0a1b2c3d" || a.Description != "implement X" {
		t.Errorf("payload mismatch: %+v", a)
	}
	if len(a.Requirements) != 2 {
		t.Errorf("requirements lost: %v", a.Requirements)
	}
}

func TestCompletionValidation(t *testing.T) {
	env, err := NewCompletion("developer", "manager", Completion{
		TaskID:  "task_1755945600_0a1b2c3d",
		Result:  models.StatusCompleted,
		Summary: "done",
	})
	if err != nil {
		t.Fatalf("NewCompletion: %v", err)
	}
	if env.CorrelationID != "task_1755945600_0a1b2c3d" {
		t.Fatalf("correlation id = %q", env.CorrelationID)
	}

	_, err = NewCompletion("developer", "manager", Completion{
		TaskID: "task_1755945600_0a1b2c3d",
		Result: models.StatusInProgress,
	})
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("non-terminal result should fail with SchemaError, got %v", err)
	}
	if schemaErr.Field != "payload.result" {
		t.Errorf("offending field = %q, want payload.result", schemaErr.Field)
	}
}

func TestCorrelationMustMatchTaskID(t *testing.T) {
	env, err := NewAssignment("manager", "developer", testTask())
	if err != nil {
		t.Fatalf("NewAssignment: %v", err)
	}
	env.CorrelationID = "task_1755945600_deadbeef"

	var schemaErr *SchemaError
	if err := env.Validate(); !errors.As(err, &schemaErr) {
		t.Fatalf("mismatched correlation should fail with SchemaError, got %v", err)
	}
	if schemaErr.Field != "correlation_id" {
		t.Errorf("offending field = %q, want correlation_id", schemaErr.Field)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{`},
		{"unknown type", `{"message_id":"m1","message_type":"task_update","sender":"a","recipient":"b","timestamp":"2026-08-23T12:00:00Z"}`},
		{"missing sender", `{"message_id":"m1","message_type":"status_query","recipient":"b","correlation_id":"q1","timestamp":"2026-08-23T12:00:00Z"}`},
		{"assignment without correlation", `{"message_id":"m1","message_type":"task_assignment","sender":"a","recipient":"b","timestamp":"2026-08-23T12:00:00Z","payload":{"task_id":"task_1755945600_0a1b2c3d","description":"x","assigned_at":"2026-08-23T12:00:00Z"}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode([]byte(c.data))
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("want SchemaError, got %v", err)
			}
		})
	}
}

func TestStatusQueryReplyPair(t *testing.T) {
	query, err := NewStatusQuery("manager", "developer")
	if err != nil {
		t.Fatalf("NewStatusQuery: %v", err)
	}
	if query.CorrelationID == "" {
		t.Fatal("query should carry a correlation id")
	}

	taskID := "task_1755945600_0a1b2c3d"
	reply, err := NewStatusReply("developer", "manager", query.CorrelationID, models.AgentStatus{
		AgentID:       "developer",
		State:         models.StateWorking,
		CurrentTask:   &taskID,
		LastHeartbeat: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("NewStatusReply: %v", err)
	}
	if reply.CorrelationID != query.CorrelationID {
		t.Errorf("reply correlation %q does not match query %q", reply.CorrelationID, query.CorrelationID)
	}

	r, err := reply.Reply()
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if r.State != models.StateWorking || r.CurrentTask == nil || *r.CurrentTask != taskID {
		t.Errorf("reply payload mismatch: %+v", r)
	}
}

func TestPayloadAccessorTypeGuard(t *testing.T) {
	env, err := NewStatusQuery("manager", "developer")
	if err != nil {
		t.Fatalf("NewStatusQuery: %v", err)
	}
	if _, err := env.Assignment(); err == nil {
		t.Error("Assignment() on a status_query should fail")
	}
	if _, err := env.Completion(); err == nil {
		t.Error("Completion() on a status_query should fail")
	}
}
