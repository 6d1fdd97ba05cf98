package consumer

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentnet/internal/broker"
	"agentnet/internal/dispatcher"
	"agentnet/internal/models"
	"agentnet/internal/store"
)

// scenarioHarness wires both roles to one in-process broker and one shared
// store, the same topology the daemons use against RabbitMQ.
type scenarioHarness struct {
	store     store.Store
	broker    *broker.Memory
	manager   *dispatcher.Dispatcher
	developer *Consumer
}

func newScenario(t *testing.T, ex Executor) *scenarioHarness {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "agentnet.db"), cfg.ActivityLimit)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := broker.NewMemory()
	t.Cleanup(func() { m.Close() })

	if ex == nil {
		ex = StaticExecutor{}
	}
	logger := log.New(io.Discard, "", 0)
	h := &scenarioHarness{
		store:     st,
		broker:    m,
		manager:   dispatcher.New(cfg, st, m, logger),
		developer: New(cfg, st, m, ex, logger),
	}

	require.NoError(t, h.developer.Initialize(ctx))
	require.NoError(t, m.Consume(cfg.Broker.ManagerQueue, h.manager.HandleMessage))
	require.NoError(t, m.Consume(cfg.Broker.DeveloperQueue, h.developer.HandleMessage))
	return h
}

func TestRoundTripHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newScenario(t, nil)

	task, err := h.manager.CreateTask(ctx, "implement hello world endpoint", []string{"go", "http"})
	require.NoError(t, err)
	require.NoError(t, h.manager.AssignTask(ctx, task.ID, "developer"))

	require.Eventually(t, func() bool {
		stored, err := h.store.GetTask(ctx, task.ID)
		return err == nil && stored.Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond, "task never archived as completed")

	stored, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "developer", stored.AssignedAgent)
	require.NotNil(t, stored.CompletedAt)

	require.Eventually(t, func() bool {
		return h.developer.Status().State == models.StateReady
	}, 2*time.Second, 10*time.Millisecond, "developer never returned to ready")
	require.Nil(t, h.developer.Status().CurrentTask)

	completed, err := h.manager.ListCompleted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, task.ID, completed[0].ID)

	active, err := h.manager.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, active)

	require.Eventually(t, func() bool {
		dev, err1 := h.broker.QueueInfo(ctx, "developer-queue")
		mgr, err2 := h.broker.QueueInfo(ctx, "manager-queue")
		return err1 == nil && err2 == nil && dev.MessageCount == 0 && mgr.MessageCount == 0
	}, 2*time.Second, 10*time.Millisecond, "queues never drained")

	acts, err := h.store.RecentActivities(ctx, "developer", 20)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, a := range acts {
		seen[a.Type] = true
	}
	require.True(t, seen[models.ActivityTaskReceived], "developer never recorded picking up the task")
	require.True(t, seen[models.ActivityTaskCompleted], "developer never recorded finishing the task")
}

func TestRoundTripFailure(t *testing.T) {
	ctx := context.Background()
	h := newScenario(t, nil)

	task, err := h.manager.CreateTask(ctx, "work that cannot succeed", []string{"should_fail"})
	require.NoError(t, err)
	require.NoError(t, h.manager.AssignTask(ctx, task.ID, "developer"))

	require.Eventually(t, func() bool {
		stored, err := h.store.GetTask(ctx, task.ID)
		return err == nil && stored.Status == models.StatusFailed
	}, 5*time.Second, 10*time.Millisecond, "task never archived as failed")

	stored, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CompletedAt, "failed tasks carry a completion time too")

	completed, err := h.manager.ListCompleted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1, "failed tasks belong in the archived list")
}

func TestRoundTripStatusQuery(t *testing.T) {
	ctx := context.Background()
	h := newScenario(t, nil)

	require.NoError(t, h.manager.RequestStatus(ctx))

	require.Eventually(t, func() bool {
		acts, err := h.store.RecentActivities(ctx, "developer", 20)
		if err != nil {
			return false
		}
		for _, a := range acts {
			if a.Type == models.ActivityStatusReply {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "status reply never observed")
}

func TestRoundTripSequentialTasks(t *testing.T) {
	ctx := context.Background()
	h := newScenario(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := h.manager.CreateTask(ctx, "batch work", nil)
		require.NoError(t, err)
		require.NoError(t, h.manager.AssignTask(ctx, task.ID, "developer"))
		ids = append(ids, task.ID)
	}

	require.Eventually(t, func() bool {
		completed, err := h.manager.ListCompleted(ctx, 10)
		return err == nil && len(completed) == 3
	}, 5*time.Second, 10*time.Millisecond, "batch never fully archived")

	for _, id := range ids {
		stored, err := h.store.GetTask(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, stored.Status, "task %s", id)
	}
}
