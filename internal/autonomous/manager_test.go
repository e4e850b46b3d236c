// ABOUTME: Tests for the autonomous manager's queues, backoff, and sync flush.
// ABOUTME: Persistence is exercised against real files in a temp dir.

package autonomous

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeward/nodeward/internal/protocol"
)

type scriptedExecutor struct {
	executed []string
	failOn   map[string]bool
}

func (e *scriptedExecutor) Execute(_ context.Context, cmd protocol.CommandPayload, _ func(map[string]any)) (map[string]any, error) {
	e.executed = append(e.executed, string(cmd.Type))
	if e.failOn[string(cmd.Type)] {
		return nil, errors.New("simulated failure")
	}
	return map[string]any{"ok": true}, nil
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(dir, 5*time.Second, 120*time.Second, slog.Default())
	require.NoError(t, err)
	return m, dir
}

func TestQueueActionPriorityOrdering(t *testing.T) {
	m, _ := newTestManager(t)

	m.QueueAction("defrag", nil, PriorityLow)
	m.QueueAction("clean_disk", nil, PriorityMedium)
	m.QueueAction("kill_process", map[string]any{"pid": 9}, PriorityCritical)
	m.QueueAction("free_memory", nil, PriorityHigh)

	pending := m.PendingActions()
	require.Len(t, pending, 4)
	assert.Equal(t, "kill_process", pending[0].Type, "critical must lead the queue")
	assert.Equal(t, "free_memory", pending[1].Type)
	assert.Equal(t, "clean_disk", pending[2].Type)
	assert.Equal(t, "defrag", pending[3].Type)
}

func TestQueueActionStableWithinPriority(t *testing.T) {
	m, _ := newTestManager(t)

	m.QueueAction("first", nil, PriorityHigh)
	m.QueueAction("second", nil, PriorityHigh)
	m.QueueAction("urgent", nil, PriorityCritical)

	pending := m.PendingActions()
	assert.Equal(t, []string{"urgent", "first", "second"},
		[]string{pending[0].Type, pending[1].Type, pending[2].Type})
}

func TestQueuesSurviveRestart(t *testing.T) {
	m, dir := newTestManager(t)
	m.QueueAction("sys_fix", nil, PriorityHigh)
	m.QueueForSync("scan_results", map[string]any{"score": float64(55)})

	// A fresh manager over the same state dir sees the same queues.
	m2, err := NewManager(dir, 5*time.Second, 120*time.Second, slog.Default())
	require.NoError(t, err)

	pending := m2.PendingActions()
	require.Len(t, pending, 1)
	assert.Equal(t, "sys_fix", pending[0].Type)
	assert.Equal(t, 1, m2.PendingSyncCount())
}

func TestExecuteActionsIsolatesFailures(t *testing.T) {
	m, _ := newTestManager(t)
	m.QueueAction("kill_process", nil, PriorityCritical)
	m.QueueAction("clean_disk", nil, PriorityHigh)
	m.QueueAction("defrag", nil, PriorityLow)

	exec := &scriptedExecutor{failOn: map[string]bool{"clean_disk": true}}
	summary, err := m.ExecuteActions(context.Background(), exec)
	require.NoError(t, err)

	assert.Equal(t, []string{"kill_process", "clean_disk", "defrag"}, exec.executed,
		"a failure must not abort the batch")
	assert.Equal(t, 2, summary.ExecutedCount)
	assert.Equal(t, 1, summary.FailedCount)

	// Completed and failed actions are dropped; no automatic retry.
	assert.Empty(t, m.PendingActions())

	// The pass queued a summary for sync.
	assert.Equal(t, 1, m.PendingSyncCount())
	assert.Equal(t, StateAutonomous, m.State())
}

func TestExecuteActionsRefusedWhileConnected(t *testing.T) {
	m, _ := newTestManager(t)
	m.ConnectionRestored(func(string, map[string]any) error { return nil })

	_, err := m.ExecuteActions(context.Background(), &scriptedExecutor{})
	assert.Error(t, err)
}

func TestConnectionRestoredFlushesSyncQueue(t *testing.T) {
	m, _ := newTestManager(t)
	m.QueueForSync("scan_results", map[string]any{"score": float64(70)})
	m.QueueForSync("autonomous_results", map[string]any{"executed_count": float64(2)})

	var delivered []string
	m.ConnectionRestored(func(itemType string, _ map[string]any) error {
		delivered = append(delivered, itemType)
		if itemType == "autonomous_results" {
			return errors.New("send failed")
		}
		return nil
	})

	assert.Equal(t, []string{"scan_results", "autonomous_results"}, delivered)
	// Queue is empty regardless of per-item outcomes.
	assert.Equal(t, 0, m.PendingSyncCount())
	assert.Equal(t, StateConnected, m.State())
}

func TestRetryIntervalBackoff(t *testing.T) {
	m, _ := newTestManager(t)

	intervals := []time.Duration{}
	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		d := m.RetryInterval()
		intervals = append(intervals, d)
		assert.GreaterOrEqual(t, d, prev, "backoff must be non-decreasing")
		assert.LessOrEqual(t, d, 120*time.Second, "backoff must be capped")
		prev = d
		m.RecordRetryFailure()
	}

	assert.Equal(t, 5*time.Second, intervals[0])
	assert.Equal(t, 10*time.Second, intervals[1])
	assert.Equal(t, 80*time.Second, intervals[4])
	assert.Equal(t, 120*time.Second, intervals[5], "first capped step")
	assert.Equal(t, 120*time.Second, intervals[11])

	// Success resets the schedule.
	m.ConnectionRestored(func(string, map[string]any) error { return nil })
	assert.Equal(t, 5*time.Second, m.RetryInterval())
}

func TestConnectionLostResetsRetry(t *testing.T) {
	m, _ := newTestManager(t)
	m.RecordRetryFailure()
	m.RecordRetryFailure()
	m.ConnectionLost()

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 5*time.Second, m.RetryInterval())
}

func TestCorruptQueueFileStartsEmpty(t *testing.T) {
	m, dir := newTestManager(t)
	m.QueueAction("sys_fix", nil, PriorityHigh)

	require.NoError(t, writeFile(dir+"/action_queue.json", "{not json"))

	m2, err := NewManager(dir, 5*time.Second, 120*time.Second, slog.Default())
	require.NoError(t, err)
	assert.Empty(t, m2.PendingActions())
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
