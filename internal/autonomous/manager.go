// ABOUTME: Autonomous mode manager: durable action and sync queues plus state.
// ABOUTME: Owns offline decision-making and reconciliation after reconnection.

package autonomous

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodeward/nodeward/internal/protocol"
)

// State is the agent's connection state as the manager sees it.
type State string

const (
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateConnected    State = "connected"
	StateAutonomous   State = "autonomous"
)

// ActionStatus is the lifecycle of a queued action.
const (
	ActionPending   = "pending"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

// Action is one queued unit of offline work. Persisted immediately on
// queueing; delivery to the executor is at-least-once across crashes.
type Action struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Params   map[string]any `json:"params,omitempty"`
	Priority Priority       `json:"priority"`
	QueuedAt time.Time      `json:"queued_at"`
	Status   string         `json:"status"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// SyncItem is a piece of data waiting for reconnection.
type SyncItem struct {
	Type     string         `json:"type"`
	Data     map[string]any `json:"data"`
	QueuedAt time.Time      `json:"queued_at"`
}

// Executor runs one command-shaped action. The agent's command executor
// satisfies this.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.CommandPayload, progress func(map[string]any)) (map[string]any, error)
}

// Summary reports one autonomous execution pass.
type Summary struct {
	ExecutedAt    time.Time `json:"executed_at"`
	ExecutedCount int       `json:"executed_count"`
	FailedCount   int       `json:"failed_count"`
	Actions       []Action  `json:"actions"`
}

// Manager keeps the agent useful while the control channel is down. It
// is the sole owner of the two durable queues; every mutation rewrites
// the whole queue file so process start always sees consistent state.
type Manager struct {
	mu          sync.Mutex
	state       State
	actions     []*Action
	pendingSync []SyncItem
	retryCount  int

	queueFile string
	syncFile  string
	retryBase time.Duration
	retryCap  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a manager rooted at stateDir, reloading any queues
// persisted by a previous run. A corrupt or missing queue file starts
// empty; that is logged, never fatal.
func NewManager(stateDir string, retryBase, retryCap time.Duration, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	m := &Manager{
		state:     StateDisconnected,
		queueFile: filepath.Join(stateDir, "action_queue.json"),
		syncFile:  filepath.Join(stateDir, "pending_sync.json"),
		retryBase: retryBase,
		retryCap:  retryCap,
		logger:    logger,
		now:       time.Now,
	}
	m.loadPersisted()
	return m, nil
}

func (m *Manager) loadPersisted() {
	if err := loadJSON(m.queueFile, &m.actions); err != nil {
		m.logger.Warn("could not load action queue, starting empty", "error", err)
		m.actions = nil
	}
	if err := loadJSON(m.syncFile, &m.pendingSync); err != nil {
		m.logger.Warn("could not load sync queue, starting empty", "error", err)
		m.pendingSync = nil
	}
	if len(m.actions) > 0 || len(m.pendingSync) > 0 {
		m.logger.Info("restored persisted queues",
			"actions", len(m.actions), "sync_items", len(m.pendingSync))
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueAction adds an action to the durable queue, re-sorts by
// ascending priority, and persists immediately. Returns the action id.
func (m *Manager) QueueAction(actionType string, params map[string]any, priority Priority) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New()
	action := &Action{
		ID:       "action_" + hex.EncodeToString(id[:])[:12],
		Type:     actionType,
		Params:   params,
		Priority: priority,
		QueuedAt: m.now(),
		Status:   ActionPending,
	}
	m.actions = append(m.actions, action)
	sort.SliceStable(m.actions, func(i, j int) bool {
		return m.actions[i].Priority < m.actions[j].Priority
	})
	m.persistLocked()

	m.logger.Info("action queued", "id", action.ID, "type", actionType, "priority", int(priority))
	return action.ID
}

// QueueForSync stores data to forward once the connection is restored.
func (m *Manager) QueueForSync(dataType string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingSync = append(m.pendingSync, SyncItem{
		Type:     dataType,
		Data:     data,
		QueuedAt: m.now(),
	})
	m.persistLocked()
}

// PendingActions returns a snapshot of actions still awaiting execution.
func (m *Manager) PendingActions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Action, 0, len(m.actions))
	for _, a := range m.actions {
		if a.Status == ActionPending {
			out = append(out, *a)
		}
	}
	return out
}

// PendingSyncCount returns how many items await reconnection.
func (m *Manager) PendingSyncCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingSync)
}

// ExecuteActions runs every pending action in priority order through
// the executor. A failed action is marked failed and the batch
// continues. Both completed and failed actions are dropped from the
// queue after the pass — no automatic retry — and a summary is queued
// for sync. Refuses to run while a live session is dispatching.
func (m *Manager) ExecuteActions(ctx context.Context, executor Executor) (*Summary, error) {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil, fmt.Errorf("refusing autonomous execution while connected")
	}
	m.state = StateAutonomous
	batch := make([]*Action, 0, len(m.actions))
	for _, a := range m.actions {
		if a.Status == ActionPending {
			batch = append(batch, a)
		}
	}
	m.mu.Unlock()

	m.logger.Info("autonomous execution starting", "pending", len(batch))

	summary := &Summary{ExecutedAt: m.now()}
	for _, action := range batch {
		if ctx.Err() != nil {
			break
		}

		result, err := executor.Execute(ctx, protocol.CommandPayload{
			ID:     action.ID,
			Type:   protocol.CommandType(action.Type),
			Params: action.Params,
		}, func(map[string]any) {})

		m.mu.Lock()
		if err != nil {
			action.Status = ActionFailed
			action.Error = err.Error()
			summary.FailedCount++
			m.logger.Warn("autonomous action failed", "id", action.ID, "type", action.Type, "error", err)
		} else {
			action.Status = ActionCompleted
			action.Result = result
			summary.ExecutedCount++
			m.logger.Info("autonomous action completed", "id", action.ID, "type", action.Type)
		}
		summary.Actions = append(summary.Actions, *action)
		m.mu.Unlock()
	}

	m.mu.Lock()
	kept := m.actions[:0]
	for _, a := range m.actions {
		if a.Status == ActionPending {
			kept = append(kept, a)
		}
	}
	m.actions = kept
	m.pendingSync = append(m.pendingSync, SyncItem{
		Type: "autonomous_results",
		Data: map[string]any{
			"executed_at":    protocol.Timestamp(summary.ExecutedAt),
			"executed_count": summary.ExecutedCount,
			"failed_count":   summary.FailedCount,
		},
		QueuedAt: m.now(),
	})
	m.persistLocked()
	m.mu.Unlock()

	m.logger.Info("autonomous execution finished",
		"executed", summary.ExecutedCount, "failed", summary.FailedCount)
	return summary, nil
}

// ConnectionLost transitions to DISCONNECTED and resets the retry
// counter.
func (m *Manager) ConnectionLost() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateDisconnected
	m.retryCount = 0
	m.logger.Info("connection lost, entering autonomous operation")
}

// Reconnecting marks an in-progress reconnection attempt.
func (m *Manager) Reconnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateReconnecting
}

// ConnectionRestored transitions to CONNECTED and flushes the sync
// queue through send. Per-item send failures are logged but the item is
// dropped regardless: delivery after reconnect is at-most-once. The
// queue is empty and persisted empty when this returns.
func (m *Manager) ConnectionRestored(send func(itemType string, data map[string]any) error) {
	m.mu.Lock()
	m.state = StateConnected
	m.retryCount = 0
	items := m.pendingSync
	m.pendingSync = nil
	m.persistLocked()
	m.mu.Unlock()

	for _, item := range items {
		if err := send(item.Type, item.Data); err != nil {
			m.logger.Warn("sync item delivery failed, dropping", "type", item.Type, "error", err)
		}
	}
	m.logger.Info("connection restored, sync queue flushed", "items", len(items))
}

// RetryInterval computes the current backoff delay:
// min(base * 2^retryCount, cap). Non-decreasing in the retry count.
func (m *Manager) RetryInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	shift := m.retryCount
	if shift > 30 {
		shift = 30
	}
	d := m.retryBase << uint(shift)
	if d > m.retryCap || d <= 0 {
		d = m.retryCap
	}
	return d
}

// RecordRetryFailure bumps the backoff counter after a failed attempt.
func (m *Manager) RecordRetryFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount++
}

// persistLocked rewrites both queue documents. Callers hold m.mu.
// Write failure is logged and operation continues in memory: at most
// one update can be lost on crash.
func (m *Manager) persistLocked() {
	if err := saveJSON(m.queueFile, m.actions); err != nil {
		m.logger.Error("persisting action queue failed", "error", err)
	}
	if err := saveJSON(m.syncFile, m.pendingSync); err != nil {
		m.logger.Error("persisting sync queue failed", "error", err)
	}
}

// loadJSON reads a whole queue document; a missing file is empty.
func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// saveJSON rewrites a queue document atomically via temp file + rename,
// with the handle flushed and closed on every exit path.
func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
