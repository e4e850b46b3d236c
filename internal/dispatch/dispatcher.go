// ABOUTME: Issues commands to agent sessions and tracks their lifecycle.
// ABOUTME: Owns command state: pending -> sent -> completed/error, terminal once.

package dispatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodeward/nodeward/internal/cipher"
	"github.com/nodeward/nodeward/internal/metrics"
	"github.com/nodeward/nodeward/internal/protocol"
	"github.com/nodeward/nodeward/internal/session"
)

// ErrAgentNotFound indicates no session exists for the target agent id.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentOffline indicates the target agent has a session but is not
// currently online.
var ErrAgentOffline = errors.New("agent is offline")

// Status is the lifecycle state of a command. It only advances forward.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Command is one unit of requested work with its full lifecycle record.
type Command struct {
	ID          string                     `json:"command_id"`
	AgentID     string                     `json:"agent_id"`
	Type        protocol.CommandType       `json:"type"`
	Params      map[string]any             `json:"params,omitempty"`
	IssuedBy    string                     `json:"issued_by"`
	IssuedAt    time.Time                  `json:"issued_at"`
	Status      Status                     `json:"status"`
	Progress    []protocol.ProgressPayload `json:"progress,omitempty"`
	Result      map[string]any             `json:"result,omitempty"`
	Error       string                     `json:"error,omitempty"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
}

// Event is republished to observers watching a command.
type Event struct {
	Kind      string         `json:"kind"` // progress, result, error
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// History persists command lifecycle records and the audit trail.
// Implementations must tolerate being called concurrently. A nil
// History disables persistence.
type History interface {
	SaveCommand(ctx context.Context, cmd *Command) error
	UpdateCommand(ctx context.Context, cmd *Command) error
	AppendAudit(ctx context.Context, agentID, commandID, action string, detail map[string]any) error
}

// Dispatcher validates, transmits, and tracks commands for the service.
type Dispatcher struct {
	registry *session.Registry
	codec    *cipher.Codec
	history  History
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	commands map[string]*Command
	watchers map[string][]chan Event

	now   func() time.Time
	newID func() string
}

// New creates a dispatcher. history and m may be nil.
func New(registry *session.Registry, codec *cipher.Codec, history History, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		codec:    codec,
		history:  history,
		metrics:  m,
		logger:   logger,
		commands: make(map[string]*Command),
		watchers: make(map[string][]chan Event),
		now:      time.Now,
		newID: func() string {
			id := uuid.New()
			return "cmd_" + hex.EncodeToString(id[:])[:12]
		},
	}
}

// Submit validates and dispatches a command to an agent. The command
// type is checked against the allow-list before any command record is
// created. Returns the allocated command id.
func (d *Dispatcher) Submit(ctx context.Context, agentID, rawType string, params map[string]any, issuedBy string) (string, error) {
	ct, err := protocol.ParseCommandType(rawType)
	if err != nil {
		return "", err
	}
	if err := protocol.ValidateCommand(ct, params); err != nil {
		return "", err
	}

	sess, ok := d.registry.Get(agentID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if !d.registry.IsOnline(agentID) {
		return "", fmt.Errorf("%w: %s", ErrAgentOffline, agentID)
	}

	cmd := &Command{
		ID:       d.newID(),
		AgentID:  agentID,
		Type:     ct,
		Params:   params,
		IssuedBy: issuedBy,
		IssuedAt: d.now(),
		Status:   StatusPending,
	}

	d.mu.Lock()
	d.commands[cmd.ID] = cmd
	d.mu.Unlock()

	d.persist(ctx, cmd, true)

	if err := d.transmit(sess, cmd); err != nil {
		d.logger.Error("command transmit failed",
			"command_id", cmd.ID, "agent_id", agentID, "error", err)
		d.finalize(cmd.ID, StatusError, nil, fmt.Sprintf("transmit failed: %v", err))
		return cmd.ID, nil
	}

	d.setStatus(cmd.ID, StatusSent)
	if d.metrics != nil {
		d.metrics.CommandDispatched(string(ct))
	}
	d.logger.Info("command dispatched",
		"command_id", cmd.ID, "agent_id", agentID, "type", ct, "issued_by", issuedBy)
	return cmd.ID, nil
}

// transmit encrypts the command payload and writes it to the session.
func (d *Dispatcher) transmit(sess *session.Session, cmd *Command) error {
	plain, err := json.Marshal(protocol.CommandPayload{
		ID:     cmd.ID,
		Type:   cmd.Type,
		Params: cmd.Params,
	})
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}
	env, err := d.codec.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting command: %w", err)
	}
	return sess.Send(protocol.EventCommand, env)
}

// RecordProgress appends a progress frame to its command's log and
// republishes it to observers. Frames for unknown command ids are
// silently dropped.
func (d *Dispatcher) RecordProgress(p protocol.ProgressPayload) {
	d.mu.Lock()
	cmd, ok := d.commands[p.CommandID]
	if !ok || cmd.Status.Terminal() {
		d.mu.Unlock()
		d.logger.Debug("progress for unknown or finished command", "command_id", p.CommandID)
		return
	}
	cmd.Progress = append(cmd.Progress, p)
	watchers := append([]chan Event(nil), d.watchers[p.CommandID]...)
	d.mu.Unlock()

	d.notify(watchers, Event{Kind: "progress", Data: p.Data, Timestamp: p.Timestamp})
}

// RecordResult finalizes a command as completed. A second terminal
// write for the same id is a no-op.
func (d *Dispatcher) RecordResult(p protocol.ResultPayload) {
	if d.finalize(p.CommandID, StatusCompleted, p.Data, "") {
		if d.metrics != nil {
			d.metrics.CommandFinished(true)
		}
		d.logger.Info("command completed", "command_id", p.CommandID, "agent_id", p.AgentID)
	}
}

// RecordError finalizes a command as failed. A second terminal write
// for the same id is a no-op.
func (d *Dispatcher) RecordError(p protocol.ErrorPayload) {
	if d.finalize(p.CommandID, StatusError, nil, p.Error) {
		if d.metrics != nil {
			d.metrics.CommandFinished(false)
		}
		d.logger.Warn("command failed", "command_id", p.CommandID, "agent_id", p.AgentID, "error", p.Error)
	}
}

// Get returns a snapshot of a command's current state.
func (d *Dispatcher) Get(id string) (Command, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cmd, ok := d.commands[id]
	if !ok {
		return Command{}, false
	}
	snap := *cmd
	snap.Progress = append([]protocol.ProgressPayload(nil), cmd.Progress...)
	return snap, true
}

// Watch subscribes to a command's events. The channel is closed after
// the terminal event. The returned cancel func unsubscribes early.
func (d *Dispatcher) Watch(id string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	d.mu.Lock()
	cmd, ok := d.commands[id]
	if ok && cmd.Status.Terminal() {
		d.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	d.watchers[id] = append(d.watchers[id], ch)
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		chans := d.watchers[id]
		for i, c := range chans {
			if c == ch {
				d.watchers[id] = append(chans[:i], chans[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

// setStatus advances a non-terminal command to the given status.
func (d *Dispatcher) setStatus(id string, status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cmd, ok := d.commands[id]; ok && !cmd.Status.Terminal() {
		cmd.Status = status
	}
}

// finalize writes the terminal state exactly once. Returns false when
// the command is unknown or already terminal.
func (d *Dispatcher) finalize(id string, status Status, result map[string]any, errMsg string) bool {
	d.mu.Lock()
	cmd, ok := d.commands[id]
	if !ok || cmd.Status.Terminal() {
		d.mu.Unlock()
		return false
	}
	cmd.Status = status
	cmd.Result = result
	cmd.Error = errMsg
	done := d.now()
	cmd.CompletedAt = &done
	watchers := d.watchers[id]
	delete(d.watchers, id)
	d.mu.Unlock()

	kind := "result"
	if status == StatusError {
		kind = "error"
	}
	d.notify(watchers, Event{Kind: kind, Data: result, Error: errMsg, Timestamp: protocol.Timestamp(done)})
	for _, ch := range watchers {
		close(ch)
	}

	d.persist(context.Background(), cmd, false)
	if d.history != nil {
		if err := d.history.AppendAudit(context.Background(), cmd.AgentID, cmd.ID, string(status), map[string]any{
			"type":      string(cmd.Type),
			"issued_by": cmd.IssuedBy,
			"error":     errMsg,
		}); err != nil {
			d.logger.Warn("audit append failed", "command_id", id, "error", err)
		}
	}
	return true
}

// notify delivers an event to each watcher without blocking; a full
// channel drops the event for that observer only.
func (d *Dispatcher) notify(watchers []chan Event, ev Event) {
	for _, ch := range watchers {
		select {
		case ch <- ev:
		default:
			d.logger.Warn("observer channel full, dropping event", "kind", ev.Kind)
		}
	}
}

// persist writes through to history, logging instead of failing on
// error: dispatch continues in memory.
func (d *Dispatcher) persist(ctx context.Context, cmd *Command, create bool) {
	if d.history == nil {
		return
	}
	var err error
	if create {
		err = d.history.SaveCommand(ctx, cmd)
	} else {
		err = d.history.UpdateCommand(ctx, cmd)
	}
	if err != nil {
		d.logger.Warn("command persistence failed", "command_id", cmd.ID, "error", err)
	}
}
