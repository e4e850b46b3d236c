// ABOUTME: Adapts decoded commands to collaborator operations.
// ABOUTME: Handlers stream progress and produce one JSON-serializable result.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nodeward/nodeward/internal/protocol"
)

// ErrUnsupportedCommand indicates no handler is registered for a
// command type that reached the agent.
var ErrUnsupportedCommand = errors.New("unsupported command")

// Executor runs one command. Implementations may call progress any
// number of times before returning; a returned error becomes the
// command's terminal error frame.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.CommandPayload, progress func(map[string]any)) (map[string]any, error)
}

// HandlerFunc is one collaborator operation behind the executor.
type HandlerFunc func(ctx context.Context, params map[string]any, progress func(map[string]any)) (map[string]any, error)

// CommandExecutor routes commands to registered handlers. It also
// serves the autonomous manager, so it accepts action types beyond the
// dispatch allow-list (block_connection, fix_security, ...).
type CommandExecutor struct {
	mu       sync.RWMutex
	handlers map[protocol.CommandType]HandlerFunc
	logger   *slog.Logger

	// stepDelay paces simulated multi-step operations; tests set zero.
	stepDelay time.Duration
}

// NewCommandExecutor creates an executor with the builtin diagnostic
// handlers registered.
func NewCommandExecutor(logger *slog.Logger) *CommandExecutor {
	e := &CommandExecutor{
		handlers:  make(map[protocol.CommandType]HandlerFunc),
		logger:    logger,
		stepDelay: 250 * time.Millisecond,
	}
	e.registerBuiltins()
	return e
}

// Register installs (or replaces) the handler for a command type.
func (e *CommandExecutor) Register(ct protocol.CommandType, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[ct] = h
}

// Execute looks up and runs the handler for cmd.Type.
func (e *CommandExecutor) Execute(ctx context.Context, cmd protocol.CommandPayload, progress func(map[string]any)) (map[string]any, error) {
	e.mu.RLock()
	handler, ok := e.handlers[cmd.Type]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Type)
	}

	e.logger.Info("executing command", "command_id", cmd.ID, "type", cmd.Type)
	start := time.Now()
	result, err := handler(ctx, cmd.Params, progress)
	if err != nil {
		e.logger.Warn("command failed",
			"command_id", cmd.ID, "type", cmd.Type, "duration", time.Since(start), "error", err)
		return nil, err
	}
	e.logger.Info("command finished",
		"command_id", cmd.ID, "type", cmd.Type, "duration", time.Since(start))
	return result, nil
}
