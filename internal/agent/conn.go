// ABOUTME: Connection manager owning the websocket link to the service.
// ABOUTME: Drives auth, heartbeats, command handling, reconnect and the autonomous cycle.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/nodeward/nodeward/internal/autonomous"
	"github.com/nodeward/nodeward/internal/cipher"
	"github.com/nodeward/nodeward/internal/protocol"
)

// ErrAuthRejected indicates the service did not acknowledge our auth frame.
var ErrAuthRejected = errors.New("authentication rejected")

// Options configure a ConnectionManager. Codec, Executor, Autonomous
// and Logger are required; zero durations fall back to defaults.
type Options struct {
	ServerURL string
	AgentID   string
	Hostname  string
	Username  string

	Codec      *cipher.Codec
	Executor   Executor
	Autonomous *autonomous.Manager
	Logger     *slog.Logger

	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration

	// FailureStreak and CheckCooldown gate the offline diagnostic
	// cycle: both must be satisfied before one runs.
	FailureStreak int
	CheckCooldown time.Duration

	// Scan produces the health scan the autonomous cycle analyzes.
	// Defaults to DiagnosticScan.
	Scan func(ctx context.Context) autonomous.ScanResult

	Thresholds autonomous.Thresholds
}

// ConnectionManager maintains the agent's link to the service: it
// authenticates, heartbeats, executes inbound commands, reconnects
// with backoff, and hands control to the autonomous manager when the
// service stays unreachable.
type ConnectionManager struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	// writeMu serializes websocket writes; gorilla allows one
	// concurrent writer.
	writeMu sync.Mutex

	failureStreak int
	lastCheck     time.Time

	now func() time.Time
}

// NewConnectionManager validates opts and builds a manager.
func NewConnectionManager(opts Options) (*ConnectionManager, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if opts.Codec == nil || opts.Executor == nil || opts.Autonomous == nil {
		return nil, errors.New("codec, executor and autonomous manager are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.FailureStreak <= 0 {
		opts.FailureStreak = 10
	}
	if opts.CheckCooldown <= 0 {
		opts.CheckCooldown = 5 * time.Minute
	}
	if opts.Scan == nil {
		opts.Scan = DiagnosticScan
	}
	if opts.Thresholds == (autonomous.Thresholds{}) {
		opts.Thresholds = autonomous.DefaultThresholds
	}
	return &ConnectionManager{
		opts:   opts,
		logger: opts.Logger.With("component", "connection"),
		now:    time.Now,
	}, nil
}

// Run connects and serves until ctx is cancelled. Every failed attempt
// backs off on the autonomous manager's schedule; repeated failures
// hand the host to the autonomous diagnostic cycle between attempts.
func (m *ConnectionManager) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		served, err := m.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if served {
			m.logger.Warn("connection lost", "error", err)
			m.opts.Autonomous.ConnectionLost()
		} else {
			m.logger.Warn("connection attempt failed", "error", err)
			m.failureStreak++
			m.maybeRunAutonomous(ctx)
		}

		m.opts.Autonomous.Reconnecting()
		// Read the interval before recording the failure so the first
		// retry waits the base interval.
		interval := m.opts.Autonomous.RetryInterval()
		if !served {
			m.opts.Autonomous.RecordRetryFailure()
		}
		m.logger.Info("reconnecting", "in", interval, "failures", m.failureStreak)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// runOnce dials, authenticates and serves one connection to completion.
// served reports whether the handshake succeeded before the error.
func (m *ConnectionManager) runOnce(ctx context.Context) (served bool, err error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return false, err
	}
	defer m.closeConn()

	// ReadMessage only returns once the conn closes, so cancellation
	// must close it to unblock the read loop.
	stop := context.AfterFunc(ctx, m.closeConn)
	defer stop()

	m.failureStreak = 0
	m.opts.Autonomous.ConnectionRestored(m.sendSyncItem)
	m.logger.Info("connected", "server", m.opts.ServerURL)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go m.heartbeatLoop(hbCtx)

	return true, m.readLoop(ctx, conn)
}

// connect dials the service and completes the auth handshake.
func (m *ConnectionManager) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.opts.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, m.opts.ServerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", m.opts.ServerURL, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	auth := protocol.AuthPayload{
		AgentID:   m.opts.AgentID,
		Hostname:  m.opts.Hostname,
		Username:  m.opts.Username,
		Timestamp: protocol.Timestamp(m.now()),
	}
	if err := m.sendEncrypted(protocol.EventAuth, auth); err != nil {
		m.closeConn()
		return nil, fmt.Errorf("sending auth: %w", err)
	}

	conn.SetReadDeadline(m.now().Add(m.opts.ConnectTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		m.closeConn()
		return nil, fmt.Errorf("waiting for auth ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil || env.Event != protocol.EventAuthAck {
		m.closeConn()
		return nil, ErrAuthRejected
	}
	return conn, nil
}

// maybeRunAutonomous runs one offline diagnostic cycle when the
// failure streak and cooldown gates are both open.
func (m *ConnectionManager) maybeRunAutonomous(ctx context.Context) {
	if m.failureStreak < m.opts.FailureStreak {
		return
	}
	if !m.lastCheck.IsZero() && m.now().Sub(m.lastCheck) < m.opts.CheckCooldown {
		return
	}
	m.lastCheck = m.now()

	m.logger.Info("running autonomous diagnostic cycle", "failures", m.failureStreak)
	scan := m.opts.Scan(ctx)
	recs := autonomous.Analyze(scan, m.opts.Thresholds)

	queued := 0
	for _, rec := range recs {
		if rec.Priority > autonomous.PriorityHigh {
			continue
		}
		m.opts.Autonomous.QueueAction(rec.Action, rec.Params, rec.Priority)
		queued++
	}
	m.opts.Autonomous.QueueForSync("health_scan", map[string]any{
		"score":     scan.Score,
		"threats":   len(scan.ThreatsFound),
		"issues":    len(scan.IssuesFound),
		"timestamp": protocol.Timestamp(m.now()),
	})
	if queued == 0 {
		return
	}

	summary, err := m.opts.Autonomous.ExecuteActions(ctx, m.opts.Executor)
	if err != nil {
		m.logger.Warn("autonomous execution skipped", "error", err)
		return
	}
	m.logger.Info("autonomous cycle finished",
		"executed", summary.ExecutedCount, "failed", summary.FailedCount)
}

// readLoop handles inbound frames until the connection breaks.
func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			m.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch env.Event {
		case protocol.EventCommand:
			// Commands run off the read loop so a slow operation does
			// not stall later frames.
			go m.handleCommand(ctx, env)
		case protocol.EventPing:
			if err := m.sendPlain(protocol.EventPong, protocol.PongPayload{AgentID: m.opts.AgentID}); err != nil {
				m.logger.Warn("pong failed", "error", err)
			}
		default:
			m.logger.Debug("ignoring frame", "event", env.Event)
		}
	}
}

// handleCommand decrypts and executes one command, emitting progress
// frames while it runs and exactly one terminal frame when it ends.
func (m *ConnectionManager) handleCommand(ctx context.Context, env *protocol.Envelope) {
	ct, err := env.CipherText()
	if err != nil {
		m.logger.Warn("dropping command frame", "error", err)
		return
	}
	plain, err := m.opts.Codec.Decrypt(ct)
	if err != nil {
		m.logger.Warn("dropping undecryptable command", "error", err)
		return
	}
	var cmd protocol.CommandPayload
	if err := json.Unmarshal(plain, &cmd); err != nil || cmd.ID == "" {
		m.logger.Warn("dropping malformed command payload", "error", err)
		return
	}

	// terminal flips once; progress after the terminal frame is dropped
	// so no frame for this id ever follows it.
	var terminal atomic.Bool
	progress := func(data map[string]any) {
		if terminal.Load() {
			return
		}
		payload := protocol.ProgressPayload{
			CommandID: cmd.ID,
			AgentID:   m.opts.AgentID,
			Type:      "progress",
			Data:      data,
			Timestamp: protocol.Timestamp(m.now()),
		}
		if err := m.sendEncrypted(protocol.EventProgress, payload); err != nil {
			m.logger.Warn("progress frame failed", "command_id", cmd.ID, "error", err)
		}
	}

	result, err := m.execute(ctx, cmd, progress)
	terminal.Store(true)

	if err != nil {
		payload := protocol.ErrorPayload{
			CommandID: cmd.ID,
			AgentID:   m.opts.AgentID,
			Type:      "error",
			Success:   false,
			Error:     err.Error(),
			Timestamp: protocol.Timestamp(m.now()),
		}
		if err := m.sendEncrypted(protocol.EventError, payload); err != nil {
			m.logger.Warn("error frame failed", "command_id", cmd.ID, "error", err)
		}
		return
	}
	payload := protocol.ResultPayload{
		CommandID: cmd.ID,
		AgentID:   m.opts.AgentID,
		Type:      "result",
		Success:   true,
		Data:      result,
		Timestamp: protocol.Timestamp(m.now()),
	}
	if err := m.sendEncrypted(protocol.EventResult, payload); err != nil {
		m.logger.Warn("result frame failed", "command_id", cmd.ID, "error", err)
	}
}

// execute runs the executor, converting a handler panic into the error
// that becomes the command's terminal frame. Handlers are pluggable;
// one panicking must not take the agent down.
func (m *ConnectionManager) execute(ctx context.Context, cmd protocol.CommandPayload, progress func(map[string]any)) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("command handler panicked", "command_id", cmd.ID, "type", cmd.Type, "panic", r)
			result = nil
			err = fmt.Errorf("command handler panicked: %v", r)
		}
	}()
	return m.opts.Executor.Execute(ctx, cmd, progress)
}

// heartbeatLoop sends heartbeats on the configured interval until ctx
// is cancelled.
func (m *ConnectionManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := protocol.HeartbeatPayload{
				AgentID:   m.opts.AgentID,
				Timestamp: protocol.Timestamp(m.now()),
				Uptime:    hostUptime(ctx),
			}
			if err := m.sendEncrypted(protocol.EventHeartbeat, payload); err != nil {
				m.logger.Warn("heartbeat failed", "error", err)
				return
			}
		}
	}
}

// SendLog forwards one log record to the service. Best effort; errors
// are reported but the connection is left to the read loop.
func (m *ConnectionManager) SendLog(level, message string) error {
	return m.sendEncrypted(protocol.EventLog, protocol.LogPayload{
		AgentID:   m.opts.AgentID,
		Level:     level,
		Message:   message,
		Timestamp: protocol.Timestamp(m.now()),
	})
}

// sendSyncItem flushes one queued offline item as a log frame.
func (m *ConnectionManager) sendSyncItem(itemType string, data map[string]any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling sync item: %w", err)
	}
	return m.SendLog("info", fmt.Sprintf("offline sync %s: %s", itemType, body))
}

func (m *ConnectionManager) sendEncrypted(event string, payload any) error {
	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", event, err)
	}
	ct, err := m.opts.Codec.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting %s payload: %w", event, err)
	}
	return m.writeEnvelope(event, ct)
}

func (m *ConnectionManager) sendPlain(event string, payload any) error {
	return m.writeEnvelope(event, payload)
}

func (m *ConnectionManager) writeEnvelope(event string, data any) error {
	raw, err := protocol.EncodeEnvelope(event, data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (m *ConnectionManager) closeConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// hostUptime reports seconds since boot, zero when unavailable.
func hostUptime(ctx context.Context) float64 {
	boot, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return 0
	}
	return time.Since(time.Unix(int64(boot), 0)).Seconds()
}
