// ABOUTME: Tests for the connection manager against a fake websocket service.
// ABOUTME: Covers the auth handshake, command round trips and the autonomous gate.

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeward/nodeward/internal/autonomous"
	"github.com/nodeward/nodeward/internal/cipher"
	"github.com/nodeward/nodeward/internal/protocol"
)

type executorFunc func(ctx context.Context, cmd protocol.CommandPayload, progress func(map[string]any)) (map[string]any, error)

func (f executorFunc) Execute(ctx context.Context, cmd protocol.CommandPayload, progress func(map[string]any)) (map[string]any, error) {
	return f(ctx, cmd, progress)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeService accepts one agent connection and hands it to serve.
func fakeService(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readEncrypted(t *testing.T, conn *websocket.Conn, codec *cipher.Codec, v any) string {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(raw)
	require.NoError(t, err)
	ct, err := env.CipherText()
	require.NoError(t, err)
	plain, err := codec.Decrypt(ct)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(plain, v))
	return env.Event
}

func writeAck(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	raw, err := protocol.EncodeEnvelope(protocol.EventAuthAck, protocol.AuthAckPayload{Status: "ok"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func writeEncrypted(t *testing.T, conn *websocket.Conn, codec *cipher.Codec, event string, payload any) {
	t.Helper()
	plain, err := json.Marshal(payload)
	require.NoError(t, err)
	ct, err := codec.Encrypt(plain)
	require.NoError(t, err)
	raw, err := protocol.EncodeEnvelope(event, ct)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func newTestManager(t *testing.T, url string, exec Executor) (*ConnectionManager, *autonomous.Manager) {
	t.Helper()
	codec := cipher.New("unit-test-key")
	am, err := autonomous.NewManager(t.TempDir(), 10*time.Millisecond, 50*time.Millisecond, quietLogger())
	require.NoError(t, err)
	m, err := NewConnectionManager(Options{
		ServerURL:         url,
		AgentID:           "agent_unit0001",
		Hostname:          "unit-host",
		Username:          "unit-user",
		Codec:             codec,
		Executor:          exec,
		Autonomous:        am,
		Logger:            quietLogger(),
		HeartbeatInterval: time.Hour, // keep heartbeats out of frame assertions
		ConnectTimeout:    2 * time.Second,
	})
	require.NoError(t, err)
	return m, am
}

func TestNewConnectionManagerValidation(t *testing.T) {
	_, err := NewConnectionManager(Options{})
	require.Error(t, err)

	_, err = NewConnectionManager(Options{ServerURL: "ws://localhost:1"})
	require.Error(t, err)
}

func TestAuthHandshakeAndCommandRoundTrip(t *testing.T) {
	codec := cipher.New("unit-test-key")
	type frame struct {
		event   string
		payload map[string]any
	}
	frames := make(chan frame, 16)

	srv := fakeService(t, func(conn *websocket.Conn) {
		var auth protocol.AuthPayload
		event := readEncrypted(t, conn, codec, &auth)
		assert.Equal(t, protocol.EventAuth, event)
		assert.Equal(t, "agent_unit0001", auth.AgentID)
		assert.Equal(t, "unit-host", auth.Hostname)
		writeAck(t, conn)

		writeEncrypted(t, conn, codec, protocol.EventCommand, protocol.CommandPayload{
			ID:   "cmd_abc123",
			Type: "unit_echo",
			Params: map[string]any{
				"value": "hello",
			},
		})

		// Progress then terminal result.
		for i := 0; i < 2; i++ {
			var payload map[string]any
			event := readEncrypted(t, conn, codec, &payload)
			frames <- frame{event: event, payload: payload}
		}
	})

	exec := executorFunc(func(_ context.Context, cmd protocol.CommandPayload, progress func(map[string]any)) (map[string]any, error) {
		progress(map[string]any{"message": "working"})
		return map[string]any{"echo": cmd.Params["value"]}, nil
	})
	m, _ := newTestManager(t, wsURL(srv), exec)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.runOnce(ctx)
	}()

	first := <-frames
	assert.Equal(t, protocol.EventProgress, first.event)
	assert.Equal(t, "cmd_abc123", first.payload["command_id"])
	assert.Equal(t, "working", first.payload["data"].(map[string]any)["message"])

	second := <-frames
	assert.Equal(t, protocol.EventResult, second.event)
	assert.Equal(t, "cmd_abc123", second.payload["command_id"])
	assert.Equal(t, true, second.payload["success"])
	assert.Equal(t, "hello", second.payload["data"].(map[string]any)["echo"])
}

func TestCommandFailureSendsErrorFrame(t *testing.T) {
	codec := cipher.New("unit-test-key")
	frames := make(chan map[string]any, 4)
	events := make(chan string, 4)

	srv := fakeService(t, func(conn *websocket.Conn) {
		var auth protocol.AuthPayload
		readEncrypted(t, conn, codec, &auth)
		writeAck(t, conn)

		writeEncrypted(t, conn, codec, protocol.EventCommand, protocol.CommandPayload{
			ID: "cmd_fail", Type: "unit_echo",
		})

		var payload map[string]any
		event := readEncrypted(t, conn, codec, &payload)
		events <- event
		frames <- payload
	})

	exec := executorFunc(func(_ context.Context, _ protocol.CommandPayload, _ func(map[string]any)) (map[string]any, error) {
		return nil, assert.AnError
	})
	m, _ := newTestManager(t, wsURL(srv), exec)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.runOnce(ctx)
	}()

	assert.Equal(t, protocol.EventError, <-events)
	payload := <-frames
	assert.Equal(t, "cmd_fail", payload["command_id"])
	assert.Equal(t, false, payload["success"])
	assert.Contains(t, payload["error"], assert.AnError.Error())
}

func TestPingAnsweredWithPong(t *testing.T) {
	codec := cipher.New("unit-test-key")
	pong := make(chan protocol.PongPayload, 1)

	srv := fakeService(t, func(conn *websocket.Conn) {
		var auth protocol.AuthPayload
		readEncrypted(t, conn, codec, &auth)
		writeAck(t, conn)

		raw, err := protocol.EncodeEnvelope(protocol.EventPing, map[string]any{})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

		_, resp, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.DecodeEnvelope(resp)
		require.NoError(t, err)
		assert.Equal(t, protocol.EventPong, env.Event)
		var p protocol.PongPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		pong <- p
	})

	exec := executorFunc(func(_ context.Context, _ protocol.CommandPayload, _ func(map[string]any)) (map[string]any, error) {
		return nil, nil
	})
	m, _ := newTestManager(t, wsURL(srv), exec)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.runOnce(ctx)
	}()

	select {
	case p := <-pong:
		assert.Equal(t, "agent_unit0001", p.AgentID)
	case <-time.After(3 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestConnectFailsWithoutAck(t *testing.T) {
	srv := fakeService(t, func(conn *websocket.Conn) {
		// Read auth, then answer with garbage instead of auth_ack.
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","data":"nope"}`))
	})

	exec := executorFunc(func(_ context.Context, _ protocol.CommandPayload, _ func(map[string]any)) (map[string]any, error) {
		return nil, nil
	})
	m, _ := newTestManager(t, wsURL(srv), exec)

	_, err := m.connect(context.Background())
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestRunStopsOnContextCancelWhileConnected(t *testing.T) {
	codec := cipher.New("unit-test-key")
	connected := make(chan struct{})

	srv := fakeService(t, func(conn *websocket.Conn) {
		var auth protocol.AuthPayload
		readEncrypted(t, conn, codec, &auth)
		writeAck(t, conn)
		close(connected)
		// Hold the connection open until the agent tears it down.
		conn.ReadMessage()
	})

	exec := executorFunc(func(_ context.Context, _ protocol.CommandPayload, _ func(map[string]any)) (map[string]any, error) {
		return nil, nil
	})
	m, _ := newTestManager(t, wsURL(srv), exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("agent never connected")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestPanickingHandlerSendsErrorFrame(t *testing.T) {
	codec := cipher.New("unit-test-key")
	frames := make(chan map[string]any, 1)
	events := make(chan string, 1)

	srv := fakeService(t, func(conn *websocket.Conn) {
		var auth protocol.AuthPayload
		readEncrypted(t, conn, codec, &auth)
		writeAck(t, conn)

		writeEncrypted(t, conn, codec, protocol.EventCommand, protocol.CommandPayload{
			ID: "cmd_boom", Type: "unit_echo",
		})

		var payload map[string]any
		event := readEncrypted(t, conn, codec, &payload)
		events <- event
		frames <- payload
	})

	exec := executorFunc(func(_ context.Context, _ protocol.CommandPayload, _ func(map[string]any)) (map[string]any, error) {
		panic("handler exploded")
	})
	m, _ := newTestManager(t, wsURL(srv), exec)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.runOnce(ctx)
	}()

	select {
	case event := <-events:
		assert.Equal(t, protocol.EventError, event)
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal frame received")
	}
	payload := <-frames
	assert.Equal(t, "cmd_boom", payload["command_id"])
	assert.Equal(t, false, payload["success"])
	assert.Contains(t, payload["error"], "panicked")
}

func TestAutonomousGateNeedsStreakAndCooldown(t *testing.T) {
	var scans int
	exec := executorFunc(func(_ context.Context, _ protocol.CommandPayload, _ func(map[string]any)) (map[string]any, error) {
		return map[string]any{}, nil
	})
	m, am := newTestManager(t, "ws://localhost:1", exec)
	m.opts.FailureStreak = 3
	m.opts.CheckCooldown = time.Hour
	m.opts.Scan = func(context.Context) autonomous.ScanResult {
		scans++
		return autonomous.ScanResult{Score: 20}
	}

	ctx := context.Background()

	m.failureStreak = 2
	m.maybeRunAutonomous(ctx)
	assert.Equal(t, 0, scans, "below the streak no cycle runs")

	m.failureStreak = 3
	m.maybeRunAutonomous(ctx)
	assert.Equal(t, 1, scans)

	m.maybeRunAutonomous(ctx)
	assert.Equal(t, 1, scans, "cooldown suppresses back-to-back cycles")

	// Score 20 is critically low: full_repair executed, scan queued for sync.
	assert.Equal(t, 0, len(am.PendingActions()), "completed actions are pruned")
	assert.GreaterOrEqual(t, am.PendingSyncCount(), 1)
}
