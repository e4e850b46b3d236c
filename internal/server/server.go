// ABOUTME: Websocket endpoint terminating agent connections.
// ABOUTME: Runs the auth handshake then routes frames to registry and dispatcher.

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodeward/nodeward/internal/cipher"
	"github.com/nodeward/nodeward/internal/dispatch"
	"github.com/nodeward/nodeward/internal/metrics"
	"github.com/nodeward/nodeward/internal/protocol"
	"github.com/nodeward/nodeward/internal/session"
)

// Server terminates agent websocket connections.
type Server struct {
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	codec      *cipher.Codec
	metrics    *metrics.Metrics
	logger     *slog.Logger

	authTimeout  time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

// New creates a Server. metrics may be nil.
func New(registry *session.Registry, dispatcher *dispatch.Dispatcher, codec *cipher.Codec, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		registry:     registry,
		dispatcher:   dispatcher,
		codec:        codec,
		metrics:      m,
		logger:       logger.With("component", "agent_server"),
		authTimeout:  10 * time.Second,
		pingInterval: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// HandleAgent upgrades one agent connection and serves it until the
// transport breaks. Mounted at /ws/agents.
func (s *Server) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sender := &wsSender{conn: conn}
	defer sender.Close()

	agentID, err := s.authenticate(conn, sender, r.RemoteAddr)
	if err != nil {
		s.logger.Warn("agent auth failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	stopPing := make(chan struct{})
	go s.pingLoop(sender, stopPing)
	s.serve(conn, agentID)
	close(stopPing)
	s.registry.TransportClosed(sender)
}

// pingLoop emits plaintext ping frames until the connection goes away;
// the agent answers each with a pong carrying its id.
func (s *Server) pingLoop(sender *wsSender, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sender.SendEnvelope(protocol.EventPing, map[string]any{
				"timestamp": protocol.Timestamp(time.Now()),
			}); err != nil {
				return
			}
		}
	}
}

// authenticate requires the first frame to be a valid encrypted auth
// within the auth timeout, then registers the session and acks in
// plaintext.
func (s *Server) authenticate(conn *websocket.Conn, sender *wsSender, remote string) (string, error) {
	conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("reading auth frame: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return "", err
	}
	if env.Event != protocol.EventAuth {
		return "", fmt.Errorf("expected auth frame, got %s", env.Event)
	}

	var auth protocol.AuthPayload
	if err := s.decryptInto(env, &auth); err != nil {
		return "", err
	}
	if auth.AgentID == "" {
		return "", fmt.Errorf("auth frame missing agent id")
	}

	s.registry.Auth(auth.AgentID, auth.Hostname, auth.Username, sender)
	if err := sender.SendEnvelope(protocol.EventAuthAck, protocol.AuthAckPayload{Status: "ok"}); err != nil {
		return "", fmt.Errorf("sending auth ack: %w", err)
	}

	s.logger.Info("agent connected",
		"agent_id", auth.AgentID, "hostname", auth.Hostname, "remote", remote)
	return auth.AgentID, nil
}

// serve routes post-auth frames until the read loop errors out.
func (s *Server) serve(conn *websocket.Conn, agentID string) {
	log := s.logger.With("agent_id", agentID)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Info("agent disconnected", "error", err)
			return
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.FrameReceived(env.Event)
		}

		switch env.Event {
		case protocol.EventHeartbeat:
			var hb protocol.HeartbeatPayload
			if err := s.decryptInto(env, &hb); err != nil {
				log.Warn("dropping heartbeat", "error", err)
				continue
			}
			if hb.AgentID != agentID {
				log.Warn("heartbeat agent id mismatch", "claimed", hb.AgentID)
				continue
			}
			s.registry.Heartbeat(agentID)

		case protocol.EventProgress:
			var p protocol.ProgressPayload
			if err := s.decryptInto(env, &p); err != nil {
				log.Warn("dropping progress frame", "error", err)
				continue
			}
			p.AgentID = agentID
			s.dispatcher.RecordProgress(p)

		case protocol.EventResult:
			var p protocol.ResultPayload
			if err := s.decryptInto(env, &p); err != nil {
				log.Warn("dropping result frame", "error", err)
				continue
			}
			p.AgentID = agentID
			s.dispatcher.RecordResult(p)

		case protocol.EventError:
			var p protocol.ErrorPayload
			if err := s.decryptInto(env, &p); err != nil {
				log.Warn("dropping error frame", "error", err)
				continue
			}
			p.AgentID = agentID
			s.dispatcher.RecordError(p)

		case protocol.EventLog:
			var p protocol.LogPayload
			if err := s.decryptInto(env, &p); err != nil {
				log.Warn("dropping log frame", "error", err)
				continue
			}
			log.Info("agent log", "level", p.Level, "message", p.Message)

		case protocol.EventPong:
			log.Debug("pong received")

		default:
			log.Debug("ignoring frame", "event", env.Event)
		}
	}
}

// decryptInto unwraps an encrypted envelope payload into v.
func (s *Server) decryptInto(env *protocol.Envelope, v any) error {
	ct, err := env.CipherText()
	if err != nil {
		return err
	}
	plain, err := s.codec.Decrypt(ct)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CryptoFailure()
		}
		return err
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("parsing %s payload: %w", env.Event, err)
	}
	return nil
}

// wsSender adapts a websocket connection to session.Sender. The mutex
// serializes writes from the dispatcher and the handshake.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) SendEnvelope(event string, data any) error {
	raw, err := protocol.EncodeEnvelope(event, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *wsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
