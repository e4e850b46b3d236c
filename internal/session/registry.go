// ABOUTME: Tracks one live session per agent id on the service side.
// ABOUTME: Liveness is derived from the online flag plus heartbeat age.

package session

import (
	"log/slog"
	"sync"
	"time"
)

// Sender is the transport half of a session. The websocket layer
// implements it; tests substitute fakes.
type Sender interface {
	// SendEnvelope writes one wire frame. Safe for concurrent use.
	SendEnvelope(event string, data any) error
	Close() error
}

// Session is one live logical connection between an agent and the
// service. A new auth for the same agent id replaces the prior session.
type Session struct {
	AgentID       string
	Hostname      string
	Username      string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Online        bool

	sender Sender
}

// Send writes a frame to the agent behind this session.
func (s *Session) Send(event string, data any) error {
	return s.sender.SendEnvelope(event, data)
}

// Registry owns all sessions. All access is serialized through its
// lock; callers receive snapshots, never shared mutable state.
type Registry struct {
	mu               sync.RWMutex
	sessions         map[string]*Session
	heartbeatTimeout time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// NewRegistry creates a registry with the given heartbeat timeout.
func NewRegistry(heartbeatTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:         make(map[string]*Session),
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
		now:              time.Now,
	}
}

// Auth upserts the session for an agent id, replacing and closing any
// prior transport for that id. Returns the new session.
func (r *Registry) Auth(agentID, hostname, username string, sender Sender) *Session {
	r.mu.Lock()

	var replaced Sender
	if prev, ok := r.sessions[agentID]; ok && prev.sender != sender {
		replaced = prev.sender
	}

	now := r.now()
	sess := &Session{
		AgentID:       agentID,
		Hostname:      hostname,
		Username:      username,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Online:        true,
		sender:        sender,
	}
	r.sessions[agentID] = sess
	total := len(r.sessions)
	r.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}

	r.logger.Info("agent authenticated",
		"agent_id", agentID,
		"hostname", hostname,
		"replaced", replaced != nil,
		"total_agents", total,
	)
	return sess
}

// Heartbeat refreshes the liveness stamp for an agent. Unknown ids are
// ignored; a heartbeat also forces the session back online.
func (r *Registry) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[agentID]; ok {
		sess.LastHeartbeat = r.now()
		sess.Online = true
	}
}

// TransportClosed marks whichever session owns the given sender as
// offline. The session record is kept for status queries.
func (r *Registry) TransportClosed(sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		if sess.sender == sender {
			sess.Online = false
			r.logger.Info("agent disconnected", "agent_id", sess.AgentID)
			return
		}
	}
}

// Get returns the session for an agent id.
func (r *Registry) Get(agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[agentID]
	return sess, ok
}

// IsOnline reports derived liveness: the session must be marked online
// AND its last heartbeat must be younger than the timeout. This catches
// transports that died without signaling.
func (r *Registry) IsOnline(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[agentID]
	if !ok {
		return false
	}
	return sess.Online && r.now().Sub(sess.LastHeartbeat) < r.heartbeatTimeout
}

// Info is a point-in-time view of a session for status surfaces.
type Info struct {
	AgentID       string    `json:"agent_id"`
	Hostname      string    `json:"hostname,omitempty"`
	Username      string    `json:"username,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
}

// List returns a snapshot of every known session.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]Info, 0, len(r.sessions))
	for _, sess := range r.sessions {
		status := "offline"
		if sess.Online && now.Sub(sess.LastHeartbeat) < r.heartbeatTimeout {
			status = "online"
		}
		out = append(out, Info{
			AgentID:       sess.AgentID,
			Hostname:      sess.Hostname,
			Username:      sess.Username,
			ConnectedAt:   sess.ConnectedAt,
			LastHeartbeat: sess.LastHeartbeat,
			Status:        status,
		})
	}
	return out
}

// Count returns how many sessions are currently live.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for id := range r.sessions {
		sess := r.sessions[id]
		if sess.Online && r.now().Sub(sess.LastHeartbeat) < r.heartbeatTimeout {
			n++
		}
	}
	return n
}
