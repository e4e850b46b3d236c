// ABOUTME: Operator-facing HTTP API for agents, commands and history.
// ABOUTME: JWT-protected JSON endpoints plus SSE streaming of command events.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nodeward/nodeward/internal/auth"
	"github.com/nodeward/nodeward/internal/dispatch"
	"github.com/nodeward/nodeward/internal/protocol"
	"github.com/nodeward/nodeward/internal/session"
	"github.com/nodeward/nodeward/internal/store"
)

// SubmitCommandRequest is the JSON request body for POST /api/commands.
type SubmitCommandRequest struct {
	AgentID string         `json:"agent_id"`
	Type    string         `json:"type"`
	Params  map[string]any `json:"params,omitempty"`
}

// SubmitCommandResponse is the JSON response for POST /api/commands.
type SubmitCommandResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// ListAgentsResponse is the JSON response for GET /api/agents.
type ListAgentsResponse struct {
	Agents []session.Info `json:"agents"`
	Count  int            `json:"count"`
}

// API serves the operator endpoints. history may be nil, disabling the
// history routes.
type API struct {
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	history    *store.SQLiteStore
	verifier   auth.TokenVerifier
	logger     *slog.Logger
}

// New creates an API bound to its collaborators.
func New(registry *session.Registry, dispatcher *dispatch.Dispatcher, history *store.SQLiteStore, verifier auth.TokenVerifier, logger *slog.Logger) *API {
	return &API{
		registry:   registry,
		dispatcher: dispatcher,
		history:    history,
		verifier:   verifier,
		logger:     logger.With("component", "api"),
	}
}

// Routes mounts every endpoint on a new mux. /healthz is unprotected;
// everything under /api requires a bearer token.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /api/agents", a.requireAuth(a.handleListAgents))
	mux.HandleFunc("GET /api/agents/{id}", a.requireAuth(a.handleGetAgent))
	mux.HandleFunc("GET /api/agents/{id}/commands", a.requireAuth(a.handleAgentCommands))
	mux.HandleFunc("GET /api/agents/{id}/audit", a.requireAuth(a.handleAgentAudit))
	mux.HandleFunc("POST /api/commands", a.requireAuth(a.handleSubmitCommand))
	mux.HandleFunc("GET /api/commands/{id}", a.requireAuth(a.handleGetCommand))
	mux.HandleFunc("GET /api/commands/{id}/events", a.requireAuth(a.handleCommandEvents))
	return mux
}

// requireAuth wraps a handler with bearer-token verification and
// passes the verified operator subject through.
func (a *API) requireAuth(next func(w http.ResponseWriter, r *http.Request, operator string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			a.sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		operator, err := a.verifier.Verify(token)
		if err != nil {
			a.logger.Warn("token rejected", "error", err)
			a.sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, operator)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.sendJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": a.registry.Count(),
	})
}

func (a *API) handleListAgents(w http.ResponseWriter, _ *http.Request, _ string) {
	agents := a.registry.List()
	a.sendJSON(w, http.StatusOK, ListAgentsResponse{Agents: agents, Count: len(agents)})
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request, _ string) {
	id := r.PathValue("id")
	for _, info := range a.registry.List() {
		if info.AgentID == id {
			a.sendJSON(w, http.StatusOK, info)
			return
		}
	}
	a.sendJSONError(w, http.StatusNotFound, "agent not found")
}

func (a *API) handleAgentCommands(w http.ResponseWriter, r *http.Request, _ string) {
	if a.history == nil {
		a.sendJSONError(w, http.StatusNotImplemented, "history is disabled")
		return
	}
	records, err := a.history.ListCommands(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		a.logger.Error("listing command history failed", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"commands": records})
}

func (a *API) handleAgentAudit(w http.ResponseWriter, r *http.Request, _ string) {
	if a.history == nil {
		a.sendJSONError(w, http.StatusNotImplemented, "history is disabled")
		return
	}
	entries, err := a.history.ListAudit(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		a.logger.Error("listing audit trail failed", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"audit": entries})
}

func (a *API) handleSubmitCommand(w http.ResponseWriter, r *http.Request, operator string) {
	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.Type == "" {
		a.sendJSONError(w, http.StatusBadRequest, "agent_id and type are required")
		return
	}

	id, err := a.dispatcher.Submit(r.Context(), req.AgentID, req.Type, req.Params, operator)
	switch {
	case errors.Is(err, protocol.ErrUnknownCommand), errors.Is(err, protocol.ErrConfirmRequired):
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatch.ErrAgentNotFound):
		a.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, dispatch.ErrAgentOffline):
		a.sendJSONError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		a.logger.Error("command submit failed", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "submit failed")
		return
	}

	cmd, _ := a.dispatcher.Get(id)
	a.sendJSON(w, http.StatusAccepted, SubmitCommandResponse{CommandID: id, Status: string(cmd.Status)})
}

func (a *API) handleGetCommand(w http.ResponseWriter, r *http.Request, _ string) {
	cmd, ok := a.dispatcher.Get(r.PathValue("id"))
	if !ok {
		a.sendJSONError(w, http.StatusNotFound, "command not found")
		return
	}
	a.sendJSON(w, http.StatusOK, cmd)
}

// handleCommandEvents streams a command's progress and terminal event
// over SSE. The stream opens with the command's current snapshot and
// closes after the terminal event, or immediately when the command is
// already finished.
func (a *API) handleCommandEvents(w http.ResponseWriter, r *http.Request, _ string) {
	id := r.PathValue("id")
	cmd, ok := a.dispatcher.Get(id)
	if !ok {
		a.sendJSONError(w, http.StatusNotFound, "command not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := a.dispatcher.Watch(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	a.writeSSEEvent(w, "snapshot", cmd)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Channel closed on the terminal event (or the command
				// was terminal before we subscribed).
				return
			}
			a.writeSSEEvent(w, ev.Kind, ev)
			flusher.Flush()
		}
	}
}

func (a *API) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		a.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (a *API) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (a *API) sendJSONError(w http.ResponseWriter, status int, message string) {
	a.sendJSON(w, status, map[string]string{"error": message})
}

func queryLimit(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}
