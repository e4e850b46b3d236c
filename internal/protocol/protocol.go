// ABOUTME: Wire protocol types shared by the server and the agent.
// ABOUTME: Defines envelope framing, frame payloads, and the closed command set.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event names carried in the envelope. Every frame on the wire is one of
// these; auth_ack, ping and pong travel as plaintext, everything else is
// an encrypted string payload.
const (
	EventAuth      = "auth"
	EventAuthAck   = "auth_ack"
	EventHeartbeat = "heartbeat"
	EventCommand   = "command"
	EventProgress  = "progress"
	EventResult    = "result"
	EventError     = "error"
	EventLog       = "log"
	EventPing      = "ping"
	EventPong      = "pong"
)

// ErrUnknownCommand indicates a command type outside the allow-list.
var ErrUnknownCommand = errors.New("unknown command type")

// ErrConfirmRequired indicates a self_destruct command without
// params.confirm == true.
var ErrConfirmRequired = errors.New("self_destruct requires confirm=true")

// Envelope is the outer JSON frame on the websocket. For encrypted
// events Data holds a JSON string containing base64(IV||ciphertext);
// for plaintext events it holds the payload object directly.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope marshals an envelope to its wire bytes.
func EncodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// DecodeEnvelope parses wire bytes into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if env.Event == "" {
		return nil, errors.New("envelope missing event")
	}
	return &env, nil
}

// CipherText extracts the encrypted string payload of an envelope.
func (e *Envelope) CipherText() (string, error) {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", fmt.Errorf("%s payload is not an encrypted string: %w", e.Event, err)
	}
	return s, nil
}

// AuthPayload is sent by the agent immediately after the transport opens.
type AuthPayload struct {
	AgentID   string `json:"agent_id"`
	Hostname  string `json:"hostname"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// AuthAckPayload acknowledges a successful auth. Plaintext.
type AuthAckPayload struct {
	Status string `json:"status"`
}

// HeartbeatPayload is emitted by the agent on a fixed interval.
type HeartbeatPayload struct {
	AgentID   string  `json:"agent_id"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

// CommandPayload is dispatched from the service to an agent.
type CommandPayload struct {
	ID     string         `json:"id"`
	Type   CommandType    `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ProgressPayload streams incremental output for a running command.
type ProgressPayload struct {
	CommandID string         `json:"command_id"`
	AgentID   string         `json:"agent_id"`
	Type      string         `json:"type"` // always "progress"
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// ResultPayload is the successful terminal frame for a command.
type ResultPayload struct {
	CommandID string         `json:"command_id"`
	AgentID   string         `json:"agent_id"`
	Type      string         `json:"type"` // always "result"
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// ErrorPayload is the failed terminal frame for a command.
type ErrorPayload struct {
	CommandID string `json:"command_id"`
	AgentID   string `json:"agent_id"`
	Type      string `json:"type"` // always "error"
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// LogPayload forwards an agent-side log record to the service.
type LogPayload struct {
	AgentID   string `json:"agent_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// PongPayload answers a server ping.
type PongPayload struct {
	AgentID string `json:"agent_id"`
}

// Timestamp formats t the way every frame carries time on the wire.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// CommandType is the closed set of operations an agent can be asked to
// run. Values outside the set are rejected at construction time, before
// a command record exists.
type CommandType string

const (
	CmdHealthCheck        CommandType = "health_check"
	CmdDeepClean          CommandType = "deep_clean"
	CmdSysFix             CommandType = "sys_fix"
	CmdFullOptimize       CommandType = "full_optimize"
	CmdSelfDestruct       CommandType = "self_destruct"
	CmdViewProcesses      CommandType = "view_processes"
	CmdAnalyzeDisk        CommandType = "analyze_disk"
	CmdForceDelete        CommandType = "force_delete"
	CmdCleanRegistry      CommandType = "clean_registry"
	CmdSpeedUpBoot        CommandType = "speed_up_boot"
	CmdNetworkReset       CommandType = "network_reset"
	CmdGenerateReport     CommandType = "generate_report"
	CmdListPrograms       CommandType = "list_programs"
	CmdForceUninstall     CommandType = "force_uninstall"
	CmdKillProcess        CommandType = "kill_process"
	CmdBrowseFiles        CommandType = "browse_files"
	CmdViewDownloads      CommandType = "view_downloads"
	CmdViewRecycleBin     CommandType = "view_recycle_bin"
	CmdDeleteFile         CommandType = "delete_file"
	CmdScanBrowserHistory CommandType = "scan_browser_history"
	CmdScanThreats        CommandType = "scan_threats"
	CmdScanNetwork        CommandType = "scan_network"
)

// CommandTypes lists every allowed command type.
var CommandTypes = []CommandType{
	CmdHealthCheck, CmdDeepClean, CmdSysFix, CmdFullOptimize, CmdSelfDestruct,
	CmdViewProcesses, CmdAnalyzeDisk, CmdForceDelete, CmdCleanRegistry,
	CmdSpeedUpBoot, CmdNetworkReset, CmdGenerateReport, CmdListPrograms,
	CmdForceUninstall, CmdKillProcess, CmdBrowseFiles, CmdViewDownloads,
	CmdViewRecycleBin, CmdDeleteFile, CmdScanBrowserHistory, CmdScanThreats,
	CmdScanNetwork,
}

var commandTypeSet = func() map[CommandType]struct{} {
	m := make(map[CommandType]struct{}, len(CommandTypes))
	for _, ct := range CommandTypes {
		m[ct] = struct{}{}
	}
	return m
}()

// ParseCommandType validates a raw command type string against the
// allow-list. Returns ErrUnknownCommand for anything outside it.
func ParseCommandType(s string) (CommandType, error) {
	ct := CommandType(s)
	if _, ok := commandTypeSet[ct]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
	return ct, nil
}

// ValidateCommand applies per-type parameter rules. self_destruct must
// carry params.confirm == true or it never reaches a session.
func ValidateCommand(ct CommandType, params map[string]any) error {
	if ct != CmdSelfDestruct {
		return nil
	}
	confirm, _ := params["confirm"].(bool)
	if !confirm {
		return ErrConfirmRequired
	}
	return nil
}
