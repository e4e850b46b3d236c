// ABOUTME: SQLite persistence for command history and the audit log.
// ABOUTME: Implements dispatch.History using modernc.org/sqlite.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nodeward/nodeward/internal/dispatch"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists dispatched commands and audit entries.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the history database at path.
// Parent directories are created and the schema applied if missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("history store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			type TEXT NOT NULL,
			params TEXT,
			issued_by TEXT NOT NULL,
			issued_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			completed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_commands_agent_issued
			ON commands(agent_id, issued_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			command_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_agent_created
			ON audit_log(agent_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCommand inserts a freshly created command record.
func (s *SQLiteStore) SaveCommand(ctx context.Context, cmd *dispatch.Command) error {
	params, err := json.Marshal(cmd.Params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands (id, agent_id, type, params, issued_by, issued_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.AgentID, string(cmd.Type), string(params), cmd.IssuedBy,
		cmd.IssuedAt.UTC(), string(cmd.Status),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// UpdateCommand writes the current lifecycle state of a command.
func (s *SQLiteStore) UpdateCommand(ctx context.Context, cmd *dispatch.Command) error {
	result, err := json.Marshal(cmd.Result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	var completedAt any
	if cmd.CompletedAt != nil {
		completedAt = cmd.CompletedAt.UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		string(cmd.Status), string(result), cmd.Error, completedAt, cmd.ID,
	)
	if err != nil {
		return fmt.Errorf("updating command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: command %s", ErrNotFound, cmd.ID)
	}
	return nil
}

// CommandRecord is a persisted view of a command's lifecycle.
type CommandRecord struct {
	ID          string
	AgentID     string
	Type        string
	Params      map[string]any
	IssuedBy    string
	IssuedAt    time.Time
	Status      string
	Result      map[string]any
	Error       string
	CompletedAt *time.Time
}

// GetCommand loads one command record.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*CommandRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, type, params, issued_by, issued_at, status, result, error, completed_at
		FROM commands WHERE id = ?`, id)
	return scanCommand(row)
}

// ListCommands returns up to limit commands for an agent, newest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, agentID string, limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, type, params, issued_by, issued_at, status, result, error, completed_at
		FROM commands WHERE agent_id = ?
		ORDER BY issued_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	defer rows.Close()

	var out []*CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (*CommandRecord, error) {
	var rec CommandRecord
	var params, result, errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.AgentID, &rec.Type, &params, &rec.IssuedBy,
		&rec.IssuedAt, &rec.Status, &result, &errMsg, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning command: %w", err)
	}

	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &rec.Params); err != nil {
			return nil, fmt.Errorf("parsing params: %w", err)
		}
	}
	if result.Valid && result.String != "" && result.String != "null" {
		if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
			return nil, fmt.Errorf("parsing result: %w", err)
		}
	}
	rec.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// AppendAudit records one audit entry for a command outcome.
func (s *SQLiteStore) AppendAudit(ctx context.Context, agentID, commandID, action string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshaling detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, agent_id, command_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), agentID, commandID, action, string(detailJSON), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	ID        string
	AgentID   string
	CommandID string
	Action    string
	Detail    map[string]any
	CreatedAt time.Time
}

// ListAudit returns up to limit audit entries for an agent, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, agentID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, command_id, action, detail, created_at
		FROM audit_log WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.AgentID, &e.CommandID, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("parsing detail: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
