// ABOUTME: Tests for the SQLite history store.
// ABOUTME: Exercises schema creation, command lifecycle writes, and audit listing.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeward/nodeward/internal/dispatch"
	"github.com/nodeward/nodeward/internal/protocol"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetCommand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cmd := &dispatch.Command{
		ID:       "cmd_abc123def456",
		AgentID:  "a1",
		Type:     protocol.CmdHealthCheck,
		Params:   map[string]any{"depth": "full"},
		IssuedBy: "admin",
		IssuedAt: time.Now().UTC().Truncate(time.Second),
		Status:   dispatch.StatusPending,
	}
	require.NoError(t, s.SaveCommand(ctx, cmd))

	rec, err := s.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", rec.AgentID)
	assert.Equal(t, "health_check", rec.Type)
	assert.Equal(t, "full", rec.Params["depth"])
	assert.Equal(t, "pending", rec.Status)
	assert.Nil(t, rec.CompletedAt)
}

func TestUpdateCommandTerminalState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cmd := &dispatch.Command{
		ID: "cmd_000000000001", AgentID: "a1", Type: protocol.CmdDeepClean,
		IssuedBy: "ops", IssuedAt: time.Now().UTC(), Status: dispatch.StatusSent,
	}
	require.NoError(t, s.SaveCommand(ctx, cmd))

	done := time.Now().UTC().Truncate(time.Second)
	cmd.Status = dispatch.StatusCompleted
	cmd.Result = map[string]any{"freed_mb": float64(420)}
	cmd.CompletedAt = &done
	require.NoError(t, s.UpdateCommand(ctx, cmd))

	rec, err := s.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, float64(420), rec.Result["freed_mb"])
	require.NotNil(t, rec.CompletedAt)
}

func TestUpdateUnknownCommand(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateCommand(context.Background(), &dispatch.Command{ID: "cmd_missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUnknownCommand(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCommand(context.Background(), "cmd_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListCommandsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveCommand(ctx, &dispatch.Command{
			ID:       "cmd_00000000000" + string(rune('a'+i)),
			AgentID:  "a1",
			Type:     protocol.CmdHealthCheck,
			IssuedBy: "admin",
			IssuedAt: base.Add(time.Duration(i) * time.Minute),
			Status:   dispatch.StatusSent,
		}))
	}

	recs, err := s.ListCommands(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].IssuedAt.After(recs[1].IssuedAt))
}

func TestAuditAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, "a1", "cmd_1", "completed", map[string]any{"type": "sys_fix"}))
	require.NoError(t, s.AppendAudit(ctx, "a1", "cmd_2", "error", map[string]any{"error": "timeout"}))
	require.NoError(t, s.AppendAudit(ctx, "a2", "cmd_3", "completed", nil))

	entries, err := s.ListAudit(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "a1", e.AgentID)
	}
}
