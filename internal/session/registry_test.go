// ABOUTME: Tests for the session registry.
// ABOUTME: Covers auth replacement, heartbeat refresh, and derived liveness.

package session

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	closed bool
	sent   []string
}

func (f *fakeSender) SendEnvelope(event string, data any) error {
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(90*time.Second, slog.Default())
	r.now = func() time.Time { return now }
	return r, &now
}

func TestAuthReplacesPriorSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	first := &fakeSender{}
	r.Auth("a1", "host-a", "alice", first)
	require.True(t, r.IsOnline("a1"))

	second := &fakeSender{}
	sess := r.Auth("a1", "host-a", "alice", second)

	assert.True(t, first.closed, "prior transport must be closed on replacement")
	assert.True(t, r.IsOnline("a1"))

	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Same(t, sess, got)
}

func TestIsOnlineDerivedFromHeartbeatAge(t *testing.T) {
	r, now := newTestRegistry(t)
	r.Auth("a1", "h", "u", &fakeSender{})

	assert.True(t, r.IsOnline("a1"))

	// Heartbeat goes stale with no explicit disconnect event.
	*now = now.Add(91 * time.Second)
	assert.False(t, r.IsOnline("a1"))

	// A fresh heartbeat revives the session.
	r.Heartbeat("a1")
	assert.True(t, r.IsOnline("a1"))
}

func TestTransportClosedMarksOffline(t *testing.T) {
	r, _ := newTestRegistry(t)
	sender := &fakeSender{}
	r.Auth("a1", "h", "u", sender)

	r.TransportClosed(sender)
	assert.False(t, r.IsOnline("a1"))

	// Record is kept for status queries.
	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "offline", infos[0].Status)
}

func TestTransportClosedIgnoresStaleSender(t *testing.T) {
	r, _ := newTestRegistry(t)
	old := &fakeSender{}
	r.Auth("a1", "h", "u", old)
	r.Auth("a1", "h", "u", &fakeSender{})

	// The replaced transport closing later must not take the new
	// session offline.
	r.TransportClosed(old)
	assert.True(t, r.IsOnline("a1"))
}

func TestHeartbeatUnknownAgentIsIgnored(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Heartbeat("nobody")
	assert.False(t, r.IsOnline("nobody"))
	assert.Empty(t, r.List())
}

func TestCount(t *testing.T) {
	r, now := newTestRegistry(t)
	r.Auth("a1", "h", "u", &fakeSender{})
	r.Auth("a2", "h", "u", &fakeSender{})
	assert.Equal(t, 2, r.Count())

	*now = now.Add(2 * time.Minute)
	r.Heartbeat("a2")
	assert.Equal(t, 1, r.Count())
}
