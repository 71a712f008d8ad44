package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedHistory(t *testing.T, s *Server, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := s.store.AppendMessage("bob", fmt.Sprintf("message %d", i), "bobby", "abc123", true)
		require.NoError(t, err)
	}
}

func TestLogDirectAnswer(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	seedHistory(t, s, 5)

	alice, conn := addSession(t, s, "")
	authorize(alice, "alice")

	s.dispatchLine(alice, "LOG 3")
	lines := conn.sent()
	require.Len(t, lines, 3)
	// The newest window, oldest first.
	assert.Contains(t, lines[0], "LOGCON 3")
	assert.Contains(t, lines[0], "message 3")
	assert.Contains(t, lines[2], "LOGCON 5")
}

func TestLogDescendingOrder(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	seedHistory(t, s, 4)

	alice, conn := addSession(t, s, "")
	authorize(alice, "alice")

	s.dispatchLine(alice, "LOG 2 DESC")
	lines := conn.sent()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "LOGCON 4")
	assert.Contains(t, lines[1], "LOGCON 3")
}

func TestLogOffset(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	seedHistory(t, s, 6)

	alice, conn := addSession(t, s, "")
	authorize(alice, "alice")

	s.dispatchLine(alice, "LOG 2 2")
	lines := conn.sent()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "LOGCON 2")
	assert.Contains(t, lines[1], "LOGCON 3")

	// An offset past the stored range degrades to the newest window.
	conn.clear()
	s.dispatchLine(alice, "LOG 2 999")
	lines = conn.sent()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "LOGCON 5")
}

func TestLogEmptyHistory(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	alice, conn := addSession(t, s, "")
	authorize(alice, "alice")

	s.dispatchLine(alice, "LOG")
	conn.contains(t, "FAIL 206")
}

func TestLogBadAmount(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	seedHistory(t, s, 2)
	alice, conn := addSession(t, s, "")
	authorize(alice, "alice")

	s.dispatchLine(alice, "LOG kitten")
	conn.contains(t, "Bad amount parameter")

	conn.clear()
	s.dispatchLine(alice, "LOG 99999")
	conn.contains(t, "Bad amount parameter")
}

func TestLogArityViolation(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	alice, conn := addSession(t, s, "")
	authorize(alice, "alice")

	s.dispatchLine(alice, "LOG 1 2 ASC surplus")
	conn.contains(t, "Syntax error")
	assert.NotContains(t, s.sessions, alice.ID)
}

func TestLogReadonlyAllowed(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	seedHistory(t, s, 1)

	lurker, conn := addSession(t, s, "")
	lurker.setReadonly(true)

	s.dispatchLine(lurker, "LOG 1")
	conn.contains(t, "LOGCON 1")
}

func TestBacklogQueueCap(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	s.runtime.UseLogRequestQueue = true
	s.runtime.MaxLogQueueLen = 2
	seedHistory(t, s, 3)

	alice, conn := addSession(t, s, "")
	authorize(alice, "alice")

	s.dispatchLine(alice, "LOG 1")
	s.dispatchLine(alice, "LOG 1")
	assert.Len(t, s.backlog, 2)
	conn.notContains(t, "LOGCON")

	s.dispatchLine(alice, "LOG 1")
	conn.contains(t, "Log request queue is full")
	assert.Len(t, s.backlog, 2)
}

func TestBacklogFlushPopsOne(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	s.runtime.UseLogRequestQueue = true
	seedHistory(t, s, 3)

	alice, conn := addSession(t, s, "")
	authorize(alice, "alice")
	s.dispatchLine(alice, "LOG 1")
	s.dispatchLine(alice, "LOG 2")
	require.Len(t, s.backlog, 2)

	s.flushBacklog()
	assert.Len(t, s.backlog, 1)
	assert.Len(t, conn.sent(), 1)

	s.flushBacklog()
	assert.Empty(t, s.backlog)
	assert.Len(t, conn.sent(), 3)

	// Flushing an empty queue is a no-op.
	s.flushBacklog()
	assert.Len(t, conn.sent(), 3)
}

func TestBacklogDropsVanishedRequester(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	s.runtime.UseLogRequestQueue = true
	seedHistory(t, s, 1)

	alice, conn := addSession(t, s, "")
	authorize(alice, "alice")
	s.dispatchLine(alice, "LOG 1")
	require.Len(t, s.backlog, 1)

	s.removeSession(alice.ID)
	s.flushBacklog()

	assert.Empty(t, s.backlog)
	conn.notContains(t, "LOGCON")
}

func TestBacklogShadowbanVisibility(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	id, err := s.store.AppendMessage("mallory", "hidden rant", "mal", "abc123", false)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	seedHistory(t, s, 1)

	// The author still sees their own hidden message.
	mallory, malloryConn := addSession(t, s, "")
	authorize(mallory, "mallory")
	s.dispatchLine(mallory, "LOG 10")
	malloryConn.contains(t, "hidden rant")

	// Everyone else gets the visible history only.
	alice, aliceConn := addSession(t, s, "192.0.2.11:50000")
	authorize(alice, "alice")
	s.dispatchLine(alice, "LOG 10")
	aliceConn.notContains(t, "hidden rant")
	aliceConn.contains(t, "message 1")
}

func TestLogFallbackNameAndColor(t *testing.T) {
	s := newUnitServer(t, newTestStore(t))
	_, err := s.store.AppendMessage("", "from the void", "", "", true)
	require.NoError(t, err)

	alice, conn := addSession(t, s, "")
	authorize(alice, "alice")
	s.dispatchLine(alice, "LOG 1")
	line := conn.contains(t, "from the void")
	assert.Contains(t, line, s.runtime.DefaultUserName)
	assert.Contains(t, line, "NULL")
}
