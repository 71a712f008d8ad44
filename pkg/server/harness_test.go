package server

import (
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asterleen/airin/pkg/logging"
	"github.com/asterleen/airin/pkg/storage"
)

// scriptConn is an in-memory LineConn for driving the dispatch layer
// directly. Reads block until pushLine or Close.
type scriptConn struct {
	addr   string
	readCh chan string

	mu     sync.Mutex
	lines  []string
	closed bool
}

func newScriptConn(addr string) *scriptConn {
	if addr == "" {
		addr = "192.0.2.10:50000"
	}
	return &scriptConn{addr: addr, readCh: make(chan string, 16)}
}

func (c *scriptConn) ReadLine() (string, error) {
	line, ok := <-c.readCh
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

func (c *scriptConn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.lines = append(c.lines, line)
	return nil
}

func (c *scriptConn) RemoteAddr() string { return c.addr }

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.readCh)
	}
	return nil
}

func (c *scriptConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *scriptConn) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
}

func (c *scriptConn) contains(t *testing.T, substr string) string {
	t.Helper()
	for _, line := range c.sent() {
		if strings.Contains(line, substr) {
			return line
		}
	}
	t.Fatalf("no line containing %q, got %v", substr, c.sent())
	return ""
}

func (c *scriptConn) notContains(t *testing.T, substr string) {
	t.Helper()
	for _, line := range c.sent() {
		if strings.Contains(line, substr) {
			t.Fatalf("unexpected line containing %q: %s", substr, line)
		}
	}
}

func newTestStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "airin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.AddAuthToken("tok-alice", "alice", ""))
	require.NoError(t, db.AddAuthToken("tok-bob", "bob", ""))
	require.NoError(t, db.AddAuthToken("tok-root", "root", ""))
	require.NoError(t, db.AddAdmin("root"))
	return db
}

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("", logging.LevelNone)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

// newUnitServer builds a server whose dispatch loop is NOT running, so
// tests drive dispatchLine synchronously.
func newUnitServer(t *testing.T, store storage.Store) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InitTimeout = 0
	s := New(cfg, store, newTestLogger(t))
	// Keep the restart hook inert in tests.
	s.restartFn = func() {}
	return s
}

// addSession registers a scripted connection and discards the greeting
// lines so assertions see only the session's own traffic.
func addSession(t *testing.T, s *Server, addr string) (*Session, *scriptConn) {
	t.Helper()
	conn := newScriptConn(addr)
	s.acceptSession(conn)
	sess := s.sessions[s.nextID-1]
	require.NotNil(t, sess)
	conn.clear()
	return sess, conn
}

// authorize short-circuits the CONNECT exchange for tests that do not
// exercise authentication itself.
func authorize(sess *Session, login string) {
	sess.setAuthorized(true)
	sess.Login = login
	sess.Token = "tok-" + login
}
