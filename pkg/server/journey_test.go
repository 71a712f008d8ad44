package server

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterleen/airin/pkg/storage"
)

// testClient is a raw TCP client for exercising the whole stack, from
// the accept loop down to the dispatcher.
type testClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func dialServer(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (c *testClient) sendLine(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

// waitFor reads lines until one contains substr or the deadline hits.
func (c *testClient) waitFor(substr string) string {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		line, err := c.rd.ReadString('\n')
		if err != nil {
			c.t.Fatalf("waiting for %q: %v", substr, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.Contains(line, substr) {
			return line
		}
	}
}

// tryRead reports whether any line arrives within the given window.
func (c *testClient) tryRead(window time.Duration) (string, bool) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(window))
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

// expectClosed waits for the peer to close the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		if _, err := c.rd.ReadString('\n'); err != nil {
			return
		}
	}
}

func (c *testClient) greet() {
	c.t.Helper()
	c.waitFor("INIT #AirinServer/")
}

func (c *testClient) connect(token string) {
	c.t.Helper()
	c.greet()
	c.sendLine("CONNECT " + token + " #TestClient 1.0")
	c.waitFor("AUTH OK")
}

func startServer(t *testing.T, mutate func(*Config), seed func(*storage.DB)) *Server {
	t.Helper()
	store := newTestStore(t)
	if seed != nil {
		seed(store)
	}

	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.HTTPPort = 0
	cfg.MetricsPort = 0
	cfg.InitTimeout = 0
	if mutate != nil {
		mutate(&cfg)
	}

	s := New(cfg, store, newTestLogger(t))
	s.restartFn = func() {}
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestJourneyConnectAndChat(t *testing.T) {
	s := startServer(t, nil, nil)

	alice := dialServer(t, s)
	alice.connect("tok-alice")
	alice.sendLine("LEVEL 2")
	alice.waitFor("LEVEL 2 OK")
	alice.sendLine("IAM #Mia")
	alice.waitFor("NTM #Mia")

	bob := dialServer(t, s)
	bob.connect("tok-bob")

	alice.sendLine("CONTENT 1 #hello everyone")
	alice.waitFor("CONREC 1 1")

	line := bob.waitFor("hello everyone")
	assert.True(t, strings.HasPrefix(line, "CONTENT 1 "), "broadcast line: %s", line)
	assert.Contains(t, line, "Mia")
	assert.Contains(t, line, " null #hello everyone", "logins stay undisclosed by default")
}

func TestJourneyBadTokenAndRetry(t *testing.T) {
	s := startServer(t, nil, nil)

	c := dialServer(t, s)
	c.greet()
	c.sendLine("CONNECT bogus #TestClient 1.0")
	c.waitFor("AUTH FAIL")

	// A failed CONNECT leaves the session open for another attempt.
	c.sendLine("CONNECT tok-alice #TestClient 1.0")
	c.waitFor("AUTH OK")
}

func TestJourneyDeprecationWarningOnLevelOne(t *testing.T) {
	s := startServer(t, nil, nil)

	c := dialServer(t, s)
	c.greet()
	c.sendLine("CONNECT tok-alice #OldClient 0.1")
	c.waitFor("AUTH OK")
	// Level 1 cannot parse SERVICE, so the warning is dressed up as a
	// chat message from the synthetic service user.
	line := c.waitFor("deprecated")
	assert.True(t, strings.HasPrefix(line, "CONTENT 0 "), "fallback line: %s", line)
	assert.Contains(t, line, "*AirinService")
}

func TestJourneyReadonlyCannotPost(t *testing.T) {
	s := startServer(t, nil, nil)

	c := dialServer(t, s)
	c.greet()
	c.sendLine("LEVEL 2")
	c.waitFor("LEVEL 2 OK")
	c.sendLine("CONNECT READONLY #Lurker 1.0")
	c.waitFor("AUTH READONLY")

	c.sendLine("CONTENT 1 #sneaky post")
	c.waitFor("FAIL 200")
}

func TestJourneyFloodLimit(t *testing.T) {
	s := startServer(t, nil, func(db *storage.DB) {
		require.NoError(t, db.SetConfig("message_delay", "30"))
	})

	c := dialServer(t, s)
	c.connect("tok-alice")
	c.sendLine("CONTENT 1 #first")
	c.waitFor("CONREC 1 1")
	c.sendLine("CONTENT 2 #second")
	c.waitFor("FAIL 205 30")
}

func TestJourneyHistory(t *testing.T) {
	s := startServer(t, nil, nil)

	writer := dialServer(t, s)
	writer.connect("tok-bob")
	writer.sendLine("CONTENT 1 #for the record")
	writer.waitFor("CONREC 1 1")

	reader := dialServer(t, s)
	reader.connect("tok-alice")
	reader.sendLine("LOG 10")
	line := reader.waitFor("for the record")
	assert.True(t, strings.HasPrefix(line, "LOGCON 1 "), "history line: %s", line)
}

func TestJourneyGetSet(t *testing.T) {
	s := startServer(t, nil, nil)

	c := dialServer(t, s)
	c.connect("tok-alice")
	c.sendLine("LEVEL 3")
	c.waitFor("LEVEL 3 OK")
	c.sendLine("GETSET")
	c.waitFor("SET nick_regex")
	c.waitFor("SET max_message_length #2048")
	c.waitFor("SET logins_disclosed #0")
}

func TestJourneyInitTimeout(t *testing.T) {
	s := startServer(t, func(cfg *Config) {
		cfg.InitTimeout = 200 * time.Millisecond
	}, nil)

	c := dialServer(t, s)
	c.greet()
	c.expectClosed()
}

func TestJourneyPingTimeout(t *testing.T) {
	s := startServer(t, nil, func(db *storage.DB) {
		require.NoError(t, db.SetConfig("ping_poll_time", "100"))
		require.NoError(t, db.SetConfig("ping_miss_tolerance", "2"))
	})

	quiet := dialServer(t, s)
	quiet.connect("tok-alice")
	quiet.sendLine("LEVEL 3")
	quiet.waitFor("LEVEL 3 OK")
	quiet.waitFor("NUS")
	quiet.expectClosed()

	// A client that answers the probe stays connected.
	alive := dialServer(t, s)
	alive.connect("tok-bob")
	alive.sendLine("LEVEL 3")
	alive.waitFor("LEVEL 3 OK")
	for i := 0; i < 4; i++ {
		alive.waitFor("NUS")
		alive.sendLine("SUS")
	}
}

func TestJourneyLogoff(t *testing.T) {
	s := startServer(t, nil, nil)

	c := dialServer(t, s)
	c.connect("tok-alice")
	c.sendLine("LOGOFF tok-alice")
	c.waitFor("LOGOFF OK")
	c.expectClosed()
}

func TestJourneyAdminSession(t *testing.T) {
	s := startServer(t, nil, func(db *storage.DB) {
		require.NoError(t, db.SetConfig("message_delay", "1"))
	})

	root := dialServer(t, s)
	root.connect("tok-root")
	root.sendLine("LEVEL 2")
	root.waitFor("LEVEL 2 OK")

	root.sendLine("CONTENT 1 #/su")
	root.waitFor("administrative mode")

	time.Sleep(1100 * time.Millisecond)
	root.sendLine("CONTENT 2 #/clients")
	root.waitFor("Listing 1 clients")
}

func TestJourneySyntaxErrorDisconnects(t *testing.T) {
	s := startServer(t, nil, nil)

	c := dialServer(t, s)
	c.greet()
	c.sendLine("CONNECT onlytoken")
	c.waitFor("FAIL 299")
	c.expectClosed()
}
