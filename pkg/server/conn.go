package server

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// maxLineBytes bounds a single protocol line. Anything longer kills
// the connection instead of the server's memory.
const maxLineBytes = 64 * 1024

// LineConn is a line-oriented client transport. WriteLine is safe to
// call from multiple goroutines; ReadLine is owned by the session's
// reader goroutine.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	RemoteAddr() string
	Close() error
}

// tcpLineConn frames the raw TCP byte stream into newline-terminated
// lines and serializes writes so broadcast and direct responses never
// interleave mid-line.
type tcpLineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner

	mu sync.Mutex
}

func newTCPLineConn(conn net.Conn) *tcpLineConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return &tcpLineConn{conn: conn, scanner: scanner}
}

func (c *tcpLineConn) ReadLine() (string, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return c.scanner.Text(), nil
}

func (c *tcpLineConn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write([]byte(line + "\n"))
	return err
}

func (c *tcpLineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpLineConn) Close() error {
	return c.conn.Close()
}

// wsLineConn speaks the same protocol over WebSocket text frames, one
// line per frame. The addr is pinned at upgrade time so reverse-proxy
// deployments can substitute the X-Forwarded-For address.
type wsLineConn struct {
	conn *websocket.Conn
	addr string

	mu sync.Mutex
}

func newWSLineConn(conn *websocket.Conn, addr string) *wsLineConn {
	conn.SetReadLimit(maxLineBytes)
	return &wsLineConn{conn: conn, addr: addr}
}

func (c *wsLineConn) ReadLine() (string, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return string(data), nil
	}
}

func (c *wsLineConn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsLineConn) RemoteAddr() string {
	return c.addr
}

func (c *wsLineConn) Close() error {
	return c.conn.Close()
}
