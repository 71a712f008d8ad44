package server

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPLineConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	lc := newTCPLineConn(server)
	defer lc.Close()

	go client.Write([]byte("CONNECT tok #app\r\nLEVEL 2\n"))

	line, err := lc.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "CONNECT tok #app", line, "CR is stripped with the line ending")

	line, err = lc.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "LEVEL 2", line)

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		done <- string(buf[:n])
	}()
	require.NoError(t, lc.WriteLine("AUTH OK #hi"))
	assert.Equal(t, "AUTH OK #hi\n", <-done)
}

func TestWSLineConn(t *testing.T) {
	serverConn := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn <- ws
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	lc := newWSLineConn(<-serverConn, "203.0.113.7:1234")
	defer lc.Close()
	assert.Equal(t, "203.0.113.7:1234", lc.RemoteAddr(), "address is pinned at upgrade time")

	// Binary frames are not part of the protocol and are skipped.
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad}))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("CONNECT tok #app")))

	line, err := lc.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "CONNECT tok #app", line)

	require.NoError(t, lc.WriteLine("AUTH OK #hi"))
	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "AUTH OK #hi", string(data))
}
