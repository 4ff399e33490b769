package hello

import (
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestOrigin(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log := zerolog.Nop()
	shutdownC := make(chan struct{})
	go func() {
		_ = StartHelloWorldServer(&log, listener, shutdownC)
	}()
	t.Cleanup(func() { close(shutdownC) })

	return "http://" + listener.Addr().String()
}

func TestRootDumpsRequest(t *testing.T) {
	base := startTestOrigin(t)

	resp, err := http.Post(base+"/anything", "text/plain", strings.NewReader("request body"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Method: POST")
	assert.Contains(t, string(body), "Body: request body")
}

func TestHealthRoute(t *testing.T) {
	base := startTestOrigin(t)

	resp, err := http.Get(base + HealthRoute)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestUptimeRoute(t *testing.T) {
	base := startTestOrigin(t)

	resp, err := http.Get(base + UptimeRoute)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var uptime OriginUpTime
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uptime))
	assert.False(t, uptime.StartTime.IsZero())
	assert.NotEmpty(t, uptime.UpTime)
}

func TestWebSocketEcho(t *testing.T) {
	base := startTestOrigin(t)
	url := "ws" + strings.TrimPrefix(base, "http") + WSRoute

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("echo me")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "echo me", string(data))
}

func TestSSEEmitsEvents(t *testing.T) {
	base := startTestOrigin(t)

	resp, err := http.Get(base + SSERoute + "?freq=10ms")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "0\n\n1", string(buf))
}
