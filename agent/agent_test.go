package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/tunnelmesh/wire"
)

// ingressConn is the server end of one agent control connection,
// scripted from the test goroutine.
type ingressConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	in   chan wire.Message
}

func (ic *ingressConn) expect(t *testing.T) wire.Message {
	t.Helper()
	select {
	case msg, ok := <-ic.in:
		require.True(t, ok, "agent connection closed early")
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for agent message")
		return nil
	}
}

func (ic *ingressConn) send(t *testing.T, msg wire.Message) {
	t.Helper()
	data, err := wire.Marshal(msg)
	require.NoError(t, err)
	ic.mu.Lock()
	defer ic.mu.Unlock()
	require.NoError(t, ic.conn.WriteMessage(websocket.TextMessage, data))
}

func (ic *ingressConn) closeNormal(t *testing.T) {
	t.Helper()
	ic.mu.Lock()
	defer ic.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ic.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// startFakeIngress runs a control endpoint that parses agent frames into
// per-connection channels. Its /health document reports a fixed
// instance id.
func startFakeIngress(t *testing.T) (string, <-chan *ingressConn) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	connC := make(chan *ingressConn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"instance_id":"ingress-1"}`)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ic := &ingressConn{conn: conn, in: make(chan wire.Message, 64)}
		connC <- ic
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				close(ic.in)
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			msg, err := wire.Unmarshal(data)
			if err != nil {
				continue
			}
			ic.in <- msg
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), connC
}

func awaitConn(t *testing.T, conns <-chan *ingressConn) *ingressConn {
	t.Helper()
	select {
	case ic := <-conns:
		return ic
	case <-time.After(testTimeout):
		t.Fatal("agent never connected")
		return nil
	}
}

func startAgent(t *testing.T, cfg Config) (*Agent, <-chan error) {
	t.Helper()
	a := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- a.runOnce(ctx) }()
	return a, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("agent did not stop in time")
		return nil
	}
}

func completeAuth(t *testing.T, ic *ingressConn) wire.IamAuth {
	t.Helper()
	msg := ic.expect(t)
	auth, ok := msg.(*wire.IamAuth)
	require.True(t, ok, "expected IamAuth, got %T", msg)
	ic.send(t, wire.IamAuthResponse{
		Success:  true,
		Identity: &wire.Identity{ARN: "arn:aws:sts::123456789012:assumed-role/mesh/agent"},
	})
	return *auth
}

func completeRegistration(t *testing.T, ic *ingressConn, a *Agent) wire.ServiceRegistration {
	t.Helper()
	msg := ic.expect(t)
	reg, ok := msg.(*wire.ServiceRegistration)
	require.True(t, ok, "expected ServiceRegistration, got %T", msg)

	msg = ic.expect(t)
	hb, ok := msg.(*wire.HeartBeat)
	require.True(t, ok, "expected HeartBeat, got %T", msg)
	assert.Equal(t, a.ClientID(), hb.ClientID)

	ic.send(t, wire.RegistrationAck{ID: reg.ID, Success: true, Message: "Service registered successfully"})
	return *reg
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"ws://localhost:8082", "http://localhost:8082/health"},
		{"ws://localhost:8082/", "http://localhost:8082/health"},
		{"wss://edge.example.com", "https://edge.example.com/health"},
		{"http://localhost:8082", "http://localhost:8082/health"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, healthURL(tt.endpoint))
	}
}

func TestRunOnceDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	a := New(Config{IngressEndpoint: "ws" + strings.TrimPrefix(srv.URL, "http")})
	err := a.runOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial control endpoint")
}

func TestAuthenticateRejected(t *testing.T) {
	endpoint, conns := startFakeIngress(t)
	_, done := startAgent(t, Config{IngressEndpoint: endpoint, ServiceName: "api", ClusterName: "test"})

	ic := awaitConn(t, conns)
	msg := ic.expect(t)
	auth, ok := msg.(*wire.IamAuth)
	require.True(t, ok, "expected IamAuth, got %T", msg)
	// No credentials in the test environment, so the handshake is empty.
	assert.Empty(t, auth.PresignedURL)
	assert.Equal(t, "us-east-1", auth.Region)

	ic.send(t, wire.IamAuthResponse{Success: false, Error: "identity not allowed"})

	err := waitDone(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity rejected: identity not allowed")
}

func TestAuthenticateDiscardsUnrelatedFrames(t *testing.T) {
	endpoint, conns := startFakeIngress(t)
	a, done := startAgent(t, Config{IngressEndpoint: endpoint, ServiceName: "api", ClusterName: "test"})

	ic := awaitConn(t, conns)
	ic.expect(t)

	// Noise ahead of the auth response must not derail the handshake.
	ic.send(t, wire.HeartBeat{ClusterName: "test"})
	ic.send(t, wire.RegistrationAck{Success: true, Message: "out of order"})
	ic.send(t, wire.IamAuthResponse{Success: true})

	reg := completeRegistration(t, ic, a)
	assert.Equal(t, "api", reg.ServiceName)

	ic.closeNormal(t)
	require.NoError(t, waitDone(t, done))
}

func TestRunOnceRegistersAndSendsInitialHeartbeat(t *testing.T) {
	endpoint, conns := startFakeIngress(t)
	a, done := startAgent(t, Config{
		IngressEndpoint: endpoint,
		LocalEndpoint:   "http://localhost:3000",
		Host:            "api.example.com",
		Port:            9000,
		ServiceName:     "api",
		ClusterName:     "test-cluster",
		HealthCheckPath: "/health",
	})

	ic := awaitConn(t, conns)
	completeAuth(t, ic)
	reg := completeRegistration(t, ic, a)

	assert.Equal(t, a.ClientID(), reg.ID)
	assert.Equal(t, "api.example.com", reg.Host)
	assert.Equal(t, uint16(9000), reg.Port)
	assert.Equal(t, "api", reg.ServiceName)
	assert.Equal(t, "test-cluster", reg.ClusterName)
	assert.Equal(t, "/health", reg.HealthCheckPath)
	assert.Empty(t, reg.TaskARN)

	ic.closeNormal(t)
	require.NoError(t, waitDone(t, done))
}

func TestProxyRequestForwarded(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hello", r.URL.Path)
		_, _ = io.WriteString(w, "hello from local")
	}))
	defer origin.Close()

	endpoint, conns := startFakeIngress(t)
	a, done := startAgent(t, Config{
		IngressEndpoint: endpoint,
		LocalEndpoint:   origin.URL,
		ServiceName:     "api",
		ClusterName:     "test",
	})

	ic := awaitConn(t, conns)
	completeAuth(t, ic)
	completeRegistration(t, ic, a)

	reqID := uuid.New()
	ic.send(t, wire.ProxyRequest{
		ID:         reqID,
		Method:     http.MethodGet,
		Path:       "/hello",
		Headers:    map[string]string{},
		TargetHost: "api.example.com",
	})

	msg := ic.expect(t)
	resp, ok := msg.(*wire.ProxyResponse)
	require.True(t, ok, "expected ProxyResponse, got %T", msg)
	assert.Equal(t, reqID, resp.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from local", string(resp.Body))

	ic.closeNormal(t)
	require.NoError(t, waitDone(t, done))
}

func TestTunnelSessionOverControl(t *testing.T) {
	origin, _ := localEchoServer(t)

	endpoint, conns := startFakeIngress(t)
	a, done := startAgent(t, Config{
		IngressEndpoint: endpoint,
		LocalEndpoint:   origin.URL,
		ServiceName:     "api",
		ClusterName:     "test",
	})

	ic := awaitConn(t, conns)
	completeAuth(t, ic)
	completeRegistration(t, ic, a)

	sessionID := uuid.New()
	ic.send(t, wire.WebSocketProxyInit{SessionID: sessionID, TargetHost: "api.example.com", Path: "/ws"})

	msg := ic.expect(t)
	ack, ok := msg.(*wire.WebSocketProxyInitAck)
	require.True(t, ok, "expected init ack, got %T", msg)
	require.True(t, ack.Success)
	assert.Equal(t, sessionID, ack.SessionID)

	ic.send(t, wire.WebSocketProxyData{
		SessionID: sessionID,
		FrameType: wire.FrameText,
		Payload:   wire.TextPayload("ping over tunnel"),
	})

	msg = ic.expect(t)
	data, ok := msg.(*wire.WebSocketProxyData)
	require.True(t, ok, "expected tunnel data, got %T", msg)
	assert.Equal(t, wire.FrameText, data.FrameType)
	require.NotNil(t, data.Payload)
	assert.Equal(t, "ping over tunnel", *data.Payload)

	ic.send(t, wire.WebSocketProxyClose{SessionID: sessionID, Reason: "alb connection closed"})

	// The agent closes its local socket and reports the session gone.
	deadline := time.After(testTimeout)
	for found := false; !found; {
		select {
		case m, chOpen := <-ic.in:
			require.True(t, chOpen, "agent connection closed early")
			if closeMsg, isClose := m.(*wire.WebSocketProxyClose); isClose && closeMsg.Reason == "local connection closed" {
				found = true
			}
		case <-deadline:
			t.Fatal("no final close from agent")
		}
	}

	ic.closeNormal(t)
	require.NoError(t, waitDone(t, done))
}

func TestContextCancelStopsAgent(t *testing.T) {
	endpoint, conns := startFakeIngress(t)
	a := New(Config{IngressEndpoint: endpoint, ServiceName: "api", ClusterName: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.runOnce(ctx) }()

	ic := awaitConn(t, conns)
	completeAuth(t, ic)
	completeRegistration(t, ic, a)

	cancel()
	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
}

func TestFetchInstanceID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"instance_id":"i-123","uptime_seconds":42}`)
	}))
	defer srv.Close()

	a := New(Config{})
	id, err := a.fetchInstanceID(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, "i-123", id)
}

func TestServerInstanceChangeSignalsReconnect(t *testing.T) {
	var instance atomic.Value
	instance.Store("ingress-1")
	polled := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"instance_id":%q}`, instance.Load())
		select {
		case polled <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	a := New(Config{})
	reconnectC := make(chan struct{})
	stopC := make(chan struct{})
	go a.watchServerInstance(srv.URL, 5*time.Millisecond, reconnectC, stopC)

	select {
	case <-polled:
	case <-time.After(testTimeout):
		t.Fatal("health endpoint never polled")
	}
	instance.Store("ingress-2")

	select {
	case <-reconnectC:
	case <-time.After(testTimeout):
		t.Fatal("instance change did not signal reconnect")
	}
}

func TestControlSessionSendAfterClose(t *testing.T) {
	sess := newControlSession()
	require.NoError(t, sess.Send(wire.HeartBeat{}))

	sess.close()
	sess.close()

	assert.ErrorIs(t, sess.Send(wire.HeartBeat{}), errSessionClosed)
}
