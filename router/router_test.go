package router

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/tunnelmesh/registry"
	"github.com/tunnelmesh/tunnelmesh/wire"
)

type fakeBackend struct {
	regs    map[uuid.UUID]wire.ServiceRegistration
	conns   map[uuid.UUID]registry.ConnectionInfo
	senders map[uuid.UUID]registry.Sender
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		regs:    make(map[uuid.UUID]wire.ServiceRegistration),
		conns:   make(map[uuid.UUID]registry.ConnectionInfo),
		senders: make(map[uuid.UUID]registry.Sender),
	}
}

func (b *fakeBackend) Registrations() map[uuid.UUID]wire.ServiceRegistration { return b.regs }
func (b *fakeBackend) Connections() map[uuid.UUID]registry.ConnectionInfo   { return b.conns }
func (b *fakeBackend) ConnectionSender(id uuid.UUID) (registry.Sender, bool) {
	s, ok := b.senders[id]
	return s, ok
}

// addHealthyService registers a service with a fresh heartbeat and a
// channel-backed sender, returning the id and the channel.
func (b *fakeBackend) addHealthyService(host, name string) (uuid.UUID, chan wire.Message) {
	id := uuid.New()
	b.regs[id] = wire.ServiceRegistration{
		ID:          id,
		Host:        host,
		Port:        8080,
		ServiceName: name,
		ClusterName: "test-cluster",
	}
	b.conns[id] = registry.ConnectionInfo{
		ID:            id,
		ServiceName:   name,
		Host:          host,
		Port:          8080,
		LastHeartbeat: time.Now(),
	}
	ch := make(chan wire.Message, 4)
	b.senders[id] = chanSender{ch}
	return id, ch
}

type chanSender struct {
	ch chan wire.Message
}

func (s chanSender) Send(msg wire.Message) error {
	s.ch <- msg
	return nil
}

type failingSender struct{}

func (failingSender) Send(wire.Message) error {
	return errors.New("connection closed")
}

func testRouter(backend Backend, timeout time.Duration) *Router {
	log := zerolog.Nop()
	return New(backend, timeout, &log)
}

func TestHostMatches(t *testing.T) {
	tests := []struct {
		pattern string
		host    string
		want    bool
	}{
		{"api.example.com", "api.example.com", true},
		{"api.example.com", "web.example.com", false},
		{"*.example.com", "a.example.com", true},
		{"*.example.com", "b.a.example.com", true},
		{"*.example.com", "example.com", false},
		{"*", "anything.at.all", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HostMatches(tt.pattern, tt.host), "%s vs %s", tt.pattern, tt.host)
	}
}

func TestSelectServiceReturnsHealthyTarget(t *testing.T) {
	backend := newFakeBackend()
	id, _ := backend.addHealthyService("api.example.com", "api")
	r := testRouter(backend, time.Second)

	reg, err := r.SelectService("api.example.com")
	require.NoError(t, err)
	assert.Equal(t, id, reg.ID)
	assert.Equal(t, "api", reg.ServiceName)
}

func TestSelectServiceNoMatch(t *testing.T) {
	r := testRouter(newFakeBackend(), time.Second)

	_, err := r.SelectService("nonexistent.example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoService))
	assert.False(t, errors.Is(err, ErrNoHealthy))
}

func TestSelectServiceNoHealthyCandidate(t *testing.T) {
	backend := newFakeBackend()
	id, _ := backend.addHealthyService("api.example.com", "api")
	info := backend.conns[id]
	info.LastHeartbeat = time.Now().Add(-2 * time.Minute)
	backend.conns[id] = info
	r := testRouter(backend, time.Second)

	_, err := r.SelectService("api.example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHealthy))
}

func TestSelectServicePrefersExactMatch(t *testing.T) {
	backend := newFakeBackend()
	backend.addHealthyService("*.example.com", "wildcard-service")
	exactID, _ := backend.addHealthyService("api.example.com", "exact-service")
	r := testRouter(backend, time.Second)

	reg, err := r.SelectService("api.example.com")
	require.NoError(t, err)
	assert.Equal(t, exactID, reg.ID)
}

func TestRouteNoMatchingService(t *testing.T) {
	r := testRouter(newFakeBackend(), time.Second)

	resp := r.Route(wire.ProxyRequest{
		ID:         uuid.New(),
		Method:     "GET",
		Path:       "/test",
		TargetHost: "nonexistent.example.com",
	})

	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "Service Not Found", string(resp.Body))
}

func TestRouteNoHealthyService(t *testing.T) {
	backend := newFakeBackend()
	id := uuid.New()
	backend.regs[id] = wire.ServiceRegistration{
		ID:          id,
		Host:        "test.example.com",
		Port:        8080,
		ServiceName: "test-service",
		ClusterName: "test-cluster",
	}
	// Registration without connection info: never receives traffic.
	r := testRouter(backend, time.Second)

	resp := r.Route(wire.ProxyRequest{
		ID:         uuid.New(),
		Method:     "GET",
		Path:       "/test",
		TargetHost: "test.example.com",
	})

	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "No healthy service available", string(resp.Body))
}

func TestRouteStaleHeartbeatIsUnhealthy(t *testing.T) {
	backend := newFakeBackend()
	id, _ := backend.addHealthyService("test.example.com", "test-service")
	info := backend.conns[id]
	info.LastHeartbeat = time.Now().Add(-2 * time.Minute)
	backend.conns[id] = info

	r := testRouter(backend, time.Second)
	resp := r.Route(wire.ProxyRequest{ID: uuid.New(), Method: "GET", Path: "/", TargetHost: "test.example.com"})

	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "No healthy service available", string(resp.Body))
}

func TestRouteForwardsAndReturnsResponse(t *testing.T) {
	backend := newFakeBackend()
	_, forwarded := backend.addHealthyService("test.example.com", "test-service")
	r := testRouter(backend, 5*time.Second)

	go func() {
		msg := <-forwarded
		req, ok := msg.(wire.ProxyRequest)
		if !ok {
			return
		}
		_ = r.HandleResponse(wire.ProxyResponse{
			ID:         req.ID,
			StatusCode: 200,
			Headers:    []wire.Header{{Name: "content-type", Value: "text/plain"}},
			Body:       []byte("hello from agent"),
		})
	}()

	resp := r.Route(wire.ProxyRequest{
		ID:         uuid.New(),
		Method:     "GET",
		Path:       "/api/users",
		TargetHost: "test.example.com",
	})

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello from agent", string(resp.Body))
	require.Len(t, resp.Headers, 1)
	assert.Equal(t, "content-type", resp.Headers[0].Name)
}

func TestRouteTimesOut(t *testing.T) {
	backend := newFakeBackend()
	_, forwarded := backend.addHealthyService("test.example.com", "test-service")
	r := testRouter(backend, 50*time.Millisecond)

	reqID := uuid.New()
	resp := r.Route(wire.ProxyRequest{ID: reqID, Method: "GET", Path: "/slow", TargetHost: "test.example.com"})

	assert.Equal(t, 504, resp.StatusCode)
	assert.Equal(t, "Gateway Timeout", string(resp.Body))
	assert.Len(t, forwarded, 1, "request must still have been forwarded")

	// The pending slot is cleaned up, so a late response has no waiter.
	err := r.HandleResponse(wire.ProxyResponse{ID: reqID, StatusCode: 200})
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestRouteSendFailure(t *testing.T) {
	backend := newFakeBackend()
	id, _ := backend.addHealthyService("test.example.com", "test-service")
	backend.senders[id] = failingSender{}

	r := testRouter(backend, time.Second)
	resp := r.Route(wire.ProxyRequest{ID: uuid.New(), Method: "GET", Path: "/", TargetHost: "test.example.com"})

	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "Service Unavailable", string(resp.Body))
}

func TestRouteMissingSender(t *testing.T) {
	backend := newFakeBackend()
	id, _ := backend.addHealthyService("test.example.com", "test-service")
	delete(backend.senders, id)

	r := testRouter(backend, time.Second)
	resp := r.Route(wire.ProxyRequest{ID: uuid.New(), Method: "GET", Path: "/", TargetHost: "test.example.com"})

	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "Service Unavailable", string(resp.Body))
}

func TestExactMatchPreferredOverWildcard(t *testing.T) {
	backend := newFakeBackend()
	_, wildcardCh := backend.addHealthyService("*.example.com", "wildcard-service")
	_, exactCh := backend.addHealthyService("api.example.com", "exact-service")
	r := testRouter(backend, time.Second)

	go func() {
		msg := <-exactCh
		if req, ok := msg.(wire.ProxyRequest); ok {
			_ = r.HandleResponse(wire.ProxyResponse{ID: req.ID, StatusCode: 204})
		}
	}()

	resp := r.Route(wire.ProxyRequest{ID: uuid.New(), Method: "GET", Path: "/", TargetHost: "api.example.com"})

	assert.Equal(t, 204, resp.StatusCode)
	assert.Empty(t, wildcardCh, "wildcard service must not see the request")
}

func TestHandleResponseUnknownRequest(t *testing.T) {
	r := testRouter(newFakeBackend(), time.Second)
	err := r.HandleResponse(wire.ProxyResponse{ID: uuid.New(), StatusCode: 200, Body: []byte("late")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestHostCacheServesStaleCandidates(t *testing.T) {
	backend := newFakeBackend()
	r := testRouter(backend, time.Second)

	first := r.Route(wire.ProxyRequest{ID: uuid.New(), Method: "GET", Path: "/", TargetHost: "late.example.com"})
	assert.Equal(t, 404, first.StatusCode)

	// A registration that arrives inside the cache TTL is not seen until
	// the host entry expires.
	backend.addHealthyService("late.example.com", "late-service")
	second := r.Route(wire.ProxyRequest{ID: uuid.New(), Method: "GET", Path: "/", TargetHost: "late.example.com"})
	assert.Equal(t, 404, second.StatusCode)
}
