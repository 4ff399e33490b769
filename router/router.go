// Package router matches edge requests to registered services, forwards
// them over the owning agent connection, and correlates the replies that
// come back on the control channel.
package router

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/tunnelmesh/registry"
	"github.com/tunnelmesh/tunnelmesh/wire"
)

const (
	// DefaultRequestTimeout bounds how long a forwarded request may wait
	// for its ProxyResponse before the edge answers 504.
	DefaultRequestTimeout = 30 * time.Second

	// hostCacheTTL is how long a host's candidate list is served from
	// cache. Entries expire by age only; registrations changing under a
	// live entry become visible when it ages out.
	hostCacheTTL = 30 * time.Second

	// livenessWindow is the heartbeat freshness required for a
	// registration to receive traffic.
	livenessWindow = 60 * time.Second
)

// ErrNotPending is returned by HandleResponse when no request with the
// response's id is waiting.
var ErrNotPending = errors.New("no pending request")

// ErrNoService means no registration matched the target host.
var ErrNoService = errors.New("no matching service")

// ErrNoHealthy means registrations matched but none passed the
// heartbeat filter.
var ErrNoHealthy = errors.New("no healthy service")

// Backend is the slice of the registry the router reads.
type Backend interface {
	Registrations() map[uuid.UUID]wire.ServiceRegistration
	Connections() map[uuid.UUID]registry.ConnectionInfo
	ConnectionSender(connectionID uuid.UUID) (registry.Sender, bool)
}

type hostCacheEntry struct {
	services []wire.ServiceRegistration
	storedAt time.Time
}

// Router is safe for concurrent use. Each in-flight edge request parks
// on its own buffered channel in the pending table until HandleResponse
// delivers the reply or the timeout fires.
type Router struct {
	backend        Backend
	requestTimeout time.Duration
	log            *zerolog.Logger

	pendingMu sync.Mutex
	pending   map[uuid.UUID]chan wire.ProxyResponse

	cacheMu   sync.RWMutex
	hostCache map[string]hostCacheEntry
}

func New(backend Backend, requestTimeout time.Duration, log *zerolog.Logger) *Router {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Router{
		backend:        backend,
		requestTimeout: requestTimeout,
		log:            log,
		pending:        make(map[uuid.UUID]chan wire.ProxyResponse),
		hostCache:      make(map[string]hostCacheEntry),
	}
}

// HostMatches reports whether a registered host pattern covers host.
// A leading '*' matches any prefix, so "*.example.com" covers
// "a.example.com" but not "example.com" itself.
func HostMatches(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}

// SelectService resolves host to the first healthy matching
// registration. The edge HTTP path and the WebSocket tunnel path both
// pick their upstream here so the two agree on every host.
func (r *Router) SelectService(host string) (wire.ServiceRegistration, error) {
	services := r.matchingServices(host)
	if len(services) == 0 {
		return wire.ServiceRegistration{}, errors.Wrapf(ErrNoService, "host %s", host)
	}
	target, ok := firstHealthy(services, r.backend.Connections())
	if !ok {
		return wire.ServiceRegistration{}, errors.Wrapf(ErrNoHealthy, "host %s, %d candidates", host, len(services))
	}
	return target, nil
}

// Route resolves the request's target host and forwards it to the first
// healthy candidate. It always returns a ProxyResponse; routing failures
// come back as synthesized responses carrying the request id.
func (r *Router) Route(req wire.ProxyRequest) wire.ProxyResponse {
	target, err := r.SelectService(req.TargetHost)
	switch {
	case errors.Is(err, ErrNoService):
		r.log.Warn().Str("host", req.TargetHost).Msg("no matching services for host")
		return errorResponse(req.ID, 404, "Service Not Found")
	case errors.Is(err, ErrNoHealthy):
		r.log.Warn().Str("host", req.TargetHost).Msg("no healthy service available")
		return errorResponse(req.ID, 503, "No healthy service available")
	}

	r.log.Debug().
		Str("service", target.ServiceName).
		Str("requestID", req.ID.String()).
		Msg("routing request to service")

	resp, err := r.forward(req, target.ID)
	switch {
	case err == nil:
		return resp
	case errors.Is(err, errTimeout):
		r.log.Warn().Str("requestID", req.ID.String()).Msg("request timed out waiting for agent response")
		return errorResponse(req.ID, 504, "Gateway Timeout")
	default:
		r.log.Warn().Err(err).Str("requestID", req.ID.String()).Msg("failed to forward request")
		return errorResponse(req.ID, 503, "Service Unavailable")
	}
}

// HandleResponse matches a ProxyResponse from an agent to its pending
// request. Responses with no waiter return ErrNotPending.
func (r *Router) HandleResponse(resp wire.ProxyResponse) error {
	r.pendingMu.Lock()
	ch, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.pendingMu.Unlock()

	if !ok {
		return errors.Wrapf(ErrNotPending, "request %s", resp.ID)
	}
	// Buffered and exclusively ours after removal; never blocks.
	ch <- resp
	return nil
}

var errTimeout = errors.New("request timeout")

func (r *Router) forward(req wire.ProxyRequest, serviceID uuid.UUID) (wire.ProxyResponse, error) {
	ch := make(chan wire.ProxyResponse, 1)
	r.pendingMu.Lock()
	r.pending[req.ID] = ch
	r.pendingMu.Unlock()

	sender, ok := r.backend.ConnectionSender(serviceID)
	if !ok {
		r.removePending(req.ID)
		return wire.ProxyResponse{}, errors.Errorf("no connection sender for service %s", serviceID)
	}
	if err := sender.Send(req); err != nil {
		r.removePending(req.ID)
		return wire.ProxyResponse{}, errors.Wrap(err, "failed to send request to service")
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(r.requestTimeout):
		r.removePending(req.ID)
		return wire.ProxyResponse{}, errors.Wrapf(errTimeout, "request %s", req.ID)
	}
}

func (r *Router) removePending(id uuid.UUID) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

// matchingServices returns the cached candidate list for the host,
// recomputing it when the entry is missing or older than the TTL. Exact
// host matches order before wildcard matches, ties broken by id, so the
// routing choice is stable across calls.
func (r *Router) matchingServices(host string) []wire.ServiceRegistration {
	r.cacheMu.RLock()
	entry, ok := r.hostCache[host]
	r.cacheMu.RUnlock()
	if ok && time.Since(entry.storedAt) < hostCacheTTL {
		return entry.services
	}

	var exact, wildcard []wire.ServiceRegistration
	for _, reg := range r.backend.Registrations() {
		switch {
		case reg.Host == host:
			exact = append(exact, reg)
		case HostMatches(reg.Host, host):
			wildcard = append(wildcard, reg)
		}
	}
	sortByID(exact)
	sortByID(wildcard)
	services := append(exact, wildcard...)

	r.cacheMu.Lock()
	r.hostCache[host] = hostCacheEntry{services: services, storedAt: time.Now()}
	r.cacheMu.Unlock()
	return services
}

func sortByID(regs []wire.ServiceRegistration) {
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].ID.String() < regs[j].ID.String()
	})
}

func firstHealthy(services []wire.ServiceRegistration, connections map[uuid.UUID]registry.ConnectionInfo) (wire.ServiceRegistration, bool) {
	for _, reg := range services {
		conn, ok := connections[reg.ID]
		if !ok {
			continue
		}
		if time.Since(conn.LastHeartbeat) < livenessWindow {
			return reg, true
		}
	}
	return wire.ServiceRegistration{}, false
}

func errorResponse(requestID uuid.UUID, status int, message string) wire.ProxyResponse {
	return wire.ProxyResponse{
		ID:         requestID,
		StatusCode: status,
		Body:       []byte(message),
	}
}
