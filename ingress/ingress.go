// Package ingress is the server side of the mesh: it terminates the
// agent control channel, fronts downstream HTTP and WebSocket traffic,
// and exposes the operator listener. One Service owns the registry, the
// router, the auth validator and the live tunnel sessions; the three
// listeners are views onto it.
package ingress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/tunnelmesh/auth"
	"github.com/tunnelmesh/tunnelmesh/metrics"
	"github.com/tunnelmesh/tunnelmesh/registry"
	"github.com/tunnelmesh/tunnelmesh/router"
	"github.com/tunnelmesh/tunnelmesh/wire"
)

const (
	DefaultALBPort       = 8080
	DefaultMetricsPort   = 8081
	DefaultWebSocketPort = 8082

	shutdownTimeout = 15 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config carries the startup parameters for one ingress process.
type Config struct {
	ALBPort        int
	MetricsPort    int
	WebSocketPort  int
	RequestTimeout time.Duration
	Auth           auth.Validator
	Log            *zerolog.Logger
}

// Service is the shared state behind all three listeners.
type Service struct {
	instanceID uuid.UUID
	startedAt  time.Time

	cfg      Config
	registry *registry.Registry
	router   *router.Router
	auth     auth.Validator
	log      *zerolog.Logger

	// sessions and waiters are keyed by tunnel session id. A session is
	// present from insert until either side closes it; its waiter only
	// until the init ack arrives.
	sessionsMu sync.RWMutex
	sessions   map[uuid.UUID]*tunnelSession
	waiters    map[uuid.UUID]chan wire.WebSocketProxyInitAck
}

// New builds a Service. Zero ports take their defaults; a nil validator
// means identity checks are skipped.
func New(cfg Config) *Service {
	if cfg.ALBPort == 0 {
		cfg.ALBPort = DefaultALBPort
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = DefaultMetricsPort
	}
	if cfg.WebSocketPort == 0 {
		cfg.WebSocketPort = DefaultWebSocketPort
	}
	if cfg.Log == nil {
		nop := zerolog.Nop()
		cfg.Log = &nop
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.NewSkipValidator(cfg.Log)
	}

	reg := registry.New()
	return &Service{
		instanceID: uuid.New(),
		startedAt:  time.Now(),
		cfg:        cfg,
		registry:   reg,
		router:     router.New(reg, cfg.RequestTimeout, cfg.Log),
		auth:       cfg.Auth,
		log:        cfg.Log,
		sessions:   make(map[uuid.UUID]*tunnelSession),
		waiters:    make(map[uuid.UUID]chan wire.WebSocketProxyInitAck),
	}
}

// InstanceID identifies this process start. Agents poll it off /health
// and reconnect when it changes.
func (s *Service) InstanceID() uuid.UUID { return s.instanceID }

// ListenAndServe runs the edge, control and metrics listeners until
// shutdownC closes or a listener fails.
func (s *Service) ListenAndServe(shutdownC <-chan struct{}) error {
	edge := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", s.cfg.ALBPort),
		Handler: s.EdgeHandler(),
	}
	control := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", s.cfg.WebSocketPort),
		Handler: s.ControlHandler(),
	}

	var group errgroup.Group
	group.Go(func() error { return s.serveUntilShutdown(edge, shutdownC, "edge") })
	group.Go(func() error { return s.serveUntilShutdown(control, shutdownC, "control") })
	group.Go(func() error {
		listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.cfg.MetricsPort))
		if err != nil {
			return errors.Wrap(err, "listen on metrics port")
		}
		return metrics.ServeMetrics(listener, shutdownC, s.HealthHandler(), s.log)
	})

	s.log.Info().
		Int("alb_port", s.cfg.ALBPort).
		Int("metrics_port", s.cfg.MetricsPort).
		Int("websocket_port", s.cfg.WebSocketPort).
		Str("instance_id", s.instanceID.String()).
		Msg("ingress listeners started")
	return group.Wait()
}

func (s *Service) serveUntilShutdown(server *http.Server, shutdownC <-chan struct{}, name string) error {
	errC := make(chan error, 1)
	go func() { errC <- server.ListenAndServe() }()

	select {
	case err := <-errC:
		s.log.Error().Err(err).Str("listener", name).Msg("listener quit with error")
		return errors.Wrapf(err, "%s listener", name)
	case <-shutdownC:
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
		<-errC
		s.log.Info().Str("listener", name).Msg("listener stopped")
		return nil
	}
}

// healthStatus is the /health document, identical on every listener.
// InstanceID and StartedAt let agents detect a server restart.
type healthStatus struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	Registrations int    `json:"registrations"`
	InstanceID    string `json:"instance_id"`
	StartedAt     int64  `json:"started_at"`
}

func (s *Service) healthStatus() healthStatus {
	return healthStatus{
		Status:        "healthy",
		Connections:   s.registry.ConnectionCount(),
		Registrations: s.registry.RegistrationCount(),
		InstanceID:    s.instanceID.String(),
		StartedAt:     s.startedAt.Unix(),
	}
}

func (s *Service) writeHealth(w http.ResponseWriter) {
	body, err := json.Marshal(s.healthStatus())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// HealthHandler serves the health document on the operator listener.
func (s *Service) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeHealth(w)
	})
}
