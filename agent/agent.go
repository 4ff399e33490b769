// Package agent is the outbound half of the mesh. An agent dials the
// ingress control endpoint, proves its identity with a presigned STS
// URL, registers the service it fronts, and then serves proxied HTTP
// requests and WebSocket tunnels against a local endpoint.
package agent

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/tunnelmesh/retry"
	"github.com/tunnelmesh/tunnelmesh/signal"
	"github.com/tunnelmesh/tunnelmesh/sigv4"
	"github.com/tunnelmesh/tunnelmesh/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	heartbeatInterval    = 15 * time.Second
	instancePollInterval = 10 * time.Second
	localHealthInterval  = 30 * time.Second

	// authTimeout bounds the wait for the server's IamAuthResponse. The
	// handshake is the first exchange on the wire, so a silent server is
	// indistinguishable from a dead one.
	authTimeout = 30 * time.Second

	// outboundQueueDepth bounds control frames queued toward the server.
	// Producers block when it fills; the control writer drains it fast.
	outboundQueueDepth = 256
)

// Config is the agent's runtime configuration, one registration per
// process.
type Config struct {
	IngressEndpoint   string
	LocalEndpoint     string
	Host              string
	Port              uint16
	ServiceName       string
	ClusterName       string
	HealthCheckPath   string
	SkipIAMValidation bool
	Log               *zerolog.Logger
}

// Agent owns one control-channel connection at a time and the local
// proxy machinery behind it.
type Agent struct {
	clientID   uuid.UUID
	cfg        Config
	log        *zerolog.Logger
	httpClient *http.Client
	forwarder  *Forwarder
	wsProxy    *wsReverseProxy

	// Filled by preflight; the agent still runs without AWS access, it
	// just authenticates with an empty handshake.
	awsCfg  *awsConfig
	region  string
	taskARN string
}

func New(cfg Config) *Agent {
	if cfg.Log == nil {
		nop := zerolog.Nop()
		cfg.Log = &nop
	}
	httpClient := &http.Client{}
	return &Agent{
		clientID:   uuid.New(),
		cfg:        cfg,
		log:        cfg.Log,
		httpClient: httpClient,
		forwarder:  NewForwarder(httpClient, cfg.LocalEndpoint, cfg.Log),
		wsProxy:    newWSReverseProxy(cfg.LocalEndpoint, cfg.Log),
		region:     defaultRegion,
	}
}

// ClientID is the stable id this agent registers under.
func (a *Agent) ClientID() uuid.UUID { return a.clientID }

// Run connects and serves until ctx is cancelled, redialling after a
// flat five second wait whenever a connection ends for any reason.
func (a *Agent) Run(ctx context.Context) error {
	a.preflight(ctx)

	go a.localHealthLoop(ctx)

	backoff := retry.NewBackoff(0, retry.DefaultReconnectInterval)
	for {
		a.log.Info().Str("endpoint", a.cfg.IngressEndpoint).Msg("connecting to ingress")
		err := a.runOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			a.log.Error().Err(err).Msg("connection to ingress failed")
		default:
			a.log.Info().Msg("connection to ingress ended")
		}

		a.log.Info().Dur("wait", backoff.Interval()).Msg("reconnecting")
		if !backoff.Backoff(ctx) {
			return ctx.Err()
		}
	}
}

func (a *Agent) runOnce(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.IngressEndpoint, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return errors.Wrap(err, "dial control endpoint")
	}
	defer conn.Close()
	a.log.Info().Str("client", a.clientID.String()).Msg("connected to ingress")

	if err := a.authenticate(ctx, conn); err != nil {
		return err
	}
	if err := a.register(conn); err != nil {
		return err
	}

	return a.serve(ctx, conn)
}

// authenticate sends the identity handshake and waits for its reply.
// Frames of any other kind arriving first are discarded; registration
// must not start until the server has ruled on the identity.
func (a *Agent) authenticate(ctx context.Context, conn *websocket.Conn) error {
	req := wire.IamAuth{Region: a.region}
	url, err := a.presignIdentityURL(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to build presigned identity URL, sending empty handshake")
	} else {
		req.PresignedURL = url
		a.log.Info().Msg("generated presigned identity URL")
	}

	if err := writeMessage(conn, req); err != nil {
		return errors.Wrap(err, "send identity handshake")
	}

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "connection lost during identity handshake")
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := wire.Unmarshal(data)
		if err != nil {
			continue
		}
		resp, ok := msg.(*wire.IamAuthResponse)
		if !ok {
			continue
		}
		if !resp.Success {
			return errors.Errorf("identity rejected: %s", resp.Error)
		}
		_ = conn.SetReadDeadline(time.Time{})
		if resp.Identity != nil {
			a.log.Info().Str("arn", resp.Identity.ARN).Msg("identity accepted")
		} else {
			a.log.Info().Msg("identity accepted")
		}
		return nil
	}
}

// presignIdentityURL builds a fresh presigned GetCallerIdentity URL,
// resolving credentials per attempt so rotation is picked up.
func (a *Agent) presignIdentityURL(ctx context.Context) (string, error) {
	if a.awsCfg == nil || a.awsCfg.credentials == nil {
		return "", errors.New("no aws credentials provider available")
	}
	creds, err := a.awsCfg.credentials.Retrieve(ctx)
	if err != nil {
		return "", errors.Wrap(err, "resolve aws credentials")
	}
	return sigv4.PresignGetCallerIdentity(creds, a.region, time.Now()), nil
}

func (a *Agent) register(conn *websocket.Conn) error {
	reg := wire.ServiceRegistration{
		ID:              a.clientID,
		Host:            a.cfg.Host,
		Port:            a.cfg.Port,
		ServiceName:     a.cfg.ServiceName,
		ClusterName:     a.cfg.ClusterName,
		TaskARN:         a.taskARN,
		Attributes:      a.serviceAttributes(),
		HealthCheckPath: a.cfg.HealthCheckPath,
	}
	if err := writeMessage(conn, reg); err != nil {
		return errors.Wrap(err, "send service registration")
	}
	a.log.Info().
		Str("service", a.cfg.ServiceName).
		Str("host", a.cfg.Host).
		Msg("sent service registration")

	hb := wire.HeartBeat{ClusterName: a.cfg.ClusterName, ClientID: a.clientID}
	if err := writeMessage(conn, hb); err != nil {
		a.log.Error().Err(err).Msg("failed to send initial heartbeat")
	}
	return nil
}

func (a *Agent) serviceAttributes() map[string]string {
	if a.taskARN == "" {
		return map[string]string{}
	}
	return map[string]string{
		"environment": "production",
		"version":     "1.0.0",
		"task_arn":    a.taskARN,
	}
}

// serve is the post-registration loop. It is the only writer on the
// connection: forwarder goroutines and tunnel pumps queue their frames
// through the control session and this loop drains them.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) error {
	sess := newControlSession()
	defer sess.close()
	defer a.wsProxy.closeAll()

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			select {
			case inbound <- data:
			case <-sess.stop.Wait():
				return
			}
		}
	}()

	reconnectC := make(chan struct{})
	go a.watchServerInstance(healthURL(a.cfg.IngressEndpoint), instancePollInterval, reconnectC, sess.stop.Wait())

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case data := <-inbound:
			if err := a.handleServerMessage(sess, data); err != nil {
				return errors.Wrap(err, "handle control message")
			}
		case err := <-readErr:
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				a.log.Info().Int("code", closeErr.Code).Msg("control connection closed by server")
				return nil
			}
			return errors.Wrap(err, "control connection read")
		case <-heartbeat.C:
			hb := wire.HeartBeat{ClusterName: a.cfg.ClusterName, ClientID: a.clientID}
			if err := writeMessage(conn, hb); err != nil {
				return errors.Wrap(err, "send heartbeat")
			}
			a.log.Debug().Msg("sent heartbeat")
		case msg := <-sess.outbound:
			if err := writeMessage(conn, msg); err != nil {
				return errors.Wrap(err, "write control message")
			}
		case <-reconnectC:
			a.log.Warn().Msg("server instance changed, reconnecting")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleServerMessage dispatches one inbound control frame. HTTP
// forwards and tunnel dials run in their own goroutines so a slow local
// service cannot stall tunnel traffic; their replies come back through
// the session queue.
func (a *Agent) handleServerMessage(sess *controlSession, data []byte) error {
	msg, err := wire.Unmarshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to parse message")
	}

	switch m := msg.(type) {
	case *wire.ProxyRequest:
		req := *m
		go func() {
			resp := a.forwarder.Execute(req)
			if err := sess.Send(resp); err != nil {
				a.log.Error().Err(err).Str("request", req.ID.String()).Msg("failed to queue proxy response")
			}
		}()
	case *wire.WebSocketProxyInit:
		go a.wsProxy.handleInit(*m, sess)
	case *wire.WebSocketProxyData:
		a.wsProxy.handleData(*m)
	case *wire.WebSocketProxyClose:
		a.wsProxy.handleClose(*m)
	case *wire.RegistrationAck:
		if m.Success {
			a.log.Info().Str("message", m.Message).Msg("service registration acknowledged")
		} else {
			a.log.Warn().Str("message", m.Message).Msg("service registration rejected")
		}
	default:
		a.log.Warn().Str("kind", string(msg.Kind())).Msg("unexpected message type from ingress")
	}
	return nil
}

// watchServerInstance polls the server health document and signals
// reconnectC once the instance id changes, meaning the process the
// agent registered with is gone.
func (a *Agent) watchServerInstance(url string, interval time.Duration, reconnectC chan<- struct{}, stopC <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastInstance string
	for {
		select {
		case <-ticker.C:
			instance, err := a.fetchInstanceID(url)
			if err != nil || instance == "" {
				// Transient poll failures never force a reconnect.
				continue
			}
			if lastInstance == "" {
				lastInstance = instance
				continue
			}
			if instance != lastInstance {
				a.log.Warn().Str("instance", instance).Msg("ingress instance changed")
				close(reconnectC)
				return
			}
		case <-stopC:
			return
		}
	}
}

func (a *Agent) fetchInstanceID(url string) (string, error) {
	resp, err := a.httpClient.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var doc struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", err
	}
	return doc.InstanceID, nil
}

func (a *Agent) localHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(localHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			healthy, err := a.forwarder.HealthCheck(a.cfg.HealthCheckPath)
			switch {
			case err != nil:
				a.log.Error().Err(err).Msg("local health check error")
			case !healthy:
				a.log.Warn().Msg("local service health check failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// healthURL maps a control endpoint onto the server's health document:
// ws becomes http, wss becomes https, and /health is appended.
func healthURL(ingressEndpoint string) string {
	u := ingressEndpoint
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	}
	return strings.TrimRight(u, "/") + "/health"
}

func writeMessage(conn *websocket.Conn, msg wire.Message) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal control message")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

var errSessionClosed = errors.New("control session closed")

// controlSession funnels messages from forwarder goroutines and tunnel
// pumps into the single control-channel writer.
type controlSession struct {
	outbound chan wire.Message
	stop     *signal.Signal
}

func newControlSession() *controlSession {
	return &controlSession{
		outbound: make(chan wire.Message, outboundQueueDepth),
		stop:     signal.New(make(chan struct{})),
	}
}

// Send queues msg for the control writer. It blocks while the queue is
// full and fails once the session is torn down.
func (s *controlSession) Send(msg wire.Message) error {
	select {
	case <-s.stop.Wait():
		return errSessionClosed
	default:
	}
	select {
	case s.outbound <- msg:
		return nil
	case <-s.stop.Wait():
		return errSessionClosed
	}
}

func (s *controlSession) close() {
	s.stop.Notify()
}
