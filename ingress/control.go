package ingress

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/tunnelmesh/tunnelmesh/registry"
	tmwebsocket "github.com/tunnelmesh/tunnelmesh/websocket"
	"github.com/tunnelmesh/tunnelmesh/wire"
)

// sendQueueDepth bounds the per-connection outbound queue. The original
// queue was unbounded; a bound keeps one wedged agent socket from
// holding frames for the whole process.
const sendQueueDepth = 256

var (
	errSenderClosed = errors.New("connection send queue closed")
	errSenderFull   = errors.New("connection send queue full")
)

// queueSender is the registry.Sender for one agent connection. Frames
// are queued here and drained by the connection's write pump.
type queueSender struct {
	queue chan wire.Message
	done  chan struct{}
	once  sync.Once
}

func newQueueSender() *queueSender {
	return &queueSender{
		queue: make(chan wire.Message, sendQueueDepth),
		done:  make(chan struct{}),
	}
}

// Send enqueues without blocking. Callers treat any error as "this
// agent cannot take traffic" and fail the request at hand.
func (q *queueSender) Send(msg wire.Message) error {
	select {
	case <-q.done:
		return errSenderClosed
	default:
	}
	select {
	case q.queue <- msg:
		return nil
	default:
		return errSenderFull
	}
}

func (q *queueSender) close() {
	q.once.Do(func() { close(q.done) })
}

// ControlHandler serves the agent-facing listener: the health document
// and the control-channel WebSocket upgrade.
func (s *Service) ControlHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			_, _ = io.WriteString(w, "Method not allowed")
			return
		}
		if r.URL.Path == "/health" {
			s.writeHealth(w)
			return
		}
		if !tmwebsocket.IsWebSocketUpgrade(r) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, "WebSocket upgrade required")
			return
		}
		conn, err := tmwebsocket.DefaultUpgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to upgrade agent connection")
			return
		}
		s.serveAgent(conn)
	})
}

// serveAgent owns one agent control connection from accept to teardown.
// It blocks until the socket dies or the agent closes.
func (s *Service) serveAgent(conn *websocket.Conn) {
	connectionID := uuid.New()
	sender := newQueueSender()
	s.registry.RegisterConnection(connectionID, sender)
	s.syncGauges()
	s.log.Info().Str("connection", connectionID.String()).Msg("new agent connection established")

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.agentWriteLoop(conn, sender, connectionID)
	}()

	s.agentReadLoop(conn, connectionID)

	sender.close()
	conn.Close()
	<-writeDone

	s.registry.RemoveConnection(connectionID)
	s.dropConnectionSessions(connectionID)
	s.syncGauges()
	s.log.Info().Str("connection", connectionID.String()).Msg("agent connection ended")
}

func (s *Service) agentReadLoop(conn *websocket.Conn, connectionID uuid.UUID) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.log.Info().Str("connection", connectionID.String()).Msg("agent connection closed")
			} else {
				s.log.Error().Err(err).Str("connection", connectionID.String()).Msg("agent connection read error")
			}
			return
		}
		// The control channel is text frames only.
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.handleAgentMessage(connectionID, data); err != nil {
			s.log.Error().Err(err).Str("connection", connectionID.String()).Msg("error handling agent message")
		}
	}
}

func (s *Service) agentWriteLoop(conn *websocket.Conn, sender *queueSender, connectionID uuid.UUID) {
	for {
		select {
		case msg := <-sender.queue:
			data, err := wire.Marshal(msg)
			if err != nil {
				s.log.Error().Err(err).Str("connection", connectionID.String()).Msg("failed to serialize message")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Error().Err(err).Str("connection", connectionID.String()).Msg("failed to write to agent connection")
				return
			}
		case <-sender.done:
			return
		}
	}
}

// handleAgentMessage parses one control frame. Tunnel traffic from the
// agent is intercepted ahead of the dispatcher because it addresses a
// session, not the connection.
func (s *Service) handleAgentMessage(connectionID uuid.UUID, raw []byte) error {
	msg, err := wire.Unmarshal(raw)
	if err != nil {
		return errors.Wrap(err, "failed to parse message")
	}

	switch m := msg.(type) {
	case *wire.WebSocketProxyInitAck:
		s.deliverTunnelAck(*m)
		return nil
	case *wire.WebSocketProxyData:
		s.tunnelDataFromAgent(*m)
		return nil
	case *wire.WebSocketProxyClose:
		s.tunnelCloseFromAgent(*m)
		return nil
	}
	return s.dispatch(connectionID, msg)
}

// dispatch handles the connection-scoped control messages.
func (s *Service) dispatch(connectionID uuid.UUID, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.IamAuth:
		return s.handleIamAuth(connectionID, *m)
	case *wire.ServiceRegistration:
		return s.handleRegistration(connectionID, *m)
	case *wire.HeartBeat:
		return s.handleHeartbeat(connectionID, *m)
	case *wire.ProxyResponse:
		return s.handleProxyResponse(*m)
	case *wire.ServiceDeregistration:
		return s.handleDeregistration(*m)
	default:
		s.log.Warn().Str("kind", string(msg.Kind())).Str("connection", connectionID.String()).Msg("unexpected message type from agent")
		return errors.Errorf("unexpected message type from agent: %s", msg.Kind())
	}
}

func (s *Service) handleIamAuth(connectionID uuid.UUID, req wire.IamAuth) error {
	resp := s.auth.Authenticate(context.Background(), req)
	if resp.Success {
		authOutcomes.WithLabelValues("success").Inc()
	} else {
		authOutcomes.WithLabelValues("failure").Inc()
	}
	return s.sendToConnection(connectionID, resp)
}

func (s *Service) handleRegistration(connectionID uuid.UUID, reg wire.ServiceRegistration) error {
	s.registry.RegisterService(connectionID, reg)
	s.syncGauges()
	s.log.Info().
		Str("connection", connectionID.String()).
		Str("service", reg.ServiceName).
		Str("host", reg.Host).
		Msg("service registered")

	ack := wire.RegistrationAck{
		ID:      connectionID,
		Success: true,
		Message: "Service registered successfully",
	}
	return s.sendToConnection(connectionID, ack)
}

func (s *Service) handleHeartbeat(connectionID uuid.UUID, hb wire.HeartBeat) error {
	s.log.Debug().Str("cluster", hb.ClusterName).Str("connection", connectionID.String()).Msg("received heartbeat")
	if err := s.registry.UpdateHeartbeat(connectionID); err != nil {
		s.log.Warn().Err(err).Str("connection", connectionID.String()).Msg("failed to update heartbeat")
		return err
	}
	heartbeatsCounter.Inc()
	return nil
}

func (s *Service) handleProxyResponse(resp wire.ProxyResponse) error {
	if err := s.router.HandleResponse(resp); err != nil {
		s.log.Error().Err(err).Str("request", resp.ID.String()).Msg("failed to handle proxy response")
		return err
	}
	return nil
}

func (s *Service) handleDeregistration(dereg wire.ServiceDeregistration) error {
	s.registry.DeregisterService(dereg.ID)
	s.syncGauges()
	s.log.Info().Str("service", dereg.ID.String()).Msg("service deregistered")
	return nil
}

func (s *Service) sendToConnection(connectionID uuid.UUID, msg wire.Message) error {
	sender, ok := s.registry.ConnectionSender(connectionID)
	if !ok {
		s.log.Warn().Str("connection", connectionID.String()).Msg("no sender found for connection")
		return errors.Wrapf(registry.ErrNotFound, "connection %s", connectionID)
	}
	if err := sender.Send(msg); err != nil {
		s.log.Error().Err(err).Str("connection", connectionID.String()).Msg("failed to send response to connection")
		return errors.Wrap(err, "send response to connection")
	}
	return nil
}
