package ingress

import (
	"encoding/base64"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/tunnelmesh/tunnelmesh/registry"
	"github.com/tunnelmesh/tunnelmesh/router"
	tmwebsocket "github.com/tunnelmesh/tunnelmesh/websocket"
	"github.com/tunnelmesh/tunnelmesh/wire"
)

const (
	// tunnelQueueDepth bounds frames parked between the agent and a slow
	// downstream reader. Overflow drops the frame rather than stalling
	// the agent's whole control channel.
	tunnelQueueDepth = 256

	controlWriteWait = time.Second
)

// tunnelForwardHeaders is the whitelist of downstream headers handed to
// the agent on tunnel init.
var tunnelForwardHeaders = []string{
	"host",
	"x-forwarded-for",
	"x-forwarded-proto",
	"x-forwarded-host",
	"sec-websocket-protocol",
	"cookie",
	"authorization",
}

type tunnelFrameKind int

const (
	frameText tunnelFrameKind = iota
	frameBinary
	frameClose
)

// tunnelFrame is one unit queued from the agent toward the downstream
// socket.
type tunnelFrame struct {
	kind tunnelFrameKind
	text string
	data []byte
}

// tunnelSession is the server half of one proxied WebSocket.
type tunnelSession struct {
	agentConnectionID uuid.UUID
	out               chan tunnelFrame
}

// WSProxyEnabled reports whether the edge accepts WebSocket upgrades.
// On unless ENABLE_ALB_WS_PROXY is explicitly "false" or "0".
func WSProxyEnabled() bool {
	v, ok := os.LookupEnv("ENABLE_ALB_WS_PROXY")
	if !ok {
		return true
	}
	return strings.ToLower(v) != "false" && v != "0"
}

// serveTunnel handles a downstream WebSocket upgrade: resolve the
// target agent, park a session and an init waiter, ask the agent to
// dial its origin, then complete the upgrade and pump frames.
func (s *Service) serveTunnel(w http.ResponseWriter, r *http.Request) {
	if !WSProxyEnabled() {
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = io.WriteString(w, "WebSocket proxying is disabled")
		return
	}
	if !tmwebsocket.IsWebSocketUpgrade(r) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "WebSocket upgrade required")
		return
	}

	host := targetHost(r)
	path := r.URL.RequestURI()
	fwdHeaders := tunnelHeaders(r)

	reg, err := s.router.SelectService(host)
	if err != nil {
		if errors.Is(err, router.ErrNoService) {
			s.log.Warn().Str("host", host).Msg("no matching service for tunnel host")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, "Service Not Found")
			return
		}
		s.log.Warn().Str("host", host).Msg("matched service unhealthy for tunnel host")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "No healthy service available")
		return
	}

	sender, ok := s.registry.ConnectionSender(reg.ID)
	if !ok {
		s.log.Warn().Str("agent", reg.ID.String()).Msg("no sender found for matched agent")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "No upstream connection")
		return
	}

	sessionID := uuid.New()
	s.log.Info().Str("session", sessionID.String()).Str("host", host).Msg("starting edge tunnel session")

	var subprotocols []string
	if proto := fwdHeaders["sec-websocket-protocol"]; proto != "" {
		for _, p := range strings.Split(proto, ",") {
			subprotocols = append(subprotocols, strings.TrimSpace(p))
		}
	}

	// Session and waiter go in before the init is sent so an instant ack
	// still finds its waiter.
	sess := &tunnelSession{
		agentConnectionID: reg.ID,
		out:               make(chan tunnelFrame, tunnelQueueDepth),
	}
	ack := make(chan wire.WebSocketProxyInitAck, 1)
	s.addTunnelSession(sessionID, sess, ack)

	init := wire.WebSocketProxyInit{
		SessionID:    sessionID,
		TargetHost:   host,
		Path:         path,
		Headers:      fwdHeaders,
		Subprotocols: subprotocols,
	}
	if err := sender.Send(init); err != nil {
		s.removeTunnelSession(sessionID)
		s.log.Error().Err(err).Str("session", sessionID.String()).Msg("failed to send tunnel init to agent")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "Upstream init failed")
		return
	}

	conn, err := tmwebsocket.DefaultUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.removeTunnelSession(sessionID)
		s.log.Error().Err(err).Str("session", sessionID.String()).Msg("failed to upgrade edge connection")
		return
	}

	go s.runTunnel(conn, sessionID, sess, ack, sender)
}

// runTunnel waits for the agent's init ack, then pumps frames both ways
// until either side closes.
func (s *Service) runTunnel(conn *websocket.Conn, sessionID uuid.UUID, sess *tunnelSession, ack <-chan wire.WebSocketProxyInitAck, sender registry.Sender) {
	defer conn.Close()
	defer s.removeTunnelSession(sessionID)

	initAck, ok := <-ack
	if !ok {
		s.log.Warn().Str("session", sessionID.String()).Msg("tunnel init waiter dropped")
		return
	}
	if !initAck.Success {
		s.log.Warn().Str("session", sessionID.String()).Str("message", initAck.Message).Msg("tunnel init failed")
		return
	}
	s.log.Info().Str("session", sessionID.String()).Msg("tunnel init acknowledged")

	tunnelSessionsGauge.Inc()
	defer tunnelSessionsGauge.Dec()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.tunnelDownstreamPump(conn, sessionID, sender)
	}()

	s.tunnelAgentPump(conn, sess.out, readDone, sessionID)
	conn.Close()
	<-readDone

	_ = sender.Send(wire.WebSocketProxyClose{SessionID: sessionID, Reason: "alb connection closed"})
}

// tunnelDownstreamPump relays downstream frames to the agent until the
// socket closes or errors.
func (s *Service) tunnelDownstreamPump(conn *websocket.Conn, sessionID uuid.UUID, sender registry.Sender) {
	conn.SetPingHandler(func(appData string) error {
		_ = sender.Send(wire.WebSocketProxyData{SessionID: sessionID, FrameType: wire.FramePing})
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		_ = sender.Send(wire.WebSocketProxyData{SessionID: sessionID, FrameType: wire.FramePong})
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				// The close code is deliberately not forwarded; only the reason
				// travels, matching the agent side.
				_ = sender.Send(wire.WebSocketProxyClose{SessionID: sessionID, Reason: closeErr.Text})
			} else {
				s.log.Warn().Err(err).Str("session", sessionID.String()).Msg("edge tunnel read error")
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			_ = sender.Send(wire.WebSocketProxyData{
				SessionID: sessionID,
				FrameType: wire.FrameText,
				Payload:   wire.TextPayload(string(data)),
			})
		case websocket.BinaryMessage:
			_ = sender.Send(wire.WebSocketProxyData{
				SessionID: sessionID,
				FrameType: wire.FrameBinary,
				Payload:   wire.TextPayload(base64.StdEncoding.EncodeToString(data)),
			})
		}
	}
}

// tunnelAgentPump writes queued agent frames to the downstream socket.
// It ends on a close frame, a write error, or the read side finishing.
func (s *Service) tunnelAgentPump(conn *websocket.Conn, out <-chan tunnelFrame, readDone <-chan struct{}, sessionID uuid.UUID) {
	for {
		select {
		case frame := <-out:
			var err error
			switch frame.kind {
			case frameText:
				err = conn.WriteMessage(websocket.TextMessage, []byte(frame.text))
			case frameBinary:
				err = conn.WriteMessage(websocket.BinaryMessage, frame.data)
			case frameClose:
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err != nil {
				s.log.Warn().Err(err).Str("session", sessionID.String()).Msg("edge tunnel write error")
				return
			}
		case <-readDone:
			return
		}
	}
}

func (s *Service) addTunnelSession(sessionID uuid.UUID, sess *tunnelSession, ack chan wire.WebSocketProxyInitAck) {
	s.sessionsMu.Lock()
	s.sessions[sessionID] = sess
	s.waiters[sessionID] = ack
	s.sessionsMu.Unlock()
}

// removeTunnelSession drops a session and its init waiter if still
// present. A waiter closed without an ack unblocks runTunnel, which
// releases the downstream socket.
func (s *Service) removeTunnelSession(sessionID uuid.UUID) {
	s.sessionsMu.Lock()
	delete(s.sessions, sessionID)
	if ch, ok := s.waiters[sessionID]; ok {
		delete(s.waiters, sessionID)
		close(ch)
	}
	s.sessionsMu.Unlock()
}

// dropConnectionSessions tears down every tunnel session owned by a
// control connection that has gone away. Pending waiters are closed
// and open sessions get a close frame.
func (s *Service) dropConnectionSessions(connectionID uuid.UUID) {
	dropped := make(map[uuid.UUID]*tunnelSession)
	s.sessionsMu.Lock()
	for id, sess := range s.sessions {
		if sess.agentConnectionID != connectionID {
			continue
		}
		delete(s.sessions, id)
		dropped[id] = sess
		if ch, ok := s.waiters[id]; ok {
			delete(s.waiters, id)
			close(ch)
		}
	}
	s.sessionsMu.Unlock()

	for id, sess := range dropped {
		s.deliverTunnelFrame(id, sess, tunnelFrame{kind: frameClose})
	}
	if len(dropped) > 0 {
		s.log.Info().Str("connection", connectionID.String()).Int("sessions", len(dropped)).Msg("dropped tunnel sessions for closed connection")
	}
}

// deliverTunnelAck completes a pending init waiter. Acks with no waiter
// are logged and dropped.
func (s *Service) deliverTunnelAck(ack wire.WebSocketProxyInitAck) {
	s.sessionsMu.Lock()
	ch, ok := s.waiters[ack.SessionID]
	delete(s.waiters, ack.SessionID)
	s.sessionsMu.Unlock()

	if !ok {
		s.log.Warn().Str("session", ack.SessionID.String()).Msg("init ack waiter not found for session")
		return
	}
	ch <- ack
}

// tunnelDataFromAgent queues one agent frame for its downstream socket.
// Ping and pong from the agent are dropped; the downstream side manages
// its own keepalive.
func (s *Service) tunnelDataFromAgent(data wire.WebSocketProxyData) {
	s.sessionsMu.RLock()
	sess, ok := s.sessions[data.SessionID]
	s.sessionsMu.RUnlock()
	if !ok {
		s.log.Warn().Str("session", data.SessionID.String()).Msg("received tunnel data for unknown session")
		return
	}

	switch data.FrameType {
	case wire.FrameText:
		if data.Payload == nil {
			return
		}
		s.deliverTunnelFrame(data.SessionID, sess, tunnelFrame{kind: frameText, text: *data.Payload})
	case wire.FrameBinary:
		if data.Payload == nil {
			return
		}
		raw, err := base64.StdEncoding.DecodeString(*data.Payload)
		if err != nil {
			s.log.Warn().Str("session", data.SessionID.String()).Msg("dropping undecodable binary tunnel frame")
			return
		}
		s.deliverTunnelFrame(data.SessionID, sess, tunnelFrame{kind: frameBinary, data: raw})
	}
}

// tunnelCloseFromAgent removes the session and forwards the close to
// the downstream socket.
func (s *Service) tunnelCloseFromAgent(closeMsg wire.WebSocketProxyClose) {
	s.sessionsMu.Lock()
	sess, ok := s.sessions[closeMsg.SessionID]
	delete(s.sessions, closeMsg.SessionID)
	if ch, waiting := s.waiters[closeMsg.SessionID]; waiting {
		delete(s.waiters, closeMsg.SessionID)
		close(ch)
	}
	s.sessionsMu.Unlock()

	if !ok {
		s.log.Warn().Str("session", closeMsg.SessionID.String()).Msg("unknown session close from agent")
		return
	}
	s.deliverTunnelFrame(closeMsg.SessionID, sess, tunnelFrame{kind: frameClose})
	s.log.Info().Str("session", closeMsg.SessionID.String()).Msg("tunnel session closed by agent")
}

func (s *Service) deliverTunnelFrame(sessionID uuid.UUID, sess *tunnelSession, frame tunnelFrame) {
	select {
	case sess.out <- frame:
	default:
		s.log.Warn().Str("session", sessionID.String()).Msg("tunnel session queue full, dropping frame")
	}
}

// tunnelHeaders collects the whitelisted downstream headers for the
// init message. Host rides along explicitly since net/http strips it
// from the header map.
func tunnelHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string)
	for _, name := range tunnelForwardHeaders {
		if value := r.Header.Get(name); value != "" {
			headers[name] = value
		}
	}
	if r.Host != "" {
		headers["host"] = r.Host
	}
	return headers
}
