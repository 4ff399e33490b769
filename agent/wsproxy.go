package agent

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/tunnelmesh/signal"
	tmwebsocket "github.com/tunnelmesh/tunnelmesh/websocket"
	"github.com/tunnelmesh/tunnelmesh/wire"
)

const (
	// localQueueDepth bounds frames parked between the control channel
	// and a slow local socket. Overflow drops the frame rather than
	// stalling every other session.
	localQueueDepth = 256

	localControlWait = time.Second
)

// sender is where session pumps put frames bound for the server.
type sender interface {
	Send(msg wire.Message) error
}

type localFrameKind int

const (
	localText localFrameKind = iota
	localBinary
	localPing
	localPong
	localClose
)

// localFrame is one unit queued from the server toward the local socket.
type localFrame struct {
	kind localFrameKind
	text string
	data []byte
}

// localSession is the agent half of one proxied WebSocket.
type localSession struct {
	out  chan localFrame
	stop *signal.Signal
}

func newLocalSession() *localSession {
	return &localSession{
		out:  make(chan localFrame, localQueueDepth),
		stop: signal.New(make(chan struct{})),
	}
}

// wsReverseProxy opens WebSockets against the local service on the
// server's behalf and shuttles frames between them and the control
// channel.
type wsReverseProxy struct {
	localEndpoint string
	log           *zerolog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*localSession
}

func newWSReverseProxy(localEndpoint string, log *zerolog.Logger) *wsReverseProxy {
	return &wsReverseProxy{
		localEndpoint: localEndpoint,
		log:           log,
		sessions:      make(map[uuid.UUID]*localSession),
	}
}

// handleInit dials the local service and reports the outcome. The
// session is recorded before the ack goes out so data frames following
// the ack always find it.
func (p *wsReverseProxy) handleInit(init wire.WebSocketProxyInit, ctrl sender) {
	url := tmwebsocket.DialURL(p.localEndpoint, init.Path)
	p.log.Info().Str("session", init.SessionID.String()).Str("url", url).Msg("tunnel init for local service")

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		p.log.Error().Err(err).Str("session", init.SessionID.String()).Msg("failed to dial local websocket")
		_ = ctrl.Send(wire.WebSocketProxyInitAck{
			SessionID: init.SessionID,
			Success:   false,
			Message:   err.Error(),
		})
		return
	}

	ls := newLocalSession()
	p.mu.Lock()
	p.sessions[init.SessionID] = ls
	p.mu.Unlock()

	go p.runSession(conn, init.SessionID, ls, ctrl)

	_ = ctrl.Send(wire.WebSocketProxyInitAck{SessionID: init.SessionID, Success: true})
}

// runSession pumps one local socket both ways until either side closes,
// then tells the server the session is gone.
func (p *wsReverseProxy) runSession(conn *websocket.Conn, sessionID uuid.UUID, ls *localSession, ctrl sender) {
	defer conn.Close()
	defer p.remove(sessionID)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		p.localReadPump(conn, sessionID, ctrl)
	}()

	p.localWritePump(conn, ls, readDone, sessionID)
	conn.Close()
	<-readDone

	_ = ctrl.Send(wire.WebSocketProxyClose{SessionID: sessionID, Reason: "local connection closed"})
}

// localReadPump relays local frames to the server until the socket
// closes or errors.
func (p *wsReverseProxy) localReadPump(conn *websocket.Conn, sessionID uuid.UUID, ctrl sender) {
	conn.SetPingHandler(func(appData string) error {
		_ = ctrl.Send(wire.WebSocketProxyData{SessionID: sessionID, FrameType: wire.FramePing})
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(localControlWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		_ = ctrl.Send(wire.WebSocketProxyData{SessionID: sessionID, FrameType: wire.FramePong})
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				// Only the reason travels; the server applies its own code.
				_ = ctrl.Send(wire.WebSocketProxyClose{SessionID: sessionID, Reason: closeErr.Text})
			} else {
				p.log.Warn().Err(err).Str("session", sessionID.String()).Msg("local websocket read error")
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			_ = ctrl.Send(wire.WebSocketProxyData{
				SessionID: sessionID,
				FrameType: wire.FrameText,
				Payload:   wire.TextPayload(string(data)),
			})
		case websocket.BinaryMessage:
			_ = ctrl.Send(wire.WebSocketProxyData{
				SessionID: sessionID,
				FrameType: wire.FrameBinary,
				Payload:   wire.TextPayload(base64.StdEncoding.EncodeToString(data)),
			})
		}
	}
}

// localWritePump writes queued server frames to the local socket. It
// ends on a close frame, a write error, a stopped session, or the read
// side finishing.
func (p *wsReverseProxy) localWritePump(conn *websocket.Conn, ls *localSession, readDone <-chan struct{}, sessionID uuid.UUID) {
	for {
		select {
		case frame := <-ls.out:
			var err error
			switch frame.kind {
			case localText:
				err = conn.WriteMessage(websocket.TextMessage, []byte(frame.text))
			case localBinary:
				err = conn.WriteMessage(websocket.BinaryMessage, frame.data)
			case localPing:
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(localControlWait))
			case localPong:
				err = conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(localControlWait))
			case localClose:
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err != nil {
				p.log.Warn().Err(err).Str("session", sessionID.String()).Msg("local websocket write error")
				return
			}
		case <-ls.stop.Wait():
			_ = conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case <-readDone:
			return
		}
	}
}

// handleData queues one server frame for its local socket.
func (p *wsReverseProxy) handleData(data wire.WebSocketProxyData) {
	p.mu.RLock()
	ls, ok := p.sessions[data.SessionID]
	p.mu.RUnlock()
	if !ok {
		p.log.Warn().Str("session", data.SessionID.String()).Msg("tunnel data for unknown session")
		return
	}

	switch data.FrameType {
	case wire.FrameText:
		if data.Payload == nil {
			return
		}
		p.deliver(data.SessionID, ls, localFrame{kind: localText, text: *data.Payload})
	case wire.FrameBinary:
		if data.Payload == nil {
			return
		}
		raw, err := base64.StdEncoding.DecodeString(*data.Payload)
		if err != nil {
			p.log.Warn().Str("session", data.SessionID.String()).Msg("dropping undecodable binary tunnel frame")
			return
		}
		p.deliver(data.SessionID, ls, localFrame{kind: localBinary, data: raw})
	case wire.FramePing:
		p.deliver(data.SessionID, ls, localFrame{kind: localPing})
	case wire.FramePong:
		p.deliver(data.SessionID, ls, localFrame{kind: localPong})
	}
}

// handleClose rides the frame queue so frames already parked for the
// local socket flush before it closes.
func (p *wsReverseProxy) handleClose(closeMsg wire.WebSocketProxyClose) {
	p.mu.Lock()
	ls, ok := p.sessions[closeMsg.SessionID]
	delete(p.sessions, closeMsg.SessionID)
	p.mu.Unlock()
	if !ok {
		p.log.Info().Str("session", closeMsg.SessionID.String()).Msg("close for unknown tunnel session")
		return
	}
	p.deliver(closeMsg.SessionID, ls, localFrame{kind: localClose})
	p.log.Info().Str("session", closeMsg.SessionID.String()).Msg("tunnel session closed by server")
}

// closeAll tears down every local session. Runs when the control channel
// drops so local sockets do not outlive the tunnel they ride on.
func (p *wsReverseProxy) closeAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[uuid.UUID]*localSession)
	p.mu.Unlock()

	for _, ls := range sessions {
		ls.stop.Notify()
	}
}

func (p *wsReverseProxy) remove(sessionID uuid.UUID) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

func (p *wsReverseProxy) deliver(sessionID uuid.UUID, ls *localSession, frame localFrame) {
	select {
	case ls.out <- frame:
	default:
		p.log.Warn().Str("session", sessionID.String()).Msg("local session queue full, dropping frame")
	}
}
