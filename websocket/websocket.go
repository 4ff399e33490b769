// Package websocket carries the shared upgrade and dial helpers used by
// the edge listener, the control listener and the agent.
package websocket

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// DefaultUpgrader accepts upgrades from any origin. Origin checks are
// meaningless on a reverse proxy edge; the routing layer decides who is
// served.
var DefaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// IsWebSocketUpgrade checks to see if the request is a WebSocket connection.
func IsWebSocketUpgrade(req *http.Request) bool {
	return websocket.IsWebSocketUpgrade(req)
}

// DialURL maps an http(s) endpoint onto its ws(s) counterpart with the
// request path appended. Endpoints already carrying another scheme pass
// through untouched.
func DialURL(endpoint, path string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return strings.TrimRight(endpoint, "/") + path
}
