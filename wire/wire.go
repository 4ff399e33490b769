// Package wire defines the control-channel message set shared by the
// ingress server and its agents. Every frame on the channel is one JSON
// object with exactly one key, the message kind, wrapping the payload.
package wire

import (
	"github.com/google/uuid"
)

// Kind is the envelope tag identifying a message's payload type.
type Kind string

const (
	KindIamAuth                Kind = "IamAuth"
	KindIamAuthResponse        Kind = "IamAuthResponse"
	KindServiceRegistration    Kind = "ServiceRegistration"
	KindServiceDeregistration  Kind = "ServiceDeregistration"
	KindRegistrationAck        Kind = "RegistrationAck"
	KindHeartBeat              Kind = "HeartBeat"
	KindProxyRequestForward    Kind = "ProxyRequestForward"
	KindProxyResponse          Kind = "ProxyResponse"
	KindWebSocketProxyInit     Kind = "WebSocketProxyInit"
	KindWebSocketProxyInitAck  Kind = "WebSocketProxyInitAck"
	KindWebSocketProxyData     Kind = "WebSocketProxyData"
	KindWebSocketProxyClose    Kind = "WebSocketProxyClose"
)

// Message is any frame that can travel the control channel.
type Message interface {
	Kind() Kind
}

// FrameType labels a tunneled WebSocket frame.
type FrameType string

const (
	FrameText   FrameType = "text"
	FrameBinary FrameType = "binary"
	FramePing   FrameType = "ping"
	FramePong   FrameType = "pong"
)

// IamAuth opens the identity handshake. The agent presents a presigned
// STS GetCallerIdentity URL; the remaining fields exist for clients that
// cannot presign and are normally empty.
type IamAuth struct {
	PresignedURL string `json:"presigned_url,omitempty"`
	Region       string `json:"region"`
	ARN          string `json:"arn,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

func (IamAuth) Kind() Kind { return KindIamAuth }

// Identity is the validated caller identity echoed back on success.
type Identity struct {
	ARN           string `json:"arn"`
	AccountID     string `json:"account_id"`
	UserID        string `json:"user_id"`
	PrincipalType string `json:"principal_type"`
}

// IamAuthResponse closes the identity handshake.
type IamAuthResponse struct {
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Identity *Identity `json:"identity,omitempty"`
}

func (IamAuthResponse) Kind() Kind { return KindIamAuthResponse }

// ServiceRegistration announces the service an agent fronts. The server
// rewrites ID to the owning connection id on insert, so one connection
// holds at most one registration.
type ServiceRegistration struct {
	ID              uuid.UUID         `json:"id"`
	Host            string            `json:"host"`
	Port            uint16            `json:"port"`
	ServiceName     string            `json:"service_name"`
	ClusterName     string            `json:"cluster_name"`
	TaskARN         string            `json:"task_arn"`
	Attributes      map[string]string `json:"attributes"`
	HealthCheckPath string            `json:"health_check_path,omitempty"`
}

func (ServiceRegistration) Kind() Kind { return KindServiceRegistration }

// ServiceDeregistration withdraws a registration by id.
type ServiceDeregistration struct {
	ID uuid.UUID `json:"id"`
}

func (ServiceDeregistration) Kind() Kind { return KindServiceDeregistration }

// RegistrationAck acknowledges a ServiceRegistration.
type RegistrationAck struct {
	ID      uuid.UUID `json:"id"`
	Success bool      `json:"success"`
	Message string    `json:"message"`
}

func (RegistrationAck) Kind() Kind { return KindRegistrationAck }

// HeartBeat keeps a registration eligible for routing.
type HeartBeat struct {
	ClusterName string    `json:"cluster_name"`
	ClientID    uuid.UUID `json:"client_id"`
}

func (HeartBeat) Kind() Kind { return KindHeartBeat }

// ProxyRequest is a downstream HTTP request envelope forwarded to an
// agent. Headers are a plain map; when the edge sees a header more than
// once the last value wins.
type ProxyRequest struct {
	ID         uuid.UUID         `json:"id"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body,omitempty"`
	TargetHost string            `json:"target_host"`
}

func (ProxyRequest) Kind() Kind { return KindProxyRequestForward }

// Header is one response header. Response headers travel as an ordered
// list so duplicates, Set-Cookie above all, survive the round trip. On
// the wire each header is a two-element array; see codec.go.
type Header struct {
	Name  string
	Value string
}

// ProxyResponse answers a ProxyRequest, correlated by ID.
type ProxyResponse struct {
	ID         uuid.UUID `json:"id"`
	StatusCode int       `json:"status_code"`
	Headers    []Header  `json:"headers"`
	Body       []byte    `json:"body,omitempty"`
}

func (ProxyResponse) Kind() Kind { return KindProxyResponse }

// WebSocketProxyInit asks an agent to open a local WebSocket for a new
// tunnel session.
type WebSocketProxyInit struct {
	SessionID    uuid.UUID         `json:"session_id"`
	TargetHost   string            `json:"target_host"`
	Path         string            `json:"path"`
	Headers      map[string]string `json:"headers"`
	Subprotocols []string          `json:"subprotocols,omitempty"`
}

func (WebSocketProxyInit) Kind() Kind { return KindWebSocketProxyInit }

// WebSocketProxyInitAck reports whether the agent's local dial succeeded.
type WebSocketProxyInitAck struct {
	SessionID       uuid.UUID         `json:"session_id"`
	Success         bool              `json:"success"`
	Message         string            `json:"message,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
}

func (WebSocketProxyInitAck) Kind() Kind { return KindWebSocketProxyInitAck }

// WebSocketProxyData carries one tunneled frame. Binary payloads are
// base64 (standard alphabet); text payloads ride verbatim. Ping and pong
// frames carry no payload. Payload is a pointer because an empty text
// frame is not the same as a ping.
type WebSocketProxyData struct {
	SessionID uuid.UUID `json:"session_id"`
	FrameType FrameType `json:"frame_type"`
	Payload   *string   `json:"payload,omitempty"`
}

func (WebSocketProxyData) Kind() Kind { return KindWebSocketProxyData }

// WebSocketProxyClose tears down a tunnel session from either side.
type WebSocketProxyClose struct {
	SessionID uuid.UUID `json:"session_id"`
	Code      *uint16   `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func (WebSocketProxyClose) Kind() Kind { return KindWebSocketProxyClose }

// TextPayload boxes a payload string for WebSocketProxyData.
func TextPayload(s string) *string { return &s }
