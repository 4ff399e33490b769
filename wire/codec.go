package wire

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes m inside its single-key envelope.
func Marshal(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", m.Kind())
	}
	return json.Marshal(map[Kind]jsoniter.RawMessage{m.Kind(): payload})
}

// Unmarshal decodes a single-key envelope into its concrete message. An
// envelope with zero or several keys, an unknown kind, or a malformed
// payload is an error; the caller decides whether the channel survives.
func Unmarshal(data []byte) (Message, error) {
	var envelope map[Kind]jsoniter.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Wrap(err, "decode message envelope")
	}
	if len(envelope) != 1 {
		return nil, errors.Errorf("message envelope must carry exactly one kind, got %d", len(envelope))
	}
	for kind, payload := range envelope {
		msg, err := emptyMessage(kind)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, errors.Wrapf(err, "decode %s payload", kind)
		}
		return msg, nil
	}
	panic("unreachable")
}

func emptyMessage(kind Kind) (Message, error) {
	switch kind {
	case KindIamAuth:
		return &IamAuth{}, nil
	case KindIamAuthResponse:
		return &IamAuthResponse{}, nil
	case KindServiceRegistration:
		return &ServiceRegistration{}, nil
	case KindServiceDeregistration:
		return &ServiceDeregistration{}, nil
	case KindRegistrationAck:
		return &RegistrationAck{}, nil
	case KindHeartBeat:
		return &HeartBeat{}, nil
	case KindProxyRequestForward:
		return &ProxyRequest{}, nil
	case KindProxyResponse:
		return &ProxyResponse{}, nil
	case KindWebSocketProxyInit:
		return &WebSocketProxyInit{}, nil
	case KindWebSocketProxyInitAck:
		return &WebSocketProxyInitAck{}, nil
	case KindWebSocketProxyData:
		return &WebSocketProxyData{}, nil
	case KindWebSocketProxyClose:
		return &WebSocketProxyClose{}, nil
	default:
		return nil, errors.Errorf("unknown message kind %q", kind)
	}
}

// MarshalJSON encodes the header as a two-element array, the form the
// channel has always used for ordered header lists.
func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{h.Name, h.Value})
}

// UnmarshalJSON decodes the two-element array form.
func (h *Header) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.Wrap(err, "decode header pair")
	}
	h.Name, h.Value = pair[0], pair[1]
	return nil
}
