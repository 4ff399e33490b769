package agent

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/tunnelmesh/wire"
)

// Forwarder replays proxied requests against the local service and
// shapes the answers for the control channel.
type Forwarder struct {
	client        *http.Client
	localEndpoint string
	log           *zerolog.Logger
}

func NewForwarder(client *http.Client, localEndpoint string, log *zerolog.Logger) *Forwarder {
	return &Forwarder{
		client:        client,
		localEndpoint: localEndpoint,
		log:           log,
	}
}

// Execute forwards one proxied request. Failures never surface as
// transport errors; they come back as a 500 response correlated to the
// request so the server can answer the waiting caller.
func (f *Forwarder) Execute(req wire.ProxyRequest) wire.ProxyResponse {
	f.log.Debug().
		Str("request", req.ID.String()).
		Str("path", req.Path).
		Msg("handling proxy request")

	resp, err := f.forward(req)
	if err != nil {
		f.log.Error().Err(err).Str("request", req.ID.String()).Msg("failed to forward request")
		return wire.ProxyResponse{
			ID:         req.ID,
			StatusCode: http.StatusInternalServerError,
			Headers:    []wire.Header{},
			Body:       []byte(fmt.Sprintf("Internal Server Error: %s", err)),
		}
	}
	return resp
}

func (f *Forwarder) forward(req wire.ProxyRequest) (wire.ProxyResponse, error) {
	url := f.localEndpoint + req.Path

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequest(req.Method, url, body)
	if err != nil {
		return wire.ProxyResponse{}, errors.Wrap(err, "build local request")
	}
	for name, value := range req.Headers {
		// The Host header rides in the request struct, not the map.
		if strings.EqualFold(name, "host") {
			httpReq.Host = value
			continue
		}
		httpReq.Header.Set(name, value)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return wire.ProxyResponse{}, err
	}
	defer resp.Body.Close()

	// Keep every header occurrence. Order within a name survives, which
	// is what matters for repeated Set-Cookie values.
	headers := make([]wire.Header, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, value := range values {
			headers = append(headers, wire.Header{Name: name, Value: value})
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.ProxyResponse{}, errors.Wrap(err, "read local response")
	}
	if len(respBody) == 0 {
		respBody = nil
	}

	return wire.ProxyResponse{
		ID:         req.ID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       respBody,
	}, nil
}

// HealthCheck probes the local service. Transport failures come back as
// errors so callers can tell a dead endpoint from an unhealthy answer.
func (f *Forwarder) HealthCheck(path string) (bool, error) {
	resp, err := f.client.Get(f.localEndpoint + path)
	if err != nil {
		return false, errors.Wrap(err, "health check request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil
	}
	return true, nil
}
