package ingress

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	tmwebsocket "github.com/tunnelmesh/tunnelmesh/websocket"
	"github.com/tunnelmesh/tunnelmesh/wire"
)

// edgeHeaderWhitelist is the fixed set of downstream request headers
// forwarded to agents. Everything else is dropped at the edge.
var edgeHeaderWhitelist = map[string]bool{
	"host":              true,
	"user-agent":        true,
	"accept":            true,
	"accept-encoding":   true,
	"accept-language":   true,
	"authorization":     true,
	"cookie":            true,
	"x-forwarded-for":   true,
	"x-forwarded-proto": true,
	"x-forwarded-host":  true,
	"x-real-ip":         true,
	"content-type":      true,
	"content-length":    true,
	"x-test-route":      true,
}

// EdgeHandler serves the downstream listener. WebSocket upgrades are
// checked ahead of everything, including /health, so a tunnel to a
// service path named /health still works.
func (s *Service) EdgeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tmwebsocket.IsWebSocketUpgrade(r) {
			s.serveTunnel(w, r)
			return
		}
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			s.writeHealth(w)
			return
		}
		s.serveProxy(w, r)
	})
}

func (s *Service) serveProxy(w http.ResponseWriter, r *http.Request) {
	host := targetHost(r)
	s.log.Info().Str("host", host).Str("method", r.Method).Str("path", r.URL.Path).Msg("received edge request")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Error().Err(err).Str("host", host).Msg("error reading edge request body")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Proxy error: %s", err)
		return
	}

	headers := filterProxyHeaders(r)
	// The edge sits behind TLS termination; downstream proto is always https.
	headers["x-forwarded-proto"] = "https"

	req := wire.ProxyRequest{
		ID:         uuid.New(),
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Headers:    headers,
		Body:       body,
		TargetHost: host,
	}

	resp := s.router.Route(req)
	proxiedRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()
	writeProxyResponse(w, resp)
}

// writeProxyResponse copies a ProxyResponse back onto the downstream
// connection, headers in order so duplicates like Set-Cookie survive.
func writeProxyResponse(w http.ResponseWriter, resp wire.ProxyResponse) {
	for _, h := range resp.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// targetHost picks the routing host: X-Forwarded-Host when present,
// else the request host, with any port stripped.
func targetHost(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		host = "unknown"
	}
	return host
}

// filterProxyHeaders lowercases and whitelists the request headers.
// When a header repeats, the last value wins. The Host header is
// restored from r.Host since net/http strips it from the map.
func filterProxyHeaders(r *http.Request) map[string]string {
	filtered := make(map[string]string)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if !edgeHeaderWhitelist[lower] || len(values) == 0 {
			continue
		}
		filtered[lower] = values[len(values)-1]
	}
	if r.Host != "" {
		filtered["host"] = r.Host
	}
	return filtered
}
