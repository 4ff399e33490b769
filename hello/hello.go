// Package hello is a local test origin. Point an agent's local endpoint
// at it to exercise HTTP forwarding, health checks, and WebSocket
// tunnels without a real service.
package hello

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	UptimeRoute = "/uptime"
	WSRoute     = "/ws"
	SSERoute    = "/sse"
	HealthRoute = "/health"

	defaultSSEFreq = time.Second * 10
)

type templateData struct {
	ServerName string
	Request    *http.Request
	Body       string
}

type OriginUpTime struct {
	StartTime time.Time `json:"startTime"`
	UpTime    string    `json:"uptime"`
}

const defaultServerName = "the mesh test origin"
const indexTemplate = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8">
    <title>Mesh test origin</title>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
      body{font-family:sans-serif;margin:2rem;color:#222}
      h1{font-weight:500}
      dl{background:#f7f7f7;border-left:4px solid #408bc9;padding:1rem;font-family:monospace;overflow-x:auto}
      dd{margin:0 0 .5rem 0}
    </style>
  </head>
  <body>
    <h1>{{.ServerName}}</h1>
    <p>This page answered through a mesh tunnel. If you can read it, the
    agent fronting this origin is connected and routing.</p>
    <section>
      <h4>Request</h4>
      <dl>
        <dd>Method: {{.Request.Method}}</dd>
        <dd>Protocol: {{.Request.Proto}}</dd>
        <dd>Request URL: {{.Request.URL}}</dd>
        <dd>Host: {{.Request.Host}}</dd>
        <dd>Remote address: {{.Request.RemoteAddr}}</dd>
        <dd>Request URI: {{.Request.RequestURI}}</dd>
{{range $key, $value := .Request.Header}}
        <dd>Header: {{$key}}, Value: {{$value}}</dd>
{{end}}
        <dd>Body: {{.Body}}</dd>
      </dl>
    </section>
  </body>
</html>
`

// StartHelloWorldServer serves the test origin on listener until
// shutdownC closes.
func StartHelloWorldServer(log *zerolog.Logger, listener net.Listener, shutdownC <-chan struct{}) error {
	log.Info().Msgf("Starting Hello World server at %s", listener.Addr())
	serverName := defaultServerName
	if hostname, err := os.Hostname(); err == nil {
		serverName = hostname
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	mux := chi.NewRouter()
	mux.Get(UptimeRoute, uptimeHandler(time.Now()))
	mux.Get(WSRoute, websocketHandler(log, upgrader))
	mux.Get(SSERoute, sseHandler(log))
	mux.Get(HealthRoute, healthHandler)
	mux.HandleFunc("/*", rootHandler(serverName))

	httpServer := &http.Server{Addr: listener.Addr().String(), Handler: mux}
	go func() {
		<-shutdownC
		_ = httpServer.Close()
	}()

	return httpServer.Serve(listener)
}

func uptimeHandler(startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := &OriginUpTime{StartTime: startTime, UpTime: time.Since(startTime).String()}
		respJSON, err := json.Marshal(resp)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(respJSON)
	}
}

// websocketHandler echoes every data frame back to the sender.
func websocketHandler(log *zerolog.Logger, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// r.Host carries a port but the origin header does not; strip it so
		// the origin check passes.
		host, _, err := net.SplitHostPort(r.Host)
		if err == nil {
			r.Host = host
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Err(err).Msg("failed to upgrade to websocket connection")
			return
		}
		defer conn.Close()
		for {
			mt, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, message); err != nil {
				log.Err(err).Msg("websocket write message error")
				return
			}
		}
	}
}

func sseHandler(log *zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		flusher, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			log.Error().Msgf("Can't support SSE. ResponseWriter %T doesn't implement http.Flusher interface", w)
			return
		}

		freq := defaultSSEFreq
		if requestedFreq := r.URL.Query()["freq"]; len(requestedFreq) > 0 {
			parsedFreq, err := time.ParseDuration(requestedFreq[0])
			if err == nil {
				freq = parsedFreq
			}
		}
		log.Info().Msgf("Server Sent Events every %s", freq)
		ticker := time.NewTicker(freq)
		defer ticker.Stop()
		counter := 0
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
			if _, err := fmt.Fprintf(w, "%d\n\n", counter); err != nil {
				return
			}
			flusher.Flush()
			counter++
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func rootHandler(serverName string) http.HandlerFunc {
	responseTemplate := template.Must(template.New("index").Parse(indexTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		var buffer bytes.Buffer
		var body string
		rawBody, err := io.ReadAll(r.Body)
		if err == nil {
			body = string(rawBody)
		}
		err = responseTemplate.Execute(&buffer, &templateData{
			ServerName: serverName,
			Request:    r,
			Body:       body,
		})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = fmt.Fprintf(w, "error: %v", err)
			return
		}
		_, _ = buffer.WriteTo(w)
	}
}
