// Package metrics serves the operator-facing listener: prometheus
// metrics, the server health document, and the debug endpoints.
package metrics

import (
	"context"
	"net"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/trace"
)

const (
	shutdownTimeout = time.Second * 15
	startupTime     = time.Millisecond * 500
)

// ServeMetrics blocks serving /metrics, /health and /debug until
// shutdownC closes. The health handler is supplied by the caller so this
// package stays ignorant of registry internals.
func ServeMetrics(l net.Listener, shutdownC <-chan struct{}, health http.Handler, log *zerolog.Logger) (err error) {
	var wg sync.WaitGroup
	// The listener is operator-only, so no further access control.
	trace.AuthRequest = func(*http.Request) (bool, bool) { return true, true }

	mux := chi.NewRouter()
	// pprof and x/net/trace register themselves on the default mux.
	mux.Mount("/debug", http.DefaultServeMux)
	mux.Handle("/metrics", promhttp.Handler())
	if health != nil {
		mux.Handle("/health", health)
	}

	// TODO: parameterize ReadTimeout and WriteTimeout. The maximum time we can
	// profile CPU usage depends on WriteTimeout
	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      mux,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err = server.Serve(l)
	}()
	log.Info().Str("addr", l.Addr().String()).Msg("starting metrics server")
	// server.Serve will hang if server.Shutdown is called before the server is
	// fully started up. So add artificial delay.
	time.Sleep(startupTime)

	<-shutdownC
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	_ = server.Shutdown(ctx)
	cancel()

	wg.Wait()
	if err == http.ErrServerClosed {
		log.Info().Msg("metrics server stopped")
		return nil
	}
	log.Error().Err(err).Msg("metrics server quit with error")
	return err
}

// RegisterBuildInfo exposes version information as a gauge with constant
// value 1.
func RegisterBuildInfo(buildTime string, version string) {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build and version information",
		},
		[]string{"goversion", "revision", "version"},
	)
	prometheus.MustRegister(buildInfo)
	buildInfo.WithLabelValues(runtime.Version(), buildTime, version).Set(1)
}
