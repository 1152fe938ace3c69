// Package adminapi implements the supplemental HTTP surface the bootstrap
// exposes alongside the wire protocol: Prometheus scraping and a small
// JSON status endpoint. Grounded on the functional-options
// *http.Server wrapper pattern used for the teacher's own admin socket.
package adminapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/moldbus/internal/metrics"
)

// Status is served as JSON from /status.
type Status struct {
	InstanceID  string `json:"instance_id"`
	SessionName string `json:"session_name"`
	Active      bool   `json:"active"`
	NextSeqNum  uint64 `json:"next_seq_num"`
}

// StatusFunc is called fresh on every /status request.
type StatusFunc func() Status

// Server is an *http.Server configured via options, matching the
// teacher's WithX functional-options shape.
type Server struct {
	*http.Server
}

// Option configures a Server at construction time.
type Option func(*Server)

// New builds a Server with /metrics and /status registered on its own
// ServeMux; options are applied afterward so a caller can still override
// Handler entirely if needed.
func New(m *metrics.Metrics, statusFn StatusFunc, options ...Option) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusFn())
	})

	s := &Server{Server: &http.Server{Handler: mux}}
	for _, o := range options {
		o(s)
	}
	return s
}

// WithAddr sets the TCP address the server listens on when Serve is
// called via ListenAndServe.
func WithAddr(addr string) Option {
	return func(s *Server) { s.Addr = addr }
}

// WithBaseContext sets the context every request's context derives from,
// used to thread the process's shutdown context through.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.BaseContext = func(net.Listener) context.Context { return ctx }
	}
}
