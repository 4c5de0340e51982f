package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starfail/rfloc/pkg/logx"
	"github.com/starfail/rfloc/pkg/telem"
)

// Server serves /metrics and /health
type Server struct {
	gatherer prometheus.Gatherer
	store    *telem.Store
	logger   *logx.Logger
	server   *http.Server
	started  time.Time
	now      func() time.Time
}

// NewServer creates a metrics server. store may be nil, in which case the
// health endpoint reports no fix information. With a store, fix ages are
// measured on the store's clock.
func NewServer(gatherer prometheus.Gatherer, store *telem.Store, logger *logx.Logger) *Server {
	now := time.Now
	if store != nil {
		now = store.Now
	}
	return &Server{
		gatherer: gatherer,
		store:    store,
		logger:   logger,
		started:  now(),
		now:      now,
	}
}

// Handler returns the HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start listens on host:port in the background.
func (s *Server) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.logger.Info("Starting metrics server", "addr", ln.Addr().String())
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type health struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	LastFix        *fixInfo  `json:"last_fix,omitempty"`
	LastFixAgeSecs *float64  `json:"last_fix_age_seconds,omitempty"`
}

type fixInfo struct {
	Lat      float64 `json:"latitude"`
	Lon      float64 `json:"longitude"`
	Accuracy float64 `json:"accuracy"`
	Source   string  `json:"source,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	h := health{
		Status:        "healthy",
		Timestamp:     now,
		UptimeSeconds: now.Sub(s.started).Seconds(),
	}
	if s.store != nil {
		if fix, ok := s.store.LastFix(); ok {
			age := now.Sub(fix.Time).Seconds()
			h.LastFix = &fixInfo{Lat: fix.Lat, Lon: fix.Lon, Accuracy: fix.Accuracy, Source: fix.Source}
			h.LastFixAgeSecs = &age
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}
