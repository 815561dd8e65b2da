package metrics

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/marmos91/shfs/internal/logger"
	mountreg "github.com/marmos91/shfs/pkg/registry"
	"github.com/marmos91/shfs/pkg/shfs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// MountLister is the part of the mount registry the status endpoints read.
type MountLister interface {
	ListMounts() []mountreg.MountInfo
	Session(h mountreg.Handle) (*shfs.Session, error)
}

// PartitionStatus is one mounted partition as reported by /status.
type PartitionStatus struct {
	Partition string    `json:"partition"`
	Handle    uint64    `json:"handle"`
	MountedAt time.Time `json:"mounted_at"`
	State     string    `json:"state"`

	Generation       uint64 `json:"generation"`
	Entries          int    `json:"entries"`
	FreeBytes        uint64 `json:"free_bytes"`
	UsableBytes      uint64 `json:"usable_bytes"`
	UnindexedBuckets int    `json:"unindexed_buckets"`
	IndexStale       bool   `json:"index_stale"`

	// Error is set when the session could not report its summary.
	Error string `json:"error,omitempty"`
}

// Healthy reports whether the partition is mounted and serving.
func (p PartitionStatus) Healthy() bool {
	return p.State == shfs.StateMounted.String() && p.Error == ""
}

// CollectStatus summarizes every mount of m, ordered by handle.
func CollectStatus(m MountLister) []PartitionStatus {
	mounts := m.ListMounts()
	slices.SortFunc(mounts, func(a, b mountreg.MountInfo) int {
		return cmp.Compare(a.Handle, b.Handle)
	})

	out := make([]PartitionStatus, 0, len(mounts))
	for _, mi := range mounts {
		st := PartitionStatus{
			Partition: mi.Device,
			Handle:    uint64(mi.Handle),
			MountedAt: mi.MountTime,
		}

		s, err := m.Session(mi.Handle)
		if err != nil {
			st.State = "gone"
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		st.State = s.State().String()

		info, err := s.Info()
		if err != nil {
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		st.Generation = info.Descriptor.CatalogGeneration
		st.Entries = info.Entries
		st.FreeBytes = info.Header.FreeSpace
		st.UsableBytes = info.UsableBytes
		st.UnindexedBuckets = info.UnindexedBuckets
		st.IndexStale = info.IndexStale
		out = append(out, st)
	}
	return out
}

// Server exposes the global registry and the mounted partitions over HTTP.
//
// Endpoints:
//   - GET /metrics: Prometheus/OpenMetrics exposition, 503 when disabled
//   - GET /status: JSON array of PartitionStatus
//   - GET /healthz: 200 when every partition is mounted, 503 otherwise
type Server struct {
	port    int
	handler http.Handler

	mu     sync.RWMutex
	mounts MountLister
	addr   net.Addr
}

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Port to listen on. Zero picks a free port; see Addr.
	Port int

	// Mounts feeds /status and /healthz. It may be attached later.
	Mounts MountLister
}

// NewServer creates a stopped server. Call Start to serve.
func NewServer(config ServerConfig) *Server {
	s := &Server{port: config.Port, mounts: config.Mounts}

	mux := http.NewServeMux()
	if IsEnabled() {
		mux.Handle("GET /metrics", promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	} else {
		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}
	mux.HandleFunc("GET /status", s.serveStatus)
	mux.HandleFunc("GET /healthz", s.serveHealth)
	s.handler = mux

	return s
}

// Attach sets the mounts reported by /status and /healthz.
func (s *Server) Attach(m MountLister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounts = m
}

func (s *Server) status() []PartitionStatus {
	s.mu.RLock()
	m := s.mounts
	s.mu.RUnlock()
	if m == nil {
		return []PartitionStatus{}
	}
	return CollectStatus(m)
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		logger.Debug("Status response: %v", err)
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	var unhealthy []string
	for _, st := range s.status() {
		if !st.Healthy() {
			unhealthy = append(unhealthy, fmt.Sprintf("%s: %s", st.Partition, st.State))
		}
	}
	if len(unhealthy) > 0 {
		http.Error(w, fmt.Sprintf("unhealthy partitions: %v", unhealthy), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintln(w, "ok")
}

// Start listens and serves until ctx is cancelled, then shuts down.
//
// A listen failure is returned immediately. Cancellation returns nil after a
// graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	logger.Info("Metrics server listening on %s", ln.Addr())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		logger.Info("Metrics server stopped")
		return nil
	case err := <-errc:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Addr returns the bound address once Start is listening, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}
