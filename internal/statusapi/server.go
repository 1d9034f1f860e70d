// Package statusapi serves the status of a cluster interface over HTTP and
// its liveness over the gRPC health protocol.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rdmesh/rdmesh/internal/events"
	"github.com/rdmesh/rdmesh/internal/l2"
)

// ServiceName is the health service name reporting the mesh interface.
const ServiceName = "rdmesh.Mesh"

// Source provides the interface state.
type Source interface {
	Status() l2.Status
	Dormant() bool
}

// Option is a function that configures the server.
type Option func(*options)

// WithLog configures the server with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithEventStats exposes event bus counters.
func WithEventStats(stats func() events.Stats) Option {
	return func(o *options) {
		o.Stats = stats
	}
}

type options struct {
	Log   *zap.SugaredLogger
	Stats func() events.Stats
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Server serves status and health.
type Server struct {
	cfg    *Config
	source Source
	stats  func() events.Stats
	health *health.Server
	log    *zap.SugaredLogger
}

// NewServer creates a status server.
func NewServer(cfg *Config, source Source, options ...Option) *Server {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	m := &Server{
		cfg:    cfg,
		source: source,
		stats:  opts.Stats,
		health: health.NewServer(),
		log:    opts.Log,
	}
	m.refreshHealth()

	return m
}

// Health returns the health service.
func (m *Server) Health() healthpb.HealthServer {
	return m.health
}

func (m *Server) refreshHealth() {
	status := healthpb.HealthCheckResponse_SERVING
	if m.source.Dormant() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.health.SetServingStatus(ServiceName, status)
}

// HandleEvent re-evaluates health on association changes.
func (m *Server) HandleEvent(*events.Event) error {
	m.refreshHealth()
	return nil
}

// Handler returns the HTTP routes.
func (m *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", m.handleStatus)
	mux.HandleFunc("GET /api/v1/health", m.handleHealth)
	if m.stats != nil {
		mux.HandleFunc("GET /api/v1/events/stats", m.handleStats)
	}
	return mux
}

func (m *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, m.source.Status(), http.StatusOK)
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Dormant bool   `json:"dormant"`
}

func (m *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dormant := m.source.Dormant()
	resp := HealthResponse{Status: "active", Dormant: dormant}
	if dormant {
		resp.Status = "dormant"
	}
	m.writeJSON(w, resp, http.StatusOK)
}

func (m *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, m.stats(), http.StatusOK)
}

func (m *Server) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		m.log.Warnw("failed to write response", zap.Error(err))
	}
}

// Run serves until the context is canceled.
func (m *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", m.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", m.cfg.Listen, err)
	}

	httpServer := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		m.log.Infow("status server listening", zap.Stringer("addr", lis.Addr()))
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	})
	wg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if m.cfg.GRPCListen != "" {
		grpcLis, err := net.Listen("tcp", m.cfg.GRPCListen)
		if err != nil {
			_ = lis.Close()
			return fmt.Errorf("failed to listen on %q: %w", m.cfg.GRPCListen, err)
		}

		srv := grpc.NewServer()
		healthpb.RegisterHealthServer(srv, m.health)

		wg.Go(func() error {
			m.log.Infow("health server listening", zap.Stringer("addr", grpcLis.Addr()))
			return srv.Serve(grpcLis)
		})
		wg.Go(func() error {
			<-ctx.Done()
			m.health.Shutdown()
			srv.GracefulStop()
			return nil
		})
	}

	wg.Go(func() error {
		return m.runHealth(ctx)
	})

	return wg.Wait()
}

func (m *Server) runHealth(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.refreshHealth()
		}
	}
}
