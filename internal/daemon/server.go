package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/session"
)

// Server manages the gRPC server lifecycle for a profile daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the profile's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, stateSvc *api.StateServer) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.ProfileName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	api.Register(srv, stateSvc)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file. Open
// Watch streams are cut when ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	_ = os.Remove(s.socketPath)
}

// MetricsServer serves /metrics over HTTP. It is disabled when the
// profile has no metrics_addr.
type MetricsServer struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// NewMetricsServer binds the metrics listener.
func NewMetricsServer(prof *config.Profile, logger *zap.Logger) (*MetricsServer, error) {
	ms := &MetricsServer{logger: logger}
	if prof.MetricsAddr == "" {
		return ms, nil
	}
	ln, err := net.Listen("tcp", prof.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	ms.ln = ln
	ms.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return ms, nil
}

// Addr returns the bound address, or "" when disabled.
func (m *MetricsServer) Addr() string {
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// Start serves in the background.
func (m *MetricsServer) Start() {
	if m.srv == nil {
		return
	}
	m.logger.Info("metrics server starting", zap.String("addr", m.Addr()))
	go func() {
		if err := m.srv.Serve(m.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (m *MetricsServer) Stop(ctx context.Context) {
	if m.srv == nil {
		return
	}
	_ = m.srv.Shutdown(ctx)
}
