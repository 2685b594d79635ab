package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/mcules/modelctl/internal/state"
)

// HealthServer publishes server and per-model readiness over the standard
// grpc.health.v1 service. The empty service name is the server itself; every
// other service name is a model.
type HealthServer struct {
	addr   string
	logger *zap.Logger
	health *health.Server

	mu       sync.Mutex
	grpc     *grpc.Server
	listener net.Listener
}

func NewHealthServer(addr string, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := health.NewServer()
	h.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{
		addr:   addr,
		logger: logger.Named("control"),
		health: h,
	}
}

// NotifyModelState satisfies state.Notifier.
func (s *HealthServer) NotifyModelState(model string, st state.ModelState) {
	serving := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if st == state.ModelReady {
		serving = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(model, serving)
	s.logger.Debug("model health updated", zap.String("model", model), zap.String("status", serving.String()))
}

// Listen binds the configured address. Run calls it when needed.
func (s *HealthServer) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = lis
	return lis.Addr(), nil
}

// Run serves until ctx is done, then stops gracefully.
func (s *HealthServer) Run(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	s.grpc = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
	srv, lis := s.grpc, s.listener
	s.mu.Unlock()

	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	s.logger.Info("grpc health server started", zap.String("address", lis.Addr().String()))

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func (s *HealthServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.grpc
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		srv.Stop()
		return ctx.Err()
	}
}

// ProbeModel asks the health service at addr whether model is serving. An
// empty model probes the server itself. Unknown models report false.
func ProbeModel(ctx context.Context, addr, model string, logger *zap.Logger) (bool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: model})
	if status.Code(err) == codes.NotFound {
		// Never loaded: not serving, like a v2 readiness check.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("health check %q: %w", model, err)
	}
	if raw, err := protojson.Marshal(resp); err == nil {
		logger.Debug("health check", zap.String("service", model), zap.ByteString("response", raw))
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}
