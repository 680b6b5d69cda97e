package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Deps holds everything the API surfaces read from or write to. Query and
// DB may be nil when running without a read model; the endpoints that need
// them answer 503.
type Deps struct {
	Core    *core.Protocol
	Parser  *ingestion.Parser
	Query   *query.QueryService
	DB      *sql.DB
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// Now is the clock used for read-only quotes. Defaults to wall time.
	Now func() int64
}

// Server wraps the gRPC server and the gateway HTTP mux.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	gateway      *runtime.ServeMux
	handler      http.Handler
	grpcAddr     string
	httpAddr     string
	deps         Deps
	logger       zerolog.Logger
}

// New builds both servers and registers every route.
func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	if deps.Core == nil || deps.Parser == nil {
		return nil, fmt.Errorf("server: core and parser are required")
	}
	if deps.Now == nil {
		deps.Now = func() int64 { return time.Now().Unix() }
	}

	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		gateway:      runtime.NewServeMux(runtime.WithErrorHandler(gatewayErrorHandler)),
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		logger:       deps.Logger.With().Str("component", "server").Logger(),
	}
	if err := s.registerRoutes(); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", s.gateway)
	s.handler = httpMux
	return s, nil
}

// Handler is the full HTTP surface.
func (s *Server) Handler() http.Handler { return s.handler }

// SetServing flips the gRPC health status, mirroring readiness.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API and health endpoints (blocking).
func (s *Server) StartHTTP(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
