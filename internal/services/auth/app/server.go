package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/latchkey/internal/platform/timeouts"
	"github.com/louisbranch/latchkey/internal/services/auth/api/httpapi"
	"github.com/louisbranch/latchkey/internal/services/auth/authz"
	"github.com/louisbranch/latchkey/internal/services/auth/ceremony"
	"github.com/louisbranch/latchkey/internal/services/auth/device"
	"github.com/louisbranch/latchkey/internal/services/auth/devicetoken"
	"github.com/louisbranch/latchkey/internal/services/auth/passkey"
	"github.com/louisbranch/latchkey/internal/services/auth/realtime"
	authsqlite "github.com/louisbranch/latchkey/internal/services/auth/storage/sqlite"
)

// Server hosts the auth service: the JSON and streaming endpoints plus a
// gRPC health listener for orchestration probes.
type Server struct {
	listener     net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
	store        *authsqlite.Store
	httpListener net.Listener
	httpServer   *http.Server
	api          *httpapi.Server
}

// New creates a configured auth server listening on the provided addresses.
func New(port int, httpAddr string) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	store, err := openAuthStore(authStorePath())
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	cfg, err := passkey.LoadConfigFromEnv()
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	registry := device.NewRegistry(store)
	engine, err := ceremony.NewEngine(cfg, store, store, store, registry)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	tokenCfg, err := devicetoken.LoadConfigFromEnv()
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	verifier := devicetoken.NewVerifier(store, store, tokenCfg.ClockSkew)
	apiServer := httpapi.NewServer(engine, verifier, authz.NewResolver(store), registry, store)
	realtimeServer := realtime.NewServer(realtime.NewAuthenticator(verifier))

	var httpListener net.Listener
	var httpServer *http.Server
	if strings.TrimSpace(httpAddr) != "" {
		httpListener, err = net.Listen("tcp", httpAddr)
		if err != nil {
			_ = listener.Close()
			_ = store.Close()
			return nil, fmt.Errorf("listen on http addr %s: %w", httpAddr, err)
		}
		mux := http.NewServeMux()
		if err := apiServer.RegisterRoutes(mux); err != nil {
			_ = listener.Close()
			_ = httpListener.Close()
			_ = store.Close()
			return nil, fmt.Errorf("register api routes: %w", err)
		}
		if err := realtimeServer.RegisterRoutes(mux); err != nil {
			_ = listener.Close()
			_ = httpListener.Close()
			_ = store.Close()
			return nil, fmt.Errorf("register realtime routes: %w", err)
		}
		httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: timeouts.ReadHeader,
		}
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("latchkey.auth", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:     listener,
		grpcServer:   grpcServer,
		health:       healthServer,
		store:        store,
		httpListener: httpListener,
		httpServer:   httpServer,
		api:          apiServer,
	}, nil
}

// Addr returns the gRPC listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the HTTP listener address, when configured.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Run creates and serves an auth server until the context ends.
func Run(ctx context.Context, port int, httpAddr string) error {
	authServer, err := New(port, httpAddr)
	if err != nil {
		return err
	}
	return authServer.Serve(ctx)
}

// Serve starts the auth server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.api.StartChallengeSweep(serverCtx, timeouts.ChallengeSweep)

	log.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	httpErr := make(chan error, 1)
	if s.httpServer != nil && s.httpListener != nil {
		log.Printf("auth HTTP server listening at %v", s.httpListener.Addr())
		go func() {
			httpErr <- s.httpServer.Serve(s.httpListener)
		}()
	}

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}

	shutdownGRPC := func() {
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
	}
	shutdownHTTP := func() {
		if s.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
			defer cancel()
			_ = s.httpServer.Shutdown(shutdownCtx)
		}
	}

	select {
	case <-ctx.Done():
		shutdownGRPC()
		shutdownHTTP()
		err := <-serveErr
		return handleErr(err)
	case err := <-serveErr:
		shutdownHTTP()
		return handleErr(err)
	case err := <-httpErr:
		if err == http.ErrServerClosed {
			return nil
		}
		shutdownGRPC()
		grpcErr := <-serveErr
		if handled := handleErr(grpcErr); handled != nil {
			return handled
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

func authStorePath() string {
	path := strings.TrimSpace(os.Getenv("LATCHKEY_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "auth.db")
	}
	return path
}

func openAuthStore(path string) (*authsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := authsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open auth sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close auth store: %v", err)
		}
	}
}
