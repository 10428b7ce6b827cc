package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/smazurov/warden/internal/api/models"
	"github.com/smazurov/warden/internal/events"
	"github.com/smazurov/warden/internal/logging"
	"github.com/smazurov/warden/internal/supervisor"
	"github.com/smazurov/warden/internal/version"
)

const authRealm = `Basic realm="warden"`

// defaultStopTimeout bounds how long a stop or restart request waits.
const defaultStopTimeout = 30 * time.Second

// Server is the operator API over a supervisor registry.
type Server struct {
	api           huma.API
	mux           *http.ServeMux
	httpServer    *http.Server
	cancelStreams context.CancelFunc
	registry      *supervisor.Registry
	store         supervisor.Store
	eventBus      *events.Bus
	options       *Options
	logger        *slog.Logger
}

// Options configures the API server.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	Registry          *supervisor.Registry
	Store             supervisor.Store // nil disables POST /api/save
	EventBus          *events.Bus
	PrometheusHandler http.Handler  // Optional Prometheus metrics handler
	StopTimeout       time.Duration // 0 means 30s
	CORSOrigin        string        // empty allows any origin
}

// NewServer creates a new API server with Huma v2 using Go 1.22+ native routing
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsHeaders := newCORS(opts.CORSOrigin)
	mux.HandleFunc("OPTIONS /", corsHeaders.preflight)

	config := huma.DefaultConfig("warden API", version.String())
	config.Info.Description = "Supervision of long-running apps: status, start, stop, restart, restart budget and dump"
	// Empty servers list will make OpenAPI use relative paths, working with any host
	config.Servers = []*huma.Server{}

	// Configure basic auth security scheme
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := newServer(api, opts)
	server.mux = mux

	// Apply CORS middleware first (before auth)
	api.UseMiddleware(corsHeaders.middleware)

	// Apply HTTP logging middleware after CORS but before auth
	api.UseMiddleware(HTTPLoggingMiddleware)

	// Apply basic auth middleware globally if credentials are provided
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(basicAuth{api: api, username: opts.AuthUsername, password: opts.AuthPassword}.middleware)
	}

	// Prometheus scrapes without credentials.
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	// Request contexts derive from streamCtx so shutdown can end SSE streams,
	// which never finish on their own.
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	server.cancelStreams = cancelStreams
	server.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}
	server.httpServer.RegisterOnShutdown(cancelStreams)

	server.registerRoutes()
	return server
}

// newServer wires a Server around an existing huma API without routes.
func newServer(api huma.API, opts *Options) *Server {
	return &Server{
		api:      api,
		registry: opts.Registry,
		store:    opts.Store,
		eventBus: opts.EventBus,
		options:  opts,
		logger:   logging.GetLogger("api"),
	}
}

// GetMux returns the underlying HTTP ServeMux for additional setup
func (s *Server) GetMux() *http.ServeMux {
	return s.mux
}

// Start listens on addr and serves until Stop. It returns
// http.ErrServerClosed after Stop.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	s.logger.Info("Starting warden API server", "addr", ln.Addr().String())
	s.logger.Info("OpenAPI documentation available", "url", "http://"+ln.Addr().String()+"/docs")
	return s.httpServer.Serve(ln)
}

// Stop stops accepting connections, ends open event streams and waits for
// in-flight requests until ctx is done. Connections still open then are
// closed.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.Warn("API requests still open at shutdown, closing them")
		return s.httpServer.Close()
	}
	return err
}

// registerRoutes sets up all API endpoints
func (s *Server) registerRoutes() {
	// Health check endpoint - no auth required
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(ctx context.Context, input *struct{}) (*models.HealthResponse, error) {
		health := models.HealthData{Status: "ok", Message: "API is healthy"}
		for _, rec := range s.registry.List() {
			health.Apps++
			switch rec.State.Status {
			case supervisor.StatusRunning:
				health.Running++
			case supervisor.StatusErrored:
				health.Errored++
			}
		}
		return &models.HealthResponse{Body: health}, nil
	})

	// Version endpoint - no auth required
	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(ctx context.Context, input *struct{}) (*models.VersionResponse, error) {
		versionInfo := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   versionInfo.Version,
				GitCommit: versionInfo.GitCommit,
				BuildDate: versionInfo.BuildDate,
				Modified:  versionInfo.Modified,
				GoVersion: versionInfo.GoVersion,
				Platform:  versionInfo.Platform,
			},
		}, nil
	})

	s.registerAppRoutes()
	s.registerSSERoutes()
	s.registerLogRoutes()
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
