package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/sso"
)

// ServerConfig wires the app server
type ServerConfig struct {
	Addr          string
	Flow          *sso.Flow
	Gate          *middleware.Gate
	Handlers      *Handlers
	Metrics       *observability.Metrics
	Logger        *observability.Logger
	EnableTracing bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the app-facing HTTP server: SSO endpoints, demo API, and the
// gate in front of everything that is not a SAML endpoint.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer assembles the routing tree:
//
//	(tracing) -> request ID -> metrics -> router
//	  /saml/*  -> SSO flow handlers
//	  /*       -> gate -> demo API / 404
//
// The tracing handler runs first so the request-scoped logger picks up the
// trace and span IDs.
func NewServer(cfg ServerConfig) *Server {
	root := mux.NewRouter()
	cfg.Flow.RegisterRoutes(root)

	app := mux.NewRouter()
	cfg.Handlers.RegisterRoutes(app)
	root.PathPrefix("/").Handler(cfg.Gate.Handler(app))

	root.Use(instrument(cfg.Metrics))

	var handler http.Handler = root
	handler = middleware.RequestID(cfg.Logger)(handler)
	if cfg.EnableTracing {
		handler = otelhttp.NewHandler(handler, "gatehouse")
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
		handler: handler,
	}
}

// instrument records request count and duration per matched route template,
// keeping the path label cardinality bounded
func instrument(metrics *observability.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := "unmatched"
			if route := mux.CurrentRoute(r); route != nil {
				if template, err := route.GetPathTemplate(); err == nil {
					path = template
				}
			}
			metrics.InstrumentHandler(path, next).ServeHTTP(w, r)
		})
	}
}

// Handler exposes the assembled handler chain, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer exposes the underlying server for lifecycle management
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts serving
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}
