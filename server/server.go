// Package server wires the HTTP surface of the authorization and
// token lifecycle engine: the GET /authorize + POST /consent + POST
// /token state machine, the revocation/introspection/userinfo
// endpoints, the ticket proffer and admin minting endpoints, and the
// metadata/healthcheck endpoints. Routing, middleware, and
// instrumentation follow the teacher's server/server.go shape: a
// gorilla/mux router wrapped per-route with request-context injection,
// Prometheus instrumentation, and optional CORS — generalized from one
// big connector-backed OIDC server to this protocol engine's handlers.
package server

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dingus-idp/dingus/chore"
	"github.com/dingus-idp/dingus/envelope"
	"github.com/dingus-idp/dingus/queue"
	"github.com/dingus-idp/dingus/scope"
	"github.com/dingus-idp/dingus/storage"
	"github.com/dingus-idp/dingus/ticket"
)

// Codecs bundles the domain-separated envelope codecs, one per
// in-flight payload kind, all derived from the same encryption secret
// via distinct HKDF info strings so a code envelope can never be
// replayed as a ticket envelope.
type Codecs struct {
	Continuation *envelope.Codec
	Code         *envelope.Codec
	AccessToken  *envelope.Codec
	RefreshToken *envelope.Codec
	Ticket       *envelope.Codec
}

// NewCodecs derives the five domain-separated codecs from secret.
func NewCodecs(secret []byte) (Codecs, error) {
	var c Codecs
	for _, pair := range []struct {
		info string
		dst  **envelope.Codec
	}{
		{"continuation", &c.Continuation},
		{"code", &c.Code},
		{"access_token", &c.AccessToken},
		{"refresh_token", &c.RefreshToken},
		{"ticket", &c.Ticket},
	} {
		codec, err := envelope.NewCodec(secret, pair.info)
		if err != nil {
			return Codecs{}, fmt.Errorf("server: deriving %s codec: %w", pair.info, err)
		}
		*pair.dst = codec
	}
	return c, nil
}

// Config holds the server's configuration options.
type Config struct {
	// Issuer is this server's own identity: both the metadata
	// document's `issuer` and the `iss` query parameter on the
	// authorization redirect.
	Issuer string

	Storage storage.Storage
	Codecs  Codecs
	Scopes  *scope.Registry
	Chores  *chore.Scheduler
	Minter  *ticket.Minter
	Queue   queue.Publisher

	HTTPClient *http.Client

	// AllowedOrigins, if non-empty, enables CORS on the landing page,
	// both metadata paths, and the token, revocation, introspection, and
	// userinfo endpoints.
	AllowedOrigins []string
	AllowedHeaders []string

	CodeValidityTimeout time.Duration
	AllowLegacyNonPKCE  bool

	Logger             *slog.Logger
	PrometheusRegistry *prometheus.Registry
	HealthChecker      gosundheit.Health

	Templates *template.Template
	StaticFS  http.FileSystem
}

func value(val, defaultValue time.Duration) time.Duration {
	if val == 0 {
		return defaultValue
	}
	return val
}

// Server is the top-level constructed HTTP handler.
type Server struct {
	issuer string

	storage storage.Storage
	codecs  Codecs
	scopes  *scope.Registry
	chores  *chore.Scheduler
	minter  *ticket.Minter
	queue   queue.Publisher

	httpClient *http.Client

	codeValidityTimeout time.Duration
	allowLegacyNonPKCE  bool

	templates *template.Template

	healthChecker gosundheit.Health

	logger *slog.Logger
	mux    http.Handler
}

// NewServer constructs a Server and its router from c.
func NewServer(ctx context.Context, c Config) (*Server, error) {
	if c.Storage == nil {
		return nil, fmt.Errorf("server: storage cannot be nil")
	}
	if c.Issuer == "" {
		return nil, fmt.Errorf("server: issuer cannot be empty")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if len(c.AllowedHeaders) == 0 {
		c.AllowedHeaders = []string{"Authorization", "Content-Type"}
	}

	s := &Server{
		issuer:              c.Issuer,
		storage:             c.Storage,
		codecs:              c.Codecs,
		scopes:              c.Scopes,
		chores:              c.Chores,
		minter:              c.Minter,
		queue:               c.Queue,
		httpClient:          c.HTTPClient,
		codeValidityTimeout: value(c.CodeValidityTimeout, 10*time.Minute),
		allowLegacyNonPKCE:  c.AllowLegacyNonPKCE,
		templates:           c.Templates,
		healthChecker:       c.HealthChecker,
		logger:              c.Logger,
	}

	instrumentHandler := func(_ string, handler http.Handler) http.HandlerFunc {
		return handler.ServeHTTP
	}

	if c.PrometheusRegistry != nil {
		requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dingus_http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"code", "method", "handler"})

		durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dingus_request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"code", "method", "handler"})

		sizeHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dingus_response_size_bytes",
			Help:    "A histogram of response sizes for requests.",
			Buckets: []float64{200, 500, 900, 1500},
		}, []string{"code", "method", "handler"})

		c.PrometheusRegistry.MustRegister(requestCounter, durationHist, sizeHist)

		instrumentHandler = func(handlerName string, handler http.Handler) http.HandlerFunc {
			return promhttp.InstrumentHandlerDuration(durationHist.MustCurryWith(prometheus.Labels{"handler": handlerName}),
				promhttp.InstrumentHandlerCounter(requestCounter.MustCurryWith(prometheus.Labels{"handler": handlerName}),
					promhttp.InstrumentHandlerResponseSize(sizeHist.MustCurryWith(prometheus.Labels{"handler": handlerName}), handler),
				),
			)
		}
	}

	handlerWithHeaders := func(handlerName string, handler http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ctx := WithRequestID(r.Context())
			if remoteIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				ctx = WithRemoteIP(ctx, remoteIP)
			}
			r = r.WithContext(ctx)
			instrumentHandler(handlerName, http.HandlerFunc(handler))(w, r)
		}
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	handle := func(p string, h http.HandlerFunc) {
		r.Handle(p, handlerWithHeaders(p, h))
	}
	handleWithCORS := func(p string, h http.HandlerFunc) {
		var handler http.Handler = handlerWithHeaders(p, h)
		if len(c.AllowedOrigins) > 0 {
			handler = handlers.CORS(
				handlers.AllowedOrigins(c.AllowedOrigins),
				handlers.AllowedHeaders(c.AllowedHeaders),
			)(handler)
		}
		r.Handle(p, handler)
	}
	handlePrefix := func(p string, h http.Handler) {
		r.PathPrefix(p).Handler(http.StripPrefix(p, h))
	}
	r.NotFoundHandler = http.NotFoundHandler()

	handleWithCORS("/", s.handleLanding)
	handleWithCORS("/metadata", s.handleMetadata)
	handleWithCORS("/.well-known/oauth-authorization-server", s.handleMetadata)
	handle("/healthcheck", s.handleHealthcheck)

	handle("/authorize", s.handleAuthorize)
	handle("/consent", s.handleConsent)

	handleWithCORS("/token", s.handleToken)
	handleWithCORS("/revocation", s.handleRevocation)
	handleWithCORS("/introspection", s.handleIntrospection)
	handleWithCORS("/userinfo", s.handleUserInfo)

	handle("/ticket", s.handleTicketProffer)

	handle("/admin", s.handleAdmin)
	handle("/admin/ticket", s.handleAdminTicket)
	handle("/admin/maintenance", s.handleAdminMaintenance)

	if c.StaticFS != nil {
		handlePrefix("/static/", http.FileServer(c.StaticFS))
	}

	s.mux = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		fmt.Fprintf(w, "<!DOCTYPE html><title>dingus</title><h1>dingus</h1>")
		return
	}
	if err := s.templates.ExecuteTemplate(w, "landing.html", nil); err != nil {
		s.logger.ErrorContext(r.Context(), "rendering landing page failed", "err", err)
	}
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.HealthCheck(r.Context()); err != nil {
		http.Error(w, "storage unhealthy", http.StatusInternalServerError)
		return
	}
	if s.healthChecker != nil && !s.healthChecker.IsHealthy() {
		http.Error(w, "health check failed", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "ok")
}

// logRequestKey namespaces context values this package injects per
// request, so logging middleware can pull them back out without
// colliding with values another package might store on the context.
type logRequestKey string

const (
	RequestKeyRequestID logRequestKey = "request_id"
	RequestKeyRemoteIP  logRequestKey = "client_remote_addr"
)

func WithRequestID(ctx context.Context) context.Context {
	return context.WithValue(ctx, RequestKeyRequestID, uuid.NewString())
}

func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, RequestKeyRemoteIP, ip)
}

// absURL builds a self-referential endpoint URL for the metadata
// document, without mangling the scheme's double slash the way
// path.Join would.
func (s *Server) absURL(p string) string {
	return strings.TrimSuffix(s.issuer, "/") + p
}
