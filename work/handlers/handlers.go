package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lanmedia/work/catalog"
	"lanmedia/work/clients"
	"lanmedia/work/content"
	"lanmedia/work/logger"
	"lanmedia/work/middleware"
	"lanmedia/work/profiles"
	"lanmedia/work/session"
	"lanmedia/work/ssdp"
)

// Profiles is the part of the profile catalog the HTTP layer needs.
type Profiles interface {
	ProfileByToken(token string) (profiles.DeliveryProfile, bool)
	ListProtocols(clientID string) []string
}

// Discovery is the part of the SSDP service the HTTP layer needs.
type Discovery interface {
	QueryResults(serviceType string) []ssdp.RemoteNode
	Search(ctx context.Context, serviceType string) ([]ssdp.RemoteNode, error)
	Published() []string
}

// Options describe the device.
type Options struct {
	DeviceUUID     string
	FriendlyName   string
	ServerID       string
	ObfuscatePaths bool
}

// Server holds the collaborators of the HTTP handlers.
type Server struct {
	opts      Options
	content   *content.Service
	sessions  *session.Manager
	profiles  Profiles
	discovery Discovery
	metrics   http.Handler
	log       *logger.Logger
	started   time.Time
}

// New creates the HTTP layer. metricsHandler serves /metrics; nil uses the
// default Prometheus handler.
func New(opts Options, svc *content.Service, sessions *session.Manager, p Profiles, d Discovery, metricsHandler http.Handler, log *logger.Logger) *Server {
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	return &Server{
		opts:      opts,
		content:   svc,
		sessions:  sessions,
		profiles:  p,
		discovery: d,
		metrics:   metricsHandler,
		log:       log,
		started:   time.Now(),
	}
}

// Router registers every route.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	gzip := middleware.Gzip(s.log)

	router.Handle("/description.xml", gzip(http.HandlerFunc(s.handleDescription))).Methods("GET", "HEAD")
	router.HandleFunc("/upnp/contentdirectory.xml", s.handleSCPD(contentDirectorySCPD)).Methods("GET")
	router.HandleFunc("/upnp/connectionmanager.xml", s.handleSCPD(connectionManagerSCPD)).Methods("GET")
	router.HandleFunc("/upnp/control/contentdirectory", s.handleContentDirectory).Methods("POST")
	router.HandleFunc("/upnp/control/connectionmanager", s.handleConnectionManager).Methods("POST")

	router.HandleFunc("/stream/{name}", s.handleStream).Methods("GET", "HEAD")
	router.Handle("/playlist/{id}.m3u8", gzip(http.HandlerFunc(s.handlePlaylist))).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)
	api.Handle("/browse/{id}", gzip(http.HandlerFunc(s.handleBrowse))).Methods("GET", "OPTIONS")
	api.Handle("/search/{id}", gzip(http.HandlerFunc(s.handleSearch))).Methods("GET", "OPTIONS")
	api.Handle("/sessions", gzip(http.HandlerFunc(s.handleListSessions))).Methods("GET", "OPTIONS")
	api.HandleFunc("/sessions/{id}", s.handleCloseSession).Methods("DELETE", "OPTIONS")
	api.Handle("/discovery", gzip(http.HandlerFunc(s.handlePublished))).Methods("GET", "OPTIONS")
	api.Handle("/discovery/{st}", gzip(http.HandlerFunc(s.handleDiscovery))).Methods("GET", "OPTIONS")
	api.Handle("/stats", gzip(http.HandlerFunc(s.handleStats))).Methods("GET", "OPTIONS")
	api.HandleFunc("/loglevel", s.handleGetLogLevel).Methods("GET", "OPTIONS")
	api.HandleFunc("/loglevel", s.handleSetLogLevel).Methods("POST", "OPTIONS")

	router.Handle("/metrics", s.metrics).Methods("GET")
	return router
}

// corsMiddleware lets browser front ends call the JSON API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, profiles.ErrUnknownProfile):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnsupportedFormat),
		errors.Is(err, profiles.ErrNoCompatibleFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, session.ErrTooManySessions),
		errors.Is(err, session.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, content.ErrInvalidArgs),
		errors.Is(err, content.ErrInvalidCriteria):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error("{handlers/handlers - writeError} %s %s: %v", r.Method, r.URL.Path, err)
	} else {
		s.log.Debug("{handlers/handlers - writeError} %s %s: %v", r.Method, r.URL.Path, err)
	}
	http.Error(w, http.StatusText(status), status)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("{handlers/handlers - writeJSON} failed to encode response: %v", err)
	}
}

// remoteHost returns the host part of the request's remote address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientID identifies the requesting device by its user agent and address.
// DLNA clients that send X-AV-Client-Info are named by its model field.
func clientID(r *http.Request) string {
	ua := r.Header.Get("User-Agent")
	if info := r.Header.Get("X-AV-Client-Info"); info != "" {
		for _, field := range strings.Split(info, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
			if ok && k == "mn" {
				ua = strings.Trim(v, `"`)
				break
			}
		}
	}
	if ua == "" {
		ua = "unknown"
	}
	// only the product token counts
	if sp := strings.IndexByte(ua, ' '); sp > 0 {
		ua = ua[:sp]
	}
	return clients.ClientID(ua, remoteHost(r))
}

// clientFor builds the content client of a request. Playback parameters in
// the query are carried into every playback URL.
func (s *Server) clientFor(r *http.Request) content.Client {
	query := r.URL.Query()
	for _, k := range []string{"start", "count", "sort", "filter", "q"} {
		query.Del(k)
	}
	return content.Client{
		ID:    clientID(r),
		Base:  "http://" + r.Host,
		Query: query,
	}
}
