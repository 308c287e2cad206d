// Package web implements the HTTP gateway: job submission, event tail and
// live stream, and the overview endpoint. The gateway only reads shared
// state; the worker owns job lifecycle and event writes.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/heimgewebe/sichter/app/store"
	"github.com/heimgewebe/sichter/app/sysinfo"
)

// Queue defines the submission-side queue operations used by the gateway
type Queue interface {
	Submit(spec store.JobSpec) (store.Job, error)
	PeekAll() ([]store.Job, error)
}

// EventSource defines read access to the event log, pull and push
type EventSource interface {
	Tail(n int) ([]store.Event, error)
	Subscribe(replay int) ([]store.Event, <-chan store.Event, func(), error)
}

// StatusProber reports worker process status from the service supervisor
type StatusProber interface {
	Status(ctx context.Context) (sysinfo.WorkerStatus, error)
}

// Server represents the web gateway
type Server struct {
	queue        Queue
	events       EventSource
	prober       StatusProber
	version      string
	passwordHash string        // bcrypt hash for basic auth, empty disables auth
	defReplay    int           // default replay count for the live stream
	defHeartbeat time.Duration // default heartbeat interval for the live stream
	maxTail      int           // hard cap for tail/replay requests
	limiter      *limiter.Limiter
}

// Config holds server configuration
type Config struct {
	Queue        Queue
	Events       EventSource
	Prober       StatusProber // optional, overview degrades to unknown without it
	Version      string
	PasswordHash string        // bcrypt hash for basic auth (empty to disable)
	Replay       int           // default replay count, 50 if not set
	Heartbeat    time.Duration // default heartbeat interval, 15s if not set
	MaxTail      int           // tail/replay cap, 1000 if not set
	SubmitRate   float64       // mutating requests per second per client, 2 if not set
}

// repoPattern matches owner/name repository references
var repoPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+$`)

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("web server initialization failed: Queue is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("web server initialization failed: Events is required")
	}

	s := &Server{
		queue:        cfg.Queue,
		events:       cfg.Events,
		prober:       cfg.Prober,
		version:      cfg.Version,
		passwordHash: cfg.PasswordHash,
		defReplay:    cfg.Replay,
		defHeartbeat: cfg.Heartbeat,
		maxTail:      cfg.MaxTail,
	}
	if s.defReplay <= 0 {
		s.defReplay = 50
	}
	if s.defHeartbeat <= 0 {
		s.defHeartbeat = 15 * time.Second
	}
	if s.maxTail <= 0 {
		s.maxTail = 1000
	}

	rate := cfg.SubmitRate
	if rate <= 0 {
		rate = 2
	}
	s.limiter = tollbooth.NewLimiter(rate, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Minute})
	s.limiter.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	return s, nil
}

// Run starts the web server, blocking until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// no WriteTimeout, the live stream endpoint holds connections open
		IdleTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("sichter", "heimgewebe", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for mutating endpoints")
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		// read endpoints stay open, dashboards poll them
		api.HandleFunc("GET /events", s.handleEventsTail)
		api.HandleFunc("GET /events/stream", s.handleEventsStream)
		api.HandleFunc("GET /queue", s.handleQueue)
		api.HandleFunc("GET /overview", s.handleOverview)

		// mutating endpoints are rate limited and optionally authenticated
		api.With(s.authMiddleware, tollbooth.HTTPMiddleware(s.limiter)).HandleFunc("POST /jobs", s.handleSubmitJob)
		api.With(s.authMiddleware, tollbooth.HTTPMiddleware(s.limiter)).HandleFunc("POST /sweep", s.handleSweep)
	})

	return router
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
