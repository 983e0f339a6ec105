// Package api exposes the gateway over REST/JSON: agent registration,
// token issuance, the proxy pipeline, and the run log streams.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aegisgate/backend/internal/adapters"
	"github.com/aegisgate/backend/internal/cache"
	"github.com/aegisgate/backend/internal/chaos"
	"github.com/aegisgate/backend/internal/circuitbreaker"
	"github.com/aegisgate/backend/internal/config"
	"github.com/aegisgate/backend/internal/events"
	"github.com/aegisgate/backend/internal/idempotency"
	"github.com/aegisgate/backend/internal/metrics"
	"github.com/aegisgate/backend/internal/policy"
	"github.com/aegisgate/backend/internal/ratelimit"
	"github.com/aegisgate/backend/internal/retry"
	"github.com/aegisgate/backend/internal/runs"
	"github.com/aegisgate/backend/internal/secrets"
	"github.com/aegisgate/backend/internal/security"
	"github.com/aegisgate/backend/internal/sse"
	"github.com/aegisgate/backend/internal/store"
	"github.com/aegisgate/backend/internal/telemetry"
	"github.com/aegisgate/backend/internal/ws"
)

// Version is reported on /health.
const Version = "2.1.0"

const correlationHeader = "X-Correlation-Id"

type contextKey string

const correlationKey contextKey = "correlation_id"

// Server wires every gateway component behind the HTTP surface.
type Server struct {
	cfg      *config.Config
	store    store.Store
	tokens   *security.TokenBroker
	policies *policy.Engine
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	breakers *circuitbreaker.Manager
	retrier  *retry.Executor
	adapters *adapters.Registry
	chaos    *chaos.Injector
	idem     idempotency.Store
	secrets  secrets.Provider
	metrics  *metrics.Metrics
	bus      *events.Bus
	runs     *runs.Registry
	broker   *sse.Broker
	streamer *ws.RunLogStreamer
	sink     telemetry.Sink

	logger *log.Logger
	srv    *http.Server
}

// Deps carries everything a Server needs; cmd/gateway assembles it.
type Deps struct {
	Config      *config.Config
	Store       store.Store
	Tokens      *security.TokenBroker
	Policies    *policy.Engine
	Limiter     *ratelimit.Limiter
	Cache       *cache.Cache
	Breakers    *circuitbreaker.Manager
	Retrier     *retry.Executor
	Adapters    *adapters.Registry
	Chaos       *chaos.Injector
	Idempotency idempotency.Store
	Secrets     secrets.Provider
	Metrics     *metrics.Metrics
	Bus         *events.Bus
	Runs        *runs.Registry
	Broker      *sse.Broker
	Streamer    *ws.RunLogStreamer
	Sink        telemetry.Sink
}

// NewServer builds a Server from assembled dependencies.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		store:    d.Store,
		tokens:   d.Tokens,
		policies: d.Policies,
		limiter:  d.Limiter,
		cache:    d.Cache,
		breakers: d.Breakers,
		retrier:  d.Retrier,
		adapters: d.Adapters,
		chaos:    d.Chaos,
		idem:     d.Idempotency,
		secrets:  d.Secrets,
		metrics:  d.Metrics,
		bus:      d.Bus,
		runs:     d.Runs,
		broker:   d.Broker,
		streamer: d.Streamer,
		sink:     d.Sink,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	if s.sink == nil {
		s.sink = telemetry.NopSink{}
	}
	return s
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.corsMiddleware)
	r.Use(s.correlationMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	r.HandleFunc("/api/create-agent", s.handleCreateAgent).Methods("POST")
	r.HandleFunc("/api/generate-token", s.handleGenerateToken).Methods("POST")
	r.HandleFunc("/api/revoke-token", s.handleRevokeToken).Methods("POST")
	r.HandleFunc("/api/attach-policy", s.handleAttachPolicy).Methods("POST")
	r.HandleFunc("/api/proxy-request", s.handleProxyRequest).Methods("POST")

	r.HandleFunc("/api/runs/{id}", s.handleGetRun).Methods("GET")
	r.HandleFunc("/api/runs/{id}/logs/stream", s.handleRunStream).Methods("GET")
	r.HandleFunc("/api/runs/{id}/logs/ws", s.handleRunLogsWS).Methods("GET")

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Printf("gateway listening on %s", addr)
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Correlation-Id, X-Run-Id, Last-Event-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// correlationMiddleware honors an inbound correlation ID or mints one, and
// echoes it on every response.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(correlationHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set(correlationHeader, cid)
		ctx := context.WithValue(r.Context(), correlationKey, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func correlationID(ctx context.Context) string {
	if cid, ok := ctx.Value(correlationKey).(string); ok {
		return cid
	}
	return ""
}

// --- Liveness ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports readiness: the persistence layer answers and the
// signing secret is loaded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SigningSecret == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready": false, "reason": "signing secret not loaded",
		})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready": false, "reason": "store unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}

// --- Run surface ---

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, KindNotFound, "run not found", correlationID(r.Context()), nil)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	s.broker.ServeRun(w, r, mux.Vars(r)["id"])
}

func (s *Server) handleRunLogsWS(w http.ResponseWriter, r *http.Request) {
	s.streamer.HandleRunLogs(w, r, mux.Vars(r)["id"])
}
