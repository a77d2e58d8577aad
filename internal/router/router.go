// Package router implements the public Gateway: an HTTP server that parses
// OpenAI-style requests, selects a worker through a pluggable strategy,
// enforces concurrency caps, forwards the request (streaming or buffered),
// and routes around failures (spec §4.3). It is built on
// github.com/go-chi/chi/v5 and github.com/go-chi/cors, the mux and
// middleware stack fairyhunter13-ai-cv-evaluator uses once a route table
// grows past a handful of entries and carries operator middleware, the way
// this gateway's six routes do.
package router

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/multiaccount/llmrouter/internal/config"
	"github.com/multiaccount/llmrouter/internal/metrics"
	"github.com/multiaccount/llmrouter/internal/registry"
	"github.com/multiaccount/llmrouter/internal/supervisor"
)

// Gateway wires the Supervisor, Registry, and a strategy Picker behind a
// chi mux implementing spec §4.3's route table. One instance is constructed
// at startup and never replaced; reload swaps its picker and registry
// chains in place (spec §5's "no global mutable state outside these three
// component owners").
type Gateway struct {
	cfg        *config.Config
	sup        *supervisor.Supervisor
	reg        *registry.Registry
	metrics    *metrics.Metrics
	httpClient *http.Client
	queue      *queue

	pickerMu sync.RWMutex
	picker   Picker

	mux http.Handler
}

// New constructs a Gateway and builds its route table.
func New(cfg *config.Config, sup *supervisor.Supervisor, reg *registry.Registry, m *metrics.Metrics) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		sup:     sup,
		reg:     reg,
		metrics: m,
		picker:  NewPicker(cfg.Router.Strategy),
		queue:   newQueue(cfg.Router.MaxQueueLength, m),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeoutDuration(),
		},
	}
	g.mux = g.routes()
	return g
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "X-API-Key", "Content-Type"},
	}))

	r.Get("/health", g.handleHealth)
	r.Get("/v1/models", g.handleModels)
	r.Post("/v1/chat/completions", g.dispatchChatCompletions)
	r.Get("/router/status", g.handleStatus)
	r.Post("/router/health-check", g.handleHealthCheck)
	r.Post("/router/reload", g.handleReload)

	return r
}

// ServeHTTP makes Gateway an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Run starts the saturation queue's background drain loop; it blocks until
// ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	g.queue.run(ctx)
}

// ApplyStrategy swaps the active routing strategy for a fresh picker; every
// /router/reload calls it with the configured router.strategy.
func (g *Gateway) ApplyStrategy(strategy string) {
	g.pickerMu.Lock()
	g.picker = NewPicker(strategy)
	g.pickerMu.Unlock()
}

func (g *Gateway) currentPicker() Picker {
	g.pickerMu.RLock()
	defer g.pickerMu.RUnlock()
	return g.picker
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit+1))
}

// discardResponseWriter satisfies http.ResponseWriter for the saturation
// queue's best-effort background dispatch, which has no live client
// connection to write to.
type discardResponseWriter struct{}

func (discardResponseWriter) Header() http.Header         { return http.Header{} }
func (discardResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (discardResponseWriter) WriteHeader(int)             {}
