package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dyluth/perch/pkg/board"
)

// HealthServer exposes the authority daemon's liveness endpoint for
// deployment probes.
type HealthServer struct {
	client *board.Client
	engine *Engine
	server *http.Server
}

// NewHealthServer creates a new health check server.
func NewHealthServer(client *board.Client, engine *Engine) *HealthServer {
	return &HealthServer{
		client: client,
		engine: engine,
	}
}

// Start starts the HTTP health check server on the given address.
func (h *HealthServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)

	h.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	// Start server in background
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Health server error: %v\n", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the health check server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is accessible, 503 Service Unavailable otherwise.
// A healthy response carries merge diagnostics: tab and scope counts from the
// coordinator and the persistence breaker's current state.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Check Redis connectivity with timeout
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Instance: h.client.InstanceName(),
	}

	err := h.client.Ping(ctx)
	if err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(response)
		return
	}

	response.Redis = "connected"
	if h.engine != nil {
		tabs := h.engine.Coordinator().Tabs()
		scopes := make(map[string]bool, len(tabs))
		for _, tab := range tabs {
			scopes[tab.ScopeID] = true
		}
		response.Tabs = len(tabs)
		response.Scopes = len(scopes)
		response.Breaker = string(h.engine.store.Stats().BreakerState)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	Instance string `json:"instance,omitempty"`
	Redis    string `json:"redis,omitempty"`
	Tabs     int    `json:"tabs,omitempty"`
	Scopes   int    `json:"scopes,omitempty"`
	Breaker  string `json:"breaker,omitempty"`
	Error    string `json:"error,omitempty"`
}
