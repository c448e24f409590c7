// Package server implements the AgentFlow HTTP API and SSE event streams.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentflow/agentflow/carbon"
	"github.com/agentflow/agentflow/config"
	"github.com/agentflow/agentflow/event"
	"github.com/agentflow/agentflow/ledger"
	"github.com/agentflow/agentflow/pipeline"
	"github.com/agentflow/agentflow/provider"
)

// Server is the AgentFlow HTTP server.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	engine    *pipeline.Engine
	wallet    *ledger.Store
	hub       *event.Hub
	intensity *carbon.IntensityClient
	version   string
	startTime time.Time
	routeOnce sync.Once
}

// New creates a Server. Call Start to register routes and listen.
func New(cfg *config.Config, engine *pipeline.Engine, wallet *ledger.Store, hub *event.Hub, intensity *carbon.IntensityClient, version string, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		engine:    engine,
		wallet:    wallet,
		hub:       hub,
		intensity: intensity,
		version:   version,
		startTime: time.Now(),
	}
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route mux, for tests.
func (s *Server) Handler() http.Handler {
	s.registerRoutes()
	return s.mux
}

func (s *Server) registerRoutes() {
	s.routeOnce.Do(s.routes)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/runs", s.createRun)
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	s.mux.HandleFunc("GET /api/runs/{id}/events", s.runEvents)
	s.mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRun)

	s.mux.HandleFunc("GET /api/wallet/{user}", s.getWallet)
	s.mux.HandleFunc("POST /api/wallet/{user}/topup", s.topupWallet)
	s.mux.HandleFunc("GET /api/wallet/{user}/entries", s.walletEntries)

	s.mux.HandleFunc("GET /api/carbon/intensity", s.carbonIntensity)
	s.mux.HandleFunc("GET /api/carbon/forecast", s.carbonForecast)
	s.mux.HandleFunc("GET /api/models", s.listModels)
	s.mux.HandleFunc("GET /api/health", s.health)

	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Run handlers ---

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	run, err := s.engine.Start(context.Background(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("run started",
		slog.String("run", run.ID),
		slog.String("user", req.UserID),
		slog.Int("subtasks", len(req.Subtasks)))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.engine.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

func (s *Server) runEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.engine.Get(id); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.hub.ServeSSE(w, r, id)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.engine.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	run.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// --- Wallet handlers ---

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	balance, err := s.wallet.Balance(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":              user,
		"balance_microdollars": balance,
	})
}

type topupRequest struct {
	AmountMicrodollars int64  `json:"amount_microdollars"`
	Reference          string `json:"reference"`
}

func (s *Server) topupWallet(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AmountMicrodollars <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference is required")
		return
	}

	result, err := s.wallet.Credit(user, req.AmountMicrodollars, req.Reference)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":              user,
		"status":               result.Status,
		"balance_microdollars": result.Balance,
	})
}

func (s *Server) walletEntries(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.wallet.Entries(user, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Carbon, models, health ---

func (s *Server) carbonIntensity(w http.ResponseWriter, r *http.Request) {
	zone := r.URL.Query().Get("zone")
	if zone == "" {
		zone = s.cfg.Carbon.Zone
	}

	intensity := carbon.FallbackIntensity(zone)
	if s.intensity != nil {
		intensity = s.intensity.Intensity(r.Context(), zone)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"zone":      zone,
		"intensity": intensity,
	})
}

func (s *Server) carbonForecast(w http.ResponseWriter, r *http.Request) {
	zone := r.URL.Query().Get("zone")
	if zone == "" {
		zone = s.cfg.Carbon.Zone
	}

	client := s.intensity
	if client == nil {
		// Keyless client: fallback intensity plus the synthetic outlook.
		client = carbon.NewIntensityClient("")
	}
	writeJSON(w, http.StatusOK, client.Forecast(r.Context(), zone))
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	providerType := r.URL.Query().Get("provider")
	if providerType == "" {
		providerType = s.cfg.Providers.Default
	}

	apiKey := ""
	baseURL := ""
	switch providerType {
	case "ollama":
		apiKey = s.cfg.Providers.Ollama.APIKey
		baseURL = s.cfg.Providers.Ollama.BaseURL
	case "openrouter":
		apiKey = s.cfg.Providers.OpenRouter.APIKey
		baseURL = s.cfg.Providers.OpenRouter.BaseURL
	}

	models, err := provider.ListModels(r.Context(), providerType, apiKey, baseURL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}
