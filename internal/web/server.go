package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gorilla/mux"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/metadata"
	"github.com/elys-network/vaultd/internal/observability"
	"github.com/elys-network/vaultd/internal/orchestrator"
	"github.com/elys-network/vaultd/internal/registry"
	"github.com/elys-network/vaultd/internal/strategy"
	"github.com/elys-network/vaultd/internal/types"
	"github.com/elys-network/vaultd/internal/vault"
)

var webLogger = logger.GetForComponent("web_server")

const maxBodyBytes = 1 << 20

// Registry is the discovery side of the registry.
type Registry interface {
	List(ctx context.Context) (*registry.ListResult, error)
	GetDescriptor(ctx context.Context, address string) (types.VaultDescriptor, error)
}

// Vaults resolves running vaults.
type Vaults interface {
	Vault(address string) (vault.Manager, error)
	Vaults() []vault.Manager
}

// Store is the read side of durable state the API serves directly.
type Store interface {
	Ping(ctx context.Context) error
	ListHarvestReceipts(ctx context.Context, vault string, limit int) ([]types.HarvestReceipt, error)
}

// Dependencies are the components behind the API.
type Dependencies struct {
	Registry Registry
	Vaults   Vaults
	Store    Store
	Metrics  *observability.Metrics
}

// WebServer exposes vault discovery and vault operations over HTTP.
type WebServer struct {
	router  *mux.Router
	port    string
	deps    Dependencies
	server  *http.Server
	started time.Time
}

// NewWebServer creates a new web server instance
func NewWebServer(port string, deps Dependencies) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:  mux.NewRouter(),
		port:    port,
		deps:    deps,
		started: time.Now(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	if ws.deps.Metrics != nil {
		ws.router.Handle("/metrics", ws.deps.Metrics.Handler()).Methods("GET")
	}

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/vaults", ws.handleListVaults).Methods("GET")
	api.HandleFunc("/vaults/{address}", ws.handleGetVault).Methods("GET")
	api.HandleFunc("/vaults/{address}/positions/{depositor}", ws.handleGetPosition).Methods("GET")
	api.HandleFunc("/vaults/{address}/summary", ws.handleGetSummary).Methods("GET")
	api.HandleFunc("/vaults/{address}/harvests", ws.handleGetHarvests).Methods("GET")
	api.HandleFunc("/vaults/{address}/withdraw", ws.handleWithdraw).Methods("POST")
	api.HandleFunc("/vaults/{address}/harvest", ws.handleHarvest).Methods("POST")

	// Add CORS middleware
	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Handler returns the router, for embedding and tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start starts the web server and blocks until it stops.
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	ws.server = &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // withdrawals wait for ledger finality
		IdleTimeout:  60 * time.Second,
	}

	err := ws.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Shutdown(ctx)
}

// handleHealth reports store connectivity and running vaults.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	storeHealthy := true
	if ws.deps.Store != nil {
		if err := ws.deps.Store.Ping(r.Context()); err != nil {
			webLogger.Warn().Err(err).Msg("Store health check failed")
			storeHealthy = false
		}
	}

	vaults := map[string]string{}
	if ws.deps.Vaults != nil {
		for _, m := range ws.deps.Vaults.Vaults() {
			vaults[m.Descriptor().Address] = string(m.Status())
		}
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if !storeHealthy {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.started).Seconds()),
		},
		"component": map[string]interface{}{
			"name":    "vaultd",
			"version": "1.0.0",
		},
		"vaultd_status": map[string]interface{}{
			"store_healthy": storeHealthy,
			"vaults":        vaults,
		},
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleListVaults returns every published vault. Skipped counterparties are
// reported as warnings alongside the descriptors.
func (ws *WebServer) handleListVaults(w http.ResponseWriter, r *http.Request) {
	result, err := ws.deps.Registry.List(r.Context())
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, result)
}

func (ws *WebServer) handleGetVault(w http.ResponseWriter, r *http.Request) {
	d, err := ws.deps.Registry.GetDescriptor(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, d)
}

func (ws *WebServer) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, err := ws.deps.Vaults.Vault(vars["address"])
	if err != nil {
		ws.writeError(w, err)
		return
	}
	pos, err := m.GetUserPosition(r.Context(), vars["depositor"])
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, pos)
}

func (ws *WebServer) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	m, err := ws.deps.Vaults.Vault(mux.Vars(r)["address"])
	if err != nil {
		ws.writeError(w, err)
		return
	}
	summary, err := m.Snapshot(r.Context())
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, summary)
}

// handleGetHarvests returns the most recent harvest receipts of a vault.
func (ws *WebServer) handleGetHarvests(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if _, err := ws.deps.Vaults.Vault(address); err != nil {
		ws.writeError(w, err)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	receipts, err := ws.deps.Store.ListHarvestReceipts(r.Context(), address, limit)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	if receipts == nil {
		receipts = []types.HarvestReceipt{}
	}
	ws.writeJSONResponse(w, http.StatusOK, receipts)
}

type withdrawRequest struct {
	Depositor string `json:"depositor"`
	Shares    string `json:"shares"`
}

func (ws *WebServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	m, err := ws.deps.Vaults.Vault(mux.Vars(r)["address"])
	if err != nil {
		ws.writeError(w, err)
		return
	}

	var req withdrawRequest
	if err := ws.decodeBody(w, r, &req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Depositor == "" {
		ws.writeErrorResponse(w, http.StatusBadRequest, "depositor is required")
		return
	}
	shares, err := sdkmath.LegacyNewDecFromStr(req.Shares)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "shares must be a decimal amount")
		return
	}

	result, err := m.Withdraw(r.Context(), req.Depositor, shares)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, result)
}

type harvestRequest struct {
	Beneficiary string `json:"beneficiary"`
}

func (ws *WebServer) handleHarvest(w http.ResponseWriter, r *http.Request) {
	m, err := ws.deps.Vaults.Vault(mux.Vars(r)["address"])
	if err != nil {
		ws.writeError(w, err)
		return
	}

	var req harvestRequest
	if r.ContentLength != 0 {
		if err := ws.decodeBody(w, r, &req); err != nil {
			ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	result, err := m.Harvest(r.Context(), req.Beneficiary)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, result)
}

func (ws *WebServer) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

// statusFor maps typed errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, orchestrator.ErrUnknownVault):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrInsufficientShares), errors.Is(err, strategy.ErrInsufficientLiquidity):
		return http.StatusConflict
	case errors.Is(err, vault.ErrInvalidAmount), errors.Is(err, strategy.ErrInvalidAmount),
		errors.Is(err, metadata.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, strategy.ErrStrategyUnavailable), errors.Is(err, ledger.ErrSubmissionRejected),
		errors.Is(err, ledger.ErrSubmissionIndeterminate), errors.Is(err, ledger.ErrRequestFailed),
		errors.Is(err, ledger.ErrNotConnected):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (ws *WebServer) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		webLogger.Error().Err(err).Msg("Request failed")
		ws.writeErrorResponse(w, status, "internal error")
		return
	}
	ws.writeErrorResponse(w, status, err.Error())
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
