// Package api provides the REST API server for the profile store.
//
// The server exposes every store operation as a resource-oriented endpoint:
//
//   - /api/v1/profiles - ordered profile list, add, move, reorder
//   - /api/v1/profiles/{id} - get, rename, remove
//   - /api/v1/profiles/{id}/payload - replace the payload
//   - /api/v1/profiles/{id}/import - asynchronous import from a URL or file
//   - /api/v1/current - current profile
//   - /api/v1/settings/log-level - proxy core log level
//   - /api/v1/health, /api/v1/system/info, /api/v1/docs - system endpoints
//   - /metrics - Prometheus exposition
//
// Responses share one envelope (Response) with a machine-readable error code
// for each store error type.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chambrid/proxy-profiles/pkg/fetch"
	"github.com/chambrid/proxy-profiles/pkg/importer"
	"github.com/chambrid/proxy-profiles/pkg/metrics"
	"github.com/chambrid/proxy-profiles/pkg/profile"
	"github.com/chambrid/proxy-profiles/pkg/reorder"
	"github.com/chambrid/proxy-profiles/pkg/v2config"
)

// BuildInfo contains build-time information
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Config holds API server configuration
type Config struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	LogLevel        string        `json:"log_level"`
	EnableCORS      bool          `json:"enable_cors"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	MaxPayloadBytes int64         `json:"max_payload_bytes"`
	ReorderMode     reorder.Mode  `json:"reorder_mode"`
}

// DefaultConfig returns default API server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		LogLevel:        "info",
		EnableCORS:      false,
		AllowedOrigins:  []string{"*"},
		MaxPayloadBytes: fetch.DefaultMaxBytes,
		ReorderMode:     reorder.ModeMulti,
	}
}

// Dependencies are the components the server drives
type Dependencies struct {
	Store     profile.ProfileStore
	Validator profile.PayloadValidator
	Importer  *importer.Importer
	Metrics   *metrics.Collectors
	Gatherer  prometheus.Gatherer
	Logger    logr.Logger
}

// Server represents the API server
type Server struct {
	config     *Config
	buildInfo  BuildInfo
	store      profile.ProfileStore
	validator  profile.PayloadValidator
	importer   *importer.Importer
	metrics    *metrics.Collectors
	gatherer   prometheus.Gatherer
	log        logr.Logger
	httpServer *http.Server

	// imports run on this context so Stop can cancel them
	ctx    context.Context
	cancel context.CancelFunc

	importsMu sync.Mutex
	imports   map[string]*ImportStatus
}

// NewServer creates a new API server instance
func NewServer(config *Config, buildInfo BuildInfo, deps Dependencies) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if deps.Validator == nil {
		deps.Validator = v2config.New(v2config.WithMaxBytes(int(config.MaxPayloadBytes)))
	}
	if deps.Logger.GetSink() == nil {
		deps.Logger = logr.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		buildInfo: buildInfo,
		store:     deps.Store,
		validator: deps.Validator,
		importer:  deps.Importer,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		log:       deps.Logger,
		ctx:       ctx,
		cancel:    cancel,
		imports:   make(map[string]*ImportStatus),
	}
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.withMiddleware(mux)
}

// Start starts the API server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.log.Info("🚀 Starting API server", "addr", s.httpServer.Addr)
	s.log.Info("📋 API documentation available", "url", fmt.Sprintf("http://%s/api/v1/docs", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the API server and cancels running imports
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("🛑 Stopping API server")
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	if s.importer != nil {
		done := make(chan struct{})
		go func() {
			s.importer.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}
	return err
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System endpoints
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/system/info", s.handleSystemInfo)
	mux.HandleFunc("GET /api/v1/docs", s.handleAPIDocs)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	// Profile endpoints
	mux.HandleFunc("GET /api/v1/profiles", s.handleListProfiles)
	mux.HandleFunc("POST /api/v1/profiles", s.handleCreateProfile)
	mux.HandleFunc("POST /api/v1/profiles/move", s.handleMoveProfile)
	mux.HandleFunc("POST /api/v1/profiles/reorder", s.handleReorderProfiles)
	mux.HandleFunc("GET /api/v1/profiles/{id}", s.handleGetProfile)
	mux.HandleFunc("PATCH /api/v1/profiles/{id}", s.handleRenameProfile)
	mux.HandleFunc("DELETE /api/v1/profiles/{id}", s.handleDeleteProfile)
	mux.HandleFunc("PUT /api/v1/profiles/{id}/payload", s.handleReplacePayload)
	mux.HandleFunc("POST /api/v1/profiles/{id}/current", s.handleSetCurrent)

	// Import endpoints
	mux.HandleFunc("POST /api/v1/profiles/{id}/import", s.handleStartImport)
	mux.HandleFunc("GET /api/v1/profiles/{id}/import", s.handleImportStatus)
	mux.HandleFunc("DELETE /api/v1/profiles/{id}/import", s.handleCancelImport)

	// Current profile and settings
	mux.HandleFunc("GET /api/v1/current", s.handleGetCurrent)
	mux.HandleFunc("DELETE /api/v1/current", s.handleClearCurrent)
	mux.HandleFunc("GET /api/v1/settings/log-level", s.handleGetLogLevel)
	mux.HandleFunc("PUT /api/v1/settings/log-level", s.handleSetLogLevel)

	// Backup endpoints
	mux.HandleFunc("POST /api/v1/backup", s.handleBackup)
	mux.HandleFunc("POST /api/v1/restore", s.handleRestore)
}

// withMiddleware applies middleware to the handler
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return s.withCORS(s.withLogging(next))
}

// withLogging adds request logging and request metrics
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, rw.statusCode, duration)
		}
		s.log.V(1).Info("Request served", "method", r.Method, "path", r.URL.Path, "status", rw.statusCode, "duration", duration)
	})
}

// withCORS adds CORS middleware
func (s *Server) withCORS(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	origin := "*"
	if len(s.config.AllowedOrigins) > 0 {
		origin = s.config.AllowedOrigins[0]
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *MetaInfo   `json:"meta,omitempty"`
}

// ErrorInfo represents error information
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// MetaInfo represents response metadata
type MetaInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Error codes
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeIndexOutOfRange  = "INDEX_OUT_OF_RANGE"
	CodeValidation       = "VALIDATION_ERROR"
	CodeBusy             = "BUSY"
	CodeSuperseded       = "SUPERSEDED"
	CodeFetch            = "FETCH_ERROR"
	CodeTemplate         = "TEMPLATE_ERROR"
	CodeStorage          = "STORAGE_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeImportNotRunning = "IMPORT_NOT_RUNNING"
)

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{
		Success: statusCode < 400,
		Data:    data,
		Meta: &MetaInfo{
			Timestamp: time.Now(),
			Version:   s.buildInfo.Version,
		},
	}

	if statusCode >= 400 {
		if errInfo, ok := data.(*ErrorInfo); ok {
			response.Error = errInfo
		} else {
			response.Error = &ErrorInfo{
				Code:    CodeInternal,
				Message: "Internal server error",
			}
		}
		response.Data = nil
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.Error(err, "Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code, message, details string) {
	s.writeJSON(w, statusCode, &ErrorInfo{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// writeStoreError maps a store, fetch or import error to a status code and
// error code
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	info := &ErrorInfo{Code: code, Message: err.Error()}

	var pe *profile.ProfileError
	if errors.As(err, &pe) {
		info.Field = pe.Field
	} else {
		var ve *v2config.ValidationError
		if errors.As(err, &ve) {
			info.Field = ve.Field
		}
	}

	if status >= http.StatusInternalServerError {
		s.log.Error(err, "Request failed", "code", code)
	}
	s.writeJSON(w, status, info)
}

func errorStatus(err error) (int, string) {
	var pe *profile.ProfileError
	switch {
	case profile.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case profile.IsIndexOutOfRange(err):
		return http.StatusBadRequest, CodeIndexOutOfRange
	case errors.Is(err, reorder.ErrNoSources):
		return http.StatusBadRequest, CodeInvalidRequest
	case profile.IsValidation(err), v2config.IsValidationError(err):
		return http.StatusUnprocessableEntity, CodeValidation
	case profile.IsBusy(err):
		return http.StatusConflict, CodeBusy
	case errors.Is(err, importer.ErrSuperseded):
		return http.StatusConflict, CodeSuperseded
	case fetch.KindOf(err) != "":
		return http.StatusBadGateway, CodeFetch
	case errors.As(err, &pe) && pe.Type == profile.ErrorTypeTemplate:
		return http.StatusBadRequest, CodeTemplate
	case profile.IsStorage(err):
		return http.StatusInternalServerError, CodeStorage
	}
	return http.StatusInternalServerError, CodeInternal
}

// decodeJSON decodes a bounded JSON request body into v. An empty body
// leaves v untouched when allowEmpty is set.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) bool {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxPayloadBytes+4096)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid JSON request body", err.Error())
		return false
	}
	return true
}
