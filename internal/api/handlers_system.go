package api

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/chambrid/proxy-profiles/pkg/reorder"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a system component
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfoResponse represents system information response
type SystemInfoResponse struct {
	Version      string            `json:"version"`
	Commit       string            `json:"commit"`
	BuildDate    string            `json:"build_date"`
	GoVersion    string            `json:"go_version"`
	Platform     string            `json:"platform"`
	APIVersion   string            `json:"api_version"`
	Capabilities []string          `json:"capabilities"`
	Config       *SystemConfigInfo `json:"config,omitempty"`
}

// SystemConfigInfo represents sanitized system configuration
type SystemConfigInfo struct {
	Port            int          `json:"port"`
	Host            string       `json:"host"`
	LogLevel        string       `json:"log_level"`
	EnableCORS      bool         `json:"enable_cors"`
	MaxPayloadBytes int64        `json:"max_payload_bytes"`
	ReorderMode     reorder.Mode `json:"reorder_mode"`
}

// APIDocsResponse represents API documentation response
type APIDocsResponse struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Version     string                 `json:"version"`
	BaseURL     string                 `json:"base_url"`
	Endpoints   []EndpointDoc          `json:"endpoints"`
	Examples    map[string]interface{} `json:"examples"`
}

// EndpointDoc represents documentation for an API endpoint
type EndpointDoc struct {
	Method      string                 `json:"method"`
	Path        string                 `json:"path"`
	Summary     string                 `json:"summary"`
	Description string                 `json:"description"`
	Parameters  []ParameterDoc         `json:"parameters,omitempty"`
	RequestBody *RequestBodyDoc        `json:"request_body,omitempty"`
	Responses   map[string]ResponseDoc `json:"responses"`
}

// ParameterDoc represents documentation for a parameter
type ParameterDoc struct {
	Name        string `json:"name"`
	In          string `json:"in"` // "path", "query", "header"
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// RequestBodyDoc represents documentation for request body
type RequestBodyDoc struct {
	Required    bool        `json:"required"`
	ContentType string      `json:"content_type"`
	Schema      string      `json:"schema"`
	Example     interface{} `json:"example,omitempty"`
}

// ResponseDoc represents documentation for a response
type ResponseDoc struct {
	Description string      `json:"description"`
	Schema      string      `json:"schema"`
	Example     interface{} `json:"example,omitempty"`
}

var startTime = time.Now()

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(startTime)

	components := make(map[string]ComponentHealth)

	if s.store != nil {
		components["store"] = ComponentHealth{
			Status:  "healthy",
			Message: fmt.Sprintf("%d profiles", s.store.Count()),
		}
	} else {
		components["store"] = ComponentHealth{
			Status:  "unhealthy",
			Message: "Profile store not initialized",
		}
	}

	if s.importer != nil {
		components["importer"] = ComponentHealth{Status: "healthy"}
	} else {
		components["importer"] = ComponentHealth{
			Status:  "unavailable",
			Message: "Importer not initialized",
		}
	}

	// Determine overall status
	overallStatus := "healthy"
	for _, component := range components {
		if component.Status == "unhealthy" {
			overallStatus = "unhealthy"
			break
		} else if component.Status == "unavailable" && overallStatus != "unhealthy" {
			overallStatus = "degraded"
		}
	}

	response := HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    s.buildInfo.Version,
		Uptime:     uptime.String(),
		Components: components,
	}

	statusCode := http.StatusOK
	switch overallStatus {
	case "unhealthy":
		statusCode = http.StatusServiceUnavailable
	case "degraded":
		statusCode = http.StatusPartialContent
	}

	s.writeJSON(w, statusCode, response)
}

// handleSystemInfo handles system information requests
func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	// Sanitize config for public exposure
	configInfo := &SystemConfigInfo{
		Port:            s.config.Port,
		Host:            s.config.Host,
		LogLevel:        s.config.LogLevel,
		EnableCORS:      s.config.EnableCORS,
		MaxPayloadBytes: s.config.MaxPayloadBytes,
		ReorderMode:     s.config.ReorderMode,
	}

	capabilities := []string{"profiles", "reorder", "templates", "backup"}
	if s.importer != nil {
		capabilities = append(capabilities, "import")
	}
	if s.gatherer != nil {
		capabilities = append(capabilities, "metrics")
	}

	response := SystemInfoResponse{
		Version:      s.buildInfo.Version,
		Commit:       s.buildInfo.Commit,
		BuildDate:    s.buildInfo.Date,
		GoVersion:    runtime.Version(),
		Platform:     fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		APIVersion:   "v1",
		Capabilities: capabilities,
		Config:       configInfo,
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleAPIDocs handles API documentation requests
func (s *Server) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	host := s.config.Host
	if host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	baseURL := "http://" + net.JoinHostPort(host, strconv.Itoa(s.config.Port))

	response := APIDocsResponse{
		Title:       "Proxy Profiles API",
		Description: "REST API for managing an ordered collection of proxy configuration profiles",
		Version:     s.buildInfo.Version,
		BaseURL:     baseURL,
		Endpoints:   s.getAPIEndpointDocs(),
		Examples:    s.getAPIExamples(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

var idParam = ParameterDoc{
	Name:        "id",
	In:          "path",
	Type:        "string",
	Required:    true,
	Description: "Profile ID",
}

// getAPIEndpointDocs returns documentation for all API endpoints
func (s *Server) getAPIEndpointDocs() []EndpointDoc {
	notFound := ResponseDoc{Description: "Profile not found", Schema: "ErrorInfo"}
	invalid := ResponseDoc{Description: "Payload rejected by validation", Schema: "ErrorInfo"}

	return []EndpointDoc{
		{
			Method:      "GET",
			Path:        "/api/v1/health",
			Summary:     "Health check",
			Description: "Check the health status of the API server and its components",
			Responses: map[string]ResponseDoc{
				"200": {Description: "Service is healthy", Schema: "HealthResponse"},
				"503": {Description: "Service is unhealthy", Schema: "HealthResponse"},
			},
		},
		{
			Method:      "GET",
			Path:        "/api/v1/system/info",
			Summary:     "System information",
			Description: "Get version, capabilities and sanitized configuration",
			Responses: map[string]ResponseDoc{
				"200": {Description: "System information", Schema: "SystemInfoResponse"},
			},
		},
		{
			Method:      "GET",
			Path:        "/api/v1/profiles",
			Summary:     "List profiles",
			Description: "List all profiles in display order with the current profile marked",
			Responses: map[string]ResponseDoc{
				"200": {Description: "Ordered profile list", Schema: "ProfileListResponse"},
			},
		},
		{
			Method:      "POST",
			Path:        "/api/v1/profiles",
			Summary:     "Add profile",
			Description: "Append a profile. Without payload or template the profile is an empty placeholder.",
			RequestBody: &RequestBodyDoc{
				Required:    false,
				ContentType: "application/json",
				Schema:      "CreateProfileRequest",
				Example: map[string]interface{}{
					"name":      "Tokyo",
					"template":  "trojan",
					"variables": map[string]string{"address": "tokyo.example.com", "password": "secret"},
				},
			},
			Responses: map[string]ResponseDoc{
				"201": {Description: "Profile created", Schema: "ProfileResponse"},
				"422": invalid,
			},
		},
		{
			Method:      "GET",
			Path:        "/api/v1/profiles/{id}",
			Summary:     "Get profile",
			Description: "Get a profile including its stored payload",
			Parameters:  []ParameterDoc{idParam},
			Responses: map[string]ResponseDoc{
				"200": {Description: "Profile details", Schema: "ProfileResponse"},
				"404": notFound,
			},
		},
		{
			Method:      "PATCH",
			Path:        "/api/v1/profiles/{id}",
			Summary:     "Rename profile",
			Description: "Change the display name of a profile",
			Parameters:  []ParameterDoc{idParam},
			RequestBody: &RequestBodyDoc{
				Required:    true,
				ContentType: "application/json",
				Schema:      "RenameProfileRequest",
				Example:     map[string]interface{}{"name": "Tokyo"},
			},
			Responses: map[string]ResponseDoc{
				"200": {Description: "Profile renamed", Schema: "ProfileResponse"},
				"404": notFound,
				"422": {Description: "Name rejected", Schema: "ErrorInfo"},
			},
		},
		{
			Method:      "DELETE",
			Path:        "/api/v1/profiles/{id}",
			Summary:     "Remove profile",
			Description: "Remove a profile. Removing the current profile selects a neighbour.",
			Parameters:  []ParameterDoc{idParam},
			Responses: map[string]ResponseDoc{
				"200": {Description: "Profile removed", Schema: "object"},
				"404": notFound,
			},
		},
		{
			Method:      "PUT",
			Path:        "/api/v1/profiles/{id}/payload",
			Summary:     "Replace payload",
			Description: "Validate and store a new payload. The request body is the raw JSON document.",
			Parameters:  []ParameterDoc{idParam},
			RequestBody: &RequestBodyDoc{Required: true, ContentType: "application/json", Schema: "V2Ray configuration"},
			Responses: map[string]ResponseDoc{
				"200": {Description: "Payload replaced", Schema: "ProfileResponse"},
				"404": notFound,
				"409": {Description: "Another replace for the profile is in progress", Schema: "ErrorInfo"},
				"413": {Description: "Payload too large", Schema: "ErrorInfo"},
				"422": invalid,
			},
		},
		{
			Method:      "POST",
			Path:        "/api/v1/profiles/{id}/import",
			Summary:     "Import payload",
			Description: "Fetch a payload from a URL or file in the background and replace the profile payload with it",
			Parameters:  []ParameterDoc{idParam},
			RequestBody: &RequestBodyDoc{
				Required:    true,
				ContentType: "application/json",
				Schema:      "ImportRequest",
				Example:     map[string]interface{}{"source": "https://example.com/config.json"},
			},
			Responses: map[string]ResponseDoc{
				"202": {Description: "Import started", Schema: "ImportStatus"},
				"404": notFound,
			},
		},
		{
			Method:      "GET",
			Path:        "/api/v1/profiles/{id}/import",
			Summary:     "Import status",
			Description: "Get the state of the latest import started for a profile",
			Parameters:  []ParameterDoc{idParam},
			Responses: map[string]ResponseDoc{
				"200": {Description: "Import status", Schema: "ImportStatus"},
				"404": {Description: "No import recorded", Schema: "ErrorInfo"},
			},
		},
		{
			Method:      "DELETE",
			Path:        "/api/v1/profiles/{id}/import",
			Summary:     "Cancel import",
			Description: "Cancel the running import for a profile",
			Parameters:  []ParameterDoc{idParam},
			Responses: map[string]ResponseDoc{
				"200": {Description: "Import cancelled", Schema: "object"},
				"409": {Description: "No import running", Schema: "ErrorInfo"},
			},
		},
		{
			Method:      "POST",
			Path:        "/api/v1/profiles/{id}/current",
			Summary:     "Select profile",
			Description: "Make a profile the current one",
			Parameters:  []ParameterDoc{idParam},
			Responses: map[string]ResponseDoc{
				"200": {Description: "Profile selected", Schema: "ProfileResponse"},
				"404": notFound,
			},
		},
		{
			Method:      "POST",
			Path:        "/api/v1/profiles/move",
			Summary:     "Move profile",
			Description: "Move one row from one index to another",
			RequestBody: &RequestBodyDoc{
				Required:    true,
				ContentType: "application/json",
				Schema:      "MoveRequest",
				Example:     map[string]interface{}{"from": 0, "to": 2},
			},
			Responses: map[string]ResponseDoc{
				"200": {Description: "New order", Schema: "ProfileListResponse"},
				"400": {Description: "Index out of range", Schema: "ErrorInfo"},
			},
		},
		{
			Method:      "POST",
			Path:        "/api/v1/profiles/reorder",
			Summary:     "Reorder profiles",
			Description: "Drop a set of rows before the drop index, keeping their relative order",
			RequestBody: &RequestBodyDoc{
				Required:    true,
				ContentType: "application/json",
				Schema:      "ReorderRequest",
				Example:     map[string]interface{}{"rows": []int{0, 2}, "drop": 4, "mode": "multi"},
			},
			Responses: map[string]ResponseDoc{
				"200": {Description: "Applied moves and new order", Schema: "ReorderResponse"},
				"400": {Description: "Index out of range", Schema: "ErrorInfo"},
			},
		},
		{
			Method:      "GET",
			Path:        "/api/v1/current",
			Summary:     "Current profile",
			Description: "Get the current profile",
			Responses: map[string]ResponseDoc{
				"200": {Description: "Current profile", Schema: "ProfileResponse"},
				"404": {Description: "No current profile", Schema: "ErrorInfo"},
			},
		},
		{
			Method:      "DELETE",
			Path:        "/api/v1/current",
			Summary:     "Clear current profile",
			Description: "Unset the current profile",
			Responses: map[string]ResponseDoc{
				"200": {Description: "Current profile cleared", Schema: "object"},
			},
		},
		{
			Method:      "GET",
			Path:        "/api/v1/settings/log-level",
			Summary:     "Core log level",
			Description: "Get the log level passed to the proxy core",
			Responses: map[string]ResponseDoc{
				"200": {Description: "Log level", Schema: "LogLevelResponse"},
			},
		},
		{
			Method:      "PUT",
			Path:        "/api/v1/settings/log-level",
			Summary:     "Set core log level",
			Description: "Set the log level passed to the proxy core",
			RequestBody: &RequestBodyDoc{
				Required:    true,
				ContentType: "application/json",
				Schema:      "LogLevelRequest",
				Example:     map[string]interface{}{"level": "info"},
			},
			Responses: map[string]ResponseDoc{
				"200": {Description: "Log level updated", Schema: "LogLevelResponse"},
				"422": {Description: "Unknown level", Schema: "ErrorInfo"},
			},
		},
		{
			Method:      "POST",
			Path:        "/api/v1/backup",
			Summary:     "Backup",
			Description: "Copy the state file to its backup",
			Responses: map[string]ResponseDoc{
				"200": {Description: "Backup written", Schema: "object"},
			},
		},
		{
			Method:      "POST",
			Path:        "/api/v1/restore",
			Summary:     "Restore",
			Description: "Replace the store contents with the backup",
			Responses: map[string]ResponseDoc{
				"200": {Description: "Restored profile list", Schema: "ProfileListResponse"},
				"409": {Description: "A replace is in progress", Schema: "ErrorInfo"},
			},
		},
		{
			Method:      "GET",
			Path:        "/metrics",
			Summary:     "Metrics",
			Description: "Prometheus metrics in the text exposition format",
			Responses: map[string]ResponseDoc{
				"200": {Description: "Metrics", Schema: "text/plain"},
			},
		},
	}
}

// getAPIExamples returns example requests for common workflows
func (s *Server) getAPIExamples() map[string]interface{} {
	return map[string]interface{}{
		"add_placeholder": map[string]interface{}{
			"description": "Add an empty profile and fill it later",
			"request":     "POST /api/v1/profiles",
			"body":        map[string]interface{}{},
		},
		"import_from_url": map[string]interface{}{
			"description": "Fill a profile from a subscription URL",
			"request":     "POST /api/v1/profiles/{id}/import",
			"body":        map[string]interface{}{"source": "https://example.com/config.json"},
		},
		"drag_and_drop": map[string]interface{}{
			"description": "Move rows 0 and 2 of [A,B,C,D] to the end, giving [B,D,A,C]",
			"request":     "POST /api/v1/profiles/reorder",
			"body":        map[string]interface{}{"rows": []int{0, 2}, "drop": 4},
		},
	}
}
