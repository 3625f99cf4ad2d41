package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/chambrid/proxy-profiles/pkg/importer"
	"github.com/chambrid/proxy-profiles/pkg/profile"
	"github.com/chambrid/proxy-profiles/pkg/reorder"
	"github.com/chambrid/proxy-profiles/pkg/v2config"
)

// ProfileResponse represents a profile in API responses
type ProfileResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Index       int               `json:"index"`
	Current     bool              `json:"current"`
	Placeholder bool              `json:"placeholder"`
	Summary     *v2config.Summary `json:"summary,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ProfileListResponse represents the ordered profile list
type ProfileListResponse struct {
	Profiles  []ProfileResponse `json:"profiles"`
	Count     int               `json:"count"`
	CurrentID string            `json:"current_id,omitempty"`
}

// CreateProfileRequest represents a request to add a profile. Payload and
// Template are mutually exclusive; with neither the profile is a placeholder.
type CreateProfileRequest struct {
	Name      string            `json:"name,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Template  string            `json:"template,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// RenameProfileRequest represents a request to rename a profile
type RenameProfileRequest struct {
	Name string `json:"name"`
}

// MoveRequest represents a single-row move
type MoveRequest struct {
	From *int `json:"from"`
	To   *int `json:"to"`
}

// ReorderRequest represents a drag-and-drop of one or more rows
type ReorderRequest struct {
	Rows []int  `json:"rows"`
	Drop *int   `json:"drop"`
	Mode string `json:"mode,omitempty"`
}

// ReorderResponse reports the moves applied by a reorder
type ReorderResponse struct {
	Moves    []reorder.Move    `json:"moves"`
	Profiles []ProfileResponse `json:"profiles"`
}

// ImportRequest represents a request to import a payload
type ImportRequest struct {
	Source string `json:"source"`
}

// Import states
const (
	ImportRunning    = "running"
	ImportSucceeded  = "succeeded"
	ImportFailed     = "failed"
	ImportSuperseded = "superseded"
)

// ImportStatus tracks the latest import started through the API for a profile
type ImportStatus struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	State      string     `json:"state"`
	Bytes      int        `json:"bytes,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LogLevelRequest represents a core log level update
type LogLevelRequest struct {
	Level string `json:"level"`
}

// LogLevelResponse reports the core log level
type LogLevelResponse struct {
	Level  string   `json:"level"`
	Levels []string `json:"levels"`
}

// handleListProfiles handles GET /api/v1/profiles
func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.listResponse())
}

func (s *Server) listResponse() ProfileListResponse {
	profiles := s.store.List()
	resp := ProfileListResponse{
		Profiles: make([]ProfileResponse, 0, len(profiles)),
		Count:    len(profiles),
	}
	if current, ok := s.store.Current(); ok {
		resp.CurrentID = current.ID
	}
	for i, p := range profiles {
		resp.Profiles = append(resp.Profiles, s.toResponse(p, i, p.ID == resp.CurrentID, false))
	}
	return resp
}

// handleGetProfile handles GET /api/v1/profiles/{id}
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, index, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.toResponse(*p, index, s.store.IsCurrent(p.ID), true))
}

// handleCreateProfile handles POST /api/v1/profiles
func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req CreateProfileRequest
	if !s.decodeJSON(w, r, &req, true) {
		return
	}

	hasPayload := len(req.Payload) > 0 && string(req.Payload) != "null"
	if hasPayload && req.Template != "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "payload and template are mutually exclusive", "")
		return
	}
	if len(req.Variables) > 0 && req.Template == "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "variables require a template", "")
		return
	}

	var id string
	var err error
	if req.Template != "" {
		id, err = profile.CreateFromTemplate(s.store, req.Template, req.Name, req.Variables)
	} else {
		id, err = s.addProfile(req.Name, req.Payload, hasPayload)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	p, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	index, _ := s.store.IndexOf(id)
	s.log.Info("Profile added", "id", id, "name", p.Name)
	s.writeJSON(w, http.StatusCreated, s.toResponse(*p, index, s.store.IsCurrent(id), false))
}

// addProfile adds a profile and applies name and payload, removing it again
// if either is rejected
func (s *Server) addProfile(name string, payload []byte, hasPayload bool) (string, error) {
	id, err := s.store.Add()
	if err != nil {
		return "", err
	}
	if name != "" {
		if err := s.store.Rename(id, name); err != nil {
			_ = s.store.Remove(id)
			return "", err
		}
	}
	if hasPayload {
		if err := s.store.Replace(id, payload); err != nil {
			_ = s.store.Remove(id)
			return "", err
		}
	}
	return id, nil
}

// handleRenameProfile handles PATCH /api/v1/profiles/{id}
func (s *Server) handleRenameProfile(w http.ResponseWriter, r *http.Request) {
	var req RenameProfileRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	id := r.PathValue("id")
	if err := s.store.Rename(id, req.Name); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeProfile(w, id)
}

// handleDeleteProfile handles DELETE /api/v1/profiles/{id}
func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.importer != nil {
		s.importer.Cancel(id)
	}
	if err := s.store.Remove(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.importsMu.Lock()
	delete(s.imports, id)
	s.importsMu.Unlock()

	s.log.Info("Profile removed", "id", id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("Profile %s deleted successfully", id),
		"id":      id,
	})
}

// handleReplacePayload handles PUT /api/v1/profiles/{id}/payload. The request
// body is the raw payload document.
func (s *Server) handleReplacePayload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
				fmt.Sprintf("payload exceeds %d bytes", s.config.MaxPayloadBytes), "")
			return
		}
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to read request body", err.Error())
		return
	}
	if err := s.store.Replace(id, raw); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeProfile(w, id)
}

// handleSetCurrent handles POST /api/v1/profiles/{id}/current
func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SetCurrent(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeProfile(w, id)
}

// handleGetCurrent handles GET /api/v1/current
func (s *Server) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	p, ok := s.store.Current()
	if !ok {
		s.writeError(w, http.StatusNotFound, CodeNotFound, "No current profile", "")
		return
	}
	index, _ := s.store.IndexOf(p.ID)
	s.writeJSON(w, http.StatusOK, s.toResponse(*p, index, true, false))
}

// handleClearCurrent handles DELETE /api/v1/current
func (s *Server) handleClearCurrent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearCurrent(); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Current profile cleared",
	})
}

// handleMoveProfile handles POST /api/v1/profiles/move
func (s *Server) handleMoveProfile(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	if req.From == nil || req.To == nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "from and to are required", "")
		return
	}
	if err := s.store.Move(*req.From, *req.To); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.listResponse())
}

// handleReorderProfiles handles POST /api/v1/profiles/reorder
func (s *Server) handleReorderProfiles(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	if req.Drop == nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "drop is required", "")
		return
	}

	mode := s.config.ReorderMode
	if req.Mode != "" {
		parsed, err := reorder.ParseMode(req.Mode)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), "")
			return
		}
		mode = parsed
	}

	moves, err := reorder.Build(mode, s.store.Count(), req.Rows, *req.Drop)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.Reorder(moves); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ReorderResponse{
		Moves:    moves,
		Profiles: s.listResponse().Profiles,
	})
}

// handleStartImport handles POST /api/v1/profiles/{id}/import. The import
// runs in the background; poll GET on the same path for its outcome.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		s.writeError(w, http.StatusServiceUnavailable, CodeInternal, "Import is not available", "")
		return
	}
	var req ImportRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "source is required", "")
		return
	}

	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	status := &ImportStatus{
		ID:        id,
		Source:    req.Source,
		State:     ImportRunning,
		StartedAt: time.Now(),
	}
	s.importsMu.Lock()
	s.imports[id] = status
	s.importsMu.Unlock()

	// The request context ends with the response, so the job runs on the
	// server context instead.
	results := s.importer.Start(s.ctx, id, req.Source)
	go s.trackImport(status, results)

	s.writeJSON(w, http.StatusAccepted, *status)
}

func (s *Server) trackImport(status *ImportStatus, results <-chan importer.Result) {
	res := <-results

	s.importsMu.Lock()
	defer s.importsMu.Unlock()

	now := time.Now()
	status.FinishedAt = &now
	status.Bytes = res.Bytes
	switch {
	case res.Err == nil:
		status.State = ImportSucceeded
	case errors.Is(res.Err, importer.ErrSuperseded):
		status.State = ImportSuperseded
	default:
		status.State = ImportFailed
		_, code := errorStatus(res.Err)
		status.Error = &ErrorInfo{Code: code, Message: res.Err.Error()}
	}
}

// handleImportStatus handles GET /api/v1/profiles/{id}/import
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.importsMu.Lock()
	status, ok := s.imports[id]
	var snapshot ImportStatus
	if ok {
		snapshot = *status
	}
	s.importsMu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("No import recorded for profile %s", id), "")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// handleCancelImport handles DELETE /api/v1/profiles/{id}/import
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.importer == nil || !s.importer.Cancel(id) {
		s.writeError(w, http.StatusConflict, CodeImportNotRunning, fmt.Sprintf("No import running for profile %s", id), "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("Import for profile %s cancelled", id),
		"id":      id,
	})
}

// handleGetLogLevel handles GET /api/v1/settings/log-level
func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, LogLevelResponse{
		Level:  s.store.CoreLogLevel(),
		Levels: v2config.LogLevels,
	})
}

// handleSetLogLevel handles PUT /api/v1/settings/log-level
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	if err := s.store.SetCoreLogLevel(req.Level); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, LogLevelResponse{
		Level:  s.store.CoreLogLevel(),
		Levels: v2config.LogLevels,
	})
}

// handleBackup handles POST /api/v1/backup
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Backup(); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Backup written",
		"count":   s.store.Count(),
	})
}

// handleRestore handles POST /api/v1/restore
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Restore(); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.listResponse())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*profile.Profile, int, bool) {
	id := r.PathValue("id")
	p, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return nil, 0, false
	}
	index, err := s.store.IndexOf(id)
	if err != nil {
		s.writeStoreError(w, err)
		return nil, 0, false
	}
	return p, index, true
}

func (s *Server) writeProfile(w http.ResponseWriter, id string) {
	p, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	index, _ := s.store.IndexOf(id)
	s.writeJSON(w, http.StatusOK, s.toResponse(*p, index, s.store.IsCurrent(id), false))
}

func (s *Server) toResponse(p profile.Profile, index int, current, withPayload bool) ProfileResponse {
	resp := ProfileResponse{
		ID:          p.ID,
		Name:        p.Name,
		Index:       index,
		Current:     current,
		Placeholder: p.IsPlaceholder(),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.IsPlaceholder() {
		return resp
	}
	if cfg, err := s.validator.Validate([]byte(p.Payload)); err == nil {
		summary := cfg.Summary
		resp.Summary = &summary
	}
	if withPayload {
		resp.Payload = json.RawMessage(p.Payload)
	}
	return resp
}
