package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chambrid/proxy-profiles/pkg/fetch"
	"github.com/chambrid/proxy-profiles/pkg/importer"
	"github.com/chambrid/proxy-profiles/pkg/metrics"
	"github.com/chambrid/proxy-profiles/pkg/profile"
	"github.com/chambrid/proxy-profiles/pkg/reorder"
)

const trojanPayload = `{"outbounds":[{"protocol":"trojan","settings":{"servers":[{"address":"tokyo.example.com","port":443,"password":"secret"}]}}]}`

type testServer struct {
	server  *Server
	handler http.Handler
	store   *profile.MockProfileStore
}

// createTestServer creates a test server backed by an in-memory store
func createTestServer(t *testing.T) *testServer {
	t.Helper()

	config := DefaultConfig()
	config.Port = 8888
	config.MaxPayloadBytes = 64 << 10

	buildInfo := BuildInfo{
		Version: "test-v0.1.0",
		Commit:  "test-commit",
		Date:    time.Now().Format("2006-01-02T15:04:05Z"),
	}

	store := profile.NewMockProfileStore()
	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)
	imp := importer.New(fetch.New(fetch.WithRecorder(recorder)), store, importer.WithRecorder(recorder))

	server := NewServer(config, buildInfo, Dependencies{
		Store:    store,
		Importer: imp,
		Metrics:  recorder,
		Gatherer: registry,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})

	return &testServer{server: server, handler: server.Handler(), store: store}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	var response Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return w, response
}

func (ts *testServer) add(t *testing.T, name string) string {
	t.Helper()
	id, err := ts.store.Add()
	if err != nil {
		t.Fatalf("Failed to add profile: %v", err)
	}
	if name != "" {
		if err := ts.store.Rename(id, name); err != nil {
			t.Fatalf("Failed to rename profile: %v", err)
		}
	}
	return id
}

// decodeData converts the generic Data field into v
func decodeData(t *testing.T, response Response, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(response.Data)
	if err != nil {
		t.Fatalf("Failed to re-encode data: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
}

func names(profiles []ProfileResponse) []string {
	out := make([]string, len(profiles))
	for i, p := range profiles {
		out[i] = p.Name
	}
	return out
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, response Response, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("Expected status %d, got %d (%s)", status, w.Code, w.Body.String())
	}
	if response.Success {
		t.Error("Expected success to be false for error response")
	}
	if response.Error == nil {
		t.Fatal("Expected error info to be present")
	}
	if response.Error.Code != code {
		t.Errorf("Expected error code %s, got %s", code, response.Error.Code)
	}
}

// TestAPIServer_HealthEndpoint tests the health check endpoint
func TestAPIServer_HealthEndpoint(t *testing.T) {
	ts := createTestServer(t)
	ts.add(t, "")

	w, response := ts.do(t, "GET", "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !response.Success {
		t.Error("Expected success to be true")
	}

	var health HealthResponse
	decodeData(t, response, &health)
	if health.Status != "healthy" {
		t.Errorf("Expected healthy status, got %s", health.Status)
	}
	if health.Components["store"].Message != "1 profiles" {
		t.Errorf("Unexpected store component: %+v", health.Components["store"])
	}
}

// TestAPIServer_HealthDegradedWithoutImporter tests health without an importer
func TestAPIServer_HealthDegradedWithoutImporter(t *testing.T) {
	server := NewServer(DefaultConfig(), BuildInfo{Version: "test"}, Dependencies{Store: profile.NewMockProfileStore()})
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()

	server.handleHealth(w, req)

	if w.Code != http.StatusPartialContent {
		t.Errorf("Expected status %d, got %d", http.StatusPartialContent, w.Code)
	}
}

// TestAPIServer_SystemInfoEndpoint tests the system info endpoint
func TestAPIServer_SystemInfoEndpoint(t *testing.T) {
	ts := createTestServer(t)

	w, response := ts.do(t, "GET", "/api/v1/system/info", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var info SystemInfoResponse
	decodeData(t, response, &info)
	if info.Version != "test-v0.1.0" {
		t.Errorf("Expected version test-v0.1.0, got %s", info.Version)
	}
	if info.Config == nil || info.Config.ReorderMode != reorder.ModeMulti {
		t.Errorf("Expected multi reorder mode in config, got %+v", info.Config)
	}
	found := false
	for _, c := range info.Capabilities {
		if c == "import" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected import capability, got %v", info.Capabilities)
	}
}

// TestAPIServer_DocsEndpoint tests that every documented route is served
func TestAPIServer_DocsEndpoint(t *testing.T) {
	ts := createTestServer(t)

	w, response := ts.do(t, "GET", "/api/v1/docs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var docs APIDocsResponse
	decodeData(t, response, &docs)
	if docs.BaseURL != "http://127.0.0.1:8888" {
		t.Errorf("Unexpected base URL %s", docs.BaseURL)
	}

	mux := http.NewServeMux()
	ts.server.registerRoutes(mux)
	for _, doc := range docs.Endpoints {
		path := strings.ReplaceAll(doc.Path, "{id}", "abc")
		req := httptest.NewRequest(doc.Method, path, nil)
		if _, pattern := mux.Handler(req); pattern == "" {
			t.Errorf("Documented endpoint %s %s is not routed", doc.Method, doc.Path)
		}
	}
}

// TestAPIServer_ProfileLifecycle tests add, get, rename, replace and delete
func TestAPIServer_ProfileLifecycle(t *testing.T) {
	ts := createTestServer(t)

	// placeholder
	w, response := ts.do(t, "POST", "/api/v1/profiles", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	var created ProfileResponse
	decodeData(t, response, &created)
	if !created.Placeholder {
		t.Error("Expected a placeholder profile")
	}
	if !strings.HasPrefix(created.Name, profile.NewProfilePrefix) {
		t.Errorf("Unexpected default name %q", created.Name)
	}

	// rename
	w, response = ts.do(t, "PATCH", "/api/v1/profiles/"+created.ID, `{"name":"Tokyo"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var renamed ProfileResponse
	decodeData(t, response, &renamed)
	if renamed.Name != "Tokyo" {
		t.Errorf("Expected name Tokyo, got %s", renamed.Name)
	}

	// replace payload
	w, response = ts.do(t, "PUT", "/api/v1/profiles/"+created.ID+"/payload", trojanPayload)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var replaced ProfileResponse
	decodeData(t, response, &replaced)
	if replaced.Placeholder || replaced.Summary == nil {
		t.Fatalf("Expected a summarized payload, got %+v", replaced)
	}
	if replaced.Summary.Protocol != "trojan" || replaced.Summary.Endpoint() != "tokyo.example.com:443" {
		t.Errorf("Unexpected summary %+v", replaced.Summary)
	}
	if replaced.Payload != nil {
		t.Error("Payload should only be included by GET")
	}

	// get
	w, response = ts.do(t, "GET", "/api/v1/profiles/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var got ProfileResponse
	decodeData(t, response, &got)
	if !strings.Contains(string(got.Payload), "tokyo.example.com") {
		t.Errorf("Expected payload in GET response, got %s", got.Payload)
	}

	// delete
	w, _ = ts.do(t, "DELETE", "/api/v1/profiles/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ts.store.Count() != 0 {
		t.Errorf("Expected empty store, got %d profiles", ts.store.Count())
	}

	w, response = ts.do(t, "GET", "/api/v1/profiles/"+created.ID, "")
	expectCode(t, w, response, http.StatusNotFound, CodeNotFound)
}

// TestAPIServer_CreateProfile tests the create request variants
func TestAPIServer_CreateProfile(t *testing.T) {
	t.Run("with payload", func(t *testing.T) {
		ts := createTestServer(t)
		w, response := ts.do(t, "POST", "/api/v1/profiles", `{"name":"Osaka","payload":`+trojanPayload+`}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
		}
		var created ProfileResponse
		decodeData(t, response, &created)
		if created.Name != "Osaka" || created.Placeholder {
			t.Errorf("Unexpected profile %+v", created)
		}
	})

	t.Run("rejected payload leaves nothing behind", func(t *testing.T) {
		ts := createTestServer(t)
		w, response := ts.do(t, "POST", "/api/v1/profiles", `{"payload":{"outbounds":[]}}`)
		expectCode(t, w, response, http.StatusUnprocessableEntity, CodeValidation)
		if ts.store.Count() != 0 {
			t.Errorf("Expected rollback, store has %d profiles", ts.store.Count())
		}
	})

	t.Run("from template", func(t *testing.T) {
		ts := createTestServer(t)
		body := `{"template":"trojan","variables":{"address":"t.example.com","password":"pw"}}`
		w, response := ts.do(t, "POST", "/api/v1/profiles", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
		}
		var created ProfileResponse
		decodeData(t, response, &created)
		if created.Summary == nil || created.Summary.Address != "t.example.com" {
			t.Errorf("Unexpected summary %+v", created.Summary)
		}
	})

	t.Run("unknown template", func(t *testing.T) {
		ts := createTestServer(t)
		w, response := ts.do(t, "POST", "/api/v1/profiles", `{"template":"nope"}`)
		expectCode(t, w, response, http.StatusBadRequest, CodeTemplate)
	})

	t.Run("payload and template", func(t *testing.T) {
		ts := createTestServer(t)
		w, response := ts.do(t, "POST", "/api/v1/profiles", `{"template":"trojan","payload":{}}`)
		expectCode(t, w, response, http.StatusBadRequest, CodeInvalidRequest)
	})

	t.Run("invalid json", func(t *testing.T) {
		ts := createTestServer(t)
		w, response := ts.do(t, "POST", "/api/v1/profiles", `{"name":`)
		expectCode(t, w, response, http.StatusBadRequest, CodeInvalidRequest)
	})
}

// TestAPIServer_ListProfiles tests ordering and the current marker
func TestAPIServer_ListProfiles(t *testing.T) {
	ts := createTestServer(t)
	ts.add(t, "A")
	b := ts.add(t, "B")
	ts.add(t, "C")
	if err := ts.store.SetCurrent(b); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	w, response := ts.do(t, "GET", "/api/v1/profiles", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var list ProfileListResponse
	decodeData(t, response, &list)

	if got := strings.Join(names(list.Profiles), ","); got != "A,B,C" {
		t.Errorf("Expected A,B,C, got %s", got)
	}
	if list.CurrentID != b || !list.Profiles[1].Current || list.Profiles[0].Current {
		t.Errorf("Expected B to be current, got %+v", list)
	}
	for i, p := range list.Profiles {
		if p.Index != i {
			t.Errorf("Expected index %d, got %d", i, p.Index)
		}
	}
}

// TestAPIServer_Reorder tests multi-row reorders in both modes
func TestAPIServer_Reorder(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
		moves    int
	}{
		{name: "multi", body: `{"rows":[0,2],"drop":4}`, expected: "B,D,A,C", moves: 2},
		{name: "collapsed", body: `{"rows":[0,2],"drop":4,"mode":"collapsed"}`, expected: "A,C,D,B", moves: 1},
		{name: "single row up", body: `{"rows":[3],"drop":0}`, expected: "D,A,B,C", moves: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := createTestServer(t)
			for _, n := range []string{"A", "B", "C", "D"} {
				ts.add(t, n)
			}

			w, response := ts.do(t, "POST", "/api/v1/profiles/reorder", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
			}
			var result ReorderResponse
			decodeData(t, response, &result)
			if got := strings.Join(names(result.Profiles), ","); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
			if len(result.Moves) != tt.moves {
				t.Errorf("Expected %d moves, got %v", tt.moves, result.Moves)
			}
		})
	}
}

// TestAPIServer_ReorderErrors tests reorder request validation
func TestAPIServer_ReorderErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "row out of range", body: `{"rows":[7],"drop":0}`, status: http.StatusBadRequest, code: CodeIndexOutOfRange},
		{name: "drop out of range", body: `{"rows":[0],"drop":9}`, status: http.StatusBadRequest, code: CodeIndexOutOfRange},
		{name: "no rows", body: `{"rows":[],"drop":0}`, status: http.StatusBadRequest, code: CodeInvalidRequest},
		{name: "missing drop", body: `{"rows":[0]}`, status: http.StatusBadRequest, code: CodeInvalidRequest},
		{name: "unknown mode", body: `{"rows":[0],"drop":1,"mode":"sideways"}`, status: http.StatusBadRequest, code: CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := createTestServer(t)
			ts.add(t, "A")
			ts.add(t, "B")

			w, response := ts.do(t, "POST", "/api/v1/profiles/reorder", tt.body)
			expectCode(t, w, response, tt.status, tt.code)
			if len(ts.store.ReorderCalls) != 0 {
				t.Error("Store must not be touched by a rejected reorder")
			}
		})
	}
}

// TestAPIServer_Move tests single-row moves
func TestAPIServer_Move(t *testing.T) {
	ts := createTestServer(t)
	for _, n := range []string{"A", "B", "C"} {
		ts.add(t, n)
	}

	w, response := ts.do(t, "POST", "/api/v1/profiles/move", `{"from":0,"to":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var list ProfileListResponse
	decodeData(t, response, &list)
	if got := strings.Join(names(list.Profiles), ","); got != "B,C,A" {
		t.Errorf("Expected B,C,A, got %s", got)
	}

	w, response = ts.do(t, "POST", "/api/v1/profiles/move", `{"from":0,"to":3}`)
	expectCode(t, w, response, http.StatusBadRequest, CodeIndexOutOfRange)

	w, response = ts.do(t, "POST", "/api/v1/profiles/move", `{"from":0}`)
	expectCode(t, w, response, http.StatusBadRequest, CodeInvalidRequest)
}

// TestAPIServer_Current tests selecting, reading and clearing the current profile
func TestAPIServer_Current(t *testing.T) {
	ts := createTestServer(t)
	a := ts.add(t, "A")

	w, response := ts.do(t, "GET", "/api/v1/current", "")
	expectCode(t, w, response, http.StatusNotFound, CodeNotFound)

	w, _ = ts.do(t, "POST", "/api/v1/profiles/"+a+"/current", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	w, response = ts.do(t, "GET", "/api/v1/current", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var current ProfileResponse
	decodeData(t, response, &current)
	if current.ID != a || !current.Current {
		t.Errorf("Expected %s to be current, got %+v", a, current)
	}

	w, _ = ts.do(t, "DELETE", "/api/v1/current", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if _, ok := ts.store.Current(); ok {
		t.Error("Expected no current profile after clear")
	}

	w, response = ts.do(t, "POST", "/api/v1/profiles/missing/current", "")
	expectCode(t, w, response, http.StatusNotFound, CodeNotFound)
}

// TestAPIServer_LogLevel tests the core log level setting
func TestAPIServer_LogLevel(t *testing.T) {
	ts := createTestServer(t)

	w, response := ts.do(t, "PUT", "/api/v1/settings/log-level", `{"level":"debug"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var level LogLevelResponse
	decodeData(t, response, &level)
	if level.Level != "debug" {
		t.Errorf("Expected debug, got %s", level.Level)
	}

	w, response = ts.do(t, "PUT", "/api/v1/settings/log-level", `{"level":"loud"}`)
	expectCode(t, w, response, http.StatusUnprocessableEntity, CodeValidation)

	_, response = ts.do(t, "GET", "/api/v1/settings/log-level", "")
	decodeData(t, response, &level)
	if level.Level != "debug" {
		t.Errorf("Rejected level must not be applied, got %s", level.Level)
	}
}

// TestAPIServer_ReplaceErrors tests error mapping for payload replacement
func TestAPIServer_ReplaceErrors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		ts := createTestServer(t)
		w, response := ts.do(t, "PUT", "/api/v1/profiles/missing/payload", trojanPayload)
		expectCode(t, w, response, http.StatusNotFound, CodeNotFound)
	})

	t.Run("invalid payload", func(t *testing.T) {
		ts := createTestServer(t)
		id := ts.add(t, "A")
		w, response := ts.do(t, "PUT", "/api/v1/profiles/"+id+"/payload", `not json`)
		expectCode(t, w, response, http.StatusUnprocessableEntity, CodeValidation)
	})

	t.Run("too large", func(t *testing.T) {
		ts := createTestServer(t)
		id := ts.add(t, "A")
		w, response := ts.do(t, "PUT", "/api/v1/profiles/"+id+"/payload", strings.Repeat(" ", 65<<10))
		expectCode(t, w, response, http.StatusRequestEntityTooLarge, CodePayloadTooLarge)
	})

	t.Run("busy", func(t *testing.T) {
		ts := createTestServer(t)
		id := ts.add(t, "A")
		ts.store.ReplaceFunc = func(id string, raw []byte) error { return profile.NewBusyError(id) }
		w, response := ts.do(t, "PUT", "/api/v1/profiles/"+id+"/payload", trojanPayload)
		expectCode(t, w, response, http.StatusConflict, CodeBusy)
	})

	t.Run("storage", func(t *testing.T) {
		ts := createTestServer(t)
		id := ts.add(t, "A")
		ts.store.ReplaceFunc = func(id string, raw []byte) error {
			return profile.NewStorageError("failed to save state", errors.New("disk full"))
		}
		w, response := ts.do(t, "PUT", "/api/v1/profiles/"+id+"/payload", trojanPayload)
		expectCode(t, w, response, http.StatusInternalServerError, CodeStorage)
	})
}

// TestAPIServer_Import tests background imports from a file
func TestAPIServer_Import(t *testing.T) {
	ts := createTestServer(t)
	id := ts.add(t, "A")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(trojanPayload), 0o600); err != nil {
		t.Fatalf("Failed to write payload: %v", err)
	}

	w, response := ts.do(t, "POST", "/api/v1/profiles/"+id+"/import", fmt.Sprintf(`{"source":%q}`, path))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var started ImportStatus
	decodeData(t, response, &started)
	if started.State != ImportRunning {
		t.Errorf("Expected running state, got %s", started.State)
	}

	status := waitForImport(t, ts, id)
	if status.State != ImportSucceeded {
		t.Fatalf("Expected succeeded import, got %+v", status)
	}
	p, _ := ts.store.Get(id)
	if !strings.Contains(p.Payload, "tokyo.example.com") {
		t.Errorf("Payload was not imported: %s", p.Payload)
	}
}

// TestAPIServer_ImportFailure tests that fetch errors are reported in the status
func TestAPIServer_ImportFailure(t *testing.T) {
	ts := createTestServer(t)
	id := ts.add(t, "A")

	missing := filepath.Join(t.TempDir(), "missing.json")
	w, _ := ts.do(t, "POST", "/api/v1/profiles/"+id+"/import", fmt.Sprintf(`{"source":%q}`, missing))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}

	status := waitForImport(t, ts, id)
	if status.State != ImportFailed || status.Error == nil || status.Error.Code != CodeFetch {
		t.Errorf("Expected fetch failure, got %+v", status)
	}
	if len(ts.store.ReplaceCalls) != 0 {
		t.Error("Failed fetch must not replace the payload")
	}
}

// TestAPIServer_ImportRequests tests import request validation
func TestAPIServer_ImportRequests(t *testing.T) {
	ts := createTestServer(t)
	id := ts.add(t, "A")

	w, response := ts.do(t, "POST", "/api/v1/profiles/"+id+"/import", `{"source":"  "}`)
	expectCode(t, w, response, http.StatusBadRequest, CodeInvalidRequest)

	w, response = ts.do(t, "POST", "/api/v1/profiles/missing/import", `{"source":"/tmp/x.json"}`)
	expectCode(t, w, response, http.StatusNotFound, CodeNotFound)

	w, response = ts.do(t, "GET", "/api/v1/profiles/"+id+"/import", "")
	expectCode(t, w, response, http.StatusNotFound, CodeNotFound)

	w, response = ts.do(t, "DELETE", "/api/v1/profiles/"+id+"/import", "")
	expectCode(t, w, response, http.StatusConflict, CodeImportNotRunning)
}

func waitForImport(t *testing.T, ts *testServer, id string) ImportStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w, response := ts.do(t, "GET", "/api/v1/profiles/"+id+"/import", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
		}
		var status ImportStatus
		decodeData(t, response, &status)
		if status.State != ImportRunning {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Import did not finish")
	return ImportStatus{}
}

// TestAPIServer_BackupRestore tests the backup endpoints
func TestAPIServer_BackupRestore(t *testing.T) {
	ts := createTestServer(t)
	ts.add(t, "A")

	w, _ := ts.do(t, "POST", "/api/v1/backup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	ts.add(t, "B")

	w, response := ts.do(t, "POST", "/api/v1/restore", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var list ProfileListResponse
	decodeData(t, response, &list)
	if got := strings.Join(names(list.Profiles), ","); got != "A" {
		t.Errorf("Expected restored list A, got %s", got)
	}
}

// TestAPIServer_Metrics tests request metrics and the exposition endpoint
func TestAPIServer_Metrics(t *testing.T) {
	ts := createTestServer(t)
	ts.do(t, "GET", "/api/v1/profiles", "")
	ts.do(t, "GET", "/api/v1/profiles/missing", "")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`proxy_profiles_http_requests_total{code="200",method="GET",route="GET /api/v1/profiles"} 1`,
		`proxy_profiles_http_requests_total{code="404",method="GET",route="GET /api/v1/profiles/{id}"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics to contain %s", want)
		}
	}
}

// TestAPIServer_Middleware tests the middleware functionality
func TestAPIServer_Middleware(t *testing.T) {
	config := DefaultConfig()
	config.EnableCORS = true
	server := NewServer(config, BuildInfo{}, Dependencies{Store: profile.NewMockProfileStore()})

	t.Run("CORS headers", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/test", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		handler := server.withCORS(mux)
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("Expected CORS headers to be set")
		}
	})

	t.Run("OPTIONS preflight", func(t *testing.T) {
		mux := http.NewServeMux()
		handler := server.withCORS(mux)
		req := httptest.NewRequest("OPTIONS", "/test", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status %d for OPTIONS request, got %d", http.StatusOK, w.Code)
		}
	})

	t.Run("CORS disabled", func(t *testing.T) {
		ts := createTestServer(t)
		w, _ := ts.do(t, "GET", "/api/v1/health", "")
		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("Expected no CORS headers when disabled")
		}
	})
}

// TestAPIServer_ErrorHandling tests error response formatting
func TestAPIServer_ErrorHandling(t *testing.T) {
	ts := createTestServer(t)

	w := httptest.NewRecorder()
	ts.server.writeError(w, http.StatusBadRequest, "TEST_ERROR", "Test error message", "Error details")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}

	if response.Success {
		t.Error("Expected success to be false for error response")
	}
	if response.Error == nil {
		t.Fatal("Expected error info to be present")
	}
	if response.Error.Code != "TEST_ERROR" {
		t.Errorf("Expected error code TEST_ERROR, got %s", response.Error.Code)
	}
	if response.Meta == nil || response.Meta.Version != "test-v0.1.0" {
		t.Errorf("Expected meta version, got %+v", response.Meta)
	}
}

// TestErrorStatus tests the error to status code mapping
func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", profile.NewNotFoundError("x"), http.StatusNotFound, CodeNotFound},
		{"index", profile.NewIndexOutOfRangeError(errors.New("index 5")), http.StatusBadRequest, CodeIndexOutOfRange},
		{"planner index", &reorder.IndexOutOfRangeError{What: "source", Index: 5, Len: 2}, http.StatusBadRequest, CodeIndexOutOfRange},
		{"no sources", reorder.ErrNoSources, http.StatusBadRequest, CodeInvalidRequest},
		{"validation", profile.NewValidationError("x", "name", "empty"), http.StatusUnprocessableEntity, CodeValidation},
		{"busy", profile.NewBusyError("x"), http.StatusConflict, CodeBusy},
		{"superseded", importer.ErrSuperseded, http.StatusConflict, CodeSuperseded},
		{"fetch", &fetch.FetchError{Kind: fetch.KindTimeout, Source: "u"}, http.StatusBadGateway, CodeFetch},
		{"template", profile.NewTemplateError("t", "missing variable", nil), http.StatusBadRequest, CodeTemplate},
		{"storage", profile.NewStorageError("save", errors.New("io")), http.StatusInternalServerError, CodeStorage},
		{"other", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("Expected %d/%s, got %d/%s", tt.status, tt.code, status, code)
			}
		})
	}
}
