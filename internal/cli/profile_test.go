package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chambrid/proxy-profiles/pkg/profile"
)

const trojanPayload = `{"outbounds":[{"protocol":"trojan","settings":{"servers":[{"address":"edge.example.com","port":443,"password":"secret"}]}}]}`

// runCLI executes a fresh command tree against dir and returns stdout
func runCLI(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(BuildInfo{Version: "test"})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--dir", dir, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, dir, "", args...)
	if err != nil {
		t.Fatalf("%v failed: %v", args, err)
	}
	return out
}

func writePayload(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "payload.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write payload: %v", err)
	}
	return path
}

// assertOrder checks that names appear in out in the given order
func assertOrder(t *testing.T, out string, names ...string) {
	t.Helper()
	last := -1
	for _, name := range names {
		i := strings.Index(out, name)
		if i < 0 {
			t.Fatalf("Expected %q in output:\n%s", name, out)
		}
		if i < last {
			t.Fatalf("Expected order %v, got:\n%s", names, out)
		}
		last = i
	}
}

// listStore serves a fixed list for resolveID
type listStore struct {
	profile.ProfileStore
	profiles []profile.Profile
}

func (s listStore) List() []profile.Profile { return s.profiles }

func TestResolveID(t *testing.T) {
	store := listStore{profiles: []profile.Profile{
		{ID: "3f2a9c10-0000-4000-8000-000000000001"},
		{ID: "3f2a9c20-0000-4000-8000-000000000002"},
		{ID: "7b00e111-0000-4000-8000-000000000003"},
	}}

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr string
	}{
		{"full id", "7b00e111-0000-4000-8000-000000000003", "7b00e111-0000-4000-8000-000000000003", ""},
		{"unique prefix", "3f2a9c1", "3f2a9c10-0000-4000-8000-000000000001", ""},
		{"index", "#1", "3f2a9c20-0000-4000-8000-000000000002", ""},
		{"ambiguous prefix", "3f2a", "", "ambiguous"},
		{"short prefix", "7b0", "", "not found"},
		{"index out of range", "#3", "", "out of range"},
		{"bad index", "#x", "", "invalid profile index"},
		{"empty", " ", "", "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveID(store, tt.ref)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseVariables(t *testing.T) {
	vars, err := parseVariables([]string{"address=a.example.com", "password=p=w"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if vars["address"] != "a.example.com" || vars["password"] != "p=w" {
		t.Errorf("Unexpected variables: %v", vars)
	}

	if _, err := parseVariables([]string{"novalue"}); err == nil {
		t.Error("Expected error for a pair without '='")
	}
	if _, err := parseVariables([]string{"=x"}); err == nil {
		t.Error("Expected error for an empty key")
	}
}

func TestCLI_EmptyList(t *testing.T) {
	out := mustRun(t, t.TempDir(), "list")
	if !strings.Contains(out, "No profiles found.") {
		t.Errorf("Unexpected output:\n%s", out)
	}
}

func TestCLI_AddListShow(t *testing.T) {
	dir := t.TempDir()
	payload := writePayload(t, t.TempDir(), trojanPayload)

	mustRun(t, dir, "add")
	out := mustRun(t, dir, "add", "--name", "tokyo", "--file", payload)
	if !strings.Contains(out, "Profile 'tokyo' added") {
		t.Errorf("Unexpected add output:\n%s", out)
	}

	out = mustRun(t, dir, "list")
	assertOrder(t, out, "New Server 1", "tokyo")
	if !strings.Contains(out, "edge.example.com:443") {
		t.Errorf("Expected endpoint in list:\n%s", out)
	}
	if !strings.Contains(out, "Total: 2 profiles") {
		t.Errorf("Expected total in list:\n%s", out)
	}

	out = mustRun(t, dir, "show", "#1")
	for _, want := range []string{"Profile: tokyo", "Index: 1", "Protocol: trojan"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in show output:\n%s", want, out)
		}
	}

	out = mustRun(t, dir, "show", "#0")
	if !strings.Contains(out, "(no payload)") {
		t.Errorf("Expected placeholder marker:\n%s", out)
	}
}

func TestCLI_AddRejectedPayloadLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	payload := writePayload(t, t.TempDir(), `{"outbounds":[]}`)

	_, err := runCLI(t, dir, "", "add", "--name", "broken", "--file", payload)
	if err == nil || !strings.Contains(err.Error(), "outbounds") {
		t.Fatalf("Expected validation error naming outbounds, got %v", err)
	}

	out := mustRun(t, dir, "list")
	if !strings.Contains(out, "No profiles found.") {
		t.Errorf("Rejected add left a profile behind:\n%s", out)
	}
}

func TestCLI_AddFromTemplate(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "add", "--template", "trojan", "--name", "edge",
		"--var", "address=edge.example.com", "--var", "password=secret")

	out := mustRun(t, dir, "list")
	if !strings.Contains(out, "edge") || !strings.Contains(out, "trojan") {
		t.Errorf("Template profile missing from list:\n%s", out)
	}

	if _, err := runCLI(t, dir, "", "add", "--var", "a=b"); err == nil {
		t.Error("Expected --var without --template to fail")
	}
}

func TestCLI_ReplaceFromStdin(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "add")

	if _, err := runCLI(t, dir, trojanPayload, "replace", "#0", "--file", "-"); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	out := mustRun(t, dir, "show", "#0", "--payload")
	if !strings.Contains(out, "edge.example.com") {
		t.Errorf("Payload not stored:\n%s", out)
	}

	_, err := runCLI(t, dir, `{"outbounds":[{"protocol":"trojan","settings":{"servers":[{"address":"x","port":0,"password":"p"}]}}]}`,
		"replace", "#0", "--file", "-")
	if err == nil || !strings.Contains(err.Error(), "port") {
		t.Fatalf("Expected validation error naming the port, got %v", err)
	}
	out = mustRun(t, dir, "show", "#0", "--payload")
	if !strings.Contains(out, "edge.example.com") {
		t.Errorf("Rejected replace changed the payload:\n%s", out)
	}
}

func TestCLI_Reorder(t *testing.T) {
	tests := []struct {
		mode string
		want []string
	}{
		{"multi", []string{"bravo", "delta", "alpha", "charlie"}},
		{"collapsed", []string{"alpha", "charlie", "delta", "bravo"}},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			dir := t.TempDir()
			for _, name := range []string{"alpha", "bravo", "charlie", "delta"} {
				mustRun(t, dir, "add", "--name", name)
			}

			mustRun(t, dir, "reorder", "--rows", "0,2", "--drop", "4", "--mode", tt.mode)
			assertOrder(t, mustRun(t, dir, "list"), tt.want...)
		})
	}
}

func TestCLI_ReorderOutOfRange(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "add")

	_, err := runCLI(t, dir, "", "reorder", "--rows", "0", "--drop", "5")
	if err == nil {
		t.Fatal("Expected out of range drop to fail")
	}
}

func TestCLI_Move(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alpha", "bravo", "charlie"} {
		mustRun(t, dir, "add", "--name", name)
	}

	mustRun(t, dir, "move", "0", "2")
	assertOrder(t, mustRun(t, dir, "list"), "bravo", "charlie", "alpha")

	if _, err := runCLI(t, dir, "", "move", "0", "9"); err == nil {
		t.Error("Expected out of range move to fail")
	}
}

func TestCLI_CurrentLifecycle(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alpha", "bravo"} {
		mustRun(t, dir, "add", "--name", name)
	}

	out := mustRun(t, dir, "current")
	if !strings.Contains(out, "No profile is current") {
		t.Errorf("Unexpected current output:\n%s", out)
	}

	mustRun(t, dir, "use", "#0")
	out = mustRun(t, dir, "current")
	if !strings.Contains(out, "alpha") {
		t.Errorf("Expected alpha to be current:\n%s", out)
	}

	// removing the first entry while current moves current to the new last entry
	mustRun(t, dir, "remove", "#0", "--force")
	out = mustRun(t, dir, "current")
	if !strings.Contains(out, "bravo") {
		t.Errorf("Expected bravo to be current:\n%s", out)
	}

	mustRun(t, dir, "use", "--none")
	out = mustRun(t, dir, "current")
	if !strings.Contains(out, "No profile is current") {
		t.Errorf("Expected no current profile:\n%s", out)
	}
}

func TestCLI_RemoveCancelled(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "add", "--name", "keep")

	out, err := runCLI(t, dir, "n\n", "remove", "#0")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(out, "Remove cancelled") {
		t.Errorf("Expected cancellation:\n%s", out)
	}
	if !strings.Contains(mustRun(t, dir, "list"), "keep") {
		t.Error("Cancelled remove deleted the profile")
	}
}

func TestCLI_LogLevel(t *testing.T) {
	dir := t.TempDir()

	out := mustRun(t, dir, "log-level")
	if strings.TrimSpace(out) != "warning" {
		t.Errorf("Expected default level 'warning', got %q", out)
	}

	mustRun(t, dir, "log-level", "DEBUG")
	out = mustRun(t, dir, "log-level")
	if strings.TrimSpace(out) != "debug" {
		t.Errorf("Expected 'debug', got %q", out)
	}

	if _, err := runCLI(t, dir, "", "log-level", "verbose"); err == nil {
		t.Error("Expected invalid level to fail")
	}
}

func TestCLI_Import(t *testing.T) {
	dir := t.TempDir()
	payload := writePayload(t, t.TempDir(), trojanPayload)
	mustRun(t, dir, "add")

	out := mustRun(t, dir, "import", "#0", payload)
	if !strings.Contains(out, "Imported") {
		t.Errorf("Unexpected import output:\n%s", out)
	}

	_, err := runCLI(t, dir, "", "import", "#0", filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Errorf("Expected not_found fetch error, got %v", err)
	}
}

func TestCLI_Validate(t *testing.T) {
	dir := t.TempDir()
	payload := writePayload(t, t.TempDir(), trojanPayload)

	out := mustRun(t, dir, "validate", payload)
	if !strings.Contains(out, "Payload is valid") || !strings.Contains(out, "edge.example.com:443") {
		t.Errorf("Unexpected validate output:\n%s", out)
	}

	out = mustRun(t, dir, "validate", "--normalize", payload)
	if !strings.HasPrefix(out, "{\n  \"outbounds\"") {
		t.Errorf("Expected normalized payload, got:\n%s", out)
	}

	bad := writePayload(t, t.TempDir(), `[]`)
	if _, err := runCLI(t, dir, "", "validate", bad); err == nil {
		t.Error("Expected non-object payload to fail")
	}
}

func TestCLI_BackupRestore(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "add", "--name", "original")
	mustRun(t, dir, "backup")

	mustRun(t, dir, "rename", "#0", "changed")
	mustRun(t, dir, "restore", "--force")

	out := mustRun(t, dir, "list")
	if !strings.Contains(out, "original") || strings.Contains(out, "changed") {
		t.Errorf("Restore did not bring back the backup:\n%s", out)
	}
}

func TestCLI_Templates(t *testing.T) {
	out := mustRun(t, t.TempDir(), "templates")
	for _, id := range []string{"vmess-ws-tls", "vless-tcp", "trojan", "shadowsocks"} {
		if !strings.Contains(out, id) {
			t.Errorf("Expected template %s in output:\n%s", id, out)
		}
	}

	out = mustRun(t, t.TempDir(), "templates", "--details")
	if !strings.Contains(out, "address: Server host name (required)") {
		t.Errorf("Expected variable details:\n%s", out)
	}
}

func TestCLI_StateFormatFlag(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "--state-format", "json", "add", "--name", "json-profile")

	if _, err := os.Stat(filepath.Join(dir, "profiles.json")); err != nil {
		t.Errorf("Expected profiles.json to be written: %v", err)
	}
}
