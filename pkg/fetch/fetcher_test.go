package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const body = `{"outbounds":[{"protocol":"freedom"}]}`

func gzipped(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type recordedFetch struct {
	kind SourceKind
	err  error
}

type fakeRecorder struct {
	calls []recordedFetch
}

func (r *fakeRecorder) RecordFetch(kind SourceKind, err error) {
	r.calls = append(r.calls, recordedFetch{kind: kind, err: err})
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		raw  string
		kind SourceKind
		path string
		err  bool
	}{
		{raw: "https://example.com/config.json", kind: SourceURL},
		{raw: "  http://example.com/a  ", kind: SourceURL},
		{raw: "file:///etc/proxy/config.json", kind: SourceFile, path: filepath.FromSlash("/etc/proxy/config.json")},
		{raw: "./config.json", kind: SourceFile, path: "./config.json"},
		{raw: "/abs/config.json", kind: SourceFile, path: "/abs/config.json"},
		{raw: "", err: true},
		{raw: "   ", err: true},
		{raw: "ftp://example.com/config.json", err: true},
		{raw: "https:///nohost", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			src, err := ParseSource(tt.raw)
			if tt.err {
				require.Error(t, err)
				assert.Equal(t, KindInvalidSource, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, src.Kind)
			if tt.path != "" {
				assert.Equal(t, tt.path, src.Path)
			}
		})
	}
}

func TestFetch_URL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "proxy-profiles-test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	rec := &fakeRecorder{}
	f := New(WithUserAgent("proxy-profiles-test"), WithRecorder(rec))
	data, err := f.Fetch(context.Background(), server.URL+"/config.json")
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, SourceURL, rec.calls[0].kind)
	assert.NoError(t, rec.calls[0].err)
}

func TestFetch_URLGzip(t *testing.T) {
	compressed := gzipped(t, body)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(compressed)
	}))
	defer server.Close()

	data, err := New().Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestFetch_URLStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := New().Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestFetch_URLTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	f := New(WithTimeout(100 * time.Millisecond))
	start := time.Now()
	_, err := f.Fetch(context.Background(), server.URL)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestFetch_URLUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	_, err := New(WithTimeout(2 * time.Second)).Fetch(context.Background(), addr)
	require.Error(t, err)
	kind := KindOf(err)
	assert.True(t, kind == KindTransport || kind == KindTimeout, "got %s", kind)
}

func TestFetch_URLTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	_, err := New(WithMaxBytes(16)).Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestFetch_GzipBomb(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json.gz")
	require.NoError(t, os.WriteFile(path, gzipped(t, strings.Repeat(" ", 1024)), 0o600))

	_, err := New(WithMaxBytes(512)).Fetch(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestFetch_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := New().Fetch(ctx, server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetch_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	data, err := New().Fetch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	data, err = New().Fetch(context.Background(), "file://"+filepath.ToSlash(path))
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	gzPath := filepath.Join(dir, "config.json.gz")
	require.NoError(t, os.WriteFile(gzPath, gzipped(t, body), 0o600))
	data, err = New().Fetch(context.Background(), gzPath)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestFetch_FileNotFound(t *testing.T) {
	_, err := New().Fetch(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFetch_FilePermissionDenied(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("file modes are not enforced for this user")
	}
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o000))

	_, err := New().Fetch(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, KindPermissionDenied, KindOf(err))
}

func TestFetchError_Error(t *testing.T) {
	err := &FetchError{Kind: KindNotFound, Source: "/tmp/x"}
	assert.Equal(t, "fetch /tmp/x: not_found", err.Error())

	err = &FetchError{Kind: KindTransport, Source: "https://x", Err: &HTTPStatusError{StatusCode: 500, Status: "500 Internal Server Error"}}
	assert.Contains(t, err.Error(), "500 Internal Server Error")
}
