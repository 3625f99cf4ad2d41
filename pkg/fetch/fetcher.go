// Package fetch reads configuration payloads from http(s) URLs and local
// files. It knows nothing about profiles; callers validate what it returns.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultMaxBytes  = 4 << 20
	DefaultUserAgent = "proxy-profiles"
)

// SourceKind tells how a source is read
type SourceKind string

const (
	SourceURL  SourceKind = "url"
	SourceFile SourceKind = "file"
)

// Source is a parsed import location
type Source struct {
	Kind SourceKind
	Raw  string
	URL  *url.URL // set for SourceURL
	Path string   // set for SourceFile
}

// ParseSource classifies raw as an http(s) URL, a file:// URL or a local path
func ParseSource(raw string) (Source, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Source{}, &FetchError{Kind: KindInvalidSource, Source: raw, Err: errors.New("source is empty")}
	}

	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return Source{}, &FetchError{Kind: KindInvalidSource, Source: raw, Err: err}
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			if u.Host == "" {
				return Source{}, &FetchError{Kind: KindInvalidSource, Source: raw, Err: errors.New("URL has no host")}
			}
			return Source{Kind: SourceURL, Raw: trimmed, URL: u}, nil
		case "file":
			if u.Path == "" {
				return Source{}, &FetchError{Kind: KindInvalidSource, Source: raw, Err: errors.New("file URL has no path")}
			}
			return Source{Kind: SourceFile, Raw: trimmed, Path: filepath.FromSlash(u.Path)}, nil
		default:
			return Source{}, &FetchError{Kind: KindInvalidSource, Source: raw, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
		}
	}

	path := trimmed
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return Source{Kind: SourceFile, Raw: trimmed, Path: path}, nil
}

// Recorder receives fetch outcomes for metrics
type Recorder interface {
	RecordFetch(kind SourceKind, err error)
}

// Fetcher reads payload bytes from a source
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	maxBytes  int64
	userAgent string
	log       logr.Logger
	recorder  Recorder
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithTimeout bounds a single URL fetch. Values <= 0 are ignored.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMaxBytes caps the (decompressed) payload size. Values <= 0 are ignored.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header for URL fetches
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithLogger sets the fetcher logger
func WithLogger(log logr.Logger) Option {
	return func(f *Fetcher) { f.log = log }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(f *Fetcher) { f.recorder = r }
}

// New creates a Fetcher
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{},
		timeout:   DefaultTimeout,
		maxBytes:  DefaultMaxBytes,
		userAgent: DefaultUserAgent,
		log:       logr.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Timeout returns the per-fetch bound for URL sources
func (f *Fetcher) Timeout() time.Duration {
	return f.timeout
}

// Fetch returns the bytes at source. Gzip-compressed content is decompressed.
// Every failure is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	src, err := ParseSource(source)
	if err != nil {
		f.record("", err)
		return nil, err
	}

	start := time.Now()
	var data []byte
	if src.Kind == SourceURL {
		data, err = f.fetchURL(ctx, src)
	} else {
		data, err = f.fetchFile(ctx, src)
	}
	if err == nil {
		data, err = f.decompress(src, data)
	}
	f.record(src.Kind, err)
	if err != nil {
		f.log.V(1).Info("Fetch failed", "source", src.Raw, "kind", KindOf(err), "error", err.Error())
		return nil, err
	}

	f.log.V(1).Info("Fetched payload", "source", src.Raw, "bytes", len(data), "duration", time.Since(start))
	return data, nil
}

func (f *Fetcher) record(kind SourceKind, err error) {
	if f.recorder != nil {
		f.recorder.RecordFetch(kind, err)
	}
}

func (f *Fetcher) fetchURL(ctx context.Context, src Source) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL.String(), nil)
	if err != nil {
		return nil, &FetchError{Kind: KindInvalidSource, Source: src.Raw, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classify(ctx, src, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain a little so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{
			Kind:   KindTransport,
			Source: src.Raw,
			Err:    &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status},
		}
	}

	if resp.ContentLength > f.maxBytes {
		return nil, &FetchError{Kind: KindTransport, Source: src.Raw, Err: ErrPayloadTooLarge}
	}

	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			return nil, &FetchError{Kind: KindTransport, Source: src.Raw, Err: err}
		}
		return nil, f.classify(ctx, src, err)
	}
	return data, nil
}

func (f *Fetcher) classify(ctx context.Context, src Source, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Source: src.Raw, Err: fmt.Errorf("no response within %s: %w", f.timeout, err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, Source: src.Raw, Err: err}
	}
	return &FetchError{Kind: KindTransport, Source: src.Raw, Err: err}
}

func (f *Fetcher) fetchFile(ctx context.Context, src Source) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Kind: KindTransport, Source: src.Raw, Err: err}
	}

	file, err := os.Open(src.Path)
	if err != nil {
		return nil, fileError(src, err)
	}
	defer func() { _ = file.Close() }()

	data, err := readLimited(file, f.maxBytes)
	if err != nil {
		return nil, fileError(src, err)
	}
	return data, nil
}

func fileError(src Source, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &FetchError{Kind: KindNotFound, Source: src.Raw, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &FetchError{Kind: KindPermissionDenied, Source: src.Raw, Err: err}
	}
	return &FetchError{Kind: KindTransport, Source: src.Raw, Err: err}
}

func (f *Fetcher) decompress(src Source, data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Source: src.Raw, Err: fmt.Errorf("invalid gzip data: %w", err)}
	}
	defer func() { _ = zr.Close() }()

	out, err := readLimited(zr, f.maxBytes)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Source: src.Raw, Err: err}
	}
	return out, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrPayloadTooLarge
	}
	return data, nil
}
