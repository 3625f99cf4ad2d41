// Package importer runs fetch, validate and replace as one cancellable job
// per profile. A newer import for the same profile supersedes the older one.
package importer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/chambrid/proxy-profiles/pkg/profile"
)

// ErrSuperseded is delivered to an import that was replaced by a newer one
// for the same profile, or cancelled explicitly, before it could commit
var ErrSuperseded = errors.New("import superseded by a newer request")

// Fetcher reads payload bytes from a source
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// Store is the part of the profile store an import writes to
type Store interface {
	Get(id string) (*profile.Profile, error)
	Replace(id string, raw []byte) error
}

// Recorder receives import outcomes for metrics
type Recorder interface {
	ObserveImport(d time.Duration, err error)
}

// Result is the outcome of one import
type Result struct {
	ID       string        `json:"id"`
	Source   string        `json:"source"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

type job struct {
	seq    uint64
	cancel context.CancelFunc
}

// Importer coordinates imports. The zero value is not usable; call New.
type Importer struct {
	fetcher  Fetcher
	store    Store
	log      logr.Logger
	recorder Recorder

	mu   sync.Mutex
	seq  uint64
	jobs map[string]job
	wg   sync.WaitGroup
}

// Option configures an Importer
type Option func(*Importer)

// WithLogger sets the importer logger
func WithLogger(log logr.Logger) Option {
	return func(i *Importer) { i.log = log }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(i *Importer) { i.recorder = r }
}

// New creates an Importer
func New(fetcher Fetcher, store Store, opts ...Option) *Importer {
	i := &Importer{
		fetcher: fetcher,
		store:   store,
		log:     logr.Discard(),
		jobs:    make(map[string]job),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start begins importing source into profile id and returns a channel that
// receives exactly one Result. Any import already running for id is cancelled
// and receives ErrSuperseded.
func (i *Importer) Start(ctx context.Context, id, source string) <-chan Result {
	out := make(chan Result, 1)

	if _, err := i.store.Get(id); err != nil {
		out <- Result{ID: id, Source: source, Err: err}
		close(out)
		return out
	}

	jobCtx, cancel := context.WithCancel(ctx)

	i.mu.Lock()
	i.seq++
	seq := i.seq
	if prev, ok := i.jobs[id]; ok {
		prev.cancel()
		i.log.V(1).Info("Superseding import", "id", id)
	}
	i.jobs[id] = job{seq: seq, cancel: cancel}
	i.wg.Add(1)
	i.mu.Unlock()

	go func() {
		defer i.wg.Done()
		defer close(out)
		defer cancel()

		res := i.run(jobCtx, id, source, seq)
		i.finish(id, seq)
		if i.recorder != nil {
			i.recorder.ObserveImport(res.Duration, res.Err)
		}
		if res.Err != nil {
			i.log.Info("Import failed", "id", id, "source", source, "error", res.Err.Error())
		} else {
			i.log.Info("Imported profile", "id", id, "source", source, "bytes", res.Bytes)
		}
		out <- res
	}()
	return out
}

// Import runs an import and waits for its result
func (i *Importer) Import(ctx context.Context, id, source string) Result {
	return <-i.Start(ctx, id, source)
}

// Cancel stops the running import for id, if any
func (i *Importer) Cancel(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	j, ok := i.jobs[id]
	if ok {
		j.cancel()
		delete(i.jobs, id)
	}
	return ok
}

// Pending reports whether an import for id is running
func (i *Importer) Pending(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.jobs[id]
	return ok
}

// Wait blocks until all started imports have delivered their result
func (i *Importer) Wait() {
	i.wg.Wait()
}

func (i *Importer) run(ctx context.Context, id, source string, seq uint64) Result {
	start := time.Now()
	res := Result{ID: id, Source: source}

	data, err := i.fetcher.Fetch(ctx, source)
	res.Duration = time.Since(start)
	if err != nil {
		if ctx.Err() != nil && !i.isLatest(id, seq) {
			res.Err = ErrSuperseded
			return res
		}
		res.Err = err
		return res
	}
	res.Bytes = len(data)

	// The commit check and the write happen under mu so a newer Start cannot
	// slip in between them.
	i.mu.Lock()
	defer i.mu.Unlock()
	if ctx.Err() != nil || !i.isLatestLocked(id, seq) {
		res.Err = ErrSuperseded
		return res
	}
	res.Err = i.store.Replace(id, data)
	res.Duration = time.Since(start)
	return res
}

func (i *Importer) isLatest(id string, seq uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.isLatestLocked(id, seq)
}

func (i *Importer) isLatestLocked(id string, seq uint64) bool {
	j, ok := i.jobs[id]
	return ok && j.seq == seq
}

func (i *Importer) finish(id string, seq uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if j, ok := i.jobs[id]; ok && j.seq == seq {
		delete(i.jobs, id)
	}
}
