package profile

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/chambrid/proxy-profiles/pkg/reorder"
	"github.com/chambrid/proxy-profiles/pkg/state"
	"github.com/chambrid/proxy-profiles/pkg/v2config"
)

// PayloadValidator checks and normalizes raw payloads
type PayloadValidator interface {
	Validate(raw []byte) (*v2config.Config, error)
}

// FileStore implements ProfileStore on top of a state.StateManager. Every
// mutation is persisted before it becomes visible in memory.
type FileStore struct {
	manager   state.StateManager
	validator PayloadValidator
	log       logr.Logger
	recorder  Recorder
	now       func() time.Time

	mu           sync.RWMutex
	entries      []Profile
	currentID    string
	coreLogLevel string
	createdAt    time.Time
	inflight     map[string]struct{}

	// notifyMu keeps observer delivery in commit order
	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// Option configures a FileStore
type Option func(*FileStore)

// WithLogger sets the store logger
func WithLogger(log logr.Logger) Option {
	return func(s *FileStore) { s.log = log }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(s *FileStore) { s.recorder = r }
}

// WithClock overrides time.Now for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

type nopRecorder struct{}

func (nopRecorder) RecordMutation(string, error) {}
func (nopRecorder) SetProfileCount(int)          {}

// NewFileStore creates a store and loads its initial contents from manager
func NewFileStore(manager state.StateManager, validator PayloadValidator, opts ...Option) (*FileStore, error) {
	if manager == nil {
		return nil, fmt.Errorf("state manager cannot be nil")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator cannot be nil")
	}

	s := &FileStore{
		manager:      manager,
		validator:    validator,
		log:          logr.Discard(),
		recorder:     nopRecorder{},
		now:          time.Now,
		coreLogLevel: v2config.DefaultLogLevel,
		inflight:     make(map[string]struct{}),
		observers:    make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	s.recorder.SetProfileCount(len(s.entries))
	return s, nil
}

// loaded is a snapshot that passed repair and payload validation
type loaded struct {
	working
	createdAt time.Time
}

// load reads the snapshot from disk and installs it. Called before the store
// is shared.
func (s *FileStore) load() error {
	snapshot, err := s.manager.Load()
	if errors.Is(err, state.ErrNoState) {
		s.log.V(1).Info("No state file yet, starting empty", "path", s.manager.Path())
		s.install(&loaded{working: working{entries: make([]Profile, 0), coreLogLevel: v2config.DefaultLogLevel}})
		return nil
	}
	if err != nil {
		return NewStorageError("failed to load profiles", err)
	}

	l, err := s.fromSnapshot(snapshot)
	if err != nil {
		return err
	}
	s.install(l)
	s.log.V(1).Info("Loaded profiles", "count", len(l.entries), "current", l.currentID)
	return nil
}

func (s *FileStore) install(l *loaded) {
	s.entries = l.entries
	s.currentID = l.currentID
	s.coreLogLevel = l.coreLogLevel
	s.createdAt = l.createdAt
}

// fromSnapshot repairs what can be repaired and revalidates every payload the
// store did not write itself. It does not touch the store.
func (s *FileStore) fromSnapshot(snapshot *state.Snapshot) (*loaded, error) {
	result := s.manager.Validate(snapshot)
	if !result.Valid || result.DanglingCurrent {
		for _, w := range append(result.Errors, result.Warnings...) {
			s.log.Info("Repairing state file", "problem", w)
		}
		s.manager.Recover(snapshot, []state.RecoveryAction{state.ActionDropDuplicates, state.ActionClearDangling})
	}

	entries := make([]Profile, 0, len(snapshot.Profiles))
	for _, rec := range snapshot.Profiles {
		p := Profile{
			ID:        rec.ID,
			Name:      rec.Name,
			Payload:   rec.Payload,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
		// A missing or stale checksum means the payload did not come from Save
		if rec.Payload != "" && rec.Checksum != state.Checksum(rec.Payload) {
			cfg, err := s.validator.Validate([]byte(rec.Payload))
			if err != nil {
				return nil, NewStorageError(fmt.Sprintf("stored payload of profile %s is invalid", rec.ID), NewPayloadError(rec.ID, err))
			}
			p.Payload = string(cfg.Normalized)
		}
		entries = append(entries, p)
	}

	level := snapshot.CoreLogLevel
	if level == "" {
		level = v2config.DefaultLogLevel
	}
	if !v2config.IsLogLevel(level) {
		s.log.Info("Ignoring unknown core log level", "level", level)
		level = v2config.DefaultLogLevel
	}

	return &loaded{
		working:   working{entries: entries, currentID: snapshot.CurrentID, coreLogLevel: level},
		createdAt: snapshot.CreatedAt,
	}, nil
}

// working is the mutable copy a mutation operates on
type working struct {
	entries      []Profile
	currentID    string
	coreLogLevel string
}

// mutate runs fn against a copy of the state under the write lock. If fn
// returns a change, the copy is persisted and then committed. A nil change
// with a nil error is a no-op.
func (s *FileStore) mutate(op string, fn func(w *working) (*Change, error)) error {
	s.mu.Lock()
	w := &working{
		entries:      cloneProfiles(s.entries),
		currentID:    s.currentID,
		coreLogLevel: s.coreLogLevel,
	}

	change, err := fn(w)
	if err != nil {
		s.mu.Unlock()
		s.recorder.RecordMutation(op, err)
		return err
	}
	if change == nil {
		s.mu.Unlock()
		s.recorder.RecordMutation(op, nil)
		return nil
	}

	if err := s.persist(w); err != nil {
		s.mu.Unlock()
		serr := NewStorageError(fmt.Sprintf("failed to persist %s", op), err)
		s.log.Error(err, "Failed to persist profiles", "op", op)
		s.recorder.RecordMutation(op, serr)
		return serr
	}

	s.entries = w.entries
	s.currentID = w.currentID
	s.coreLogLevel = w.coreLogLevel
	change.Profiles = cloneProfiles(w.entries)
	change.CurrentID = w.currentID
	change.CoreLogLevel = w.coreLogLevel
	count := len(w.entries)

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.recorder.RecordMutation(op, nil)
	s.recorder.SetProfileCount(count)
	s.log.V(1).Info("Profiles changed", "op", op, "id", change.ID, "affectsCurrent", change.AffectsCurrent)
	s.notify(*change)
	return nil
}

func (s *FileStore) persist(w *working) error {
	snapshot := &state.Snapshot{
		CurrentID:    w.currentID,
		CoreLogLevel: w.coreLogLevel,
		Profiles:     make([]state.ProfileRecord, len(w.entries)),
		CreatedAt:    s.createdAt,
	}
	for i, p := range w.entries {
		snapshot.Profiles[i] = state.ProfileRecord{
			ID:        p.ID,
			Name:      p.Name,
			Payload:   p.Payload,
			Checksum:  state.Checksum(p.Payload),
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		}
	}
	if err := s.manager.Save(snapshot); err != nil {
		return err
	}
	if s.createdAt.IsZero() {
		s.createdAt = snapshot.CreatedAt
	}
	return nil
}

func (s *FileStore) notify(change Change) {
	s.obsMu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for i := 0; i < s.nextObs; i++ {
		if o, ok := s.observers[i]; ok {
			observers = append(observers, o)
		}
	}
	s.obsMu.Unlock()

	for _, o := range observers {
		s.deliver(o, change)
	}
}

func (s *FileStore) deliver(o Observer, change Change) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(fmt.Errorf("%v", r), "Observer panicked", "kind", change.Kind)
		}
	}()
	o.OnStoreChanged(change)
}

// Subscribe registers an observer and returns a function that removes it
func (s *FileStore) Subscribe(o Observer) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	key := s.nextObs
	s.nextObs++
	s.observers[key] = o

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, key)
			s.obsMu.Unlock()
		})
	}
}

// Add appends a placeholder profile and returns its id
func (s *FileStore) Add() (string, error) {
	id := uuid.NewString()
	err := s.mutate("add", func(w *working) (*Change, error) {
		now := s.now().UTC()
		w.entries = append(w.entries, Profile{
			ID:        id,
			Name:      fmt.Sprintf("%s %d", NewProfilePrefix, len(w.entries)+1),
			CreatedAt: now,
			UpdatedAt: now,
		})
		return &Change{Kind: ChangeAdded, ID: id}, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Remove deletes a profile. Removing the current profile moves the current
// pointer to the previous entry, or to the new last entry when the first
// entry was removed.
func (s *FileStore) Remove(id string) error {
	return s.mutate("remove", func(w *working) (*Change, error) {
		idx := indexOf(w.entries, id)
		if idx < 0 {
			return nil, NewNotFoundError(id)
		}
		w.entries = append(w.entries[:idx], w.entries[idx+1:]...)

		affects := w.currentID == id
		if affects {
			switch {
			case len(w.entries) == 0:
				w.currentID = ""
			case idx > 0:
				w.currentID = w.entries[idx-1].ID
			default:
				w.currentID = w.entries[len(w.entries)-1].ID
			}
		}
		return &Change{Kind: ChangeRemoved, ID: id, AffectsCurrent: affects}, nil
	})
}

// Rename changes a profile's display name
func (s *FileStore) Rename(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		err := NewValidationError(id, "name", "profile name cannot be empty")
		s.recorder.RecordMutation("rename", err)
		return err
	}
	if len(name) > MaxNameLength {
		err := NewValidationError(id, "name", fmt.Sprintf("profile name cannot exceed %d characters", MaxNameLength))
		s.recorder.RecordMutation("rename", err)
		return err
	}

	return s.mutate("rename", func(w *working) (*Change, error) {
		idx := indexOf(w.entries, id)
		if idx < 0 {
			return nil, NewNotFoundError(id)
		}
		if w.entries[idx].Name == name {
			return nil, nil
		}
		w.entries[idx].Name = name
		w.entries[idx].UpdatedAt = s.now().UTC()
		return &Change{Kind: ChangeRenamed, ID: id}, nil
	})
}

// Replace validates raw and swaps it in as the profile's payload. On any
// failure the store is left unchanged. Validation runs without the store
// lock; a concurrent Replace of the same id fails with a BusyError.
func (s *FileStore) Replace(id string, raw []byte) error {
	s.mu.Lock()
	if indexOf(s.entries, id) < 0 {
		s.mu.Unlock()
		err := NewNotFoundError(id)
		s.recorder.RecordMutation("replace", err)
		return err
	}
	if _, busy := s.inflight[id]; busy {
		s.mu.Unlock()
		err := NewBusyError(id)
		s.recorder.RecordMutation("replace", err)
		return err
	}
	s.inflight[id] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}()

	cfg, err := s.validator.Validate(raw)
	if err != nil {
		perr := NewPayloadError(id, err)
		s.log.V(1).Info("Rejected payload", "id", id, "field", perr.Field, "reason", perr.Message)
		s.recorder.RecordMutation("replace", perr)
		return perr
	}

	return s.mutate("replace", func(w *working) (*Change, error) {
		idx := indexOf(w.entries, id)
		if idx < 0 {
			// removed while validating
			return nil, NewNotFoundError(id)
		}
		w.entries[idx].Payload = string(cfg.Normalized)
		w.entries[idx].UpdatedAt = s.now().UTC()
		return &Change{Kind: ChangeReplaced, ID: id, AffectsCurrent: w.currentID == id}, nil
	})
}

// Move removes the entry at oldIndex and reinserts it at newIndex
func (s *FileStore) Move(oldIndex, newIndex int) error {
	return s.mutate("move", func(w *working) (*Change, error) {
		entries, err := reorder.MoveItem(w.entries, oldIndex, newIndex)
		if err != nil {
			return nil, NewIndexOutOfRangeError(err)
		}
		if oldIndex == newIndex {
			return nil, nil
		}
		w.entries = entries
		return &Change{Kind: ChangeMoved, ID: entries[newIndex].ID}, nil
	})
}

// Reorder applies a planned move sequence as a single mutation. An invalid
// move rejects the whole batch.
func (s *FileStore) Reorder(moves []reorder.Move) error {
	return s.mutate("reorder", func(w *working) (*Change, error) {
		entries, err := reorder.Apply(w.entries, moves...)
		if err != nil {
			return nil, NewIndexOutOfRangeError(err)
		}
		changed := false
		for i := range entries {
			if entries[i].ID != w.entries[i].ID {
				changed = true
				break
			}
		}
		if !changed {
			return nil, nil
		}
		w.entries = entries
		return &Change{Kind: ChangeReordered}, nil
	})
}

// List returns a copy of the profiles in display order
func (s *FileStore) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneProfiles(s.entries)
}

// Count returns the number of profiles
func (s *FileStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns a copy of the profile with the given id
func (s *FileStore) Get(id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := indexOf(s.entries, id)
	if idx < 0 {
		return nil, NewNotFoundError(id)
	}
	p := s.entries[idx]
	return &p, nil
}

// IndexOf returns the display position of a profile
func (s *FileStore) IndexOf(id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := indexOf(s.entries, id)
	if idx < 0 {
		return -1, NewNotFoundError(id)
	}
	return idx, nil
}

// Current returns the active profile, if any
func (s *FileStore) Current() (*Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := indexOf(s.entries, s.currentID)
	if s.currentID == "" || idx < 0 {
		return nil, false
	}
	p := s.entries[idx]
	return &p, true
}

// IsCurrent reports whether id is the active profile
func (s *FileStore) IsCurrent(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return id != "" && s.currentID == id
}

// SetCurrent makes id the active profile
func (s *FileStore) SetCurrent(id string) error {
	return s.mutate("set_current", func(w *working) (*Change, error) {
		if indexOf(w.entries, id) < 0 {
			return nil, NewNotFoundError(id)
		}
		if w.currentID == id {
			return nil, nil
		}
		w.currentID = id
		return &Change{Kind: ChangeCurrent, ID: id, AffectsCurrent: true}, nil
	})
}

// ClearCurrent unsets the active profile
func (s *FileStore) ClearCurrent() error {
	return s.mutate("clear_current", func(w *working) (*Change, error) {
		if w.currentID == "" {
			return nil, nil
		}
		w.currentID = ""
		return &Change{Kind: ChangeCurrent, AffectsCurrent: true}, nil
	})
}

// CoreLogLevel returns the proxy core log level
func (s *FileStore) CoreLogLevel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coreLogLevel
}

// SetCoreLogLevel changes the proxy core log level. The change is reported
// as affecting the current profile since the core must be restarted.
func (s *FileStore) SetCoreLogLevel(level string) error {
	level = strings.ToLower(strings.TrimSpace(level))
	if !v2config.IsLogLevel(level) {
		err := NewValidationError("", "core_log_level", fmt.Sprintf("must be one of %s", strings.Join(v2config.LogLevels, ", ")))
		s.recorder.RecordMutation("set_log_level", err)
		return err
	}
	return s.mutate("set_log_level", func(w *working) (*Change, error) {
		if w.coreLogLevel == level {
			return nil, nil
		}
		w.coreLogLevel = level
		return &Change{Kind: ChangeLogLevel, AffectsCurrent: w.currentID != ""}, nil
	})
}

// Backup copies the persisted state aside
func (s *FileStore) Backup() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.manager.Backup(); err != nil {
		return NewStorageError("failed to back up profiles", err)
	}
	return nil
}

// Restore replaces the persisted state with the backup and reloads it. The
// backup is validated before the state file is touched.
func (s *FileStore) Restore() error {
	s.mu.Lock()
	if len(s.inflight) > 0 {
		s.mu.Unlock()
		return NewBusyError("")
	}
	snapshot, err := s.manager.LoadBackup()
	if err != nil {
		s.mu.Unlock()
		return NewStorageError("failed to read backup", err)
	}
	l, err := s.fromSnapshot(snapshot)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.manager.Restore(); err != nil {
		s.mu.Unlock()
		return NewStorageError("failed to restore profiles", err)
	}
	s.install(l)
	change := Change{
		Kind:           ChangeRestored,
		AffectsCurrent: true,
		Profiles:       cloneProfiles(s.entries),
		CurrentID:      s.currentID,
		CoreLogLevel:   s.coreLogLevel,
	}
	count := len(s.entries)

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.recorder.SetProfileCount(count)
	s.log.Info("Restored profiles from backup", "count", count)
	s.notify(change)
	return nil
}

// Close releases the store. Writes are synchronous so nothing is flushed.
func (s *FileStore) Close() error {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = make(map[int]Observer)
	return nil
}

func indexOf(entries []Profile, id string) int {
	if id == "" {
		return -1
	}
	for i := range entries {
		if entries[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneProfiles(entries []Profile) []Profile {
	out := make([]Profile, len(entries))
	copy(out, entries)
	return out
}

// Ensure interface compliance
var _ ProfileStore = (*FileStore)(nil)
