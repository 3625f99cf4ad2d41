package profile

import (
	"sync"

	"github.com/chambrid/proxy-profiles/pkg/reorder"
	"github.com/chambrid/proxy-profiles/pkg/state"
	"github.com/chambrid/proxy-profiles/pkg/v2config"
)

// MockProfileStore implements ProfileStore for testing. Calls are recorded
// and, unless a *Func override is set, served by an in-memory FileStore.
type MockProfileStore struct {
	AddFunc     func() (string, error)
	RemoveFunc  func(id string) error
	RenameFunc  func(id, name string) error
	ReplaceFunc func(id string, raw []byte) error
	MoveFunc    func(oldIndex, newIndex int) error
	ReorderFunc func(moves []reorder.Move) error

	// Call tracking
	AddCalls     int
	RemoveCalls  []string
	RenameCalls  []RenameCall
	ReplaceCalls []ReplaceCall
	MoveCalls    []MoveCall
	ReorderCalls [][]reorder.Move

	// State is the backing snapshot storage
	State *state.MockStateManager

	mu    sync.Mutex
	inner *FileStore
}

// RenameCall records a Rename invocation
type RenameCall struct {
	ID   string
	Name string
}

// ReplaceCall records a Replace invocation
type ReplaceCall struct {
	ID  string
	Raw []byte
}

// MoveCall records a Move invocation
type MoveCall struct {
	OldIndex int
	NewIndex int
}

// NewMockProfileStore creates a new mock profile store
func NewMockProfileStore() *MockProfileStore {
	sm := state.NewMockStateManager()
	inner, err := NewFileStore(sm, v2config.New())
	if err != nil {
		// an empty mock state manager cannot fail to load
		panic(err)
	}
	return &MockProfileStore{State: sm, inner: inner}
}

// Add records the call and adds a profile
func (m *MockProfileStore) Add() (string, error) {
	m.mu.Lock()
	m.AddCalls++
	fn := m.AddFunc
	m.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return m.inner.Add()
}

// Remove records the call and removes a profile
func (m *MockProfileStore) Remove(id string) error {
	m.mu.Lock()
	m.RemoveCalls = append(m.RemoveCalls, id)
	fn := m.RemoveFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return m.inner.Remove(id)
}

// Rename records the call and renames a profile
func (m *MockProfileStore) Rename(id, name string) error {
	m.mu.Lock()
	m.RenameCalls = append(m.RenameCalls, RenameCall{ID: id, Name: name})
	fn := m.RenameFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(id, name)
	}
	return m.inner.Rename(id, name)
}

// Replace records the call and replaces a payload
func (m *MockProfileStore) Replace(id string, raw []byte) error {
	m.mu.Lock()
	m.ReplaceCalls = append(m.ReplaceCalls, ReplaceCall{ID: id, Raw: append([]byte(nil), raw...)})
	fn := m.ReplaceFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(id, raw)
	}
	return m.inner.Replace(id, raw)
}

// Move records the call and moves a profile
func (m *MockProfileStore) Move(oldIndex, newIndex int) error {
	m.mu.Lock()
	m.MoveCalls = append(m.MoveCalls, MoveCall{OldIndex: oldIndex, NewIndex: newIndex})
	fn := m.MoveFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(oldIndex, newIndex)
	}
	return m.inner.Move(oldIndex, newIndex)
}

// Reorder records the call and applies the moves
func (m *MockProfileStore) Reorder(moves []reorder.Move) error {
	m.mu.Lock()
	m.ReorderCalls = append(m.ReorderCalls, append([]reorder.Move(nil), moves...))
	fn := m.ReorderFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(moves)
	}
	return m.inner.Reorder(moves)
}

// ReplaceCount returns the number of Replace calls made so far
func (m *MockProfileStore) ReplaceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ReplaceCalls)
}

func (m *MockProfileStore) List() []Profile                    { return m.inner.List() }
func (m *MockProfileStore) Count() int                         { return m.inner.Count() }
func (m *MockProfileStore) Get(id string) (*Profile, error)    { return m.inner.Get(id) }
func (m *MockProfileStore) IndexOf(id string) (int, error)     { return m.inner.IndexOf(id) }
func (m *MockProfileStore) Current() (*Profile, bool)          { return m.inner.Current() }
func (m *MockProfileStore) IsCurrent(id string) bool           { return m.inner.IsCurrent(id) }
func (m *MockProfileStore) SetCurrent(id string) error         { return m.inner.SetCurrent(id) }
func (m *MockProfileStore) ClearCurrent() error                { return m.inner.ClearCurrent() }
func (m *MockProfileStore) CoreLogLevel() string               { return m.inner.CoreLogLevel() }
func (m *MockProfileStore) SetCoreLogLevel(level string) error { return m.inner.SetCoreLogLevel(level) }
func (m *MockProfileStore) Subscribe(o Observer) func()        { return m.inner.Subscribe(o) }
func (m *MockProfileStore) Backup() error                      { return m.inner.Backup() }
func (m *MockProfileStore) Restore() error                     { return m.inner.Restore() }

// Ensure interface compliance
var _ ProfileStore = (*MockProfileStore)(nil)
