package state

import (
	"sync"
)

// MockStateManager is an in-memory StateManager for testing
type MockStateManager struct {
	LoadFunc    func() (*Snapshot, error)
	SaveFunc    func(snapshot *Snapshot) error
	BackupFunc  func() error
	RestoreFunc func() error

	// Call tracking
	LoadCalls    int
	SaveCalls    []*Snapshot
	BackupCalls  int
	RestoreCalls int

	// Mock state storage
	Stored *Snapshot
	Backed *Snapshot

	mu sync.Mutex
}

// NewMockStateManager creates a new mock state manager
func NewMockStateManager() *MockStateManager {
	return &MockStateManager{}
}

// Path mock implementation
func (m *MockStateManager) Path() string {
	return "memory://" + StateFileBase
}

// Load mock implementation
func (m *MockStateManager) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadCalls++

	if m.LoadFunc != nil {
		return m.LoadFunc()
	}
	if m.Stored == nil {
		return nil, ErrNoState
	}
	return m.Stored.Clone(), nil
}

// Save mock implementation
func (m *MockStateManager) Save(snapshot *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls = append(m.SaveCalls, snapshot.Clone())

	if m.SaveFunc != nil {
		if err := m.SaveFunc(snapshot); err != nil {
			return err
		}
	}
	m.Stored = snapshot.Clone()
	return nil
}

// Backup mock implementation
func (m *MockStateManager) Backup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BackupCalls++

	if m.BackupFunc != nil {
		return m.BackupFunc()
	}
	if m.Stored == nil {
		return ErrNoState
	}
	m.Backed = m.Stored.Clone()
	return nil
}

// LoadBackup mock implementation
func (m *MockStateManager) LoadBackup() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Backed == nil {
		return nil, ErrNoState
	}
	return m.Backed.Clone(), nil
}

// Restore mock implementation
func (m *MockStateManager) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RestoreCalls++

	if m.RestoreFunc != nil {
		return m.RestoreFunc()
	}
	if m.Backed == nil {
		return ErrNoState
	}
	m.Stored = m.Backed.Clone()
	return nil
}

// Validate mock implementation
func (m *MockStateManager) Validate(snapshot *Snapshot) *ValidationResult {
	return validateSnapshot(snapshot)
}

// Recover mock implementation
func (m *MockStateManager) Recover(snapshot *Snapshot, actions []RecoveryAction) *ValidationResult {
	return recoverSnapshot(snapshot, actions)
}

// SaveCount returns the number of Save calls made so far
func (m *MockStateManager) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SaveCalls)
}

// Ensure interface compliance
var _ StateManager = (*MockStateManager)(nil)
var _ StateManager = (*FileStateManager)(nil)
