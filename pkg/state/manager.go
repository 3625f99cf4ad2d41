package state

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const (
	StateFileVersion = "v1"
	StateFileBase    = "profiles"
	BackupSuffix     = ".backup"
)

// ErrNoState is returned by Load when no state file has been written yet
var ErrNoState = errors.New("state file does not exist")

// StateManager defines the interface for persisting profile snapshots
type StateManager interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
	Backup() error
	LoadBackup() (*Snapshot, error)
	Restore() error
	Path() string

	// Validation and Recovery
	Validate(snapshot *Snapshot) *ValidationResult
	Recover(snapshot *Snapshot, actions []RecoveryAction) *ValidationResult
}

// FileStateManager implements StateManager using a single state file
type FileStateManager struct {
	dir    string
	format StateFileFormat
}

// StateFileFormat represents the file format for state storage
type StateFileFormat string

const (
	FormatYAML StateFileFormat = "yaml"
	FormatJSON StateFileFormat = "json"
)

// ParseFormat maps a configuration string to a StateFileFormat
func ParseFormat(s string) (StateFileFormat, error) {
	switch StateFileFormat(s) {
	case "", FormatYAML:
		return FormatYAML, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported state format %q (want yaml or json)", s)
}

// NewFileStateManager creates a new file-based state manager rooted at dir
func NewFileStateManager(dir string, format StateFileFormat) *FileStateManager {
	if format != FormatYAML && format != FormatJSON {
		format = FormatYAML // Default to YAML
	}
	return &FileStateManager{
		dir:    dir,
		format: format,
	}
}

// Path returns the path to the state file
func (m *FileStateManager) Path() string {
	return filepath.Join(m.dir, StateFileBase+"."+string(m.format))
}

func (m *FileStateManager) backupPath() string {
	return m.Path() + BackupSuffix
}

// Load reads the snapshot from disk
func (m *FileStateManager) Load() (*Snapshot, error) {
	data, err := os.ReadFile(m.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrNoState, m.Path())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	snapshot, err := m.decode(data)
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (m *FileStateManager) decode(data []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if m.format == FormatJSON {
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to parse JSON state file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to parse YAML state file: %w", err)
		}
	}

	if snapshot.Version == "" {
		snapshot.Version = StateFileVersion
	}
	if snapshot.Profiles == nil {
		snapshot.Profiles = make([]ProfileRecord, 0)
	}
	return &snapshot, nil
}

func (m *FileStateManager) encode(snapshot *Snapshot) ([]byte, error) {
	if m.format == FormatJSON {
		return json.MarshalIndent(snapshot, "", "  ")
	}
	return yaml.Marshal(snapshot)
}

// Save writes the snapshot atomically: the new content is written and synced
// to a temporary file in the same directory, then renamed over the old file.
func (m *FileStateManager) Save(snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	now := time.Now().UTC()
	snapshot.Version = StateFileVersion
	snapshot.UpdatedAt = now
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now
	}
	for i := range snapshot.Profiles {
		snapshot.Profiles[i].Checksum = Checksum(snapshot.Profiles[i].Payload)
	}

	data, err := m.encode(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return writeAtomic(m.Path(), data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tempFilePath := tmp.Name()
	cleanup := func() { _ = os.Remove(tempFilePath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tempFilePath, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set state file mode: %w", err)
	}

	if err := os.Rename(tempFilePath, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename temp state file: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to sync state directory: %w", err)
	}
	return nil
}

// syncDir flushes the directory entry so a completed rename survives a crash.
// Windows cannot fsync directories.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}

// Backup copies the current state file next to it with a .backup suffix
func (m *FileStateManager) Backup() error {
	data, err := os.ReadFile(m.Path())
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w, cannot backup", ErrNoState)
	}
	if err != nil {
		return fmt.Errorf("failed to open state file for backup: %w", err)
	}
	if err := writeAtomic(m.backupPath(), data); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

func (m *FileStateManager) readBackup() ([]byte, *Snapshot, error) {
	data, err := os.ReadFile(m.backupPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("backup file does not exist")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open backup file: %w", err)
	}
	snapshot, err := m.decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("backup is not a valid state file: %w", err)
	}
	return data, snapshot, nil
}

// LoadBackup reads the backup snapshot without touching the state file
func (m *FileStateManager) LoadBackup() (*Snapshot, error) {
	_, snapshot, err := m.readBackup()
	return snapshot, err
}

// Restore replaces the state file with the backup. The backup must parse
// before the swap happens.
func (m *FileStateManager) Restore() error {
	data, _, err := m.readBackup()
	if err != nil {
		return err
	}
	if err := writeAtomic(m.Path(), data); err != nil {
		return fmt.Errorf("failed to restore state from backup: %w", err)
	}
	return nil
}

// Validate checks a snapshot for structural problems
func (m *FileStateManager) Validate(snapshot *Snapshot) *ValidationResult {
	return validateSnapshot(snapshot)
}

// Recover applies the requested actions to snapshot in place and returns the
// validation result computed before the repairs
func (m *FileStateManager) Recover(snapshot *Snapshot, actions []RecoveryAction) *ValidationResult {
	return recoverSnapshot(snapshot, actions)
}

func validateSnapshot(snapshot *Snapshot) *ValidationResult {
	result := &ValidationResult{
		Valid:              true,
		Errors:             make([]string, 0),
		Warnings:           make([]string, 0),
		DuplicateIDs:       make([]string, 0),
		ChecksumMismatches: make([]string, 0),
		RecommendedActions: make([]string, 0),
	}
	if snapshot == nil {
		result.Valid = false
		result.Errors = append(result.Errors, "snapshot is nil")
		return result
	}

	seen := make(map[string]bool, len(snapshot.Profiles))
	for i, p := range snapshot.Profiles {
		if p.ID == "" {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("Profile at index %d has no id", i))
			continue
		}
		if seen[p.ID] {
			result.Valid = false
			result.DuplicateIDs = append(result.DuplicateIDs, p.ID)
			result.Errors = append(result.Errors, fmt.Sprintf("Duplicate profile id %s at index %d", p.ID, i))
			continue
		}
		seen[p.ID] = true
		if p.Checksum != "" && p.Checksum != Checksum(p.Payload) {
			result.ChecksumMismatches = append(result.ChecksumMismatches, p.ID)
			result.Warnings = append(result.Warnings, fmt.Sprintf("Payload checksum mismatch for %s (file may have been edited by hand)", p.ID))
		}
	}

	if snapshot.CurrentID != "" && !seen[snapshot.CurrentID] {
		result.DanglingCurrent = true
		result.Warnings = append(result.Warnings, fmt.Sprintf("Current profile %s does not exist", snapshot.CurrentID))
	}

	if len(result.DuplicateIDs) > 0 {
		result.RecommendedActions = append(result.RecommendedActions, "Drop duplicate profile entries")
	}
	if result.DanglingCurrent {
		result.RecommendedActions = append(result.RecommendedActions, "Clear the current profile selection")
	}
	if len(result.ChecksumMismatches) > 0 {
		result.RecommendedActions = append(result.RecommendedActions, "Revalidate edited payloads and refresh checksums")
	}
	return result
}

func recoverSnapshot(snapshot *Snapshot, actions []RecoveryAction) *ValidationResult {
	result := validateSnapshot(snapshot)
	if snapshot == nil {
		return result
	}

	for _, action := range actions {
		switch action {
		case ActionDropDuplicates:
			seen := make(map[string]bool, len(snapshot.Profiles))
			kept := snapshot.Profiles[:0]
			for _, p := range snapshot.Profiles {
				if p.ID == "" || seen[p.ID] {
					continue
				}
				seen[p.ID] = true
				kept = append(kept, p)
			}
			snapshot.Profiles = kept
		case ActionClearDangling:
			if result.DanglingCurrent {
				snapshot.CurrentID = ""
			}
		case ActionRefreshChecksum:
			for i := range snapshot.Profiles {
				snapshot.Profiles[i].Checksum = Checksum(snapshot.Profiles[i].Payload)
			}
		case ActionValidateOnly:
			// Already validated above
		}
	}
	return result
}

// Checksum returns the hex SHA-256 of a payload
func Checksum(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
