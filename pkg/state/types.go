package state

import (
	"time"
)

// Snapshot is the complete persisted state of a profile store
type Snapshot struct {
	Version      string          `json:"version" yaml:"version"`
	CurrentID    string          `json:"current_id,omitempty" yaml:"current_id,omitempty"`
	CoreLogLevel string          `json:"core_log_level,omitempty" yaml:"core_log_level,omitempty"`
	Profiles     []ProfileRecord `json:"profiles" yaml:"profiles"`
	CreatedAt    time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" yaml:"updated_at"`
}

// ProfileRecord is the stored form of a single profile
type ProfileRecord struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Payload   string    `json:"payload" yaml:"payload"`
	Checksum  string    `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of the snapshot
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Profiles = make([]ProfileRecord, len(s.Profiles))
	copy(out.Profiles, s.Profiles)
	return &out
}

// ValidationResult contains the results of snapshot validation
type ValidationResult struct {
	Valid              bool     `json:"valid" yaml:"valid"`
	Errors             []string `json:"errors" yaml:"errors"`
	Warnings           []string `json:"warnings" yaml:"warnings"`
	DuplicateIDs       []string `json:"duplicate_ids" yaml:"duplicate_ids"`
	ChecksumMismatches []string `json:"checksum_mismatches" yaml:"checksum_mismatches"`
	DanglingCurrent    bool     `json:"dangling_current" yaml:"dangling_current"`
	RecommendedActions []string `json:"recommended_actions" yaml:"recommended_actions"`
}

// RecoveryAction represents an action that can be taken to repair a snapshot
type RecoveryAction string

const (
	ActionDropDuplicates  RecoveryAction = "drop_duplicates"
	ActionClearDangling   RecoveryAction = "clear_dangling"
	ActionRefreshChecksum RecoveryAction = "refresh_checksum"
	ActionValidateOnly    RecoveryAction = "validate_only"
)
