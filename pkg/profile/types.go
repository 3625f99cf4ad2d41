package profile

import (
	"time"
)

// Profile is a named proxy configuration held by the store
type Profile struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Payload   string    `json:"payload" yaml:"payload"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// IsPlaceholder reports whether the profile still has the empty payload it
// was created with
func (p Profile) IsPlaceholder() bool {
	return p.Payload == ""
}

// ChangeKind identifies the mutation that produced a Change
type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeRemoved   ChangeKind = "removed"
	ChangeRenamed   ChangeKind = "renamed"
	ChangeReplaced  ChangeKind = "replaced"
	ChangeMoved     ChangeKind = "moved"
	ChangeReordered ChangeKind = "reordered"
	ChangeCurrent   ChangeKind = "current"
	ChangeLogLevel  ChangeKind = "log_level"
	ChangeRestored  ChangeKind = "restored"
)

// Change describes a committed mutation together with the resulting state
type Change struct {
	Kind ChangeKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
	// AffectsCurrent is set when the active profile's content or identity
	// changed, or when a store-wide setting the core depends on changed.
	AffectsCurrent bool      `json:"affects_current"`
	Profiles       []Profile `json:"profiles"`
	CurrentID      string    `json:"current_id,omitempty"`
	CoreLogLevel   string    `json:"core_log_level"`
}

// Observer receives committed changes. Observers run synchronously after the
// commit, in commit order, and must not call mutating store methods.
type Observer interface {
	OnStoreChanged(change Change)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(change Change)

// OnStoreChanged calls f(change)
func (f ObserverFunc) OnStoreChanged(change Change) {
	f(change)
}

// Recorder receives mutation outcomes for metrics
type Recorder interface {
	RecordMutation(op string, err error)
	SetProfileCount(n int)
}

// ProfileTemplate is a parameterised payload for common server types
type ProfileTemplate struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Protocol    string        `json:"protocol" yaml:"protocol"`
	Body        string        `json:"-" yaml:"-"`
	Variables   []TemplateVar `json:"variables" yaml:"variables"`
	Examples    []string      `json:"examples" yaml:"examples"`
}

// TemplateVar represents a variable in a profile template
type TemplateVar struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
	Example     string `json:"example,omitempty" yaml:"example,omitempty"`
}

const (
	// NewProfilePrefix is the name prefix given to freshly added profiles
	NewProfilePrefix = "New Server"
	// MaxNameLength bounds profile display names
	MaxNameLength = 128
)
