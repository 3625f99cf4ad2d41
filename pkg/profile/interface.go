package profile

import (
	"github.com/chambrid/proxy-profiles/pkg/reorder"
)

// ProfileStore defines the interface for the ordered profile collection
type ProfileStore interface {
	// Profile Management
	Add() (string, error)
	Remove(id string) error
	Rename(id, name string) error
	Replace(id string, raw []byte) error

	// Ordering
	Move(oldIndex, newIndex int) error
	Reorder(moves []reorder.Move) error

	// Queries
	List() []Profile
	Count() int
	Get(id string) (*Profile, error)
	IndexOf(id string) (int, error)

	// Service controller contract
	Current() (*Profile, bool)
	IsCurrent(id string) bool
	SetCurrent(id string) error
	ClearCurrent() error
	CoreLogLevel() string
	SetCoreLogLevel(level string) error
	Subscribe(o Observer) (unsubscribe func())

	// Backup and Restore
	Backup() error
	Restore() error
}
