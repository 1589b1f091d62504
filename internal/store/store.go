package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists which entities the service mirrors. Entity state and history
// are never written here.
type Store interface {
	// Tracked entity operations
	SaveTracked(t *Tracked) error
	GetTracked(entityID string) (*Tracked, error)
	DeleteTracked(entityID string) error
	ListTracked() ([]*Tracked, error)

	// UpdateTracked atomically reads, modifies, and saves an entry in a single
	// transaction. Returns ErrNotFound if the entity is not tracked.
	UpdateTracked(entityID string, fn func(t *Tracked) error) error

	// Upstream instance info from the last successful probe
	SaveUpstream(info *Upstream) error
	GetUpstream() (*Upstream, error)

	Close() error
}
