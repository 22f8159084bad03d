// Package store is the deployment repository: CRUD plus listing, source
// of truth for desired state and specification. Two backends exist
// behind the Store interface — an in-memory one for tests and
// single-binary runs, and an etcd-backed one generalizing
// pkg/store/etcd.go's EtcdManager to the full CRUD + tombstone +
// revision contract Store requires.
package store

import (
	"context"
	"errors"

	"symphony/pkg/model"
)

// Sentinel errors surfaced to the control HTTP boundary and the reconciler.
var (
	ErrNotFound     = errors.New("store: deployment not found")
	ErrNameConflict = errors.New("store: deployment name already in use")
	ErrConflict     = errors.New("store: update conflict")
)

// EventType distinguishes store watch notifications.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is pushed to reconciler watchers on every accepted store mutation.
type Event struct {
	Type       EventType
	Deployment *model.Deployment
}

// Store is the interface every backend implements. Implementations must
// give read-your-writes ordering for a single conductor, and crash-
// consistent writes.
type Store interface {
	// Create inserts a new record, rejecting with ErrNameConflict if the
	// name collides with any record not yet purged, tombstoned ones
	// included.
	Create(ctx context.Context, d *model.Deployment) error

	// Get fetches one record by id.
	Get(ctx context.Context, id string) (*model.Deployment, error)

	// List returns records in stable (created_at_ms, id) order.
	List(ctx context.Context, limit, offset int) ([]*model.Deployment, error)

	// Update applies patch, bumping spec_revision when specification or
	// desired_state actually change.
	Update(ctx context.Context, id string, patch model.Patch) (*model.Deployment, error)

	// UpdateStatus is the reconciler's write path, distinct from the HTTP
	// boundary's Update: it never touches spec_revision. Any of current,
	// exitCode, assignedNodeID, reason may be nil/zero to leave that field
	// untouched; current == "" is treated as "leave current_state as is".
	UpdateStatus(ctx context.Context, id string, current model.CurrentState, exitCode *int, assignedNodeID, reason *string) error

	// Delete tombstones a record; it remains visible as Deleted==true
	// until Purge removes it, so a same-named create is rejected until
	// the tombstone clears.
	Delete(ctx context.Context, id string) error

	// Purge permanently removes a tombstoned record. Called by the
	// reconciler once node-side teardown is confirmed.
	Purge(ctx context.Context, id string) error

	// Watch streams every accepted mutation. The returned channel is
	// closed when ctx is done.
	Watch(ctx context.Context) <-chan Event
}
