package saga

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/oggycat-dev/sagabox/event"
)

// ErrNotFound is returned by Store.Load when no instance exists for the
// requested correlation id.
var ErrNotFound = errors.New("saga instance not found")

// ErrConflict is returned by Store.Update when the instance was modified
// concurrently since it was loaded.
var ErrConflict = errors.New("saga instance was modified concurrently")

// Store manages saga instances persistent operations. Load, Insert and
// Update are expected to run inside the transaction the Transactor placed
// in the context.
type Store interface {

	// Load fetches the instance for the given correlation id, locking it
	// for the duration of the surrounding transaction. Returns ErrNotFound
	// if no instance exists.
	Load(ctx context.Context, correlationId uuid.UUID) (*Instance, error)

	// Insert persists a brand new instance.
	Insert(ctx context.Context, i *Instance) error

	// Update persists a mutated instance, bumping its version. Returns
	// ErrConflict if the stored version no longer matches the loaded one.
	Update(ctx context.Context, i *Instance) error
}

// Transactor runs a function inside one store transaction. The transaction
// must be placed in the child context under the configured TxKey so that
// both the saga store and the outbox repository join it: a state update
// and the events it causes commit atomically or not at all.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Enqueuer appends an envelope to the outbox inside the caller's
// transaction. Satisfied by every outbox repository implementation.
type Enqueuer interface {
	Save(ctx context.Context, e *event.Envelope) error
}
