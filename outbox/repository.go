package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oggycat-dev/sagabox/event"
)

const (
	LockMaxDuration     = time.Second * 15 // max duration of a table lock on 'outbox_lock'
	SubsExpirationAfter = time.Second * 30 // consider a subscription expired after 30 seconds of inactivity
)

// TxKey is the context key under which repositories expect to find the
// caller's open business transaction.
type TxKey any

// Repository manages outbox records persistent operations.
type Repository interface {

	// Save persists the envelope as an outbox record. This operation must
	// be called inside an existing business transaction provided in the
	// context, so the business state change and the event commit (or roll
	// back) atomically.
	Save(ctx context.Context, e *event.Envelope) error

	// AcquireLock gets a lock on the outbox table. Implementations of this
	// function should use locking mechanisms to ensure that only one client
	// gets the lock.
	AcquireLock(uuid.UUID) (bool, error)

	// ReleaseLock releases a lock on the outbox table.
	ReleaseLock(uuid.UUID) error

	// FindDue retrieves records pending delivery (not processed, next
	// attempt due, retries not exhausted) ordered by creation time, and
	// hands them to fc in batches.
	FindDue(batchSize int, limit int, maxRetries int, fc func([]*Record) error) error

	// MarkBatch persists the delivery outcomes of one publisher pass in a
	// single store transaction: processed records get their processed_at
	// stamped, failed ones get the retry bookkeeping updated.
	MarkBatch(processed []uuid.UUID, processedAt time.Time, failures []Failure) error

	// FindDeadLettered retrieves records that exhausted their delivery
	// attempts and await manual inspection.
	FindDeadLettered(maxRetries int, limit int) ([]*Record, error)

	// SubscribeDispatcher tries to create a publisher subscription taking
	// into account the maximum allowed publishers. Implementations of this
	// function should use locking mechanisms to prevent that the maximum
	// allowed publishers number is surpassed.
	SubscribeDispatcher(publisherId uuid.UUID, maxPublishers int) (subscribed bool, subscription int, err error)

	// UpdateSubscription updates the publisher subscription to prevent
	// potential thefts by other publishers.
	UpdateSubscription(publisherId uuid.UUID) (updated bool, err error)
}
