package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Record contains all the information stored in the underlying outbox
// table. A record is the durable proof that an event was raised: it is
// never deleted by the publisher, only marked as processed or scheduled
// for another delivery attempt.
type Record struct {
	Id          uuid.UUID
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
	NextRetryAt time.Time
	RetryCount  int
	LastError   string
}

// Failure describes the delivery outcome of one record that could not be
// published, including when its next attempt is due.
type Failure struct {
	Id          uuid.UUID
	Error       string
	NextRetryAt time.Time
}
