package saga

import (
	"time"

	"github.com/google/uuid"
)

// State is one node of a saga transition graph. Workflows declare their
// intermediate states freely; the initial and terminal states below are
// shared by every definition.
type State string

const (
	// Initial is the pseudo-state of a not-yet-existing instance. Only
	// transitions declared from Initial may create a new instance.
	Initial State = "Initial"

	Completed   State = "Completed"   // all forward steps succeeded
	Failed      State = "Failed"      // unrecoverable, surfaced for manual remediation
	Compensated State = "Compensated" // all forward side effects undone
)

// Terminal reports whether no further transitions are accepted from s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Compensated
}

// Instance is one in-flight (or finished) workflow instance. Exactly one
// instance exists per correlation id; once terminal it is retained,
// immutable, for audit.
type Instance struct {
	CorrelationId uuid.UUID
	SagaName      string
	CurrentState  State
	BusinessKey   string
	Fields        map[string]string // business fields snapshotted at each step
	Steps         []string          // completed forward steps, in order of completion
	Version       int64             // optimistic concurrency stamp
	CreatedAt     time.Time
	CompletedAt   *time.Time
	ErrorMessage  string
	RetryCount    int // updates retried after losing a version race
}

// Set snapshots a business field on the instance.
func (i *Instance) Set(key, value string) {
	if i.Fields == nil {
		i.Fields = make(map[string]string)
	}
	i.Fields[key] = value
}

// Get returns a previously snapshotted business field.
func (i *Instance) Get(key string) string {
	return i.Fields[key]
}
