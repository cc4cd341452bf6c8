package saga

import (
	"errors"
	"fmt"

	"github.com/oggycat-dev/sagabox/event"
)

// TransitionKey addresses one cell of the transition table.
type TransitionKey struct {
	From      State
	EventType string
}

// Transition declares what happens when an event of the keyed type arrives
// while the instance sits in the keyed state. Events hitting no declared
// transition are discarded as duplicates or out-of-order deliveries.
type Transition struct {
	// To is the state the instance moves to.
	To State

	// Apply snapshots fields from the incoming event onto the instance.
	// Optional.
	Apply func(i *Instance, e *event.Envelope) error

	// Emit yields the events published as a consequence of this
	// transition, enqueued through the outbox in the same transaction as
	// the state update. Optional.
	Emit func(i *Instance, e *event.Envelope) ([]*event.Envelope, error)

	// Step names the forward step completed by this transition. Recorded
	// steps are what the compensation path undoes. Optional.
	Step string

	// Compensate routes this transition through the compensation path: the
	// compensators of all recorded steps are emitted in reverse order of
	// completion before the instance enters To.
	Compensate bool
}

// Definition is a named saga as pure data: a transition table plus the
// compensators of its forward steps. It carries no behavior of its own;
// the Orchestrator is the single generic driver for every definition.
type Definition struct {
	Name          string
	SourceService string
	Transitions   map[TransitionKey]Transition
	Compensators  map[string]func(i *Instance) (*event.Envelope, error)
}

// NewEvent builds an outgoing envelope for this definition, correlated to
// the given instance.
func (d *Definition) NewEvent(i *Instance, eventType string, payload any) (*event.Envelope, error) {
	return event.New(eventType, d.SourceService, i.CorrelationId, payload)
}

// starts reports whether an event of the given type may create a new
// instance, which is the case only for transitions declared from Initial.
func (d *Definition) starts(eventType string) bool {
	_, ok := d.Transitions[TransitionKey{From: Initial, EventType: eventType}]
	return ok
}

// Validate checks the structural soundness of the definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("a definition requires a name")
	}
	if len(d.Transitions) == 0 {
		return fmt.Errorf("definition '%s' declares no transitions", d.Name)
	}
	start := false
	for k, t := range d.Transitions {
		if k.From == Initial {
			start = true
		}
		if k.From.Terminal() {
			return fmt.Errorf("definition '%s' declares a transition out of terminal state '%s'", d.Name, k.From)
		}
		if t.To == Initial {
			return fmt.Errorf("definition '%s' declares a transition back into '%s'", d.Name, Initial)
		}
	}
	if !start {
		return fmt.Errorf("definition '%s' declares no start transition", d.Name)
	}
	return nil
}
