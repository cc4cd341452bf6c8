package event

import (
	"context"

	"github.com/google/uuid"
)

type actorKey struct{}

// Actor identifies who (and from where) triggered the current request.
// It travels in the request context instead of any process-wide state, so
// concurrent requests never observe each other's identity.
type Actor struct {
	UserId    uuid.UUID
	IpAddress string
	UserAgent string
}

// WithActor returns a child context carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom extracts the actor from the context, if present.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Stamp copies the actor information from ctx onto the envelope. Events
// raised by background jobs carry no actor and are left untouched.
func (e *Envelope) Stamp(ctx context.Context) *Envelope {
	if a, ok := ActorFrom(ctx); ok {
		id := a.UserId
		e.CreatedBy = &id
		e.IpAddress = a.IpAddress
		e.UserAgent = a.UserAgent
	}
	return e
}
