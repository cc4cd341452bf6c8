package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/logger"
	"github.com/oggycat-dev/sagabox/metrics"
)

// Orchestrator drives one saga definition: it consumes workflow events,
// mutates the corresponding instance and enqueues the resulting events
// through the outbox, all inside a single store transaction.
type Orchestrator struct {
	def          *Definition
	store        Store
	transactor   Transactor
	enqueuer     Enqueuer
	logger       logger.Logger
	appliedCtr   metrics.Counter
	discardedCtr metrics.Counter
	now          func() time.Time
}

// opt allows optional configuration.
type opt func(o *Orchestrator)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for applied
// and discarded events.
func WithCounters(applied metrics.Counter, discarded metrics.Counter) opt {
	return func(o *Orchestrator) {
		if applied != nil {
			o.appliedCtr = applied
		}
		if discarded != nil {
			o.discardedCtr = discarded
		}
	}
}

// NewOrchestrator creates an Orchestrator for the provided definition using
// the provided Store, Transactor and Enqueuer implementations.
func NewOrchestrator(def *Definition, store Store, transactor Transactor, enqueuer Enqueuer, options ...opt) *Orchestrator {
	if def == nil || store == nil || transactor == nil || enqueuer == nil {
		panic("you must provide a definition, a store, a transactor and an enqueuer")
	}
	if err := def.Validate(); err != nil {
		panic(err)
	}

	o := &Orchestrator{
		def:          def,
		store:        store,
		transactor:   transactor,
		enqueuer:     enqueuer,
		logger:       &logger.NopLogger{},
		appliedCtr:   &metrics.NopCounter{},
		discardedCtr: &metrics.NopCounter{},
		now:          time.Now,
	}

	for _, op := range options {
		op(o)
	}

	for _, a := range []any{store, enqueuer} {
		if l, ok := a.(logger.Loggable); ok {
			l.SetLogger(o.logger)
		}
	}

	return o
}

// Handle is the single entry point of the state machine. Redelivery of the
// same event, out-of-order events, events for terminal or unknown instances
// and events whose payload the transition cannot decode are all discarded
// without error: discarding is safer than crashing a shared consumer on one
// poisoned message, and it is what makes redelivery safe without
// transport-level suppression. The error return is reserved for store and
// enqueuer failures, which are transient and worth redelivering.
func (o *Orchestrator) Handle(ctx context.Context, env *event.Envelope) error {
	if env.CorrelationId == uuid.Nil {
		o.logger.Warn(fmt.Sprintf("discarding '%s' event without correlation id", env.EventType))
		o.discardedCtr.Inc(1)
		return nil
	}

	err := o.transactor.InTx(ctx, func(ctx context.Context) error {
		created := false
		inst, err := o.store.Load(ctx, env.CorrelationId)
		switch {
		case errors.Is(err, ErrNotFound):
			if !o.def.starts(env.EventType) {
				// The instance may have been archived or the event may
				// simply be early; either way there is nothing to mutate.
				o.logger.Warn(fmt.Sprintf("discarding '%s' event for unknown instance '%s'", env.EventType, env.CorrelationId))
				o.discardedCtr.Inc(1)
				return nil
			}
			inst = &Instance{
				CorrelationId: env.CorrelationId,
				SagaName:      o.def.Name,
				CurrentState:  Initial,
				Fields:        make(map[string]string),
				CreatedAt:     o.now(),
			}
			created = true
		case err != nil:
			return fmt.Errorf("loading instance '%s': %w", env.CorrelationId, err)
		}

		if inst.CurrentState.Terminal() {
			o.logger.Info(fmt.Sprintf("discarding '%s' event for terminal instance '%s' in state '%s'", env.EventType, inst.CorrelationId, inst.CurrentState))
			o.discardedCtr.Inc(1)
			return nil
		}

		tr, ok := o.def.Transitions[TransitionKey{From: inst.CurrentState, EventType: env.EventType}]
		if !ok {
			o.logger.Info(fmt.Sprintf("discarding '%s' event for instance '%s': no transition from state '%s'", env.EventType, inst.CorrelationId, inst.CurrentState))
			o.discardedCtr.Inc(1)
			return nil
		}

		// Apply, Emit and the compensators run user code against the
		// payload. Their failures are deterministic: redelivering the same
		// bytes would fail the same way, so the event is discarded instead
		// of poisoning its partition.
		if tr.Apply != nil {
			if err := tr.Apply(inst, env); err != nil {
				o.logger.Warn(fmt.Sprintf("discarding '%s' event for instance '%s': cannot apply: %v", env.EventType, inst.CorrelationId, err))
				o.discardedCtr.Inc(1)
				return nil
			}
		}

		var outgoing []*event.Envelope
		if tr.Emit != nil {
			evs, err := tr.Emit(inst, env)
			if err != nil {
				o.logger.Warn(fmt.Sprintf("discarding '%s' event for instance '%s': cannot build outgoing events: %v", env.EventType, inst.CorrelationId, err))
				o.discardedCtr.Inc(1)
				return nil
			}
			outgoing = evs
		}

		if tr.Compensate {
			comps, err := o.compensations(inst)
			if err != nil {
				o.logger.Warn(fmt.Sprintf("discarding '%s' event for instance '%s': %v", env.EventType, inst.CorrelationId, err))
				o.discardedCtr.Inc(1)
				return nil
			}
			outgoing = append(outgoing, comps...)
		}

		if tr.Step != "" {
			inst.Steps = append(inst.Steps, tr.Step)
		}
		from := inst.CurrentState
		inst.CurrentState = tr.To
		if tr.To.Terminal() {
			t := o.now()
			inst.CompletedAt = &t
		}

		for _, out := range outgoing {
			out.CorrelationId = inst.CorrelationId
			if err := o.enqueuer.Save(ctx, out); err != nil {
				return fmt.Errorf("enqueueing '%s' for instance '%s': %w", out.EventType, inst.CorrelationId, err)
			}
		}

		if created {
			err = o.store.Insert(ctx, inst)
		} else {
			err = o.store.Update(ctx, inst)
		}
		if err != nil {
			return fmt.Errorf("persisting instance '%s': %w", inst.CorrelationId, err)
		}

		o.logger.Debug(fmt.Sprintf("instance '%s' moved from '%s' to '%s' on '%s'", inst.CorrelationId, from, inst.CurrentState, env.EventType))
		o.appliedCtr.Inc(1)
		return nil
	})
	if errors.Is(err, ErrConflict) {
		if rerr := o.recordConflict(ctx, env.CorrelationId); rerr != nil {
			o.logger.Warn(fmt.Sprintf("could not record the conflict retry for instance '%s': %v", env.CorrelationId, rerr))
		}
	}
	return err
}

// recordConflict bumps the retry counter of an instance whose update lost a
// version race. The conflicting event comes back through redelivery; the
// counter tells an operator how contended the instance is.
func (o *Orchestrator) recordConflict(ctx context.Context, correlationId uuid.UUID) error {
	return o.transactor.InTx(ctx, func(ctx context.Context) error {
		inst, err := o.store.Load(ctx, correlationId)
		if err != nil {
			return err
		}
		if inst.CurrentState.Terminal() {
			return nil
		}
		inst.RetryCount++
		return o.store.Update(ctx, inst)
	})
}

// compensations builds the compensating commands for every recorded
// forward step, in reverse order of completion. Steps without a declared
// compensator are skipped: their effects are either harmless or undone by
// a coarser compensator.
func (o *Orchestrator) compensations(inst *Instance) ([]*event.Envelope, error) {
	var out []*event.Envelope
	for i := len(inst.Steps) - 1; i >= 0; i-- {
		step := inst.Steps[i]
		comp, ok := o.def.Compensators[step]
		if !ok {
			continue
		}
		env, err := comp(inst)
		if err != nil {
			return nil, fmt.Errorf("building compensation for step '%s' of instance '%s': %w", step, inst.CorrelationId, err)
		}
		out = append(out, env)
	}
	return out, nil
}
