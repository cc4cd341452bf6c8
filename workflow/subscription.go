package workflow

import (
	"errors"

	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/saga"
)

// SubscriptionSagaName identifies the subscription purchase workflow.
const SubscriptionSagaName = "RegisterSubscriptionSaga"

// States of the subscription workflow.
const (
	AwaitingPayment saga.State = "AwaitingPayment"
)

// Events consumed by the subscription workflow.
const (
	SubscriptionRequestedEvent        = "SubscriptionRequested"
	SubscriptionPaymentCompletedEvent = "SubscriptionPaymentCompleted"
	SubscriptionPaymentFailedEvent    = "SubscriptionPaymentFailed"
)

// Commands emitted by the subscription workflow.
const (
	ProcessSubscriptionPaymentCommand = "ProcessSubscriptionPayment"
	ActivateSubscriptionCommand       = "ActivateSubscription"
	ReleaseSubscriptionCommand        = "ReleaseSubscription"
)

// StepReserveSubscription records the pending subscription created when
// the workflow starts.
const StepReserveSubscription = "ReserveSubscription"

// Field keys snapshotted on the instance.
const (
	FieldUserId         = "user_id"
	FieldPlanId         = "plan_id"
	FieldSubscriptionId = "subscription_id"
	FieldAmount         = "amount"
)

// SubscriptionRequestedPayload opens a subscription purchase.
type SubscriptionRequestedPayload struct {
	UserId         string `json:"user_id"`
	PlanId         string `json:"plan_id"`
	SubscriptionId string `json:"subscription_id"`
	Amount         string `json:"amount"`
}

// ProcessPaymentPayload is the command payload for the payment service.
type ProcessPaymentPayload struct {
	UserId         string `json:"user_id"`
	SubscriptionId string `json:"subscription_id"`
	Amount         string `json:"amount"`
}

// SubscriptionRefPayload carries a bare subscription reference.
type SubscriptionRefPayload struct {
	SubscriptionId string `json:"subscription_id"`
}

// NewSubscriptionDefinition builds the subscription saga: a pending
// subscription awaits its payment and is activated on success or released
// on failure.
func NewSubscriptionDefinition(sourceService string) *saga.Definition {
	d := &saga.Definition{
		Name:          SubscriptionSagaName,
		SourceService: sourceService,
	}

	d.Transitions = map[saga.TransitionKey]saga.Transition{
		{From: saga.Initial, EventType: SubscriptionRequestedEvent}: {
			To:   AwaitingPayment,
			Step: StepReserveSubscription,
			Apply: func(i *saga.Instance, e *event.Envelope) error {
				var p SubscriptionRequestedPayload
				if err := e.Decode(&p); err != nil {
					return err
				}
				if p.SubscriptionId == "" {
					return errors.New("a subscription id is required")
				}
				i.BusinessKey = p.SubscriptionId
				i.Set(FieldUserId, p.UserId)
				i.Set(FieldPlanId, p.PlanId)
				i.Set(FieldSubscriptionId, p.SubscriptionId)
				i.Set(FieldAmount, p.Amount)
				return nil
			},
			Emit: func(i *saga.Instance, _ *event.Envelope) ([]*event.Envelope, error) {
				out, err := d.NewEvent(i, ProcessSubscriptionPaymentCommand, ProcessPaymentPayload{
					UserId:         i.Get(FieldUserId),
					SubscriptionId: i.Get(FieldSubscriptionId),
					Amount:         i.Get(FieldAmount),
				})
				if err != nil {
					return nil, err
				}
				return []*event.Envelope{out}, nil
			},
		},

		{From: AwaitingPayment, EventType: SubscriptionPaymentCompletedEvent}: {
			To: saga.Completed,
			Emit: func(i *saga.Instance, _ *event.Envelope) ([]*event.Envelope, error) {
				out, err := d.NewEvent(i, ActivateSubscriptionCommand, SubscriptionRefPayload{
					SubscriptionId: i.Get(FieldSubscriptionId),
				})
				if err != nil {
					return nil, err
				}
				return []*event.Envelope{out}, nil
			},
		},

		{From: AwaitingPayment, EventType: SubscriptionPaymentFailedEvent}: {
			To:         saga.Compensated,
			Apply:      applyFailure,
			Compensate: true,
		},
	}

	d.Compensators = map[string]func(i *saga.Instance) (*event.Envelope, error){
		StepReserveSubscription: func(i *saga.Instance) (*event.Envelope, error) {
			return d.NewEvent(i, ReleaseSubscriptionCommand, SubscriptionRefPayload{
				SubscriptionId: i.Get(FieldSubscriptionId),
			})
		},
	}

	return d
}
