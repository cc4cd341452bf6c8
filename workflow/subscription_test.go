package workflow_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oggycat-dev/sagabox/saga"
	"github.com/oggycat-dev/sagabox/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionDefinitionIsValid(t *testing.T) {
	assert.NoError(t, workflow.NewSubscriptionDefinition("subscription-service").Validate())
}

func TestSubscriptionHappyPath(t *testing.T) {
	f := newFixture(workflow.NewSubscriptionDefinition("subscription-service"))
	id := uuid.New()

	f.handle(t, workflow.SubscriptionRequestedEvent, id, workflow.SubscriptionRequestedPayload{
		UserId:         "user-1",
		PlanId:         "premium",
		SubscriptionId: "sub-42",
		Amount:         "9.99",
	})
	inst := f.store.Instance(id)
	require.NotNil(t, inst)
	assert.Equal(t, workflow.AwaitingPayment, inst.CurrentState)
	assert.Equal(t, "sub-42", inst.BusinessKey)

	f.handle(t, workflow.SubscriptionPaymentCompletedEvent, id, nil)

	inst = f.store.Instance(id)
	assert.Equal(t, saga.Completed, inst.CurrentState)
	assert.Equal(t, []string{
		workflow.ProcessSubscriptionPaymentCommand,
		workflow.ActivateSubscriptionCommand,
	}, f.enqueuer.Types())

	var cmd workflow.ProcessPaymentPayload
	require.NoError(t, f.enqueuer.Saved[0].Decode(&cmd))
	assert.Equal(t, "9.99", cmd.Amount)
	assert.Equal(t, "sub-42", cmd.SubscriptionId)
}

func TestSubscriptionIsReleasedWhenPaymentFails(t *testing.T) {
	f := newFixture(workflow.NewSubscriptionDefinition("subscription-service"))
	id := uuid.New()

	f.handle(t, workflow.SubscriptionRequestedEvent, id, workflow.SubscriptionRequestedPayload{
		UserId:         "user-1",
		PlanId:         "premium",
		SubscriptionId: "sub-42",
		Amount:         "9.99",
	})
	f.enqueuer.Reset()

	f.handle(t, workflow.SubscriptionPaymentFailedEvent, id, workflow.FailurePayload{Reason: "card declined"})

	inst := f.store.Instance(id)
	assert.Equal(t, saga.Compensated, inst.CurrentState)
	assert.Equal(t, "card declined", inst.ErrorMessage)
	require.Equal(t, []string{workflow.ReleaseSubscriptionCommand}, f.enqueuer.Types())

	var cmd workflow.SubscriptionRefPayload
	require.NoError(t, f.enqueuer.Saved[0].Decode(&cmd))
	assert.Equal(t, "sub-42", cmd.SubscriptionId)
}
