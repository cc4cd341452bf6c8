package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	testcases := []struct {
		name    string
		def     *Definition
		wantErr bool
	}{
		{
			name: "valid definition",
			def: &Definition{
				Name: "Valid",
				Transitions: map[TransitionKey]Transition{
					{From: Initial, EventType: "Started"}: {To: "Working"},
					{From: "Working", EventType: "Done"}:  {To: Completed},
				},
			},
		},
		{
			name:    "missing name",
			def:     &Definition{},
			wantErr: true,
		},
		{
			name:    "no transitions",
			def:     &Definition{Name: "Empty"},
			wantErr: true,
		},
		{
			name: "no start transition",
			def: &Definition{
				Name: "Orphan",
				Transitions: map[TransitionKey]Transition{
					{From: "Working", EventType: "Done"}: {To: Completed},
				},
			},
			wantErr: true,
		},
		{
			name: "transition out of a terminal state",
			def: &Definition{
				Name: "Undead",
				Transitions: map[TransitionKey]Transition{
					{From: Initial, EventType: "Started"}: {To: "Working"},
					{From: Completed, EventType: "Oops"}:  {To: "Working"},
				},
			},
			wantErr: true,
		},
		{
			name: "transition back into the initial state",
			def: &Definition{
				Name: "Loop",
				Transitions: map[TransitionKey]Transition{
					{From: Initial, EventType: "Started"}: {To: Initial},
				},
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func Test_starts(t *testing.T) {
	d := &Definition{
		Name: "Test",
		Transitions: map[TransitionKey]Transition{
			{From: Initial, EventType: "Started"}: {To: "Working"},
			{From: "Working", EventType: "Other"}: {To: Completed},
		},
	}
	assert.True(t, d.starts("Started"))
	assert.False(t, d.starts("Other"))
	assert.False(t, d.starts("Unknown"))
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, Completed.Terminal())
	assert.True(t, Failed.Terminal())
	assert.True(t, Compensated.Terminal())
	assert.False(t, Initial.Terminal())
	assert.False(t, State("Working").Terminal())
}
