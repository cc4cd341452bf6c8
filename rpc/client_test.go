package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/rpc"
	"github.com/oggycat-dev/sagabox/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	FullName string `json:"full_name"`
}

// respondWith builds the response envelope a remote responder would publish
// for the given request.
func respondWith(t *testing.T, req *event.Envelope, res rpc.Result) *event.Envelope {
	t.Helper()
	env, err := event.New("GetUserProfileResponse", "user-service", req.CorrelationId, res)
	require.NoError(t, err)
	return env
}

func TestNewClient(t *testing.T) {
	assert.Panics(t, func() {
		rpc.NewClient(rpc.Settings{}, nil)
	})
	assert.NotPanics(t, func() {
		rpc.NewClient(rpc.Settings{}, &test.CollectingPublisher{})
	})
}

func TestCallReceivesACorrelatedResponse(t *testing.T) {
	publisher := &test.CollectingPublisher{}
	client := rpc.NewClient(rpc.Settings{SourceService: "registration-service"}, publisher)

	var wg sync.WaitGroup
	wg.Add(1)
	var res *rpc.Result
	var callErr error
	go func() {
		defer wg.Done()
		res, callErr = client.Call(context.Background(), "GetUserProfile", map[string]string{"user_id": "user-1"}, time.Second*5)
	}()

	// Wait for the request to be published, then answer it.
	require.Eventually(t, func() bool { return publisher.Last() != nil }, time.Second, time.Millisecond*10)
	req := publisher.Last()
	assert.Equal(t, "GetUserProfile", req.EventType)

	data, err := json.Marshal(profile{FullName: "Ada Lovelace"})
	require.NoError(t, err)
	require.NoError(t, client.Accept(context.Background(), respondWith(t, req, rpc.Result{Success: true, Data: data})))
	wg.Wait()

	require.NoError(t, callErr)
	require.True(t, res.Success)
	var p profile
	require.NoError(t, res.Decode(&p))
	assert.Equal(t, "Ada Lovelace", p.FullName)
	assert.Zero(t, client.Outstanding())
}

func TestCallTimesOut(t *testing.T) {
	publisher := &test.CollectingPublisher{}
	counter := &test.MockedTallyCounter{Output: make(chan int64, 1)}
	client := rpc.NewClient(rpc.Settings{SourceService: "registration-service"},
		publisher, rpc.WithTimeoutCounter(counter))

	start := time.Now()
	res, err := client.Call(context.Background(), "GetUserProfile", nil, time.Millisecond*50)

	assert.Nil(t, res)
	assert.ErrorIs(t, err, rpc.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), time.Millisecond*50)
	assert.Equal(t, int64(1), <-counter.Output)
	assert.Zero(t, client.Outstanding(), "a timed out call must not leak its pending entry")
}

func TestLateResponseIsDiscarded(t *testing.T) {
	publisher := &test.CollectingPublisher{}
	client := rpc.NewClient(rpc.Settings{SourceService: "registration-service"}, publisher)

	_, err := client.Call(context.Background(), "GetUserProfile", nil, time.Millisecond*10)
	require.ErrorIs(t, err, rpc.ErrTimeout)

	// The response shows up after the caller already gave up.
	req := publisher.Last()
	require.NoError(t, client.Accept(context.Background(), respondWith(t, req, rpc.Result{Success: true})))
	assert.Zero(t, client.Outstanding())
}

func TestCallHonorsContextCancellation(t *testing.T) {
	publisher := &test.CollectingPublisher{}
	client := rpc.NewClient(rpc.Settings{SourceService: "registration-service"}, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Millisecond * 20)
		cancel()
	}()

	_, err := client.Call(ctx, "GetUserProfile", nil, time.Second*10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, client.Outstanding())
}

func TestCallSurfacesPublishErrors(t *testing.T) {
	publisher := &test.CollectingPublisher{RetVal: errors.New("broker unreachable")}
	client := rpc.NewClient(rpc.Settings{SourceService: "registration-service"}, publisher)

	_, err := client.Call(context.Background(), "GetUserProfile", nil, time.Second)
	assert.Error(t, err)
	assert.Zero(t, client.Outstanding())
}
