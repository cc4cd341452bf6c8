package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/logger"
	"github.com/oggycat-dev/sagabox/metrics"
)

// ErrTimeout is returned by Call when no correlated response arrived in
// time. It is a first-class outcome: call sites must decide how to degrade
// (typically by proceeding as if the remote side returned an empty result)
// because a synchronous wait over an asynchronous channel must never block
// the calling workflow indefinitely.
var ErrTimeout = errors.New("rpc call timed out")

// default timeout for intra-datacenter calls.
const defaultTimeout = 5 * time.Second

// Result is the uniform payload of every rpc response. A "nothing found"
// outcome is a successful result with empty data, not an error.
type Result struct {
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the result data into the provided destination.
func (r *Result) Decode(dst any) error {
	if len(r.Data) == 0 {
		return errors.New("result has no data")
	}
	return json.Unmarshal(r.Data, dst)
}

// Publisher sends an envelope straight to the broker, bypassing the
// outbox. Satisfied by the kafka emitter.
type Publisher interface {
	PublishEnvelope(ctx context.Context, e *event.Envelope) error
}

// Settings holds the rpc client configuration.
type Settings struct {
	SourceService string        // stamped on outgoing requests
	Timeout       time.Duration // default per-call timeout
}

// Client is the request side of the bridge: it publishes a request event
// keyed by a fresh request id, suspends the caller and correlates the
// eventual response event back to it. One pending entry exists per
// outstanding call and is removed exactly once, by the first of a matching
// response or the timeout.
type Client struct {
	publisher  Publisher
	settings   Settings
	logger     logger.Logger
	timeoutCtr metrics.Counter

	mu      sync.Mutex
	pending map[uuid.UUID]chan *event.Envelope
}

// opt allows optional configuration.
type opt func(c *Client)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimeoutCounter allows clients to configure an optional counter for
// timed out calls.
func WithTimeoutCounter(co metrics.Counter) opt {
	return func(c *Client) {
		if co != nil {
			c.timeoutCtr = co
		}
	}
}

// NewClient creates a Client using the provided settings and options and
// the provided Publisher implementation.
func NewClient(s Settings, p Publisher, options ...opt) *Client {
	if p == nil {
		panic("you must provide a publisher")
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}

	c := &Client{
		publisher:  p,
		settings:   s,
		logger:     &logger.NopLogger{},
		timeoutCtr: &metrics.NopCounter{},
		pending:    make(map[uuid.UUID]chan *event.Envelope),
	}

	for _, o := range options {
		o(c)
	}

	return c
}

// Call publishes a request of the given type and suspends the caller until
// a response carrying the same request id arrives, the timeout elapses or
// ctx is cancelled. A timeout of zero falls back to the configured default.
// The bridge performs no retries of its own; retry, if wanted, is the
// caller's decision.
func (c *Client) Call(ctx context.Context, requestType string, payload any, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = c.settings.Timeout
	}

	requestId := uuid.New()
	env, err := event.New(requestType, c.settings.SourceService, requestId, payload)
	if err != nil {
		return nil, fmt.Errorf("could not build the request: %w", err)
	}
	env.Stamp(ctx)

	ch := make(chan *event.Envelope, 1)
	c.mu.Lock()
	c.pending[requestId] = ch
	c.mu.Unlock()

	if err := c.publisher.PublishEnvelope(ctx, env); err != nil {
		c.remove(requestId)
		return nil, fmt.Errorf("could not publish the request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		var res Result
		if err := resp.Decode(&res); err != nil {
			return nil, fmt.Errorf("could not decode the response: %w", err)
		}
		return &res, nil
	case <-timer.C:
		c.remove(requestId)
		c.timeoutCtr.Inc(1)
		c.logger.Warn(fmt.Sprintf("request '%s' of type '%s' timed out after %s", requestId, requestType, timeout))
		return nil, ErrTimeout
	case <-ctx.Done():
		c.remove(requestId)
		return nil, ctx.Err()
	}
}

// Accept correlates an incoming response envelope with the pending call
// that issued it. Responses arriving after their call timed out find no
// pending entry and are discarded; nothing leaks because the entry was
// already removed. Accept never fails: an unmatched response is not an
// error condition for the consumer loop.
func (c *Client) Accept(_ context.Context, env *event.Envelope) error {
	c.mu.Lock()
	ch, ok := c.pending[env.CorrelationId]
	if ok {
		delete(c.pending, env.CorrelationId)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug(fmt.Sprintf("discarding unmatched response '%s' for request '%s'", env.EventType, env.CorrelationId))
		return nil
	}
	ch <- env
	return nil
}

// Outstanding returns the number of calls currently awaiting a response.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) remove(requestId uuid.UUID) {
	c.mu.Lock()
	delete(c.pending, requestId)
	c.mu.Unlock()
}
