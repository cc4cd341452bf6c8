package test

import (
	"context"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/saga"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend

	return p.RetVal
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MemoryStore is an in-memory saga.Store keeping deep copies, so mutations
// of a loaded instance never leak into the stored one until Update.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*saga.Instance

	// FailNextUpdate makes the next Update return saga.ErrConflict.
	FailNextUpdate bool
}

var _ saga.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[uuid.UUID]*saga.Instance)}
}

func (s *MemoryStore) Load(_ context.Context, correlationId uuid.UUID) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.instances[correlationId]
	if !ok {
		return nil, saga.ErrNotFound
	}
	return copyInstance(i), nil
}

func (s *MemoryStore) Insert(_ context.Context, i *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i.Version = 1
	s.instances[i.CorrelationId] = copyInstance(i)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, i *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNextUpdate {
		s.FailNextUpdate = false
		return saga.ErrConflict
	}
	cur, ok := s.instances[i.CorrelationId]
	if !ok || cur.Version != i.Version {
		return saga.ErrConflict
	}
	i.Version++
	s.instances[i.CorrelationId] = copyInstance(i)
	return nil
}

// Instance returns the stored copy for assertions.
func (s *MemoryStore) Instance(correlationId uuid.UUID) *saga.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.instances[correlationId]
	if !ok {
		return nil
	}
	return copyInstance(i)
}

func copyInstance(i *saga.Instance) *saga.Instance {
	c := *i
	c.Fields = make(map[string]string, len(i.Fields))
	for k, v := range i.Fields {
		c.Fields[k] = v
	}
	c.Steps = append([]string(nil), i.Steps...)
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// PassthroughTransactor is a saga.Transactor without a real transaction
// underneath.
type PassthroughTransactor struct{}

var _ saga.Transactor = (*PassthroughTransactor)(nil)

func (*PassthroughTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// CollectingEnqueuer is a saga.Enqueuer recording every saved envelope.
type CollectingEnqueuer struct {
	mu     sync.Mutex
	Saved  []*event.Envelope
	RetVal error
}

var _ saga.Enqueuer = (*CollectingEnqueuer)(nil)

func (e *CollectingEnqueuer) Save(_ context.Context, env *event.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.RetVal != nil {
		return e.RetVal
	}
	e.Saved = append(e.Saved, env)
	return nil
}

// Types returns the event types of the saved envelopes in save order.
func (e *CollectingEnqueuer) Types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, env := range e.Saved {
		out = append(out, env.EventType)
	}
	return out
}

// Reset clears the recorded envelopes.
func (e *CollectingEnqueuer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Saved = nil
}

// CollectingPublisher is an rpc.Publisher recording every published
// envelope.
type CollectingPublisher struct {
	mu        sync.Mutex
	Published []*event.Envelope
	RetVal    error
}

func (p *CollectingPublisher) PublishEnvelope(_ context.Context, env *event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RetVal != nil {
		return p.RetVal
	}
	p.Published = append(p.Published, env)
	return nil
}

// Last returns the most recently published envelope.
func (p *CollectingPublisher) Last() *event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Published) == 0 {
		return nil
	}
	return p.Published[len(p.Published)-1]
}
