package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oggycat-dev/sagabox/event"
	"github.com/stretchr/testify/assert"
)

// memoryRepository is an in-memory Repository driving processOutbox tests.
type memoryRepository struct {
	mu          sync.Mutex
	records     []*Record
	emitted     map[uuid.UUID]int
	failMark    bool
	markedBatch int
}

var _ Repository = (*memoryRepository)(nil)

func newMemoryRepository(records ...*Record) *memoryRepository {
	return &memoryRepository{records: records, emitted: map[uuid.UUID]int{}}
}

func (r *memoryRepository) Save(_ context.Context, _ *event.Envelope) error { return nil }
func (r *memoryRepository) AcquireLock(uuid.UUID) (bool, error)             { return true, nil }
func (r *memoryRepository) ReleaseLock(uuid.UUID) error                     { return nil }

func (r *memoryRepository) FindDue(batchSize int, limit int, maxRetries int, fc func([]*Record) error) error {
	r.mu.Lock()
	var due []*Record
	for _, or := range r.records {
		if or.ProcessedAt == nil && or.RetryCount < maxRetries {
			due = append(due, or)
		}
	}
	r.mu.Unlock()
	if len(due) == 0 {
		return nil
	}
	return fc(due)
}

func (r *memoryRepository) MarkBatch(processed []uuid.UUID, processedAt time.Time, failures []Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMark {
		return errors.New("the store is gone")
	}
	r.markedBatch++
	for _, id := range processed {
		for _, or := range r.records {
			if or.Id == id && or.ProcessedAt == nil {
				t := processedAt
				or.ProcessedAt = &t
			}
		}
	}
	for _, f := range failures {
		for _, or := range r.records {
			if or.Id == f.Id && or.ProcessedAt == nil {
				or.RetryCount++
				or.NextRetryAt = f.NextRetryAt
				or.LastError = f.Error
			}
		}
	}
	return nil
}

func (r *memoryRepository) FindDeadLettered(maxRetries int, limit int) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, or := range r.records {
		if or.ProcessedAt == nil && or.RetryCount >= maxRetries {
			out = append(out, or)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) SubscribeDispatcher(uuid.UUID, int) (bool, int, error) {
	return true, 1, nil
}

func (r *memoryRepository) UpdateSubscription(uuid.UUID) (bool, error) { return true, nil }

func (r *memoryRepository) record(id uuid.UUID) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, or := range r.records {
		if or.Id == id {
			return or
		}
	}
	return nil
}

// flakyEmitter reports a failed delivery for the record ids it is told to
// reject and a successful one for everything else.
type flakyEmitter struct {
	mu      sync.Mutex
	rejects map[uuid.UUID]bool
	calls   map[uuid.UUID]int
}

var _ Emitter = (*flakyEmitter)(nil)

func newFlakyEmitter(rejects ...uuid.UUID) *flakyEmitter {
	e := &flakyEmitter{rejects: map[uuid.UUID]bool{}, calls: map[uuid.UUID]int{}}
	for _, id := range rejects {
		e.rejects[id] = true
	}
	return e
}

func (e *flakyEmitter) Emit(o *Record, dc chan *DeliveryReport) error {
	e.mu.Lock()
	e.calls[o.Id]++
	rejected := e.rejects[o.Id]
	e.mu.Unlock()

	dr := &DeliveryReport{Record: o, Details: "delivered"}
	if rejected {
		dr.Error = errors.New("broker unreachable")
	}
	go func() { dc <- dr }()
	return nil
}

func (e *flakyEmitter) emissions(id uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func dueRecord() *Record {
	now := time.Now().Add(-time.Minute)
	return &Record{
		Id:          uuid.New(),
		EventType:   "UserRegistrationStarted",
		Payload:     []byte("payload"),
		CreatedAt:   now,
		NextRetryAt: now,
	}
}

func newTestPublisher(r Repository, e Emitter) *Publisher {
	return NewPublisher(Settings{
		Retry: RetryPolicy{
			InitialInterval: time.Second * 30,
			Multiplier:      2.0,
			MaxInterval:     time.Minute * 30,
			MaxRetries:      3,
		},
	}, r, e)
}

func TestNewPublisher(t *testing.T) {
	testcases := []struct {
		name      string
		repo      Repository
		emitter   Emitter
		wantPanic bool
	}{
		{
			name:    "valid repository and emitter",
			repo:    newMemoryRepository(),
			emitter: newFlakyEmitter(),
		},
		{
			name:      "repository is nil",
			emitter:   newFlakyEmitter(),
			wantPanic: true,
		},
		{
			name:      "emitter is nil",
			repo:      newMemoryRepository(),
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					NewPublisher(Settings{}, tc.repo, tc.emitter)
				})
			} else {
				assert.NotPanics(t, func() {
					NewPublisher(Settings{}, tc.repo, tc.emitter)
				})
			}
		})
	}
}

func TestProcessOutbox(t *testing.T) {
	t.Run("successful deliveries are marked processed", func(t *testing.T) {
		r1, r2, r3 := dueRecord(), dueRecord(), dueRecord()
		repo := newMemoryRepository(r1, r2, r3)
		p := newTestPublisher(repo, newFlakyEmitter())

		p.processOutbox()

		for _, or := range []*Record{r1, r2, r3} {
			assert.NotNil(t, repo.record(or.Id).ProcessedAt)
		}
		assert.Equal(t, 1, repo.markedBatch)
	})

	t.Run("failed deliveries are scheduled for a later retry", func(t *testing.T) {
		ok, bad := dueRecord(), dueRecord()
		repo := newMemoryRepository(ok, bad)
		p := newTestPublisher(repo, newFlakyEmitter(bad.Id))

		before := time.Now()
		p.processOutbox()

		assert.NotNil(t, repo.record(ok.Id).ProcessedAt)
		failed := repo.record(bad.Id)
		assert.Nil(t, failed.ProcessedAt)
		assert.Equal(t, 1, failed.RetryCount)
		assert.Equal(t, "broker unreachable", failed.LastError)
		assert.True(t, failed.NextRetryAt.After(before))
	})

	t.Run("a record is redelivered when the previous outcome was not persisted", func(t *testing.T) {
		or := dueRecord()
		repo := newMemoryRepository(or)
		em := newFlakyEmitter()
		p := newTestPublisher(repo, em)

		// The emitter accepts the record but the bookkeeping write fails,
		// as if the publisher had crashed between the two.
		repo.failMark = true
		p.processOutbox()
		assert.Nil(t, repo.record(or.Id).ProcessedAt)

		repo.failMark = false
		p.processOutbox()

		assert.Equal(t, 2, em.emissions(or.Id))
		assert.NotNil(t, repo.record(or.Id).ProcessedAt)
	})

	t.Run("a record exhausting its attempts is dead lettered", func(t *testing.T) {
		or := dueRecord()
		repo := newMemoryRepository(or)
		em := newFlakyEmitter(or.Id)
		p := newTestPublisher(repo, em)

		for i := 0; i < 5; i++ {
			repo.record(or.Id).NextRetryAt = time.Now().Add(-time.Second)
			p.processOutbox()
		}

		// Three attempts allowed, not one more.
		assert.Equal(t, 3, em.emissions(or.Id))
		assert.Equal(t, 3, repo.record(or.Id).RetryCount)

		dead, err := repo.FindDeadLettered(3, 10)
		assert.NoError(t, err)
		assert.Len(t, dead, 1)
		assert.Equal(t, or.Id, dead[0].Id)
	})
}
