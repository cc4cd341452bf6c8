package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oggycat-dev/sagabox/logger"
	"github.com/oggycat-dev/sagabox/metrics"
)

// Publisher implements the polling publisher variant of the Transactional
// Outbox pattern: a background loop drains due records from the outbox
// table, pushes them to the configured emitter and persists the delivery
// outcome of every attempted record. It is safe to run one publisher per
// service replica: instances coordinate through dispatcher subscriptions
// and an optimistic table lock, so a record is only delivered by the
// active one.
type Publisher struct {
	id         uuid.UUID
	settings   Settings
	logger     logger.Logger
	emitter    Emitter
	repository Repository
	successCtr metrics.Counter
	errorCtr   metrics.Counter
	now        func() time.Time
}

// opt allows optional configuration.
type opt func(p *Publisher)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for
// observability of successful and failed deliveries.
func WithCounters(success metrics.Counter, err metrics.Counter) opt {
	return func(p *Publisher) {
		if success != nil {
			p.successCtr = success
		}
		if err != nil {
			p.errorCtr = err
		}
	}
}

// NewPublisher creates a Publisher using the provided settings and options
// and the provided Repository and Emitter implementations.
func NewPublisher(s Settings, r Repository, e Emitter, options ...opt) *Publisher {
	if e == nil || r == nil {
		panic("you must provide an emitter and a repository")
	}
	validateSettings(&s)

	p := &Publisher{
		id:         uuid.New(),
		settings:   s,
		logger:     &logger.NopLogger{},
		emitter:    e,
		repository: r,
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
		now:        time.Now,
	}

	for _, o := range options {
		o(p)
	}

	for _, a := range []any{e, r} {
		if l, ok := a.(logger.Loggable); ok {
			l.SetLogger(p.logger)
		}
	}

	return p
}

// Start launches the publisher subscription loop in the background. The
// loop ends when ctx is cancelled; an in-flight batch completes its
// per-record bookkeeping or is re-attempted from persisted state on the
// next start.
func (p *Publisher) Start(ctx context.Context) {
	go p.launchPublisher(ctx)
}

// launchPublisher starts a subscription loop to attempt the registration of
// a new publisher within the dispatcher subscription table. Only subscribed
// publishers can deliver outbox entries to the configured emitter. The
// function also ensures the consistent updating of the "alive_at" column to
// avoid losing the subscription.
func (p *Publisher) launchPublisher(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	subscribed := false
	for {
		if !subscribed {
			if success, subscription, err := p.repository.SubscribeDispatcher(p.id, p.settings.MaxPublishers); success {
				p.logger.Debug(fmt.Sprintf("subscription '%d' assigned to publisher '%s'", subscription, p.id))
				go p.executePollingLoop(ctx)
				subscribed = true
			} else if err != nil {
				p.logger.Error(fmt.Sprintf("trying to subscribe publisher '%s'", p.id), err)
			}
		} else {
			updated, err := p.repository.UpdateSubscription(p.id)
			if err != nil {
				p.logger.Error("updating subscription", err)
			} else if !updated {
				p.logger.Error("subscription not updated", errors.New("stolen subscription!"))
				subscribed = false
			}
		}
		select {
		case <-ctx.Done():
			p.logger.Info(fmt.Sprintf("publisher '%s' stopped", p.id))
			return
		case <-ticker.C:
		}
	}
}

// executePollingLoop implements the main polling loop.
func (p *Publisher) executePollingLoop(ctx context.Context) {
	ticker := time.NewTicker(p.settings.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if acquired, err := p.repository.AcquireLock(p.id); acquired {
			p.processOutbox()
			if err := p.repository.ReleaseLock(p.id); err != nil {
				p.logger.Error("releasing the outbox lock", err)
			}
		} else if err != nil {
			p.logger.Error("unable to get the lock", err)
		}
	}
}

// processOutbox scans the outbox table within the limits defined by
// Settings.MaxEventsPerInterval and delivers the due entries in batches
// (defined by Settings.MaxEventsPerBatch). All outcomes of one pass are
// persisted together: successes get processed_at stamped, failures get
// their next attempt scheduled by the retry policy. A crash after the
// emitter accepted a record but before MarkBatch committed leaves the
// record due, so it is delivered again on the next pass: duplicates are
// possible, losses are not.
func (p *Publisher) processOutbox() {
	var processed []uuid.UUID
	var failures []Failure
	var totalProcessed int
	var deliveryChan = make(chan *DeliveryReport, p.settings.MaxEventsPerBatch)
	var wg sync.WaitGroup

	now := p.now()
	p.logger.Debug("processing outbox messages")

	go func() {
		for dr := range deliveryChan {
			if dr.Error != nil {
				p.logger.Error("delivery problem", dr.Error)
				failures = append(failures, Failure{
					Id:          dr.Record.Id,
					Error:       dr.Error.Error(),
					NextRetryAt: p.settings.Retry.NextRetryAt(now, dr.Record.RetryCount+1),
				})
				if dr.Record.RetryCount+1 >= p.settings.Retry.MaxRetries {
					p.logger.Warn(fmt.Sprintf("record '%s' exhausted its %d delivery attempts and awaits manual inspection", dr.Record.Id, p.settings.Retry.MaxRetries))
				}
				p.errorCtr.Inc(1)
			} else {
				p.logger.Debug(dr.Details)
				processed = append(processed, dr.Record.Id)
				p.successCtr.Inc(1)
			}
			totalProcessed++
			wg.Done()
		}
		p.logger.Debug("the goroutine for delivery reports has finished")
	}()

	err := p.repository.FindDue(p.settings.MaxEventsPerBatch, p.settings.MaxEventsPerInterval, p.settings.Retry.MaxRetries, func(batch []*Record) error {
		p.logger.Debug(fmt.Sprintf("sending %d messages to the broker", len(batch)))
		for _, o := range batch {
			err := p.emitter.Emit(o, deliveryChan)
			if err != nil {
				// The record remains due in the outbox table and will be
				// attempted again in the next pass.
				p.logger.Error("when producing a message", err)
			} else {
				wg.Add(1)
			}
		}
		return nil
	})

	if err != nil {
		p.logger.Error("when trying to get due outbox rows in batches", err)
	}

	// Wait until we get all the delivery reports from the broker client.
	wg.Wait()

	// We can safely close the channel because this is a dedicated channel
	// only to receive as many delivery reports as messages were sent.
	close(deliveryChan)
	p.logger.Info(fmt.Sprintf("%d messages were successfully delivered (with %d failed) from a total of %d processed from outbox", len(processed), len(failures), totalProcessed))

	if totalProcessed > 0 && float64(len(failures))/float64(totalProcessed) >= p.settings.FailureWarnRatio {
		p.logger.Warn(fmt.Sprintf("delivery failure ratio crossed the configured threshold: %d of %d attempts failed", len(failures), totalProcessed))
	}

	if len(processed) > 0 || len(failures) > 0 {
		if err := p.repository.MarkBatch(processed, now, failures); err != nil {
			p.logger.Error("when persisting the delivery outcomes of the batch", err)
		}
	}
}
