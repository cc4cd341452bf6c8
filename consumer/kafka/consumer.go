package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/logger"
)

// HandlerFunc processes one envelope. Both the saga orchestrator and the
// rpc client/responder satisfy it with their Handle/Accept methods.
type HandlerFunc func(ctx context.Context, e *event.Envelope) error

// kafkaConsumer is a helper interface to work with kafka.Consumer.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

// Consumer reads envelopes from the topics of its registered event types
// and routes each to the matching handler. Topics are partitioned by
// correlation id at the producer side, so all events of one workflow
// instance arrive in order on one partition while distinct instances
// process in parallel across the consumer group.
type Consumer struct {
	consumer kafkaConsumer
	handlers map[string]HandlerFunc
	logger   logger.Logger
}

var _ logger.Loggable = (*Consumer)(nil)

func New(c kafkaConsumer) *Consumer {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("consumer is mandatory")
	}
	return &Consumer{
		consumer: c,
		handlers: make(map[string]HandlerFunc),
		logger:   &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (c *Consumer) SetLogger(l logger.Logger) {
	c.logger = l
}

// Handle registers the handler for one event type. Must be called before
// Start.
func (c *Consumer) Handle(eventType string, h HandlerFunc) {
	c.handlers[eventType] = h
}

// Start subscribes to the topics of the registered event types and
// launches the consumption loop in the background. The loop drains its
// in-flight message and returns when ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if len(c.handlers) == 0 {
		return errors.New("no handlers registered")
	}
	topics := make([]string, 0, len(c.handlers))
	for et := range c.handlers {
		topics = append(topics, strcase.ToKebab(et))
	}
	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		return fmt.Errorf("could not subscribe to topics: %w", err)
	}

	go c.consume(ctx)
	return nil
}

func (c *Consumer) consume(ctx context.Context) {
	defer func() {
		if err := c.consumer.Close(); err != nil {
			c.logger.Error("closing the consumer", err)
		}
		c.logger.Info("the consumer has finished")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := c.consumer.ReadMessage(time.Second)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			c.logger.Error("reading a message", err)
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch routes one message. Malformed payloads and unknown event types
// are logged and committed away: discarding one poisoned message is safer
// than wedging a shared consumer on it. Handler errors are transient by
// contract (the handler itself discards benign anomalies), so the message
// is re-attempted with a growing pause until it goes through or the
// context ends.
func (c *Consumer) dispatch(ctx context.Context, msg *kafka.Message) {
	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("discarding malformed message at %s: %v", msg.TopicPartition, err))
		c.commit(msg)
		return
	}

	h, ok := c.handlers[env.EventType]
	if !ok {
		c.logger.Warn(fmt.Sprintf("discarding '%s' event: no handler registered", env.EventType))
		c.commit(msg)
		return
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if err := h(ctx, env); err != nil {
			c.logger.Error(fmt.Sprintf("handling '%s' event (attempt %d)", env.EventType, attempt), err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDelay(attempt)):
			}
			continue
		}
		c.commit(msg)
		return
	}
}

func (c *Consumer) commit(msg *kafka.Message) {
	if _, err := c.consumer.CommitMessage(msg); err != nil {
		c.logger.Error("committing a message", err)
	}
}

// backoffDelay grows linearly up to ten seconds.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 2 * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}
