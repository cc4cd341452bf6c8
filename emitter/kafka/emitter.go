package kafka

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/logger"
	"github.com/oggycat-dev/sagabox/outbox"
)

// kafkaProducer is a helper interface to work with kafka.Producer.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	logger   logger.Logger
}

var _ outbox.Emitter = (*Emitter)(nil)
var _ logger.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Emitter{
		producer: p,
		logger:   &logger.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l logger.Logger) {
	e.logger = l
}

// Emit produces the outbox record to the topic derived from its event type.
// Messages are keyed by the envelope correlation id so that all events of
// one workflow instance land in the same partition and keep their relative
// order; events without a correlation id are keyed by record id instead.
func (e *Emitter) Emit(o *outbox.Record, dc chan *outbox.DeliveryReport) error {
	internal := make(chan kafka.Event, 1)
	go func() {
		// Drain until the delivery report of the single Produce call below
		// shows up; other event kinds may precede it on the same channel.
		for ev := range internal {
			m, ok := ev.(*kafka.Message)
			if !ok {
				e.logger.Debug(fmt.Sprintf("ignored event: %s", ev))
				continue
			}
			dc <- &outbox.DeliveryReport{
				Record: o,
				Error:  m.TopicPartition.Error,
				Details: fmt.Sprintf("delivered message to topic %s [%d] at offset %v",
					*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
			}
			return
		}
	}()

	topic := buildTopicName(o.EventType)
	err := e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            partitionKey(o),
		Value:          o.Payload,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(o.Id.String())},
			{Key: "createdAt", Value: []byte(strconv.FormatInt(o.CreatedAt.UnixMilli(), 10))},
		},
	}, internal)

	return err
}

// PublishEnvelope produces an envelope directly, bypassing the outbox. It
// is intended for rpc requests and responses, which are not business state
// and must not survive a crash of the caller. The call blocks until the
// broker confirms or rejects the message.
func (e *Emitter) PublishEnvelope(ctx context.Context, env *event.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("could not serialize the envelope: %w", err)
	}
	topic := buildTopicName(env.EventType)
	internal := make(chan kafka.Event, 1)
	err = e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(env.CorrelationId.String()),
		Value:          payload,
	}, internal)
	if err != nil {
		return err
	}

	select {
	case ev := <-internal:
		if m, ok := ev.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			return m.TopicPartition.Error
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// partitionKey returns the correlation id carried inside the record
// payload, falling back to the record id for uncorrelated events.
func partitionKey(o *outbox.Record) []byte {
	if env, err := event.Unmarshal(o.Payload); err == nil && env.CorrelationId != uuid.Nil {
		return []byte(env.CorrelationId.String())
	}
	return []byte(o.Id.String())
}

// buildTopicName builds a topic name from an event type (e.g. if
// eventType="RegistrationStarted" then topic name is "registration-started").
func buildTopicName(eventType string) string {
	return strcase.ToKebab(eventType)
}
