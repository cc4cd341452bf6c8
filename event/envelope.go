package event

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Envelope is the uniform wire contract shared by every event in the
// system. The payload carries the event-specific fields as raw JSON so
// that routing components never need to know concrete event types.
type Envelope struct {
	Id            uuid.UUID       `json:"id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	SourceService string          `json:"source_service"`
	CorrelationId uuid.UUID       `json:"correlation_id,omitempty"`
	CreatedBy     *uuid.UUID      `json:"created_by,omitempty"`
	IpAddress     string          `json:"ip_address,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope for the given event type, stamping a fresh id,
// the current time and the actor information found in ctx (if any). The
// payload must be JSON-serializable.
func New(eventType string, sourceService string, correlationId uuid.UUID, payload any) (*Envelope, error) {
	if eventType == "" {
		return nil, errors.New("eventType is mandatory")
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		Id:            uuid.New(),
		EventType:     eventType,
		OccurredAt:    time.Now().UTC(),
		SourceService: sourceService,
		CorrelationId: correlationId,
		Payload:       raw,
	}, nil
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an envelope from its wire form.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.EventType == "" {
		return nil, errors.New("envelope without event_type")
	}
	return &e, nil
}

// Decode unmarshals the payload into the provided destination.
func (e *Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("envelope has no payload")
	}
	return json.Unmarshal(e.Payload, dst)
}
