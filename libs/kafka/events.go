package kafka

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TopicSecurityEvents = "security.events"
	TopicDeadLetter     = "security.events.dlq"
)

// Envelope is the header every published event embeds.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("event_type is required")
	}
	if version <= 0 {
		return Envelope{}, fmt.Errorf("event_version must be positive")
	}

	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}, nil
}

// EventEnvelope returns the header. Structs embedding Envelope inherit it.
func (e Envelope) EventEnvelope() Envelope { return e }

func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EventVersion <= 0 {
		return fmt.Errorf("event_version must be positive")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}
