package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// DLQPublishPayload wraps an event that could not be published to its topic.
// EventID and EventType are copied from the event envelope when there is one,
// so dead letters can be matched against the audit trail without decoding.
type DLQPublishPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Key           string    `json:"key,omitempty"`
	EventID       string    `json:"event_id,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

// enveloped is satisfied by any event struct embedding Envelope.
type enveloped interface {
	EventEnvelope() Envelope
}

func BuildPublishDLQPayload(topic, key string, value any, err error, reason string, attempts int) DLQPublishPayload {
	out := DLQPublishPayload{
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      attempts,
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		out.Error = err.Error()
	}
	if ev, ok := value.(enveloped); ok {
		env := ev.EventEnvelope()
		out.EventID, out.EventType = env.EventID, env.EventType
	}
	if value != nil {
		raw, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", value))
		}
		out.Payload = base64.StdEncoding.EncodeToString(raw)
	}
	return out
}
