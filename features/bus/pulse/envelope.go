package pulse

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/loom/runtime/bus"
	"goa.design/loom/runtime/message"
)

// Metadata keys stamped by the bridge on tasks it carries.
const (
	// MetadataOrigin names the bridge that first forwarded a task. A task
	// carrying a foreign origin is never forwarded again, which stops echo
	// loops between bridges sharing a stream.
	MetadataOrigin = "origin"
	// MetadataReplyTo names the Pulse stream a remote request expects its
	// reply on.
	MetadataReplyTo = "reply_to"
)

// Event names used on bridge streams.
const (
	eventTask    = "task"
	eventRequest = "request"
	eventReply   = "reply"
)

// Payload kinds carried in envelopes. Messages are decoded back into
// *message.Message so subscribers on the receiving side, the memory store
// included, see the same payload type they would locally.
const (
	payloadKindMessage = "message"
	payloadKindJSON    = "json"
)

// envelope is the wire form of a task on a bridge stream. Reply envelopes
// reuse the same shape with either the response task fields or the error
// fields populated.
type envelope struct {
	Action        string          `json:"action,omitempty"`
	Target        string          `json:"target,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Origin        string          `json:"origin"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	PayloadKind   string          `json:"payload_kind,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DeadlineMS    int64           `json:"deadline_ms,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// encodeTask builds the wire envelope for a task forwarded by the bridge
// named origin. The task itself is never mutated; metadata is copied.
func encodeTask(task *bus.Task, origin string) (envelope, error) {
	env := envelope{
		Action:        task.Action,
		Target:        task.Target,
		SessionID:     task.SessionID,
		CorrelationID: task.CorrelationID,
		Origin:        origin,
		Metadata:      cloneMetadata(task.Metadata),
		Timestamp:     time.Now().UTC(),
	}
	switch p := task.Payload.(type) {
	case nil:
	case *message.Message:
		raw, err := json.Marshal(p)
		if err != nil {
			return envelope{}, fmt.Errorf("marshal message payload: %w", err)
		}
		env.PayloadKind = payloadKindMessage
		env.Payload = raw
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		env.PayloadKind = payloadKindJSON
		env.Payload = raw
	}
	return env, nil
}

// task reconstructs the bus task carried by the envelope. The sending
// bridge's origin is stamped into the metadata so receiving bridges do not
// forward the task back onto the stream.
func (e envelope) task() (*bus.Task, error) {
	task := &bus.Task{
		Action:        e.Action,
		Target:        e.Target,
		SessionID:     e.SessionID,
		CorrelationID: e.CorrelationID,
		Metadata:      make(map[string]any, len(e.Metadata)+1),
	}
	for k, v := range e.Metadata {
		task.Metadata[k] = v
	}
	task.Metadata[MetadataOrigin] = e.Origin
	switch e.PayloadKind {
	case "":
	case payloadKindMessage:
		var msg message.Message
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message payload: %w", err)
		}
		task.Payload = &msg
	case payloadKindJSON:
		var v any
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		task.Payload = v
	default:
		return nil, fmt.Errorf("unknown payload kind %q", e.PayloadKind)
	}
	return task, nil
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// taskStreamID returns the Pulse stream carrying forwarded tasks.
func taskStreamID(prefix string) string {
	return prefix + ":tasks"
}

// requestStreamID returns the Pulse stream carrying remote requests. One
// shared consumer group reads it so each request is claimed exactly once.
func requestStreamID(prefix string) string {
	return prefix + ":requests"
}

// replyStreamID returns the short-lived per-request reply stream.
func replyStreamID(prefix, correlationID string) string {
	return fmt.Sprintf("%s:reply:%s", prefix, correlationID)
}
