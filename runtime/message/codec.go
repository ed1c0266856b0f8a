package message

import (
	"encoding/json"
	"fmt"
)

// Encode serializes the message to JSON. When includeHistory is false the
// causal chain is omitted; everything else round-trips losslessly through
// Decode. Timestamps are UTC RFC3339 with nanosecond precision.
func (m *Message) Encode(includeHistory bool) ([]byte, error) {
	if includeHistory {
		return json.Marshal(m)
	}
	out := m.clone()
	out.History = nil
	return json.Marshal(out)
}

// Decode deserializes a message produced by Encode and checks its structural
// invariants.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
