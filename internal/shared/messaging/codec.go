package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var errInvalidJSON = errors.New("invalid json")

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// EncodeBatch wraps already-encoded envelopes into a batch frame.
// Order of msgs is preserved on the wire.
func EncodeBatch(msgs [][]byte) ([]byte, error) {
	frame := BatchFrame{Type: TypeBatch, Messages: make([]json.RawMessage, len(msgs))}
	for i, m := range msgs {
		frame.Messages[i] = m
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

// Decode parses a single envelope. Malformed JSON or a missing type is a
// protocol error with code INVALID_MESSAGE.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, NewProtocolError(CodeInvalidMessage, "malformed envelope", err)
	}
	if env.Type == "" {
		return Envelope{}, NewProtocolError(CodeInvalidMessage, "envelope has no type", nil)
	}
	return env, nil
}

// DecodeFrame parses a frame that is either a single envelope or a batch
// frame and returns the envelopes in wire order.
func DecodeFrame(data []byte) ([]Envelope, error) {
	var probe struct {
		Type     string            `json:"type"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, NewProtocolError(CodeInvalidMessage, "malformed frame", err)
	}
	if probe.Type != TypeBatch {
		env, err := Decode(data)
		if err != nil {
			return nil, err
		}
		return []Envelope{env}, nil
	}

	out := make([]Envelope, 0, len(probe.Messages))
	for i, raw := range probe.Messages {
		env, err := Decode(raw)
		if err != nil {
			return out, fmt.Errorf("batch message %d: %w", i, err)
		}
		out = append(out, env)
	}
	return out, nil
}

// DecodeTopics extracts data.topics from a subscribe/unsubscribe envelope.
func DecodeTopics(env Envelope) ([]string, error) {
	if len(bytes.TrimSpace(env.Data)) == 0 {
		return nil, NewProtocolError(CodeInvalidMessage, "missing data.topics", nil)
	}
	var p TopicsPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, NewProtocolError(CodeInvalidMessage, "data.topics must be a string array", err)
	}
	return p.Topics, nil
}
