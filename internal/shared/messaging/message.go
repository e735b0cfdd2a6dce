package messaging

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope types understood by server and client.
const (
	TypeEvent       = "event"
	TypeBatch       = "batch"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// ErrorPayload is the error member of an Envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Envelope is the atomic unit of the wire protocol.
//
// Wire format:
//
//	{"type":"event","id":"...","timestamp":1700000000000,"topic":"task:progress","data":{...}}
//
// Heartbeats carry only the type: {"type":"ping"} / {"type":"pong"}.
// Envelopes are built by the constructors below and treated as values;
// Data is copied on construction so callers cannot mutate a sent message.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	Topic     string          `json:"topic,omitempty"`
}

// BatchFrame aggregates one connection's pending envelopes.
// Messages are already-encoded envelopes so a publish is serialized once
// no matter how many subscribers or frames it ends up in.
type BatchFrame struct {
	Type     string            `json:"type"`
	Messages []json.RawMessage `json:"messages"`
}

// TopicsPayload is the data member of subscribe/unsubscribe requests and responses.
type TopicsPayload struct {
	Topics []string `json:"topics"`
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.NewString()
}

// NewEnvelope builds an envelope with a fresh id. payload may be nil, a
// json.RawMessage / []byte holding JSON, or any value encoding/json accepts.
func NewEnvelope(msgType, topic string, payload any, now time.Time) (Envelope, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, NewProtocolError(CodeInvalidMessage, "payload is not valid JSON", err)
	}
	return Envelope{
		Type:      msgType,
		ID:        NewID(),
		Timestamp: now.UnixMilli(),
		Data:      data,
		Topic:     topic,
	}, nil
}

// NewEvent builds a topic event envelope as produced by the broker.
func NewEvent(topic string, payload any, now time.Time) (Envelope, error) {
	return NewEnvelope(TypeEvent, topic, payload, now)
}

// NewError builds an error envelope. refID is the id of the message that
// triggered the error; a fresh id is used when it is empty.
func NewError(refID, code, message string, now time.Time) Envelope {
	if refID == "" {
		refID = NewID()
	}
	return Envelope{
		Type:      TypeError,
		ID:        refID,
		Timestamp: now.UnixMilli(),
		Error:     &ErrorPayload{Code: code, Message: message},
	}
}

// NewSubscriptionResponse answers a subscribe/unsubscribe request. The
// response keeps the request type and id and lists the resulting topic set.
func NewSubscriptionResponse(msgType, refID string, topics []string, now time.Time) Envelope {
	if topics == nil {
		topics = []string{}
	}
	data, _ := json.Marshal(TopicsPayload{Topics: topics})
	if refID == "" {
		refID = NewID()
	}
	return Envelope{
		Type:      msgType,
		ID:        refID,
		Timestamp: now.UnixMilli(),
		Data:      data,
	}
}

// NewSubscriptionRequest is the client side of NewSubscriptionResponse.
func NewSubscriptionRequest(msgType string, topics []string, now time.Time) Envelope {
	return NewSubscriptionResponse(msgType, NewID(), topics, now)
}

// NewPing returns the bare heartbeat ping.
func NewPing() Envelope { return Envelope{Type: TypePing} }

// NewPong returns the bare heartbeat pong.
func NewPong() Envelope { return Envelope{Type: TypePong} }

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return cloneJSON(p)
	case []byte:
		return cloneJSON(p)
	default:
		return json.Marshal(p)
	}
}

func cloneJSON(raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errInvalidJSON
	}
	return bytes.Clone(raw), nil
}
