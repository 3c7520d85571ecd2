// Package wire defines the envelope exchanged over the socket and the
// codec that maps envelopes to wire bytes.
package wire

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrEmptyType = errors.New("envelope type is required")
)

// Reserved envelope types. Ping/pong are consumed by the heartbeat
// monitor and never reach subscribers. Subscribe/unsubscribe announce
// channel interest to the server when channels are enabled.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeAuth        = "auth"
)

// Envelope is the unit of wire transmission. The payload is opaque to
// the connection core; subscribers interpret it.
type Envelope struct {
	ID        string          `json:"id,omitempty"`        // Correlation identifier, unique among pending requests
	Type      string          `json:"type"`                // Message type tag
	Data      json.RawMessage `json:"data,omitempty"`      // Opaque payload
	Timestamp int64           `json:"timestamp,omitempty"` // Send time, Unix milliseconds
	UserID    string          `json:"userId,omitempty"`    // Originating user, if any
	Channel   string          `json:"channel,omitempty"`   // Target channel, if any

	// Response fields, present only on replies to correlated requests.
	Success   *bool      `json:"success,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	RequestID string     `json:"requestId,omitempty"` // ID of the request this answers
}

// ErrorInfo is the error detail carried by a failed response envelope.
type ErrorInfo struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// New builds an envelope of the given type with a JSON-encoded payload.
// A nil payload produces an envelope with no data field.
func New(msgType string, payload any) (*Envelope, error) {
	if msgType == "" {
		return nil, ErrEmptyType
	}

	env := &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}

	return env, nil
}

// IsHeartbeat reports whether the envelope is a ping or pong probe.
func (e *Envelope) IsHeartbeat() bool {
	return e.Type == TypePing || e.Type == TypePong
}

// IsResponse reports whether the envelope answers a correlated request.
func (e *Envelope) IsResponse() bool {
	return e.RequestID != ""
}

// Failed reports whether a response envelope carries a failure.
func (e *Envelope) Failed() bool {
	return (e.Success != nil && !*e.Success) || e.Error != nil
}

// Codec serializes envelopes to and from the wire representation.
// Implementations must be safe for concurrent use.
type Codec interface {
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

// JSONCodec is the default codec: one JSON object per text frame.
type JSONCodec struct{}

// Encode marshals the envelope to JSON.
func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	return json.Marshal(env)
}

// Decode unmarshals one wire frame into an envelope.
func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	return &env, nil
}
