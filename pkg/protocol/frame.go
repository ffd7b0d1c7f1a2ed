// Package protocol defines the JSON frame types spoken over the gateway's
// duplex WebSocket connection.
package protocol

import (
	"encoding/json"
)

// Kind discriminates the three frame shapes on the wire.
type Kind string

const (
	KindRequest  Kind = "req"
	KindResponse Kind = "res"
	KindEvent    Kind = "event"
)

// Frame is the envelope for all traffic on the duplex connection.
//
// Requests carry ID, Method and Params. Responses carry ID, OK and either
// Payload or Error. Events are server-initiated and carry Name and Payload
// with no ID.
type Frame struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Name    string          `json:"name,omitempty"`
}

// FrameError is the error half of a failed response.
type FrameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *FrameError) String() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NewRequest builds a request frame with the given id and marshaled params.
func NewRequest(id, method string, params any) (*Frame, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Kind:   KindRequest,
		ID:     id,
		Method: method,
		Params: data,
	}, nil
}

// NewResponse builds a successful response frame for the given request id.
func NewResponse(id string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Kind:    KindResponse,
		ID:      id,
		OK:      true,
		Payload: data,
	}, nil
}

// NewErrorResponse builds a failed response frame for the given request id.
func NewErrorResponse(id, code, message string) *Frame {
	return &Frame{
		Kind:  KindResponse,
		ID:    id,
		OK:    false,
		Error: &FrameError{Code: code, Message: message},
	}
}

// NewEvent builds a server-initiated event frame.
func NewEvent(name string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Kind:    KindEvent,
		Name:    name,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the frame payload into v. A nil payload is a no-op.
func (f *Frame) ParsePayload(v any) error {
	if f.Payload == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// ParseParams unmarshals the frame params into v. Nil params are a no-op.
func (f *Frame) ParseParams(v any) error {
	if f.Params == nil {
		return nil
	}
	return json.Unmarshal(f.Params, v)
}
