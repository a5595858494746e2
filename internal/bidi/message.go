package bidi

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types carried in the "type" member of incoming frames.
const (
	MessageSuccess = "success"
	MessageError   = "error"
	MessageEvent   = "event"
)

// command is a command frame sent to the remote end.
type command struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Message is a frame received from the remote end: a command response, a
// command error, or an event.
// RawMessage keeps params and results undecoded until the receiver knows the
// type they belong to.
type Message struct {
	ID         *uint64         `json:"id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
	Stacktrace string          `json:"stacktrace,omitempty"`
}

// IsResponse reports whether m answers a command.
func (m *Message) IsResponse() bool { return m.ID != nil }

// IsEvent reports whether m is an unsolicited event.
func (m *Message) IsEvent() bool { return m.ID == nil && m.Method != "" }

// IsError reports whether m carries a command failure.
func (m *Message) IsError() bool { return m.Type == MessageError || m.Error != "" }

// Event is an unsolicited message from the remote end.
type Event struct {
	Method string
	Params json.RawMessage
}

var errMalformedFrame = errors.New("malformed frame")

func decodeMessage(buf []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedFrame, err)
	}
	if msg.ID == nil && msg.Method == "" && !msg.IsError() {
		return nil, fmt.Errorf("%w: neither id nor method set", errMalformedFrame)
	}
	return &msg, nil
}
