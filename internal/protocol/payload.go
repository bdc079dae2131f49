// Package protocol defines the payload schema shared by both transports:
// five frame variants discriminated by "type", correlated by id, encoded
// with the extended JSON codec.
package protocol

import (
	"fmt"

	"github.com/leonardoventurini/helene-sub003/internal/codec"
)

// Frame type discriminators.
const (
	TypeSetup  = "setup"
	TypeMethod = "method"
	TypeResult = "result"
	TypeEvent  = "event"
	TypeError  = "error"
)

// NoChannel is the sentinel for the default/global channel. Every
// emitted event carries a channel; this is the one used when callers do
// not name one.
const NoChannel = "NO_CHANNEL"

// Payload is one wire frame. Which fields are meaningful depends on
// Type; the rest stay at their zero values and are omitted on the wire.
type Payload struct {
	Type    string
	ID      string
	Method  string
	Event   string
	Channel string
	Params  any
	Result  any
	Void    bool
	Code    string
	Message string
	Stack   string
	Errors  []string
}

// Setup builds the server-originated frame announcing the node id.
func Setup(id string) *Payload {
	return &Payload{Type: TypeSetup, ID: id}
}

// Result builds the reply to a method frame, correlated by id.
func Result(id, method string, result any) *Payload {
	return &Payload{Type: TypeResult, ID: id, Method: method, Result: result}
}

// Event builds a server-to-client event frame.
func Event(event, channel string, params any) *Payload {
	if channel == "" {
		channel = NoChannel
	}
	return &Payload{Type: TypeEvent, Event: event, Channel: channel, Params: params}
}

// ErrorFrame builds an error frame. A frame with no id is a
// transport-level notice; one with an id fills the RESULT slot for that
// call.
func ErrorFrame(id, method string, err *Error) *Payload {
	return &Payload{
		Type:    TypeError,
		ID:      id,
		Method:  method,
		Code:    err.Code,
		Message: err.Message,
		Stack:   err.Stack,
		Errors:  err.Errors,
	}
}

// Encode serialises the frame with the given codec.
func (p *Payload) Encode(c *codec.Codec) ([]byte, error) {
	m := map[string]any{"type": p.Type}
	if p.ID != "" {
		m["id"] = p.ID
	}
	if p.Method != "" {
		m["method"] = p.Method
	}
	if p.Event != "" {
		m["event"] = p.Event
	}
	if p.Channel != "" {
		m["channel"] = p.Channel
	}
	if p.Params != nil {
		m["params"] = p.Params
	}
	if p.Type == TypeResult {
		m["result"] = p.Result
	}
	if p.Void {
		m["void"] = true
	}
	if p.Code != "" {
		m["code"] = p.Code
	}
	if p.Message != "" {
		m["message"] = p.Message
	}
	if p.Stack != "" {
		m["stack"] = p.Stack
	}
	if len(p.Errors) > 0 {
		m["errors"] = p.Errors
	}
	return c.Encode(m)
}

// Decode parses one frame. Malformed input maps to PARSE_ERROR; a frame
// without a known type maps to INVALID_REQUEST.
func Decode(c *codec.Codec, data []byte) (*Payload, *Error) {
	raw, err := c.Decode(data)
	if err != nil {
		return nil, NewError(CodeParseError, "Parse Error")
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, NewError(CodeInvalidRequest, "Invalid Request")
	}

	p := &Payload{}
	p.Type, _ = m["type"].(string)
	p.ID = stringField(m, "id")
	p.Method, _ = m["method"].(string)
	p.Event, _ = m["event"].(string)
	p.Channel, _ = m["channel"].(string)
	p.Params = m["params"]
	p.Result = m["result"]
	p.Void, _ = m["void"].(bool)
	p.Code, _ = m["code"].(string)
	p.Message, _ = m["message"].(string)
	p.Stack, _ = m["stack"].(string)
	if list, ok := m["errors"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				p.Errors = append(p.Errors, s)
			}
		}
	}

	switch p.Type {
	case TypeSetup, TypeMethod, TypeResult, TypeEvent, TypeError:
		return p, nil
	default:
		return nil, NewError(CodeInvalidRequest, fmt.Sprintf("unknown payload type %q", p.Type))
	}
}

// stringField tolerates numeric correlation ids from loosely typed
// peers by rendering them back to their wire text.
func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

// WireError converts any handler failure to its wire form. *Error values
// pass through; everything else becomes INTERNAL_ERROR with the public
// message, with the stack attached only when debug is set.
func WireError(err error, debug bool, stack string) *Error {
	if werr, ok := err.(*Error); ok {
		return werr
	}
	werr := NewError(CodeInternalError, err.Error())
	if debug {
		werr.Stack = stack
	}
	return werr
}
