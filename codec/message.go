// Package codec encodes and decodes JSON-RPC 2.0 messages exchanged with an
// agent. It is stateless: framing belongs to the transport, correlation to
// the correlate package.
//
// A decoded frame is one of three variants:
//
//	*Request       has id and method, expects a Response
//	*Response      has id and result or error
//	*Notification  has method, no id, no reply
//
// Requests and notifications for methods the client does not implement are
// still returned, together with a semantic *DecodeError, so the caller can
// apply its forward-compatibility policy instead of failing.
package codec

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version spoken.
const Version = "2.0"

// Standard and implementation-defined JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeApplication is a generic handler failure.
	CodeApplication = -32000

	// CodeTransportClosed is synthesized for requests pending when the
	// agent process went away.
	CodeTransportClosed = -32001

	// CodeTimeout is synthesized for requests that got no response in time.
	CodeTimeout = -32002

	// CodeRequestCancelled is used when the client abandons a request.
	CodeRequestCancelled = -32800
)

// Message is a decoded JSON-RPC message: *Request, *Response or
// *Notification.
type Message interface {
	isMessage()
}

// Request is a call that expects exactly one Response with the same ID.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

// Response answers the Request with the same ID. Exactly one of Result and
// Error is meaningful; a nil Error means success.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *Error
}

// Notification is a one-way message.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a Request, marshaling params. A nil params is omitted.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("codec: %s params: %w", method, err)
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification, marshaling params.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("codec: %s params: %w", method, err)
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResult builds a success Response, marshaling result. A nil result is
// encoded as JSON null.
func NewResult(id ID, result any) (*Response, error) {
	if result == nil {
		return &Response{ID: id, Result: json.RawMessage("null")}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewError builds an error Response.
func NewError(id ID, code int, message string) *Response {
	return &Response{ID: id, Error: &Error{Code: code, Message: message}}
}

// Failure synthesizes an error Response locally, for callers whose request
// can no longer be answered by the agent.
func Failure(id ID, code int, err error) *Response {
	return NewError(id, code, err.Error())
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
