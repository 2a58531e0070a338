package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/dmora/acpmux/acp"
)

// Kind classifies a DecodeError.
type Kind int

const (
	// KindFraming is a frame that is not a valid JSON-RPC message. The
	// stream cannot be trusted afterwards.
	KindFraming Kind = iota + 1

	// KindSemantic is a well-formed message for a method the client does
	// not implement. The message is still returned.
	KindSemantic
)

func (k Kind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindSemantic:
		return "semantic"
	default:
		return "unknown"
	}
}

// DecodeError reports why a frame could not be decoded.
type DecodeError struct {
	Kind   Kind
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("codec: %s error: %s: %v", e.Kind, e.Method, e.Err)
	}
	return fmt.Sprintf("codec: %s error: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Fatal reports whether the error ends the session.
func (e *DecodeError) Fatal() bool { return e.Kind == KindFraming }

// ErrUnknownMethod is wrapped by semantic decode errors.
var ErrUnknownMethod = errors.New("unknown method")

// IsSemantic reports whether err is a non-fatal semantic decode error.
func IsSemantic(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == KindSemantic
}

// --- Encode ---

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type wireError struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Error   *Error `json:"error"`
}

// Encode serializes msg without a trailing delimiter.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		if m.Method == "" {
			return nil, errors.New("codec: request without method")
		}
		id := m.ID
		return json.Marshal(wireRequest{JSONRPC: Version, ID: &id, Method: m.Method, Params: m.Params})
	case *Notification:
		if m.Method == "" {
			return nil, errors.New("codec: notification without method")
		}
		return json.Marshal(wireRequest{JSONRPC: Version, Method: m.Method, Params: m.Params})
	case *Response:
		if m.Error != nil {
			return json.Marshal(wireError{JSONRPC: Version, ID: m.ID, Error: m.Error})
		}
		result := m.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return json.Marshal(wireResult{JSONRPC: Version, ID: m.ID, Result: result})
	case nil:
		return nil, errors.New("codec: nil message")
	default:
		return nil, fmt.Errorf("codec: unsupported message type %T", msg)
	}
}

// --- Decode ---

// Decode parses one frame. On a semantic error the decoded message is
// returned alongside the error; on a framing error the message is nil.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, framing("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		if root.IsArray() {
			return nil, framing("batch messages are not supported")
		}
		return nil, framing("message is not an object")
	}

	if v := root.Get("jsonrpc"); v.Exists() && v.String() != Version {
		return nil, framing(fmt.Sprintf("unsupported jsonrpc version %q", v.Raw))
	}

	idField := root.Get("id")
	methodField := root.Get("method")
	hasResult := root.Get("result").Exists()
	hasError := root.Get("error").Exists()

	var id ID
	if idField.Exists() {
		if err := id.UnmarshalJSON([]byte(idField.Raw)); err != nil {
			return nil, framing(err.Error())
		}
	}

	if methodField.Exists() {
		if methodField.Type != gjson.String || methodField.String() == "" {
			return nil, framing("method must be a non-empty string")
		}
		if hasResult || hasError {
			return nil, framing("message has both method and result/error")
		}
		method := methodField.String()
		params := rawField(root, "params")

		var msg Message
		if idField.Exists() && !id.IsNull() {
			msg = &Request{ID: id, Method: method, Params: params}
		} else {
			msg = &Notification{Method: method, Params: params}
		}
		if !acp.IsInboundMethod(method) {
			return msg, &DecodeError{Kind: KindSemantic, Method: method, Err: ErrUnknownMethod}
		}
		return msg, nil
	}

	if !idField.Exists() {
		return nil, framing("message has neither id nor method")
	}
	switch {
	case hasResult && hasError:
		return nil, framing("response has both result and error")
	case hasError:
		var e Error
		if err := json.Unmarshal([]byte(root.Get("error").Raw), &e); err != nil {
			return nil, framing("invalid error object: " + err.Error())
		}
		return &Response{ID: id, Error: &e}, nil
	case hasResult:
		return &Response{ID: id, Result: rawField(root, "result")}, nil
	default:
		return nil, framing("response has neither result nor error")
	}
}

func rawField(root gjson.Result, name string) json.RawMessage {
	v := root.Get(name)
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}

func framing(reason string) *DecodeError {
	return &DecodeError{Kind: KindFraming, Err: errors.New(reason)}
}
