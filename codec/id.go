package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type idKind uint8

const (
	idNull idKind = iota
	idNumber
	idString
)

// ID is a JSON-RPC request id. Agents may use numbers or strings; the form
// is preserved so responses echo it exactly. The zero ID is null.
type ID struct {
	kind idKind
	num  int64
	str  string
}

// NumberID returns a numeric id.
func NumberID(n int64) ID { return ID{kind: idNumber, num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{kind: idString, str: s} }

// IsNull reports whether the id is JSON null (or absent).
func (id ID) IsNull() bool { return id.kind == idNull }

// Int returns the numeric value of a number id.
func (id ID) Int() (int64, bool) {
	return id.num, id.kind == idNumber
}

// String renders the id for logs and map keys. Number and string ids never
// collide: string ids are quoted.
func (id ID) String() string {
	switch id.kind {
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	case idString:
		return strconv.Quote(id.str)
	default:
		return "null"
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idNumber:
		return strconv.AppendInt(nil, id.num, 10), nil
	case idString:
		return json.Marshal(id.str)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ID{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %s: must be a string or integer", data)
		}
		*id = NumberID(n)
		return nil
	}
}
