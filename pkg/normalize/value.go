package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Kind tags which field of a Value is set.
type Kind int

const (
	KindNumber Kind = iota + 1
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a coerced data point value.
type Value struct {
	Kind Kind
	Num  float64
	Bool bool
	Str  string
}

// Number returns a numeric Value.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// String returns a text Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Coerce converts a raw JSON value. JSON booleans and numbers keep their
// kind. Strings are trimmed; "true"/"false" in any case become booleans,
// anything ParseFloat accepts as a finite number becomes a number, and the
// rest stay strings. null, objects and arrays report ok=false.
func Coerce(raw json.RawMessage) (v Value, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Value{}, false
	}

	switch raw[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, false
		}
		return Bool(b), true
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, false
		}
		return coerceString(s), true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || math.IsInf(f, 0) {
			return Value{}, false
		}
		return Number(f), true
	default:
		// null, object, array
		return Value{}, false
	}
}

func coerceString(s string) Value {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return Number(f)
	}
	return String(s)
}

// Text renders v the way the text column stores it.
func (v Value) Text() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// Interface returns v as a plain Go value for JSON encoding.
func (v Value) Interface() any {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindString:
		return v.Str
	default:
		return nil
	}
}
