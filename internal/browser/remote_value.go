package browser

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
)

// RemoteValue is a value returned by script evaluation. It is one of
// Undefined, Null, Primitive or RemoteReference.
type RemoteValue interface {
	remoteValue()
}

// Undefined is the JavaScript undefined value.
type Undefined struct{}

// Null is the JavaScript null value.
type Null struct{}

// Primitive is a string, number, boolean or bigint. Value holds a string,
// a float64, a bool or a *big.Int respectively.
type Primitive struct {
	Type  string
	Value any
}

// RemoteReference is any non-primitive value: objects, arrays, nodes,
// functions and so on. Handle is set when the remote end keeps the object
// alive for us; it must be released with Handle.Dispose.
type RemoteReference struct {
	Type       string
	SharedID   string
	InternalID string
	Value      json.RawMessage
	Handle     *Handle
}

func (Undefined) remoteValue()       {}
func (Null) remoteValue()            {}
func (Primitive) remoteValue()       {}
func (*RemoteReference) remoteValue() {}

type wireRemoteValue struct {
	Type       string          `json:"type"`
	Value      json.RawMessage `json:"value,omitempty"`
	Handle     string          `json:"handle,omitempty"`
	SharedID   string          `json:"sharedId,omitempty"`
	InternalID string          `json:"internalId,omitempty"`
}

func decodeRemoteValue(raw json.RawMessage) (RemoteValue, *wireRemoteValue, error) {
	var w wireRemoteValue
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, nil, fmt.Errorf("decoding remote value: %w", err)
	}

	switch w.Type {
	case "undefined":
		return Undefined{}, &w, nil
	case "null":
		return Null{}, &w, nil
	case "string":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return nil, nil, fmt.Errorf("decoding string value: %w", err)
		}
		return Primitive{Type: w.Type, Value: s}, &w, nil
	case "boolean":
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return nil, nil, fmt.Errorf("decoding boolean value: %w", err)
		}
		return Primitive{Type: w.Type, Value: b}, &w, nil
	case "number":
		f, err := decodeNumber(w.Value)
		if err != nil {
			return nil, nil, err
		}
		return Primitive{Type: w.Type, Value: f}, &w, nil
	case "bigint":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return nil, nil, fmt.Errorf("decoding bigint value: %w", err)
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, nil, fmt.Errorf("invalid bigint value %q", s)
		}
		return Primitive{Type: w.Type, Value: n}, &w, nil
	case "":
		return nil, nil, fmt.Errorf("remote value without type: %s", raw)
	}

	return &RemoteReference{
		Type:       w.Type,
		SharedID:   w.SharedID,
		InternalID: w.InternalID,
		Value:      w.Value,
	}, &w, nil
}

func decodeNumber(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("decoding number value: %w", err)
	}
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "-0":
		return math.Copysign(0, -1), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return 0, fmt.Errorf("invalid number value %q", s)
}

// Truthy applies JavaScript truthiness to v.
func Truthy(v RemoteValue) bool {
	switch v := v.(type) {
	case Primitive:
		switch x := v.Value.(type) {
		case string:
			return x != ""
		case bool:
			return x
		case float64:
			return x != 0 && !math.IsNaN(x)
		case *big.Int:
			return x.Sign() != 0
		}
		return false
	case *RemoteReference:
		return true
	}
	return false
}

// Export converts v to a value encoding/json can marshal. Special numbers
// are exported as their JavaScript spelling.
func Export(v RemoteValue) any {
	switch v := v.(type) {
	case Primitive:
		switch x := v.Value.(type) {
		case float64:
			switch {
			case math.IsNaN(x):
				return "NaN"
			case math.IsInf(x, 1):
				return "Infinity"
			case math.IsInf(x, -1):
				return "-Infinity"
			}
			return x
		case *big.Int:
			return x.String()
		}
		return v.Value
	case *RemoteReference:
		out := map[string]any{"type": v.Type}
		if len(v.Value) > 0 {
			out["value"] = v.Value
		}
		return out
	}
	return nil
}

// localValue encodes a Go value as a script argument.
func localValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, Null:
		return map[string]any{"type": "null"}, nil
	case Undefined:
		return map[string]any{"type": "undefined"}, nil
	case string:
		return map[string]any{"type": "string", "value": x}, nil
	case bool:
		return map[string]any{"type": "boolean", "value": x}, nil
	case int:
		return map[string]any{"type": "number", "value": x}, nil
	case int64:
		return map[string]any{"type": "number", "value": x}, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return map[string]any{"type": "number", "value": Export(Primitive{Type: "number", Value: x})}, nil
		}
		return map[string]any{"type": "number", "value": x}, nil
	case *big.Int:
		return map[string]any{"type": "bigint", "value": x.String()}, nil
	case Primitive:
		return localValue(x.Value)
	case *RemoteReference:
		switch {
		case x.Handle != nil:
			return map[string]any{"handle": x.Handle.ID()}, nil
		case x.SharedID != "":
			return map[string]any{"sharedId": x.SharedID}, nil
		}
		return nil, fmt.Errorf("%s reference has no handle", x.Type)
	}
	return nil, fmt.Errorf("unsupported argument type %T", v)
}
