package span

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindString
	KindNumber
	KindBool
)

// Value is a scalar attribute value. KindInvalid holds the raw input of a
// value that was neither string, number nor bool.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

func StringValue(v string) Value  { return Value{Kind: KindString, Str: v} }
func NumberValue(v float64) Value { return Value{Kind: KindNumber, Num: v} }
func BoolValue(v bool) Value      { return Value{Kind: KindBool, Bool: v} }

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty attribute value")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n float64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return err
		}
		*v = NumberValue(n)
	default:
		*v = Value{Kind: KindInvalid, Str: string(trimmed)}
	}
	return nil
}

type Attribute struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// Attributes is an ordered key/value list. Keys are unique; Set replaces in
// place so insertion order is kept.
type Attributes []Attribute

func (a Attributes) Get(key string) (Value, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return Value{}, false
}

func (a *Attributes) Set(key string, value Value) {
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Attribute{Key: key, Value: value})
}

func (a *Attributes) dropInvalid() int {
	if a == nil || len(*a) == 0 {
		return 0
	}
	kept := (*a)[:0]
	dropped := 0
	for _, attr := range *a {
		if attr.Value.Kind == KindInvalid {
			dropped++
			continue
		}
		kept = append(kept, attr)
	}
	*a = kept
	return dropped
}
