package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/ha1tch/olumine/pkg/metadata"
)

type storedObject struct {
	ID      int64                      `json:"id"`
	Classes []string                   `json:"classes"`
	Fields  map[string]json.RawMessage `json:"fields,omitempty"`
}

type storedRef struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

const refMarker = "REF"

// EncodeObject serializes an object into its stored JSON document.
func EncodeObject(o *Object) ([]byte, error) {
	so := storedObject{
		ID:      o.ID,
		Classes: o.Classes.Sorted(),
		Fields:  make(map[string]json.RawMessage, len(o.fields)),
	}
	for name, v := range o.fields {
		var raw []byte
		var err error
		switch val := v.(type) {
		case *Reference:
			raw, err = json.Marshal(storedRef{Type: refMarker, ID: val.ID})
		case []*Reference:
			refs := make([]storedRef, len(val))
			for i, r := range val {
				refs[i] = storedRef{Type: refMarker, ID: r.ID}
			}
			raw, err = json.Marshal(refs)
		default:
			raw, err = json.Marshal(val)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", name, err)
		}
		so.Fields[name] = raw
	}
	return json.Marshal(so)
}

// DecodeObject parses a stored JSON document, typing each field by the model.
func DecodeObject(model *metadata.Model, data []byte) (*Object, error) {
	var so storedObject
	if err := json.Unmarshal(data, &so); err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}

	o := NewObject(so.ID, so.Classes...)
	for _, c := range so.Classes {
		if !model.HasClass(c) {
			return nil, fmt.Errorf("%w: %s in object %d", metadata.ErrUnknownClass, c, so.ID)
		}
	}
	fields := model.FieldsFor(o.Classes)

	for name, raw := range so.Fields {
		fd, ok := fields[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s in object %d", metadata.ErrUnknownField, name, so.ID)
		}
		switch fd.Kind {
		case metadata.Reference:
			var ref storedRef
			if err := json.Unmarshal(raw, &ref); err != nil {
				return nil, fmt.Errorf("failed to decode reference %s: %w", name, err)
			}
			o.SetRef(name, Unresolved(ref.ID))
		case metadata.Collection:
			var refs []storedRef
			if err := json.Unmarshal(raw, &refs); err != nil {
				return nil, fmt.Errorf("failed to decode collection %s: %w", name, err)
			}
			members := make([]*Reference, len(refs))
			for i, r := range refs {
				members[i] = Unresolved(r.ID)
			}
			o.SetCollection(name, members)
		default:
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			var v interface{}
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("failed to decode attribute %s: %w", name, err)
			}
			value, err := CoerceAttribute(fd.Type, v)
			if err != nil {
				return nil, fmt.Errorf("attribute %s: %w", name, err)
			}
			o.Set(name, value)
		}
	}
	return o, nil
}

// CoerceAttribute converts a raw value into the canonical Go type for an
// attribute type: string, int64, bool or float64.
func CoerceAttribute(typ string, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case metadata.TypeString:
		switch val := v.(type) {
		case string:
			return val, nil
		case []byte:
			return string(val), nil
		}
	case metadata.TypeInt, metadata.TypeBigInt:
		switch val := v.(type) {
		case int64:
			return val, nil
		case int:
			return int64(val), nil
		case int32:
			return int64(val), nil
		case float64:
			if val == math.Trunc(val) {
				return int64(val), nil
			}
		case json.Number:
			return val.Int64()
		case []byte:
			return strconv.ParseInt(string(val), 10, 64)
		case string:
			return strconv.ParseInt(val, 10, 64)
		}
	case metadata.TypeBoolean:
		switch val := v.(type) {
		case bool:
			return val, nil
		case int64:
			return val != 0, nil
		case int:
			return val != 0, nil
		}
	case metadata.TypeFloat:
		switch val := v.(type) {
		case float64:
			return val, nil
		case float32:
			return float64(val), nil
		case int64:
			return float64(val), nil
		case int:
			return float64(val), nil
		case json.Number:
			return val.Float64()
		}
	}
	return nil, fmt.Errorf("cannot use %v (%T) as %s", v, v, typ)
}
