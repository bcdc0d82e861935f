package template

import (
	"encoding/json"
	"fmt"
)

// AttributeKind is the declared type of a scheduler attribute value.
type AttributeKind string

const (
	AttributeString  AttributeKind = "String"
	AttributeNumeric AttributeKind = "Numeric"
	AttributeBoolean AttributeKind = "Boolean"
)

// AttributeValue is one scheduler attribute. The scheduler requires the
// two-element array form ["String", "X86_64"] / ["Numeric", "4"] on the wire
// and in template files, so JSON marshaling produces exactly that shape.
type AttributeValue struct {
	Kind  AttributeKind
	Value string
}

// StringAttribute builds a String attribute.
func StringAttribute(value string) AttributeValue {
	return AttributeValue{Kind: AttributeString, Value: value}
}

// NumericAttribute builds a Numeric attribute.
func NumericAttribute(value string) AttributeValue {
	return AttributeValue{Kind: AttributeNumeric, Value: value}
}

// MarshalJSON encodes the attribute as ["Kind", "value"].
func (a AttributeValue) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{string(a.Kind), a.Value})
}

// UnmarshalJSON decodes the ["Kind", "value"] array form. The value element
// may be a JSON string or number.
func (a *AttributeValue) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("attribute must be a two-element array: %w", err)
	}

	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return fmt.Errorf("attribute kind must be a string: %w", err)
	}
	switch AttributeKind(kind) {
	case AttributeString, AttributeNumeric, AttributeBoolean:
	default:
		return fmt.Errorf("unknown attribute kind %q", kind)
	}

	var value string
	if err := json.Unmarshal(raw[1], &value); err != nil {
		// Numeric values are commonly written unquoted in template files.
		var num json.Number
		if numErr := json.Unmarshal(raw[1], &num); numErr != nil {
			return fmt.Errorf("attribute value must be a string or number: %w", err)
		}
		value = num.String()
	}

	a.Kind = AttributeKind(kind)
	a.Value = value
	return nil
}

// Attributes maps attribute names (ncpus, nram, type) to their typed values.
type Attributes map[string]AttributeValue
