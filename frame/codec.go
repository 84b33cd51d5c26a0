package frame

import (
	"encoding/json"
	"fmt"
)

// wireFrame is the columnar interchange encoding of a Frame. It is the only
// representation that crosses the sandbox boundary.
type wireFrame struct {
	Columns []wireColumn `json:"columns"`
}

type wireColumn struct {
	Name   string `json:"name"`
	Type   Type   `json:"type"`
	Values []any  `json:"values"`
}

// MarshalJSON encodes the Frame in the columnar interchange format.
func (f *Frame) MarshalJSON() ([]byte, error) {
	wire := wireFrame{Columns: make([]wireColumn, len(f.columns))}
	for i, c := range f.columns {
		values := c.Values
		if values == nil {
			values = []any{}
		}
		wire.Columns[i] = wireColumn{Name: c.Name, Type: c.Type, Values: values}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the columnar interchange format, validating column
// shapes and types.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var wire wireFrame
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	columns := make([]Column, len(wire.Columns))
	for i, c := range wire.Columns {
		columns[i] = Column{Name: c.Name, Type: c.Type, Values: c.Values}
	}
	decoded, err := New(columns...)
	if err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	f.columns = decoded.columns
	return nil
}

// Decode deserializes an interchange payload into a new Frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
