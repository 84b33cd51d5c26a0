package frame

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Type identifies the declared type of a column.
type Type string

// Column type constants
const (
	TypeNumber Type = "number"
	TypeText   Type = "text"
	TypeBool   Type = "bool"
	TypeTime   Type = "time"
)

// validTypes is the set of column types accepted by the codec.
var validTypes = map[Type]bool{
	TypeNumber: true,
	TypeText:   true,
	TypeBool:   true,
	TypeTime:   true,
}

// Column is a single named, typed value vector. A nil element represents a
// missing value.
type Column struct {
	Name   string
	Type   Type
	Values []any
}

// Frame is an immutable-by-convention tabular dataset. Operations that
// derive new data (Filter, Select, Head, SortBy) return new Frames and never
// modify the receiver.
type Frame struct {
	columns []Column
}

// New creates a Frame from the given columns. All columns must have unique
// names, a known type and the same length.
func New(columns ...Column) (*Frame, error) {
	seen := make(map[string]bool, len(columns))
	rows := -1
	for i := range columns {
		c := &columns[i]
		if c.Name == "" {
			return nil, fmt.Errorf("column %d has an empty name", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate column name: %s", c.Name)
		}
		seen[c.Name] = true
		if !validTypes[c.Type] {
			return nil, fmt.Errorf("column %s has unknown type: %s", c.Name, c.Type)
		}
		if rows == -1 {
			rows = len(c.Values)
		} else if len(c.Values) != rows {
			return nil, fmt.Errorf("column %s has %d values, expected %d", c.Name, len(c.Values), rows)
		}
		normalized, err := normalizeValues(c.Type, c.Values)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		c.Values = normalized
	}
	return &Frame{columns: columns}, nil
}

// normalizeValues coerces values into the canonical representation for the
// column type: float64 for numbers, string for text/time, bool for bool.
func normalizeValues(t Type, values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		switch t {
		case TypeNumber:
			n, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("value %v at row %d is not numeric", v, i)
			}
			out[i] = n
		case TypeText, TypeTime:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("value %v at row %d is not a string", v, i)
			}
			out[i] = s
		case TypeBool:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("value %v at row %d is not a bool", v, i)
			}
			out[i] = b
		}
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// NumRows returns the number of rows.
func (f *Frame) NumRows() int {
	if len(f.columns) == 0 {
		return 0
	}
	return len(f.columns[0].Values)
}

// NumColumns returns the number of columns.
func (f *Frame) NumColumns() int {
	return len(f.columns)
}

// ColumnNames returns the column names in order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.columns))
	for i, c := range f.columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the named column.
func (f *Frame) Column(name string) (Column, error) {
	for _, c := range f.columns {
		if c.Name == name {
			return c, nil
		}
	}
	return Column{}, fmt.Errorf("no such column: %s", name)
}

// Row returns the i-th row as a name-to-value map.
func (f *Frame) Row(i int) map[string]any {
	row := make(map[string]any, len(f.columns))
	for _, c := range f.columns {
		row[c.Name] = c.Values[i]
	}
	return row
}

// Rows returns all rows as name-to-value maps.
func (f *Frame) Rows() []map[string]any {
	rows := make([]map[string]any, f.NumRows())
	for i := range rows {
		rows[i] = f.Row(i)
	}
	return rows
}

// Clone returns a deep copy. The copy shares no value slices with the
// receiver, so mutation of one can never be observed through the other.
func (f *Frame) Clone() *Frame {
	columns := make([]Column, len(f.columns))
	for i, c := range f.columns {
		values := make([]any, len(c.Values))
		copy(values, c.Values)
		columns[i] = Column{Name: c.Name, Type: c.Type, Values: values}
	}
	return &Frame{columns: columns}
}

// Filter returns a new Frame holding only the rows for which keep returns
// true.
func (f *Frame) Filter(keep func(row map[string]any) bool) *Frame {
	var indices []int
	for i := 0; i < f.NumRows(); i++ {
		if keep(f.Row(i)) {
			indices = append(indices, i)
		}
	}
	return f.take(indices)
}

// Select returns a new Frame holding only the named columns, in the given
// order.
func (f *Frame) Select(names ...string) (*Frame, error) {
	columns := make([]Column, 0, len(names))
	for _, name := range names {
		c, err := f.Column(name)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(c.Values))
		copy(values, c.Values)
		columns = append(columns, Column{Name: c.Name, Type: c.Type, Values: values})
	}
	return &Frame{columns: columns}, nil
}

// Head returns a new Frame holding the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n < 0 {
		n = 0
	}
	if n > f.NumRows() {
		n = f.NumRows()
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return f.take(indices)
}

// SortBy returns a new Frame with rows ordered by the named column. Missing
// values sort last regardless of direction. The sort is stable.
func (f *Frame) SortBy(name string, ascending bool) (*Frame, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	indices := make([]int, f.NumRows())
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		va, vb := col.Values[indices[a]], col.Values[indices[b]]
		if va == nil {
			return false
		}
		if vb == nil {
			return true
		}
		less := lessValue(col.Type, va, vb)
		if ascending {
			return less
		}
		return lessValue(col.Type, vb, va)
	})
	return f.take(indices), nil
}

func lessValue(t Type, a, b any) bool {
	switch t {
	case TypeNumber:
		return a.(float64) < b.(float64)
	case TypeBool:
		return !a.(bool) && b.(bool)
	default:
		return a.(string) < b.(string)
	}
}

// take builds a new Frame from the given row indices.
func (f *Frame) take(indices []int) *Frame {
	columns := make([]Column, len(f.columns))
	for i, c := range f.columns {
		values := make([]any, len(indices))
		for j, idx := range indices {
			values[j] = c.Values[idx]
		}
		columns[i] = Column{Name: c.Name, Type: c.Type, Values: values}
	}
	return &Frame{columns: columns}
}

// Sum returns the sum of the non-missing values of a numeric column.
func (f *Frame) Sum(name string) (float64, error) {
	values, err := f.numericValues(name)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total, nil
}

// Mean returns the mean of the non-missing values of a numeric column.
func (f *Frame) Mean(name string) (float64, error) {
	values, err := f.numericValues(name)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("column %s has no values to average", name)
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values)), nil
}

// Min returns the smallest non-missing value of a numeric column.
func (f *Frame) Min(name string) (float64, error) {
	values, err := f.numericValues(name)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("column %s has no values", name)
	}
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min, nil
}

// Max returns the largest non-missing value of a numeric column.
func (f *Frame) Max(name string) (float64, error) {
	values, err := f.numericValues(name)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("column %s has no values", name)
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max, nil
}

// CountNonNull returns the number of non-missing values in a column.
func (f *Frame) CountNonNull(name string) (int, error) {
	c, err := f.Column(name)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, v := range c.Values {
		if v != nil {
			count++
		}
	}
	return count, nil
}

// Unique returns the distinct non-missing values of a column in first-seen
// order.
func (f *Frame) Unique(name string) ([]any, error) {
	c, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	seen := make(map[any]bool)
	var out []any
	for _, v := range c.Values {
		if v == nil || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

func (f *Frame) numericValues(name string) ([]float64, error) {
	c, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	if c.Type != TypeNumber {
		return nil, fmt.Errorf("column %s is not numeric (type %s)", name, c.Type)
	}
	values := make([]float64, 0, len(c.Values))
	for _, v := range c.Values {
		if v == nil {
			continue
		}
		values = append(values, v.(float64))
	}
	return values, nil
}

// String returns a short human-readable summary.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame(%d rows × %d columns: %s)",
		f.NumRows(), f.NumColumns(), strings.Join(f.ColumnNames(), ", "))
}
