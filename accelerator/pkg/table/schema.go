package table

import (
	"fmt"
	"strings"
)

// DataType is the physical type of a column as reported by a source or accelerator.
type DataType int

const (
	Null DataType = iota
	Boolean
	Int8
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float16
	Float32
	Float64
	Decimal
	Utf8
	LargeUtf8
	Binary
	Date
	Time
	Duration
	Timestamp
	TimestampTZ
	List
	Struct
	Map
	UUID
)

var dataTypeNames = map[DataType]string{
	Null:        "Null",
	Boolean:     "Boolean",
	Int8:        "Int8",
	Int16:       "Int16",
	Int32:       "Int32",
	Int64:       "Int64",
	UInt8:       "UInt8",
	UInt16:      "UInt16",
	UInt32:      "UInt32",
	UInt64:      "UInt64",
	Float16:     "Float16",
	Float32:     "Float32",
	Float64:     "Float64",
	Decimal:     "Decimal",
	Utf8:        "Utf8",
	LargeUtf8:   "LargeUtf8",
	Binary:      "Binary",
	Date:        "Date",
	Time:        "Time",
	Duration:    "Duration",
	Timestamp:   "Timestamp",
	TimestampTZ: "TimestampTZ",
	List:        "List",
	Struct:      "Struct",
	Map:         "Map",
	UUID:        "UUID",
}

func (t DataType) String() string {
	if s, ok := dataTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

func (t DataType) IsNumeric() bool {
	return t >= Int8 && t <= Float64
}

func (t DataType) IsString() bool {
	return t == Utf8 || t == LargeUtf8
}

// Field describes one column.
type Field struct {
	Name     string
	Type     DataType
	Nullable bool
	// TimeZone is set for TimestampTZ columns when the source reports one.
	TimeZone string
}

func (f Field) String() string {
	if f.Type == TimestampTZ && f.TimeZone != "" {
		return fmt.Sprintf("Timestamp(%s)", f.TimeZone)
	}
	return f.Type.String()
}

// Schema is an ordered, immutable list of fields.
type Schema struct {
	fields []Field
	index  map[string]int
}

func NewSchema(fields ...Field) *Schema {
	s := &Schema{
		fields: append([]Field(nil), fields...),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range s.fields {
		s.index[f.Name] = i
	}
	return s
}

func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

func (s *Schema) Len() int {
	return len(s.fields)
}

// FieldByName returns the field and its position.
func (s *Schema) FieldByName(name string) (Field, int, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, -1, false
	}
	return s.fields[i], i, true
}

func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Project returns the positions of the named columns, or all positions when names is empty.
func (s *Schema) Project(names []string) ([]int, error) {
	if len(names) == 0 {
		idx := make([]int, len(s.fields))
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	idx := make([]int, len(names))
	for i, name := range names {
		j, ok := s.index[name]
		if !ok {
			return nil, fmt.Errorf("column %q not found in schema (%s)", name, strings.Join(s.Names(), ", "))
		}
		idx[i] = j
	}
	return idx, nil
}
