package changes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

var ErrTombstone = errors.New("tombstone record")

// envelope is a Debezium change event, with or without the schema wrapper.
type envelope struct {
	Payload *envelope                  `json:"payload"`
	Op      string                     `json:"op"`
	Before  map[string]json.RawMessage `json:"before"`
	After   map[string]json.RawMessage `json:"after"`
}

// Decoder converts Debezium JSON change events into table changes for schema.
type Decoder struct {
	schema     *table.Schema
	primaryKey []string
	keyIdx     []int
}

func NewDecoder(schema *table.Schema, primaryKey []string) (*Decoder, error) {
	if len(primaryKey) == 0 {
		return nil, errors.New("primary key is required")
	}
	idx, err := schema.Project(primaryKey)
	if err != nil {
		return nil, fmt.Errorf("invalid primary key: %w", err)
	}
	return &Decoder{schema: schema, primaryKey: primaryKey, keyIdx: idx}, nil
}

func (d *Decoder) PrimaryKey() []string {
	return d.primaryKey
}

// Decode parses one event. Empty values are Kafka tombstones and return ErrTombstone.
func (d *Decoder) Decode(value []byte) (table.Change, error) {
	if len(bytes.TrimSpace(value)) == 0 || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return table.Change{}, ErrTombstone
	}
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return table.Change{}, fmt.Errorf("failed to decode change event: %w", err)
	}
	if env.Payload != nil {
		env = *env.Payload
	}

	switch env.Op {
	case "c", "r", "u":
		if env.After == nil {
			return table.Change{}, fmt.Errorf("%q event has no after image", env.Op)
		}
		row, err := d.row(env.After)
		if err != nil {
			return table.Change{}, err
		}
		op := table.ChangeInsert
		if env.Op == "u" {
			op = table.ChangeUpdate
		}
		return table.Change{Op: op, Key: row.Project(d.keyIdx), Data: row}, nil
	case "d":
		if env.Before == nil {
			return table.Change{}, errors.New("delete event has no before image")
		}
		key := make(table.Row, len(d.keyIdx))
		for i, pos := range d.keyIdx {
			f := d.schema.Fields()[pos]
			v, err := decodeValue(f, env.Before[f.Name])
			if err != nil {
				return table.Change{}, err
			}
			key[i] = v
		}
		return table.Change{Op: table.ChangeDelete, Key: key}, nil
	default:
		return table.Change{}, fmt.Errorf("unsupported change operation %q", env.Op)
	}
}

func (d *Decoder) row(image map[string]json.RawMessage) (table.Row, error) {
	row := make(table.Row, d.schema.Len())
	for i, f := range d.schema.Fields() {
		v, err := decodeValue(f, image[f.Name])
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func decodeValue(f table.Field, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var err error
	var v any
	switch f.Type {
	case table.Boolean:
		var b bool
		err = json.Unmarshal(raw, &b)
		v = b
	case table.Int8, table.Int16, table.Int32, table.Int64:
		var n int64
		err = json.Unmarshal(raw, &n)
		v = n
	case table.UInt8, table.UInt16, table.UInt32, table.UInt64:
		var n uint64
		err = json.Unmarshal(raw, &n)
		v = n
	case table.Float16, table.Float32, table.Float64, table.Decimal:
		var n float64
		err = json.Unmarshal(raw, &n)
		v = n
	case table.Date, table.Timestamp, table.TimestampTZ:
		v, err = decodeTime(raw)
	default:
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s, nil
		}
		return string(raw), nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid value for column %s: %w", f.Name, err)
	}
	return v, nil
}

// decodeTime accepts RFC3339 strings and epoch milliseconds, the two encodings
// Debezium emits for temporal columns depending on time.precision.mode.
func decodeTime(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable time %q", s)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable time %s", raw)
	}
	return time.UnixMilli(ms).UTC(), nil
}
