package table

import (
	"cmp"
	"fmt"
	"strings"
	"time"
)

// Compare orders two scalar values of compatible kinds. ok is false when the
// values cannot be compared (mismatched kinds, nil, or non-scalar values).
func Compare(a, b any) (c int, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	switch av := a.(type) {
	case time.Time:
		bv, isTime := b.(time.Time)
		if !isTime {
			return 0, false
		}
		return av.Compare(bv), true
	case string:
		bv, isString := b.(string)
		if !isString {
			return 0, false
		}
		return strings.Compare(av, bv), true
	}
	af, aok := ToFloat64(a)
	bf, bok := ToFloat64(b)
	if !aok || !bok {
		return 0, false
	}
	return cmp.Compare(af, bf), true
}

// ToFloat64 widens any Go numeric value.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Key renders a row to a string that is equal for rows with equal values.
func (r Row) Key() string {
	var sb strings.Builder
	for _, v := range r {
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}
		fmt.Fprintf(&sb, "%T:%#v|", v, v)
	}
	return sb.String()
}

// Project picks the values at idx.
func (r Row) Project(idx []int) Row {
	out := make(Row, len(idx))
	for i, j := range idx {
		out[i] = r[j]
	}
	return out
}

func matches(row Row, filters []Filter, positions []int) bool {
	for i, f := range filters {
		c, ok := Compare(row[positions[i]], f.Value)
		if !ok {
			continue
		}
		switch f.Op {
		case OpGreater:
			if c <= 0 {
				return false
			}
		case OpGreaterOrEqual:
			if c < 0 {
				return false
			}
		}
	}
	return true
}
