package merge

import (
	"fmt"
	"math"
	"time"

	"github.com/malbeclabs/accel/accelerator/pkg/refresh"
	"github.com/malbeclabs/accel/accelerator/pkg/table"
)

var iso8601Layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// toTime interprets a time column value under format. ok is false for NULL values.
func toTime(v any, format refresh.TimeFormat) (t time.Time, ok bool, err error) {
	if v == nil {
		return time.Time{}, false, nil
	}
	switch format {
	case refresh.TimeFormatUnixSeconds, refresh.TimeFormatUnixMillis:
		f, isNum := table.ToFloat64(v)
		if !isNum {
			return time.Time{}, false, fmt.Errorf("expected numeric %s value, got %T", format, v)
		}
		if format == refresh.TimeFormatUnixMillis {
			f /= 1e3
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true, nil
	case refresh.TimeFormatISO8601:
		s, isString := v.(string)
		if !isString {
			return time.Time{}, false, fmt.Errorf("expected ISO8601 string, got %T", v)
		}
		for _, layout := range iso8601Layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("invalid ISO8601 value %q", s)
	default:
		t, isTime := v.(time.Time)
		if !isTime {
			return time.Time{}, false, fmt.Errorf("expected timestamp value, got %T", v)
		}
		return t, true, nil
	}
}

// pushdownValue converts a point in time to the column's native representation,
// rounded down so that a ">" filter never excludes rows newer than t. ISO8601
// strings do not order reliably across offsets and are filtered locally only.
func pushdownValue(t time.Time, format refresh.TimeFormat) (any, bool) {
	switch format {
	case refresh.TimeFormatUnixSeconds:
		return t.Unix(), true
	case refresh.TimeFormatUnixMillis:
		return t.UnixMilli(), true
	case refresh.TimeFormatISO8601:
		return nil, false
	default:
		return t, true
	}
}
