package refresh

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/malbeclabs/accel/accelerator/pkg/table"
	"github.com/stretchr/testify/require"
)

var allTimeFormats = []TimeFormat{
	TimeFormatTimestamp,
	TimeFormatTimestamptz,
	TimeFormatUnixSeconds,
	TimeFormatUnixMillis,
	TimeFormatISO8601,
}

func TestAccel_Refresh_Config_Builder(t *testing.T) {
	t.Parallel()

	cfg := NewConfig(ModeAppend).
		WithTimeColumn("created_at").
		WithTimeFormat(TimeFormatUnixMillis).
		WithCheckInterval(time.Minute).
		WithMaxJitter(10*time.Second).
		WithSQL("SELECT * FROM trips WHERE region = 'us'").
		WithPeriod(24*time.Hour).
		WithAppendOverlap(5*time.Minute).
		WithRetry(true, 4)

	require.Equal(t, Config{
		Mode:             ModeAppend,
		TimeColumn:       "created_at",
		TimeFormat:       TimeFormatUnixMillis,
		CheckInterval:    time.Minute,
		MaxJitter:        10 * time.Second,
		SQL:              "SELECT * FROM trips WHERE region = 'us'",
		Period:           24 * time.Hour,
		AppendOverlap:    5 * time.Minute,
		RetryEnabled:     true,
		RetryMaxAttempts: 4,
	}, cfg)

	require.Equal(t, TimeFormatTimestamp, NewConfig(ModeFull).EffectiveTimeFormat())
}

func TestAccel_Refresh_Config_ValidateWithoutTimeColumn(t *testing.T) {
	t.Parallel()

	schemas := []*table.Schema{
		table.NewSchema(),
		table.NewSchema(table.Field{Name: "time", Type: table.Boolean}),
		table.NewSchema(table.Field{Name: "a", Type: table.Utf8}, table.Field{Name: "b", Type: table.Map}),
	}
	for _, schema := range schemas {
		for _, format := range allTimeFormats {
			cfg := NewConfig(ModeAppend).WithTimeFormat(format)
			require.NoError(t, cfg.Validate(table.Name{Table: "t"}, schema))
		}
	}
}

func TestAccel_Refresh_Config_ValidateMissingColumn(t *testing.T) {
	t.Parallel()

	schema := table.NewSchema(table.Field{Name: "id", Type: table.Int64})
	err := NewConfig(ModeAppend).WithTimeColumn("time").Validate(table.ParseName("public.trips"), schema)

	var notFound *NoTimeColumnFoundError
	require.ErrorAs(t, err, &notFound)
	require.ErrorIs(t, err, ErrValidation)
	require.EqualError(t, err, "time_column 'time' was not found in dataset public.trips")
}

func TestAccel_Refresh_Config_ValidateCompatibility(t *testing.T) {
	t.Parallel()

	compatibleFormats := map[table.DataType][]TimeFormat{
		table.Utf8:        {TimeFormatISO8601},
		table.LargeUtf8:   {TimeFormatISO8601},
		table.Int8:        {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.Int16:       {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.Int32:       {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.Int64:       {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.UInt8:       {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.UInt16:      {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.UInt32:      {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.UInt64:      {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.Float16:     {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.Float32:     {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.Float64:     {TimeFormatUnixSeconds, TimeFormatUnixMillis},
		table.Timestamp:   {TimeFormatTimestamp},
		table.TimestampTZ: {TimeFormatTimestamptz},
	}
	alwaysInvalid := []table.DataType{
		table.Null, table.Boolean, table.Decimal, table.Binary, table.Date, table.Time,
		table.Duration, table.List, table.Struct, table.Map, table.UUID,
	}

	check := func(t *testing.T, typ table.DataType, format TimeFormat, wantOK bool) {
		schema := table.NewSchema(table.Field{Name: "time", Type: typ})
		err := NewConfig(ModeAppend).WithTimeColumn("time").WithTimeFormat(format).Validate(table.Name{Table: "t"}, schema)
		if wantOK {
			require.NoError(t, err, "%s with %s", typ, format)
			return
		}
		var mismatch *TimeFormatMismatchError
		require.ErrorAs(t, err, &mismatch, "%s with %s", typ, format)
		require.ErrorIs(t, err, ErrValidation)
		require.Equal(t, format, mismatch.Expected)
		require.Equal(t, typ.String(), mismatch.Actual)
	}

	for typ, okFormats := range compatibleFormats {
		for _, format := range allTimeFormats {
			t.Run(fmt.Sprintf("%s/%s", typ, format), func(t *testing.T) {
				t.Parallel()
				check(t, typ, format, slices.Contains(okFormats, format))
			})
		}
	}
	for _, typ := range alwaysInvalid {
		for _, format := range allTimeFormats {
			t.Run(fmt.Sprintf("%s/%s", typ, format), func(t *testing.T) {
				t.Parallel()
				check(t, typ, format, false)
			})
		}
	}
}

func TestAccel_Refresh_Config_ValidateDefaultsToTimestamp(t *testing.T) {
	t.Parallel()

	cfg := NewConfig(ModeAppend).WithTimeColumn("time")
	require.NoError(t, cfg.Validate(table.Name{Table: "t"}, table.NewSchema(table.Field{Name: "time", Type: table.Timestamp})))

	err := cfg.Validate(table.Name{Table: "t"}, table.NewSchema(table.Field{Name: "time", Type: table.Int64}))
	require.EqualError(t, err, "time_column 'time' in dataset t has data type 'Int64', but time_format is configured as 'timestamp'")
}

func TestAccel_Refresh_Config_Parse(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]TimeFormat{
		"":             TimeFormatTimestamp,
		"timestamp":    TimeFormatTimestamp,
		"timestamptz":  TimeFormatTimestamptz,
		"unix_seconds": TimeFormatUnixSeconds,
		"UNIX_MILLIS":  TimeFormatUnixMillis,
		"ISO8601":      TimeFormatISO8601,
	} {
		got, err := ParseTimeFormat(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseTimeFormat("rfc2822")
	require.Error(t, err)

	for in, want := range map[string]Mode{"": ModeFull, "full": ModeFull, "Append": ModeAppend, "changes": ModeChanges} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err = ParseMode("merge")
	require.Error(t, err)
}

func TestAccel_Refresh_Shared(t *testing.T) {
	t.Parallel()

	s := NewShared(NewConfig(ModeFull).WithCheckInterval(time.Hour))
	snapshot := s.Get()

	s.Update(func(c *Config) { c.CheckInterval = time.Minute })

	require.Equal(t, time.Hour, snapshot.CheckInterval)
	require.Equal(t, time.Minute, s.Get().CheckInterval)
}

func TestAccel_Refresh_ErrorsAreDistinct(t *testing.T) {
	t.Parallel()

	var err error = &NoTimeColumnFoundError{Table: "t", Column: "c"}
	var mismatch *TimeFormatMismatchError
	require.False(t, errors.As(err, &mismatch))
}
