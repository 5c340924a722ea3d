package table

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccel_Table_ParseName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Name
	}{
		{"trips", Name{Table: "trips"}},
		{"public.trips", Name{Schema: "public", Table: "trips"}},
		{"spice.public.trips", Name{Catalog: "spice", Schema: "public", Table: "trips"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got := ParseName(tt.in)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.in, got.String())
		})
	}
}

func TestAccel_Table_Schema(t *testing.T) {
	t.Parallel()

	s := NewSchema(
		Field{Name: "id", Type: Int64},
		Field{Name: "ts", Type: TimestampTZ, TimeZone: "UTC"},
	)
	f, pos, ok := s.FieldByName("ts")
	require.True(t, ok)
	require.Equal(t, 1, pos)
	require.Equal(t, "Timestamp(UTC)", f.String())

	_, _, ok = s.FieldByName("missing")
	require.False(t, ok)

	idx, err := s.Project([]string{"ts", "id"})
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, idx)

	_, err = s.Project([]string{"nope"})
	require.ErrorContains(t, err, `column "nope" not found`)

	require.True(t, Float16.IsNumeric())
	require.False(t, Timestamp.IsNumeric())
	require.True(t, LargeUtf8.IsString())
}

func TestAccel_Table_Compare(t *testing.T) {
	t.Parallel()

	c, ok := Compare(int64(3), uint8(2))
	require.True(t, ok)
	require.Equal(t, 1, c)

	c, ok = Compare("a", "b")
	require.True(t, ok)
	require.Equal(t, -1, c)

	now := time.Now()
	c, ok = Compare(now, now)
	require.True(t, ok)
	require.Zero(t, c)

	_, ok = Compare("1", 1)
	require.False(t, ok)
	_, ok = Compare(nil, 1)
	require.False(t, ok)
}

func TestAccel_Table_RowKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, Row{int64(1), "a"}.Key(), Row{int64(1), "a"}.Key())
	require.NotEqual(t, Row{int64(1)}.Key(), Row{int32(1)}.Key())
	require.NotEqual(t, Row{"a|b"}.Key(), Row{"a", "b"}.Key())

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, Row{ts}.Key(), Row{ts.In(time.FixedZone("x", 3600))}.Key())
}

func TestAccel_Table_MemTable(t *testing.T) {
	t.Parallel()

	schema := NewSchema(Field{Name: "id", Type: Int64}, Field{Name: "name", Type: Utf8})

	t.Run("scan with filters and projection", func(t *testing.T) {
		t.Parallel()

		m := NewMemTable(schema, Row{int64(1), "a"}, Row{int64(2), "b"}, Row{int64(3), "c"})
		rows, err := m.Scan(t.Context(), ScanRequest{
			Columns: []string{"name"},
			Filters: []Filter{{Column: "id", Op: OpGreater, Value: int64(1)}},
		})
		require.NoError(t, err)
		require.Equal(t, []Row{{"b"}, {"c"}}, rows)

		rows, err = m.Scan(t.Context(), ScanRequest{
			Filters: []Filter{{Column: "id", Op: OpGreaterOrEqual, Value: int64(3)}},
		})
		require.NoError(t, err)
		require.Equal(t, []Row{{int64(3), "c"}}, rows)

		_, err = m.Scan(t.Context(), ScanRequest{Filters: []Filter{{Column: "x"}}})
		require.Error(t, err)
	})

	t.Run("insert overwrite and max", func(t *testing.T) {
		t.Parallel()

		m := NewMemTable(schema)
		_, ok, err := m.Max(t.Context(), "id")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, m.Insert(t.Context(), []Row{{int64(5), "e"}, {int64(2), "b"}}))
		max, ok, err := m.Max(t.Context(), "id")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(5), max)

		require.Error(t, m.Insert(t.Context(), []Row{{int64(1)}}))

		require.NoError(t, m.Overwrite(t.Context(), nil))
		require.Zero(t, m.Len())
	})

	t.Run("apply changes", func(t *testing.T) {
		t.Parallel()

		m := NewMemTable(schema, Row{int64(1), "a"}, Row{int64(2), "b"})
		err := m.ApplyChanges(t.Context(), ChangeBatch{
			PrimaryKey: []string{"id"},
			Changes: []Change{
				{Op: ChangeUpdate, Key: Row{int64(1)}, Data: Row{int64(1), "A"}},
				{Op: ChangeDelete, Key: Row{int64(2)}},
				{Op: ChangeInsert, Key: Row{int64(3)}, Data: Row{int64(3), "c"}},
				{Op: ChangeDelete, Key: Row{int64(42)}},
			},
		})
		require.NoError(t, err)
		require.Equal(t, []Row{{int64(1), "A"}, {int64(3), "c"}}, m.Rows())

		err = m.ApplyChanges(t.Context(), ChangeBatch{Changes: []Change{{Op: ChangeDelete, Key: Row{int64(1)}}}})
		require.ErrorContains(t, err, "primary key is required")
	})

	t.Run("append stream", func(t *testing.T) {
		t.Parallel()

		m := NewMemTable(schema, Row{int64(1), "a"})
		stream, err := m.AppendStream(t.Context(), ScanRequest{})
		require.NoError(t, err)

		rows, err := stream.Next(t.Context())
		require.NoError(t, err)
		require.Equal(t, []Row{{int64(1), "a"}}, rows)

		require.NoError(t, m.Publish(t.Context(), Row{int64(2), "b"}))
		rows, err = stream.Next(t.Context())
		require.NoError(t, err)
		require.Equal(t, []Row{{int64(2), "b"}}, rows)

		m.CloseStreams()
		_, err = stream.Next(t.Context())
		require.ErrorIs(t, err, io.EOF)
		require.NoError(t, stream.Close())
	})

	t.Run("append stream honours context", func(t *testing.T) {
		t.Parallel()

		m := NewMemTable(schema)
		stream, err := m.AppendStream(t.Context(), ScanRequest{})
		require.NoError(t, err)
		defer stream.Close()

		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		_, err = stream.Next(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
