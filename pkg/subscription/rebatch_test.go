package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func filled(rows, cols, v int) Block[int] {
	b := make(Block[int], rows)
	for i := range b {
		b[i] = make([]int, cols)
		for j := range b[i] {
			b[i][j] = v
		}
	}
	return b
}

func nextBlock(t *testing.T, r *Rebatch[int]) Block[int] {
	t.Helper()
	b, err := r.Next(timeout(t))
	require.NoError(t, err)
	return b
}

func requireRun(t *testing.T, row []int, from, to, want int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.Equalf(t, want, row[i], "index %d", i)
	}
}

func TestRebatchColumns(t *testing.T) {
	r, err := NewRebatch[int](1024, AxisColumns)
	require.NoError(t, err)

	r.Receive(filled(2, 960, 0))
	_, err = r.Next(expired(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r.Receive(filled(2, 960, 1))
	b := nextBlock(t, r)
	require.Len(t, b, 2)
	for _, row := range b {
		require.Len(t, row, 1024)
		requireRun(t, row, 0, 960, 0)
		requireRun(t, row, 960, 1024, 1)
	}
	require.Equal(t, 896, r.Pending())

	r.Receive(filled(2, 128, 2))
	b = nextBlock(t, r)
	for _, row := range b {
		require.Len(t, row, 1024)
		requireRun(t, row, 0, 896, 1)
		requireRun(t, row, 896, 1024, 2)
	}
	require.Zero(t, r.Pending())

	r.Receive(filled(2, 2048, 3))
	for i := 0; i < 2; i++ {
		b = nextBlock(t, r)
		for _, row := range b {
			require.Len(t, row, 1024)
			requireRun(t, row, 0, 1024, 3)
		}
	}

	exact := filled(2, 1024, 4)
	r.Receive(exact)
	b = nextBlock(t, r)
	require.True(t, &b[0] == &exact[0], "exact-size block should pass through unchanged")
}

func TestRebatchRows(t *testing.T) {
	r, err := NewRebatch[int](4, AxisRows)
	require.NoError(t, err)

	r.Receive(filled(3, 2, 0))
	r.Receive(filled(3, 2, 1))
	b := nextBlock(t, r)
	require.Len(t, b, 4)
	require.Equal(t, []int{0, 0}, b[2])
	require.Equal(t, []int{1, 1}, b[3])
	require.Equal(t, 2, r.Pending())

	rest, ok := r.Flush()
	require.True(t, ok)
	require.Len(t, rest, 2)
	require.Equal(t, []int{1, 1}, rest[0])

	_, ok = r.Flush()
	require.False(t, ok)
}

func TestRebatchConservesVolume(t *testing.T) {
	r, err := NewRebatch[int](7, AxisColumns)
	require.NoError(t, err)

	in := 0
	seq := 0
	for _, cols := range []int{3, 11, 1, 7, 20, 2} {
		b := make(Block[int], 2)
		for i := range b {
			b[i] = make([]int, cols)
		}
		for j := 0; j < cols; j++ {
			b[0][j] = seq
			b[1][j] = -seq
			seq++
		}
		in += cols
		r.Receive(b)
	}

	out := 0
	want := 0
	for out+7 <= in {
		b := nextBlock(t, r)
		require.Len(t, b[0], 7)
		for j := range b[0] {
			require.Equal(t, want, b[0][j])
			require.Equal(t, -want, b[1][j])
			want++
		}
		out += 7
	}
	rest, ok := r.Flush()
	if in%7 != 0 {
		require.True(t, ok)
		out += len(rest[0])
	}
	require.Equal(t, in, out)
}

func TestRebatchRejectsMalformedBlocks(t *testing.T) {
	r, err := NewRebatch[int](4, AxisColumns)
	require.NoError(t, err)

	r.Receive(Block[int]{{1, 2}, {3}})
	require.EqualValues(t, 1, r.Rejected())

	r.Receive(filled(2, 2, 0))
	r.Receive(filled(3, 2, 0))
	require.EqualValues(t, 2, r.Rejected())
	require.Equal(t, 2, r.Pending())

	r.Receive(nil)
	require.EqualValues(t, 2, r.Rejected())
}

func TestRebatchRowsRejectsWidthMismatch(t *testing.T) {
	r, err := NewRebatch[int](2, AxisRows)
	require.NoError(t, err)

	r.Receive(Block[int]{{1, 2}})
	r.Receive(Block[int]{{3}})
	require.EqualValues(t, 1, r.Rejected())
	require.Equal(t, 1, r.Pending())

	// an exact-size block must match the width too
	r.Receive(filled(2, 3, 9))
	require.EqualValues(t, 2, r.Rejected())

	r.Receive(Block[int]{{4, 5}})
	b := nextBlock(t, r)
	require.Equal(t, Block[int]{{1, 2}, {4, 5}}, b)
	require.Zero(t, r.Pending())

	_, ok := r.Flush()
	require.False(t, ok)
	r.Receive(filled(2, 3, 7))
	b = nextBlock(t, r)
	require.Len(t, b[0], 3, "a flush lets the next block set a new width")
	require.EqualValues(t, 2, r.Rejected())
}

func TestNewRebatchValidates(t *testing.T) {
	_, err := NewRebatch[int](0, AxisRows)
	require.Error(t, err)
	_, err = NewRebatch[int](4, Axis(2))
	require.Error(t, err)
}
