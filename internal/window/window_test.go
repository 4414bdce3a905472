package window

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/hisr/internal/tensor"
)

func seq(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(i)
	}
	return t
}

func TestPartitionReverseRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		b, h, w, c int
		ws         int
	}{
		{"single window", 1, 4, 4, 2, 4},
		{"square grid", 2, 8, 8, 3, 4},
		{"rectangular", 1, 6, 12, 5, 3},
		{"unit window", 2, 3, 5, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			x := seq(tc.b, tc.h, tc.w, tc.c)
			wins, err := Partition(x, tc.ws)
			require.NoError(t, err)
			assert.Equal(t, []int{tc.b * Count(tc.h, tc.w, tc.ws), tc.ws, tc.ws, tc.c}, wins.Shape)

			back, err := Reverse(wins, tc.ws, tc.h, tc.w)
			require.NoError(t, err)
			if diff := cmp.Diff(x.Data, back.Data); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPartitionWindowOrder(t *testing.T) {
	t.Parallel()
	// 4x4 single-channel map, windows of 2: second window is the top-right block.
	x := seq(1, 4, 4, 1)
	wins, err := Partition(x, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3, 6, 7}, wins.Data[4:8])
	assert.Equal(t, []float32{8, 9, 12, 13}, wins.Data[8:12])
}

func TestPartitionRejectsIndivisible(t *testing.T) {
	t.Parallel()
	_, err := Partition(tensor.New(1, 5, 4, 1), 2)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	_, err = Reverse(tensor.New(3, 2, 2, 1), 2, 4, 4)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestChannelStackRoundTrip(t *testing.T) {
	t.Parallel()
	x := seq(2, 6, 4, 3)
	st, err := ChannelStack(x, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 6 * 3, 2, 2}, st.Shape)

	// Channel 1 of window 0 is x[0, 0:2, 0:2, 1].
	assert.Equal(t, []float32{1, 4, 13, 16}, st.Data[4:8])

	back, err := ChannelUnstack(st, 2, 6, 4)
	require.NoError(t, err)
	assert.Equal(t, x.Shape, back.Shape)
	assert.Equal(t, x.Data, back.Data)
}

func TestPadFeatureMap(t *testing.T) {
	t.Parallel()
	x := seq(1, 5*6, 2)
	p, hp, wp, err := PadFeatureMap(x, 5, 6, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, hp)
	assert.Equal(t, 8, wp)
	assert.Equal(t, []int{1, 64, 2}, p.Shape)

	// Original tokens are kept in place; the padded region is zero.
	assert.Equal(t, x.Data[:12], p.Data[:12])
	assert.Equal(t, []float32{0, 0}, p.Data[7*8*2+7*2:])

	again, hp2, wp2, err := PadFeatureMap(p, hp, wp, 4)
	require.NoError(t, err)
	assert.Equal(t, hp, hp2)
	assert.Equal(t, wp, wp2)
	assert.Same(t, p, again)
}

func TestPadAmount(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, PadAmount(8, 4))
	assert.Equal(t, 3, PadAmount(5, 4))
	assert.Equal(t, 1, PadAmount(7, 8))
}

func TestShiftMaskNoShift(t *testing.T) {
	t.Parallel()
	m, err := ShiftMask(8, 8, 4, 0)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestShiftMaskRegions(t *testing.T) {
	t.Parallel()
	const h, w, ws, shift = 8, 8, 4, 2
	m, err := ShiftMask(h, w, ws, shift)
	require.NoError(t, err)
	n := ws * ws
	assert.Equal(t, []int{4, n, n}, m.Shape)

	for _, v := range m.Data {
		assert.True(t, v == 0 || v == MaskFill)
	}

	// The top-left window never straddles a region boundary.
	for _, v := range m.Data[:n*n] {
		assert.Zero(t, v)
	}

	// Bottom-right window holds four regions; token 0 (row 0, col 0) and
	// token 3 (row 0, col 3) are split by the column boundary at ws-shift.
	last := m.Data[3*n*n:]
	assert.Zero(t, last[0*n+1])
	assert.Equal(t, MaskFill, last[0*n+3])
	assert.Equal(t, MaskFill, last[0*n+15])
	assert.Zero(t, last[15*n+10])

	// Symmetric with a zero diagonal.
	for win := 0; win < 4; win++ {
		blk := m.Data[win*n*n : (win+1)*n*n]
		for i := 0; i < n; i++ {
			assert.Zero(t, blk[i*n+i])
			for j := 0; j < n; j++ {
				assert.Equal(t, blk[i*n+j], blk[j*n+i])
			}
		}
	}
}

func TestShiftMaskRejectsLargeShift(t *testing.T) {
	t.Parallel()
	_, err := ShiftMask(8, 8, 4, 4)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}
