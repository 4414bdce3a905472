package attention

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/hisr/internal/backend"
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/tensor"
	"github.com/samcharles93/hisr/internal/window"
)

func newAttn(t testing.TB, dim, heads int) *WindowAttention {
	t.Helper()
	a, err := New(dim, heads, true, 0)
	require.NoError(t, err)
	nn.Init(a, 11)
	return a
}

func TestNewRejectsHeadSplit(t *testing.T) {
	t.Parallel()
	_, err := New(10, 3, true, 0)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestDefaultScale(t *testing.T) {
	t.Parallel()
	a, err := New(32, 2, false, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, a.Scale, 1e-7)
	assert.Nil(t, a.QKV.Bias)

	b, err := New(32, 2, false, 0.5)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), b.Scale)
}

func TestParamNames(t *testing.T) {
	t.Parallel()
	a := newAttn(t, 8, 2)
	var names []string
	for _, p := range a.Params("attn") {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"attn.qkv.weight", "attn.qkv.bias", "attn.proj.weight", "attn.proj.bias"}, names)
}

func TestForwardMatchesReference(t *testing.T) {
	t.Parallel()
	const bw, n, c, heads = 3, 4, 6, 2
	a := newAttn(t, c, heads)
	x := tensor.New(bw, n, c)
	tensor.FillRand(x, 5, 1)

	got, err := a.Forward(backend.Serial(), x, nil)
	require.NoError(t, err)
	want := referenceAttention(t, a, x, nil)
	require.Equal(t, want.Shape, got.Shape)
	for i := range want.Data {
		assert.InDelta(t, want.Data[i], got.Data[i], 1e-5)
	}
}

func TestProbabilitiesRowsSumToOne(t *testing.T) {
	t.Parallel()
	const ws, c, heads = 4, 8, 2
	a := newAttn(t, c, heads)
	grid := tensor.New(2, 8, 8, c)
	tensor.FillRand(grid, 3, 2)
	wins, err := window.Partition(grid, ws)
	require.NoError(t, err)
	tokens := wins.MustReshape(-1, ws*ws, c)

	mask, err := window.ShiftMask(8, 8, ws, ws/2)
	require.NoError(t, err)

	for _, m := range []*tensor.Tensor{nil, mask} {
		probs, err := a.Probabilities(backend.Serial(), tokens, m)
		require.NoError(t, err)
		n := ws * ws
		assert.Equal(t, []int{8, heads, n, n}, probs.Shape)
		for r := 0; r < probs.Numel()/n; r++ {
			var sum float64
			for _, v := range probs.Data[r*n : (r+1)*n] {
				assert.GreaterOrEqual(t, v, float32(0))
				sum += float64(v)
			}
			assert.InDelta(t, 1, sum, 1e-5)
		}
	}
}

func TestMaskSuppressesCrossRegion(t *testing.T) {
	t.Parallel()
	const ws, c = 4, 4
	a := newAttn(t, c, 1)
	grid := tensor.New(1, 8, 8, c)
	tensor.FillRand(grid, 9, 0.1)
	wins, err := window.Partition(grid, ws)
	require.NoError(t, err)
	tokens := wins.MustReshape(-1, ws*ws, c)
	mask, err := window.ShiftMask(8, 8, ws, 2)
	require.NoError(t, err)

	probs, err := a.Probabilities(backend.Serial(), tokens, mask)
	require.NoError(t, err)
	n := ws * ws
	for i, m := range mask.Data {
		if m == window.MaskFill {
			assert.Less(t, probs.Data[i], float32(1e-30))
		}
	}
	// Masked and unmasked runs agree on the first window, whose mask is all zero.
	plain, err := a.Probabilities(backend.Serial(), tokens, nil)
	require.NoError(t, err)
	assert.Equal(t, plain.Data[:n*n], probs.Data[:n*n])
}

func TestForwardRejectsBadMask(t *testing.T) {
	t.Parallel()
	a := newAttn(t, 4, 1)
	_, err := a.Forward(backend.Serial(), tensor.New(3, 4, 4), tensor.New(2, 4, 4))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	_, err = a.Forward(backend.Serial(), tensor.New(2, 4, 5), nil)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestParallelMatchesSerial(t *testing.T) {
	t.Parallel()
	a := newAttn(t, 8, 2)
	x := tensor.New(16, 9, 8)
	tensor.FillRand(x, 1, 1)
	ex, err := backend.New("auto", 4, nil)
	require.NoError(t, err)

	want, err := a.Forward(backend.Serial(), x, nil)
	require.NoError(t, err)
	got, err := a.Forward(ex, x, nil)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func referenceAttention(t *testing.T, a *WindowAttention, x, mask *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	bw, n, c := x.Shape[0], x.Shape[1], x.Shape[2]
	hd := c / a.Heads
	qkv, err := a.QKV.Forward(x)
	require.NoError(t, err)
	at := func(w, tok, s, h, d int) float64 {
		return float64(qkv.Data[(w*n+tok)*3*c+s*c+h*hd+d])
	}
	mixed := tensor.New(bw, n, c)
	for w := 0; w < bw; w++ {
		for h := 0; h < a.Heads; h++ {
			for i := 0; i < n; i++ {
				scores := make([]float64, n)
				maxv := math.Inf(-1)
				for j := 0; j < n; j++ {
					var s float64
					for d := 0; d < hd; d++ {
						s += at(w, i, 0, h, d) * float64(a.Scale) * at(w, j, 1, h, d)
					}
					if mask != nil {
						s += float64(mask.Data[((w%mask.Shape[0])*n+i)*n+j])
					}
					scores[j] = s
					maxv = math.Max(maxv, s)
				}
				var sum float64
				for j := range scores {
					scores[j] = math.Exp(scores[j] - maxv)
					sum += scores[j]
				}
				for d := 0; d < hd; d++ {
					var v float64
					for j := 0; j < n; j++ {
						v += scores[j] / sum * at(w, j, 2, h, d)
					}
					mixed.Data[(w*n+i)*c+h*hd+d] = float32(v)
				}
			}
		}
	}
	out, err := a.Proj.Forward(mixed)
	require.NoError(t, err)
	return out
}

func BenchmarkWindowAttention(b *testing.B) {
	a := newAttn(b, 32, 4)
	x := tensor.New(64, 64, 32)
	tensor.FillRand(x, 1, 1)
	ex, err := backend.New("cpu", 0, nil)
	require.NoError(b, err)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := a.Forward(ex, x, nil); err != nil {
			b.Fatal(err)
		}
	}
}
