// Package attention implements multi-head self-attention restricted to the
// tokens of one spatial window, with an optional additive mask for shifted
// windows.
package attention

import (
	"math"

	"github.com/samcharles93/hisr/internal/backend"
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/tensor"
)

// WindowAttention is W-MSA / SW-MSA over [B*nW, N, C] window tokens.
type WindowAttention struct {
	Dim   int
	Heads int
	Scale float32

	QKV  *nn.Linear // [3*Dim, Dim]
	Proj *nn.Linear // [Dim, Dim]
}

// New builds window attention. A zero qkScale selects headDim^-0.5.
func New(dim, heads int, qkvBias bool, qkScale float32) (*WindowAttention, error) {
	if heads <= 0 || dim%heads != 0 {
		return nil, tensor.Shapef("window attention", "dim %d not divisible by %d heads", dim, heads)
	}
	scale := qkScale
	if scale == 0 {
		scale = float32(1 / math.Sqrt(float64(dim/heads)))
	}
	return &WindowAttention{
		Dim:   dim,
		Heads: heads,
		Scale: scale,
		QKV:   nn.NewLinear(dim, 3*dim, qkvBias),
		Proj:  nn.NewLinear(dim, dim, true),
	}, nil
}

func (a *WindowAttention) Params(prefix string) []nn.Param {
	return nn.Collect(prefix, nn.Named{Name: "qkv", Module: a.QKV}, nn.Named{Name: "proj", Module: a.Proj})
}

// Forward maps windows [B_, N, C] to [B_, N, C]. mask is nil or
// [nW, N, N]; window i uses mask[i % nW], matching a batch laid out
// sample-major.
func (a *WindowAttention) Forward(ex *backend.Exec, x, mask *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := a.run(ex, x, mask, false)
	return out, err
}

// Probabilities returns the post-softmax attention weights [B_, Heads, N, N].
// Every row sums to one.
func (a *WindowAttention) Probabilities(ex *backend.Exec, x, mask *tensor.Tensor) (*tensor.Tensor, error) {
	_, probs, err := a.run(ex, x, mask, true)
	return probs, err
}

func (a *WindowAttention) check(x, mask *tensor.Tensor) error {
	if x.Rank() != 3 || x.Shape[2] != a.Dim {
		return tensor.Shapef("window attention", "input %v, want [B*nW, N, %d]", x.Shape, a.Dim)
	}
	if mask == nil {
		return nil
	}
	n := x.Shape[1]
	if mask.Rank() != 3 || mask.Shape[1] != n || mask.Shape[2] != n {
		return tensor.Shapef("window attention", "mask %v, want [nW, %d, %d]", mask.Shape, n, n)
	}
	if mask.Shape[0] == 0 || x.Shape[0]%mask.Shape[0] != 0 {
		return tensor.Shapef("window attention", "%d windows is not a multiple of mask count %d", x.Shape[0], mask.Shape[0])
	}
	return nil
}

func (a *WindowAttention) run(ex *backend.Exec, x, mask *tensor.Tensor, keep bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := a.check(x, mask); err != nil {
		return nil, nil, err
	}
	bw, n, c := x.Shape[0], x.Shape[1], x.Shape[2]
	qkv, err := a.QKV.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	mixed := tensor.New(bw, n, c)
	var probs *tensor.Tensor
	if keep {
		probs = tensor.New(bw, a.Heads, n, n)
	}
	hd := c / a.Heads

	err = ex.ParallelFor(bw, func(w int) error {
		rows := qkv.Data[w*n*3*c : (w+1)*n*3*c]
		var bias []float32
		if mask != nil {
			m := w % mask.Shape[0]
			bias = mask.Data[m*n*n : (m+1)*n*n]
		}
		q := make([]float32, hd)
		scores := make([]float32, n)
		for h := 0; h < a.Heads; h++ {
			for i := 0; i < n; i++ {
				copy(q, rows[i*3*c+h*hd:i*3*c+(h+1)*hd])
				tensor.Scale(q, a.Scale)
				for j := 0; j < n; j++ {
					k := rows[j*3*c+c+h*hd : j*3*c+c+(h+1)*hd]
					scores[j] = tensor.Dot(q, k)
				}
				if bias != nil {
					tensor.Add(scores, bias[i*n:(i+1)*n])
				}
				tensor.Softmax(scores)
				if probs != nil {
					copy(probs.Data[((w*a.Heads+h)*n+i)*n:], scores)
				}
				dst := mixed.Data[(w*n+i)*c+h*hd : (w*n+i)*c+(h+1)*hd]
				for j := 0; j < n; j++ {
					v := rows[j*3*c+2*c+h*hd : j*3*c+2*c+(h+1)*hd]
					p := scores[j]
					for d := range dst {
						dst[d] += p * v[d]
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	out, err := a.Proj.Forward(mixed)
	return out, probs, err
}

// FLOPs estimates multiply-adds for one window of n tokens.
func (a *WindowAttention) FLOPs(n int) int64 {
	d, tok := int64(a.Dim), int64(n)
	var f int64
	f += tok * d * 3 * d
	f += tok * d * tok
	f += tok * tok * d
	f += tok * d * d
	return f
}
