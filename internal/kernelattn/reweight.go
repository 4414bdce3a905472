package kernelattn

import (
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/tensor"
)

// Reweight scores every window from its pooled statistics and scales that
// window's kernels by the score.
//
// The score path is: global average pool → grouped 1x1 conv (nW*C → nW,
// one group per window) → Linear(nW → 4nW) → GELU → Linear(4nW → nW) →
// sigmoid. Windows only exchange information inside the bottleneck.
type Reweight struct {
	Dim     int
	Windows int

	Down     *nn.Conv2D
	Expand   *nn.Linear
	Contract *nn.Linear

	// Pointwise names Expand and Contract as [out, in, 1, 1] convolutions
	// in the parameter list, which is how some checkpoints store them.
	Pointwise bool
}

func NewReweight(dim, windows int, pointwise bool) (*Reweight, error) {
	down, err := nn.NewPointwise(windows*dim, windows, windows)
	if err != nil {
		return nil, err
	}
	return &Reweight{
		Dim:       dim,
		Windows:   windows,
		Down:      down,
		Expand:    nn.NewLinear(windows, 4*windows, true),
		Contract:  nn.NewLinear(4*windows, windows, true),
		Pointwise: pointwise,
	}, nil
}

func (r *Reweight) Params(prefix string) []nn.Param {
	ps := r.Down.Params(nn.Join(prefix, "downchannel"))
	if r.Pointwise {
		ps = append(ps, r.Expand.PointwiseParams(nn.Join(prefix, "linear1"))...)
		return append(ps, r.Contract.PointwiseParams(nn.Join(prefix, "linear2"))...)
	}
	ps = append(ps, r.Expand.Params(nn.Join(prefix, "linear1"))...)
	return append(ps, r.Contract.Params(nn.Join(prefix, "linear2"))...)
}

// Weights maps window features [B, nW*C, h, w] (window-major channels) to
// per-window weights [B, nW] in [0, 1].
func (r *Reweight) Weights(windows *tensor.Tensor) (*tensor.Tensor, error) {
	if windows.Rank() != 4 || windows.Shape[1] != r.Windows*r.Dim {
		return nil, tensor.Shapef("reweight", "windows %v, want [B, %d, h, w]", windows.Shape, r.Windows*r.Dim)
	}
	b := windows.Shape[0]
	pooled, err := tensor.AdaptiveAvgPool2D(windows, 1, 1)
	if err != nil {
		return nil, err
	}
	d, err := r.Down.Forward(pooled)
	if err != nil {
		return nil, err
	}
	e, err := r.Expand.Forward(d.MustReshape(b, r.Windows))
	if err != nil {
		return nil, err
	}
	tensor.GELUInPlace(e.Data)
	w, err := r.Contract.Forward(e)
	if err != nil {
		return nil, err
	}
	tensor.SigmoidInPlace(w.Data)
	return w, nil
}

// Forward scales kernels [Bk*nW, C, k, k] by the weights of windows and
// returns [B, nW*C, k, k]. Bk is either B or 1; a single kernel set is
// shared by every sample.
func (r *Reweight) Forward(kernels, windows *tensor.Tensor) (*tensor.Tensor, error) {
	if kernels.Rank() != 4 || kernels.Shape[1] != r.Dim || kernels.Shape[0]%r.Windows != 0 {
		return nil, tensor.Shapef("reweight", "kernels %v, want [B*%d, %d, k, k]", kernels.Shape, r.Windows, r.Dim)
	}
	w, err := r.Weights(windows)
	if err != nil {
		return nil, err
	}
	b := windows.Shape[0]
	kb := kernels.Shape[0] / r.Windows
	if kb != 1 && kb != b {
		return nil, tensor.Shapef("reweight", "%d kernel sets for batch %d", kb, b)
	}
	kh, kw := kernels.Shape[2], kernels.Shape[3]
	per := r.Dim * kh * kw
	out := tensor.New(b, r.Windows*r.Dim, kh, kw)
	for s := 0; s < b; s++ {
		src := kernels.Data
		if kb > 1 {
			src = kernels.Data[s*r.Windows*per : (s+1)*r.Windows*per]
		}
		for win := 0; win < r.Windows; win++ {
			dst := out.Data[(s*r.Windows+win)*per : (s*r.Windows+win+1)*per]
			copy(dst, src[win*per:(win+1)*per])
			tensor.Scale(dst, w.Data[s*r.Windows+win])
		}
	}
	return out, nil
}
