package swin

import (
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/tensor"
)

// MLP is fc1 → GELU → fc2 over the channel axis.
type MLP struct {
	FC1 *nn.Linear
	FC2 *nn.Linear
}

func NewMLP(dim, hidden int) *MLP {
	return &MLP{FC1: nn.NewLinear(dim, hidden, true), FC2: nn.NewLinear(hidden, dim, true)}
}

func (m *MLP) Params(prefix string) []nn.Param {
	return nn.Collect(prefix, nn.Named{Name: "fc1", Module: m.FC1}, nn.Named{Name: "fc2", Module: m.FC2})
}

func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.FC1.Forward(x)
	if err != nil {
		return nil, err
	}
	tensor.GELUInPlace(h.Data)
	return m.FC2.Forward(h)
}

// PatchMerging halves the resolution and doubles the channels: each 2x2
// neighbourhood is concatenated to 4C channels, normalised and projected to
// 2C without bias.
type PatchMerging struct {
	Height, Width, Dim int

	Norm      *nn.LayerNorm
	Reduction *nn.Linear
}

func NewPatchMerging(h, w, dim int) *PatchMerging {
	return &PatchMerging{
		Height: h, Width: w, Dim: dim,
		Norm:      nn.NewLayerNorm(4 * dim),
		Reduction: nn.NewLinear(4*dim, 2*dim, false),
	}
}

func (p *PatchMerging) Params(prefix string) []nn.Param {
	return nn.Collect(prefix, nn.Named{Name: "reduction", Module: p.Reduction}, nn.Named{Name: "norm", Module: p.Norm})
}

// Forward maps [B, H*W, C] to [B, H/2*W/2, 2C]. H and W must be even.
func (p *PatchMerging) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, w, c := p.Height, p.Width, p.Dim
	if x.Rank() != 3 || x.Shape[1] != h*w || x.Shape[2] != c {
		return nil, tensor.Shapef("patch merging", "input %v, want [B, %d, %d]", x.Shape, h*w, c)
	}
	if h%2 != 0 || w%2 != 0 {
		return nil, tensor.Shapef("patch merging", "resolution %dx%d is not even", h, w)
	}
	normed, err := p.Norm.Forward(p.gather(x))
	if err != nil {
		return nil, err
	}
	return p.Reduction.Forward(normed)
}

// gather concatenates each 2x2 neighbourhood in the order (0,0), (1,0),
// (0,1), (1,1) as (dy, dx).
func (p *PatchMerging) gather(x *tensor.Tensor) *tensor.Tensor {
	h, w, c := p.Height, p.Width, p.Dim
	b := x.Shape[0]
	oh, ow := h/2, w/2
	merged := tensor.New(b, oh*ow, 4*c)
	offsets := [4][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}}
	for n := 0; n < b; n++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				dst := merged.Data[((n*oh+y)*ow+xx)*4*c:]
				for i, off := range offsets {
					sy, sx := 2*y+off[0], 2*xx+off[1]
					copy(dst[i*c:(i+1)*c], x.Data[((n*h+sy)*w+sx)*c:])
				}
			}
		}
	}
	return merged
}

// FLOPs estimates multiply-adds of one forward pass for a single sample.
func (p *PatchMerging) FLOPs() int64 {
	h, w, c := int64(p.Height), int64(p.Width), int64(p.Dim)
	return h*w*c + (h/2)*(w/2)*4*c*2*c
}
