package kernelattn

import (
	"fmt"

	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/tensor"
)

// KernelKind tags how a GlobalKernels value was produced.
type KernelKind int

const (
	// SingleKernel holds one fused kernel per (batch, channel).
	SingleKernel KernelKind = iota
	// DualKernel holds the conv-fusion kernel followed by the
	// channel-attention kernel.
	DualKernel
	// StackedKernels holds every per-window kernel followed by one generated
	// global kernel.
	StackedKernels
)

func (k KernelKind) String() string {
	switch k {
	case SingleKernel:
		return "single"
	case DualKernel:
		return "dual"
	case StackedKernels:
		return "stacked"
	default:
		return fmt.Sprintf("KernelKind(%d)", int(k))
	}
}

// GlobalKernels is the fused output of a kernel-attention pass: a tensor
// [B, I, C, k, k] holding I kernel instances per sample. It is built fresh
// for every forward call and consumed by GroupedKernelConv.
type GlobalKernels struct {
	Kind KernelKind
	T    *tensor.Tensor
}

func (g GlobalKernels) Batch() int     { return g.T.Shape[0] }
func (g GlobalKernels) Instances() int { return g.T.Shape[1] }
func (g GlobalKernels) Channels() int  { return g.T.Shape[2] }
func (g GlobalKernels) Size() int      { return g.T.Shape[3] }

func checkKernel(op string, t *tensor.Tensor) error {
	if t.Rank() != 4 || t.Shape[2] != t.Shape[3] {
		return tensor.Shapef(op, "kernel %v, want [B, C, k, k]", t.Shape)
	}
	return nil
}

// Single wraps one kernel [B, C, k, k].
func Single(g *tensor.Tensor) (GlobalKernels, error) {
	if err := checkKernel("single kernel", g); err != nil {
		return GlobalKernels{}, err
	}
	b, c, k := g.Shape[0], g.Shape[1], g.Shape[2]
	return GlobalKernels{Kind: SingleKernel, T: g.MustReshape(b, 1, c, k, k)}, nil
}

// Dual stacks the conv-fusion and channel-attention kernels, in that order.
func Dual(fusion, sum *tensor.Tensor) (GlobalKernels, error) {
	if err := checkKernel("dual kernel", fusion); err != nil {
		return GlobalKernels{}, err
	}
	if !tensor.SameShape(fusion, sum) {
		return GlobalKernels{}, tensor.Shapef("dual kernel", "fusion %v vs sum %v", fusion.Shape, sum.Shape)
	}
	b, c, k := fusion.Shape[0], fusion.Shape[1], fusion.Shape[2]
	t, err := tensor.Concat(1, fusion.MustReshape(b, 1, c, k, k), sum.MustReshape(b, 1, c, k, k))
	if err != nil {
		return GlobalKernels{}, err
	}
	return GlobalKernels{Kind: DualKernel, T: t}, nil
}

// Stacked appends a generated kernel [B, C, k, k] to per-window kernels
// [B, nW, C, k, k], giving nW+1 instances.
func Stacked(perWindow, global *tensor.Tensor) (GlobalKernels, error) {
	if err := checkKernel("stacked kernels", global); err != nil {
		return GlobalKernels{}, err
	}
	b, c, k := global.Shape[0], global.Shape[1], global.Shape[2]
	if perWindow.Rank() != 5 || perWindow.Shape[0] != b || perWindow.Shape[2] != c || perWindow.Shape[3] != k || perWindow.Shape[4] != k {
		return GlobalKernels{}, tensor.Shapef("stacked kernels", "per-window %v, want [%d, nW, %d, %d, %d]", perWindow.Shape, b, c, k, k)
	}
	t, err := tensor.Concat(1, perWindow, global.MustReshape(b, 1, c, k, k))
	if err != nil {
		return GlobalKernels{}, err
	}
	return GlobalKernels{Kind: StackedKernels, T: t}, nil
}

// ConvFusion fuses per-window kernels with a grouped 1x1 convolution across
// the window axis: one group per channel, nW inputs each.
type ConvFusion struct {
	Dim     int
	Windows int
	Conv    *nn.Conv2D
}

func NewConvFusion(dim, windows int) (*ConvFusion, error) {
	conv, err := nn.NewPointwise(dim*windows, dim, dim)
	if err != nil {
		return nil, err
	}
	return &ConvFusion{Dim: dim, Windows: windows, Conv: conv}, nil
}

func (f *ConvFusion) Params(prefix string) []nn.Param {
	return f.Conv.Params(prefix)
}

// Forward maps window-major kernels [B, nW*C, k, k] to [B, C, k, k].
func (f *ConvFusion) Forward(kernels *tensor.Tensor) (*tensor.Tensor, error) {
	if kernels.Rank() != 4 || kernels.Shape[1] != f.Windows*f.Dim {
		return nil, tensor.Shapef("conv fusion", "kernels %v, want [B, %d, k, k]", kernels.Shape, f.Windows*f.Dim)
	}
	b, kh, kw := kernels.Shape[0], kernels.Shape[2], kernels.Shape[3]
	cm := kernels.MustReshape(b, f.Windows, f.Dim, kh, kw).MustPermute(0, 2, 1, 3, 4)
	return f.Conv.Forward(cm.MustReshape(b, f.Dim*f.Windows, kh, kw))
}

// ChannelFusion fuses n kernel groups with channel attention: the stack is
// projected, activated and pooled into a vector, two linear layers produce
// one logit per (group, channel), and a softmax over the groups weights the
// sum. The projected sum is added to a separately supplied global kernel.
type ChannelFusion struct {
	Dim int
	N   int

	Proj    *nn.Conv2D // n*C → n*C, groups C
	FC1     *nn.Linear // n*C → C
	FC2     *nn.Linear // C → n*C
	ProjOut *nn.Conv2D // C → C
}

func NewChannelFusion(dim, n int) (*ChannelFusion, error) {
	proj, err := nn.NewPointwise(n*dim, n*dim, dim)
	if err != nil {
		return nil, err
	}
	out, err := nn.NewPointwise(dim, dim, 1)
	if err != nil {
		return nil, err
	}
	return &ChannelFusion{
		Dim:     dim,
		N:       n,
		Proj:    proj,
		FC1:     nn.NewLinear(n*dim, dim, true),
		FC2:     nn.NewLinear(dim, n*dim, true),
		ProjOut: out,
	}, nil
}

func (f *ChannelFusion) Params(prefix string) []nn.Param {
	return nn.Collect(prefix,
		nn.Named{Name: "proj", Module: f.Proj},
		nn.Named{Name: "fc1", Module: f.FC1},
		nn.Named{Name: "fc2", Module: f.FC2},
		nn.Named{Name: "proj_out", Module: f.ProjOut},
	)
}

// Attention returns the group weights [B, n, C]; for every (batch, channel)
// they are non-negative and sum to one across n.
func (f *ChannelFusion) Attention(groups *tensor.Tensor) (*tensor.Tensor, error) {
	if groups.Rank() != 4 || groups.Shape[1] != f.N*f.Dim {
		return nil, tensor.Shapef("channel fusion", "input %v, want [B, %d, k, k]", groups.Shape, f.N*f.Dim)
	}
	b := groups.Shape[0]
	p, err := f.Proj.Forward(groups)
	if err != nil {
		return nil, err
	}
	tensor.GELUInPlace(p.Data)
	gap, err := tensor.AdaptiveAvgPool2D(p, 1, 1)
	if err != nil {
		return nil, err
	}
	h, err := f.FC1.Forward(gap.MustReshape(b, f.N*f.Dim))
	if err != nil {
		return nil, err
	}
	tensor.GELUInPlace(h.Data)
	a, err := f.FC2.Forward(h)
	if err != nil {
		return nil, err
	}
	for s := 0; s < b; s++ {
		row := a.Data[s*f.N*f.Dim : (s+1)*f.N*f.Dim]
		for c := 0; c < f.Dim; c++ {
			tensor.SoftmaxStrided(row[c:], f.N, f.Dim)
		}
	}
	return a.MustReshape(b, f.N, f.Dim), nil
}

// Forward maps groups [B, n*C, k, k] and global [B, C, k, k] to the fused
// kernel [B, C, k, k].
func (f *ChannelFusion) Forward(groups, global *tensor.Tensor) (*tensor.Tensor, error) {
	att, err := f.Attention(groups)
	if err != nil {
		return nil, err
	}
	b, kh, kw := groups.Shape[0], groups.Shape[2], groups.Shape[3]
	if global.Rank() != 4 || global.Shape[0] != b || global.Shape[1] != f.Dim || global.Shape[2] != kh || global.Shape[3] != kw {
		return nil, tensor.Shapef("channel fusion", "global %v, want [%d, %d, %d, %d]", global.Shape, b, f.Dim, kh, kw)
	}
	plane := kh * kw
	sum := tensor.New(b, f.Dim, kh, kw)
	for s := 0; s < b; s++ {
		for i := 0; i < f.N; i++ {
			for c := 0; c < f.Dim; c++ {
				wgt := att.Data[(s*f.N+i)*f.Dim+c]
				src := groups.Data[((s*f.N+i)*f.Dim+c)*plane : ((s*f.N+i)*f.Dim+c+1)*plane]
				dst := sum.Data[(s*f.Dim+c)*plane : (s*f.Dim+c+1)*plane]
				for j, v := range src {
					dst[j] += wgt * v
				}
			}
		}
	}
	out, err := f.ProjOut.Forward(sum)
	if err != nil {
		return nil, err
	}
	tensor.Add(out.Data, global.Data)
	return out, nil
}
