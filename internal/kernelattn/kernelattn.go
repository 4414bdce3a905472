// Package kernelattn implements windowed dynamic-kernel attention.
//
// Instead of mixing tokens with dot products, the feature map is cut into a
// fixed number of windows, each window yields a small depthwise kernel, the
// kernels are reweighted by how informative their window is and fused into
// global kernels, and the global kernels are convolved back over the whole
// map.
//
// Two pipelines are provided:
//
//   - Pooled: kernels are pooled from window content and gated. A conv
//     fusion and a channel-attention fusion each produce one global kernel;
//     the two convolved maps are summed and projected.
//   - Learned: kernels are learned per window and reweighted by the
//     response they produce on their window. A 1x1 conv over the window axis
//     generates one more kernel; all nW+1 convolved maps are concatenated and
//     projected.
package kernelattn

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/hisr/internal/backend"
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/tensor"
	"github.com/samcharles93/hisr/internal/window"
)

// ErrInvalidConfig is returned (wrapped) for unusable configurations.
var ErrInvalidConfig = errors.New("invalid configuration")

// Variant selects the kernel synthesis pipeline.
type Variant string

const (
	Pooled  Variant = "pooled"
	Learned Variant = "learned"
)

// Config is the static geometry of a KernelAttention layer.
type Config struct {
	Dim        int     `yaml:"-" json:"-"`
	Windows    int     `yaml:"windows" json:"windows"`
	KernelSize int     `yaml:"kernel_size" json:"kernel_size"`
	Stride     int     `yaml:"stride" json:"stride"`
	Padding    int     `yaml:"padding" json:"padding"`
	Variant    Variant `yaml:"variant" json:"variant"`
}

// DefaultConfig is 16 windows with 3x3 kernels, stride 1 and padding 1.
func DefaultConfig(dim int) Config {
	return Config{Dim: dim, Windows: 16, KernelSize: 3, Stride: 1, Padding: 1, Variant: Pooled}
}

// Side returns the number of windows along one axis.
func (c Config) Side() int {
	return isqrt(c.Windows)
}

// WindowSize returns the window side used on a map of height h.
func (c Config) WindowSize(h int) int {
	if s := c.Side(); s > 0 {
		return h / s
	}
	return 0
}

func (c Config) Validate() error {
	switch {
	case c.Dim <= 0:
		return fmt.Errorf("%w: kernel attention dim %d", ErrInvalidConfig, c.Dim)
	case c.Windows <= 0 || c.Side()*c.Side() != c.Windows:
		return fmt.Errorf("%w: window count %d is not a positive square", ErrInvalidConfig, c.Windows)
	case c.KernelSize <= 0:
		return fmt.Errorf("%w: kernel size %d", ErrInvalidConfig, c.KernelSize)
	case c.Stride != 1 || 2*c.Padding != c.KernelSize-1:
		return fmt.Errorf("%w: stride %d padding %d do not preserve spatial size for kernel %d",
			ErrInvalidConfig, c.Stride, c.Padding, c.KernelSize)
	case c.Variant != Pooled && c.Variant != Learned:
		return fmt.Errorf("%w: unknown kernel attention variant %q", ErrInvalidConfig, c.Variant)
	}
	return nil
}

func isqrt(n int) int {
	if n <= 0 {
		return 0
	}
	r := int(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}

// KernelAttention maps a token map [B, H*W, C] to a map of the same shape.
type KernelAttention struct {
	Config

	pool Pooler
	conv GroupedKernelConv

	// Pooled
	Gate     *Gate
	Reweight *Reweight
	Fuse     *ConvFusion
	Sum      *ChannelFusion
	Proj     *nn.Conv2D

	// Learned
	WindowKernels *tensor.Tensor // [nW*C, 1, k, k]
	Generate      *nn.Conv2D     // nW → 1
	Fusion        *nn.Conv2D     // (nW+1)*C → C
}

func New(cfg Config) (*KernelAttention, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ka := &KernelAttention{
		Config: cfg,
		pool:   Pooler{Size: cfg.KernelSize},
		conv:   GroupedKernelConv{Stride: cfg.Stride, Padding: cfg.Padding},
	}
	var err error
	c, nw, k := cfg.Dim, cfg.Windows, cfg.KernelSize
	switch cfg.Variant {
	case Pooled:
		if ka.Gate, err = NewGate(c); err != nil {
			return nil, err
		}
		if ka.Reweight, err = NewReweight(c, nw, false); err != nil {
			return nil, err
		}
		if ka.Fuse, err = NewConvFusion(c, nw); err != nil {
			return nil, err
		}
		if ka.Sum, err = NewChannelFusion(c, nw); err != nil {
			return nil, err
		}
		if ka.Proj, err = nn.NewPointwise(c, c, 1); err != nil {
			return nil, err
		}
	case Learned:
		ka.WindowKernels = tensor.New(nw*c, 1, k, k)
		if ka.Reweight, err = NewReweight(c, nw, true); err != nil {
			return nil, err
		}
		if ka.Generate, err = nn.NewPointwise(nw, 1, 1); err != nil {
			return nil, err
		}
		if ka.Fusion, err = nn.NewPointwise((nw+1)*c, c, 1); err != nil {
			return nil, err
		}
	}
	return ka, nil
}

func (ka *KernelAttention) Params(prefix string) []nn.Param {
	if ka.Variant == Learned {
		ps := []nn.Param{{
			Name:  nn.Join(prefix, "convlayer1.params"),
			T:     ka.WindowKernels,
			FanIn: ka.KernelSize * ka.KernelSize,
		}}
		return append(ps, nn.Collect(prefix,
			nn.Named{Name: "wink_reweight", Module: ka.Reweight},
			nn.Named{Name: "gk_generation", Module: ka.Generate},
			nn.Named{Name: "fusion", Module: ka.Fusion},
		)...)
	}
	return nn.Collect(prefix,
		nn.Named{Name: "gk_fusion", Module: ka.Fuse},
		nn.Named{Name: "gk_sum", Module: ka.Sum},
		nn.Named{Name: "se", Module: ka.Gate},
		nn.Named{Name: "wink_reweight", Module: ka.Reweight},
		nn.Named{Name: "proj_out", Module: ka.Proj},
	)
}

// Kernels runs kernel synthesis only and returns the global kernels that
// Forward would convolve with x.
func (ka *KernelAttention) Kernels(ex *backend.Exec, x *tensor.Tensor, h, w int) (GlobalKernels, error) {
	stacked, err := ka.windows(ex, x, h, w)
	if err != nil {
		return GlobalKernels{}, err
	}
	if ka.Variant == Learned {
		return ka.learnedKernels(stacked)
	}
	return ka.pooledKernels(stacked)
}

// Forward maps x [B, h*w, C] to [B, h*w, C].
func (ka *KernelAttention) Forward(ex *backend.Exec, x *tensor.Tensor, h, w int) (*tensor.Tensor, error) {
	g, err := ka.Kernels(ex, x, h, w)
	if err != nil {
		return nil, err
	}
	b, c := x.Shape[0], ka.Dim
	xmap := x.MustReshape(b, h, w, c).MustPermute(0, 3, 1, 2)
	y, err := ka.conv.Apply(ex, xmap, g)
	if err != nil {
		return nil, err
	}

	var mixed *tensor.Tensor
	switch ka.Variant {
	case Learned:
		mixed, err = ka.Fusion.Forward(y.MustReshape(b, g.Instances()*c, h, w))
	default:
		summed, serr := tensor.SumAxis(y, 1)
		if serr != nil {
			return nil, serr
		}
		mixed, err = ka.Proj.Forward(summed)
	}
	if err != nil {
		return nil, err
	}
	return mixed.MustPermute(0, 2, 3, 1).Reshape(b, h*w, c)
}

// windows validates x and returns its windows stacked on the channel axis,
// [B, nW*C, ws, ws]. The map is zero-padded bottom/right to a multiple of
// the window size and must then hold exactly Windows windows.
func (ka *KernelAttention) windows(ex *backend.Exec, x *tensor.Tensor, h, w int) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Shape[1] != h*w || x.Shape[2] != ka.Dim {
		return nil, tensor.Shapef("kernel attention", "input %v, want [B, %d*%d, %d]", x.Shape, h, w, ka.Dim)
	}
	ws := ka.WindowSize(h)
	if ws <= 0 {
		return nil, tensor.Shapef("kernel attention", "height %d too small for %d windows", h, ka.Windows)
	}
	padded, hp, wp, err := window.PadFeatureMap(x, h, w, ws)
	if err != nil {
		return nil, err
	}
	if n := window.Count(hp, wp, ws); n != ka.Windows {
		return nil, tensor.Shapef("kernel attention", "%dx%d map gives %d windows of %d, want %d", h, w, n, ws, ka.Windows)
	}
	ex.Logger().Debug("kernel attention windows",
		"variant", string(ka.Variant), "window", ws, "height", hp, "width", wp)
	b := x.Shape[0]
	return window.ChannelStack(padded.MustReshape(b, hp, wp, ka.Dim), ws)
}

func (ka *KernelAttention) pooledKernels(stacked *tensor.Tensor) (GlobalKernels, error) {
	b, c, nw, k := stacked.Shape[0], ka.Dim, ka.Windows, ka.KernelSize
	ws := stacked.Shape[2]
	kernels, err := ka.pool.Forward(stacked.MustReshape(b*nw, c, ws, ws))
	if err != nil {
		return GlobalKernels{}, err
	}
	kernels, err = ka.Gate.Forward(kernels)
	if err != nil {
		return GlobalKernels{}, err
	}
	weighted, err := ka.Reweight.Forward(kernels, stacked)
	if err != nil {
		return GlobalKernels{}, err
	}
	fused, err := ka.Fuse.Forward(weighted)
	if err != nil {
		return GlobalKernels{}, err
	}
	summed, err := ka.Sum.Forward(kernels.MustReshape(b, nw*c, k, k), fused)
	if err != nil {
		return GlobalKernels{}, err
	}
	return Dual(fused, summed)
}

func (ka *KernelAttention) learnedKernels(stacked *tensor.Tensor) (GlobalKernels, error) {
	b, c, nw, k := stacked.Shape[0], ka.Dim, ka.Windows, ka.KernelSize
	resp, err := tensor.Conv2D(stacked, ka.WindowKernels, nil, tensor.ConvParams{
		Stride: ka.Stride, Padding: ka.Padding, Groups: nw * c,
	})
	if err != nil {
		return GlobalKernels{}, err
	}
	weighted, err := ka.Reweight.Forward(ka.WindowKernels.MustReshape(nw, c, k, k), resp)
	if err != nil {
		return GlobalKernels{}, err
	}
	per := weighted.MustReshape(b, nw, c, k, k)
	byChannel := per.MustPermute(0, 2, 1, 3, 4).MustReshape(b*c, nw, k, k)
	gen, err := ka.Generate.Forward(byChannel)
	if err != nil {
		return GlobalKernels{}, err
	}
	return Stacked(per, gen.MustReshape(b, c, k, k))
}

// FLOPs estimates multiply-adds of one forward pass on an h×w map.
func (ka *KernelAttention) FLOPs(h, w int) int64 {
	c, k, hw := int64(ka.Dim), int64(ka.KernelSize), int64(h*w)
	if ka.Variant == Learned {
		inst := int64(ka.Windows + 1)
		return inst*c*hw*k*k + inst*c*c*hw
	}
	return 2*c*hw*k*k + c*c*hw
}
