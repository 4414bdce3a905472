// Package nn holds the learned-parameter building blocks shared by every
// layer: linear maps, grouped convolutions and layer norms, plus named
// parameter enumeration, seeded initialisation and loading.
//
// Parameter names follow PyTorch state-dict keys ("blocks.0.attn.qkv.weight")
// so exported checkpoints map one-to-one onto a module tree.
package nn

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/hisr/internal/tensor"
)

// InitKind selects how Init fills a parameter.
type InitKind int

const (
	// InitFanIn draws uniformly from [-1/sqrt(fanIn), 1/sqrt(fanIn)).
	InitFanIn InitKind = iota
	InitZero
	InitOne
)

// Param is one named learned tensor.
type Param struct {
	Name  string
	T     *tensor.Tensor
	Init  InitKind
	FanIn int
}

// Module is anything that owns learned parameters.
type Module interface {
	Params(prefix string) []Param
}

// Join appends a child name to a dotted prefix.
func Join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Count returns the number of scalar parameters in m.
func Count(m Module) int {
	n := 0
	for _, p := range m.Params("") {
		n += p.T.Numel()
	}
	return n
}

// Names lists the parameter names of m under prefix, in module order.
func Names(m Module, prefix string) []string {
	ps := m.Params(prefix)
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name
	}
	return names
}

// Init fills every parameter of m deterministically from seed. Parameter i
// uses seed+i, so adding a trailing module does not perturb earlier ones.
func Init(m Module, seed int64) {
	for i, p := range m.Params("") {
		switch p.Init {
		case InitZero:
			tensor.Fill(p.T, 0)
		case InitOne:
			tensor.Fill(p.T, 1)
		default:
			fan := max(p.FanIn, 1)
			tensor.FillRand(p.T, seed+int64(i), float32(1/math.Sqrt(float64(fan))))
		}
	}
}

// ErrMissingParam is returned by Load in strict mode when the source lacks a
// parameter the module owns.
var ErrMissingParam = errors.New("missing parameter")

// Source yields named float32 tensors, typically a safetensors file.
type Source interface {
	Has(name string) bool
	LoadF32(name string) ([]float32, []int, error)
}

// MapSource is an in-memory Source.
type MapSource map[string]*tensor.Tensor

func (s MapSource) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s MapSource) LoadF32(name string) ([]float32, []int, error) {
	t, ok := s[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
	return t.Data, t.Shape, nil
}

// Load copies parameters from src into m. Shapes must match exactly. In
// strict mode a missing parameter is an error; otherwise it keeps its current
// value. Load returns the number of parameters copied.
func Load(m Module, src Source, strict bool) (int, error) {
	loaded := 0
	for _, p := range m.Params("") {
		if !src.Has(p.Name) {
			if strict {
				return loaded, fmt.Errorf("%w: %s", ErrMissingParam, p.Name)
			}
			continue
		}
		data, shape, err := src.LoadF32(p.Name)
		if err != nil {
			return loaded, fmt.Errorf("load %s: %w", p.Name, err)
		}
		if !slices.Equal(shape, p.T.Shape) {
			return loaded, fmt.Errorf("load %s: %w", p.Name, tensor.Shapef("load", "source shape %v, module expects %v", shape, p.T.Shape))
		}
		copy(p.T.Data, data)
		loaded++
	}
	return loaded, nil
}

// Linear is y = x·Wᵀ + b over the last axis.
type Linear struct {
	In, Out int
	Weight  *tensor.Tensor // [Out, In]
	Bias    *tensor.Tensor // [Out] or nil
}

func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{In: in, Out: out, Weight: tensor.New(out, in)}
	if bias {
		l.Bias = tensor.New(out)
	}
	return l
}

func (l *Linear) Params(prefix string) []Param {
	ps := []Param{{Name: Join(prefix, "weight"), T: l.Weight, FanIn: l.In}}
	if l.Bias != nil {
		ps = append(ps, Param{Name: Join(prefix, "bias"), T: l.Bias, FanIn: l.In})
	}
	return ps
}

// PointwiseParams exposes the same parameters shaped as a 1x1 convolution
// ([Out, In, 1, 1]). The views share storage with Weight, so loading or
// initialising through them updates the Linear.
func (l *Linear) PointwiseParams(prefix string) []Param {
	ps := l.Params(prefix)
	ps[0].T = l.Weight.MustReshape(l.Out, l.In, 1, 1)
	return ps
}

// Row computes one output row: dst[Out] = W·x[In] + b.
func (l *Linear) Row(dst, x []float32) {
	for o := 0; o < l.Out; o++ {
		v := tensor.Dot(l.Weight.Data[o*l.In:(o+1)*l.In], x)
		if l.Bias != nil {
			v += l.Bias.Data[o]
		}
		dst[o] = v
	}
}

// Forward maps [..., In] to [..., Out].
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != l.In {
		return nil, tensor.Shapef("linear", "input %v, want last dim %d", x.Shape, l.In)
	}
	shape := slices.Clone(x.Shape)
	shape[len(shape)-1] = l.Out
	out := tensor.New(shape...)
	rows := x.Numel() / l.In
	for r := 0; r < rows; r++ {
		l.Row(out.Data[r*l.Out:(r+1)*l.Out], x.Data[r*l.In:(r+1)*l.In])
	}
	return out, nil
}

// Conv2D is a learned grouped convolution over [N, C, H, W].
type Conv2D struct {
	In, Out, Kernel int
	tensor.ConvParams
	Weight *tensor.Tensor // [Out, In/Groups, Kernel, Kernel]
	Bias   *tensor.Tensor // [Out] or nil
}

func NewConv2D(in, out, kernel int, p tensor.ConvParams, bias bool) (*Conv2D, error) {
	if p.Groups <= 0 {
		p.Groups = 1
	}
	if p.Stride <= 0 {
		p.Stride = 1
	}
	if in%p.Groups != 0 || out%p.Groups != 0 {
		return nil, tensor.Shapef("conv2d", "channels in=%d out=%d not divisible by groups=%d", in, out, p.Groups)
	}
	c := &Conv2D{
		In: in, Out: out, Kernel: kernel,
		ConvParams: p,
		Weight:     tensor.New(out, in/p.Groups, kernel, kernel),
	}
	if bias {
		c.Bias = tensor.New(out)
	}
	return c, nil
}

// NewPointwise is a 1x1 convolution with bias.
func NewPointwise(in, out, groups int) (*Conv2D, error) {
	return NewConv2D(in, out, 1, tensor.ConvParams{Stride: 1, Groups: groups}, true)
}

func (c *Conv2D) fanIn() int {
	return c.In / c.Groups * c.Kernel * c.Kernel
}

func (c *Conv2D) Params(prefix string) []Param {
	ps := []Param{{Name: Join(prefix, "weight"), T: c.Weight, FanIn: c.fanIn()}}
	if c.Bias != nil {
		ps = append(ps, Param{Name: Join(prefix, "bias"), T: c.Bias, FanIn: c.fanIn()})
	}
	return ps
}

func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 || x.Shape[1] != c.In {
		return nil, tensor.Shapef("conv2d", "input %v, want [N, %d, H, W]", x.Shape, c.In)
	}
	var bias []float32
	if c.Bias != nil {
		bias = c.Bias.Data
	}
	return tensor.Conv2D(x, c.Weight, bias, c.ConvParams)
}

// LayerNorm normalises over the last axis.
type LayerNorm struct {
	Dim    int
	Eps    float32
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func NewLayerNorm(dim int) *LayerNorm {
	n := &LayerNorm{Dim: dim, Eps: 1e-5, Weight: tensor.New(dim), Bias: tensor.New(dim)}
	tensor.Fill(n.Weight, 1)
	return n
}

func (n *LayerNorm) Params(prefix string) []Param {
	return []Param{
		{Name: Join(prefix, "weight"), T: n.Weight, Init: InitOne},
		{Name: Join(prefix, "bias"), T: n.Bias, Init: InitZero},
	}
}

func (n *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != n.Dim {
		return nil, tensor.Shapef("layer norm", "input %v, want last dim %d", x.Shape, n.Dim)
	}
	out := tensor.New(x.Shape...)
	for r := 0; r < x.Numel()/n.Dim; r++ {
		tensor.LayerNorm(out.Data[r*n.Dim:(r+1)*n.Dim], x.Data[r*n.Dim:(r+1)*n.Dim], n.Weight.Data, n.Bias.Data, n.Eps)
	}
	return out, nil
}

// Collect concatenates the parameters of named children.
func Collect(prefix string, children ...Named) []Param {
	var ps []Param
	for _, c := range children {
		if c.Module == nil {
			continue
		}
		ps = append(ps, c.Module.Params(Join(prefix, c.Name))...)
	}
	return ps
}

// Named pairs a child module with its state-dict key.
type Named struct {
	Name   string
	Module Module
}
