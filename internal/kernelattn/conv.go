package kernelattn

import (
	"github.com/samcharles93/hisr/internal/backend"
	"github.com/samcharles93/hisr/internal/tensor"
)

// GroupedKernelConv applies synthesized kernels to a full feature map.
//
// The map is replicated once per kernel instance and every (batch,
// instance, channel) triple is convolved with its own k×k filter, which is a
// single grouped convolution with groups = B × I × C. Samples share nothing,
// so each one is issued as its own grouped call with groups = I × C and the
// batch fans out across the execution context.
type GroupedKernelConv struct {
	Stride  int
	Padding int
}

// Groups returns the group count of the equivalent single convolution call.
func Groups(g GlobalKernels) int {
	return g.Batch() * g.Instances() * g.Channels()
}

// Apply convolves x [B, C, H, W] with g and returns [B, I, C, H', W'].
func (gc GroupedKernelConv) Apply(ex *backend.Exec, x *tensor.Tensor, g GlobalKernels) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, tensor.Shapef("grouped kernel conv", "input %v, want [B, C, H, W]", x.Shape)
	}
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if g.T == nil || g.T.Rank() != 5 || g.Batch() != b || g.Channels() != c {
		var shape []int
		if g.T != nil {
			shape = g.T.Shape
		}
		return nil, tensor.Shapef("grouped kernel conv", "kernels %v for input %v", shape, x.Shape)
	}
	inst, k := g.Instances(), g.Size()
	p := tensor.ConvParams{Stride: gc.Stride, Padding: gc.Padding, Groups: inst * c}
	if p.Stride <= 0 {
		p.Stride = 1
	}
	oh := tensor.ConvOutSize(h, k, p.Stride, p.Padding)
	ow := tensor.ConvOutSize(w, k, p.Stride, p.Padding)
	if oh <= 0 || ow <= 0 {
		return nil, tensor.Shapef("grouped kernel conv", "kernel %d does not fit %dx%d with padding %d", k, h, w, p.Padding)
	}
	out := tensor.New(b, inst, c, oh, ow)
	plane := c * h * w
	per := inst * c * k * k
	outPer := inst * c * oh * ow

	err := ex.ParallelFor(b, func(s int) error {
		sample, err := tensor.FromData(x.Data[s*plane:(s+1)*plane], 1, c, h, w)
		if err != nil {
			return err
		}
		rep, err := tensor.Repeat(sample, 1, inst)
		if err != nil {
			return err
		}
		kernels, err := tensor.FromData(g.T.Data[s*per:(s+1)*per], inst*c, 1, k, k)
		if err != nil {
			return err
		}
		y, err := tensor.Conv2D(rep, kernels, nil, p)
		if err != nil {
			return err
		}
		copy(out.Data[s*outPer:(s+1)*outPer], y.Data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
