package kernelattn

import (
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/tensor"
)

// Pooler turns window features [N, C, ws, ws] into candidate kernels
// [N, C, k, k] by adaptive average pooling. ws need not be a multiple of k.
type Pooler struct {
	Size int
}

func (p Pooler) Forward(windows *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.AdaptiveAvgPool2D(windows, p.Size, p.Size)
}

// Gate is a squeeze-excitation gate applied to kernels: two 1x1 convolutions
// with GELU between them and a sigmoid output that scales the input.
type Gate struct {
	Dim     int
	Squeeze *nn.Conv2D
	Excite  *nn.Conv2D
}

func NewGate(dim int) (*Gate, error) {
	sq, err := nn.NewPointwise(dim, dim, 1)
	if err != nil {
		return nil, err
	}
	ex, err := nn.NewPointwise(dim, dim, 1)
	if err != nil {
		return nil, err
	}
	return &Gate{Dim: dim, Squeeze: sq, Excite: ex}, nil
}

// Params uses nn.Sequential indices: se.0 and se.2.
func (g *Gate) Params(prefix string) []nn.Param {
	return nn.Collect(prefix, nn.Named{Name: "0", Module: g.Squeeze}, nn.Named{Name: "2", Module: g.Excite})
}

// Weights returns the sigmoid gate values for kernels [N, C, k, k]; every
// value lies in [0, 1].
func (g *Gate) Weights(kernels *tensor.Tensor) (*tensor.Tensor, error) {
	s, err := g.Squeeze.Forward(kernels)
	if err != nil {
		return nil, err
	}
	tensor.GELUInPlace(s.Data)
	e, err := g.Excite.Forward(s)
	if err != nil {
		return nil, err
	}
	tensor.SigmoidInPlace(e.Data)
	return e, nil
}

// Forward returns kernels scaled elementwise by their gate.
func (g *Gate) Forward(kernels *tensor.Tensor) (*tensor.Tensor, error) {
	w, err := g.Weights(kernels)
	if err != nil {
		return nil, err
	}
	tensor.Mul(w.Data, kernels.Data)
	return w, nil
}
