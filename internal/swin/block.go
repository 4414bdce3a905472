// Package swin assembles window attention and kernel attention into Swin
// Transformer blocks, stages and a full network.
package swin

import (
	"fmt"

	"github.com/samcharles93/hisr/internal/attention"
	"github.com/samcharles93/hisr/internal/backend"
	"github.com/samcharles93/hisr/internal/kernelattn"
	"github.com/samcharles93/hisr/internal/logger"
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/tensor"
	"github.com/samcharles93/hisr/internal/window"
)

// BlockConfig is the static geometry of one block.
type BlockConfig struct {
	Dim        int
	Height     int
	Width      int
	Heads      int
	WindowSize int
	ShiftSize  int
	MLPRatio   float64
	QKVBias    bool
	QKScale    float32
	Branch     Branch
	Kernel     kernelattn.Config

	// Stage and Index only label log lines.
	Stage, Index int
}

// Block is norm → branch → residual → norm → MLP → residual.
type Block struct {
	cfg BlockConfig

	// Effective geometry after clamping.
	ws, shift int
	// Attention runs on the map padded to a multiple of ws.
	hp, wp int
	mask   *tensor.Tensor

	Norm1 *nn.LayerNorm
	Attn  *attention.WindowAttention
	KA    *kernelattn.KernelAttention
	Norm2 *nn.LayerNorm
	MLP   *MLP
}

// NewBlock builds a block. When the window is not smaller than the input
// resolution it is clamped to the resolution and shifting is disabled; the
// adjustment is logged at warn level.
func NewBlock(cfg BlockConfig, log logger.Logger) (*Block, error) {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Height <= 0 || cfg.Width <= 0 || cfg.Dim <= 0 {
		return nil, fmt.Errorf("%w: block resolution %dx%d dim %d", ErrInvalidConfig, cfg.Height, cfg.Width, cfg.Dim)
	}
	if !cfg.Branch.valid() {
		return nil, fmt.Errorf("%w: unknown branch %q", ErrInvalidConfig, cfg.Branch)
	}
	ws, shift := cfg.WindowSize, cfg.ShiftSize
	if res := min(cfg.Height, cfg.Width); res <= ws {
		if ws != res || shift != 0 {
			log.Warn("window clamped to input resolution",
				"stage", cfg.Stage, "block", cfg.Index,
				"window", cfg.WindowSize, "shift", cfg.ShiftSize,
				"effective_window", res, "effective_shift", 0)
		}
		ws, shift = res, 0
	}
	if ws <= 0 || shift < 0 || shift >= ws {
		return nil, fmt.Errorf("%w: shift %d must be in [0, %d)", ErrInvalidConfig, shift, ws)
	}

	b := &Block{
		cfg:   cfg,
		ws:    ws,
		shift: shift,
		hp:    cfg.Height + window.PadAmount(cfg.Height, ws),
		wp:    cfg.Width + window.PadAmount(cfg.Width, ws),
		Norm1: nn.NewLayerNorm(cfg.Dim),
		Norm2: nn.NewLayerNorm(cfg.Dim),
		MLP:   NewMLP(cfg.Dim, int(float64(cfg.Dim)*cfg.MLPRatio)),
	}

	attnDim, heads, kaDim := cfg.Dim, cfg.Heads, 0
	switch cfg.Branch {
	case SelfAttention:
	case KernelAttention:
		attnDim, kaDim = 0, cfg.Dim
	case Split:
		if cfg.Dim%2 != 0 || heads%2 != 0 {
			return nil, fmt.Errorf("%w: split needs even dim and heads, got %d and %d", ErrInvalidConfig, cfg.Dim, heads)
		}
		attnDim, heads, kaDim = cfg.Dim/2, heads/2, cfg.Dim/2
	case Cascade:
		if shift == 0 {
			kaDim = cfg.Dim
		}
	}

	var err error
	if attnDim > 0 {
		if b.Attn, err = attention.New(attnDim, heads, cfg.QKVBias, cfg.QKScale); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if b.mask, err = window.ShiftMask(b.hp, b.wp, ws, shift); err != nil {
			return nil, err
		}
	}
	if kaDim > 0 {
		kc := cfg.Kernel
		kc.Dim = kaDim
		if b.KA, err = kernelattn.New(kc); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// WindowSize and ShiftSize report the effective geometry.
func (b *Block) WindowSize() int { return b.ws }
func (b *Block) ShiftSize() int  { return b.shift }

func (b *Block) Config() BlockConfig { return b.cfg }

// Mask returns the shifted-window mask, or nil when the block is not shifted.
func (b *Block) Mask() *tensor.Tensor { return b.mask }

func (b *Block) kaName() string {
	if b.cfg.Branch == Cascade {
		return "window_inter_attn"
	}
	return "KernelAttention"
}

func (b *Block) Params(prefix string) []nn.Param {
	children := []nn.Named{{Name: "norm1", Module: b.Norm1}}
	if b.Attn != nil {
		children = append(children, nn.Named{Name: "attn", Module: b.Attn})
	}
	if b.KA != nil {
		children = append(children, nn.Named{Name: b.kaName(), Module: b.KA})
	}
	children = append(children,
		nn.Named{Name: "norm2", Module: b.Norm2},
		nn.Named{Name: "mlp", Module: b.MLP},
	)
	return nn.Collect(prefix, children...)
}

// Forward maps [B, H*W, C] to [B, H*W, C].
func (b *Block) Forward(ex *backend.Exec, x *tensor.Tensor) (*tensor.Tensor, error) {
	h, w, c := b.cfg.Height, b.cfg.Width, b.cfg.Dim
	if x.Rank() != 3 || x.Shape[1] != h*w || x.Shape[2] != c {
		return nil, tensor.Shapef("swin block", "input %v, want [B, %d, %d]", x.Shape, h*w, c)
	}
	xn, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, err
	}

	var y *tensor.Tensor
	switch b.cfg.Branch {
	case SelfAttention:
		y, err = b.windowAttention(ex, xn)
	case KernelAttention:
		y, err = b.KA.Forward(ex, xn, h, w)
	case Split:
		y, err = b.split(ex, xn)
	case Cascade:
		y, err = b.windowAttention(ex, xn)
		if err == nil && b.KA != nil {
			y, err = b.KA.Forward(ex, y, h, w)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("stage %d block %d: %w", b.cfg.Stage, b.cfg.Index, err)
	}

	tensor.Add(y.Data, x.Data)
	yn, err := b.Norm2.Forward(y)
	if err != nil {
		return nil, err
	}
	m, err := b.MLP.Forward(yn)
	if err != nil {
		return nil, err
	}
	tensor.Add(y.Data, m.Data)
	return y, nil
}

func (b *Block) split(ex *backend.Exec, xn *tensor.Tensor) (*tensor.Tensor, error) {
	halves, err := tensor.Split(xn, -1, 2)
	if err != nil {
		return nil, err
	}
	wa, err := b.windowAttention(ex, halves[0])
	if err != nil {
		return nil, err
	}
	ka, err := b.KA.Forward(ex, halves[1], b.cfg.Height, b.cfg.Width)
	if err != nil {
		return nil, err
	}
	return tensor.Concat(-1, wa, ka)
}

// windowAttention runs (shifted) window self-attention over [B, H*W, c].
func (b *Block) windowAttention(ex *backend.Exec, x *tensor.Tensor) (*tensor.Tensor, error) {
	h, w := b.cfg.Height, b.cfg.Width
	n, c := x.Shape[0], x.Shape[2]
	grid, err := x.Reshape(n, h, w, c)
	if err != nil {
		return nil, err
	}
	if b.hp != h || b.wp != w {
		if grid, err = tensor.PadBottomRight(grid, b.hp-h, b.wp-w); err != nil {
			return nil, err
		}
	}
	if b.shift > 0 {
		if grid, err = tensor.Roll(grid, -b.shift, -b.shift); err != nil {
			return nil, err
		}
	}
	wins, err := window.Partition(grid, b.ws)
	if err != nil {
		return nil, err
	}
	out, err := b.Attn.Forward(ex, wins.MustReshape(-1, b.ws*b.ws, c), b.mask)
	if err != nil {
		return nil, err
	}
	grid, err = window.Reverse(out.MustReshape(-1, b.ws, b.ws, c), b.ws, b.hp, b.wp)
	if err != nil {
		return nil, err
	}
	if b.shift > 0 {
		if grid, err = tensor.Roll(grid, b.shift, b.shift); err != nil {
			return nil, err
		}
	}
	if b.hp != h || b.wp != w {
		if grid, err = tensor.CropTopLeft(grid, h, w); err != nil {
			return nil, err
		}
	}
	return grid.Reshape(n, h*w, c)
}

// FLOPs estimates multiply-adds of one forward pass for a single sample.
func (b *Block) FLOPs() int64 {
	h, w, c := int64(b.cfg.Height), int64(b.cfg.Width), int64(b.cfg.Dim)
	f := 2 * c * h * w
	if b.Attn != nil {
		nw := int64(b.hp/b.ws) * int64(b.wp/b.ws)
		f += nw * b.Attn.FLOPs(b.ws*b.ws)
	}
	if b.KA != nil {
		f += b.KA.FLOPs(b.cfg.Height, b.cfg.Width)
	}
	f += 2 * h * w * c * int64(b.MLP.FC1.Out)
	return f
}
