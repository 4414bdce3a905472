package swin

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/hisr/internal/backend"
	"github.com/samcharles93/hisr/internal/logger"
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/tensor"
)

// Stage is a run of blocks at one resolution, optionally followed by patch
// merging.
type Stage struct {
	Dim        int
	Resolution int
	Blocks     []*Block
	Downsample *PatchMerging
}

func (s *Stage) Params(prefix string) []nn.Param {
	var ps []nn.Param
	for i, b := range s.Blocks {
		ps = append(ps, b.Params(nn.Join(prefix, "blocks."+strconv.Itoa(i)))...)
	}
	if s.Downsample != nil {
		ps = append(ps, s.Downsample.Params(nn.Join(prefix, "downsample"))...)
	}
	return ps
}

func (s *Stage) Forward(ex *backend.Exec, x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, b := range s.Blocks {
		if x, err = b.Forward(ex, x); err != nil {
			return nil, err
		}
	}
	if s.Downsample != nil {
		return s.Downsample.Forward(x)
	}
	return x, nil
}

func (s *Stage) FLOPs() int64 {
	var f int64
	for _, b := range s.Blocks {
		f += b.FLOPs()
	}
	if s.Downsample != nil {
		f += s.Downsample.FLOPs()
	}
	return f
}

// Network embeds an image with a 3x3 convolution and runs it through the
// stages. Every stage but the last halves the resolution and doubles the
// channels.
type Network struct {
	Config ModelConfig
	Embed  *nn.Conv2D
	Stages []*Stage
}

// NewNetwork builds a network with zero parameters; call nn.Init or nn.Load
// before use.
func NewNetwork(cfg ModelConfig, log logger.Logger) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	embed, err := nn.NewConv2D(cfg.InChans, cfg.EmbedDim, 3, tensor.ConvParams{Stride: 1, Padding: 1, Groups: 1}, true)
	if err != nil {
		return nil, err
	}
	n := &Network{Config: cfg, Embed: embed}
	for i, depth := range cfg.Depths {
		dim, res := cfg.StageDim(i), cfg.StageResolution(i)
		st := &Stage{Dim: dim, Resolution: res}
		for j := 0; j < depth; j++ {
			ws, shift := cfg.BlockWindow(j)
			blk, err := NewBlock(BlockConfig{
				Dim:        dim,
				Height:     res,
				Width:      res,
				Heads:      cfg.NumHeads[i],
				WindowSize: ws,
				ShiftSize:  shift,
				MLPRatio:   cfg.MLPRatio,
				QKVBias:    cfg.QKVBias,
				QKScale:    cfg.QKScale,
				Branch:     cfg.StageBranch(i),
				Kernel:     cfg.Kernel,
				Stage:      i,
				Index:      j,
			}, log)
			if err != nil {
				return nil, fmt.Errorf("stage %d block %d: %w", i, j, err)
			}
			st.Blocks = append(st.Blocks, blk)
		}
		if i < len(cfg.Depths)-1 {
			st.Downsample = NewPatchMerging(res, res, dim)
		}
		n.Stages = append(n.Stages, st)
	}
	log.Debug("network built", "stages", len(n.Stages), "params", nn.Count(n))
	return n, nil
}

func (n *Network) Params(prefix string) []nn.Param {
	ps := n.Embed.Params(nn.Join(prefix, "conv"))
	for i, s := range n.Stages {
		ps = append(ps, s.Params(nn.Join(prefix, "layers."+strconv.Itoa(i)))...)
	}
	return ps
}

// OutputShape returns the output shape for a batch of b images.
func (n *Network) OutputShape(b int) []int {
	last := len(n.Stages) - 1
	res := n.Config.StageResolution(last)
	return []int{b, n.Config.StageDim(last), res, res}
}

// Forward maps images [B, InChans, ImgSize, ImgSize] to
// [B, C_last, H_last, W_last].
func (n *Network) Forward(ex *backend.Exec, x *tensor.Tensor) (*tensor.Tensor, error) {
	cfg := n.Config
	if x.Rank() != 4 || x.Shape[1] != cfg.InChans || x.Shape[2] != cfg.ImgSize || x.Shape[3] != cfg.ImgSize {
		return nil, tensor.Shapef("network", "input %v, want [B, %d, %d, %d]", x.Shape, cfg.InChans, cfg.ImgSize, cfg.ImgSize)
	}
	b := x.Shape[0]
	emb, err := n.Embed.Forward(x)
	if err != nil {
		return nil, err
	}
	tokens, err := emb.MustPermute(0, 2, 3, 1).Reshape(b, cfg.ImgSize*cfg.ImgSize, cfg.EmbedDim)
	if err != nil {
		return nil, err
	}
	for _, s := range n.Stages {
		if tokens, err = s.Forward(ex, tokens); err != nil {
			return nil, err
		}
	}
	out := n.OutputShape(b)
	grid, err := tokens.Reshape(b, out[2], out[3], out[1])
	if err != nil {
		return nil, err
	}
	return grid.Permute(0, 3, 1, 2)
}

// FLOPs estimates multiply-adds of one forward pass for a single image.
func (n *Network) FLOPs() int64 {
	cfg := n.Config
	hw := int64(cfg.ImgSize * cfg.ImgSize)
	f := hw * int64(cfg.EmbedDim*cfg.InChans*9)
	for _, s := range n.Stages {
		f += s.FLOPs()
	}
	return f
}
