package swin

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/hisr/internal/kernelattn"
)

// ErrInvalidConfig is returned (wrapped) when a model or block cannot be
// built from its configuration.
var ErrInvalidConfig = kernelattn.ErrInvalidConfig

// Branch selects what a block does between norm1 and the first residual.
type Branch string

const (
	// SelfAttention runs windowed self-attention at full width.
	SelfAttention Branch = "self_attention"
	// KernelAttention runs the kernel-attention pipeline at full width.
	KernelAttention Branch = "kernel_attention"
	// Split sends the first half of the channels through self-attention and
	// the second half through kernel attention, then concatenates.
	Split Branch = "split"
	// Cascade runs self-attention, then kernel attention on blocks that are
	// not shifted.
	Cascade Branch = "cascade"
)

func (b Branch) valid() bool {
	switch b {
	case SelfAttention, KernelAttention, Split, Cascade:
		return true
	}
	return false
}

// ModelConfig describes a full network. Unset YAML fields keep the values
// from DefaultModelConfig.
type ModelConfig struct {
	ImgSize     int      `yaml:"img_size" json:"img_size"`
	InChans     int      `yaml:"in_chans" json:"in_chans"`
	EmbedDim    int      `yaml:"embed_dim" json:"embed_dim"`
	Depths      []int    `yaml:"depths" json:"depths"`
	NumHeads    []int    `yaml:"num_heads" json:"num_heads"`
	WindowSize  int      `yaml:"window_size" json:"window_size"`
	MLPRatio    float64  `yaml:"mlp_ratio" json:"mlp_ratio"`
	QKVBias     bool     `yaml:"qkv_bias" json:"qkv_bias"`
	QKScale     float32  `yaml:"qk_scale,omitempty" json:"qk_scale,omitempty"`
	HalveWindow bool     `yaml:"halve_window" json:"halve_window"`
	Branches    []Branch `yaml:"branches" json:"branches"`
	Seed        int64    `yaml:"seed" json:"seed"`

	Kernel kernelattn.Config `yaml:"kernel" json:"kernel"`
}

// DefaultModelConfig returns the two-stage configuration used for 31-band
// 64x64 patches.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		ImgSize:    64,
		InChans:    31,
		EmbedDim:   96,
		Depths:     []int{2, 4},
		NumHeads:   []int{3, 3},
		WindowSize: 8,
		MLPRatio:   4,
		QKVBias:    true,
		Kernel:     kernelattn.DefaultConfig(0),
	}
}

// ParseModelConfig decodes YAML over the defaults and validates the result.
func ParseModelConfig(data []byte) (ModelConfig, error) {
	cfg := DefaultModelConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("parse model config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ModelConfig{}, err
	}
	return cfg, nil
}

// LoadModelConfig reads a YAML model description from path.
func LoadModelConfig(path string) (ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ModelConfig{}, fmt.Errorf("read model config: %w", err)
	}
	return ParseModelConfig(data)
}

// StageBranch returns the branch used by every block of stage i.
func (c ModelConfig) StageBranch(i int) Branch {
	if i < len(c.Branches) {
		return c.Branches[i]
	}
	return Cascade
}

// StageDim returns the channel width of stage i.
func (c ModelConfig) StageDim(i int) int {
	return c.EmbedDim << i
}

// StageResolution returns the side of the square map seen by stage i.
func (c ModelConfig) StageResolution(i int) int {
	return c.ImgSize >> i
}

// BlockWindow returns the configured window and shift of block j in a stage,
// before any clamping to the input resolution.
func (c ModelConfig) BlockWindow(j int) (ws, shift int) {
	if !c.HalveWindow {
		if j%2 == 1 {
			return c.WindowSize, c.WindowSize / 2
		}
		return c.WindowSize, 0
	}
	ws = c.WindowSize >> j
	if ws <= 1 {
		ws = 2
	}
	if j%2 == 1 {
		shift = c.WindowSize >> (j + 1)
	}
	return ws, shift
}

func (c ModelConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.ImgSize <= 0 || c.InChans <= 0 || c.EmbedDim <= 0:
		return invalid("img_size %d, in_chans %d and embed_dim %d must be positive", c.ImgSize, c.InChans, c.EmbedDim)
	case len(c.Depths) == 0:
		return invalid("no stages")
	case len(c.NumHeads) != len(c.Depths):
		return invalid("%d head counts for %d stages", len(c.NumHeads), len(c.Depths))
	case len(c.Branches) != 0 && len(c.Branches) != len(c.Depths):
		return invalid("%d branches for %d stages", len(c.Branches), len(c.Depths))
	case c.WindowSize <= 0:
		return invalid("window_size %d", c.WindowSize)
	case c.MLPRatio <= 0:
		return invalid("mlp_ratio %g", c.MLPRatio)
	case c.ImgSize%(1<<(len(c.Depths)-1)) != 0:
		return invalid("img_size %d cannot be halved %d times", c.ImgSize, len(c.Depths)-1)
	}
	for i, depth := range c.Depths {
		dim, heads, branch := c.StageDim(i), c.NumHeads[i], c.StageBranch(i)
		if depth <= 0 {
			return invalid("stage %d depth %d", i, depth)
		}
		if !branch.valid() {
			return invalid("stage %d: unknown branch %q", i, branch)
		}
		if heads <= 0 || dim%heads != 0 {
			return invalid("stage %d: dim %d not divisible by %d heads", i, dim, heads)
		}
		if branch == SelfAttention {
			continue
		}
		kdim := dim
		if branch == Split {
			if dim%2 != 0 || heads%2 != 0 {
				return invalid("stage %d: split branch needs even dim and heads, got %d and %d", i, dim, heads)
			}
			kdim = dim / 2
		}
		kc := c.Kernel
		kc.Dim = kdim
		if err := kc.Validate(); err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
	}
	return nil
}
