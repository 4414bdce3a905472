package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hisr/internal/logger"
	"github.com/samcharles93/hisr/internal/safetensors"
	"github.com/samcharles93/hisr/internal/tensor"
)

func forwardCmd() *cli.Command {
	var (
		inputPath  string
		inputName  string
		outputPath string
		outputName string
		batch      int
		half       bool
	)

	return &cli.Command{
		Name:  "forward",
		Usage: "Run a forward pass over a batch of hyperspectral images",
		Flags: append(append(commonModelFlags(), execFlags()...),
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "safetensors file holding the [B, C, H, W] input (random when empty)",
				Destination: &inputPath,
			},
			&cli.StringFlag{
				Name:        "input-name",
				Usage:       "tensor name of the input",
				Value:       "input",
				Destination: &inputName,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "write the output tensor to this safetensors file",
				Destination: &outputPath,
			},
			&cli.StringFlag{
				Name:        "output-name",
				Usage:       "tensor name of the output",
				Value:       "output",
				Destination: &outputName,
			},
			&cli.IntFlag{
				Name:        "batch",
				Aliases:     []string{"b"},
				Usage:       "batch size of the random input",
				Value:       1,
				Destination: &batch,
			},
			&cli.BoolFlag{
				Name:        "f16",
				Usage:       "store the output as F16",
				Destination: &half,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			net, ex, err := loadNetwork(ctx, c)
			if err != nil {
				return err
			}
			cfg := net.Config

			var x *tensor.Tensor
			if inputPath != "" {
				if x, err = readInput(inputPath, inputName); err != nil {
					return err
				}
			} else {
				if batch <= 0 {
					return fmt.Errorf("--batch must be positive, got %d", batch)
				}
				x = tensor.New(batch, cfg.InChans, cfg.ImgSize, cfg.ImgSize)
				tensor.FillRand(x, cfg.Seed+1, 1)
				log.Info("using random input", "shape", x.Shape)
			}

			start := time.Now()
			y, err := net.Forward(ex, x)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			lo, hi, mean := summarize(y.Data)
			log.Info("forward complete",
				"input", x.Shape, "output", y.Shape,
				"elapsed", elapsed.Round(time.Millisecond),
				"min", lo, "max", hi, "mean", mean)

			if outputPath == "" {
				fmt.Printf("output %v  min %.4g  max %.4g  mean %.4g  (%s)\n", y.Shape, lo, hi, mean, elapsed.Round(time.Millisecond))
				return nil
			}
			dtype := safetensors.F32
			if half {
				dtype = safetensors.F16
			}
			meta := map[string]string{"format": "hisr", "input_shape": fmt.Sprint(x.Shape)}
			if err := safetensors.Write(outputPath, map[string]*tensor.Tensor{outputName: y}, dtype, meta); err != nil {
				return err
			}
			log.Info("output written", "path", outputPath, "dtype", dtype)
			return nil
		},
	}
}

func readInput(path, name string) (*tensor.Tensor, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()
	data, shape, err := f.LoadF32(name)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return tensor.FromData(data, shape...)
}

func summarize(xs []float32) (lo, hi, mean float32) {
	if len(xs) == 0 {
		return 0, 0, 0
	}
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	var sum float64
	for _, v := range xs {
		lo, hi = min(lo, v), max(hi, v)
		sum += float64(v)
	}
	return lo, hi, float32(sum / float64(len(xs)))
}
