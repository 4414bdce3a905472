package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hisr/internal/logger"
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/safetensors"
	"github.com/samcharles93/hisr/internal/swin"
	"github.com/samcharles93/hisr/internal/tensor"
)

func initCmd() *cli.Command {
	var (
		outputPath string
		half       bool
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Write a seeded checkpoint for a model description",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path",
				Required:    true,
				Destination: &outputPath,
			},
			&cli.BoolFlag{
				Name:        "f16",
				Usage:       "store parameters as F16",
				Destination: &half,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, fileConfig(ctx))
			cfg, err := resolveModelConfig(c)
			if err != nil {
				return err
			}
			net, err := swin.NewNetwork(cfg, log)
			if err != nil {
				return err
			}
			nn.Init(net, cfg.Seed)

			tensors := make(map[string]*tensor.Tensor)
			for _, p := range net.Params("") {
				tensors[p.Name] = p.T
			}
			dtype := safetensors.F32
			if half {
				dtype = safetensors.F16
			}
			meta := map[string]string{"format": "hisr", "seed": fmt.Sprint(cfg.Seed)}
			if err := safetensors.Write(outputPath, tensors, dtype, meta); err != nil {
				return err
			}
			log.Info("checkpoint written", "path", outputPath, "tensors", len(tensors), "params", nn.Count(net), "dtype", dtype)
			return nil
		},
	}
}
