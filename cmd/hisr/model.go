package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hisr/internal/backend"
	"github.com/samcharles93/hisr/internal/logger"
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/safetensors"
	"github.com/samcharles93/hisr/internal/swin"
)

func resolveModelConfig(c *cli.Command) (swin.ModelConfig, error) {
	cfg := swin.DefaultModelConfig()
	if modelConfigPath != "" {
		var err error
		if cfg, err = swin.LoadModelConfig(modelConfigPath); err != nil {
			return swin.ModelConfig{}, err
		}
	}
	if c.IsSet("seed") || seed != 0 {
		cfg.Seed = seed
	}
	return cfg, nil
}

// loadNetwork builds the network described by the model flags and fills its
// parameters from --weights, or from the seed when no checkpoint is given.
func loadNetwork(ctx context.Context, c *cli.Command) (*swin.Network, *backend.Exec, error) {
	log := logger.FromContext(ctx)
	applyModelConfig(c, fileConfig(ctx))

	cfg, err := resolveModelConfig(c)
	if err != nil {
		return nil, nil, err
	}
	ex, err := backend.New(backendName, workers, log)
	if err != nil {
		return nil, nil, err
	}
	net, err := swin.NewNetwork(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	if weightsPath == "" {
		nn.Init(net, cfg.Seed)
		log.Warn("no checkpoint given, using seeded initialisation", "seed", cfg.Seed)
		return net, ex, nil
	}
	f, err := safetensors.Open(weightsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open weights: %w", err)
	}
	defer func() { _ = f.Close() }()
	loaded, err := nn.Load(net, f, strictLoad)
	if err != nil {
		return nil, nil, err
	}
	total := len(net.Params(""))
	if loaded < total {
		log.Warn("checkpoint is missing parameters", "loaded", loaded, "expected", total)
	}
	log.Info("weights loaded", "path", weightsPath, "tensors", loaded, "params", nn.Count(net))
	return net, ex, nil
}
