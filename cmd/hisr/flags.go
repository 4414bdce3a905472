package main

import "github.com/urfave/cli/v3"

var (
	modelConfigPath string
	weightsPath     string
	strictLoad      bool
	seed            int64
	backendName     string
	workers         int
	logLevel        string
	logFormat       string
	debug           bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to a YAML model description (defaults to the built-in two-stage model)",
			Destination: &modelConfigPath,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to a .safetensors checkpoint",
			Destination: &weightsPath,
		},
		&cli.BoolFlag{
			Name:        "strict",
			Usage:       "fail when the checkpoint lacks a parameter",
			Value:       true,
			Destination: &strictLoad,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "initialisation seed when no checkpoint is given (overrides the model config)",
			Destination: &seed,
		},
	}
}

func execFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.IntFlag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "parallel workers (0 = GOMAXPROCS)",
			Destination: &workers,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
