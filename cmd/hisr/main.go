package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hisr/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:   "hisr",
		Usage:  "Swin Transformer hyperspectral feature extraction with kernel attention",
		Flags:  loggingFlags(),
		Before: setupLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			forwardCmd(),
			inspectCmd(),
			initCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging reads the config file, resolves the log flags and stores the
// logger in the context for every subcommand.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg := LoadConfig()
	applyLogConfig(cmd, cfg)
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	log, err := logger.ForFormat(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, err
	}
	ctx = withFileConfig(ctx, cfg)
	return logger.WithContext(ctx, log), nil
}
