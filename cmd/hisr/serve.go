package main

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hisr/internal/api"
	"github.com/samcharles93/hisr/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		storeCapacity int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve forward passes over HTTP",
		Flags: append(append(commonModelFlags(), execFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.IntFlag{
				Name:        "store-capacity",
				Usage:       "number of forward results kept for GET /v1/forward/:id",
				Value:       api.DefaultStoreCapacity,
				Destination: &storeCapacity,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(c, fileConfig(ctx), &addr, &storeCapacity)

			net, ex, err := loadNetwork(ctx, c)
			if err != nil {
				return err
			}
			server := api.NewServer(modelID(), net, ex, api.NewResultStore(storeCapacity))

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", modelID(), "workers", ex.Workers())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

// modelID names the served model after its checkpoint file.
func modelID() string {
	if weightsPath == "" {
		return "hisr-seeded"
	}
	return strings.TrimSuffix(filepath.Base(weightsPath), filepath.Ext(weightsPath))
}
