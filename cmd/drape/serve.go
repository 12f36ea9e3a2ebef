package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/samcharles93/drape/internal/api"
	"github.com/samcharles93/drape/internal/logger"
	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the image generation API and web UI",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, cfg)
			applyServeConfig(cmd, cfg, &addr)
			log := logger.FromContext(ctx)

			store := api.NewJobStore()
			provider := api.NewCachedEngineProvider(api.EngineProviderConfig{
				DefaultModelPath: checkpointPath,
				ModelsPath:       modelsPath,
				Loader:           newLoader(""),
			})
			defer func() { _ = provider.Close() }()
			service := api.NewGenerationService(provider)
			server := api.NewServer(store, service)
			defer server.Wait()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					// Background jobs read the logger from the request context.
					srv.BaseContext = func(net.Listener) context.Context { return ctx }
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
