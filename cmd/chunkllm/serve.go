package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/chunkllm/internal/api"
	"github.com/samcharles93/chunkllm/internal/logger"
	"github.com/samcharles93/chunkllm/internal/signpost"
	"github.com/samcharles93/chunkllm/internal/version"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxNew      int64
		eos         []int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve predictions over HTTP",
		Flags: append(modelFlags(),
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
			&cli.Int64Flag{
				Name:        "max-new-tokens",
				Aliases:     []string{"n"},
				Usage:       "default number of tokens to generate per request",
				Value:       32,
				Destination: &maxNew,
			},
			&cli.Int64SliceFlag{
				Name:        "eos",
				Usage:       "default token ids that end generation",
				Destination: &eos,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyModelConfig(cmd, cfg)
			applyGenerationConfig(cmd, cfg, &maxNew, &eos)
			applyServeConfig(cmd, cfg, &addr)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			sink, err := signpost.NewPrometheus(reg)
			if err != nil {
				return err
			}

			p, err := openPipeline(ctx, sink)
			if err != nil {
				return err
			}
			defer func() {
				if err := p.Close(); err != nil {
					log.Warn("close pipeline", "error", err)
				}
			}()

			server := api.NewServer(p, api.ServerOptions{
				MaxNewTokens: int(maxNew),
				EOSTokenIDs:  toInts(eos),
				Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				Logger:       log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "version", version.String())
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
