package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/wick/internal/api"
	"github.com/samcharles93/wick/internal/logger"
	"github.com/samcharles93/wick/internal/metrics"
	"github.com/samcharles93/wick/internal/runtime"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		sessionTTL  time.Duration
		maxSessions int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API over HTTP",
		Flags: append(append(commonModelFlags(), generationFlags()...),
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
			&cli.DurationFlag{
				Name:        "session-ttl",
				Usage:       "idle time after which a session's context is freed",
				Value:       api.DefaultSessionTTL,
				Destination: &sessionTTL,
			},
			&cli.Int64Flag{
				Name:        "max-sessions",
				Usage:       "maximum live sessions; the least recently used is evicted",
				Value:       api.DefaultMaxSessions,
				Destination: &maxSessions,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyModelConfig(c, fileConfig)
			applyGenerationConfig(c, fileConfig)
			applyServeConfig(c, fileConfig, &addr, &sessionTTL)
			log := logger.FromContext(ctx)

			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, c.Root().ErrWriter)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			opts, err := generationOptions()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)

			mgr := runtime.NewManager(runtime.Options{Generation: opts, Logger: log, Observer: m})
			defer func() { _ = mgr.Close() }()
			mh, err := mgr.LoadModel(path, int(gpuLayers))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			server := api.NewServer(api.Config{
				Manager:     mgr,
				Model:       mh,
				ContextSize: int(maxContext),
				SessionTTL:  sessionTTL,
				MaxSessions: int(maxSessions),
				Metrics:     m,
				Gatherer:    reg,
				Logger:      log,
			})
			defer server.Close()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", path, "n_ctx", maxContext, "session_ttl", sessionTTL)
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
