package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/convohub/internal/api"
	"github.com/convohub/internal/logging"
)

const stopTimeout = 30 * time.Second

// ServeCommand returns the CLI command for starting the API server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the ConvoHub API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
			&cli.BoolFlag{
				Name:  "no-workers",
				Usage: "Only enqueue follow-ups; leave them to `convohub worker`",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty); err != nil {
		return err
	}
	if port := c.Int("port"); port > 0 {
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, !c.Bool("no-workers"))
	if err != nil {
		return err
	}
	defer closeServices(svc)

	if !c.Bool("no-workers") {
		if err := svc.startWorkers(ctx); err != nil {
			return err
		}
	}

	server := api.NewServer(svc.engine, cfg.Server.Port, svc.registry)
	return server.Start(ctx)
}

// WorkerCommand returns the command that only works queued follow-ups.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run follow-up workers without the API",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty); err != nil {
				return err
			}
			if !cfg.Queue.Enabled {
				return fmt.Errorf("worker requires queue.enabled = true")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer closeServices(svc)

			if err := svc.startWorkers(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			log.Info().Msg("Shutting down workers")
			return nil
		},
	}
}

func closeServices(svc *services) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	svc.Close(ctx)
}
